package app

import (
	"time"

	"voicefeedback/internal/dispatch"
	"voicefeedback/internal/journal"
	"voicefeedback/internal/runtime/supervisor"
)

type statusReport struct {
	Uptime     string              `json:"uptime"`
	Dispatch   dispatch.Stats      `json:"dispatch"`
	Journal    journal.Stats       `json:"journal"`
	BusDropped uint64              `json:"bus_dropped"`
	Worker     supervisor.Snapshot `json:"worker"`
	Runtime    supervisor.Snapshot `json:"runtime"`
}

// statusSource exposes the app to the status server.
type statusSource struct{ a *App }

func (s statusSource) Healthy() bool { return s.a.disp.State() != dispatch.StateStopped }

func (s statusSource) Status() any {
	a := s.a
	rep := statusReport{
		Dispatch:   a.disp.Stats(),
		Journal:    a.journal.Stats(),
		BusDropped: a.bus.Dropped(),
		Worker:     a.disp.Supervisor().Snapshot(),
		Runtime:    a.sup.Snapshot(),
	}
	if !a.startedAt.IsZero() {
		rep.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	return rep
}

// History returns the newest n journal entries, oldest first.
func (s statusSource) History(n int) any {
	h := s.a.journal.Snapshot()
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	return h
}

func (s statusSource) Submit(text string) dispatch.Decision { return s.a.Submit(text) }
