package app

import (
	"context"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	logx "voicefeedback/pkg/logx"
)

// reporter runs the stats report on a cron schedule. The schedule can be swapped at
// runtime; an empty spec disables it.
type reporter struct {
	mu   sync.Mutex
	log  logx.Logger
	fn   func()
	c    *cron.Cron
	id   cron.EntryID
	spec string
}

func newReporter(log logx.Logger, fn func()) *reporter {
	return &reporter{
		log: log,
		fn:  fn,
		// Standard 5-field specs plus descriptors such as "@every 1m".
		c: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
	}
}

func (r *reporter) Start() { r.c.Start() }

// Reschedule replaces the report entry. An unchanged spec is a no-op.
func (r *reporter) Reschedule(spec string) error {
	spec = strings.TrimSpace(spec)
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec == r.spec && (r.id != 0 || spec == "") {
		return nil
	}
	if spec == "" {
		if r.id != 0 {
			r.c.Remove(r.id)
		}
		r.id, r.spec = 0, ""
		r.log.Debug("stats report disabled")
		return nil
	}
	// Add before removing so a bad spec keeps the previous schedule.
	id, err := r.c.AddFunc(spec, r.fn)
	if err != nil {
		return err
	}
	if r.id != 0 {
		r.c.Remove(r.id)
	}
	r.id, r.spec = id, spec
	r.log.Debug("stats report scheduled", logx.String("schedule", spec))
	return nil
}

// Stop stops triggering and waits for a running report, bounded by ctx.
func (r *reporter) Stop(ctx context.Context) {
	select {
	case <-r.c.Stop().Done():
	case <-ctx.Done():
	}
}
