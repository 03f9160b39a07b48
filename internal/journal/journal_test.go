package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"voicefeedback/internal/dispatch"
	"voicefeedback/internal/eventbus"
	"voicefeedback/internal/storage"
	logx "voicefeedback/pkg/logx"
)

type memStore struct {
	mu      sync.Mutex
	records []storage.Delivery
	fail    bool
}

func (m *memStore) AppendDelivery(ctx context.Context, d storage.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.records = append(m.records, d)
	return nil
}

func (m *memStore) RecentDeliveries(ctx context.Context, n int) ([]storage.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) > n {
		return append([]storage.Delivery(nil), m.records[len(m.records)-n:]...), nil
	}
	return append([]storage.Delivery(nil), m.records...), nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func publish(bus eventbus.Bus, typ, text string) {
	bus.Publish(eventbus.Event{Type: typ, Data: dispatch.Event{Text: text, At: time.Now()}})
}

func TestJournalRecordsAndPersists(t *testing.T) {
	bus := eventbus.New()
	st := &memStore{}
	j := New(Config{}, bus, st, logx.Nop())
	j.Start(context.Background())

	publish(bus, dispatch.EventAdmitted, "ignored")
	publish(bus, dispatch.EventRendered, "chin up")
	publish(bus, dispatch.EventRenderFailed, "breathe")
	publish(bus, dispatch.EventDropped, "relax")

	waitFor(t, "three entries", func() bool { return len(j.Snapshot()) == 3 })
	j.Stop(context.Background())

	got := j.Snapshot()
	kinds := fmt.Sprint(got[0].Kind, got[1].Kind, got[2].Kind)
	if kinds != fmt.Sprint(KindRendered, KindRenderFailed, KindDropped) {
		t.Fatalf("kinds = %s", kinds)
	}
	if got[0].ID == "" || got[0].ID == got[1].ID {
		t.Fatalf("entries need unique ids: %+v", got)
	}
	if st.Len() != 3 {
		t.Fatalf("persisted %d, want 3", st.Len())
	}
	if s := j.Stats(); s.Recorded != 3 || s.Persisted != 3 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestJournalKeepsNewest(t *testing.T) {
	bus := eventbus.New()
	j := New(Config{Size: 3}, bus, nil, logx.Nop())
	j.Start(context.Background())
	defer j.Stop(context.Background())

	for i := 0; i < 5; i++ {
		publish(bus, dispatch.EventRendered, fmt.Sprint(i))
		waitFor(t, "entry", func() bool { return j.Stats().Recorded == uint64(i+1) })
	}
	got := j.Snapshot()
	if len(got) != 3 || got[0].Text != "2" || got[2].Text != "4" {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestJournalLoadsHistoryAndSurvivesStoreErrors(t *testing.T) {
	st := &memStore{records: []storage.Delivery{{ID: "old", Kind: KindRendered, Text: "from last run"}}}
	bus := eventbus.New()
	j := New(Config{}, bus, st, logx.Nop())
	j.Start(context.Background())

	if got := j.Snapshot(); len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("history not loaded: %+v", got)
	}

	st.mu.Lock()
	st.fail = true
	st.mu.Unlock()
	publish(bus, dispatch.EventRendered, "new")
	waitFor(t, "failed write", func() bool { return j.Stats().PersistFailed == 1 })
	j.Stop(context.Background())

	if got := j.Snapshot(); len(got) != 2 {
		t.Fatalf("memory history should still record: %+v", got)
	}
}

func TestJournalWithDispatcher(t *testing.T) {
	bus := eventbus.New()
	j := New(Config{}, bus, nil, logx.Nop())
	j.Start(context.Background())
	defer j.Stop(context.Background())

	d := dispatch.New(dispatch.Config{IdlePollInterval: 10 * time.Millisecond, SettleDelay: time.Millisecond},
		func(ctx context.Context) (dispatch.Sink, error) { return nil, errors.New("no speaker") },
		dispatch.WithBus(bus))
	defer d.Stop(context.Background())

	d.Submit("stand tall")
	waitFor(t, "dropped entry", func() bool {
		s := j.Snapshot()
		return len(s) == 1 && s[0].Kind == KindDropped && s[0].Text == "stand tall"
	})
}
