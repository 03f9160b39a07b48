package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voicefeedback/internal/dispatch"
	"voicefeedback/internal/eventbus"
	"voicefeedback/internal/runtime/supervisor"
	"voicefeedback/internal/storage"
	logx "voicefeedback/pkg/logx"
)

const (
	DefaultSize         = 300
	defaultPersistQueue = 256
	persistTimeout      = 250 * time.Millisecond
)

// Entry kinds.
const (
	KindRendered     = "rendered"
	KindRenderFailed = "render_failed"
	KindDropped      = "dropped"
)

type Config struct {
	// Size is the number of entries kept in memory.
	Size int
	// PersistQueue bounds pending store writes. Writes beyond it are dropped.
	PersistQueue int
}

type Entry = storage.Delivery

type Stats struct {
	Recorded      uint64 `json:"recorded"`
	Persisted     uint64 `json:"persisted"`
	PersistFailed uint64 `json:"persist_failed"`
	PersistDrops  uint64 `json:"persist_drops"`
}

// Service records what happened to admitted messages. It listens to dispatcher events
// on the bus, keeps the newest entries in memory and appends them to the optional store.
//
// It is safe for concurrent use.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	sup      *supervisor.Supervisor
	unsub    func()
	recorded chan struct{} // closed when the record loop exits
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []Entry

	persistCh chan storage.Delivery

	nRecorded      atomic.Uint64
	nPersisted     atomic.Uint64
	nPersistFailed atomic.Uint64
	nPersistDrops  atomic.Uint64
}

// New builds a journal. store may be nil (memory only).
func New(cfg Config, bus eventbus.Bus, store storage.Store, log logx.Logger) *Service {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.PersistQueue <= 0 {
		cfg.PersistQueue = defaultPersistQueue
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, bus: bus, store: store, log: log.With(logx.String("comp", "journal"))}
}

// Start loads recent history from the store and begins recording. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.bus == nil {
		return
	}

	if s.store != nil {
		lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		prev, err := s.store.RecentDeliveries(lctx, s.cfg.Size)
		cancel()
		if err != nil {
			s.log.Warn("load journal history failed", logx.Err(err))
		} else if len(prev) > 0 {
			s.hmu.Lock()
			s.history = append(s.history[:0], prev...)
			s.hmu.Unlock()
			s.log.Debug("journal history loaded", logx.Int("entries", len(prev)))
		}
	}

	events, unsub := s.bus.Subscribe(256, dispatch.EventRendered, dispatch.EventRenderFailed, dispatch.EventDropped)
	s.unsub = unsub
	s.recorded = make(chan struct{})
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// Journal failures must not take anything else down.
		supervisor.WithCancelOnError(false),
	)

	var pch chan storage.Delivery
	if s.store != nil {
		pch = make(chan storage.Delivery, s.cfg.PersistQueue)
		s.persistCh = pch
		st := s.store
		s.sup.GoRestart("journal.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return nil
		})
	}

	done := s.recorded
	s.sup.Go0("journal.record", func(c context.Context) {
		defer close(done)
		s.recordLoop(c, events, pch)
	})
}

// Stop unsubscribes, flushes pending store writes and waits until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	unsub, recorded, pch := s.unsub, s.recorded, s.persistCh
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Closing the subscription ends the record loop; only then is it safe to
		// close the persist queue it writes to.
		unsub()
		<-recorded
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.sup, s.unsub, s.recorded, s.persistCh, s.stopDone = nil, nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) recordLoop(ctx context.Context, events <-chan eventbus.Event, pch chan<- storage.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e, ok := ev.Data.(dispatch.Event)
			if !ok {
				continue
			}
			s.record(entryFor(ev.Type, ev.Time, e), pch)
		}
	}
}

func entryFor(typ string, at time.Time, e dispatch.Event) Entry {
	kind := KindRendered
	switch typ {
	case dispatch.EventRenderFailed:
		kind = KindRenderFailed
	case dispatch.EventDropped:
		kind = KindDropped
	}
	if !e.At.IsZero() {
		at = e.At
	}
	return Entry{ID: uuid.NewString(), At: at, Kind: kind, Text: e.Text, Took: e.Took, Error: e.Error}
}

func (s *Service) record(e Entry, pch chan<- storage.Delivery) {
	s.hmu.Lock()
	s.history = append(s.history, e)
	if n := len(s.history); n > s.cfg.Size {
		s.history = append(s.history[:0], s.history[n-s.cfg.Size:]...)
	}
	s.hmu.Unlock()
	s.nRecorded.Add(1)

	if pch == nil {
		return
	}
	select {
	case pch <- e:
	default:
		s.nPersistDrops.Add(1)
	}
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan storage.Delivery, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			// Detached so a shutdown still flushes what was queued.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
			err := st.AppendDelivery(cctx, d)
			cancel()
			if err != nil {
				if s.nPersistFailed.Add(1) == 1 {
					s.log.Warn("journal write failed", logx.Err(err))
				}
				continue
			}
			s.nPersisted.Add(1)
		}
	}
}

// Snapshot returns the in-memory entries, oldest first.
func (s *Service) Snapshot() []Entry {
	s.hmu.Lock()
	out := append([]Entry(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) Stats() Stats {
	return Stats{
		Recorded:      s.nRecorded.Load(),
		Persisted:     s.nPersisted.Load(),
		PersistFailed: s.nPersistFailed.Load(),
		PersistDrops:  s.nPersistDrops.Load(),
	}
}

// Supervisor returns the journal's supervisor (nil if not started).
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}
