package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"voicefeedback/internal/eventbus"
	"voicefeedback/internal/runtime/supervisor"
	logx "voicefeedback/pkg/logx"
)

// Dispatcher admits feedback messages and hands them to a single background worker
// that renders them through the sink. Submit never waits on rendering.
//
// It is safe for concurrent use.
type Dispatcher struct {
	// mu serializes admit-decide-update-push and guards cfg/policy/history.
	mu      sync.Mutex
	cfg     Config
	policy  Policy
	history History

	backlog *Backlog
	sinks   *sinkHolder

	now func() time.Time
	log logx.Logger
	bus eventbus.Bus

	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopOnce sync.Once
	stopDone chan struct{}

	// initCtx bounds sink construction only; Stop cancels it. Renders never see it.
	initCtx    context.Context
	initCancel context.CancelFunc

	state     atomic.Int32
	stats     counters
	dropLog   *rate.Limiter
	reacquire *rate.Limiter
}

type counters struct {
	submitted        atomic.Uint64
	admitted         atomic.Uint64
	rejectedEmpty    atomic.Uint64
	rejectedRepeat   atomic.Uint64
	rejectedFrequent atomic.Uint64
	flushed          atomic.Uint64
	rendered         atomic.Uint64
	renderFailures   atomic.Uint64
	droppedNoSink    atomic.Uint64
	sinkInits        atomic.Uint64
	sinkFailures     atomic.Uint64
}

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

// WithBus publishes lifecycle events (admitted, rendered, ...) on b.
func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

// WithClock replaces time.Now for admission decisions.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// New builds a dispatcher and starts its worker. The sink is constructed by the worker.
func New(cfg Config, factory SinkFactory, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		policy:   Policy{MinInterval: cfg.MinInterval, RepeatInterval: cfg.RepeatInterval},
		backlog:  NewBacklog(cfg.SaturationThreshold),
		sinks:    &sinkHolder{factory: factory},
		now:      time.Now,
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
		dropLog:  rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	d.reacquire = rate.NewLimiter(reacquireLimit(cfg.ReacquireInterval), 1)
	d.initCtx, d.initCancel = context.WithCancel(context.Background())

	d.sup = supervisor.New(context.Background(), supervisor.WithLogger(d.log))
	d.sup.GoRestart("dispatch.worker", d.workerLoop,
		supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	return d
}

func reacquireLimit(every time.Duration) rate.Limit {
	if every <= 0 {
		return rate.Inf
	}
	return rate.Every(every)
}

// Submit evaluates text against the admission policy and, if admitted, queues it for
// rendering. Rejections are silent; the Decision is informational.
func (d *Dispatcher) Submit(text string) Decision {
	text = strings.TrimSpace(text)
	d.stats.submitted.Add(1)

	d.mu.Lock()
	now := d.now()
	dec := d.policy.Admit(text, now, d.history)
	if dec != Admit {
		d.mu.Unlock()
		d.noteRejected(dec)
		d.log.Trace("message rejected", logx.String("text", text), logx.String("decision", dec.String()))
		d.publish(EventRejected, Event{Text: text, Decision: dec.String()})
		return dec
	}
	// History counts submissions, not renders: a message flushed later still counts.
	d.history.Record(text, now)
	flushed := d.backlog.Push(text)
	d.mu.Unlock()

	d.stats.admitted.Add(1)
	if flushed > 0 {
		d.stats.flushed.Add(uint64(flushed))
		d.log.Debug("backlog saturated; flushed stale messages", logx.Int("flushed", flushed))
		d.publish(EventFlushed, Event{Text: text, Flushed: flushed})
	}
	d.publish(EventAdmitted, Event{Text: text, Decision: dec.String()})
	return dec
}

func (d *Dispatcher) noteRejected(dec Decision) {
	switch dec {
	case RejectEmpty:
		d.stats.rejectedEmpty.Add(1)
	case RejectRepeat:
		d.stats.rejectedRepeat.Add(1)
	case RejectFrequent:
		d.stats.rejectedFrequent.Add(1)
	}
}

// Stop refuses new work, waits for the worker up to the configured grace period
// (or ctx), then shuts the sink down. An in-flight render is not interrupted.
// Safe to call more than once; later calls wait for the first to finish.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	first := false
	d.stopOnce.Do(func() {
		first = true
		close(d.stopCh)
		// Abandon a pending sink construction.
		d.initCancel()
	})
	if !first {
		select {
		case <-d.stopDone:
		case <-ctx.Done():
		}
		return
	}
	defer close(d.stopDone)

	grace := d.config().StopGrace
	wctx, cancel := context.WithTimeout(ctx, grace)
	err := d.sup.Wait(wctx)
	cancel()
	// No more restarts from here on.
	d.sup.Cancel()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		d.log.Warn("worker did not stop within grace period", logx.Duration("grace", grace))
	}

	if held, err := d.sinks.shutdown(ctx); err != nil {
		d.log.Warn("sink shutdown failed", logx.Err(err))
	} else if held {
		d.log.Debug("sink shut down")
	}
	pending := d.backlog.Len()
	d.log.Info("dispatcher stopped", logx.Int("pending", pending))
	d.publish(EventStopped, Event{Flushed: pending})
}

// Apply swaps throttling and worker knobs at runtime. History and backlog are kept.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.policy = Policy{MinInterval: cfg.MinInterval, RepeatInterval: cfg.RepeatInterval}
	d.mu.Unlock()
	d.backlog.SetThreshold(cfg.SaturationThreshold)
	d.reacquire.SetLimit(reacquireLimit(cfg.ReacquireInterval))
}

func (d *Dispatcher) Config() Config { return d.config() }

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	return cfg
}

// History returns a snapshot of the admission history.
func (d *Dispatcher) History() History {
	d.mu.Lock()
	h := d.history
	d.mu.Unlock()
	return h
}

func (d *Dispatcher) State() State { return State(d.state.Load()) }

func (d *Dispatcher) setState(s State) { d.state.Store(int32(s)) }

// Supervisor exposes the worker's supervisor for stats output.
func (d *Dispatcher) Supervisor() *supervisor.Supervisor { return d.sup }

func (d *Dispatcher) Stats() Stats {
	return Stats{
		State:            d.State(),
		Backlog:          d.backlog.Len(),
		SinkHeld:         d.sinks.current() != nil,
		Submitted:        d.stats.submitted.Load(),
		Admitted:         d.stats.admitted.Load(),
		RejectedEmpty:    d.stats.rejectedEmpty.Load(),
		RejectedRepeat:   d.stats.rejectedRepeat.Load(),
		RejectedFrequent: d.stats.rejectedFrequent.Load(),
		Flushed:          d.stats.flushed.Load(),
		Rendered:         d.stats.rendered.Load(),
		RenderFailures:   d.stats.renderFailures.Load(),
		DroppedNoSink:    d.stats.droppedNoSink.Load(),
		SinkInits:        d.stats.sinkInits.Load(),
		SinkFailures:     d.stats.sinkFailures.Load(),
	}
}

func (d *Dispatcher) running() bool {
	select {
	case <-d.stopCh:
		return false
	default:
		return true
	}
}

func (d *Dispatcher) publish(typ string, e Event) {
	if d.bus == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: e.At, Data: e})
}
