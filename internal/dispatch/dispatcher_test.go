package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voicefeedback/internal/eventbus"
)

// ---- helpers ----

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSink struct {
	mu       sync.Mutex
	rendered []string

	// fail makes Render return an error for these texts.
	fail map[string]bool
	// panicOn makes Render panic for this text.
	panicOn string
	// release, when non-nil, blocks Render until closed.
	release chan struct{}
	started chan string

	pumps     atomic.Int32
	shutdowns atomic.Int32
}

func newFakeSink() *fakeSink {
	return &fakeSink{fail: map[string]bool{}, started: make(chan string, 64)}
}

func (s *fakeSink) Render(ctx context.Context, text string) error {
	s.started <- text
	if s.panicOn != "" && text == s.panicOn {
		panic("sink exploded")
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[text] {
		return errors.New("audio device busy")
	}
	s.rendered = append(s.rendered, text)
	return nil
}

func (s *fakeSink) Pump(ctx context.Context) error {
	s.pumps.Add(1)
	return errors.New("pump errors are ignored")
}

func (s *fakeSink) Shutdown(ctx context.Context) error {
	s.shutdowns.Add(1)
	return nil
}

func (s *fakeSink) Rendered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rendered...)
}

func staticFactory(s Sink) SinkFactory {
	return func(ctx context.Context) (Sink, error) { return s, nil }
}

func testConfig() Config {
	return Config{
		IdlePollInterval: 10 * time.Millisecond,
		SettleDelay:      time.Millisecond,
		StopGrace:        2 * time.Second,
	}
}

func newTestDispatcher(t *testing.T, cfg Config, f SinkFactory, opts ...Option) *Dispatcher {
	t.Helper()
	d := New(cfg, f, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---- tests ----

func TestSubmitReturnsWhileRenderBlocks(t *testing.T) {
	clk := &fakeClock{t: t0}
	sink := newFakeSink()
	sink.release = make(chan struct{})
	d := newTestDispatcher(t, testConfig(), staticFactory(sink), WithClock(clk.Now))
	defer close(sink.release)

	d.Submit("first")
	<-sink.started

	start := time.Now()
	for i := 0; i < 5; i++ {
		clk.Advance(3 * time.Second)
		d.Submit(fmt.Sprintf("next %d", i))
	}
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Fatalf("Submit blocked behind render: %v", took)
	}
	if got := d.State(); got != StateRendering {
		t.Fatalf("State() = %v, want rendering", got)
	}
}

func TestBacklogStaysBoundedAndNewestWins(t *testing.T) {
	clk := &fakeClock{t: t0}
	sink := newFakeSink()
	sink.release = make(chan struct{})
	d := newTestDispatcher(t, testConfig(), staticFactory(sink), WithClock(clk.Now))

	for i := 0; i < 10; i++ {
		if dec := d.Submit(fmt.Sprintf("m%d", i)); dec != Admit {
			t.Fatalf("m%d: %v", i, dec)
		}
		if got := d.Stats().Backlog; got > DefaultSaturationThreshold {
			t.Fatalf("backlog = %d after m%d", got, i)
		}
		clk.Advance(DefaultMinInterval)
	}
	close(sink.release)

	waitFor(t, 2*time.Second, "backlog drained", func() bool {
		return d.Stats().Backlog == 0 && d.State() == StateIdle
	})
	got := sink.Rendered()
	if len(got) == 0 || got[len(got)-1] != "m9" {
		t.Fatalf("rendered = %v, want last m9", got)
	}
	if d.Stats().Flushed == 0 {
		t.Fatalf("expected some messages to be flushed")
	}
}

func TestFlushedMessageStillCountsAgainstRepeat(t *testing.T) {
	clk := &fakeClock{t: t0}
	sink := newFakeSink()
	sink.release = make(chan struct{})
	defer close(sink.release)
	d := newTestDispatcher(t, testConfig(), staticFactory(sink), WithClock(clk.Now))

	for _, m := range []string{"a", "b", "c", "d"} {
		d.Submit(m)
		clk.Advance(DefaultMinInterval)
	}
	// "d" may have been flushed or not; either way it was admitted last.
	if got := d.Submit("d"); got != RejectRepeat {
		t.Fatalf("Submit(d) = %v, want %v", got, RejectRepeat)
	}
	if h := d.History(); h.LastMessage != "d" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSinkUnavailableConsumesSilently(t *testing.T) {
	clk := &fakeClock{t: t0}
	var builds atomic.Int32
	factory := func(ctx context.Context) (Sink, error) {
		builds.Add(1)
		return nil, errors.New("no audio device")
	}
	d := newTestDispatcher(t, testConfig(), factory, WithClock(clk.Now))

	for _, m := range []string{"one", "two", "three"} {
		if dec := d.Submit(m); dec != Admit {
			t.Fatalf("Submit(%q) = %v", m, dec)
		}
		clk.Advance(DefaultMinInterval)
		waitFor(t, time.Second, "consumed", func() bool { return d.Stats().Backlog == 0 })
	}

	waitFor(t, time.Second, "drops counted", func() bool { return d.Stats().DroppedNoSink == 3 })
	st := d.Stats()
	if st.SinkHeld || st.Rendered != 0 || st.SinkFailures == 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if got := d.State(); got == StateStopped {
		t.Fatalf("worker stopped unexpectedly")
	}
	// With idle re-acquire disabled the factory ran exactly once.
	if got := builds.Load(); got != 1 {
		t.Fatalf("factory calls = %d, want 1", got)
	}
}

func TestRenderFailureRebuildsSinkWithoutRetry(t *testing.T) {
	clk := &fakeClock{t: t0}
	first := newFakeSink()
	first.fail["broken"] = true
	second := newFakeSink()
	var builds atomic.Int32
	factory := func(ctx context.Context) (Sink, error) {
		if builds.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}
	d := newTestDispatcher(t, testConfig(), factory, WithClock(clk.Now))

	d.Submit("broken")
	waitFor(t, time.Second, "render failure", func() bool { return d.Stats().RenderFailures == 1 })
	waitFor(t, time.Second, "sink rebuilt", func() bool { return builds.Load() == 2 })

	clk.Advance(DefaultMinInterval)
	d.Submit("fixed")
	waitFor(t, time.Second, "render on new sink", func() bool { return len(second.Rendered()) == 1 })

	if got := second.Rendered(); got[0] != "fixed" {
		t.Fatalf("second sink rendered %v; failed message must not be redelivered", got)
	}
	if got := first.Rendered(); len(got) != 0 {
		t.Fatalf("first sink rendered %v", got)
	}
	if got := first.shutdowns.Load(); got != 1 {
		t.Fatalf("failed sink shutdowns = %d, want 1", got)
	}
}

func TestWorkerSurvivesPanickingSink(t *testing.T) {
	clk := &fakeClock{t: t0}
	bad := newFakeSink()
	bad.panicOn = "boom"
	good := newFakeSink()
	var builds atomic.Int32
	factory := func(ctx context.Context) (Sink, error) {
		if builds.Add(1) == 1 {
			return bad, nil
		}
		return good, nil
	}
	d := newTestDispatcher(t, testConfig(), factory, WithClock(clk.Now))

	d.Submit("boom")
	waitFor(t, 3*time.Second, "worker restart", func() bool { return builds.Load() == 2 })

	clk.Advance(DefaultMinInterval)
	d.Submit("after")
	waitFor(t, 3*time.Second, "render after restart", func() bool { return len(good.Rendered()) == 1 })
}

func TestIdlePumpsHeldSink(t *testing.T) {
	sink := newFakeSink()
	newTestDispatcher(t, testConfig(), staticFactory(sink))
	waitFor(t, time.Second, "pumps", func() bool { return sink.pumps.Load() >= 3 })
}

func TestIdleReacquiresFailedSink(t *testing.T) {
	sink := newFakeSink()
	var builds atomic.Int32
	factory := func(ctx context.Context) (Sink, error) {
		if builds.Add(1) == 1 {
			return nil, errors.New("engine not ready")
		}
		return sink, nil
	}
	cfg := testConfig()
	cfg.ReacquireInterval = 30 * time.Millisecond
	d := newTestDispatcher(t, cfg, factory)

	waitFor(t, 2*time.Second, "sink re-acquired", func() bool { return d.Stats().SinkHeld })
	d.Submit("ready now")
	waitFor(t, time.Second, "render", func() bool { return len(sink.Rendered()) == 1 })
}

func TestStopWaitsForInFlightRender(t *testing.T) {
	clk := &fakeClock{t: t0}
	sink := newFakeSink()
	sink.release = make(chan struct{})
	d := New(testConfig(), staticFactory(sink), WithClock(clk.Now))

	d.Submit("speaking")
	<-sink.started
	clk.Advance(DefaultMinInterval)
	d.Submit("queued")

	stopped := make(chan struct{})
	go func() {
		d.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a render was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(sink.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after render completed")
	}

	time.Sleep(30 * time.Millisecond)
	if got := sink.Rendered(); len(got) != 1 || got[0] != "speaking" {
		t.Fatalf("rendered = %v, want only the in-flight message", got)
	}
	if got := sink.shutdowns.Load(); got != 1 {
		t.Fatalf("shutdowns = %d, want 1", got)
	}
	if got := d.State(); got != StateStopped {
		t.Fatalf("State() = %v, want stopped", got)
	}
}

func TestStopIsBoundedWhileRenderHangs(t *testing.T) {
	sink := newFakeSink()
	sink.release = make(chan struct{})
	defer close(sink.release)
	cfg := testConfig()
	cfg.StopGrace = 100 * time.Millisecond
	d := New(cfg, staticFactory(sink))

	d.Submit("never finishes")
	<-sink.started

	start := time.Now()
	d.Stop(context.Background())
	took := time.Since(start)
	if took < cfg.StopGrace || took > time.Second {
		t.Fatalf("Stop took %v with grace %v", took, cfg.StopGrace)
	}
	if got := sink.shutdowns.Load(); got != 1 {
		t.Fatalf("shutdowns = %d, want 1", got)
	}
}

func TestStopAbandonsPendingSinkInit(t *testing.T) {
	entered := make(chan struct{})
	var canceled atomic.Bool
	factory := func(ctx context.Context) (Sink, error) {
		close(entered)
		<-ctx.Done()
		canceled.Store(true)
		return nil, ctx.Err()
	}
	cfg := testConfig()
	cfg.StopGrace = 100 * time.Millisecond
	d := New(cfg, factory)
	<-entered

	start := time.Now()
	d.Stop(context.Background())
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Stop took %v with grace %v", took, cfg.StopGrace)
	}
	waitFor(t, time.Second, "init context canceled", canceled.Load)
	if got := d.Stats().SinkFailures; got != 0 {
		t.Fatalf("SinkFailures = %d; an init abandoned on stop is not a failure", got)
	}
}

func TestStopDoesNotWaitForStuckSinkInit(t *testing.T) {
	sink := newFakeSink()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	// Ignores ctx, like a handshake stuck in a blocking call.
	factory := func(ctx context.Context) (Sink, error) {
		close(entered)
		<-unblock
		return sink, nil
	}
	cfg := testConfig()
	cfg.StopGrace = 100 * time.Millisecond
	d := New(cfg, factory)
	<-entered

	start := time.Now()
	d.Stop(context.Background())
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Stop took %v with grace %v", took, cfg.StopGrace)
	}

	// The sink built after Stop is released, never kept.
	close(unblock)
	waitFor(t, time.Second, "late sink shut down", func() bool { return sink.shutdowns.Load() == 1 })
	if d.Stats().SinkHeld {
		t.Fatal("sink held after Stop")
	}
}

func TestConcurrentSubmitAdmitsOnce(t *testing.T) {
	clk := &fakeClock{t: t0}
	sink := newFakeSink()
	d := newTestDispatcher(t, testConfig(), staticFactory(sink), WithClock(clk.Now))

	const n = 64
	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		repeats  atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch d.Submit("x") {
			case Admit:
				admitted.Add(1)
			case RejectRepeat:
				repeats.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted.Load() != 1 || repeats.Load() != n-1 {
		t.Fatalf("admitted=%d repeats=%d, want 1 and %d", admitted.Load(), repeats.Load(), n-1)
	}
	if st := d.Stats(); st.Admitted != 1 || st.Backlog > DefaultSaturationThreshold {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStopIsIdempotentAndSubmitAfterStopIsHarmless(t *testing.T) {
	clk := &fakeClock{t: t0}
	sink := newFakeSink()
	d := New(testConfig(), staticFactory(sink), WithClock(clk.Now))

	ctx := context.Background()
	d.Stop(ctx)
	d.Stop(ctx)

	d.Submit("too late")
	time.Sleep(30 * time.Millisecond)
	if got := sink.Rendered(); len(got) != 0 {
		t.Fatalf("rendered after stop: %v", got)
	}
	if got := sink.shutdowns.Load(); got > 1 {
		t.Fatalf("shutdowns = %d, want at most 1", got)
	}
}

func TestApplyChangesThrottling(t *testing.T) {
	clk := &fakeClock{t: t0}
	d := newTestDispatcher(t, testConfig(), staticFactory(newFakeSink()), WithClock(clk.Now))

	d.Submit("a")
	cfg := testConfig()
	cfg.MinInterval = 10 * time.Second
	d.Apply(cfg)

	clk.Advance(3 * time.Second)
	if got := d.Submit("b"); got != RejectFrequent {
		t.Fatalf("Submit(b) = %v, want %v", got, RejectFrequent)
	}
	if got := d.Config().RepeatInterval; got != DefaultRepeatInterval {
		t.Fatalf("RepeatInterval = %v, want default", got)
	}
}

func TestEventsArePublished(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32, "dispatch.")
	defer unsub()

	clk := &fakeClock{t: t0}
	sink := newFakeSink()
	d := newTestDispatcher(t, testConfig(), staticFactory(sink), WithBus(bus), WithClock(clk.Now))

	d.Submit("   ")
	d.Submit("hello")

	seen := map[string]Event{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case e := <-events:
			seen[e.Type] = e.Data.(Event)
		case <-deadline:
			t.Fatalf("missing events, got %v", seen)
		}
	}
	if seen[EventRejected].Decision != RejectEmpty.String() {
		t.Fatalf("rejected event = %+v", seen[EventRejected])
	}
	if seen[EventAdmitted].Text != "hello" || seen[EventRendered].Text != "hello" {
		t.Fatalf("unexpected events: %+v", seen)
	}
}
