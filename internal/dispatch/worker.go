package dispatch

import (
	"context"
	"fmt"
	"time"

	logx "voicefeedback/pkg/logx"
)

// workerLoop drains the backlog until Stop. It runs under the supervisor's restart
// loop, so a panic inside a sink call lands here again with a fresh sink.
func (d *Dispatcher) workerLoop(ctx context.Context) error {
	if !d.running() {
		return nil
	}
	// Renders are never interrupted by shutdown; only new work is refused.
	sinkCtx := context.WithoutCancel(ctx)

	d.setState(StateInitializing)
	if old := d.sinks.drop(); old != nil {
		d.log.Warn("discarding sink after worker restart")
		d.discardSink(old)
	}
	d.initSink()

	for d.running() {
		cfg := d.config()
		d.setState(StateIdle)
		msg, ok := d.backlog.Pop(d.stopCh, cfg.IdlePollInterval)
		if !ok {
			if d.running() {
				d.idle(sinkCtx, cfg)
			}
			continue
		}
		d.deliver(sinkCtx, msg, cfg)
	}
	d.setState(StateStopped)
	return nil
}

func (d *Dispatcher) initSink() {
	d.stats.sinkInits.Add(1)
	if _, err := d.sinks.acquire(d.initCtx); err != nil {
		if !d.running() {
			d.log.Debug("sink initialization abandoned on stop", logx.Err(err))
			return
		}
		d.stats.sinkFailures.Add(1)
		// Consume the retry token so idle re-acquire waits a full interval.
		d.reacquire.Allow()
		d.log.Warn("sink unavailable; messages will be consumed without rendering", logx.Err(err))
		d.publish(EventSinkUnavailable, Event{Error: err.Error()})
		return
	}
	d.log.Debug("sink ready")
}

func (d *Dispatcher) deliver(ctx context.Context, msg string, cfg Config) {
	sink := d.sinks.current()
	if sink == nil {
		d.stats.droppedNoSink.Add(1)
		if d.dropLog.Allow() {
			d.log.Debug("no sink; message consumed without rendering", logx.String("text", msg))
		}
		d.publish(EventDropped, Event{Text: msg})
		return
	}

	d.setState(StateRendering)
	start := time.Now()
	err := sink.Render(ctx, msg)
	took := time.Since(start)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRenderFailed, err)
		d.stats.renderFailures.Add(1)
		d.log.Warn("render failed; reinitializing sink", logx.String("text", msg), logx.Err(err))
		d.publish(EventRenderFailed, Event{Text: msg, Took: took, Error: err.Error()})
		d.discardSink(d.sinks.drop())
		d.initSink()
		return
	}
	d.stats.rendered.Add(1)
	d.log.Debug("rendered", logx.String("text", msg), logx.Duration("took", took))
	d.publish(EventRendered, Event{Text: msg, Took: took})

	// Let the sink release its device before the next render.
	t := time.NewTimer(cfg.SettleDelay)
	<-t.C
}

func (d *Dispatcher) idle(ctx context.Context, cfg Config) {
	if sink := d.sinks.current(); sink != nil {
		pctx, cancel := context.WithTimeout(ctx, cfg.IdlePollInterval)
		_ = sink.Pump(pctx)
		cancel()
		return
	}
	if cfg.ReacquireInterval > 0 && d.reacquire.Allow() {
		d.log.Debug("retrying sink initialization")
		d.initSink()
	}
}

// discardSink releases a sink the worker gave up on. Failures are only logged.
func (d *Dispatcher) discardSink(s Sink) {
	if s == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("discarded sink panicked on shutdown", logx.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		d.log.Debug("discarded sink shutdown failed", logx.Err(err))
	}
}
