package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"voicefeedback/internal/config"
	"voicefeedback/internal/dispatch"
	"voicefeedback/internal/eventbus"
	"voicefeedback/internal/journal"
	"voicefeedback/internal/observability/status"
	"voicefeedback/internal/runtime/supervisor"
	"voicefeedback/internal/sink"
	"voicefeedback/internal/storage"
	logx "voicefeedback/pkg/logx"
)

type App struct {
	cfgPath string

	// cfgm is nil when running without a config file.
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	disp    *dispatch.Dispatcher
	journal *journal.Service
	report  *reporter
	status  *status.Service

	startedAt time.Time
}

type Option func(*options)

type options struct {
	consoleOut io.Writer
}

// WithConsoleOutput redirects the console sink (stdout by default).
func WithConsoleOutput(w io.Writer) Option { return func(o *options) { o.consoleOut = w } }

// NewApp loads the config and wires every component. An empty cfgPath runs on
// defaults plus environment overrides, without hot reload.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var (
		cfgm *config.ConfigManager
		cfg  *config.Config
		err  error
	)
	if strings.TrimSpace(cfgPath) != "" {
		cfgm = config.NewConfigManager(cfgPath)
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	} else {
		cfg = &config.Config{}
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, err
		}
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sc, err := mapSinkConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	sc.Console.Writer = o.consoleOut
	factory, err := sink.Open(sc, root)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	stc, err := mapStatusConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	j := journal.New(mapJournalConfig(cfg), bus, store, root)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		cfg:     cfg,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		journal: j,
	}
	a.status = status.New(stc, statusSource{a}, root.With(logx.String("comp", "status")))
	a.report = newReporter(root.With(logx.String("comp", "report")), a.logStats)
	if err := a.report.Reschedule(cfg.Report.Schedule); err != nil {
		closeStore(store)
		return nil, fmt.Errorf("report.schedule: %w", err)
	}

	// Creating the dispatcher starts its worker; keep it last so failures above leak nothing.
	a.disp = dispatch.New(dc, factory,
		dispatch.WithLogger(root.With(logx.String("comp", "dispatch"))),
		dispatch.WithBus(bus),
	)
	log.Info("dispatcher ready",
		logx.String("sink", sink.NormalizeDriver(sc.Driver)),
		logx.Duration("min_interval", dc.MinInterval),
		logx.Duration("repeat_interval", dc.RepeatInterval),
	)
	return a, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// Submit hands a feedback message to the dispatcher. It never blocks on rendering.
func (a *App) Submit(text string) dispatch.Decision { return a.disp.Submit(text) }

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

func (a *App) Journal() *journal.Service { return a.journal }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.startedAt = time.Now()

	a.journal.Start(a.sup.Context())
	a.report.Start()

	// Debug trail of every bus event.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type)}
				if de, ok := e.Data.(dispatch.Event); ok {
					fields = append(fields, logx.String("text", de.Text))
					if de.Decision != "" {
						fields = append(fields, logx.String("decision", de.Decision))
					}
				}
				a.log.Trace("event", fields...)
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		// Reject reloads whose values cannot be mapped, before they are committed.
		a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
			if _, err := mapDispatchConfig(cfg); err != nil {
				return err
			}
			if _, err := mapSinkConfig(cfg); err != nil {
				return err
			}
			if _, err := mapStatusConfig(cfg); err != nil {
				return err
			}
			_, _, err := mapStorageConfig(cfg)
			return err
		})

		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.status.Start(a.sup.Context())

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log.With(logx.String("comp", "systemd")), func() bool {
			return a.disp.State() != dispatch.StateStopped
		})
	})
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

func (a *App) logStats() {
	st := a.disp.Stats()
	js := a.journal.Stats()
	sc := a.disp.Supervisor().Counters()
	a.log.Info("stats",
		logx.String("state", st.State.String()),
		logx.Int("backlog", st.Backlog),
		logx.Bool("sink_held", st.SinkHeld),
		logx.Uint64("submitted", st.Submitted),
		logx.Uint64("admitted", st.Admitted),
		logx.Uint64("rejected", st.RejectedEmpty+st.RejectedRepeat+st.RejectedFrequent),
		logx.Uint64("flushed", st.Flushed),
		logx.Uint64("rendered", st.Rendered),
		logx.Uint64("render_failures", st.RenderFailures),
		logx.Uint64("dropped_no_sink", st.DroppedNoSink),
		logx.Uint64("journal_persisted", js.Persisted),
		logx.Uint64("bus_dropped", a.bus.Dropped()),
		logx.Int64("worker_active", sc.Active),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started: the dispatcher worker still runs.
		a.disp.Stop(ctx)
		closeStore(a.store)
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Status first so no new submissions arrive over HTTP while draining.
	a.step(ctx, "status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	// Dispatcher next: it may still be rendering, and the journal should see its last events.
	a.step(ctx, "dispatcher", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.step(ctx, "report", time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	a.step(ctx, "journal", 2*time.Second, func(c context.Context) error { a.journal.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log, watchdog).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a single component can't stall
// the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it eventually finishes.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
