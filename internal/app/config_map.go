package app

import (
	"fmt"
	"strings"
	"time"

	"voicefeedback/internal/config"
	"voicefeedback/internal/dispatch"
	"voicefeedback/internal/journal"
	"voicefeedback/internal/observability/status"
	"voicefeedback/internal/sink"
	"voicefeedback/internal/storage"
	logx "voicefeedback/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	out := dispatch.Config{SaturationThreshold: d.SaturationThreshold}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"dispatch.min_interval", d.MinInterval, &out.MinInterval, dispatch.DefaultMinInterval},
		{"dispatch.repeat_interval", d.RepeatInterval, &out.RepeatInterval, dispatch.DefaultRepeatInterval},
		{"dispatch.idle_poll_interval", d.IdlePollInterval, &out.IdlePollInterval, dispatch.DefaultIdlePollInterval},
		{"dispatch.settle_delay", d.SettleDelay, &out.SettleDelay, dispatch.DefaultSettleDelay},
		{"dispatch.stop_grace", d.StopGrace, &out.StopGrace, dispatch.DefaultStopGrace},
	} {
		if *f.dst, err = config.ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return dispatch.Config{}, err
		}
	}
	// Zero keeps idle re-acquire disabled.
	if out.ReacquireInterval, err = config.ParseDurationField("dispatch.reacquire_interval", d.ReacquireInterval); err != nil {
		return dispatch.Config{}, err
	}
	if out.SaturationThreshold < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.saturation_threshold must be >= 0")
	}
	return out, nil
}

func mapSinkConfig(cfg *config.Config) (sink.Config, error) {
	s := cfg.Sink
	cmdTimeout, err := config.ParseDurationOrDefault("sink.command.timeout", s.Command.Timeout, sink.DefaultCommandTimeout)
	if err != nil {
		return sink.Config{}, err
	}
	tgTimeout, err := config.ParseDurationOrDefault("sink.telegram.timeout", s.Telegram.Timeout, sink.DefaultTelegramTimeout)
	if err != nil {
		return sink.Config{}, err
	}
	return sink.Config{
		Driver:  s.Driver,
		Console: sink.ConsoleConfig{Prefix: s.Console.Prefix},
		Command: sink.CommandConfig{
			Path:    s.Command.Path,
			Args:    append([]string(nil), s.Command.Args...),
			Rate:    s.Command.Rate,
			Volume:  s.Command.Volume,
			Timeout: cmdTimeout,
		},
		Telegram: sink.TelegramConfig{
			Token:    s.Telegram.Token,
			ChatID:   s.Telegram.ChatID,
			ThreadID: s.Telegram.ThreadID,
			Timeout:  tgTimeout,
			APIURL:   s.Telegram.APIURL,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	if driver == "" {
		if path == "" {
			return storage.Config{}, false, nil
		}
		driver = "file"
	}

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapJournalConfig(cfg *config.Config) journal.Config {
	return journal.Config{Size: cfg.Journal.Size}
}

// mapStatusConfig validates and converts the status section. It never starts the server.
func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	sc := cfg.Status
	out := status.Config{
		Enabled:              sc.Enabled,
		Addr:                 strings.TrimSpace(sc.Addr),
		Token:                strings.TrimSpace(sc.Token),
		AllowInsecure:        sc.AllowInsecure,
		Pprof:                sc.Pprof,
		MutexProfileFraction: sc.MutexProfileFraction,
		BlockProfileRate:     sc.BlockProfileRate,
	}
	if out.Addr == "" {
		out.Addr = status.DefaultAddr
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("status.read_timeout", sc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// Zero write timeout: pprof profiles stream for their full duration.
	if out.WriteTimeout, err = config.ParseDurationField("status.write_timeout", sc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("status.idle_timeout", sc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if out.Enabled && !out.AllowInsecure && out.Token == "" && !status.IsLoopbackAddr(out.Addr) {
		return out, fmt.Errorf("status: binding to non-loopback addr requires token or allow_insecure=true")
	}
	return out, nil
}
