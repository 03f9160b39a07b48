package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks everything that can be checked without touching devices, the network
// or the filesystem. All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	d := cfg.Dispatch
	for _, f := range []struct{ path, raw string }{
		{"dispatch.min_interval", d.MinInterval},
		{"dispatch.repeat_interval", d.RepeatInterval},
		{"dispatch.idle_poll_interval", d.IdlePollInterval},
		{"dispatch.settle_delay", d.SettleDelay},
		{"dispatch.stop_grace", d.StopGrace},
		{"dispatch.reacquire_interval", d.ReacquireInterval},
		{"sink.command.timeout", cfg.Sink.Command.Timeout},
		{"sink.telegram.timeout", cfg.Sink.Telegram.Timeout},
		{"status.read_timeout", cfg.Status.ReadTimeout},
		{"status.write_timeout", cfg.Status.WriteTimeout},
		{"status.idle_timeout", cfg.Status.IdleTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}
	if d.SaturationThreshold < 0 {
		add(errors.New("dispatch.saturation_threshold: must be >= 0"))
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Sink.Driver)); driver {
	case "", "console", "none":
	case "command":
		if v := cfg.Sink.Command.Volume; v < 0 || v > 1 {
			add(fmt.Errorf("sink.command.volume: must be within [0, 1], got %v", v))
		}
		if cfg.Sink.Command.Rate < 0 {
			add(errors.New("sink.command.rate: must be >= 0"))
		}
	case "telegram":
		if strings.TrimSpace(cfg.Sink.Telegram.Token) == "" {
			add(errors.New("sink.telegram.token: required (or set " + EnvPrefix + "TELEGRAM_TOKEN)"))
		}
		if cfg.Sink.Telegram.ChatID == 0 {
			add(errors.New("sink.telegram.chat_id: required"))
		}
	default:
		add(fmt.Errorf("sink.driver: unknown driver %q", cfg.Sink.Driver))
	}

	if cfg.Journal.Size < 0 {
		add(errors.New("journal.size: must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if st := cfg.Status; st.Enabled && strings.TrimSpace(st.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(st.Addr)); err != nil {
			add(fmt.Errorf("status.addr: invalid %q (expected host:port): %w", st.Addr, err))
		}
	}
	if cfg.Status.MutexProfileFraction < 0 || cfg.Status.BlockProfileRate < 0 {
		add(errors.New("status: profile rates must be >= 0"))
	}

	if spec := strings.TrimSpace(cfg.Report.Schedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			add(fmt.Errorf("report.schedule: %w", err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
