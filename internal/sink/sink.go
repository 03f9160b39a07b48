package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"voicefeedback/internal/dispatch"
	logx "voicefeedback/pkg/logx"
)

const (
	DriverConsole  = "console"
	DriverCommand  = "command"
	DriverTelegram = "telegram"
	DriverNone     = "none"
)

var (
	// ErrDisabled is returned by the "none" driver's factory.
	ErrDisabled      = errors.New("sink disabled")
	ErrUnknownDriver = errors.New("unknown sink driver")
)

// Config selects and configures the sink driver.
type Config struct {
	Driver   string
	Console  ConsoleConfig
	Command  CommandConfig
	Telegram TelegramConfig
}

type ConsoleConfig struct {
	// Writer defaults to stdout.
	Writer io.Writer
	Prefix string
}

// NormalizeDriver maps an empty driver to console and lowercases the rest.
func NormalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	if d == "" {
		return DriverConsole
	}
	return d
}

// Open validates cfg and returns a factory for the selected driver.
// The factory is what the dispatcher calls on its worker; construction errors
// surface there as an unavailable sink, configuration errors surface here.
func Open(cfg Config, log logx.Logger) (dispatch.SinkFactory, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := NormalizeDriver(cfg.Driver)
	log = log.With(logx.String("comp", "sink"), logx.String("driver", driver))

	switch driver {
	case DriverConsole:
		c := cfg.Console
		if c.Writer == nil {
			c.Writer = os.Stdout
		}
		return func(ctx context.Context) (dispatch.Sink, error) {
			return NewConsole(c), nil
		}, nil

	case DriverCommand:
		c := cfg.Command.withDefaults()
		if err := c.validate(); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (dispatch.Sink, error) {
			return NewCommand(c, log)
		}, nil

	case DriverTelegram:
		c := cfg.Telegram.withDefaults()
		if err := c.validate(); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (dispatch.Sink, error) {
			return NewTelegram(ctx, c, log)
		}, nil

	case DriverNone:
		return func(ctx context.Context) (dispatch.Sink, error) {
			return nil, ErrDisabled
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
