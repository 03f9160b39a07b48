package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	logx "voicefeedback/pkg/logx"
)

const (
	DefaultCommand        = "espeak"
	DefaultRate           = 150
	DefaultVolume         = 0.9
	DefaultCommandTimeout = 30 * time.Second
)

// DefaultCommandArgs speaks through espeak: -s words per minute, -a amplitude 0..200.
var DefaultCommandArgs = []string{"-s", "{rate}", "-a", "{amplitude}", "{text}"}

// CommandConfig runs an external text-to-speech program once per message.
//
// Args may contain placeholders:
//
//	{text}      the message
//	{rate}      speech rate in words per minute
//	{volume}    volume in 0..1, two decimals
//	{amplitude} volume scaled to 0..200 (espeak -a)
//
// When no argument contains {text}, the message is written to the program's stdin.
type CommandConfig struct {
	Path    string
	Args    []string
	Rate    int
	Volume  float64
	Timeout time.Duration
}

func (c CommandConfig) withDefaults() CommandConfig {
	c.Path = strings.TrimSpace(c.Path)
	if c.Path == "" {
		c.Path = DefaultCommand
	}
	if c.Path == DefaultCommand && len(c.Args) == 0 {
		c.Args = append([]string(nil), DefaultCommandArgs...)
	}
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.Volume <= 0 {
		c.Volume = DefaultVolume
	}
	c.Timeout = orDuration(c.Timeout, DefaultCommandTimeout)
	return c
}

func (c CommandConfig) validate() error {
	if c.Volume > 1 {
		return fmt.Errorf("sink.command.volume: must be within (0, 1], got %v", c.Volume)
	}
	return nil
}

// Command is a sink backed by a TTS program. Each Render runs the program to completion.
type Command struct {
	cfg  CommandConfig
	path string
	log  logx.Logger
}

// NewCommand resolves the program on PATH. A missing program means no speech engine
// is installed, which the dispatcher treats as an unavailable sink.
func NewCommand(cfg CommandConfig, log logx.Logger) (*Command, error) {
	cfg = cfg.withDefaults()
	path, err := exec.LookPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("tts command %q: %w", cfg.Path, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Command{cfg: cfg, path: path, log: log}, nil
}

func (c *Command) Render(ctx context.Context, text string) error {
	args, stdin := c.expand(text)
	c.log.Trace("running tts command", logx.String("path", c.path), logx.Bool("stdin", stdin))

	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(rctx, c.path, args...)
	if stdin {
		cmd.Stdin = strings.NewReader(text + "\n")
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("tts command timed out after %s", c.cfg.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// Pump is a no-op: the program exits after each message.
func (c *Command) Pump(ctx context.Context) error { return nil }

func (c *Command) Shutdown(ctx context.Context) error { return nil }

func (c *Command) expand(text string) (args []string, stdin bool) {
	r := strings.NewReplacer(
		"{text}", text,
		"{rate}", strconv.Itoa(c.cfg.Rate),
		"{volume}", strconv.FormatFloat(c.cfg.Volume, 'f', 2, 64),
		"{amplitude}", strconv.Itoa(int(math.Round(c.cfg.Volume*200))),
	)
	stdin = true
	args = make([]string, 0, len(c.cfg.Args))
	for _, a := range c.cfg.Args {
		if strings.Contains(a, "{text}") {
			stdin = false
		}
		args = append(args, r.Replace(a))
	}
	return args, stdin
}
