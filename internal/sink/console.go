package sink

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Console writes one line per message. Useful for headless hosts and tests.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func NewConsole(cfg ConsoleConfig) *Console {
	return &Console{w: cfg.Writer, prefix: cfg.Prefix}
}

func (c *Console) Render(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "%s%s\n", c.prefix, text)
	return err
}

func (c *Console) Pump(ctx context.Context) error { return nil }

func (c *Console) Shutdown(ctx context.Context) error { return nil }
