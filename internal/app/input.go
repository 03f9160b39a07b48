package app

import (
	"bufio"
	"context"
	"io"

	"voicefeedback/internal/dispatch"
	logx "voicefeedback/pkg/logx"
)

const maxLineBytes = 64 * 1024

// Feed submits one message per input line until r is exhausted or ctx ends.
// Blank lines are submitted too and rejected as empty. It returns nil on EOF.
//
// A blocked Read cannot be interrupted; callers feeding from stdin should run Feed in
// its own goroutine and stop waiting on ctx.
func (a *App) Feed(ctx context.Context, r io.Reader) error {
	return feedLines(ctx, r, a.Submit, a.log.With(logx.String("comp", "input")))
}

func feedLines(ctx context.Context, r io.Reader, submit func(string) dispatch.Decision, log logx.Logger) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), maxLineBytes)
	n := 0
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Text()
		n++
		dec := submit(line)
		if !dec.Admitted() {
			log.Trace("line not admitted", logx.Int("line", n), logx.String("decision", dec.String()))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	log.Debug("input closed", logx.Int("lines", n))
	return nil
}
