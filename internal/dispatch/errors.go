package dispatch

import "errors"

var (
	// ErrSinkUnavailable means the sink could not be constructed. The worker keeps
	// running and consumes messages without rendering them.
	ErrSinkUnavailable = errors.New("sink unavailable")
	// ErrRenderFailed wraps a single failed render. The sink is discarded and rebuilt;
	// the message is not retried.
	ErrRenderFailed = errors.New("render failed")
)
