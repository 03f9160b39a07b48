package dispatch

import (
	"context"
	"time"
)

// Defaults suit spoken feedback: short phrases, a couple of seconds apart.
const (
	DefaultMinInterval         = 2 * time.Second
	DefaultRepeatInterval      = 5 * time.Second
	DefaultSaturationThreshold = 2
	DefaultIdlePollInterval    = 500 * time.Millisecond
	DefaultSettleDelay         = 100 * time.Millisecond
	DefaultStopGrace           = time.Second
)

// Config controls admission throttling and the worker loop.
// Zero values fall back to the defaults above.
type Config struct {
	// MinInterval is the minimum gap between two distinct messages.
	MinInterval time.Duration
	// RepeatInterval is the minimum gap before the same message may be spoken again.
	RepeatInterval time.Duration
	// SaturationThreshold is the backlog depth at which pending entries are flushed
	// in favor of the newest one.
	SaturationThreshold int
	// IdlePollInterval is how long the worker waits for a message before pumping the sink.
	IdlePollInterval time.Duration
	// SettleDelay is the pause after each successful render.
	SettleDelay time.Duration
	// StopGrace bounds how long Stop waits for the worker.
	StopGrace time.Duration
	// ReacquireInterval retries a failed sink while idle, at most once per interval.
	// Zero disables idle retries: a sink that failed to initialize stays absent
	// until the next render failure path re-runs initialization.
	ReacquireInterval time.Duration
}

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.RepeatInterval <= 0 {
		c.RepeatInterval = DefaultRepeatInterval
	}
	if c.SaturationThreshold <= 0 {
		c.SaturationThreshold = DefaultSaturationThreshold
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = DefaultIdlePollInterval
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.ReacquireInterval < 0 {
		c.ReacquireInterval = 0
	}
	return c
}

// Sink is the external rendering capability (speech engine, console, chat...).
//
// Render may block for as long as the sink needs. Pump is a cheap liveness call made
// while idle; its error is ignored. Shutdown releases the sink.
type Sink interface {
	Render(ctx context.Context, text string) error
	Pump(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// SinkFactory constructs a sink. It runs on the worker goroutine.
type SinkFactory func(ctx context.Context) (Sink, error)

// Decision is the outcome of admission. Rejections are not errors.
type Decision int

const (
	Admit Decision = iota
	RejectEmpty
	RejectRepeat
	RejectFrequent
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case RejectEmpty:
		return "reject_empty"
	case RejectRepeat:
		return "reject_repeat"
	case RejectFrequent:
		return "reject_frequent"
	default:
		return "unknown"
	}
}

func (d Decision) Admitted() bool { return d == Admit }

// State is the worker lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateIdle
	StateRendering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateRendering:
		return "rendering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event types published on the bus.
const (
	EventAdmitted        = "dispatch.admitted"
	EventRejected        = "dispatch.rejected"
	EventFlushed         = "dispatch.flushed"
	EventRendered        = "dispatch.rendered"
	EventRenderFailed    = "dispatch.render_failed"
	EventDropped         = "dispatch.dropped"
	EventSinkUnavailable = "dispatch.sink_unavailable"
	EventStopped         = "dispatch.stopped"
)

// Event is the payload of dispatcher bus events.
// Keep it small; subscribers may log or persist it.
type Event struct {
	Text     string        `json:"text,omitempty"`
	Decision string        `json:"decision,omitempty"`
	Flushed  int           `json:"flushed,omitempty"`
	Took     time.Duration `json:"took,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

// Stats is a point-in-time view of dispatcher counters.
type Stats struct {
	State    State `json:"state"`
	Backlog  int   `json:"backlog"`
	SinkHeld bool  `json:"sink_held"`

	Submitted        uint64 `json:"submitted"`
	Admitted         uint64 `json:"admitted"`
	RejectedEmpty    uint64 `json:"rejected_empty"`
	RejectedRepeat   uint64 `json:"rejected_repeat"`
	RejectedFrequent uint64 `json:"rejected_frequent"`
	Flushed          uint64 `json:"flushed"`
	Rendered         uint64 `json:"rendered"`
	RenderFailures   uint64 `json:"render_failures"`
	DroppedNoSink    uint64 `json:"dropped_no_sink"`
	SinkInits        uint64 `json:"sink_inits"`
	SinkFailures     uint64 `json:"sink_failures"`
}
