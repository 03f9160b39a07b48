// Package dispatch is the throttled, asynchronous feedback dispatcher.
//
// Callers Submit short feedback messages. An admission policy drops empty messages,
// repeats of the last message inside RepeatInterval, and distinct messages arriving
// inside MinInterval of the last admitted one. Admitted messages go to a small backlog
// that is flushed in favor of the newest message once it saturates.
//
// A single worker goroutine drains the backlog and renders each message through a
// Sink (speech engine, console, chat). Sink failures never reach callers: a failed
// initialization degrades to silent consumption, and a failed render discards the sink
// and builds a new one.
//
// # History
//
// History is updated at admission time, not render time. A message that is later
// flushed from the backlog still counts against the repeat and frequency checks.
package dispatch
