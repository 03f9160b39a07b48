// Package status serves a small local HTTP surface for a running dispatcher:
// health, counters, recent deliveries, message submission and optional pprof.
package status
