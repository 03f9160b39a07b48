// Package journal keeps a delivery history of the dispatcher: which messages were
// rendered, which failed and which were consumed without a sink.
package journal
