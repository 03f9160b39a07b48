// Package storage persists the delivery journal so history survives restarts.
//
// Two backends are available: "file" (JSON Lines, no dependencies) and "sqlite"
// (modernc.org/sqlite, pure Go).
package storage
