// Package history persists capture outcomes and device lifecycle changes.
//
// Two backends are available:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// Events reach the store through a Recorder subscribed to the event bus.
package history
