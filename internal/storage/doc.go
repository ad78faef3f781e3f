// Package storage persists reminders.
//
// Drivers:
//   - file: dependency-free JSONL journal + snapshot
//   - sqlite: modernc.org/sqlite
//   - postgres: lib/pq
//   - redis: go-redis, one hash per reminder + per-state sorted sets
//
// State changes are compare-and-set on the current state so a cancel racing a
// fire can only win once.
package storage
