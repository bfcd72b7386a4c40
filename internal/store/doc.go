// Package store provides SQLite-backed durable storage for relay session
// snapshots.
//
// Each session has one current row in snapshots plus a bounded history in
// snapshot_revisions. Revisions are numbered from 1 per session and grow
// on every save; revisions beyond the keep limit are pruned on save.
// Deleting a snapshot drops its history with it.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Revisions cascade with their snapshot
//
// Listings are ordered by session_id, then revision, so output is stable.
package store
