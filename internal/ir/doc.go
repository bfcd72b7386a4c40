// Package ir provides the shared data model for canvas synchronization.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps the model the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Positions and lengths count runes, never bytes
//   - Timestamps are Unix milliseconds (int64) so JavaScript peers agree on them
//   - All JSON tags use camelCase to match the wire schema peers already speak
//   - CausalStamp serializes as sorted [participantId, counter] pairs, never as a map
package ir
