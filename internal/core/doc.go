// Package core provides the data model shared by every wsdb package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import core; core imports nothing internal.
//
// Key design constraints:
//   - Documents are a typed header (id, class, space, modifier, time) plus an
//     Object of sealed Values
//   - NO float values anywhere - use int64 for numbers and timestamps
//   - Transactions are immutable and are themselves documents of the tx domain
//   - Canonical JSON (RFC 8785) is the only encoding used for fingerprints
package core
