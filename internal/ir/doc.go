// Package ir provides the plain-data types shared by every lofi package.
//
// This package contains value types only. All other internal packages import
// ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere: numbers are int64
//   - A nil IRValue means "undefined"; IRNull is an explicit JSON null
//   - Paths are slices of Segments; an index segment and the matching decimal
//     key segment address the same property
//   - Canonical JSON (RFC 8785) is the only encoding used for hashes and
//     golden traces
package ir
