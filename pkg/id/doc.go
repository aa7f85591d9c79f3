// Package id provides a 128-bit, lexicographically sortable identifier.
//
// # Format
//
// The ID is 16 bytes big-endian: [8 bytes ms_timestamp][4 bytes node]
// [4 bytes sequence]. Byte-wise comparison preserves chronological order per
// generator, and the random node component keeps IDs minted by different
// processes distinct. Coordination backends use the hex form as the owner
// token written into lock records.
//
// # Monotonicity
//
//   - If the system clock regresses, the generator pins to the last seen
//     millisecond and increments the sequence.
//   - If the sequence would overflow within a millisecond, it waits for the
//     next millisecond.
//
// Usage
//
//	g := id.NewGenerator()
//	owner := g.NextString()
package id
