// Package section defines the fixed binary structures framing a BP stream.
//
// # Stream Layout
//
// Every data sub-stream and the metadata stream open with a 64-byte header:
//
//	┌──────────────────────────────────────────────────────────┐
//	│ Header (64 bytes, fixed)                                 │
//	│  [0:36]  version tag text, space padded                  │
//	│  [36]    endianness (0 little, 1 big)                    │
//	│  [37]    format version                                  │
//	│  [38]    active flag (1 while the writer is open)        │
//	│  [39:64] zero                                            │
//	├──────────────────────────────────────────────────────────┤
//	│ Process group blocks (data) or index blocks (metadata)   │
//	└──────────────────────────────────────────────────────────┘
//
// The metadata stream closes each index block with a 56-byte Minifooter that
// locates the process group, variable and attribute indices by absolute offset:
//
//	Bytes   | Field                  | Type
//	--------|------------------------|--------
//	0-27    | version tag            | text
//	28-35   | PG index start         | uint64
//	36-43   | variables index start  | uint64
//	44-51   | attributes index start | uint64
//	52      | endianness             | uint8
//	53-54   | reserved               | -
//	55      | format version         | uint8
//
// # Process Group Index Entry
//
// One PGIndexEntry is recorded per rank per step. Entries are variable length
// and prefixed with a uint16 byte count so a reader can skip them without
// decoding:
//
//	uint16 length | uint16+name | uint8 column major | uint32 process id |
//	uint16+step name | uint32 step | uint64 offset
//
// The trailing offset is rank-local until the writer learns the rank's global
// placement; AddEntryOffset rewrites it in place.
//
// All multi-byte integers use the stream endianness recorded in the header.
package section
