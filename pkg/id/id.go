package id

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier encoded as 16 bytes
// big-endian: [8 bytes ms_timestamp][4 bytes node][4 bytes sequence].
type ID [16]byte

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns a hex string.
func (i ID) String() string { return fmtHex(i[:]) }

// Ms returns the embedded millisecond timestamp.
func (i ID) Ms() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Node returns the generator's node component.
func (i ID) Node() uint32 { return binary.BigEndian.Uint32(i[8:12]) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Generator produces monotonically increasing IDs per process. Two generators
// draw different random node components, so IDs from separate processes
// holding the same lock never collide.
type Generator struct {
	mu       sync.Mutex
	node     uint32
	lastMs   int64
	sequence uint32
}

// NewGenerator creates a Generator with a random node component.
func NewGenerator() *Generator {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		binary.BigEndian.PutUint32(b[:], uint32(time.Now().UnixNano()))
	}
	return &Generator{node: binary.BigEndian.Uint32(b[:])}
}

// NewGeneratorWithNode creates a Generator with a fixed node component.
func NewGeneratorWithNode(node uint32) *Generator { return &Generator{node: node} }

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If the clock goes backwards it pins to lastMs and
// increments the sequence; on sequence overflow it waits for the next ms.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint32 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return makeID(ms, g.node, g.sequence)
}

// NextString is Next().String(); lock owners use it as their token.
func (g *Generator) NextString() string { return g.Next().String() }

func makeID(ms int64, node, seq uint32) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint32(id[8:12], node)
	binary.BigEndian.PutUint32(id[12:16], seq)
	return id
}

// fmtHex is a small, allocation-lean hex encoder for fixed-size IDs.
func fmtHex(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
