package eventlog

import (
	"encoding/binary"
)

// Pebble keyspace, byte-wise sortable:
//
//	log/{stream}/{part_be4}/m            partition metadata (lastSeq)
//	log/{stream}/{part_be4}/e/{seq_be8}  entries
//
// Stream names never contain '/', so a stream's keys never interleave with
// another stream whose name shares a prefix.

var (
	logPrefix  = []byte("log/")
	sep        = byte('/')
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func partitionPrefix(stream string, partition uint32) []byte {
	k := make([]byte, 0, len(logPrefix)+len(stream)+16)
	k = append(k, logPrefix...)
	k = append(k, stream...)
	k = append(k, sep)
	return appendBE4(k, partition)
}

// KeyStreamPrefix covers every partition of a stream.
func KeyStreamPrefix(stream string) []byte {
	k := make([]byte, 0, len(logPrefix)+len(stream)+1)
	k = append(k, logPrefix...)
	k = append(k, stream...)
	return append(k, sep)
}

// KeyLogMeta builds the partition metadata key.
func KeyLogMeta(stream string, partition uint32) []byte {
	return append(partitionPrefix(stream, partition), metaSuffix...)
}

// KeyLogEntry builds an entry key; big-endian seq keeps entries in order.
func KeyLogEntry(stream string, partition uint32, seq uint64) []byte {
	k := append(partitionPrefix(stream, partition), entrySeg...)
	return appendBE8(k, seq)
}

// entryBounds returns [low, high) covering all entries of a partition.
func entryBounds(stream string, partition uint32) ([]byte, []byte) {
	low := KeyLogEntry(stream, partition, 0)
	high := append(KeyLogEntry(stream, partition, ^uint64(0)), 0x00)
	return low, high
}

func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
