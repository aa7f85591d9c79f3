package eventlog

import (
	"encoding/binary"
	"hash/crc32"
)

// Record value layout:
//
//	uvarint appendedMs | uvarint headerLen | header | payload | crc32c(all preceding bytes)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is a decoded log entry value.
type Record struct {
	AppendedMs int64
	Header     []byte
	Payload    []byte
}

// EncodeRecord serializes r with a trailing checksum.
func EncodeRecord(r Record) []byte {
	out := make([]byte, 0, 2*binary.MaxVarintLen64+len(r.Header)+len(r.Payload)+4)
	out = binary.AppendUvarint(out, uint64(r.AppendedMs))
	out = binary.AppendUvarint(out, uint64(len(r.Header)))
	out = append(out, r.Header...)
	out = append(out, r.Payload...)
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
}

// DecodeRecord parses and verifies b. The returned slices are copies.
func DecodeRecord(b []byte) (Record, bool) {
	if len(b) < 2+4 {
		return Record{}, false
	}
	body := b[:len(b)-4]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return Record{}, false
	}
	ms, n := binary.Uvarint(body)
	if n <= 0 {
		return Record{}, false
	}
	body = body[n:]
	hlen, n := binary.Uvarint(body)
	if n <= 0 || uint64(len(body)-n) < hlen {
		return Record{}, false
	}
	body = body[n:]
	return Record{
		AppendedMs: int64(ms),
		Header:     append([]byte(nil), body[:hlen]...),
		Payload:    append([]byte(nil), body[hlen:]...),
	}, true
}

// recordAppendedMs reads only the timestamp prefix, skipping checksum work.
func recordAppendedMs(b []byte) (int64, bool) {
	ms, n := binary.Uvarint(b)
	return int64(ms), n > 0
}
