package eventlog

import "testing"

func TestRecordRoundtrip(t *testing.T) {
	in := Record{AppendedMs: 1_700_000_000_123, Header: []byte("key-1"), Payload: []byte(`{"a":1}`)}
	out, ok := DecodeRecord(EncodeRecord(in))
	if !ok {
		t.Fatalf("decode failed")
	}
	if out.AppendedMs != in.AppendedMs || string(out.Header) != "key-1" || string(out.Payload) != `{"a":1}` {
		t.Fatalf("mismatch: %+v", out)
	}
	if ms, ok := recordAppendedMs(EncodeRecord(in)); !ok || ms != in.AppendedMs {
		t.Fatalf("timestamp prefix: %d", ms)
	}
}

func TestRecordCRCFail(t *testing.T) {
	rec := EncodeRecord(Record{Header: []byte("x"), Payload: []byte("y")})
	rec[len(rec)-1] ^= 0xFF
	if _, ok := DecodeRecord(rec); ok {
		t.Fatalf("expected crc failure")
	}
}
