// Package eventlog is the embedded append-only log behind the local topic
// store. Each stream partition is a Log persisted in Pebble:
//
//	log/{stream}/{part_be4}/m            lastSeq
//	log/{stream}/{part_be4}/e/{seq_be8}  entries
//
// Entries carry the append time, an opaque header and the payload, guarded by
// a CRC32C checksum.
//
//	l, _ := eventlog.OpenLog(db, "orders", 0)
//	seqs, _ := l.Append(ctx, []eventlog.AppendRecord{{Payload: p}})
//	items, _ := l.Read(eventlog.ReadOptions{After: seqs[0] - 1, Limit: 100})
//	woke := l.WaitForAppend(ctx, 200*time.Millisecond)
//
// Retention trims the front of the log by age or by total size; a
// TrimObserver sees each deleted range.
package eventlog
