// Package pebblestore wraps Pebble with an fsync policy, metrics hooks and
// prefix helpers.
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeInterval})
//	if err != nil { ... }
//	defer db.Close()
//	_ = db.Set([]byte("k"), []byte("v"))
//	_ = db.ScanPrefix([]byte("k"), func(k, v []byte) bool { return true })
package pebblestore
