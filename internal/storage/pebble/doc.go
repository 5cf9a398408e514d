// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// snapshots, batches, prefix scans, an atomic read-modify-write helper and
// minimal metrics hooks.
//
// It backs the embedded consumer state store and the legacy (pre-file) stream
// log.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// Atomic read-modify-write
//	_ = db.Update(ctx, func(b *pebble.Batch) error {
//	    v, _ := db.Get([]byte("k"))
//	    return b.Set([]byte("k"), append(v, 'x'), nil)
//	})
package pebblestore
