// Package pebblestate stores consumer state cells in the embedded Pebble
// database.
package pebblestate

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/flowstream/internal/consumer/state"
	pebblestore "github.com/rzbill/flowstream/internal/storage/pebble"
)

// Cells are keyed "cs/" + row + 0x00 + column. Rows never contain 0x00.
var keyPrefix = []byte("cs/")

func rowPrefix(row []byte) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(row)+1)
	k = append(k, keyPrefix...)
	k = append(k, row...)
	return append(k, 0)
}

func cellKey(row, col []byte) []byte { return append(rowPrefix(row), col...) }

// Backend is a state.Backend over a shared pebble database.
type Backend struct {
	db *pebblestore.DB
	// closeDB is set when the backend opened the database itself.
	closeDB bool
}

var _ state.Backend = (*Backend)(nil)

// New wraps db. Closing the backend leaves db open.
func New(db *pebblestore.DB) *Backend { return &Backend{db: db} }

// Open opens a dedicated pebble database for consumer state.
func Open(opts pebblestore.Options) (*Backend, error) {
	db, err := pebblestore.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Backend{db: db, closeDB: true}, nil
}

// NewStore is a convenience returning a state.Store over db.
func NewStore(db *pebblestore.DB, opts state.Options) (*state.KVStore, error) {
	return state.New(New(db), opts)
}

func (b *Backend) View(ctx context.Context, fn func(state.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&txn{db: b.db})
}

func (b *Backend) Update(ctx context.Context, fn func(state.Txn) error) error {
	return b.db.Update(ctx, func(batch *pebble.Batch) error {
		return fn(&txn{db: b.db, batch: batch})
	})
}

func (b *Backend) Close() error {
	if b.closeDB {
		return b.db.Close()
	}
	return nil
}

var errReadOnly = errors.New("pebblestate: write in read-only transaction")

// txn reads committed data from the database and writes into batch.
type txn struct {
	db    *pebblestore.DB
	batch *pebble.Batch
}

func (t *txn) Get(row, col []byte) ([]byte, bool, error) {
	v, err := t.db.Get(cellKey(row, col))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *txn) Scan(row, prefix []byte, fn func(col, val []byte) error) error {
	rp := rowPrefix(row)
	var cbErr error
	err := t.db.ScanPrefix(cellKey(row, prefix), func(key, value []byte) bool {
		cbErr = fn(key[len(rp):], value)
		return cbErr == nil
	})
	if cbErr != nil {
		return cbErr
	}
	return err
}

func (t *txn) Put(row, col, val []byte) error {
	if t.batch == nil {
		return errReadOnly
	}
	return t.batch.Set(cellKey(row, col), val, nil)
}

func (t *txn) Delete(row, col []byte) error {
	if t.batch == nil {
		return errReadOnly
	}
	return t.batch.Delete(cellKey(row, col), nil)
}

func (t *txn) DeleteRange(row, start, end []byte) error {
	if t.batch == nil {
		return errReadOnly
	}
	endKey := pebblestore.PrefixEnd(rowPrefix(row))
	if end != nil {
		endKey = cellKey(row, end)
	}
	return t.batch.DeleteRange(cellKey(row, start), endKey, nil)
}

func (t *txn) DeleteRow(row []byte) error {
	if t.batch == nil {
		return errReadOnly
	}
	p := rowPrefix(row)
	return t.batch.DeleteRange(p, pebblestore.PrefixEnd(p), nil)
}
