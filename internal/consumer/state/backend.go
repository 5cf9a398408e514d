package state

import "context"

// Txn reads and writes cells addressed by (row, column). Reads observe the
// state as of the start of the transaction, not its own pending writes.
type Txn interface {
	Get(row, col []byte) (val []byte, ok bool, err error)
	// Scan visits the columns of row starting with prefix in ascending byte
	// order. Slices are only valid during fn.
	Scan(row, prefix []byte, fn func(col, val []byte) error) error
	Put(row, col, val []byte) error
	Delete(row, col []byte) error
	// DeleteRange removes the columns of row in [start, end).
	DeleteRange(row, start, end []byte) error
	DeleteRow(row []byte) error
}

// Backend is a row/column cell store with atomic multi-cell updates.
type Backend interface {
	// View runs fn against a read-only transaction. Write calls fail.
	View(ctx context.Context, fn func(Txn) error) error
	// Update runs fn and commits every write it made atomically, or nothing
	// if fn returns an error. Updates are serialized.
	Update(ctx context.Context, fn func(Txn) error) error
	Close() error
}

// PrefixEnd returns the smallest byte string greater than every string with
// the given prefix, or nil if there is none.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
