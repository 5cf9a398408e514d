// Package sqlitestate stores consumer state cells in a SQLite table of
// (row, col, val), the layout a wide-column store would use.
package sqlitestate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rzbill/flowstream/internal/consumer/state"
)

const schema = `CREATE TABLE IF NOT EXISTS consumer_cells (
	row BLOB NOT NULL,
	col BLOB NOT NULL,
	val BLOB NOT NULL,
	PRIMARY KEY (row, col)
) WITHOUT ROWID`

// Backend is a state.Backend over SQLite. Writes go through a single
// connection; reads use a small pool.
type Backend struct {
	writeDB *sql.DB
	readDB  *sql.DB
}

var _ state.Backend = (*Backend)(nil)

// Open opens or creates the database at path. busyTimeoutMS bounds how long
// a connection waits on a locked database.
func Open(path string, busyTimeoutMS int) (*Backend, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	isMemoryDB := strings.Contains(path, ":memory:")
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	writeDSN, readDSN := path, path
	if !isMemoryDB {
		writeDSN += sep + fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
		readDSN += sep + fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("open consumer state write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB := writeDB
	if !isMemoryDB {
		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("open consumer state read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		if _, err := writeDB.Exec("PRAGMA synchronous=NORMAL"); err != nil {
			writeDB.Close()
			readDB.Close()
			return nil, fmt.Errorf("set synchronous mode: %w", err)
		}
	}

	if _, err := writeDB.Exec(schema); err != nil {
		writeDB.Close()
		if readDB != writeDB {
			readDB.Close()
		}
		return nil, fmt.Errorf("create consumer state schema: %w", err)
	}
	return &Backend{writeDB: writeDB, readDB: readDB}, nil
}

// NewStore is a convenience opening a state.Store at path.
func NewStore(path string, opts state.Options) (*state.KVStore, error) {
	b, err := Open(path, 0)
	if err != nil {
		return nil, err
	}
	return state.New(b, opts)
}

func (b *Backend) Close() error {
	err := b.writeDB.Close()
	if b.readDB != b.writeDB {
		err = errors.Join(err, b.readDB.Close())
	}
	return err
}

func (b *Backend) View(ctx context.Context, fn func(state.Txn) error) error {
	return fn(&txn{ctx: ctx, q: b.readDB})
}

func (b *Backend) Update(ctx context.Context, fn func(state.Txn) error) error {
	tx, err := b.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&txn{ctx: ctx, q: tx, writable: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var errReadOnly = errors.New("sqlitestate: write in read-only transaction")

// txn runs statements on the pool or on a transaction. Writes happen after
// every read of the same cell in KVStore, so read-your-writes never matters.
type txn struct {
	ctx      context.Context
	q        querier
	writable bool
}

// nonNil keeps empty values out of SQL NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (t *txn) Get(row, col []byte) ([]byte, bool, error) {
	var v []byte
	err := t.q.QueryRowContext(t.ctx, `SELECT val FROM consumer_cells WHERE row = ? AND col = ?`, row, col).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *txn) Scan(row, prefix []byte, fn func(col, val []byte) error) error {
	query := `SELECT col, val FROM consumer_cells WHERE row = ? AND col >= ? ORDER BY col`
	args := []any{row, nonNil(prefix)}
	if end := state.PrefixEnd(prefix); end != nil {
		query = `SELECT col, val FROM consumer_cells WHERE row = ? AND col >= ? AND col < ? ORDER BY col`
		args = append(args, end)
	}
	rows, err := t.q.QueryContext(t.ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var col, val []byte
		if err := rows.Scan(&col, &val); err != nil {
			return err
		}
		if err := fn(col, val); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (t *txn) exec(query string, args ...any) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.q.ExecContext(t.ctx, query, args...)
	return err
}

func (t *txn) Put(row, col, val []byte) error {
	return t.exec(`INSERT OR REPLACE INTO consumer_cells (row, col, val) VALUES (?, ?, ?)`, row, col, nonNil(val))
}

func (t *txn) Delete(row, col []byte) error {
	return t.exec(`DELETE FROM consumer_cells WHERE row = ? AND col = ?`, row, col)
}

func (t *txn) DeleteRange(row, start, end []byte) error {
	if end == nil {
		return t.exec(`DELETE FROM consumer_cells WHERE row = ? AND col >= ?`, row, nonNil(start))
	}
	return t.exec(`DELETE FROM consumer_cells WHERE row = ? AND col >= ? AND col < ?`, row, nonNil(start), end)
}

func (t *txn) DeleteRow(row []byte) error {
	return t.exec(`DELETE FROM consumer_cells WHERE row = ?`, row)
}
