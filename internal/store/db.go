package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection of a message store.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Write transactions take the reserved lock on BEGIN so that concurrent
// writers queue on busy_timeout instead of failing on upgrade.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs record-level statements against a Querier.
type Queries struct {
	q Querier
}

// NewQueries returns Queries bound to q.
func NewQueries(q Querier) *Queries {
	return &Queries{q: q}
}

// Queries returns Queries bound to the database outside any transaction.
func (db *DB) Queries() *Queries {
	return NewQueries(db.DB)
}

// Querier returns the underlying Querier.
func (qs *Queries) Querier() Querier {
	return qs.q
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func idFromNull(e Entity, v sql.NullInt64) ObjectID {
	if !v.Valid || v.Int64 == 0 {
		return ObjectID{}
	}
	return PermanentID(e, v.Int64)
}

// Exists reports whether the row behind a permanent id is stored.
func (qs *Queries) Exists(ctx context.Context, id ObjectID) (bool, error) {
	table := id.Entity.Table()
	if table == "" || id.Row() == 0 {
		return false, nil
	}
	var n int
	err := qs.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id.Row()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", id, err)
	}
	return n > 0, nil
}
