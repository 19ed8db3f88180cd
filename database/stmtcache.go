package database

import (
	"database/sql"
	"sync"
)

// StmtCache keeps one prepared statement per query string for the
// lifetime of the underlying *sql.DB.
type StmtCache struct {
	db *sql.DB
	m  sync.Map
}

func NewStmtCache(db *sql.DB) *StmtCache {
	return &StmtCache{db: db}
}

func (sc *StmtCache) DB() *sql.DB {
	return sc.db
}

func (sc *StmtCache) Prepare(query string) (*sql.Stmt, error) {
	if cached, ok := sc.m.Load(query); ok {
		return cached.(*sql.Stmt), nil
	}
	stmt, err := sc.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	// another goroutine may have raced us; keep the first one
	actual, loaded := sc.m.LoadOrStore(query, stmt)
	if loaded {
		_ = stmt.Close()
	}
	return actual.(*sql.Stmt), nil
}

// Exec prepares (or reuses) query and executes it.
func (sc *StmtCache) Exec(query string, args ...interface{}) (sql.Result, error) {
	stmt, err := sc.Prepare(query)
	if err != nil {
		return nil, err
	}
	return stmt.Exec(args...)
}

// Tx runs fn in a transaction using tx-bound copies of cached statements.
func (sc *StmtCache) Tx(fn func(tx *sql.Tx, stmt func(query string) (*sql.Stmt, error)) error) error {
	tx, err := sc.db.Begin()
	if err != nil {
		return err
	}
	// never prepare on the pool here: with a single connection the tx holds it
	bound := func(query string) (*sql.Stmt, error) {
		if cached, ok := sc.m.Load(query); ok {
			return tx.Stmt(cached.(*sql.Stmt)), nil
		}
		return tx.Prepare(query)
	}
	if err := fn(tx, bound); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (sc *StmtCache) Clear() {
	sc.m.Range(func(k, v interface{}) bool {
		_ = v.(*sql.Stmt).Close()
		sc.m.Delete(k)
		return true
	})
}
