package state

import (
	"database/sql"
)

// LedgerTx is handed to the callback of WithProcessed. Every write it makes
// commits together with the processed-event marker.
type LedgerTx struct {
	ops *ledgerOps
	st  *StateDB
}

func (tx *LedgerTx) Get(kind Kind, key string) (Record, error) {
	return tx.ops.get(kind, key)
}

func (tx *LedgerTx) InsertIfAbsent(rec Record) (bool, error) {
	b := rec.Base()
	now := tx.ops.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	return tx.st.insert(tx.ops.prepare, rec)
}

func (tx *LedgerTx) Advance(kind Kind, key string, from, to Status, fields Fields, guard *Guard) error {
	return tx.ops.advance(kind, key, from, to, fields, guard)
}

// IsProcessed reports whether the event (chainID, txHash) was applied.
func (st *StateDB) IsProcessed(chainID, txHash string) (bool, error) {
	stmt, err := st.stmtCache.Prepare(`SELECT processed FROM processed_events WHERE chain_id = ? AND txn_hash = ?`)
	if err != nil {
		return false, err
	}
	var processed bool
	if err := stmt.QueryRow(chainID, txHash).Scan(&processed); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return processed, nil
}

const markProcessedQuery = `INSERT OR IGNORE INTO processed_events (chain_id, txn_hash, processed, created_at) VALUES (?, ?, 1, ?)`

// MarkProcessed records the event and reports whether it was new.
func (st *StateDB) MarkProcessed(chainID, txHash string) (bool, error) {
	return markProcessed(st.stmtCache.Prepare, chainID, txHash, st.millis())
}

func markProcessed(prepare func(string) (*sql.Stmt, error), chainID, txHash string, now int64) (bool, error) {
	stmt, err := prepare(markProcessedQuery)
	if err != nil {
		return false, err
	}
	res, err := stmt.Exec(chainID, txHash, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// WithProcessed marks (chainID, txHash) processed and runs fn in the same
// transaction. If the event was already processed fn is not called and
// the result is false. An error from fn rolls back the marker too, so the
// event is retried.
func (st *StateDB) WithProcessed(chainID, txHash string, fn func(tx *LedgerTx) error) (bool, error) {
	applied := false
	err := st.stmtCache.Tx(func(_ *sql.Tx, stmt func(string) (*sql.Stmt, error)) error {
		ops := &ledgerOps{prepare: stmt, now: st.now}
		fresh, err := markProcessed(stmt, chainID, txHash, st.millis())
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
		if err := fn(&LedgerTx{ops: ops, st: st}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// AdvanceAndMarkProcessed applies a guarded status change for an ingested
// event exactly once.
func (st *StateDB) AdvanceAndMarkProcessed(chainID, txHash string, kind Kind, key string, from, to Status, fields Fields, guard *Guard) (bool, error) {
	return st.WithProcessed(chainID, txHash, func(tx *LedgerTx) error {
		return tx.Advance(kind, key, from, to, fields, guard)
	})
}
