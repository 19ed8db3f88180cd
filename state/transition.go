package state

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/TEENet-io/atlas-bridge/agreement"
)

// Guard adds conditions to a status compare-and-swap.
type Guard struct {
	// columns that must still be empty strings
	EmptyColumns []string
	// the record must not be paused
	NoRemarks bool
}

func (g *Guard) where(kind Kind) (string, error) {
	if g == nil {
		return "", nil
	}
	var sb strings.Builder
	for _, c := range g.EmptyColumns {
		if !mutableColumns[kind][c] {
			return "", fmt.Errorf("%w: %s.%s", ErrColumnNotAllowed, kind.table(), c)
		}
		sb.WriteString(" AND " + c + " = ''")
	}
	if g.NoRemarks {
		sb.WriteString(" AND remarks = ''")
	}
	return sb.String(), nil
}

func checkForward(kind Kind, from, to Status) error {
	if !validStatus(kind, from) || !validStatus(kind, to) {
		return fmt.Errorf("invalid %s status transition %d -> %d", kind, from, to)
	}
	if to < from {
		return fmt.Errorf("%w: %s %s -> %s", ErrStatusRegression, kind, StatusName(kind, from), StatusName(kind, to))
	}
	if IsTerminal(kind, from) && to != from {
		return fmt.Errorf("%w: %s %s is terminal", ErrStatusRegression, kind, StatusName(kind, from))
	}
	return nil
}

func sortedColumns(kind Kind, fields Fields) ([]string, error) {
	cols := make([]string, 0, len(fields))
	for c := range fields {
		if !mutableColumns[kind][c] {
			return nil, fmt.Errorf("%w: %s.%s", ErrColumnNotAllowed, kind.table(), c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

// ledgerOps runs ledger statements through either the shared statement
// cache or a transaction.
type ledgerOps struct {
	prepare func(query string) (*sql.Stmt, error)
	now     func() time.Time
}

func (o *ledgerOps) get(kind Kind, key string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE key = ?`, selectColumns(kind), kind.table())
	stmt, err := o.prepare(query)
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(kind, stmt.QueryRow(key))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

// missOrConflict explains why a conditional update touched no row.
func (o *ledgerOps) missOrConflict(kind Kind, key string, expected Status) error {
	rec, err := o.get(kind, key)
	if err == ErrNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, key)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s expected %s, found %s (remarks=%q)", ErrConflict, kind, key,
		StatusName(kind, expected), StatusName(kind, rec.Base().Status), rec.Base().Remarks)
}

func (o *ledgerOps) advance(kind Kind, key string, from, to Status, fields Fields, guard *Guard) error {
	if err := checkForward(kind, from, to); err != nil {
		return err
	}
	cols, err := sortedColumns(kind, fields)
	if err != nil {
		return err
	}
	cond, err := guard.where(kind)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("UPDATE " + kind.table() + " SET status = ?, updated_at = ?")
	args := []interface{}{int(to), o.now().UnixMilli()}
	for _, c := range cols {
		sb.WriteString(", " + c + " = ?")
		args = append(args, fields[c])
	}
	sb.WriteString(" WHERE key = ? AND status = ?" + cond)
	args = append(args, key, int(from))

	return o.execOne(sb.String(), kind, key, from, args...)
}

func (o *ledgerOps) execOne(query string, kind Kind, key string, expected Status, args ...interface{}) error {
	stmt, err := o.prepare(query)
	if err != nil {
		return err
	}
	res, err := stmt.Exec(args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return o.missOrConflict(kind, key, expected)
	}
	return nil
}

func (st *StateDB) ops() *ledgerOps {
	return &ledgerOps{prepare: st.stmtCache.Prepare, now: st.now}
}

// Advance moves a record from status from to status to, writing fields in
// the same statement. It fails with ErrConflict if the stored status is no
// longer from, and with ErrStatusRegression if to would move backwards.
// Advancing to the same status only writes fields.
func (st *StateDB) Advance(kind Kind, key string, from, to Status, fields Fields) error {
	return st.ops().advance(kind, key, from, to, fields, nil)
}

// AdvanceGuarded is Advance with extra conditions on the stored row.
func (st *StateDB) AdvanceGuarded(kind Kind, key string, from, to Status, fields Fields, guard *Guard) error {
	return st.ops().advance(kind, key, from, to, fields, guard)
}

// SetRemarks pauses a record at status. A paused record is skipped by
// every automatic action until rolled back or cleared by an operator.
func (st *StateDB) SetRemarks(kind Kind, key string, status Status, remarks string, remarksKind agreement.RecoverableErrorKind) error {
	if remarks == "" {
		return fmt.Errorf("empty remarks for %s %s", kind, key)
	}
	now := st.millis()
	query := fmt.Sprintf(`UPDATE %s SET remarks = ?, remarks_kind = ?, remarks_at = ?, updated_at = ? WHERE key = ? AND status = ?`, kind.table())
	return st.ops().execOne(query, kind, key, status, remarks, int(remarksKind), now, now, key, int(status))
}

// ClearRemarks resumes a paused record without changing its status.
func (st *StateDB) ClearRemarks(kind Kind, key string, status Status) error {
	query := fmt.Sprintf(`UPDATE %s SET remarks = '', remarks_kind = 0, remarks_at = 0, updated_at = ? WHERE key = ? AND status = ? AND remarks != ''`, kind.table())
	return st.ops().execOne(query, kind, key, status, st.millis(), key, int(status))
}

// Rollback is the only way a status moves backwards. It applies to paused
// records only, clears the pause and the named columns in one statement.
func (st *StateDB) Rollback(kind Kind, key string, from, to Status, clear []string) error {
	if !validStatus(kind, from) || !validStatus(kind, to) || to >= from {
		return fmt.Errorf("invalid %s rollback %d -> %d", kind, from, to)
	}
	if IsTerminal(kind, from) {
		return fmt.Errorf("%w: %s %s is terminal", ErrStatusRegression, kind, StatusName(kind, from))
	}

	fields := make(Fields, len(clear))
	for _, c := range clear {
		fields[c] = ""
	}
	cols, err := sortedColumns(kind, fields)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("UPDATE " + kind.table() + " SET status = ?, remarks = '', remarks_kind = 0, remarks_at = 0, updated_at = ?")
	for _, c := range cols {
		sb.WriteString(", " + c + " = ''")
	}
	sb.WriteString(" WHERE key = ? AND status = ? AND remarks != ''")

	return st.ops().execOne(sb.String(), kind, key, from, int(to), st.millis(), key, int(from))
}

// IncrementVerified bumps one of the validator counters while the record
// is still at status.
func (st *StateDB) IncrementVerified(kind Kind, key, column string, status Status) error {
	if column != "verified_count" && column != "minted_txn_hash_verified_count" {
		return fmt.Errorf("%w: %s", ErrColumnNotAllowed, column)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = %s + 1, updated_at = ? WHERE key = ? AND status = ?`, kind.table(), column, column)
	return st.ops().execOne(query, kind, key, status, st.millis(), key, int(status))
}

// ListPaused returns paused records of kind tagged with remarksKind whose
// pause is older than before.
func (st *StateDB) ListPaused(kind Kind, remarksKind agreement.RecoverableErrorKind, before time.Time) ([]Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE remarks != '' AND remarks_kind = ? AND remarks_at <= ? ORDER BY rowid`,
		selectColumns(kind), kind.table())
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(int(remarksKind), before.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
