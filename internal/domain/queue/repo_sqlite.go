package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS work_items (
    id             TEXT PRIMARY KEY,
    correlation_id TEXT NOT NULL,
    emr_id         TEXT,
    status         TEXT NOT NULL DEFAULT 'PENDING'
                   CHECK (status IN ('PENDING', 'PROCESSING', 'DONE', 'ERROR')),
    priority       TEXT NOT NULL DEFAULT 'NORMAL'
                   CHECK (priority IN ('HIGH', 'NORMAL', 'LOW')),
    attempts       INTEGER NOT NULL DEFAULT 0 CHECK (attempts >= 0),
    payload        TEXT NOT NULL DEFAULT '{}',
    error_message  TEXT,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items (status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_work_items_correlation ON work_items (correlation_id, created_at);
`

type workItemRepoSQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewWorkItemRepoSQLite creates the schema if needed and returns a store
// backed by conn. Claims use a single-statement compare-and-swap on status.
func NewWorkItemRepoSQLite(ctx context.Context, conn *sql.DB) (Repository, error) {
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &workItemRepoSQLite{db: conn, now: time.Now}, nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *workItemRepoSQLite) scanWorkItem(row rowScanner) (*WorkItem, error) {
	var (
		w                   WorkItem
		id, status, prio    string
		payload             string
		emrID, errMsg       sql.NullString
		createdAt, updateAt int64
	)
	err := row.Scan(&id, &w.CorrelationID, &emrID, &status, &prio, &w.Attempts,
		&payload, &errMsg, &createdAt, &updateAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if w.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse work item id %q: %w", id, err)
	}
	w.Status, w.Priority = Status(status), Priority(prio)
	if emrID.Valid {
		w.EMRID = &emrID.String
	}
	if errMsg.Valid {
		w.ErrorMessage = &errMsg.String
	}
	w.CreatedAt = time.Unix(0, createdAt).UTC()
	w.UpdatedAt = time.Unix(0, updateAt).UTC()
	if w.Payload, err = unmarshalPayload([]byte(payload)); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *workItemRepoSQLite) collect(rows *sql.Rows) ([]*WorkItem, error) {
	defer rows.Close()
	items := []*WorkItem{}
	for rows.Next() {
		w, err := r.scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work items: %w", err)
	}
	return items, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func (r *workItemRepoSQLite) Create(ctx context.Context, w *WorkItem) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	payload, err := w.Payload.marshal()
	if err != nil {
		return err
	}
	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO work_items (id, correlation_id, emr_id, status, priority, attempts, payload, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.CorrelationID, nullString(w.EMRID), string(w.Status), string(w.Priority), w.Attempts,
		string(payload), nullString(w.ErrorMessage), now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	w.CreatedAt, w.UpdatedAt = now, now
	return nil
}

func (r *workItemRepoSQLite) getByID(ctx context.Context, q sqlQueryer, id uuid.UUID) (*WorkItem, error) {
	return r.scanWorkItem(q.QueryRowContext(ctx,
		`SELECT `+workItemCols+` FROM work_items WHERE id = ?`, id.String()))
}

func (r *workItemRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	return r.getByID(ctx, r.db, id)
}

func (r *workItemRepoSQLite) List(ctx context.Context, f Filter) ([]*WorkItem, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ID != nil {
		where = append(where, "id = ?")
		args = append(args, f.ID.String())
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	q := `SELECT ` + workItemCols + ` FROM work_items`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return r.collect(rows)
}

// ClaimNext is a compare-and-swap: the row is only flipped if it is still
// PENDING when the UPDATE runs, so a concurrent claimant that picked the same
// candidate gets no row back instead of a duplicate.
func (r *workItemRepoSQLite) ClaimNext(ctx context.Context) (*WorkItem, error) {
	w, err := r.scanWorkItem(r.db.QueryRowContext(ctx, `
		UPDATE work_items
		SET status = 'PROCESSING', updated_at = MAX(updated_at, ?)
		WHERE id = (
			SELECT id FROM work_items
			WHERE status = 'PENDING'
			ORDER BY `+priorityRankSQL+`, created_at, rowid
			LIMIT 1
		) AND status = 'PENDING'
		RETURNING `+workItemCols, r.now().UTC().UnixNano()))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim work item: %w", err)
	}
	return w, nil
}

func (r *workItemRepoSQLite) Update(ctx context.Context, id uuid.UUID, mutate func(*WorkItem) error) (*WorkItem, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	w, err := r.getByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(w); err != nil {
		return nil, err
	}
	payload, err := w.Payload.marshal()
	if err != nil {
		return nil, err
	}

	updated, err := r.scanWorkItem(tx.QueryRowContext(ctx, `
		UPDATE work_items
		SET status = ?, priority = ?, attempts = MAX(attempts, ?), payload = ?,
			error_message = ?, emr_id = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ?
		RETURNING `+workItemCols,
		string(w.Status), string(w.Priority), w.Attempts, string(payload),
		nullString(w.ErrorMessage), nullString(w.EMRID), r.now().UTC().UnixNano(), id.String()))
	if err != nil {
		return nil, fmt.Errorf("update work item %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return updated, nil
}

func (r *workItemRepoSQLite) DeadLetters(ctx context.Context, limit int) ([]*WorkItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+workItemCols+` FROM work_items
		WHERE status = 'ERROR' AND json_extract(payload, '$.result.dead_letter') = 1
		ORDER BY updated_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return r.collect(rows)
}
