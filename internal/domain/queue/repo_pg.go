package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake-bridge/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type workItemRepoPG struct{ pool *pgxpool.Pool }

func NewWorkItemRepoPG(pool *pgxpool.Pool) Repository {
	return &workItemRepoPG{pool: pool}
}

func (r *workItemRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const workItemCols = `id, correlation_id, emr_id, status, priority, attempts,
	payload, error_message, created_at, updated_at`

const priorityRankSQL = `CASE priority WHEN 'HIGH' THEN 0 WHEN 'NORMAL' THEN 1 ELSE 2 END`

func (r *workItemRepoPG) scanWorkItem(row pgx.Row) (*WorkItem, error) {
	var (
		w                WorkItem
		status, priority string
		payload          []byte
	)
	err := row.Scan(&w.ID, &w.CorrelationID, &w.EMRID, &status, &priority, &w.Attempts,
		&payload, &w.ErrorMessage, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.Status, w.Priority = Status(status), Priority(priority)
	if w.Payload, err = unmarshalPayload(payload); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *workItemRepoPG) collect(rows pgx.Rows) ([]*WorkItem, error) {
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

func (r *workItemRepoPG) Create(ctx context.Context, w *WorkItem) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	payload, err := w.Payload.marshal()
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO work_items (id, correlation_id, emr_id, status, priority, attempts, payload, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		w.ID, w.CorrelationID, w.EMRID, string(w.Status), string(w.Priority), w.Attempts,
		string(payload), w.ErrorMessage).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}
	return nil
}

func (r *workItemRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*WorkItem, error) {
	return r.scanWorkItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+workItemCols+` FROM work_items WHERE id = $1`, id))
}

func (r *workItemRepoPG) List(ctx context.Context, f Filter) ([]*WorkItem, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ID != nil {
		add("id = $%d", *f.ID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	q := `SELECT ` + workItemCols + ` FROM work_items`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(` ORDER BY created_at DESC, seq DESC LIMIT $%d`, len(args))

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return r.collect(rows)
}

// ClaimNext locks the first claimable row with SKIP LOCKED, so concurrent
// claimants move past rows held by each other instead of waiting, then flips
// it to PROCESSING in the same transaction.
func (r *workItemRepoPG) ClaimNext(ctx context.Context) (*WorkItem, error) {
	var claimed *WorkItem
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		var id uuid.UUID
		err := r.conn(ctx).QueryRow(ctx, `
			SELECT id FROM work_items
			WHERE status = 'PENDING'
			ORDER BY `+priorityRankSQL+`, created_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED`).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable work item: %w", err)
		}

		claimed, err = r.scanWorkItem(r.conn(ctx).QueryRow(ctx, `
			UPDATE work_items
			SET status = 'PROCESSING', updated_at = GREATEST(updated_at, clock_timestamp())
			WHERE id = $1
			RETURNING `+workItemCols, id))
		if err != nil {
			return fmt.Errorf("claim work item %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *workItemRepoPG) Update(ctx context.Context, id uuid.UUID, mutate func(*WorkItem) error) (*WorkItem, error) {
	var updated *WorkItem
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		w, err := r.scanWorkItem(r.conn(ctx).QueryRow(ctx,
			`SELECT `+workItemCols+` FROM work_items WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := mutate(w); err != nil {
			return err
		}
		payload, err := w.Payload.marshal()
		if err != nil {
			return err
		}
		updated, err = r.scanWorkItem(r.conn(ctx).QueryRow(ctx, `
			UPDATE work_items
			SET status = $2, priority = $3, attempts = GREATEST(attempts, $4), payload = $5,
				error_message = $6, emr_id = $7, updated_at = GREATEST(updated_at, clock_timestamp())
			WHERE id = $1
			RETURNING `+workItemCols,
			id, string(w.Status), string(w.Priority), w.Attempts, string(payload), w.ErrorMessage, w.EMRID))
		if err != nil {
			return fmt.Errorf("update work item %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *workItemRepoPG) DeadLetters(ctx context.Context, limit int) ([]*WorkItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+workItemCols+` FROM work_items
		WHERE status = 'ERROR' AND (payload -> 'result' ->> 'dead_letter')::boolean IS TRUE
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return r.collect(rows)
}
