package localnotify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/salus/reminders/internal/reminder"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PGStore keeps reminders in the local_notification and
// notification_permission tables.
type PGStore struct {
	db queryable
}

// NewPGStore returns a store over db, usually a *pgxpool.Pool.
func NewPGStore(db queryable) *PGStore {
	return &PGStore{db: db}
}

var _ Store = (*PGStore)(nil)

func (r *PGStore) Permission(ctx context.Context, ownerID string) (Permission, error) {
	var state string
	err := r.db.QueryRow(ctx,
		`SELECT state FROM notification_permission WHERE owner_id = $1`, ownerID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return PermissionUnknown, nil
	}
	if err != nil {
		return PermissionUnknown, fmt.Errorf("select permission: %w", err)
	}
	return Permission(state), nil
}

func (r *PGStore) SetPermission(ctx context.Context, ownerID string, p Permission) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_permission (owner_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (owner_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`,
		ownerID, string(p))
	if err != nil {
		return fmt.Errorf("upsert permission: %w", err)
	}
	return nil
}

// Insert writes ns in a single batch, so either every row lands or none does.
func (r *PGStore) Insert(ctx context.Context, ownerID string, ns []reminder.ScheduledNotification) error {
	if len(ns) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, n := range ns {
		batch.Queue(`
			INSERT INTO local_notification (owner_id, id, title, body, fire_at, extra)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ownerID, n.ID, n.Title, n.Body, n.FireAt, reminder.Extra(n.Payload))
	}

	br := r.db.SendBatch(ctx, batch)
	for range ns {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

const notificationCols = `id, title, body, fire_at, extra`

func scanNotification(row pgx.Row, extraCols ...any) (reminder.ScheduledNotification, error) {
	var n reminder.ScheduledNotification
	var extra map[string]any
	dest := append(extraCols, &n.ID, &n.Title, &n.Body, &n.FireAt, &extra)
	if err := row.Scan(dest...); err != nil {
		return n, err
	}
	// A bag that no longer parses leaves the payload nil; such rows never
	// match a tag filter.
	if p, err := reminder.ParseExtra(extra); err == nil {
		n.Payload = p
	}
	return n, nil
}

func (r *PGStore) Pending(ctx context.Context, ownerID string) ([]reminder.ScheduledNotification, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+notificationCols+` FROM local_notification
		WHERE owner_id = $1 AND status = 'pending'
		ORDER BY seq`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var out []reminder.ScheduledNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PGStore) Cancel(ctx context.Context, ownerID string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE local_notification SET status = 'cancelled', updated_at = NOW()
		WHERE owner_id = $1 AND status = 'pending' AND id = ANY($2)`,
		ownerID, ids)
	if err != nil {
		return 0, fmt.Errorf("cancel notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimDue atomically fires a batch of due reminders across all owners.
// FOR UPDATE SKIP LOCKED lets several dispatchers share the table.
func (r *PGStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Due, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE local_notification
		SET status = 'fired', attempts = attempts + 1, updated_at = NOW()
		WHERE seq IN (
			SELECT seq FROM local_notification
			WHERE status = 'pending' AND fire_at <= $1
			ORDER BY fire_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING seq, owner_id, `+notificationCols,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}
	defer rows.Close()

	var claimed []Due
	for rows.Next() {
		var d Due
		n, err := scanNotification(rows, &d.Seq, &d.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("scan claimed: %w", err)
		}
		d.Notification = n
		claimed = append(claimed, d)
	}
	return claimed, rows.Err()
}

func (r *PGStore) MarkFailed(ctx context.Context, seq int64, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE local_notification SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE seq = $1`, seq, reason)
	return err
}
