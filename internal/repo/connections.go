package repo

import (
	"context"
	"database/sql"
	"time"

	"auditline/internal/domain"
)

// ConnectionRecords persists connection bookkeeping rows in SQLite.
type ConnectionRecords struct {
	DB *sql.DB
}

func (c ConnectionRecords) ConnectionOpened(ctx context.Context, rec domain.ConnectionRecord) error {
	_, err := c.DB.ExecContext(ctx, `INSERT INTO connections(id,owner_id,active,opened_at,closed_at,close_reason) VALUES (?,?,1,?,NULL,NULL)
ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, active=1, opened_at=excluded.opened_at, closed_at=NULL, close_reason=NULL`,
		rec.ID, rec.OwnerID, formatTime(rec.OpenedAt))
	return err
}

func (c ConnectionRecords) ConnectionClosed(ctx context.Context, rec domain.ConnectionRecord) error {
	closedAt := time.Now()
	if rec.ClosedAt != nil {
		closedAt = *rec.ClosedAt
	}
	_, err := c.DB.ExecContext(ctx, `UPDATE connections SET active=0, closed_at=?, close_reason=? WHERE id=?`,
		formatTime(closedAt), nullable(rec.Reason), rec.ID)
	return err
}

// CloseAllActive marks rows left active by a previous process as closed.
func (c ConnectionRecords) CloseAllActive(ctx context.Context, reason string, at time.Time) (int64, error) {
	res, err := c.DB.ExecContext(ctx, `UPDATE connections SET active=0, closed_at=?, close_reason=? WHERE active=1`, formatTime(at), reason)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// List returns records newest first; activeOnly hides closed rows.
func (c ConnectionRecords) List(ctx context.Context, ownerID string, activeOnly bool, limit int) ([]domain.ConnectionRecord, error) {
	query := `SELECT id,owner_id,active,opened_at,closed_at,COALESCE(close_reason,'') FROM connections WHERE 1=1`
	var args []any
	if ownerID != "" {
		query += ` AND owner_id=?`
		args = append(args, ownerID)
	}
	if activeOnly {
		query += ` AND active=1`
	}
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY opened_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := c.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConnectionRecord
	for rows.Next() {
		var rec domain.ConnectionRecord
		var active int
		var opened string
		var closed sql.NullString
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &active, &opened, &closed, &rec.Reason); err != nil {
			return nil, err
		}
		rec.Active = active == 1
		if rec.OpenedAt, err = parseTime(opened); err != nil {
			return nil, err
		}
		if rec.ClosedAt, err = parseTimePtr(closed); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
