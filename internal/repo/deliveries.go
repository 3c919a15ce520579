package repo

import (
	"context"
	"database/sql"
	"strings"

	"auditline/internal/domain"
)

// RecordAttempt stores the latest state of one (intent, channel, attempt)
// row. Later states overwrite earlier ones.
func (r Repo) RecordAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO delivery_attempts(intent_id,recipient,channel,status,attempt_number,scheduled_at,completed_at,error_detail)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(intent_id,channel,attempt_number) DO UPDATE SET
  status=excluded.status,
  scheduled_at=excluded.scheduled_at,
  completed_at=excluded.completed_at,
  error_detail=excluded.error_detail`,
		a.IntentID, a.Recipient, string(a.Channel), string(a.Status), a.AttemptNumber,
		formatTime(a.ScheduledAt), formatTimePtr(a.CompletedAt), a.ErrorDetail)
	return err
}

type AttemptFilters struct {
	IntentID  string
	Recipient string
	Channel   domain.Channel
	Status    domain.DeliveryStatus
	Limit     int
}

// ListAttempts returns attempts newest first, then by attempt number.
func (r Repo) ListAttempts(ctx context.Context, f AttemptFilters) ([]domain.DeliveryAttempt, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.IntentID != "" {
		clauses = append(clauses, "intent_id=?")
		args = append(args, f.IntentID)
	}
	if f.Recipient != "" {
		clauses = append(clauses, "recipient=?")
		args = append(args, f.Recipient)
	}
	if f.Channel != "" {
		clauses = append(clauses, "channel=?")
		args = append(args, string(f.Channel))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT intent_id,recipient,channel,status,attempt_number,scheduled_at,completed_at,error_detail FROM delivery_attempts WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY scheduled_at DESC, intent_id, channel, attempt_number DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeliveryAttempt
	for rows.Next() {
		var a domain.DeliveryAttempt
		var ch, status, scheduled string
		var completed sql.NullString
		if err := rows.Scan(&a.IntentID, &a.Recipient, &ch, &status, &a.AttemptNumber, &scheduled, &completed, &a.ErrorDetail); err != nil {
			return nil, err
		}
		a.Channel = domain.Channel(ch)
		a.Status = domain.DeliveryStatus(status)
		if a.ScheduledAt, err = parseTime(scheduled); err != nil {
			return nil, err
		}
		if a.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAttemptsByStatus summarizes the attempt log.
func (r Repo) CountAttemptsByStatus(ctx context.Context) (map[domain.DeliveryStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM delivery_attempts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.DeliveryStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[domain.DeliveryStatus(status)] = n
	}
	return res, rows.Err()
}
