package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"auditline/internal/domain"
)

// FindPreferences returns the stored preferences or ErrNotFound.
func (r Repo) FindPreferences(ctx context.Context, ownerID string) (domain.Preferences, error) {
	p := domain.Preferences{OwnerID: ownerID}
	var email, chat, webhook int
	err := r.DB.QueryRowContext(ctx, `SELECT email_enabled,chat_enabled,webhook_enabled,email_address,chat_target_url,webhook_url
FROM notification_preferences WHERE owner_id=?`, ownerID).Scan(&email, &chat, &webhook, &p.EmailAddress, &p.ChatTargetURL, &p.WebhookURL)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.EmailEnabled = email == 1
	p.ChatEnabled = chat == 1
	p.WebhookEnabled = webhook == 1
	return p, nil
}

// GetPreferences resolves delivery preferences. An owner without a stored
// row gets every external channel disabled.
func (r Repo) GetPreferences(ctx context.Context, ownerID string) (domain.Preferences, error) {
	p, err := r.FindPreferences(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return domain.Preferences{OwnerID: ownerID}, nil
	}
	return p, err
}

func (r Repo) UpsertPreferences(ctx context.Context, p domain.Preferences) error {
	if p.OwnerID == "" {
		return errors.New("owner_id required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_preferences(owner_id,email_enabled,chat_enabled,webhook_enabled,email_address,chat_target_url,webhook_url,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(owner_id) DO UPDATE SET
  email_enabled=excluded.email_enabled,
  chat_enabled=excluded.chat_enabled,
  webhook_enabled=excluded.webhook_enabled,
  email_address=excluded.email_address,
  chat_target_url=excluded.chat_target_url,
  webhook_url=excluded.webhook_url,
  updated_at=excluded.updated_at`,
		p.OwnerID, boolInt(p.EmailEnabled), boolInt(p.ChatEnabled), boolInt(p.WebhookEnabled),
		p.EmailAddress, p.ChatTargetURL, p.WebhookURL, formatTime(time.Now()))
	return err
}
