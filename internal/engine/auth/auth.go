package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ForbiddenError reports a subscription the caller may not hold.
type ForbiddenError struct {
	Channel string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("subscription to %s not permitted", e.Channel)
}

// Service authorizes channel subscriptions against org membership.
type Service struct {
	DB *sql.DB
}

// CanSubscribe reports whether ownerID may subscribe to channel: user:<id>
// only for that owner, org:<id> only for members of the organization.
// Unknown channel kinds are refused.
func (s Service) CanSubscribe(ctx context.Context, ownerID, channel string) error {
	kind, ref, ok := strings.Cut(channel, ":")
	if !ok || ref == "" {
		return ForbiddenError{Channel: channel}
	}
	switch kind {
	case "user":
		if ref != ownerID {
			return ForbiddenError{Channel: channel}
		}
		return nil
	case "org":
		member, err := s.isMember(ctx, ref, ownerID)
		if err != nil {
			return err
		}
		if !member {
			return ForbiddenError{Channel: channel}
		}
		return nil
	default:
		return ForbiddenError{Channel: channel}
	}
}

func (s Service) isMember(ctx context.Context, orgID, ownerID string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM org_members WHERE org_id=? AND owner_id=? LIMIT 1`, orgID, ownerID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
