package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditline/internal/db"
	"auditline/internal/migrate"
	"auditline/internal/repo"
)

func TestCanSubscribe(t *testing.T) {
	conn, err := db.Open(db.Config{Memory: true})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	ctx := context.Background()
	require.NoError(t, repo.Repo{DB: conn}.AddOrgMember(ctx, nil, "42", "u-1", ""))

	svc := Service{DB: conn}
	cases := []struct {
		owner, channel string
		allowed        bool
	}{
		{"u-1", "user:u-1", true},
		{"u-1", "user:u-2", false},
		{"u-1", "org:42", true},
		{"u-2", "org:42", false},
		{"u-1", "org:", false},
		{"u-1", "global", false},
		{"u-1", "team:1", false},
	}
	for _, tc := range cases {
		err := svc.CanSubscribe(ctx, tc.owner, tc.channel)
		if tc.allowed {
			assert.NoError(t, err, tc.channel)
			continue
		}
		var forbidden ForbiddenError
		assert.True(t, errors.As(err, &forbidden), "%s/%s: %v", tc.owner, tc.channel, err)
	}
}
