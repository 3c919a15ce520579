package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Memory: true})
	require.NoError(t, err)
	defer conn.Close()

	v, err := Current(conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	latest, err := Latest()
	require.NoError(t, err)
	v, err = Current(conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	for _, table := range []string{"connections", "notification_preferences", "delivery_attempts", "roadmaps", "phases", "actions", "events", "api_keys", "org_members"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}

func TestMigrationsAreOrdered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].Version, ms[i].Version)
	}
}
