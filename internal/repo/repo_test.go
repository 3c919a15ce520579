package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditline/internal/db"
	"auditline/internal/domain"
	"auditline/internal/migrate"
)

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Memory: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func sampleRoadmap(now time.Time) domain.Roadmap {
	return domain.Roadmap{
		ID:        "r-1",
		OwnerID:   "u-1",
		OrgID:     "42",
		Title:     "SOC 2 readiness",
		CreatedAt: now,
		UpdatedAt: now,
		Phases: []domain.Phase{
			{SequenceIndex: 0, Name: "Scoping", Actions: []domain.Action{{ID: "a1", Title: "Inventory"}, {ID: "a2", Title: "Owners"}}},
			{SequenceIndex: 1, Name: "Remediation", Actions: []domain.Action{{ID: "b1", Title: "MFA"}}},
		},
	}
}

func TestRoadmapRoundTrip(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, r.InsertRoadmap(ctx, nil, sampleRoadmap(now)))

	got, err := r.GetRoadmap(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, got.Phases, 2)
	assert.Equal(t, []string{"a1", "a2"}, []string{got.Phases[0].Actions[0].ID, got.Phases[0].Actions[1].ID})
	assert.True(t, now.Equal(got.CreatedAt))

	later := now.Add(time.Hour)
	_, err = got.CompleteAction(0, "a1", later)
	require.NoError(t, err)
	_, err = got.CompleteAction(0, "a2", later)
	require.NoError(t, err)
	got.UpdatedAt = later
	require.NoError(t, r.SaveRoadmapProgress(ctx, nil, got))

	again, err := r.GetRoadmap(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 67, again.OverallProgress)
	require.NotNil(t, again.Phases[0].CompletedAt)
	assert.True(t, later.Equal(*again.Phases[0].CompletedAt))
	assert.Nil(t, again.Phases[1].CompletedAt)

	_, err = r.GetRoadmap(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := r.ListRoadmaps(ctx, "u-1", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 67, list[0].OverallProgress)
}

func TestPreferencesDefaultToInAppOnly(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()

	p, err := r.GetPreferences(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Preferences{OwnerID: "u-1"}, p)
	_, err = r.FindPreferences(ctx, "u-1")
	assert.ErrorIs(t, err, ErrNotFound)

	want := domain.Preferences{OwnerID: "u-1", EmailEnabled: true, EmailAddress: "a@example.com", WebhookEnabled: true, WebhookURL: "https://h.example.com"}
	require.NoError(t, r.UpsertPreferences(ctx, want))
	p, err = r.GetPreferences(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, want, p)

	want.EmailEnabled = false
	require.NoError(t, r.UpsertPreferences(ctx, want))
	p, err = r.FindPreferences(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, p.EmailEnabled)
}

func TestRecordAttemptUpsertsByAttemptNumber(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	base := domain.DeliveryAttempt{IntentID: "i-1", Recipient: "u-1", Channel: domain.ChannelWebhook, AttemptNumber: 1, ScheduledAt: at}

	pending := base
	pending.Status = domain.DeliveryPending
	require.NoError(t, r.RecordAttempt(ctx, pending))

	failed := base
	failed.Status = domain.DeliveryFailed
	done := at.Add(time.Second)
	failed.CompletedAt = &done
	failed.ErrorDetail = "status 503"
	require.NoError(t, r.RecordAttempt(ctx, failed))

	second := base
	second.AttemptNumber = 2
	second.Status = domain.DeliveryPending
	second.ScheduledAt = at.Add(time.Minute)
	require.NoError(t, r.RecordAttempt(ctx, second))

	got, err := r.ListAttempts(ctx, AttemptFilters{IntentID: "i-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].AttemptNumber)
	assert.Equal(t, domain.DeliveryPending, got[0].Status)
	assert.Equal(t, domain.DeliveryFailed, got[1].Status)
	assert.Equal(t, "status 503", got[1].ErrorDetail)
	require.NotNil(t, got[1].CompletedAt)

	counts, err := r.CountAttemptsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.DeliveryStatus]int{domain.DeliveryPending: 1, domain.DeliveryFailed: 1}, counts)
}

func TestConnectionRecordsLifecycle(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	recs := ConnectionRecords{DB: r.DB}
	opened := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, recs.ConnectionOpened(ctx, domain.ConnectionRecord{ID: "c1", OwnerID: "u-1", Active: true, OpenedAt: opened}))
	require.NoError(t, recs.ConnectionOpened(ctx, domain.ConnectionRecord{ID: "c2", OwnerID: "u-1", Active: true, OpenedAt: opened.Add(time.Second)}))
	closed := opened.Add(time.Minute)
	require.NoError(t, recs.ConnectionClosed(ctx, domain.ConnectionRecord{ID: "c1", OwnerID: "u-1", ClosedAt: &closed, Reason: "liveness_timeout"}))

	active, err := recs.List(ctx, "u-1", true, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c2", active[0].ID)

	all, err := recs.List(ctx, "", false, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "liveness_timeout", all[1].Reason)
	assert.False(t, all[1].Active)

	n, err := recs.CloseAllActive(ctx, "server_restart", closed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestOrgMembership(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, r.AddOrgMember(ctx, nil, "42", "u-1", ""))
	require.NoError(t, r.AddOrgMember(ctx, nil, "42", "u-1", "admin"))

	ok, err := r.IsOrgMember(ctx, "42", "u-1")
	require.NoError(t, err)
	assert.True(t, ok)
	role, err := r.OrgRole(ctx, "42", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "admin", role)

	orgs, err := r.OrgsForOwner(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, orgs)

	require.NoError(t, r.RemoveOrgMember(ctx, nil, "42", "u-1"))
	assert.ErrorIs(t, r.RemoveOrgMember(ctx, nil, "42", "u-1"), ErrNotFound)
	ok, err = r.IsOrgMember(ctx, "42", "u-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAPIKeys(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	key, raw, err := r.CreateAPIKey(ctx, "u-1", "ci")
	require.NoError(t, err)
	assert.NotEqual(t, raw, key.KeyHash)

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(raw))
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ActorID)

	keys, err := r.ListAPIKeys(ctx, "u-1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, key.ID))
	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey(raw))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsQueries(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	insert := func(typ, org string) {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,payload) VALUES (?,?,?,?,?,?,?)`,
			"2024-03-01T09:00:00Z", typ, sql.NullString{String: org, Valid: org != ""}, "roadmap", "r-1", "u-1", "{}")
		require.NoError(t, err)
	}
	insert("action.completed", "42")
	insert("phase.completed", "42")
	insert("delivery.exhausted", "")

	latest, err := r.LatestEvents(ctx, EventFilter{OrgID: "42"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "phase.completed", latest[0].Type)

	after, err := r.EventsAfter(ctx, 10, latest[1].ID, "")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "delivery.exhausted", after[1].Type)
	assert.Empty(t, after[1].OrgID)

	id, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, after[1].ID, id)
}
