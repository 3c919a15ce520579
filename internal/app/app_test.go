package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditline/internal/channels"
	"auditline/internal/config"
	"auditline/internal/domain"
	"auditline/internal/events"
	"auditline/internal/repo"
)

func openTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	log := zerolog.Nop()
	a, err := Open(context.Background(), Options{
		Config:        cfg,
		Logger:        &log,
		Memory:        true,
		MailTransport: channels.NewMockMailTransport(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestOpenWiresComponents(t *testing.T) {
	a := openTestApp(t, nil)

	assert.NotNil(t, a.Registry)
	assert.NotNil(t, a.Dispatcher)
	assert.Equal(t, a.Dispatcher, a.Engine.Notifier)
	assert.Equal(t, a.Registry, a.Engine.Publisher)

	h, err := a.Handler()
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestSendersFollowChannelConfig(t *testing.T) {
	cfg := config.Default()
	off := false
	cfg.Channels.Chat.Enabled = &off
	a := openTestApp(t, cfg)

	senders := a.senders(channels.NewMockMailTransport())
	assert.Contains(t, senders, domain.ChannelEmail)
	assert.Contains(t, senders, domain.ChannelWebhook)
	assert.NotContains(t, senders, domain.ChannelChat)

	// Without a transport or smtp_addr the email channel stays off.
	assert.NotContains(t, a.senders(nil), domain.ChannelEmail)
}

func TestUnknownConnectionPersistence(t *testing.T) {
	cfg := config.Default()
	cfg.Persistence.Connections = "etcd"
	log := zerolog.Nop()
	_, err := Open(context.Background(), Options{Config: cfg, Logger: &log, Memory: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestEventAlerterRecordsExhaustion(t *testing.T) {
	a := openTestApp(t, nil)
	ctx := context.Background()

	alerter := eventAlerter{events: a.Events, log: zerolog.Nop()}
	alerter.DeliveryExhausted(ctx,
		domain.NotificationIntent{ID: "int-1", Recipient: "alice", Kind: domain.KindPhaseComplete, Metadata: map[string]string{"org_id": "42"}},
		domain.DeliveryAttempt{IntentID: "int-1", Channel: domain.ChannelWebhook, Status: domain.DeliveryExhausted, AttemptNumber: 3, ErrorDetail: "status 502"},
	)

	evts, err := a.Repo.LatestEvents(ctx, repo.EventFilter{Type: events.DeliveryExhausted})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "42", evts[0].OrgID)
	assert.Equal(t, "int-1", evts[0].EntityID)
	assert.Contains(t, evts[0].Payload, `"channel":"webhook"`)
}

func TestRunClosesStaleConnectionRecords(t *testing.T) {
	a := openTestApp(t, nil)
	ctx := context.Background()

	records := repo.ConnectionRecords{DB: a.DB}
	require.NoError(t, records.ConnectionOpened(ctx, domain.ConnectionRecord{
		ID: "c-old", OwnerID: "alice", Active: true, OpenedAt: time.Now().Add(-time.Hour),
	}))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		a.Run(runCtx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		active, err := records.List(ctx, "alice", true, 10)
		return err == nil && len(active) == 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	all, err := records.List(ctx, "alice", false, 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "server_restart", all[0].Reason)
}
