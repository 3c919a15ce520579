package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditline/internal/domain"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type memAttempts struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
	// cancelled counts writes made with an already-cancelled context.
	cancelled int
}

func (m *memAttempts) RecordAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		m.cancelled++
		return ctx.Err()
	}
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memAttempts) cancelledWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// final returns the last recorded state of each attempt number on channel, in
// attempt order.
func (m *memAttempts) final(ch domain.Channel) []domain.DeliveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber := map[int]domain.DeliveryAttempt{}
	maxN := 0
	for _, a := range m.attempts {
		if a.Channel != ch {
			continue
		}
		byNumber[a.AttemptNumber] = a
		if a.AttemptNumber > maxN {
			maxN = a.AttemptNumber
		}
	}
	out := make([]domain.DeliveryAttempt, 0, maxN)
	for i := 1; i <= maxN; i++ {
		out = append(out, byNumber[i])
	}
	return out
}

func (m *memAttempts) has(ch domain.Channel, n int, status domain.DeliveryStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.Channel == ch && a.AttemptNumber == n && a.Status == status {
			return true
		}
	}
	return false
}

type scriptedSender struct {
	mu      sync.Mutex
	results []error
	calls   int
	last    Rendered
	address string
}

func (s *scriptedSender) Send(_ context.Context, address string, payload Rendered) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = payload
	s.address = address
	if len(s.results) == 0 {
		return nil
	}
	err := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return err
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type staticPrefs struct {
	prefs domain.Preferences
	err   error
}

func (p staticPrefs) GetPreferences(context.Context, string) (domain.Preferences, error) {
	return p.prefs, p.err
}

type ownerPushes struct {
	mu       sync.Mutex
	owners   []string
	payloads [][]byte
	live     int
}

func (o *ownerPushes) BroadcastToOwner(ownerID string, payload []byte) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.owners = append(o.owners, ownerID)
	o.payloads = append(o.payloads, payload)
	return o.live
}

func (o *ownerPushes) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.owners)
}

type recordingAlerter struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func (r *recordingAlerter) DeliveryExhausted(_ context.Context, _ domain.NotificationIntent, a domain.DeliveryAttempt) {
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	r.mu.Unlock()
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

type harness struct {
	d        *Dispatcher
	clock    *time2.MockClock
	attempts *memAttempts
	alerter  *recordingAlerter
}

func startDispatcher(t *testing.T, opts Options) harness {
	t.Helper()
	clock := time2.NewMockClock(t0)
	h := harness{clock: clock, attempts: &memAttempts{}, alerter: &recordingAlerter{}}
	opts.Clock = clock
	opts.Attempts = h.attempts
	opts.Alerter = h.alerter
	opts.Logger = zerolog.Nop()
	if opts.SendTimeout == 0 {
		opts.SendTimeout = time.Second
	}
	h.d = New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func webhookPrefs() staticPrefs {
	return staticPrefs{prefs: domain.Preferences{WebhookEnabled: true, WebhookURL: "https://hooks.example.com/in"}}
}

func intent() domain.NotificationIntent {
	return domain.NotificationIntent{
		ID:        "intent-1",
		Recipient: "u-1",
		Kind:      domain.KindPhaseComplete,
		Title:     "Phase complete",
		Body:      "Gap analysis is done",
		Priority:  domain.PriorityHigh,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

// advance lets the queue park on its timer before moving the clock.
func advance(clock *time2.MockClock, d time.Duration) {
	time.Sleep(10 * time.Millisecond)
	clock.Advance(d)
}

func TestRetriesFollowBackoffScheduleUntilSent(t *testing.T) {
	sender := &scriptedSender{results: []error{errors.New("503"), errors.New("503"), nil}}
	h := startDispatcher(t, Options{
		Preferences: webhookPrefs(),
		Senders:     map[domain.Channel]Sender{domain.ChannelWebhook: sender},
	})
	require.NoError(t, h.d.Dispatch(intent()))

	waitFor(t, func() bool { return h.attempts.has(domain.ChannelWebhook, 2, domain.DeliveryPending) })
	assert.Equal(t, 1, sender.callCount())

	advance(h.clock, time.Minute)
	waitFor(t, func() bool { return h.attempts.has(domain.ChannelWebhook, 3, domain.DeliveryPending) })
	assert.Equal(t, 2, sender.callCount())

	advance(h.clock, 5*time.Minute)
	waitFor(t, func() bool { return h.attempts.has(domain.ChannelWebhook, 3, domain.DeliverySent) })

	final := h.attempts.final(domain.ChannelWebhook)
	require.Len(t, final, 3)
	assert.Equal(t, domain.DeliveryFailed, final[0].Status)
	assert.Equal(t, domain.DeliveryFailed, final[1].Status)
	assert.Equal(t, domain.DeliverySent, final[2].Status)
	assert.Equal(t, t0, final[0].ScheduledAt)
	assert.Equal(t, t0.Add(time.Minute), final[1].ScheduledAt)
	assert.Equal(t, t0.Add(6*time.Minute), final[2].ScheduledAt)
	assert.NotEmpty(t, final[0].ErrorDetail)
	assert.Equal(t, 0, h.alerter.count())
	assert.Equal(t, "https://hooks.example.com/in", sender.address)
}

func TestExhaustsAfterMaxAttempts(t *testing.T) {
	sender := &scriptedSender{results: []error{errors.New("connection refused")}}
	h := startDispatcher(t, Options{
		Preferences: webhookPrefs(),
		Senders:     map[domain.Channel]Sender{domain.ChannelWebhook: sender},
	})
	require.NoError(t, h.d.Dispatch(intent()))

	waitFor(t, func() bool { return h.attempts.has(domain.ChannelWebhook, 2, domain.DeliveryPending) })
	advance(h.clock, time.Minute)
	waitFor(t, func() bool { return h.attempts.has(domain.ChannelWebhook, 3, domain.DeliveryPending) })
	advance(h.clock, 5*time.Minute)
	waitFor(t, func() bool { return h.alerter.count() == 1 })

	advance(h.clock, time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, sender.callCount(), "no fourth attempt")
	final := h.attempts.final(domain.ChannelWebhook)
	require.Len(t, final, 3)
	assert.Equal(t, domain.DeliveryExhausted, final[2].Status)
	assert.Equal(t, 0, h.d.Pending())
}

func TestInAppAlwaysAttempted(t *testing.T) {
	pushes := &ownerPushes{}
	email := &scriptedSender{}
	h := startDispatcher(t, Options{
		Preferences: staticPrefs{prefs: domain.Preferences{}},
		Senders:     map[domain.Channel]Sender{domain.ChannelEmail: email},
		InApp:       pushes,
	})
	require.NoError(t, h.d.Dispatch(intent()))

	waitFor(t, func() bool { return h.attempts.has(domain.ChannelInApp, 1, domain.DeliverySent) })
	assert.Equal(t, 1, pushes.count())
	assert.Equal(t, 0, email.callCount())

	var msg domain.PushMessage
	require.NoError(t, json.Unmarshal(pushes.payloads[0], &msg))
	assert.Equal(t, domain.PushNotification, msg.Type)
	assert.Equal(t, []string{"u-1"}, pushes.owners)
}

func TestInAppWithoutPreferencesStore(t *testing.T) {
	pushes := &ownerPushes{}
	h := startDispatcher(t, Options{InApp: pushes})
	require.NoError(t, h.d.Dispatch(intent()))
	waitFor(t, func() bool { return h.attempts.has(domain.ChannelInApp, 1, domain.DeliverySent) })
	assert.Empty(t, h.attempts.final(domain.ChannelEmail))
}

func TestPreferenceErrorFallsBackToInApp(t *testing.T) {
	pushes := &ownerPushes{}
	webhook := &scriptedSender{}
	h := startDispatcher(t, Options{
		Preferences: staticPrefs{err: errors.New("db down")},
		Senders:     map[domain.Channel]Sender{domain.ChannelWebhook: webhook},
		InApp:       pushes,
	})
	require.NoError(t, h.d.Dispatch(intent()))
	waitFor(t, func() bool { return h.attempts.has(domain.ChannelInApp, 1, domain.DeliverySent) })
	assert.Equal(t, 0, webhook.callCount())
}

func TestEnabledChannelsFanOut(t *testing.T) {
	email, chat, webhook := &scriptedSender{}, &scriptedSender{}, &scriptedSender{}
	h := startDispatcher(t, Options{
		Preferences: staticPrefs{prefs: domain.Preferences{
			EmailEnabled:   true,
			EmailAddress:   "ops@example.com",
			ChatEnabled:    true,
			ChatTargetURL:  "https://chat.example.com/hook",
			WebhookEnabled: true,
		}},
		Senders: map[domain.Channel]Sender{
			domain.ChannelEmail:   email,
			domain.ChannelChat:    chat,
			domain.ChannelWebhook: webhook,
		},
	})
	require.NoError(t, h.d.Dispatch(intent()))
	waitFor(t, func() bool {
		return h.attempts.has(domain.ChannelEmail, 1, domain.DeliverySent) &&
			h.attempts.has(domain.ChannelChat, 1, domain.DeliverySent)
	})
	assert.Equal(t, 0, webhook.callCount(), "webhook enabled without a URL is skipped")
	assert.Equal(t, "[High] Phase complete", email.last.Subject)
	assert.Contains(t, string(chat.last.Body), `"blocks"`)
}

func TestSendTimeoutCountsAsFailure(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	stuck := senderFunc(func(context.Context, string, Rendered) error {
		<-block
		return nil
	})
	h := startDispatcher(t, Options{
		Preferences: webhookPrefs(),
		Senders:     map[domain.Channel]Sender{domain.ChannelWebhook: stuck},
		SendTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, h.d.Dispatch(intent()))
	waitFor(t, func() bool { return h.attempts.has(domain.ChannelWebhook, 1, domain.DeliveryFailed) })
	final := h.attempts.final(domain.ChannelWebhook)
	assert.Contains(t, final[0].ErrorDetail, context.DeadlineExceeded.Error())
}

type senderFunc func(ctx context.Context, address string, payload Rendered) error

func (f senderFunc) Send(ctx context.Context, address string, payload Rendered) error {
	return f(ctx, address, payload)
}

func TestShutdownLetsInFlightSendFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sendErr error
	slow := senderFunc(func(ctx context.Context, _ string, _ Rendered) error {
		close(started)
		<-release
		sendErr = ctx.Err()
		return sendErr
	})
	attempts := &memAttempts{}
	d := New(Options{
		Preferences: webhookPrefs(),
		Senders:     map[domain.Channel]Sender{domain.ChannelWebhook: slow},
		Attempts:    attempts,
		SendTimeout: 5 * time.Second,
		Clock:       time2.NewMockClock(t0),
		Logger:      zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	require.NoError(t, d.Dispatch(intent()))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}
	cancel()
	time.Sleep(10 * time.Millisecond)
	close(release)
	<-done

	assert.NoError(t, sendErr)
	assert.True(t, attempts.has(domain.ChannelWebhook, 1, domain.DeliverySent))
	assert.False(t, attempts.has(domain.ChannelWebhook, 1, domain.DeliveryFailed))
	assert.False(t, attempts.has(domain.ChannelWebhook, 2, domain.DeliveryPending))
	assert.Zero(t, attempts.cancelledWrites())
}

func TestDuplicateDispatchIsIgnoredWhileInFlight(t *testing.T) {
	clock := time2.NewMockClock(t0)
	attempts := &memAttempts{}
	pushes := &ownerPushes{}
	d := New(Options{InApp: pushes, Attempts: attempts, Clock: clock, Logger: zerolog.Nop()})

	require.NoError(t, d.Dispatch(intent()))
	require.NoError(t, d.Dispatch(intent()))
	assert.Equal(t, 1, d.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return attempts.has(domain.ChannelInApp, 1, domain.DeliverySent) })
	cancel()
	<-done
	assert.Equal(t, 1, pushes.count())
	assert.ErrorIs(t, d.Dispatch(intent()), ErrStopped)
}

func TestDispatchValidatesIntent(t *testing.T) {
	d := New(Options{Logger: zerolog.Nop()})

	var cfgErr domain.ConfigurationError
	require.ErrorAs(t, d.Dispatch(domain.NotificationIntent{Kind: "alert"}), &cfgErr)
	assert.Equal(t, "recipient", cfgErr.Field)
	require.ErrorAs(t, d.Dispatch(domain.NotificationIntent{Recipient: "u"}), &cfgErr)
	assert.Equal(t, "kind", cfgErr.Field)

	var vErr domain.ValidationError
	require.ErrorAs(t, d.Dispatch(domain.NotificationIntent{Recipient: "u", Kind: "alert", Priority: "critical"}), &vErr)
}

func TestBackoffAfterReusesLastEntry(t *testing.T) {
	d := New(Options{Backoff: []time.Duration{time.Minute, 5 * time.Minute}, MaxAttempts: 5})
	assert.Equal(t, time.Minute, d.backoffAfter(1))
	assert.Equal(t, 5*time.Minute, d.backoffAfter(2))
	assert.Equal(t, 5*time.Minute, d.backoffAfter(4))
}
