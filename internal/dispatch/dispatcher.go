// Package dispatch delivers notification intents across the delivery channels
// enabled for their recipient, retrying failed sends on a fixed backoff
// schedule.
//
// Dispatch only queues work. A delay queue releases fan-out and delivery tasks
// to a bounded worker pool; retries are new tasks with a later notBefore, so
// attempt N+1 for a (intent, channel) pair is created only after attempt N has
// an outcome. Delivery outcomes surface through the attempt log, the logger
// and the Alerter, never back to the producer.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"auditline/internal/domain"
)

var ErrStopped = errors.New("dispatcher stopped")

const (
	DefaultMaxAttempts = 3
	DefaultWorkers     = 4
	DefaultSendTimeout = 10 * time.Second
)

// DefaultBackoff is the fixed retry schedule. Entry n-1 is the wait after
// attempt n fails.
var DefaultBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// Sender performs one delivery attempt. It must honor ctx.
type Sender interface {
	Send(ctx context.Context, address string, payload Rendered) error
}

type PreferenceStore interface {
	GetPreferences(ctx context.Context, ownerID string) (domain.Preferences, error)
}

// OwnerBroadcaster pushes to every live connection of an owner.
type OwnerBroadcaster interface {
	BroadcastToOwner(ownerID string, payload []byte) int
}

// AttemptLog records every state an attempt passes through.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
}

// Alerter receives deliveries that ran out of attempts.
type Alerter interface {
	DeliveryExhausted(ctx context.Context, intent domain.NotificationIntent, attempt domain.DeliveryAttempt)
}

type Options struct {
	Preferences PreferenceStore
	Senders     map[domain.Channel]Sender
	InApp       OwnerBroadcaster
	Attempts    AttemptLog
	Alerter     Alerter
	Workers     int
	MaxAttempts int
	Backoff     []time.Duration
	SendTimeout time.Duration
	Clock       time2.Clock
	Logger      zerolog.Logger
}

type Dispatcher struct {
	prefs       PreferenceStore
	senders     map[domain.Channel]Sender
	attempts    AttemptLog
	alerter     Alerter
	workers     int
	maxAttempts int
	backoff     []time.Duration
	sendTimeout time.Duration
	clock       time2.Clock
	log         zerolog.Logger

	queue   *delayQueue
	stopped atomic.Bool

	mu   sync.Mutex
	live map[string]map[domain.Channel]struct{}
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		prefs:       opts.Preferences,
		senders:     make(map[domain.Channel]Sender, len(opts.Senders)+1),
		attempts:    opts.Attempts,
		alerter:     opts.Alerter,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		sendTimeout: opts.SendTimeout,
		clock:       opts.Clock,
		log:         opts.Logger,
		live:        make(map[string]map[domain.Channel]struct{}),
	}
	for ch, s := range opts.Senders {
		if s != nil {
			d.senders[ch] = s
		}
	}
	if opts.InApp != nil {
		d.senders[domain.ChannelInApp] = inAppSender{opts.InApp}
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = DefaultMaxAttempts
	}
	if len(d.backoff) == 0 {
		d.backoff = DefaultBackoff
	}
	if d.sendTimeout <= 0 {
		d.sendTimeout = DefaultSendTimeout
	}
	if d.clock == nil {
		d.clock = time2.DefaultClock
	}
	d.queue = newDelayQueue(d.clock)
	return d
}

// Dispatch queues intent for delivery and returns immediately. Only malformed
// intents and a stopped dispatcher are reported.
func (d *Dispatcher) Dispatch(intent domain.NotificationIntent) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	if intent.Recipient == "" {
		return domain.ConfigurationError{Field: "recipient"}
	}
	if intent.Kind == "" {
		return domain.ConfigurationError{Field: "kind"}
	}
	if intent.Priority == "" {
		intent.Priority = domain.PriorityMedium
	}
	if !intent.Priority.Valid() {
		return domain.ValidationError{Field: "priority", Reason: string(intent.Priority)}
	}
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	now := d.clock.Now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}

	d.mu.Lock()
	if _, busy := d.live[intent.ID]; busy {
		d.mu.Unlock()
		d.log.Warn().Str("intent_id", intent.ID).Msg("intent already in flight; ignoring duplicate dispatch")
		return nil
	}
	d.live[intent.ID] = make(map[domain.Channel]struct{})
	d.mu.Unlock()

	d.queue.push(&task{intent: intent, notBefore: now})
	d.log.Debug().Str("intent_id", intent.ID).Str("kind", intent.Kind).Str("recipient", intent.Recipient).Msg("intent queued")
	return nil
}

// Run processes queued work with the configured worker pool until ctx is
// done. Dispatch fails with ErrStopped afterwards.
func (d *Dispatcher) Run(ctx context.Context) {
	ready := make(chan *task)
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ready:
					d.process(ctx, t)
				}
			}
		}()
	}
	d.queue.run(ctx, ready)
	d.stopped.Store(true)
	wg.Wait()
}

// Pending returns the number of tasks waiting in the delay queue.
func (d *Dispatcher) Pending() int {
	return d.queue.len()
}

// process runs one task to completion even if Run is cancelled meanwhile, so
// a shutdown does not turn an in-flight send into a failure. The send itself
// stays bounded by the send timeout.
func (d *Dispatcher) process(ctx context.Context, t *task) {
	ctx = context.WithoutCancel(ctx)
	if t.channel == "" {
		d.fanOut(ctx, t.intent)
		return
	}
	d.deliver(ctx, t)
}

type target struct {
	channel domain.Channel
	address string
}

func (d *Dispatcher) targets(ctx context.Context, intent domain.NotificationIntent) []target {
	out := []target{}
	if _, ok := d.senders[domain.ChannelInApp]; ok {
		out = append(out, target{domain.ChannelInApp, intent.Recipient})
	}
	if d.prefs == nil {
		return out
	}
	prefs, err := d.prefs.GetPreferences(ctx, intent.Recipient)
	if err != nil {
		d.log.Warn().Err(err).Str("recipient", intent.Recipient).Msg("resolve preferences; delivering in-app only")
		return out
	}
	add := func(enabled bool, ch domain.Channel, address string) {
		if !enabled {
			return
		}
		if address == "" {
			d.log.Debug().Str("recipient", intent.Recipient).Str("channel", string(ch)).Msg("channel enabled without address")
			return
		}
		if _, ok := d.senders[ch]; !ok {
			d.log.Debug().Str("channel", string(ch)).Msg("no sender configured")
			return
		}
		out = append(out, target{ch, address})
	}
	add(prefs.EmailEnabled, domain.ChannelEmail, prefs.EmailAddress)
	add(prefs.ChatEnabled, domain.ChannelChat, prefs.ChatTargetURL)
	add(prefs.WebhookEnabled, domain.ChannelWebhook, prefs.WebhookURL)
	return out
}

func (d *Dispatcher) fanOut(ctx context.Context, intent domain.NotificationIntent) {
	now := d.clock.Now()
	var tasks []*task
	for _, tg := range d.targets(ctx, intent) {
		payload, err := Render(tg.channel, intent, now)
		if err != nil {
			d.log.Error().Err(err).Str("intent_id", intent.ID).Str("channel", string(tg.channel)).Msg("render payload")
			continue
		}
		tasks = append(tasks, &task{
			intent:    intent,
			channel:   tg.channel,
			address:   tg.address,
			payload:   payload,
			attempt:   1,
			notBefore: now,
		})
	}

	// All pairs are claimed before the first push.
	d.mu.Lock()
	chans, ok := d.live[intent.ID]
	if !ok {
		chans = make(map[domain.Channel]struct{})
		d.live[intent.ID] = chans
	}
	for _, t := range tasks {
		chans[t.channel] = struct{}{}
	}
	d.mu.Unlock()

	for _, t := range tasks {
		d.record(ctx, t, domain.DeliveryPending, nil, "")
		d.queue.push(t)
	}
	d.finish(intent.ID, "")
}

func (d *Dispatcher) deliver(ctx context.Context, t *task) {
	sender := d.senders[t.channel]
	err := d.send(ctx, sender, t)
	now := d.clock.Now()
	logger := d.log.With().
		Str("intent_id", t.intent.ID).
		Str("channel", string(t.channel)).
		Int("attempt", t.attempt).
		Logger()

	if err == nil {
		d.record(ctx, t, domain.DeliverySent, &now, "")
		logger.Info().Msg("delivered")
		d.finish(t.intent.ID, t.channel)
		return
	}

	derr := &domain.DeliveryError{Channel: t.channel, Attempt: t.attempt, Err: err}
	if t.attempt >= d.maxAttempts {
		attempt := d.record(ctx, t, domain.DeliveryExhausted, &now, derr.Error())
		logger.Error().Err(derr).Msg("delivery exhausted")
		if d.alerter != nil {
			d.alerter.DeliveryExhausted(ctx, t.intent, attempt)
		}
		d.finish(t.intent.ID, t.channel)
		return
	}

	d.record(ctx, t, domain.DeliveryFailed, &now, derr.Error())
	next := *t
	next.attempt = t.attempt + 1
	next.notBefore = now.Add(d.backoffAfter(t.attempt))
	logger.Warn().Err(derr).Time("retry_at", next.notBefore).Msg("delivery failed; retry scheduled")
	d.record(ctx, &next, domain.DeliveryPending, nil, "")
	d.queue.push(&next)
}

// send bounds the sender call by the send timeout even if the sender ignores
// its context.
func (d *Dispatcher) send(ctx context.Context, sender Sender, t *task) error {
	if sender == nil {
		return errors.New("no sender for channel")
	}
	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- sender.Send(sctx, t.address, t.payload)
	}()
	select {
	case err := <-done:
		return err
	case <-sctx.Done():
		return sctx.Err()
	}
}

func (d *Dispatcher) backoffAfter(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(d.backoff) {
		i = len(d.backoff) - 1
	}
	if i < 0 {
		i = 0
	}
	return d.backoff[i]
}

func (d *Dispatcher) record(ctx context.Context, t *task, status domain.DeliveryStatus, completedAt *time.Time, detail string) domain.DeliveryAttempt {
	a := domain.DeliveryAttempt{
		IntentID:      t.intent.ID,
		Recipient:     t.intent.Recipient,
		Channel:       t.channel,
		Status:        status,
		AttemptNumber: t.attempt,
		ScheduledAt:   t.notBefore,
		CompletedAt:   completedAt,
		ErrorDetail:   detail,
	}
	if d.attempts == nil {
		return a
	}
	if err := d.attempts.RecordAttempt(ctx, a); err != nil {
		d.log.Warn().Err(err).Str("intent_id", a.IntentID).Str("channel", string(a.Channel)).Msg("record delivery attempt")
	}
	return a
}

// finish releases the (intent, channel) pair; an empty channel only checks
// whether the intent has anything left in flight.
func (d *Dispatcher) finish(intentID string, ch domain.Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	chans, ok := d.live[intentID]
	if !ok {
		return
	}
	if ch != "" {
		delete(chans, ch)
	}
	if len(chans) == 0 {
		delete(d.live, intentID)
	}
}

// inAppSender pushes to the recipient's live connections. Having none is not
// a failure: in-app pushes to offline owners are dropped.
type inAppSender struct {
	b OwnerBroadcaster
}

func (s inAppSender) Send(_ context.Context, ownerID string, payload Rendered) error {
	s.b.BroadcastToOwner(ownerID, payload.Body)
	return nil
}
