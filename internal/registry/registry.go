// Package registry tracks live client connections and fans payloads out to
// them by channel or by owner.
//
// Connections live in one flat table keyed by id. Two secondary indices, by
// owner and by channel, are updated together with the table under the write
// lock. Broadcasts copy their targets under the read lock and write outside
// it, so a slow or dead transport never holds the registry. Heartbeats only
// touch an atomic timestamp and never take the write lock.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/rs/zerolog"

	"auditline/internal/domain"
)

var (
	ErrClosed            = errors.New("transport closed")
	ErrBackpressure      = errors.New("transport send buffer full")
	ErrUnknownConnection = errors.New("connection not registered")
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
	recordQueueSize      = 256
)

// Transport is the write side of a client socket. Write must not block: it
// returns ErrBackpressure or ErrClosed when the payload cannot be queued.
type Transport interface {
	Write(payload []byte) error
	Close() error
}

// Connection is what a transport layer hands to Register.
type Connection struct {
	ID        string
	OwnerID   string
	Transport Transport
}

// Recorder persists connection bookkeeping. It is never read back.
type Recorder interface {
	ConnectionOpened(ctx context.Context, rec domain.ConnectionRecord) error
	ConnectionClosed(ctx context.Context, rec domain.ConnectionRecord) error
}

// ConnectionInfo is a copy of one connection's state.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Subscriptions []string  `json:"subscriptions"`
	LastLiveness  time.Time `json:"last_liveness"`
}

type Stats struct {
	Connections int `json:"connections"`
	Owners      int `json:"owners"`
	Channels    int `json:"channels"`
}

type Options struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Clock         time2.Clock
	Recorder      Recorder
	Logger        zerolog.Logger
}

type entry struct {
	id        string
	owner     string
	transport Transport
	openedAt  time.Time
	subs      map[string]struct{}
	liveness  atomic.Int64
}

type recordOp struct {
	opened bool
	rec    domain.ConnectionRecord
}

type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*entry
	byOwner   map[string]map[string]*entry
	byChannel map[string]map[string]*entry

	timeout       time.Duration
	sweepInterval time.Duration
	clock         time2.Clock
	recorder      Recorder
	records       chan recordOp
	log           zerolog.Logger
}

func New(opts Options) *Registry {
	r := &Registry{
		conns:         make(map[string]*entry),
		byOwner:       make(map[string]map[string]*entry),
		byChannel:     make(map[string]map[string]*entry),
		timeout:       opts.Timeout,
		sweepInterval: opts.SweepInterval,
		clock:         opts.Clock,
		recorder:      opts.Recorder,
		log:           opts.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.sweepInterval <= 0 {
		r.sweepInterval = DefaultSweepInterval
	}
	if r.clock == nil {
		r.clock = time2.DefaultClock
	}
	if r.recorder != nil {
		r.records = make(chan recordOp, recordQueueSize)
	}
	return r
}

// Register adds a connection under its owner.
func (r *Registry) Register(c Connection) error {
	if c.OwnerID == "" {
		return domain.ConfigurationError{Field: "owner"}
	}
	if c.ID == "" {
		return domain.ConfigurationError{Field: "connection id"}
	}
	if c.Transport == nil {
		return domain.ConfigurationError{Field: "transport"}
	}
	now := r.clock.Now()
	e := &entry{
		id:        c.ID,
		owner:     c.OwnerID,
		transport: c.Transport,
		openedAt:  now,
		subs:      make(map[string]struct{}),
	}
	e.liveness.Store(now.UnixNano())

	r.mu.Lock()
	if _, exists := r.conns[c.ID]; exists {
		r.mu.Unlock()
		return domain.ValidationError{Field: "connection id", Reason: "already registered"}
	}
	r.conns[c.ID] = e
	addIndex(r.byOwner, c.OwnerID, e)
	r.mu.Unlock()

	r.log.Debug().Str("connection_id", c.ID).Str("owner_id", c.OwnerID).Msg("connection registered")
	r.record(recordOp{opened: true, rec: domain.ConnectionRecord{ID: c.ID, OwnerID: c.OwnerID, Active: true, OpenedAt: now}})
	return nil
}

// Subscribe adds channel to the connection's subscriptions. Subscribing twice
// is a no-op.
func (r *Registry) Subscribe(connectionID, channel string) error {
	if channel == "" {
		return domain.ValidationError{Field: "channel", Reason: "empty"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return ErrUnknownConnection
	}
	if _, ok := e.subs[channel]; ok {
		return nil
	}
	e.subs[channel] = struct{}{}
	addIndex(r.byChannel, channel, e)
	return nil
}

// Unsubscribe removes channel from the connection's subscriptions. Unknown
// connections and channels are ignored.
func (r *Registry) Unsubscribe(connectionID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	if _, ok := e.subs[channel]; !ok {
		return nil
	}
	delete(e.subs, channel)
	removeIndex(r.byChannel, channel, e.id)
	return nil
}

// RecordLiveness marks the connection as alive now.
func (r *Registry) RecordLiveness(connectionID string) {
	r.mu.RLock()
	e, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.liveness.Store(r.clock.Now().UnixNano())
}

// Deregister removes the connection from all indices. It does not close the
// transport; use Close for that.
func (r *Registry) Deregister(connectionID string) {
	r.deregister(connectionID, "closed")
}

// Close deregisters the connection and closes its transport.
func (r *Registry) Close(connectionID, reason string) {
	r.closeIf(connectionID, reason, nil)
}

// closeIf is Close guarded by cond, which is evaluated under the write lock.
// It reports whether the connection was closed.
func (r *Registry) closeIf(connectionID, reason string, cond func(*entry) bool) bool {
	e := r.deregisterIf(connectionID, reason, cond)
	if e == nil {
		return false
	}
	if err := e.transport.Close(); err != nil {
		r.log.Debug().Err(err).Str("connection_id", connectionID).Msg("close transport")
	}
	return true
}

// UnsubscribeAll drops every subscription and ends the connection.
func (r *Registry) UnsubscribeAll(connectionID string) {
	r.Close(connectionID, "unsubscribe_all")
}

func (r *Registry) deregister(connectionID, reason string) *entry {
	return r.deregisterIf(connectionID, reason, nil)
}

func (r *Registry) deregisterIf(connectionID, reason string, cond func(*entry) bool) *entry {
	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if !ok || (cond != nil && !cond(e)) {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connectionID)
	removeIndex(r.byOwner, e.owner, e.id)
	for ch := range e.subs {
		removeIndex(r.byChannel, ch, e.id)
	}
	r.mu.Unlock()

	now := r.clock.Now()
	r.log.Debug().Str("connection_id", e.id).Str("owner_id", e.owner).Str("reason", reason).Msg("connection deregistered")
	r.record(recordOp{rec: domain.ConnectionRecord{
		ID:       e.id,
		OwnerID:  e.owner,
		Active:   false,
		OpenedAt: e.openedAt,
		ClosedAt: &now,
		Reason:   reason,
	}})
	return e
}

// Send pushes payload to one connection. Failures are reported, never retried.
func (r *Registry) Send(connectionID string, payload []byte) error {
	r.mu.RLock()
	e, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return &domain.TransportError{ConnectionID: connectionID, Err: ErrUnknownConnection}
	}
	if err := e.transport.Write(payload); err != nil {
		return &domain.TransportError{ConnectionID: connectionID, Err: err}
	}
	return nil
}

// BroadcastToChannel pushes payload to every connection subscribed to channel
// and returns the number of successful writes.
func (r *Registry) BroadcastToChannel(channel string, payload []byte) int {
	r.mu.RLock()
	targets := snapshot(r.byChannel[channel])
	r.mu.RUnlock()
	return r.fanOut(targets, payload, "channel", channel)
}

// BroadcastToOwner pushes payload to every connection of owner.
func (r *Registry) BroadcastToOwner(ownerID string, payload []byte) int {
	r.mu.RLock()
	targets := snapshot(r.byOwner[ownerID])
	r.mu.RUnlock()
	return r.fanOut(targets, payload, "owner", ownerID)
}

func (r *Registry) fanOut(targets []*entry, payload []byte, scope, key string) int {
	sent := 0
	for _, e := range targets {
		if err := e.transport.Write(payload); err != nil {
			r.log.Debug().Err(err).Str("connection_id", e.id).Str(scope, key).Msg("push failed")
			continue
		}
		sent++
	}
	return sent
}

// Sweep closes every connection without a heartbeat for longer than the
// timeout and returns how many were closed.
func (r *Registry) Sweep() int {
	cutoff := r.clock.Now().Add(-r.timeout).UnixNano()
	r.mu.RLock()
	var stale []string
	for id, e := range r.conns {
		if e.liveness.Load() < cutoff {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()
	closed := 0
	for _, id := range stale {
		if r.closeStale(id, cutoff) {
			closed++
		}
	}
	if closed > 0 {
		r.log.Info().Int("closed", closed).Msg("liveness sweep closed stale connections")
	}
	return closed
}

// closeStale closes the connection only if it is still past cutoff, so a
// heartbeat that lands after the scan keeps it alive.
func (r *Registry) closeStale(connectionID string, cutoff int64) bool {
	return r.closeIf(connectionID, "liveness_timeout", func(e *entry) bool {
		return e.liveness.Load() < cutoff
	})
}

// Run sweeps on the configured interval and drains connection records until
// ctx is done.
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if r.records != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.drainRecords(ctx)
		}()
	}
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-r.clock.After(r.sweepInterval):
			r.Sweep()
		}
	}
}

func (r *Registry) record(op recordOp) {
	if r.records == nil {
		return
	}
	select {
	case r.records <- op:
	default:
		r.log.Warn().Str("connection_id", op.rec.ID).Msg("connection record queue full; dropping record")
	}
}

func (r *Registry) drainRecords(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-r.records:
			var err error
			if op.opened {
				err = r.recorder.ConnectionOpened(ctx, op.rec)
			} else {
				err = r.recorder.ConnectionClosed(ctx, op.rec)
			}
			if err != nil {
				r.log.Warn().Err(err).Str("connection_id", op.rec.ID).Msg("persist connection record")
			}
		}
	}
}

// Snapshot returns a copy of every live connection, ordered by id.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, e := range r.conns {
		subs := make([]string, 0, len(e.subs))
		for ch := range e.subs {
			subs = append(subs, ch)
		}
		sort.Strings(subs)
		out = append(out, ConnectionInfo{
			ID:            e.id,
			OwnerID:       e.owner,
			Subscriptions: subs,
			LastLiveness:  time.Unix(0, e.liveness.Load()).UTC(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), Owners: len(r.byOwner), Channels: len(r.byChannel)}
}

func addIndex(idx map[string]map[string]*entry, key string, e *entry) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]*entry)
		idx[key] = set
	}
	set[e.id] = e
}

func removeIndex(idx map[string]map[string]*entry, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func snapshot(set map[string]*entry) []*entry {
	out := make([]*entry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	return out
}
