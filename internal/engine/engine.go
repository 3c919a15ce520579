// Package engine owns roadmap state and drives phase progression. Completing
// the last open action of a phase commits the phase transition and then
// notifies the owner and the organization's dashboards.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"auditline/internal/config"
	"auditline/internal/domain"
	"auditline/internal/events"
	"auditline/internal/repo"
)

// Notifier accepts notification intents. Dispatch must not block on delivery.
type Notifier interface {
	Dispatch(intent domain.NotificationIntent) error
}

// Publisher pushes a typed message to every connection subscribed to channel.
type Publisher interface {
	Publish(channel string, typ domain.PushType, data any) (int, error)
}

// Estimator predicts when a phase will be finished if work starts at now.
type Estimator interface {
	Estimate(phase domain.Phase, now time.Time) time.Time
}

// PerActionEstimator charges a fixed duration for every action of a phase.
// It is a planning heuristic, not a commitment.
type PerActionEstimator struct {
	PerAction time.Duration
}

func (p PerActionEstimator) Estimate(phase domain.Phase, now time.Time) time.Time {
	per := p.PerAction
	if per <= 0 {
		per = 4 * time.Hour
	}
	return now.Add(time.Duration(len(phase.Actions)) * per)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
	Notifier  Notifier
	Publisher Publisher
	Estimator Estimator
	Logger    zerolog.Logger

	locks *roadmapLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Now:       time.Now,
		Estimator: PerActionEstimator{PerAction: cfg.Roadmap.PerActionEstimate},
		Logger:    zerolog.Nop(),
		locks:     newRoadmapLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

type actorKey struct{}

// WithActor tags ctx with the id recorded as actor on events.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}

type ActionInput struct {
	ID    string
	Title string
}

type PhaseInput struct {
	Name    string
	Actions []ActionInput
}

// RoadmapCreateOptions are parameters for creating a roadmap.
type RoadmapCreateOptions struct {
	ID      string
	OwnerID string
	OrgID   string
	Title   string
	Phases  []PhaseInput
}

func (e Engine) CreateRoadmap(ctx context.Context, opts RoadmapCreateOptions) (domain.Roadmap, error) {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return domain.Roadmap{}, domain.ConfigurationError{Field: "owner_id"}
	}
	if strings.TrimSpace(opts.OrgID) == "" {
		return domain.Roadmap{}, domain.ConfigurationError{Field: "org_id"}
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Roadmap{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	if len(opts.Phases) == 0 {
		return domain.Roadmap{}, domain.ValidationError{Field: "phases", Reason: "at least one phase is required"}
	}
	now := e.now()
	rm := domain.Roadmap{
		ID:        opts.ID,
		OwnerID:   opts.OwnerID,
		OrgID:     opts.OrgID,
		Title:     opts.Title,
		Phases:    make([]domain.Phase, 0, len(opts.Phases)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if rm.ID == "" {
		rm.ID = uuid.NewString()
	}
	for i, in := range opts.Phases {
		if strings.TrimSpace(in.Name) == "" {
			return domain.Roadmap{}, domain.ValidationError{Field: fmt.Sprintf("phases[%d].name", i), Reason: "required"}
		}
		if len(in.Actions) == 0 {
			return domain.Roadmap{}, domain.ValidationError{Field: fmt.Sprintf("phases[%d].actions", i), Reason: "at least one action is required"}
		}
		phase := domain.Phase{SequenceIndex: i, Name: in.Name, Actions: make([]domain.Action, 0, len(in.Actions))}
		seen := map[string]bool{}
		for j, a := range in.Actions {
			if strings.TrimSpace(a.Title) == "" {
				return domain.Roadmap{}, domain.ValidationError{Field: fmt.Sprintf("phases[%d].actions[%d].title", i, j), Reason: "required"}
			}
			id := a.ID
			if id == "" {
				id = uuid.NewString()
			}
			if seen[id] {
				return domain.Roadmap{}, domain.ValidationError{Field: fmt.Sprintf("phases[%d].actions[%d].id", i, j), Reason: "duplicate action id " + id}
			}
			seen[id] = true
			phase.Actions = append(phase.Actions, domain.Action{ID: id, Title: a.Title})
		}
		rm.Phases = append(rm.Phases, phase)
	}
	est := e.estimator().Estimate(rm.Phases[0], now)
	rm.Phases[0].EstimatedCompletionAt = &est

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Roadmap{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRoadmap(ctx, tx, rm); err != nil {
		return domain.Roadmap{}, fmt.Errorf("insert roadmap: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type:       events.RoadmapCreated,
		OrgID:      rm.OrgID,
		EntityKind: "roadmap",
		EntityID:   rm.ID,
		ActorID:    actorFrom(ctx),
		Payload:    events.EventPayload{"title": rm.Title, "owner_id": rm.OwnerID, "phases": len(rm.Phases)},
	}); err != nil {
		return domain.Roadmap{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Roadmap{}, err
	}
	return rm, nil
}

func (e Engine) GetRoadmap(ctx context.Context, id string) (domain.Roadmap, error) {
	rm, err := e.Repo.GetRoadmap(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return rm, domain.NotFoundError{Kind: "roadmap", Ref: id}
	}
	return rm, err
}

// CompleteAction marks actionID in phase phaseIndex complete. The new state,
// including any phase completedAt and next-phase estimate, is committed before
// side effects run; side-effect failures are logged and never undo it.
func (e Engine) CompleteAction(ctx context.Context, roadmapID string, phaseIndex int, actionID string) (domain.Roadmap, error) {
	unlock := e.lockRoadmap(roadmapID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Roadmap{}, err
	}
	defer tx.Rollback()

	rm, err := e.Repo.GetRoadmapTx(ctx, tx, roadmapID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Roadmap{}, domain.NotFoundError{Kind: "roadmap", Ref: roadmapID}
	}
	if err != nil {
		return domain.Roadmap{}, err
	}
	now := e.now()
	res, err := rm.CompleteAction(phaseIndex, actionID, now)
	if err != nil {
		return domain.Roadmap{}, err
	}
	if !res.ActionChanged && !res.PhaseCompleted {
		return rm, nil
	}

	var next *domain.Phase
	if res.PhaseCompleted {
		if p, ok := rm.NextPhase(phaseIndex); ok {
			est := e.estimator().Estimate(*p, now)
			p.EstimatedCompletionAt = &est
			next = p
		}
	}
	if err := e.Repo.SaveRoadmapProgress(ctx, tx, rm); err != nil {
		return domain.Roadmap{}, fmt.Errorf("save roadmap: %w", err)
	}

	actor := actorFrom(ctx)
	phase := rm.Phases[phaseIndex]
	if res.ActionChanged {
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type:       events.ActionCompleted,
			OrgID:      rm.OrgID,
			EntityKind: "action",
			EntityID:   actionID,
			ActorID:    actor,
			Payload: events.EventPayload{
				"roadmap_id":       rm.ID,
				"phase_index":      phaseIndex,
				"overall_progress": rm.OverallProgress,
			},
		}); err != nil {
			return domain.Roadmap{}, err
		}
	}
	if res.PhaseCompleted {
		payload := events.EventPayload{"roadmap_id": rm.ID, "phase_index": phaseIndex, "name": phase.Name}
		if next != nil {
			payload["next_phase_estimate"] = next.EstimatedCompletionAt.Format(time.RFC3339)
		}
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type:       events.PhaseCompleted,
			OrgID:      rm.OrgID,
			EntityKind: "phase",
			EntityID:   fmt.Sprintf("%s/%d", rm.ID, phaseIndex),
			ActorID:    actor,
			Payload:    payload,
		}); err != nil {
			return domain.Roadmap{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Roadmap{}, err
	}

	if res.PhaseCompleted {
		e.phaseCompleted(rm, phaseIndex, next)
	}
	return rm, nil
}

// RoadmapUpdate is the data of a roadmap_update push.
type RoadmapUpdate struct {
	RoadmapID         string     `json:"roadmap_id"`
	PhaseIndex        int        `json:"phase_index"`
	PhaseName         string     `json:"phase_name"`
	PhaseState        string     `json:"phase_state"`
	OverallProgress   int        `json:"overall_progress"`
	NextPhaseIndex    *int       `json:"next_phase_index,omitempty"`
	NextPhaseEstimate *time.Time `json:"next_phase_estimate,omitempty"`
}

func (e Engine) phaseCompleted(rm domain.Roadmap, phaseIndex int, next *domain.Phase) {
	phase := rm.Phases[phaseIndex]
	log := e.Logger.With().Str("roadmap_id", rm.ID).Int("phase_index", phaseIndex).Logger()

	if e.Notifier != nil {
		intent := domain.NotificationIntent{
			Recipient: rm.OwnerID,
			Kind:      domain.KindPhaseComplete,
			Title:     fmt.Sprintf("Phase complete: %s", phase.Name),
			Body:      fmt.Sprintf("%s: phase %d of %d is complete. Overall progress is %d%%.", rm.Title, phaseIndex+1, len(rm.Phases), rm.OverallProgress),
			Priority:  domain.PriorityMedium,
			Metadata: map[string]string{
				"roadmap_id":       rm.ID,
				"org_id":           rm.OrgID,
				"phase_index":      fmt.Sprint(phaseIndex),
				"overall_progress": fmt.Sprint(rm.OverallProgress),
			},
		}
		if next != nil && next.EstimatedCompletionAt != nil {
			intent.Metadata["next_phase"] = next.Name
			intent.Metadata["next_phase_estimate"] = next.EstimatedCompletionAt.Format(time.RFC3339)
		}
		if err := e.Notifier.Dispatch(intent); err != nil {
			log.Error().Err(err).Msg("dispatch phase-complete intent")
		}
	}

	if e.Publisher != nil {
		update := RoadmapUpdate{
			RoadmapID:       rm.ID,
			PhaseIndex:      phaseIndex,
			PhaseName:       phase.Name,
			PhaseState:      string(phase.State()),
			OverallProgress: rm.OverallProgress,
		}
		if next != nil {
			idx := next.SequenceIndex
			update.NextPhaseIndex = &idx
			update.NextPhaseEstimate = next.EstimatedCompletionAt
		}
		n, err := e.Publisher.Publish(rm.OrgChannel(), domain.PushRoadmapUpdate, update)
		if err != nil {
			log.Error().Err(err).Msg("publish roadmap update")
		} else {
			log.Debug().Int("connections", n).Msg("roadmap update published")
		}
	}
	log.Info().Str("phase", phase.Name).Int("overall_progress", rm.OverallProgress).Msg("phase completed")
}

func (e Engine) estimator() Estimator {
	if e.Estimator != nil {
		return e.Estimator
	}
	per := time.Duration(0)
	if e.Config != nil {
		per = e.Config.Roadmap.PerActionEstimate
	}
	return PerActionEstimator{PerAction: per}
}

func (e Engine) lockRoadmap(id string) func() {
	if e.locks == nil {
		return fallbackLocks.lock(id)
	}
	return e.locks.lock(id)
}

// fallbackLocks serializes engines built without New.
var fallbackLocks = newRoadmapLocks()

// roadmapLocks hands out one mutex per roadmap id and forgets it once no
// caller holds or waits for it.
type roadmapLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newRoadmapLocks() *roadmapLocks {
	return &roadmapLocks{locks: make(map[string]*refMutex)}
}

func (l *roadmapLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &refMutex{}
		l.locks[id] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
