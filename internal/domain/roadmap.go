package domain

import (
	"math"
	"strconv"
	"time"
)

type PhaseState string

const (
	PhasePending    PhaseState = "pending"
	PhaseInProgress PhaseState = "in_progress"
	PhaseCompleted  PhaseState = "completed"
)

type Action struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Phase struct {
	SequenceIndex         int        `json:"sequence_index"`
	Name                  string     `json:"name"`
	Actions               []Action   `json:"actions"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	EstimatedCompletionAt *time.Time `json:"estimated_completion_at,omitempty"`
}

// State derives the phase state from its actions.
func (p Phase) State() PhaseState {
	if p.CompletedAt != nil {
		return PhaseCompleted
	}
	done := p.completedCount()
	switch {
	case len(p.Actions) > 0 && done == len(p.Actions):
		return PhaseCompleted
	case done > 0:
		return PhaseInProgress
	default:
		return PhasePending
	}
}

func (p Phase) completedCount() int {
	n := 0
	for _, a := range p.Actions {
		if a.Completed {
			n++
		}
	}
	return n
}

func (p Phase) allCompleted() bool {
	return len(p.Actions) > 0 && p.completedCount() == len(p.Actions)
}

type Roadmap struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	OrgID           string    `json:"org_id"`
	Title           string    `json:"title"`
	Phases          []Phase   `json:"phases"`
	OverallProgress int       `json:"overall_progress"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OrgChannel is the broadcast channel for dashboards of the roadmap's organization.
func (r Roadmap) OrgChannel() string {
	return OrgChannel(r.OrgID)
}

func OrgChannel(orgID string) string { return "org:" + orgID }

func UserChannel(ownerID string) string { return "user:" + ownerID }

// Progress returns round(100 * completed / total) across all phases.
func (r Roadmap) Progress() int {
	total, done := 0, 0
	for _, p := range r.Phases {
		total += len(p.Actions)
		done += p.completedCount()
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}

// ActionResult describes what CompleteAction changed.
type ActionResult struct {
	ActionChanged  bool
	PhaseCompleted bool
}

// CompleteAction marks an action complete and closes the phase when it was
// the last open action. Completing a completed action changes nothing.
func (r *Roadmap) CompleteAction(phaseIndex int, actionID string, now time.Time) (ActionResult, error) {
	if phaseIndex < 0 || phaseIndex >= len(r.Phases) {
		return ActionResult{}, NotFoundError{Kind: "phase", Ref: strconv.Itoa(phaseIndex)}
	}
	phase := &r.Phases[phaseIndex]
	idx := -1
	for i := range phase.Actions {
		if phase.Actions[i].ID == actionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ActionResult{}, NotFoundError{Kind: "action", Ref: actionID}
	}
	var res ActionResult
	action := &phase.Actions[idx]
	if !action.Completed {
		ts := now
		action.Completed = true
		action.CompletedAt = &ts
		res.ActionChanged = true
	}
	if phase.CompletedAt == nil && phase.allCompleted() {
		ts := now
		phase.CompletedAt = &ts
		res.PhaseCompleted = true
	}
	r.OverallProgress = r.Progress()
	if res.ActionChanged {
		r.UpdatedAt = now
	}
	return res, nil
}

// NextPhase returns the phase following index, if any.
func (r *Roadmap) NextPhase(index int) (*Phase, bool) {
	if index+1 < 0 || index+1 >= len(r.Phases) {
		return nil, false
	}
	return &r.Phases[index+1], true
}
