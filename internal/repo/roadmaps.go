package repo

import (
	"context"
	"database/sql"

	"auditline/internal/domain"
)

// InsertRoadmap stores a roadmap with its phases and actions.
func (r Repo) InsertRoadmap(ctx context.Context, tx *sql.Tx, rm domain.Roadmap) error {
	ex := r.exec(tx)
	_, err := ex.ExecContext(ctx, `INSERT INTO roadmaps(id,owner_id,org_id,title,overall_progress,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		rm.ID, rm.OwnerID, rm.OrgID, rm.Title, rm.OverallProgress, formatTime(rm.CreatedAt), formatTime(rm.UpdatedAt))
	if err != nil {
		return err
	}
	for _, p := range rm.Phases {
		_, err := ex.ExecContext(ctx, `INSERT INTO phases(roadmap_id,sequence_index,name,completed_at,estimated_completion_at) VALUES (?,?,?,?,?)`,
			rm.ID, p.SequenceIndex, p.Name, formatTimePtr(p.CompletedAt), formatTimePtr(p.EstimatedCompletionAt))
		if err != nil {
			return err
		}
		for pos, a := range p.Actions {
			_, err := ex.ExecContext(ctx, `INSERT INTO actions(roadmap_id,phase_index,id,position,title,completed,completed_at) VALUES (?,?,?,?,?,?,?)`,
				rm.ID, p.SequenceIndex, a.ID, pos, a.Title, boolInt(a.Completed), formatTimePtr(a.CompletedAt))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveRoadmapProgress writes the mutable state of a roadmap: action
// completion, phase timestamps and overall progress.
func (r Repo) SaveRoadmapProgress(ctx context.Context, tx *sql.Tx, rm domain.Roadmap) error {
	ex := r.exec(tx)
	res, err := ex.ExecContext(ctx, `UPDATE roadmaps SET overall_progress=?, updated_at=? WHERE id=?`,
		rm.OverallProgress, formatTime(rm.UpdatedAt), rm.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, p := range rm.Phases {
		if _, err := ex.ExecContext(ctx, `UPDATE phases SET completed_at=?, estimated_completion_at=? WHERE roadmap_id=? AND sequence_index=?`,
			formatTimePtr(p.CompletedAt), formatTimePtr(p.EstimatedCompletionAt), rm.ID, p.SequenceIndex); err != nil {
			return err
		}
		for _, a := range p.Actions {
			if _, err := ex.ExecContext(ctx, `UPDATE actions SET completed=?, completed_at=? WHERE roadmap_id=? AND phase_index=? AND id=?`,
				boolInt(a.Completed), formatTimePtr(a.CompletedAt), rm.ID, p.SequenceIndex, a.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Repo) GetRoadmap(ctx context.Context, id string) (domain.Roadmap, error) {
	return r.GetRoadmapTx(ctx, nil, id)
}

// GetRoadmapTx loads a roadmap with phases ordered by sequence index and
// actions in insertion order.
func (r Repo) GetRoadmapTx(ctx context.Context, tx *sql.Tx, id string) (domain.Roadmap, error) {
	q := r.query(tx)
	var rm domain.Roadmap
	var createdAt, updatedAt string
	err := q.QueryRowContext(ctx, `SELECT id,owner_id,org_id,title,overall_progress,created_at,updated_at FROM roadmaps WHERE id=?`, id).
		Scan(&rm.ID, &rm.OwnerID, &rm.OrgID, &rm.Title, &rm.OverallProgress, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return rm, ErrNotFound
	}
	if err != nil {
		return rm, err
	}
	if rm.CreatedAt, err = parseTime(createdAt); err != nil {
		return rm, err
	}
	if rm.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return rm, err
	}

	phases, err := r.loadPhases(ctx, q, id)
	if err != nil {
		return rm, err
	}
	rm.Phases = phases
	return rm, nil
}

func (r Repo) loadPhases(ctx context.Context, q querier, roadmapID string) ([]domain.Phase, error) {
	rows, err := q.QueryContext(ctx, `SELECT sequence_index,name,completed_at,estimated_completion_at FROM phases WHERE roadmap_id=? ORDER BY sequence_index`, roadmapID)
	if err != nil {
		return nil, err
	}
	var phases []domain.Phase
	for rows.Next() {
		var p domain.Phase
		var completedAt, estimate sql.NullString
		if err := rows.Scan(&p.SequenceIndex, &p.Name, &completedAt, &estimate); err != nil {
			rows.Close()
			return nil, err
		}
		if p.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if p.EstimatedCompletionAt, err = parseTimePtr(estimate); err != nil {
			rows.Close()
			return nil, err
		}
		p.Actions = []domain.Action{}
		phases = append(phases, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byIndex := make(map[int]int, len(phases))
	for i, p := range phases {
		byIndex[p.SequenceIndex] = i
	}
	arows, err := q.QueryContext(ctx, `SELECT phase_index,id,title,completed,completed_at FROM actions WHERE roadmap_id=? ORDER BY phase_index, position`, roadmapID)
	if err != nil {
		return nil, err
	}
	defer arows.Close()
	for arows.Next() {
		var idx, completed int
		var a domain.Action
		var completedAt sql.NullString
		if err := arows.Scan(&idx, &a.ID, &a.Title, &completed, &completedAt); err != nil {
			return nil, err
		}
		a.Completed = completed == 1
		if a.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		if i, ok := byIndex[idx]; ok {
			phases[i].Actions = append(phases[i].Actions, a)
		}
	}
	return phases, arows.Err()
}

type RoadmapSummary struct {
	ID              string `json:"id"`
	OwnerID         string `json:"owner_id"`
	OrgID           string `json:"org_id"`
	Title           string `json:"title"`
	OverallProgress int    `json:"overall_progress"`
	UpdatedAt       string `json:"updated_at"`
}

// ListRoadmaps returns summaries, optionally filtered by owner or org.
func (r Repo) ListRoadmaps(ctx context.Context, ownerID, orgID string) ([]RoadmapSummary, error) {
	query := `SELECT id,owner_id,org_id,title,overall_progress,updated_at FROM roadmaps WHERE 1=1`
	var args []any
	if ownerID != "" {
		query += ` AND owner_id=?`
		args = append(args, ownerID)
	}
	if orgID != "" {
		query += ` AND org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY updated_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RoadmapSummary
	for rows.Next() {
		var s RoadmapSummary
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.OrgID, &s.Title, &s.OverallProgress, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
