package repo

import (
	"context"
	"database/sql"
	"time"
)

func (r Repo) AddOrgMember(ctx context.Context, tx *sql.Tx, orgID, ownerID, role string) error {
	if role == "" {
		role = "member"
	}
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO org_members(org_id, owner_id, role, created_at) VALUES (?,?,?,?)
ON CONFLICT(org_id, owner_id) DO UPDATE SET role=excluded.role`, orgID, ownerID, role, formatTime(time.Now()))
	return err
}

func (r Repo) RemoveOrgMember(ctx context.Context, tx *sql.Tx, orgID, ownerID string) error {
	res, err := r.exec(tx).ExecContext(ctx, `DELETE FROM org_members WHERE org_id=? AND owner_id=?`, orgID, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsOrgMember reports whether ownerID belongs to orgID.
func (r Repo) IsOrgMember(ctx context.Context, orgID, ownerID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM org_members WHERE org_id=? AND owner_id=?`, orgID, ownerID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) OrgRole(ctx context.Context, orgID, ownerID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM org_members WHERE org_id=? AND owner_id=?`, orgID, ownerID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

// OrgsForOwner lists the organizations ownerID belongs to.
func (r Repo) OrgsForOwner(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT org_id FROM org_members WHERE owner_id=? ORDER BY org_id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}
