package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

const delegationColumns = `id, delegator_id, delegate_id, filters_json, permissions_json, COALESCE(reason,''), valid_from, valid_until, revoked, revoked_at, revoked_by, created_at`

func (r Repo) InsertDelegation(ctx context.Context, tx *sql.Tx, d domain.Delegation) error {
	filters, err := encodeList(d.Filters)
	if err != nil {
		return err
	}
	perms, err := encodeList(d.Permissions)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, `INSERT INTO delegations(id, delegator_id, delegate_id, filters_json, permissions_json, reason, valid_from, valid_until, revoked, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.DelegatorID, d.DelegateID, filters, perms, nullable(d.Reason), d.ValidFrom, d.ValidUntil, boolInt(d.Revoked), d.CreatedAt)
	return err
}

func (r Repo) GetDelegation(ctx context.Context, tx *sql.Tx, id string) (domain.Delegation, error) {
	d, err := scanDelegation(r.queryRow(ctx, tx, `SELECT `+delegationColumns+` FROM delegations WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// RevokeDelegation marks a delegation revoked. Already revoked rows are left untouched.
func (r Repo) RevokeDelegation(ctx context.Context, tx *sql.Tx, id, revokedBy, revokedAt string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE delegations SET revoked=1, revoked_at=?, revoked_by=? WHERE id=? AND revoked=0`, revokedAt, revokedBy, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DelegationFilters narrows ListDelegations. Zero values match everything.
type DelegationFilters struct {
	DelegateID     string
	DelegatorID    string
	Principal      string
	IncludeRevoked bool
}

// ListDelegations returns delegations newest first. Activity at a point in
// time is evaluated by the caller since expiry is lazy.
func (r Repo) ListDelegations(ctx context.Context, tx *sql.Tx, f DelegationFilters) ([]domain.Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE 1=1`
	var args []any
	if f.DelegateID != "" {
		query += ` AND delegate_id=?`
		args = append(args, f.DelegateID)
	}
	if f.DelegatorID != "" {
		query += ` AND delegator_id=?`
		args = append(args, f.DelegatorID)
	}
	if f.Principal != "" {
		query += ` AND (delegate_id=? OR delegator_id=?)`
		args = append(args, f.Principal, f.Principal)
	}
	if !f.IncludeRevoked {
		query += ` AND revoked=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDelegation(s scanner) (domain.Delegation, error) {
	var d domain.Delegation
	var filters, perms string
	var revoked int
	var revokedAt, revokedBy sql.NullString
	if err := s.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &filters, &perms, &d.Reason, &d.ValidFrom, &d.ValidUntil, &revoked, &revokedAt, &revokedBy, &d.CreatedAt); err != nil {
		return d, err
	}
	var err error
	if d.Filters, err = decodeList(filters); err != nil {
		return d, err
	}
	if d.Permissions, err = decodeList(perms); err != nil {
		return d, err
	}
	d.Revoked = revoked != 0
	d.RevokedAt = stringPtr(revokedAt)
	d.RevokedBy = stringPtr(revokedBy)
	return d, nil
}
