package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

// UpsertPrincipal inserts a principal or updates its role, unit path and display name.
func (r Repo) UpsertPrincipal(ctx context.Context, tx *sql.Tx, p domain.Principal) error {
	path, err := encodeList(p.UnitPath)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, tx, `INSERT INTO principals(id, role_code, unit_path_json, display_name, created_at, updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role_code=excluded.role_code, unit_path_json=excluded.unit_path_json, display_name=excluded.display_name, updated_at=excluded.updated_at`,
		p.ID, p.RoleCode, path, nullable(p.DisplayName), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPrincipal(ctx context.Context, tx *sql.Tx, id string) (domain.Principal, error) {
	row := r.queryRow(ctx, tx, `SELECT id, role_code, unit_path_json, COALESCE(display_name,''), created_at, updated_at FROM principals WHERE id=?`, id)
	p, err := scanPrincipal(row)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// ListPrincipals returns principals, optionally restricted to one role.
func (r Repo) ListPrincipals(ctx context.Context, tx *sql.Tx, roleCode string) ([]domain.Principal, error) {
	query := `SELECT id, role_code, unit_path_json, COALESCE(display_name,''), created_at, updated_at FROM principals`
	var args []any
	if roleCode != "" {
		query += ` WHERE role_code=?`
		args = append(args, roleCode)
	}
	query += ` ORDER BY id`
	rows, err := r.query(ctx, tx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(s scanner) (domain.Principal, error) {
	var p domain.Principal
	var path string
	if err := s.Scan(&p.ID, &p.RoleCode, &path, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	units, err := decodeList(path)
	if err != nil {
		return p, err
	}
	p.UnitPath = units
	return p, nil
}
