package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

// UpsertRole replaces a role and its permission set.
func (r Repo) UpsertRole(ctx context.Context, tx *sql.Tx, role domain.Role) error {
	_, err := r.exec(ctx, tx, `INSERT INTO roles(code, level, ceiling, description) VALUES (?,?,?,?)
ON CONFLICT(code) DO UPDATE SET level=excluded.level, ceiling=excluded.ceiling, description=excluded.description`,
		role.Code, role.Level, role.Ceiling, nullable(role.Description))
	if err != nil {
		return err
	}
	if _, err := r.exec(ctx, tx, `DELETE FROM role_permissions WHERE role_code=?`, role.Code); err != nil {
		return err
	}
	for _, p := range role.Permissions {
		if _, err := r.exec(ctx, tx, `INSERT INTO role_permissions(role_code, permission) VALUES (?,?) ON CONFLICT DO NOTHING`, role.Code, p); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetRole(ctx context.Context, tx *sql.Tx, code string) (domain.Role, error) {
	var role domain.Role
	var desc sql.NullString
	err := r.queryRow(ctx, tx, `SELECT code, level, ceiling, description FROM roles WHERE code=?`, code).
		Scan(&role.Code, &role.Level, &role.Ceiling, &desc)
	if err == sql.ErrNoRows {
		return role, ErrNotFound
	}
	if err != nil {
		return role, err
	}
	role.Description = desc.String
	perms, err := r.rolePermissions(ctx, tx, code)
	if err != nil {
		return role, err
	}
	role.Permissions = perms
	return role, nil
}

// ListRoles returns roles ordered from highest authority to lowest.
func (r Repo) ListRoles(ctx context.Context, tx *sql.Tx) ([]domain.Role, error) {
	rows, err := r.query(ctx, tx, `SELECT code, level, ceiling, COALESCE(description,'') FROM roles ORDER BY level ASC, code ASC`)
	if err != nil {
		return nil, err
	}
	var roles []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role.Code, &role.Level, &role.Ceiling, &role.Description); err != nil {
			rows.Close()
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range roles {
		perms, err := r.rolePermissions(ctx, tx, roles[i].Code)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

func (r Repo) rolePermissions(ctx context.Context, tx *sql.Tx, code string) ([]string, error) {
	rows, err := r.query(ctx, tx, `SELECT permission FROM role_permissions WHERE role_code=? ORDER BY permission`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
