package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// SystemActor is recorded on changes made by configuration seeding.
const SystemActor = "system"

// SeedRoles validates and stores the role catalog.
func (e Engine) SeedRoles(ctx context.Context, roles []domain.Role) error {
	for i := range roles {
		if roles[i].Ceiling == "" {
			roles[i].Ceiling = auth.CeilingForLevel(roles[i].Level).String()
		}
		if err := auth.ValidateRole(roles[i]); err != nil {
			return invalid(ErrInvalidRequest, "%v", err)
		}
	}
	return e.inTx(ctx, "seed_roles", func(ctx context.Context, tx *sql.Tx) error {
		for _, role := range roles {
			if err := e.Repo.UpsertRole(ctx, tx, role); err != nil {
				return err
			}
			if err := e.emit(ctx, tx, events.RoleUpdated, "role", role.Code, SystemActor, events.EventPayload{"level": role.Level, "permissions": role.Permissions}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e Engine) ListRoles(ctx context.Context) ([]domain.Role, error) {
	var roles []domain.Role
	err := e.withStore(ctx, "list_roles", func(ctx context.Context) error {
		var err error
		roles, err = e.Repo.ListRoles(ctx, nil)
		return err
	})
	return roles, err
}

// PutPrincipalOptions are parameters for creating or updating a principal.
type PutPrincipalOptions struct {
	ID          string
	RoleCode    string
	UnitPath    []string
	DisplayName string
	// ActorID is empty only for configuration seeding.
	ActorID string
}

// PutPrincipal creates or updates a principal. A non-system actor must hold
// principal.manage over the principal's unit and strictly outrank both the
// role being assigned and the principal's current role.
func (e Engine) PutPrincipal(ctx context.Context, opts PutPrincipalOptions) (domain.Principal, error) {
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return domain.Principal{}, invalid(ErrInvalidRequest, "principal id is required")
	}
	if opts.RoleCode == "" {
		return domain.Principal{}, invalid(ErrInvalidRequest, "role is required")
	}
	var out domain.Principal
	err := e.inTx(ctx, "put_principal", func(ctx context.Context, tx *sql.Tx) error {
		role, err := e.Repo.GetRole(ctx, tx, opts.RoleCode)
		if errors.Is(err, repo.ErrNotFound) {
			return invalid(ErrInvalidRequest, "unknown role %s", opts.RoleCode)
		}
		if err != nil {
			return err
		}
		existing, err := e.Repo.GetPrincipal(ctx, tx, opts.ID)
		isNew := errors.Is(err, repo.ErrNotFound)
		if err != nil && !isNew {
			return err
		}
		if opts.ActorID != "" {
			if err := e.authorizeAssignment(ctx, tx, opts, role, existing, isNew); err != nil {
				return err
			}
		}
		now := formatTime(e.now())
		out = domain.Principal{
			ID:          opts.ID,
			RoleCode:    role.Code,
			UnitPath:    opts.UnitPath,
			DisplayName: opts.DisplayName,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if !isNew {
			out.CreatedAt = existing.CreatedAt
		}
		if err := e.Repo.UpsertPrincipal(ctx, tx, out); err != nil {
			return err
		}
		actor := opts.ActorID
		if actor == "" {
			actor = SystemActor
		}
		return e.emit(ctx, tx, events.PrincipalUpdated, "principal", out.ID, actor, events.EventPayload{"role": out.RoleCode, "unit_path": out.UnitPath, "created": isNew})
	})
	return out, err
}

func (e Engine) authorizeAssignment(ctx context.Context, tx *sql.Tx, opts PutPrincipalOptions, role domain.Role, existing domain.Principal, isNew bool) error {
	actor, err := e.Repo.GetPrincipal(ctx, tx, opts.ActorID)
	if errors.Is(err, repo.ErrNotFound) {
		return notAuthorized(opts.ActorID, "", "unknown actor")
	}
	if err != nil {
		return err
	}
	actorRole, err := e.Repo.GetRole(ctx, tx, actor.RoleCode)
	if errors.Is(err, repo.ErrNotFound) {
		return notAuthorized(opts.ActorID, "", "actor has no role")
	}
	if err != nil {
		return err
	}
	if !auth.Outranks(actorRole, role) {
		return notAuthorized(opts.ActorID, "", "cannot assign role "+role.Code)
	}
	if !isNew {
		current, err := e.Repo.GetRole(ctx, tx, existing.RoleCode)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err == nil && !auth.Outranks(actorRole, current) {
			return notAuthorized(opts.ActorID, "", "cannot modify principal with role "+current.Code)
		}
		if err := e.require(ctx, tx, opts.ActorID, "principal.manage.team", auth.ResourceContext{ResourceType: "principal", UnitPath: existing.UnitPath}); err != nil {
			return err
		}
	}
	return e.require(ctx, tx, opts.ActorID, "principal.manage.team", auth.ResourceContext{ResourceType: "principal", UnitPath: opts.UnitPath})
}

func (e Engine) GetPrincipal(ctx context.Context, id string) (domain.Principal, error) {
	var p domain.Principal
	err := e.withStore(ctx, "get_principal", func(ctx context.Context) error {
		var err error
		p, err = e.Repo.GetPrincipal(ctx, nil, id)
		return err
	})
	return p, err
}

func (e Engine) ListPrincipals(ctx context.Context, roleCode string) ([]domain.Principal, error) {
	var res []domain.Principal
	err := e.withStore(ctx, "list_principals", func(ctx context.Context) error {
		var err error
		res, err = e.Repo.ListPrincipals(ctx, nil, roleCode)
		return err
	})
	return res, err
}

// Outranks reports whether principal a's role carries strictly more authority
// than principal b's. Unknown principals or roles never outrank.
func (e Engine) Outranks(ctx context.Context, a, b string) (bool, error) {
	var ok bool
	err := e.withStore(ctx, "outranks", func(ctx context.Context) error {
		var err error
		ok, err = e.outranks(ctx, nil, a, b)
		return err
	})
	return ok, err
}

func (e Engine) outranks(ctx context.Context, tx *sql.Tx, a, b string) (bool, error) {
	ra, err := e.principalRole(ctx, tx, a)
	if err != nil || ra == nil {
		return false, err
	}
	rb, err := e.principalRole(ctx, tx, b)
	if err != nil || rb == nil {
		return false, err
	}
	return auth.Outranks(*ra, *rb), nil
}

func (e Engine) principalRole(ctx context.Context, tx *sql.Tx, id string) (*domain.Role, error) {
	p, err := e.Repo.GetPrincipal(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r, err := e.Repo.GetRole(ctx, tx, p.RoleCode)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
