package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// CreateDelegationOptions are parameters for creating a delegation.
type CreateDelegationOptions struct {
	ID          string
	DelegatorID string
	DelegateID  string
	Filters     []string
	Permissions []string
	ValidFrom   time.Time
	ValidUntil  time.Time
	Reason      string
	ActorID     string
}

// CreateDelegation grants the delegate the delegator's role authority for a
// time window. The delegator must hold every delegated permission and some
// approval authority for every filtered type. Only the delegator or a
// principal outranking the delegator may create it.
func (e Engine) CreateDelegation(ctx context.Context, opts CreateDelegationOptions) (domain.Delegation, error) {
	if opts.DelegatorID == "" || opts.DelegateID == "" {
		return domain.Delegation{}, invalid(ErrInvalidDelegation, "delegator and delegate are required")
	}
	if opts.DelegatorID == opts.DelegateID {
		return domain.Delegation{}, invalid(ErrInvalidDelegation, "a principal cannot delegate to itself")
	}
	if opts.ValidFrom.IsZero() || opts.ValidUntil.IsZero() {
		return domain.Delegation{}, invalid(ErrInvalidDelegation, "valid_from and valid_until are required")
	}
	if opts.ValidFrom.After(opts.ValidUntil) {
		return domain.Delegation{}, invalid(ErrInvalidDelegation, "valid_from must not be after valid_until")
	}
	subset, err := auth.ParseAll(opts.Permissions)
	if err != nil {
		return domain.Delegation{}, err
	}
	filters := normalizeList(opts.Filters)

	var out domain.Delegation
	err = e.inTx(ctx, "create_delegation", func(ctx context.Context, tx *sql.Tx) error {
		delegator, err := e.Repo.GetPrincipal(ctx, tx, opts.DelegatorID)
		if errors.Is(err, repo.ErrNotFound) {
			return invalid(ErrInvalidDelegation, "unknown delegator %s", opts.DelegatorID)
		}
		if err != nil {
			return err
		}
		if _, err := e.Repo.GetPrincipal(ctx, tx, opts.DelegateID); errors.Is(err, repo.ErrNotFound) {
			return invalid(ErrInvalidDelegation, "unknown delegate %s", opts.DelegateID)
		} else if err != nil {
			return err
		}
		role, err := e.Repo.GetRole(ctx, tx, delegator.RoleCode)
		if errors.Is(err, repo.ErrNotFound) {
			return invalid(ErrInvalidDelegation, "delegator %s has no known role", opts.DelegatorID)
		}
		if err != nil {
			return err
		}
		if opts.ActorID != opts.DelegatorID {
			ok, err := e.outranks(ctx, tx, opts.ActorID, opts.DelegatorID)
			if err != nil {
				return err
			}
			if !ok {
				return notAuthorized(opts.ActorID, "", "only the delegator or a higher authority may delegate")
			}
		}
		held, err := auth.RolePermissions(role)
		if err != nil {
			return err
		}
		for _, want := range subset {
			if !grantsAny(held, want) {
				return notAuthorized(opts.DelegatorID, want.String(), "cannot delegate a permission not held")
			}
		}
		src := auth.Source{Principal: delegator, Role: role, Permissions: held}
		for _, f := range filters {
			if !auth.HoldsAny(src, f) && !auth.HoldsAction(src, "workflow", "approve") {
				return notAuthorized(opts.DelegatorID, f+".*", "no authority over filtered type")
			}
		}

		id := opts.ID
		if id == "" {
			id = uuid.NewString()
		}
		out = domain.Delegation{
			ID:          id,
			DelegatorID: opts.DelegatorID,
			DelegateID:  opts.DelegateID,
			Filters:     filters,
			Permissions: normalizeList(opts.Permissions),
			Reason:      opts.Reason,
			ValidFrom:   formatTime(opts.ValidFrom),
			ValidUntil:  formatTime(opts.ValidUntil),
			CreatedAt:   formatTime(e.now()),
		}
		if err := e.Repo.InsertDelegation(ctx, tx, out); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.DelegationCreated, "delegation", out.ID, opts.ActorID, events.EventPayload{
			"delegator_id": out.DelegatorID,
			"delegate_id":  out.DelegateID,
			"filters":      out.Filters,
			"valid_from":   out.ValidFrom,
			"valid_until":  out.ValidUntil,
		})
	})
	if err == nil {
		e.Log.Info().Str("delegation_id", out.ID).Str("delegator", out.DelegatorID).Str("delegate", out.DelegateID).Msg("Delegation created")
	}
	return out, err
}

func grantsAny(held []auth.Permission, want auth.Permission) bool {
	for _, h := range held {
		if h.Grants(want) {
			return true
		}
	}
	return false
}

// RevokeDelegation revokes a delegation. Revoking an already revoked
// delegation returns it unchanged.
func (e Engine) RevokeDelegation(ctx context.Context, id, actorID string) (domain.Delegation, error) {
	var out domain.Delegation
	err := e.inTx(ctx, "revoke_delegation", func(ctx context.Context, tx *sql.Tx) error {
		d, err := e.Repo.GetDelegation(ctx, tx, id)
		if err != nil {
			return err
		}
		if actorID != d.DelegatorID {
			ok, err := e.outranks(ctx, tx, actorID, d.DelegatorID)
			if err != nil {
				return err
			}
			if !ok {
				return notAuthorized(actorID, "", "only the delegator or a higher authority may revoke")
			}
		}
		if d.Revoked {
			out = d
			return nil
		}
		now := formatTime(e.now())
		changed, err := e.Repo.RevokeDelegation(ctx, tx, id, actorID, now)
		if err != nil {
			return err
		}
		if out, err = e.Repo.GetDelegation(ctx, tx, id); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return e.emit(ctx, tx, events.DelegationRevoked, "delegation", id, actorID, events.EventPayload{
			"delegator_id": d.DelegatorID,
			"delegate_id":  d.DelegateID,
		})
	})
	return out, err
}

// ActiveDelegationsFor returns the delegations principalID may act under at asOf.
func (e Engine) ActiveDelegationsFor(ctx context.Context, principalID string, asOf time.Time) ([]domain.Delegation, error) {
	var res []domain.Delegation
	err := e.withStore(ctx, "active_delegations", func(ctx context.Context) error {
		var err error
		res, err = activeDelegations(ctx, e.Repo, nil, principalID, asOf)
		return err
	})
	return res, err
}

// ListDelegations returns delegations involving principalID. With asOf set it
// returns only those the principal may act under at that time.
func (e Engine) ListDelegations(ctx context.Context, principalID string, asOf *time.Time) ([]domain.Delegation, error) {
	if asOf != nil {
		if principalID == "" {
			return nil, invalid(ErrInvalidRequest, "principal is required with asOf")
		}
		return e.ActiveDelegationsFor(ctx, principalID, *asOf)
	}
	var res []domain.Delegation
	err := e.withStore(ctx, "list_delegations", func(ctx context.Context) error {
		var err error
		res, err = e.Repo.ListDelegations(ctx, nil, repo.DelegationFilters{Principal: principalID, IncludeRevoked: true})
		return err
	})
	return res, err
}

func (e Engine) GetDelegation(ctx context.Context, id string) (domain.Delegation, error) {
	var d domain.Delegation
	err := e.withStore(ctx, "get_delegation", func(ctx context.Context) error {
		var err error
		d, err = e.Repo.GetDelegation(ctx, nil, id)
		return err
	})
	return d, err
}

func normalizeList(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// ParseTime parses an RFC3339 timestamp as used across the API.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrInvalidRequest, s)
	}
	return t.UTC(), nil
}
