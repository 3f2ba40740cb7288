package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signoff/internal/domain"
)

// ErrUnknownPrincipal is returned by Store implementations for missing principals or roles.
var ErrUnknownPrincipal = errors.New("unknown principal")

// Store is the read side the resolver needs.
type Store interface {
	GetPrincipal(ctx context.Context, id string) (domain.Principal, error)
	GetRole(ctx context.Context, code string) (domain.Role, error)
	ActiveDelegationsFor(ctx context.Context, principalID string, asOf time.Time) ([]domain.Delegation, error)
}

// ResourceContext describes the target of a permission check.
type ResourceContext struct {
	// Context is the scope the resource lives at. Zero means the scope named
	// by the permission code.
	Context      Context
	ResourceType string
	OwnerID      string
	UnitPath     []string
}

// Source is one body of authority a principal may act with: its own role,
// or the role of a delegator through an active delegation.
type Source struct {
	Principal   domain.Principal
	Role        domain.Role
	Permissions []Permission
	Delegation  *domain.Delegation
}

// Delegated reports whether the authority comes from another principal.
func (s Source) Delegated() bool { return s.Delegation != nil }

// Decision is the outcome of Authorize.
type Decision struct {
	Allow bool
	// Via is the principal whose authority granted the permission.
	Via    string
	Reason string
}

// Resolver decides permission checks against current store state.
type Resolver struct {
	Store Store
}

// Authorize decides whether principalID may use code against rc at asOf.
// Unknown principals and roles are denied; a malformed code is an error.
func (r Resolver) Authorize(ctx context.Context, principalID, code string, rc ResourceContext, asOf time.Time) (Decision, error) {
	perm, err := ParsePermission(code)
	if err != nil {
		return Decision{}, err
	}
	return r.AuthorizePermission(ctx, principalID, perm, rc, asOf)
}

// AuthorizePermission is Authorize for an already parsed permission.
func (r Resolver) AuthorizePermission(ctx context.Context, principalID string, perm Permission, rc ResourceContext, asOf time.Time) (Decision, error) {
	resourceType := rc.ResourceType
	if resourceType == "" {
		resourceType = perm.Resource
	}
	sources, err := r.Sources(ctx, principalID, resourceType, asOf)
	if err != nil {
		return Decision{}, err
	}
	if len(sources) == 0 {
		return Decision{Reason: "unknown principal or role"}, nil
	}
	rc, err = r.completeUnitPath(ctx, rc)
	if err != nil {
		return Decision{}, err
	}
	for _, src := range sources {
		if Permits(src, perm, rc) {
			return Decision{Allow: true, Via: src.Principal.ID}, nil
		}
	}
	return Decision{Reason: fmt.Sprintf("%s not held for this resource", perm)}, nil
}

// Sources returns the principal's own authority followed by the authority of
// every delegator whose active delegation covers resourceType. Delegated
// authority is never followed further: a delegator's own incoming
// delegations are not included.
func (r Resolver) Sources(ctx context.Context, principalID, resourceType string, asOf time.Time) ([]Source, error) {
	var out []Source
	self, ok, err := r.roleSource(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	out = append(out, self)
	delegations, err := r.Store.ActiveDelegationsFor(ctx, principalID, asOf)
	if err != nil {
		return nil, err
	}
	for i := range delegations {
		d := delegations[i]
		if !d.ActiveAt(asOf) || !d.Covers(resourceType) {
			continue
		}
		src, ok, err := r.roleSource(ctx, d.DelegatorID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		src.Permissions = delegatedPermissions(src.Permissions, d.Permissions)
		src.Delegation = &d
		out = append(out, src)
	}
	return out, nil
}

func (r Resolver) roleSource(ctx context.Context, principalID string) (Source, bool, error) {
	p, err := r.Store.GetPrincipal(ctx, principalID)
	if errors.Is(err, ErrUnknownPrincipal) {
		return Source{}, false, nil
	}
	if err != nil {
		return Source{}, false, err
	}
	role, err := r.Store.GetRole(ctx, p.RoleCode)
	if errors.Is(err, ErrUnknownPrincipal) {
		return Source{}, false, nil
	}
	if err != nil {
		return Source{}, false, err
	}
	perms, err := RolePermissions(role)
	if err != nil {
		return Source{}, false, err
	}
	return Source{Principal: p, Role: role, Permissions: perms}, true, nil
}

// completeUnitPath fills a missing unit path from the resource owner.
func (r Resolver) completeUnitPath(ctx context.Context, rc ResourceContext) (ResourceContext, error) {
	if len(rc.UnitPath) > 0 || rc.OwnerID == "" {
		return rc, nil
	}
	owner, err := r.Store.GetPrincipal(ctx, rc.OwnerID)
	if errors.Is(err, ErrUnknownPrincipal) {
		return rc, nil
	}
	if err != nil {
		return rc, err
	}
	rc.UnitPath = owner.UnitPath
	return rc, nil
}

// delegatedPermissions narrows the delegator's role permissions to subset.
// An empty subset delegates the whole role. A subset entry survives only
// while the delegator still holds a permission granting it.
func delegatedPermissions(role []Permission, subset []string) []Permission {
	if len(subset) == 0 {
		return role
	}
	var out []Permission
	for _, code := range subset {
		want, err := ParsePermission(code)
		if err != nil {
			continue
		}
		for _, held := range role {
			if held.Grants(want) {
				out = append(out, want)
				break
			}
		}
	}
	return out
}

// Permits reports whether src allows perm on rc. The required context is the
// wider of the permission's context and the resource's scope. A held own
// permission applies only to resources owned by the source principal; wider
// contexts require the source principal and the resource to share the unit
// path prefix of that context's depth when the resource carries a unit path.
func Permits(src Source, perm Permission, rc ResourceContext) bool {
	required := perm.Context
	if rc.Context.Valid() && rc.Context > required {
		required = rc.Context
	}
	for _, held := range src.Permissions {
		if held.Resource != perm.Resource || held.Action != perm.Action {
			continue
		}
		if !held.Context.Covers(required) {
			continue
		}
		if held.Context == ContextOwn {
			if rc.OwnerID != "" && rc.OwnerID == src.Principal.ID {
				return true
			}
			continue
		}
		if len(rc.UnitPath) == 0 || SharesUnit(src.Principal.UnitPath, rc.UnitPath, held.Context) {
			return true
		}
	}
	return false
}

// SharesUnit reports whether two unit paths agree down to the depth of c.
func SharesUnit(a, b []string, c Context) bool {
	depth := c.UnitDepth()
	if depth == 0 {
		return false
	}
	if len(a) < depth || len(b) < depth {
		return false
	}
	for i := 0; i < depth; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HoldsAny reports whether src holds any permission on resource at any context.
func HoldsAny(src Source, resource string) bool {
	for _, p := range src.Permissions {
		if p.Resource == resource {
			return true
		}
	}
	return false
}

// HoldsAction reports whether src holds resource.action at any context.
func HoldsAction(src Source, resource, action string) bool {
	for _, p := range src.Permissions {
		if p.Resource == resource && p.Action == action {
			return true
		}
	}
	return false
}

// Outranks reports whether role a carries strictly more authority than b.
func Outranks(a, b domain.Role) bool {
	return a.Level < b.Level
}

// RoleCeiling returns the role's declared ceiling, or the default for its level.
func RoleCeiling(role domain.Role) (Context, error) {
	if role.Ceiling == "" {
		return CeilingForLevel(role.Level), nil
	}
	return ParseContext(role.Ceiling)
}

// RolePermissions parses a role's permission codes.
func RolePermissions(role domain.Role) ([]Permission, error) {
	return ParseAll(role.Permissions)
}

// ValidateRole checks that every permission parses and sits at or below the ceiling.
func ValidateRole(role domain.Role) error {
	if role.Code == "" {
		return fmt.Errorf("role code is required")
	}
	if role.Level < 1 {
		return fmt.Errorf("role %s: level must be >= 1", role.Code)
	}
	ceiling, err := RoleCeiling(role)
	if err != nil {
		return fmt.Errorf("role %s: %w", role.Code, err)
	}
	perms, err := RolePermissions(role)
	if err != nil {
		return fmt.Errorf("role %s: %w", role.Code, err)
	}
	for _, p := range perms {
		if !ceiling.Covers(p.Context) {
			return fmt.Errorf("role %s: permission %s exceeds ceiling %s", role.Code, p, ceiling)
		}
	}
	return nil
}
