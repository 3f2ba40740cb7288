package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidPermissionCode marks a permission code that does not parse.
var ErrInvalidPermissionCode = errors.New("invalid permission code")

// Context is the organizational breadth a permission applies to. Larger
// values contain smaller ones.
type Context int

const (
	ContextOwn Context = iota + 1
	ContextTeam
	ContextBranch
	ContextRegion
	ContextOrganization
)

var contextNames = map[Context]string{
	ContextOwn:          "own",
	ContextTeam:         "team",
	ContextBranch:       "branch",
	ContextRegion:       "region",
	ContextOrganization: "organization",
}

func (c Context) String() string {
	if n, ok := contextNames[c]; ok {
		return n
	}
	return fmt.Sprintf("context(%d)", int(c))
}

// Valid reports whether c is one of the five lattice members.
func (c Context) Valid() bool {
	return c >= ContextOwn && c <= ContextOrganization
}

// Covers reports whether a permission held at c may be used at o.
func (c Context) Covers(o Context) bool {
	return c.Valid() && o.Valid() && c >= o
}

// UnitDepth is the number of unit path segments two principals must share
// for c to reach across them. own has no unit depth.
func (c Context) UnitDepth() int {
	switch c {
	case ContextOrganization:
		return 1
	case ContextRegion:
		return 2
	case ContextBranch:
		return 3
	case ContextTeam:
		return 4
	}
	return 0
}

// ParseContext parses a context name.
func ParseContext(s string) (Context, error) {
	for c, n := range contextNames {
		if n == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown context %q", s)
}

// CeilingForLevel returns the widest context a role at level may hold when it
// declares no explicit ceiling.
func CeilingForLevel(level int) Context {
	switch {
	case level <= 1:
		return ContextOrganization
	case level == 2:
		return ContextRegion
	case level == 3:
		return ContextBranch
	case level == 4:
		return ContextTeam
	}
	return ContextOwn
}

// Permission is a parsed <resource>.<action>.<context> code.
type Permission struct {
	Resource string
	Action   string
	Context  Context
}

var segmentRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ParsePermission parses a permission code such as task.create.organization.
func ParsePermission(code string) (Permission, error) {
	parts := strings.Split(strings.TrimSpace(code), ".")
	if len(parts) != 3 {
		return Permission{}, fmt.Errorf("%w: %q must have the form resource.action.context", ErrInvalidPermissionCode, code)
	}
	if !segmentRe.MatchString(parts[0]) || !segmentRe.MatchString(parts[1]) {
		return Permission{}, fmt.Errorf("%w: %q has an invalid resource or action", ErrInvalidPermissionCode, code)
	}
	c, err := ParseContext(parts[2])
	if err != nil {
		return Permission{}, fmt.Errorf("%w: %q: %v", ErrInvalidPermissionCode, code, err)
	}
	return Permission{Resource: parts[0], Action: parts[1], Context: c}, nil
}

func (p Permission) String() string {
	return p.Resource + "." + p.Action + "." + p.Context.String()
}

// Grants reports whether holding p allows using q.
func (p Permission) Grants(q Permission) bool {
	return p.Resource == q.Resource && p.Action == q.Action && p.Context.Covers(q.Context)
}

// ParseAll parses a list of codes, failing on the first malformed entry.
func ParseAll(codes []string) ([]Permission, error) {
	out := make([]Permission, 0, len(codes))
	for _, c := range codes {
		p, err := ParsePermission(c)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
