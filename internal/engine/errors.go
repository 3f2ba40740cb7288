package engine

import (
	"errors"
	"fmt"

	"signoff/internal/engine/auth"
)

var (
	ErrNotAuthorized             = errors.New("not authorized")
	ErrCommentsRequired          = errors.New("comments required")
	ErrStaleInstanceState        = errors.New("stale instance state")
	ErrTemplateInactive          = errors.New("template inactive")
	ErrTemplateInUse             = errors.New("template in use")
	ErrStoreUnavailable          = errors.New("store unavailable")
	ErrInvalidPermissionCode     = auth.ErrInvalidPermissionCode
	ErrInvalidTemplateDefinition = errors.New("invalid template definition")
	ErrInstanceClosed            = errors.New("instance closed")
	ErrInvalidDelegation         = errors.New("invalid delegation")
	ErrInvalidRequest            = errors.New("invalid request")
)

// NotAuthorizedError carries the permission that was missing.
type NotAuthorizedError struct {
	Principal  string
	Permission string
	Reason     string
}

func (e NotAuthorizedError) Error() string {
	msg := fmt.Sprintf("principal %s not authorized", e.Principal)
	if e.Permission != "" {
		msg += ": " + e.Permission + " required"
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e NotAuthorizedError) Unwrap() error { return ErrNotAuthorized }

func notAuthorized(principal, permission, reason string) error {
	return NotAuthorizedError{Principal: principal, Permission: permission, Reason: reason}
}

func invalid(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
