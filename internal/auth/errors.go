package auth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("resource conflict")
	ErrTransaction      = errors.New("transaction failed")
)

// ErrAlreadyInRole is returned by SetPrimaryRole when the principal already
// holds the requested primary role. It wraps ErrConflict.
var ErrAlreadyInRole = fmt.Errorf("%w: principal already holds role", ErrConflict)

// ErrProtectedRole is returned when a change would move a principal away from
// the protected top-tier role. It wraps ErrPermissionDenied.
var ErrProtectedRole = fmt.Errorf("%w: protected role cannot be changed", ErrPermissionDenied)

// ErrSelfRoleChange is returned when an actor tries to change their own roles.
var ErrSelfRoleChange = fmt.Errorf("%w: cannot change own roles", ErrPermissionDenied)

// IsAlreadyInRole reports whether err means the desired role was already in
// place. Callers retrying after a lost race treat this as success.
func IsAlreadyInRole(err error) bool {
	return errors.Is(err, ErrAlreadyInRole)
}
