package oncall

import "errors"

var (
	ErrNotFound           = errors.New("oncall: not found")
	ErrInvalidInput       = errors.New("oncall: invalid input")
	ErrInvalidCredentials = errors.New("oncall: invalid credentials")
	ErrSystem             = errors.New("oncall: system error")
	// ErrConflict marks a write rejected by the store's isolation mechanism or a
	// uniqueness constraint.
	ErrConflict = errors.New("oncall: conflict")
)
