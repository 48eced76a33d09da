package domain

import "errors"

// Error kinds surfaced by the job lifecycle and the auth service. Callers wrap
// them with context and match with errors.Is.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrAuth         = errors.New("authentication failed")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrStorage      = errors.New("storage error")
	ErrPersistence  = errors.New("persistence error")
	ErrProcessing   = errors.New("processing error")
)
