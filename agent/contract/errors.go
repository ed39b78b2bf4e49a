package contract

import "errors"

var (
	ErrModelInvoke      = errors.New("model invoke failed")
	ErrValidation       = errors.New("validation failed")
	ErrSessionNotFound  = errors.New("session not found")
	ErrWriteNotAllowed  = errors.New("write statements are not allowed")
	ErrToolLoopExceeded = errors.New("tool loop exceeded")
	ErrTurnTimeout      = errors.New("turn timed out")
)
