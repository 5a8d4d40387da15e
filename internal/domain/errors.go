package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrStaleTransition is returned by conditional status updates whose
	// expected prior status no longer matches the stored one.
	ErrStaleTransition = fmt.Errorf("%w: stale status transition", ErrConflict)
)
