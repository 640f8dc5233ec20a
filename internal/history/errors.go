package history

import "errors"

var (
	// ErrInvalidQuery is returned when a required filter field is missing.
	ErrInvalidQuery = errors.New("history: invalid query")

	// ErrInvalidRetention is returned when pruning with a non-positive age.
	ErrInvalidRetention = errors.New("history: retention must be positive")
)
