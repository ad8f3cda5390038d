package av

import "errors"

// Sentinel errors for av package operations.
var (
	// ErrInvalidConfig indicates a Config that cannot build a pipeline.
	ErrInvalidConfig = errors.New("invalid audio pipeline config")
)
