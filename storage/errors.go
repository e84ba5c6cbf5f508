package storage

import "errors"

// Sentinel errors returned by stores.
var (
	// ErrRunExists is returned when saving a run whose id is already stored.
	// Runs are never overwritten implicitly.
	ErrRunExists = errors.New("run already exists")

	// ErrInvalidID is returned for run ids or modes that are not safe path segments.
	ErrInvalidID = errors.New("invalid id: must be alphanumeric with '.', '_' or '-', no path separators")
)
