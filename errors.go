package gpupool

import "errors"

var (
	// ErrStoreUnavailable wraps every failure reported by the Store.
	ErrStoreUnavailable = errors.New("gpupool: store unavailable")

	// ErrAlreadyInitialized is returned by Init when the pool already has an
	// init marker and force was not requested.
	ErrAlreadyInitialized = errors.New("gpupool: pool already initialized")

	// ErrAlreadyIdle is returned by Release when the id is already idle.
	ErrAlreadyIdle = errors.New("gpupool: resource already idle")

	// ErrNotManaged is returned by Release when the id is not managed by the pool.
	ErrNotManaged = errors.New("gpupool: resource not managed")

	// ErrInvalidRequest is returned when an init selection cannot be satisfied.
	ErrInvalidRequest = errors.New("gpupool: invalid request")
)
