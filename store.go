package gpupool

import "context"

// Store is the shared key-value store holding the pool state.
//
// Every method must be atomic at the store level. In particular a value pushed
// to a list is returned by exactly one BlockingPop, even when many processes
// pop the same list concurrently.
//
// Lists are ordered head to tail. Push inserts at the head and BlockingPop
// removes from the tail, so values are handed out in the order they were pushed.
type Store interface {
	// Push inserts value at the head of the list stored at key.
	Push(ctx context.Context, key, value string) error

	// PushUnique inserts value at the head of the list stored at key unless
	// the list already contains it. It reports whether value was inserted.
	PushUnique(ctx context.Context, key, value string) (bool, error)

	// BlockingPop removes and returns the tail of the list stored at key.
	// If the list is empty it blocks until a value is pushed or ctx is done.
	BlockingPop(ctx context.Context, key string) (string, error)

	// Range returns all values of the list stored at key, head first.
	// A missing key is an empty list.
	Range(ctx context.Context, key string) ([]string, error)

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// HashGetAll returns all fields of the hash stored at key.
	// A missing key is an empty map.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// HashSet sets the given fields of the hash stored at key.
	HashSet(ctx context.Context, key string, fields map[string]string) error

	// HashGet returns the value of field in the hash stored at key and
	// whether it was present.
	HashGet(ctx context.Context, key, field string) (string, bool, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// DeviceCounter reports how many devices the host exposes.
type DeviceCounter interface {
	Count(ctx context.Context) (int, error)
}

// Prober reports whether the process with the given id is still alive.
// Implementations must answer true whenever liveness cannot be decided.
type Prober interface {
	Alive(pid int) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(pid int) bool

// Alive calls f(pid).
func (f ProberFunc) Alive(pid int) bool { return f(pid) }
