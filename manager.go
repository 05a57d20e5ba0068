package gpupool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Manager implements the pool operations on top of a Store.
//
// A Manager holds no pool state of its own: every call re-reads what it needs
// from the store, so any number of processes may operate on the same pool
// through their own Manager. It does not close the underlying store as it is
// expected to be managed by the caller.
type Manager struct {
	store   Store
	keys    keys
	devices DeviceCounter
	prober  Prober
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Manager bound to the store and prefix of conf.
func New(conf Config) (*Manager, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool configuration: %w", err)
	}
	conf = conf.withDefaults()
	return &Manager{
		store:   conf.Store,
		keys:    keys{prefix: conf.Prefix},
		devices: conf.Devices,
		prober:  conf.Prober,
		logger:  conf.Logger.With("prefix", conf.Prefix),
		now:     conf.Now,
	}, nil
}

// Prefix returns the key prefix of the pool.
func (m *Manager) Prefix() string {
	return m.keys.prefix
}

// Ping checks that the store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		return m.storeErr(ctx, "ping store", err)
	}
	return nil
}

// DeviceCount returns the number of devices reported by the host.
func (m *Manager) DeviceCount(ctx context.Context) (int, error) {
	if m.devices == nil {
		return 0, fmt.Errorf("device counter is not configured")
	}
	n, err := m.devices.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

// Init seeds the pool with the ids chosen by sel.
//
// If the pool already has an init marker and force is false, Init changes
// nothing and returns ErrAlreadyInitialized. Otherwise the idle list, managed
// list, event log and init marker are replaced in one delete followed by the
// new seed. Lease records of ids from a previous epoch that are not re-seeded
// are left in place. Init returns the number of managed ids.
func (m *Manager) Init(ctx context.Context, sel Selection, force bool) (int, error) {
	total, err := m.DeviceCount(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := sel.resolve(total)
	if err != nil {
		return 0, err
	}

	marker, err := m.store.HashGetAll(ctx, m.keys.marker())
	if err != nil {
		return 0, m.storeErr(ctx, "read init marker", err)
	}
	if len(marker) > 0 && !force {
		return 0, ErrAlreadyInitialized
	}

	stale := []string{m.keys.idle(), m.keys.managed(), m.keys.events(), m.keys.marker()}
	for _, id := range ids {
		stale = append(stale, m.keys.lease(id))
	}
	if err := m.store.Delete(ctx, stale...); err != nil {
		return 0, m.storeErr(ctx, "clear pool", err)
	}

	for _, id := range ids {
		v := strconv.Itoa(id)
		if err := m.store.Push(ctx, m.keys.idle(), v); err != nil {
			return 0, m.storeErr(ctx, "seed idle list", err)
		}
		if err := m.store.Push(ctx, m.keys.managed(), v); err != nil {
			return 0, m.storeErr(ctx, "seed managed list", err)
		}
	}

	now := m.now()
	err = m.store.HashSet(ctx, m.keys.marker(), map[string]string{
		fieldTime:    now.Format(timeLayout),
		fieldManaged: joinIDs(ids),
		fieldCount:   strconv.Itoa(total),
	})
	if err != nil {
		return 0, m.storeErr(ctx, "write init marker", err)
	}
	if err := m.event(ctx, now, "Pool initialized, %d managed GPUs.", len(ids)); err != nil {
		return 0, err
	}

	m.logger.Debug("pool initialized", "managed", ids, "total", total, "force", force)
	return len(ids), nil
}

// Acquire blocks until an idle id is available, leases it to holder and
// returns it. There is no timeout other than ctx.
func (m *Manager) Acquire(ctx context.Context, holder int) (int, error) {
	v, err := m.store.BlockingPop(ctx, m.keys.idle())
	if err != nil {
		return 0, m.storeErr(ctx, "pop idle list", err)
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid resource id %q in idle list: %w", v, err)
	}

	now := m.now()
	err = m.store.HashSet(ctx, m.keys.lease(id), map[string]string{
		fieldPID:  strconv.Itoa(holder),
		fieldTime: now.Format(timeLayout),
	})
	if err != nil {
		if _, perr := m.store.PushUnique(ctx, m.keys.idle(), v); perr != nil {
			m.logger.Warn("failed to return resource after lease write failure", "id", id, "error", perr)
		}
		return 0, m.storeErr(ctx, "write lease record", err)
	}
	if err := m.event(ctx, now, "GPU %d acquired by PID %d.", id, holder); err != nil {
		return 0, err
	}

	m.logger.Debug("resource acquired", "id", id, "holder", holder)
	return id, nil
}

// AcquireResource is like Acquire but returns a handle that releases the
// lease at most once.
func (m *Manager) AcquireResource(ctx context.Context, holder int) (*Resource, error) {
	id, err := m.Acquire(ctx, holder)
	if err != nil {
		return nil, err
	}
	return &Resource{manager: m, id: id, holder: holder}, nil
}

// Release returns id to the idle list on behalf of holder.
//
// It returns ErrAlreadyIdle if id is idle and ErrNotManaged if id is not
// managed by the pool; neither case changes the store.
func (m *Manager) Release(ctx context.Context, id, holder int) error {
	idle, err := m.Idle(ctx)
	if err != nil {
		return err
	}
	managed, err := m.Managed(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(idle, id) {
		return ErrAlreadyIdle
	}
	if !slices.Contains(managed, id) {
		return ErrNotManaged
	}

	if err := m.store.Delete(ctx, m.keys.lease(id)); err != nil {
		return m.storeErr(ctx, "delete lease record", err)
	}
	pushed, err := m.store.PushUnique(ctx, m.keys.idle(), strconv.Itoa(id))
	if err != nil {
		return m.storeErr(ctx, "push idle list", err)
	}
	if !pushed {
		// A concurrent release or purge got there first.
		return ErrAlreadyIdle
	}
	if err := m.event(ctx, m.now(), "GPU %d released by PID %d.", id, holder); err != nil {
		return err
	}

	m.logger.Debug("resource released", "id", id, "holder", holder)
	return nil
}

// Purge reclaims every leased id whose holder process no longer exists and
// returns how many ids were reclaimed.
//
// Leased ids without a readable holder are skipped. Each reclamation is
// independent; Purge is not isolated from concurrent acquire and release.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	if m.prober == nil {
		return 0, fmt.Errorf("liveness prober is not configured")
	}
	leased, err := m.leased(ctx)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range leased {
		v, ok, err := m.store.HashGet(ctx, m.keys.lease(id), fieldPID)
		if err != nil {
			return reclaimed, m.storeErr(ctx, "read lease record", err)
		}
		if !ok {
			m.logger.Warn("leased resource has no lease record", "id", id)
			continue
		}
		pid, err := strconv.Atoi(v)
		if err != nil {
			m.logger.Warn("lease record has invalid holder", "id", id, "pid", v)
			continue
		}
		if m.prober.Alive(pid) {
			continue
		}

		if err := m.store.Delete(ctx, m.keys.lease(id)); err != nil {
			return reclaimed, m.storeErr(ctx, "delete lease record", err)
		}
		pushed, err := m.store.PushUnique(ctx, m.keys.idle(), strconv.Itoa(id))
		if err != nil {
			return reclaimed, m.storeErr(ctx, "push idle list", err)
		}
		if !pushed {
			continue
		}
		err = m.event(ctx, m.now(), "GPU %d acquired by PID %d was released by purge as the process does not exist.", id, pid)
		if err != nil {
			return reclaimed, err
		}
		m.logger.Debug("resource reclaimed", "id", id, "holder", pid)
		reclaimed++
	}
	return reclaimed, nil
}

// DeleteAll removes every record of the pool: the init marker, the idle and
// managed lists, the event log and the lease record of every managed id.
func (m *Manager) DeleteAll(ctx context.Context) error {
	managed, err := m.Managed(ctx)
	if err != nil {
		return err
	}
	all := []string{m.keys.marker(), m.keys.idle(), m.keys.managed(), m.keys.events()}
	for _, id := range managed {
		all = append(all, m.keys.lease(id))
	}
	if err := m.store.Delete(ctx, all...); err != nil {
		return m.storeErr(ctx, "delete pool", err)
	}
	m.logger.Debug("pool deleted", "managed", managed)
	return nil
}

// leased returns the managed ids that are not idle.
func (m *Manager) leased(ctx context.Context) ([]int, error) {
	idle, err := m.Idle(ctx)
	if err != nil {
		return nil, err
	}
	managed, err := m.Managed(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(managed, func(id int) bool {
		return slices.Contains(idle, id)
	}), nil
}

func (m *Manager) event(ctx context.Context, at time.Time, format string, args ...any) error {
	line := at.Format(timeLayout) + ": " + fmt.Sprintf(format, args...)
	if err := m.store.Push(ctx, m.keys.events(), line); err != nil {
		return m.storeErr(ctx, "append event log", err)
	}
	return nil
}

// storeErr wraps a store failure. Cancellation of ctx is reported as such
// rather than as an unavailable store.
func (m *Manager) storeErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(err, ctxErr) {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
		return fmt.Errorf("failed to %s: %w: %w", op, ctxErr, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", ErrStoreUnavailable, op, err)
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
