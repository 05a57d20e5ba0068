package gpupool

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Info summarizes the pool next to the device count of the host.
type Info struct {
	// Total is the number of devices reported by the host.
	Total int

	// Initialized reports whether the pool has an init marker. Managed and
	// Idle are only meaningful when it is true.
	Initialized bool

	Managed int
	Idle    int
}

func (i Info) String() string {
	if !i.Initialized {
		return fmt.Sprintf("GPU total:%d no managed", i.Total)
	}
	return fmt.Sprintf("GPU total:%d managed:%d idle:%d", i.Total, i.Managed, i.Idle)
}

// Lease describes a managed id that is not idle.
type Lease struct {
	ID int

	// Recorded is false when the id is leased but has no lease record, e.g.
	// because the acquiring process died between pop and record.
	Recorded bool

	Holder int
	Since  time.Time
}

// Marker is the decoded init marker of a pool.
type Marker struct {
	Time    time.Time
	Managed []int
	Total   int
}

// Idle returns the idle ids in ascending order.
func (m *Manager) Idle(ctx context.Context) ([]int, error) {
	return m.rangeIDs(ctx, m.keys.idle())
}

// Managed returns the managed ids in ascending order.
func (m *Manager) Managed(ctx context.Context) ([]int, error) {
	return m.rangeIDs(ctx, m.keys.managed())
}

// Log returns the event log, oldest entry first.
func (m *Manager) Log(ctx context.Context) ([]string, error) {
	events, err := m.store.Range(ctx, m.keys.events())
	if err != nil {
		return nil, m.storeErr(ctx, "read event log", err)
	}
	slices.Reverse(events)
	return events, nil
}

// Info returns the device count of the host with the managed and idle counts
// of the pool.
func (m *Manager) Info(ctx context.Context) (Info, error) {
	total, err := m.DeviceCount(ctx)
	if err != nil {
		return Info{}, err
	}
	marker, err := m.store.HashGetAll(ctx, m.keys.marker())
	if err != nil {
		return Info{}, m.storeErr(ctx, "read init marker", err)
	}
	managed, err := m.Managed(ctx)
	if err != nil {
		return Info{}, err
	}
	idle, err := m.Idle(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Total:       total,
		Initialized: len(marker) > 0,
		Managed:     len(managed),
		Idle:        len(idle),
	}, nil
}

// Leases returns every leased id with its lease record, in ascending id order.
func (m *Manager) Leases(ctx context.Context) ([]Lease, error) {
	leased, err := m.leased(ctx)
	if err != nil {
		return nil, err
	}
	leases := make([]Lease, 0, len(leased))
	for _, id := range leased {
		rec, err := m.store.HashGetAll(ctx, m.keys.lease(id))
		if err != nil {
			return nil, m.storeErr(ctx, "read lease record", err)
		}
		l := Lease{ID: id}
		if pid, err := strconv.Atoi(rec[fieldPID]); err == nil {
			l.Recorded = true
			l.Holder = pid
			l.Since, _ = time.ParseInLocation(timeLayout, rec[fieldTime], time.Local)
		}
		leases = append(leases, l)
	}
	return leases, nil
}

// Marker returns the init marker of the pool and whether it exists.
func (m *Manager) Marker(ctx context.Context) (Marker, bool, error) {
	rec, err := m.store.HashGetAll(ctx, m.keys.marker())
	if err != nil {
		return Marker{}, false, m.storeErr(ctx, "read init marker", err)
	}
	if len(rec) == 0 {
		return Marker{}, false, nil
	}

	var marker Marker
	if t, err := time.ParseInLocation(timeLayout, rec[fieldTime], time.Local); err == nil {
		marker.Time = t
	}
	if n, err := strconv.Atoi(rec[fieldCount]); err == nil {
		marker.Total = n
	}
	marker.Managed = []int{}
	for _, s := range strings.Split(rec[fieldManaged], ",") {
		if id, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			marker.Managed = append(marker.Managed, id)
		}
	}
	return marker, true, nil
}

func (m *Manager) rangeIDs(ctx context.Context, key string) ([]int, error) {
	values, err := m.store.Range(ctx, key)
	if err != nil {
		return nil, m.storeErr(ctx, "read "+key, err)
	}
	ids := make([]int, 0, len(values))
	for _, v := range values {
		id, err := strconv.Atoi(v)
		if err != nil {
			m.logger.Warn("ignoring invalid resource id", "key", key, "value", v)
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
