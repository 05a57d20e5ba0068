// Package waitqueue lets goroutines block until a PostgreSQL notification
// announces new data under a key. Notifications carry the key as payload and
// wake every waiter registered for that key.
package waitqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgxlisten"
)

type ListenHandler struct {
	mu sync.RWMutex

	// waiters maps a key to the callbacks of its waiters, by waiter id.
	waiters map[string]map[string]func(context.Context) error
}

var (
	_ pgxlisten.Handler        = (*ListenHandler)(nil)
	_ pgxlisten.BacklogHandler = (*ListenHandler)(nil)
)

// HandleNotification implements the pgxlisten.Handler interface.
// It wakes every waiter registered under the notification payload.
func (h *ListenHandler) HandleNotification(ctx context.Context, notification *pgconn.Notification, _ *pgx.Conn) error {
	h.mu.RLock()
	callbacks := make([]func(context.Context) error, 0, len(h.waiters[notification.Payload]))
	for _, cb := range h.waiters[notification.Payload] {
		callbacks = append(callbacks, cb)
	}
	h.mu.RUnlock()

	h.fire(ctx, callbacks)
	return nil
}

// HandleBacklog implements the pgxlisten.BacklogHandler interface. It runs
// after every (re)connect of the listener, when notifications may have been
// missed, and wakes every waiter so that each re-checks its key.
func (h *ListenHandler) HandleBacklog(ctx context.Context, _ string, _ *pgx.Conn) error {
	h.mu.RLock()
	var callbacks []func(context.Context) error
	for _, byID := range h.waiters {
		for _, cb := range byID {
			callbacks = append(callbacks, cb)
		}
	}
	h.mu.RUnlock()

	h.fire(ctx, callbacks)
	return nil
}

// fire runs callbacks asynchronously so the listener is never blocked.
func (h *ListenHandler) fire(ctx context.Context, callbacks []func(context.Context) error) {
	for _, cb := range callbacks {
		if cb == nil {
			continue
		}
		go func() {
			_ = cb(ctx)
		}()
	}
}

// Register registers a waiter with the given id under key.
func (h *ListenHandler) Register(key, id string, callback func(context.Context) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.waiters == nil {
		h.waiters = make(map[string]map[string]func(context.Context) error)
	}
	byID, ok := h.waiters[key]
	if !ok {
		byID = make(map[string]func(context.Context) error)
		h.waiters[key] = byID
	}
	if _, exists := byID[id]; exists {
		return fmt.Errorf("duplicate id: %s", id)
	}
	byID[id] = callback
	return nil
}

// Has checks if a waiter with the given id is registered under key.
func (h *ListenHandler) Has(key, id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, exists := h.waiters[key][id]
	return exists
}

// Len returns the number of waiters registered under key.
func (h *ListenHandler) Len(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.waiters[key])
}

// Unregister removes the waiter with the given id from key.
func (h *ListenHandler) Unregister(key, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID, ok := h.waiters[key]
	if !ok {
		return false
	}
	if _, exists := byID[id]; !exists {
		return false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(h.waiters, key)
	}
	return true
}
