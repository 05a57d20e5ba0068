package waitqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrReady may be returned by an after-register callback to make Wait return
// nil immediately instead of waiting for a notification.
var ErrReady = errors.New("waitqueue: ready")

// Wait registers a waiter on handler and blocks until it is notified or ctx
// is done.
func Wait(ctx context.Context, handler *ListenHandler, opts ...WaitOption) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	options := &WaitOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.id == "" {
		options.id = uuid.NewString()
	}

	notify := make(chan struct{}, 1)

	err := handler.Register(options.key, options.id, func(ctx context.Context) error {
		select {
		case notify <- struct{}{}:
			return nil
		default:
			// A wakeup is already pending.
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register waiter: %w", err)
	}
	defer handler.Unregister(options.key, options.id)

	// Anything that happens after registration is guaranteed to notify us, so
	// the callback can check for data without losing a wakeup.
	if options.afterRegister != nil {
		if err := options.afterRegister(); err != nil {
			if errors.Is(err, ErrReady) {
				return nil
			}
			return fmt.Errorf("after register callback failed: %w", err)
		}
	}

	select {
	case <-notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type WaitOptions struct {
	// key is the notification payload the waiter listens for.
	key string

	// id is the unique identifier of the waiter within key.
	id string

	// afterRegister is called after the waiter is registered.
	afterRegister func() error
}

type WaitOption func(*WaitOptions)

// WithKey sets the notification payload to wait for. Defaults to "".
func WithKey(key string) WaitOption {
	return func(opts *WaitOptions) {
		opts.key = key
	}
}

// WithID allows setting a unique identifier for the waiter.
func WithID(id string) WaitOption {
	return func(opts *WaitOptions) {
		opts.id = id
	}
}

// WithAfterRegister allows setting a callback to be called after the waiter is
// registered.
func WithAfterRegister(callback func() error) WaitOption {
	return func(opts *WaitOptions) {
		opts.afterRegister = callback
	}
}
