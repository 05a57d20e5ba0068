package gpupool

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// DefaultPrefix is the key prefix used when Config.Prefix is empty.
const DefaultPrefix = "GPU"

// Config holds the configuration of a Manager.
type Config struct {
	// Store is the shared store holding the pool state. Required.
	Store Store

	// Prefix namespaces every key of the pool. Defaults to DefaultPrefix.
	Prefix string

	// Devices reports the number of devices on the host. It is queried on
	// every Init and Info call and never cached. Optional; Init and Info
	// fail without it.
	Devices DeviceCounter

	// Prober decides whether a lease holder is still alive during Purge.
	// Optional; Purge fails without it.
	Prober Prober

	// Logger receives debug and warning records. Defaults to a discarding logger.
	Logger *slog.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store cannot be nil")
	}
	if strings.ContainsAny(c.Prefix, " \t\r\n") {
		return fmt.Errorf("prefix cannot contain whitespace: given %q", c.Prefix)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// keys names the store records of one pool.
type keys struct {
	prefix string
}

func (k keys) idle() string    { return k.prefix + "_IDLE" }
func (k keys) managed() string { return k.prefix + "_MANAGED" }
func (k keys) events() string  { return k.prefix + "_EVENTS" }
func (k keys) marker() string  { return k.prefix + "_INIT" }

func (k keys) lease(id int) string {
	return fmt.Sprintf("%s_GPU%d", k.prefix, id)
}

// Field names of the init marker and lease records.
const (
	fieldTime    = "TIME"
	fieldManaged = "GPUMANAGED"
	fieldCount   = "GPUCOUNT"
	fieldPID     = "PID"
)

// timeLayout formats every timestamp written to the store.
const timeLayout = "2006-01-02 15:04:05"
