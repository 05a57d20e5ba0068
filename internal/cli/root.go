// Package cli implements the gpupool command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/yuku/gpupool"
	"github.com/yuku/gpupool/internal"
	"github.com/yuku/gpupool/internal/liveness"
)

// Exit codes of Execute.
const (
	ExitOK          = 0
	ExitUnavailable = 1
	ExitInvalid     = 2
)

// Backends accepted by --backend.
var ValidBackends = []string{"redis", "postgres", "memory"}

// Options holds every flag of the command.
type Options struct {
	Backend       string
	RedisServer   string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	DatabaseURL   string
	Prefix        string
	Holder        int
	GPUTotal      int
	Verbose       bool

	DeviceCount  bool
	ManagedCount bool
	ManageAll    bool
	Manage       string
	ManageCount  int
	Force        bool
	Get          bool
	Release      int
	Log          bool
	Idle         bool
	Managed      bool
	Info         bool
	Leases       bool
	Delete       bool
	Purge        bool
}

// Deps are the collaborators of the command. Zero fields are filled by
// DefaultDeps.
type Deps struct {
	// OpenStore connects to the backend chosen by opts. The returned function
	// releases the connection.
	OpenStore func(ctx context.Context, opts *Options, logger *slog.Logger) (gpupool.Store, func(), error)

	// Devices overrides the device counter chosen by --gpu-total.
	Devices gpupool.DeviceCounter

	Prober  gpupool.Prober
	Getppid func() int
}

// DefaultDeps returns the collaborators used by the gpupool binary.
func DefaultDeps() Deps {
	return Deps{
		OpenStore: OpenStore,
		Prober:    liveness.Process{},
		Getppid:   os.Getppid,
	}
}

var actionFlags = []string{
	"gpu-count", "managed-gpu-count",
	"redis-manage-all", "redis-manage", "redis-manage-count",
	"get", "release", "log", "idle", "managed", "info", "leases",
	"redis-delete", "redis-purge",
}

// NewRootCommand creates the gpupool command.
func NewRootCommand(deps Deps) *cobra.Command {
	defaults := DefaultDeps()
	if deps.OpenStore == nil {
		deps.OpenStore = defaults.OpenStore
	}
	if deps.Prober == nil {
		deps.Prober = defaults.Prober
	}
	if deps.Getppid == nil {
		deps.Getppid = defaults.Getppid
	}

	opts := &Options{}

	cmd := &cobra.Command{
		Use:   "gpupool",
		Short: "Share the GPUs of a host between processes",
		Long: "gpupool hands out GPU ids to independent processes through a shared store.\n" +
			"Initialize the pool once, then each job runs `gpupool --get` to lease an id\n" +
			"and `gpupool --release <id>` when done. `gpupool --redis-purge` reclaims ids\n" +
			"whose holder died without releasing.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidBackend(opts.Backend) {
				return fmt.Errorf("invalid backend %q: must be one of %v", opts.Backend, ValidBackends)
			}
			if opts.Force && !isInit(cmd) {
				return fmt.Errorf("--force requires one of --redis-manage-all, --redis-manage, --redis-manage-count")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, deps)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Backend, "backend", internal.GetEnvOrDefault("GPUPOOL_BACKEND", "redis"), "shared store backend (redis|postgres|memory)")
	f.StringVar(&opts.RedisServer, "redis-server", internal.GetEnvOrDefault("REDIS_HOST", "localhost"), "Redis server address")
	f.IntVar(&opts.RedisPort, "redis-port", envInt("REDIS_PORT", 6379), "Redis server port")
	f.IntVar(&opts.RedisDB, "redis-db", envInt("REDIS_DB", 0), "Redis server db")
	f.StringVar(&opts.RedisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis server password")
	f.StringVar(&opts.DatabaseURL, "database-url", "", "PostgreSQL connection string (default from DATABASE_URL or PG* variables)")
	f.StringVar(&opts.Prefix, "redis-prefix", internal.GetEnvOrDefault("GPUPOOL_PREFIX", gpupool.DefaultPrefix), "prefix of the store keys used for GPU management")
	f.IntVar(&opts.Holder, "holder", 0, "holder id recorded on --get and --release (default: parent process id)")
	f.IntVar(&opts.GPUTotal, "gpu-total", envInt("GPUPOOL_GPU_COUNT", -1), "number of GPUs on the host; negative asks nvidia-smi")
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	f.BoolVar(&opts.DeviceCount, "gpu-count", false, "print the number of GPUs on the host")
	f.BoolVar(&opts.ManagedCount, "managed-gpu-count", false, "print the number of managed GPUs")
	f.BoolVar(&opts.ManageAll, "redis-manage-all", false, "initialize the pool with all GPUs of the host")
	f.StringVar(&opts.Manage, "redis-manage", "", "initialize the pool with a comma separated list of GPU ids")
	f.IntVar(&opts.ManageCount, "redis-manage-count", 0, "initialize the pool with the given number of highest GPU ids")
	f.BoolVar(&opts.Force, "force", false, "initialize even if the pool is already initialized")
	f.BoolVar(&opts.Get, "get", false, "wait for an idle GPU, lease it and print its id")
	f.IntVar(&opts.Release, "release", 0, "release a leased GPU id")
	f.BoolVar(&opts.Log, "log", false, "print the event log")
	f.BoolVar(&opts.Idle, "idle", false, "print idle GPUs")
	f.BoolVar(&opts.Managed, "managed", false, "print managed GPUs")
	f.BoolVar(&opts.Info, "info", false, "print GPU totals")
	f.BoolVar(&opts.Leases, "leases", false, "print leased GPUs with their holders")
	f.BoolVar(&opts.Delete, "redis-delete", false, "delete every store key of the pool")
	f.BoolVar(&opts.Purge, "redis-purge", false, "reclaim GPUs leased by processes that no longer exist")

	cmd.MarkFlagsMutuallyExclusive(actionFlags...)
	cmd.MarkFlagsOneRequired(actionFlags...)

	return cmd
}

// Execute runs the command with args and returns the process exit code.
//
// Connectivity failures exit with ExitUnavailable and invalid requests with
// ExitInvalid. Outcomes such as an already initialized pool or releasing an
// idle GPU are informational: they are printed and exit with ExitOK.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer, deps Deps) int {
	cmd := NewRootCommand(deps)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, gpupool.ErrStoreUnavailable):
		fmt.Fprintf(stderr, "Can not connect to the shared store, try to start the server first: %v\n", err)
		return ExitUnavailable
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitInvalid
	}
}

// OpenStore connects to the backend selected by opts.
func OpenStore(ctx context.Context, opts *Options, logger *slog.Logger) (gpupool.Store, func(), error) {
	switch opts.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     net.JoinHostPort(opts.RedisServer, strconv.Itoa(opts.RedisPort)),
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		return gpupool.NewRedisStore(rdb), func() { _ = rdb.Close() }, nil
	case "postgres":
		pool, err := internal.GetPool(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store, err := gpupool.OpenPostgresStore(ctx, gpupool.PostgresConfig{Pool: pool, Logger: logger})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() { store.Close(); pool.Close() }, nil
	case "memory":
		return gpupool.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", opts.Backend)
}

func isValidBackend(backend string) bool {
	for _, b := range ValidBackends {
		if b == backend {
			return true
		}
	}
	return false
}

func isInit(cmd *cobra.Command) bool {
	f := cmd.Flags()
	return f.Changed("redis-manage-all") || f.Changed("redis-manage") || f.Changed("redis-manage-count")
}

// parseIDs parses a comma separated list of ids.
func parseIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid GPU id %q", gpupool.ErrInvalidRequest, part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func envInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
