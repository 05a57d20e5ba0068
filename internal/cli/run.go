package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yuku/gpupool"
	"github.com/yuku/gpupool/internal/device"
)

func run(cmd *cobra.Command, opts *Options, deps Deps) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	flags := cmd.Flags()

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	devices := deps.Devices
	if devices == nil {
		if opts.GPUTotal >= 0 {
			devices = device.Static(opts.GPUTotal)
		} else {
			devices = device.NvidiaSMI{}
		}
	}

	if opts.DeviceCount {
		n, err := devices.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
		return nil
	}

	store, closeStore, err := deps.OpenStore(ctx, opts, logger)
	if err != nil {
		return fmt.Errorf("%w: %w", gpupool.ErrStoreUnavailable, err)
	}
	defer closeStore()

	manager, err := gpupool.New(gpupool.Config{
		Store:   store,
		Prefix:  opts.Prefix,
		Devices: devices,
		Prober:  deps.Prober,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	if err := manager.Ping(ctx); err != nil {
		return err
	}

	holder := opts.Holder
	if !flags.Changed("holder") {
		holder = deps.Getppid()
	}

	switch {
	case opts.ManagedCount:
		managed, err := manager.Managed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, len(managed))

	case flags.Changed("redis-manage-all"), flags.Changed("redis-manage"), flags.Changed("redis-manage-count"):
		sel, err := selection(cmd, opts)
		if err != nil {
			return err
		}
		n, err := manager.Init(ctx, sel, opts.Force)
		if errors.Is(err, gpupool.ErrAlreadyInitialized) {
			fmt.Fprintln(out, "Objects already initialized, add --force to proceed.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)

	case opts.Get:
		id, err := manager.Acquire(ctx, holder)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, id)

	case flags.Changed("release"):
		err := manager.Release(ctx, opts.Release, holder)
		switch {
		case errors.Is(err, gpupool.ErrAlreadyIdle):
			fmt.Fprintf(out, "GPU %d is already idle.\n", opts.Release)
		case errors.Is(err, gpupool.ErrNotManaged):
			fmt.Fprintf(out, "GPU %d is not managed.\n", opts.Release)
		case err != nil:
			return err
		default:
			fmt.Fprintf(out, "GPU %d released.\n", opts.Release)
		}

	case opts.Log:
		events, err := manager.Log(ctx)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Fprintln(out, e)
		}

	case opts.Idle:
		idle, err := manager.Idle(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "There is %d IDLE GPUs, IDs: %s\n", len(idle), joinIDs(idle))

	case opts.Managed:
		managed, err := manager.Managed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "There is %d MANAGED GPUs, IDs: %s\n", len(managed), joinIDs(managed))

	case opts.Info:
		info, err := manager.Info(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, info)

	case opts.Leases:
		leases, err := manager.Leases(ctx)
		if err != nil {
			return err
		}
		for _, l := range leases {
			if !l.Recorded {
				fmt.Fprintf(out, "GPU %d is leased without a lease record.\n", l.ID)
				continue
			}
			fmt.Fprintf(out, "GPU %d held by PID %d since %s.\n", l.ID, l.Holder, l.Since.Format("2006-01-02 15:04:05"))
		}

	case opts.Delete:
		if err := manager.DeleteAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "All objects related to GPU management were deleted.")

	case opts.Purge:
		n, err := manager.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
	}
	return nil
}

func selection(cmd *cobra.Command, opts *Options) (gpupool.Selection, error) {
	flags := cmd.Flags()
	switch {
	case flags.Changed("redis-manage"):
		ids, err := parseIDs(opts.Manage)
		if err != nil {
			return nil, err
		}
		return gpupool.ManageIDs(ids...), nil
	case flags.Changed("redis-manage-count"):
		return gpupool.ManageCount(opts.ManageCount), nil
	}
	return gpupool.ManageAll(), nil
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
