// Command gpupool shares the GPUs of a host between independent processes.
//
// Usage:
//
//	gpupool [connection flags] <action flag>
//
// Initialize the pool once (the device count comes from nvidia-smi unless
// --gpu-total or GPUPOOL_GPU_COUNT is set):
//
//	gpupool --redis-manage-all
//	gpupool --redis-manage 0,2,3 --force
//	gpupool --redis-manage-count 2
//
// Lease and release ids from job scripts:
//
//	GPU=$(gpupool --get)
//	CUDA_VISIBLE_DEVICES=$GPU ./train
//	gpupool --release $GPU
//
// Inspect and repair:
//
//	gpupool --info | --idle | --managed | --leases | --log
//	gpupool --redis-purge
//	gpupool --redis-delete
//
// The store is Redis by default (REDIS_HOST, REDIS_PORT, REDIS_DB,
// REDIS_PASSWORD). With --backend postgres the standard PostgreSQL
// environment variables are used:
//   - DATABASE_URL: Full connection string (overrides all other variables)
//   - PGHOST, PGPORT, PGUSER, PGPASSWORD, PGDATABASE
//
// The exit status is 1 when the store is unreachable, 2 for invalid requests
// and 0 otherwise, including informational outcomes such as releasing an
// idle GPU.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/yuku/gpupool/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr, cli.DefaultDeps())
	cancel()
	os.Exit(code)
}
