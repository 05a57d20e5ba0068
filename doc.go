// Package gpupool shares the GPUs of a host between independent processes.
//
// The pool state lives in a shared store (Redis, PostgreSQL or process memory)
// so that unrelated processes, typically jobs started by a scheduler or a
// shell script, can lease a GPU id, use it exclusively and hand it back. A
// process that dies while holding a GPU leaves a lease record behind; Purge
// reclaims such ids after checking that the recorded holder no longer exists.
//
// Every operation is a short sequence of store calls and a Manager keeps no
// state between calls, so any number of processes may share one pool through
// their own Manager.
//
// Basic usage:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	defer rdb.Close()
//
//	manager, err := gpupool.New(gpupool.Config{
//		Store:   gpupool.NewRedisStore(rdb),
//		Devices: device.NvidiaSMI{},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Put the two highest GPUs under management, once per host.
//	if _, err := manager.Init(ctx, gpupool.ManageCount(2), false); err != nil &&
//		!errors.Is(err, gpupool.ErrAlreadyInitialized) {
//		log.Fatal(err)
//	}
//
//	// Wait for an idle GPU
//	resource, err := manager.AcquireResource(ctx, os.Getpid())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer resource.Close() // or defer resource.Release(ctx)
//
//	fmt.Printf("CUDA_VISIBLE_DEVICES=%d\n", resource.ID())
package gpupool
