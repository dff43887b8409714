// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrStopped is returned by ParallelDataset.Yield after Stop is called.
var ErrStopped = errors.New("parallel dataset stopped")

// ParallelDataset prefetches batches of a Dataset with a pool of worker goroutines, into a bounded buffer.
//
// The consumer (Yield) blocks while the buffer is empty, and the workers block while the buffer is full.
// Stop signals all workers to stop and waits for all of them to finish. The first error returned by the
// underlying dataset stops all workers, and it is returned by Yield (and by Stop).
//
// Example:
//
//	pds := data.Parallel(ds).Workers(4).Buffer(8).Start(ctx)
//	defer func() { _ = pds.Stop() }()
//	batch, err := pds.Yield()
type ParallelDataset struct {
	ds                Dataset
	workers, buffered int

	started  bool
	queue    chan Batch
	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	muErr    sync.Mutex
	err      error
	stopOnce sync.Once
}

var _ Dataset = (*ParallelDataset)(nil)

// Parallel creates a ParallelDataset around ds, which must be safe for concurrent use.
// Configure it with Workers and Buffer, and then call Start.
func Parallel(ds Dataset) *ParallelDataset {
	return &ParallelDataset{ds: ds, workers: runtime.NumCPU(), buffered: runtime.NumCPU()}
}

// Workers sets the number of worker goroutines. Default is the number of CPUs.
func (pd *ParallelDataset) Workers(n int) *ParallelDataset {
	pd.mustNotBeStarted("Workers")
	pd.workers = max(1, n)
	return pd
}

// Buffer sets the capacity of the queue of prefetched batches. Default is the number of CPUs.
func (pd *ParallelDataset) Buffer(n int) *ParallelDataset {
	pd.mustNotBeStarted("Buffer")
	pd.buffered = max(0, n)
	return pd
}

func (pd *ParallelDataset) mustNotBeStarted(method string) {
	if pd.started {
		klog.Fatalf("ParallelDataset.%s called after Start", method)
	}
}

// Start the workers. They also stop if ctx is cancelled.
func (pd *ParallelDataset) Start(ctx context.Context) *ParallelDataset {
	pd.mustNotBeStarted("Start")
	pd.started = true
	pd.queue = make(chan Batch, pd.buffered)
	ctx, pd.cancel = context.WithCancel(ctx)
	pd.group, pd.groupCtx = errgroup.WithContext(ctx)
	for range pd.workers {
		pd.group.Go(pd.worker)
	}
	klog.V(1).Infof("ParallelDataset(%s): started %d workers, buffer of %d", pd.ds.Name(), pd.workers, pd.buffered)
	return pd
}

func (pd *ParallelDataset) worker() error {
	for {
		select {
		case <-pd.groupCtx.Done():
			return nil
		default:
		}
		batch, err := pd.ds.Yield()
		if err != nil {
			pd.setErr(err)
			return err
		}
		select {
		case <-pd.groupCtx.Done():
			return nil
		case pd.queue <- batch:
		}
	}
}

func (pd *ParallelDataset) setErr(err error) {
	pd.muErr.Lock()
	defer pd.muErr.Unlock()
	if pd.err == nil {
		pd.err = err
	}
}

func (pd *ParallelDataset) getErr() error {
	pd.muErr.Lock()
	defer pd.muErr.Unlock()
	return pd.err
}

// Name implements Dataset.
func (pd *ParallelDataset) Name() string { return pd.ds.Name() }

// Yield implements Dataset. It blocks until a batch is available, and returns the first worker error
// (or ErrStopped) once the workers stopped.
func (pd *ParallelDataset) Yield() (Batch, error) {
	if !pd.started {
		return Batch{}, errors.New("ParallelDataset.Yield called before Start")
	}
	// Check for errors first, so batches left in the queue don't hide a failure.
	if err := pd.getErr(); err != nil {
		return Batch{}, err
	}
	select {
	case batch := <-pd.queue:
		return batch, nil
	case <-pd.groupCtx.Done():
		if err := pd.getErr(); err != nil {
			return Batch{}, err
		}
		return Batch{}, ErrStopped
	}
}

// Stop signals all workers to stop and waits for them to finish. It returns the first error of the
// workers, if any. It is safe to call Stop more than once.
func (pd *ParallelDataset) Stop() error {
	if !pd.started {
		return nil
	}
	pd.stopOnce.Do(func() {
		pd.cancel()
		_ = pd.group.Wait()
		klog.V(1).Infof("ParallelDataset(%s): all workers stopped", pd.ds.Name())
	})
	return pd.getErr()
}
