// Package follower implements the MapReduce worker role: execute one
// dispatched map or reduce task with a named kernel and report the result
// back to the current Master, re-subscribing through the naming service
// when the Master goes quiet.
//
// Grounded on map_reduce/server/nodes/follower.py's Follower class: its
// synchronous do(task_id, task, fn)->report_task(...) contract, and its
// "subscribe again if the master hasn't heard from us" recovery path.
package follower

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chordreduce/internal/kernel"
	"chordreduce/internal/rpcutil"
)

// Phase mirrors master.State's Mapping/Reducing values without importing
// the master package, keeping the dependency direction master -> follower
// (the Master dispatches into a Follower, never the reverse).
type Phase string

const (
	Mapping  Phase = "mapping"
	Reducing Phase = "reducing"
)

// MasterTransport is the Follower's call surface toward the current Master:
// subscribing for work and reporting a finished (or failed) task.
type MasterTransport interface {
	Subscribe(ctx context.Context, master, self string) error
	ReportTask(ctx context.Context, master, self, taskID string, phase Phase, mapResult []kernel.KeyValue, reduceResult string, failed bool) error
}

// Naming is the minimal lookup surface the Follower uses to find the
// current Master, satisfied directly by *naming.Daemon.
type Naming interface {
	Lookup(name string) (string, bool)
}

// Config holds the Follower's tunables.
type Config struct {
	RequestPolicy rpcutil.Policy // T_req / N_retry — also bounds "master looks dead"
	RetryCap      int            // per-task retry cap before the follower gives up, default 3
}

func DefaultConfig() Config {
	return Config{RequestPolicy: rpcutil.DefaultPolicy(), RetryCap: 3}
}

// Follower is one node's worker-role instance.
type Follower struct {
	self   string
	cfg    Config
	tr     MasterTransport
	naming Naming
	log    *log.Logger

	mu          sync.Mutex
	knownMaster string
	missedTicks int
}

func New(self string, cfg Config, tr MasterTransport, naming Naming, logger *log.Logger) *Follower {
	if logger == nil {
		logger = log.Default()
	}
	return &Follower{self: self, cfg: cfg, tr: tr, naming: naming, log: logger}
}

// resolveMaster returns the Master endpoint the naming service currently
// has bound, re-subscribing whenever it differs from what this follower
// last talked to.
func (f *Follower) resolveMaster(ctx context.Context) (string, error) {
	addr, ok := f.naming.Lookup("master")
	if !ok {
		return "", fmt.Errorf("follower: %w: no master bound in naming service", rpcutil.ErrRingUnavailable)
	}

	f.mu.Lock()
	changed := addr != f.knownMaster
	f.mu.Unlock()

	if changed {
		if err := rpcutil.Call(ctx, addr, f.cfg.RequestPolicy, func(cctx context.Context) error {
			return f.tr.Subscribe(cctx, addr, f.self)
		}); err != nil {
			return "", fmt.Errorf("follower: subscribe to %s: %w", addr, err)
		}
		f.mu.Lock()
		f.knownMaster = addr
		f.missedTicks = 0
		f.mu.Unlock()
		f.log.Printf("follower: subscribed to master %s", addr)
	}
	return addr, nil
}

// Do executes one dispatched task synchronously and reports the outcome to
// the Master, retrying kernel execution up to cfg.RetryCap times before
// reporting failure — the do(task_id, task, fn) -> report_task(...) shape
// of follower.py's RPC handler. mapRecords is the task's chunk of input
// records for the map phase (each mapped independently, results
// concatenated in order); reduceKey/reduceValues carry the reduce phase's
// single shuffled bucket.
func (f *Follower) Do(ctx context.Context, taskID string, phase Phase, kernelName string, mapRecords []kernel.KeyValue, reduceKey string, reduceValues []string) error {
	master, err := f.resolveMaster(ctx)
	if err != nil {
		return err
	}

	k, err := kernel.Lookup(kernelName)
	if err != nil {
		f.reportFailure(ctx, master, taskID, phase)
		return fmt.Errorf("follower: %w", err)
	}

	var (
		mapResult    []kernel.KeyValue
		reduceResult string
		runErr       error
	)
	for attempt := 0; attempt <= f.cfg.RetryCap; attempt++ {
		runErr = func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("kernel panic: %v", r)
				}
			}()
			if phase == Mapping {
				mapResult = mapResult[:0]
				for _, rec := range mapRecords {
					mapResult = append(mapResult, k.Map(rec.Key, rec.Value)...)
				}
			} else {
				reduceResult = k.Reduce(reduceKey, reduceValues)
			}
			return nil
		}()
		if runErr == nil {
			break
		}
		f.log.Printf("follower: task %s attempt %d/%d failed: %v", taskID, attempt+1, f.cfg.RetryCap+1, runErr)
	}

	if runErr != nil {
		f.reportFailure(ctx, master, taskID, phase)
		return fmt.Errorf("follower: %w: %v", rpcutil.ErrTaskFailed, runErr)
	}

	return rpcutil.Call(ctx, master, f.cfg.RequestPolicy, func(cctx context.Context) error {
		return f.tr.ReportTask(cctx, master, f.self, taskID, phase, mapResult, reduceResult, false)
	})
}

func (f *Follower) reportFailure(ctx context.Context, master, taskID string, phase Phase) {
	if err := rpcutil.Call(ctx, master, f.cfg.RequestPolicy, func(cctx context.Context) error {
		return f.tr.ReportTask(cctx, master, f.self, taskID, phase, nil, "", true)
	}); err != nil {
		f.log.Printf("follower: reporting failure for task %s: %v", taskID, err)
	}
}

// Heartbeat runs one tick of the liveness check: it sends Subscribe to the
// Master currently bound to "master", as one Timeout-bounded probe. Success
// records that Master as known; after RequestPolicy.MaxRetries consecutive
// failed ticks the known Master is cleared, so the next resolveMaster call
// looks it up and subscribes afresh.
func (f *Follower) Heartbeat(ctx context.Context) {
	master, ok := f.naming.Lookup("master")
	if !ok {
		return
	}
	alive := rpcutil.Reachable(ctx, f.cfg.RequestPolicy, func(cctx context.Context) error {
		return f.tr.Subscribe(cctx, master, f.self)
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	if alive {
		f.missedTicks = 0
		f.knownMaster = master
		return
	}
	f.missedTicks++
	if f.missedTicks >= f.cfg.RequestPolicy.MaxRetries {
		f.knownMaster = "" // force re-subscribe on next resolveMaster call
		f.missedTicks = 0
	}
}

// RunHeartbeat starts a periodic Heartbeat loop until ctx is cancelled.
func (f *Follower) RunHeartbeat(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.Heartbeat(ctx)
		}
	}
}
