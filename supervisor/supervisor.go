// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package supervisor implements the Reconciliation Supervisor (component F)
// and the in-process half of the Status View (component G): it owns the
// worker registry, drives one tick per poll interval, and publishes a
// read-only Snapshot for the HTTP status surface to serve.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/vmnet/pkci/desiredstate"
	"github.com/vmnet/pkci/descriptor"
	"github.com/vmnet/pkci/hostnet"
	"github.com/vmnet/pkci/pkcimodel"
	"github.com/vmnet/pkci/worker"
)

// Snapshot is the read-only value published once per tick for the Status
// View to serve without touching the registry (spec.md §4.7/§5).
type Snapshot struct {
	Desired map[pkcimodel.BridgeKey]*pkcimodel.BridgeGroup
	Workers []worker.Snapshot
	Errors  []pkcimodel.TickError
	Crash   *pkcimodel.TickError
	TickAt  time.Time
}

// Supervisor owns the worker registry and drives reconciliation ticks.
type Supervisor struct {
	descriptorReader *descriptor.Reader
	desiredBuilder   *desiredstate.Builder
	effector         *hostnet.Effector

	workerDir  string
	dhcpBinary string
	logger     hclog.Logger

	mu       sync.Mutex // guards registry; held only by the tick goroutine
	registry map[pkcimodel.BridgeKey]*worker.Worker

	ticking  atomic.Bool
	snapshot atomic.Pointer[Snapshot]
}

// Config bundles the Supervisor's construction-time dependencies.
type Config struct {
	DescriptorDir string
	WorkerDir     string
	DHCPBinary    string
	Logger        hclog.Logger
}

// New returns a Supervisor with an empty worker registry.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Supervisor{
		descriptorReader: descriptor.New(cfg.DescriptorDir, logger),
		desiredBuilder:   desiredstate.New(logger),
		effector:         hostnet.New(logger),
		workerDir:        cfg.WorkerDir,
		dhcpBinary:       cfg.DHCPBinary,
		logger:           logger.Named("supervisor"),
		registry:         map[pkcimodel.BridgeKey]*worker.Worker{},
	}
	s.snapshot.Store(&Snapshot{})
	return s
}

// Run ticks every interval until ctx is canceled, then stops every worker
// before returning (spec.md §5 "Shutdown").
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick(ctx)
	dropDueTick(ticker)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-ticker.C:
			if s.ticking.Load() {
				// Previous tick still running: drop this one rather than
				// queue it, per spec.md §4.6 "Ordering".
				s.logger.Warn("skipping tick: previous tick still running")
				continue
			}
			s.Tick(ctx)
			dropDueTick(ticker)
		}
	}
}

// dropDueTick discards a tick the ticker delivered while the previous Tick
// was still running, so it is skipped rather than run straight afterwards.
func dropDueTick(ticker *time.Ticker) {
	select {
	case <-ticker.C:
	default:
	}
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.registry))
	for _, w := range s.registry {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = w.Stop(stopCtx, s.effector)
		}(w)
	}
	wg.Wait()
}

// Tick performs one full reconciliation pass: steps 1-7 of spec.md §4.6,
// serial and non-overlapping. It is exported so callers (including tests)
// can drive ticks directly instead of waiting on the interval loop.
func (s *Supervisor) Tick(ctx context.Context) *Snapshot {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Warn("Tick called while a tick is already running; ignoring")
		return s.snapshot.Load()
	}
	defer s.ticking.Store(false)

	tickID := uuid.New().String()
	logger := s.logger.With("tick_id", tickID)

	merr := new(multierror.Error)

	desired, tickErrs, err := s.deriveDesiredState()
	merr = appendTickErrors(merr, tickErrs)

	if err != nil {
		crash := pkcimodel.ReconcileCrash("unable to derive desired state", err)
		logger.Error("tick aborted", "error", err)
		return s.publish(desired, crash, merr)
	}

	s.mu.Lock()
	s.reconcileRegistry(desired)
	s.rebuildWorkers(ctx, merr)
	s.mu.Unlock()

	logger.Debug("tick complete", "bridges", len(desired), "errors", len(merr.Errors))

	return s.publish(desired, nil, merr)
}

// deriveDesiredState runs component A then component B (spec.md §4.6 step 1).
func (s *Supervisor) deriveDesiredState() (map[pkcimodel.BridgeKey]*pkcimodel.BridgeGroup, []pkcimodel.TickError, error) {
	candidates, descErrs, err := s.descriptorReader.List()
	if err != nil {
		return nil, descErrs, err
	}

	groups, buildErrs := s.desiredBuilder.Build(candidates)

	all := make([]pkcimodel.TickError, 0, len(descErrs)+len(buildErrs))
	all = append(all, descErrs...)
	all = append(all, buildErrs...)
	return groups, all, nil
}

// reconcileRegistry performs steps 2-4 of spec.md §4.6: create workers for
// new BridgeKeys, install updated desired state (marking PendingRebuild on
// config change) for existing ones, and retire workers whose BridgeKey has
// left desired state. Caller must hold s.mu.
func (s *Supervisor) reconcileRegistry(desired map[pkcimodel.BridgeKey]*pkcimodel.BridgeGroup) {
	for key, group := range desired {
		w, exists := s.registry[key]
		if !exists {
			s.registry[key] = worker.New(key, group, s.workerDir, s.dhcpBinary, s.logger)
			continue
		}

		w.SetDesired(group)
		changed, err := w.ConfigChanged()
		if err != nil {
			s.logger.Warn("unable to compute config change", "bridge", key.Name, "error", err)
			continue
		}
		if changed {
			w.MarkPendingRebuild()
		}
	}

	for key, w := range s.registry {
		if _, stillDesired := desired[key]; !stillDesired {
			w.MarkNoLongerNeeded()
		}
	}
}

// rebuildWorkers performs step 5 of spec.md §4.6: every worker needing a
// rebuild (new, pending-rebuild, failed-start, or crashed) is rebuilt; every worker no
// longer needed is stopped and dropped from the registry. Iteration order
// is the registry keys sorted lexically by BridgeKey.String(), a stable but
// not otherwise meaningful order (spec.md §5). Caller must hold s.mu.
func (s *Supervisor) rebuildWorkers(ctx context.Context, merr *multierror.Error) {
	keys := make([]pkcimodel.BridgeKey, 0, len(s.registry))
	for key := range s.registry {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, key := range keys {
		w := s.registry[key]

		if w.Status() == worker.StatusNoLongerNeeded {
			if err := w.Stop(ctx, s.effector); err != nil {
				merr.Errors = append(merr.Errors, pkcimodel.PlumbingFailure(key, "teardown failed", err))
			}
			delete(s.registry, key)
			continue
		}

		if !w.NeedsRebuild() {
			continue
		}

		// A worker being rebuilt in place (config change, or recovering
		// from an unexpected exit) is stopped first so its old plumbing
		// and child never coexist with the new ones.
		if w.Status() != worker.StatusNotStarted {
			if err := w.Stop(ctx, s.effector); err != nil {
				s.logger.Warn("stop before rebuild failed", "bridge", key.Name, "error", err)
			}
		}

		if err := w.Rebuild(ctx, s.effector); err != nil {
			merr.Errors = append(merr.Errors, pkcimodel.PlumbingFailure(key, "rebuild failed", err))
		}
	}
}

func (s *Supervisor) publish(desired map[pkcimodel.BridgeKey]*pkcimodel.BridgeGroup, crash *pkcimodel.TickError, merr *multierror.Error) *Snapshot {
	s.mu.Lock()
	keys := make([]pkcimodel.BridgeKey, 0, len(s.registry))
	for key := range s.registry {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	workerSnaps := make([]worker.Snapshot, 0, len(keys))
	for _, key := range keys {
		workerSnaps = append(workerSnaps, s.registry[key].Snapshot())
	}
	s.mu.Unlock()

	snap := &Snapshot{
		Desired: desired,
		Workers: workerSnaps,
		Errors:  flattenTickErrors(merr.Errors),
		Crash:   crash,
		TickAt:  time.Now(),
	}
	s.snapshot.Store(snap)
	return snap
}

// Snapshot returns the most recently published tick's read-only state,
// safe for concurrent callers (spec.md §5 "Shared state").
func (s *Supervisor) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// appendTickErrors folds a []pkcimodel.TickError into the tick's running
// multierror.Error, the aggregation shape grounded in the teacher's
// VMTerminatedTeardown use of multierror.Error for exactly this "collect
// many non-fatal problems" pattern.
func appendTickErrors(merr *multierror.Error, errs []pkcimodel.TickError) *multierror.Error {
	for i := range errs {
		merr = multierror.Append(merr, &errs[i])
	}
	return merr
}

func flattenTickErrors(errs []error) []pkcimodel.TickError {
	out := make([]pkcimodel.TickError, 0, len(errs))
	for _, e := range errs {
		if te, ok := e.(*pkcimodel.TickError); ok {
			out = append(out, *te)
			continue
		}
		out = append(out, *pkcimodel.ReconcileCrash("", e))
	}
	return out
}
