// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package worker implements the Interface Worker (component C): the
// long-lived unit that owns one bridge's namespace, veth pair, DHCP child
// process, and reservation set.
//
// The shape is adapted from the teacher's taskHandle
// (github.com/hashicorp/nomad-driver-virt/virt): a mutex-guarded status
// field plus a background goroutine that owns the child's lifecycle, with
// a Snapshot() method standing in for taskHandle.TaskStatus().
package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/vmnet/pkci/dhcpconfig"
	"github.com/vmnet/pkci/hostnet"
	"github.com/vmnet/pkci/pkcimodel"
)

var leaseAllocatedRe = regexp.MustCompile(`lease (\S+) has been allocated`)

// Worker is the live counterpart to a desired BridgeGroup. It exclusively
// owns its namespace, veth, config directory, and child process; no other
// component mutates these (spec.md §3 Lifecycle/ownership).
type Worker struct {
	mu sync.RWMutex

	key        pkcimodel.BridgeKey
	group      *pkcimodel.BridgeGroup
	status     Status
	lastError  error
	stopped    bool
	appliedCfg []byte
	allocated  map[pkcimodel.ReservationKey]bool

	rootDir    string
	configDir  string
	dhcpBinary string

	proc       process
	logFile    *os.File
	readerDone chan struct{}

	launcher launcher
	logger   hclog.Logger
}

// New creates a Worker in StatusNotStarted for key, with group installed as
// its initial reservation set (spec.md §4.3 "create" transition).
func New(key pkcimodel.BridgeKey, group *pkcimodel.BridgeGroup, rootDir, dhcpBinary string, logger hclog.Logger) *Worker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Worker{
		key:        key,
		group:      group,
		status:     StatusNotStarted,
		allocated:  map[pkcimodel.ReservationKey]bool{},
		rootDir:    rootDir,
		configDir:  filepath.Join(rootDir, key.Name),
		dhcpBinary: dhcpBinary,
		launcher:   execLauncher{},
		logger:     logger.Named("worker").With("bridge", key.Name),
	}
}

// Key returns the BridgeKey this worker serves.
func (w *Worker) Key() pkcimodel.BridgeKey {
	return w.key
}

// Status returns the worker's current state.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// NeedsRebuild reports whether the supervisor must drive this worker
// through the create/rebuild transition on the next tick.
func (w *Worker) NeedsRebuild() bool {
	return w.Status().NeedsRebuild()
}

// SetDesired installs a new candidate reservation set, without itself
// deciding whether a rebuild is required; the caller compares
// RenderedConfig() against the previously applied bytes first (spec.md
// §4.6 step 3).
func (w *Worker) SetDesired(group *pkcimodel.BridgeGroup) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.group = group
}

// MarkPendingRebuild transitions a Running worker to PendingRebuild when a
// config change was observed (spec.md §4.3 "config-change" transition).
func (w *Worker) MarkPendingRebuild() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusRunning {
		w.status = StatusPendingRebuild
	}
}

// MarkNoLongerNeeded transitions the worker to its terminal state once its
// BridgeKey has left desired state (spec.md §4.3 "retire" transition). It
// does not itself tear anything down; callers still invoke Stop.
func (w *Worker) MarkNoLongerNeeded() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = StatusNoLongerNeeded
}

func (w *Worker) nsInterfaceName() string {
	return "kn_" + w.key.Name
}

func (w *Worker) leasesPath() string {
	return filepath.Join(w.configDir, "leases.csv")
}

// RenderedConfig renders the DHCP configuration document for the worker's
// currently-installed desired reservation set.
func (w *Worker) RenderedConfig() ([]byte, error) {
	w.mu.RLock()
	group := w.group
	w.mu.RUnlock()

	if group == nil {
		return nil, fmt.Errorf("worker %s: no desired state installed", w.key.Name)
	}
	return dhcpconfig.Render(group, w.nsInterfaceName(), w.leasesPath())
}

// ConfigChanged reports whether the worker's desired reservation set would
// render to configuration bytes different from the last applied ones
// (spec.md §4.3 "Equality of configuration").
func (w *Worker) ConfigChanged() (bool, error) {
	candidate, err := w.RenderedConfig()
	if err != nil {
		return false, err
	}

	w.mu.RLock()
	applied := w.appliedCfg
	w.mu.RUnlock()

	return !bytes.Equal(candidate, applied), nil
}

// Rebuild provisions plumbing, writes configuration and an empty lease
// file, and spawns the DHCP child, transitioning the worker to Running on
// success or FailedStart on failure (spec.md §4.3 "rebuild" transition).
func (w *Worker) Rebuild(ctx context.Context, effector *hostnet.Effector) error {
	w.mu.RLock()
	group := w.group
	w.mu.RUnlock()

	if group == nil {
		err := fmt.Errorf("worker %s: no desired state installed", w.key.Name)
		w.setFailed(err)
		return err
	}

	plumbing, err := hostnet.NewPlumbing(group)
	if err != nil {
		w.setFailed(err)
		return err
	}

	if err := effector.Provision(ctx, plumbing); err != nil {
		w.setFailed(err)
		return pkcimodel.PlumbingFailure(w.key, "provisioning failed", err)
	}

	if err := os.MkdirAll(w.configDir, 0o755); err != nil {
		w.setFailed(err)
		return err
	}

	configBytes, err := dhcpconfig.Render(group, w.nsInterfaceName(), w.leasesPath())
	if err != nil {
		w.setFailed(err)
		return err
	}
	if err := os.WriteFile(filepath.Join(w.configDir, "kea-dhcp4.json"), configBytes, 0o644); err != nil {
		w.setFailed(err)
		return err
	}
	if err := os.WriteFile(w.leasesPath(), dhcpconfig.RenderLeaseFile(), 0o644); err != nil {
		w.setFailed(err)
		return err
	}

	logFile, err := os.OpenFile(filepath.Join(w.configDir, "log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.setFailed(err)
		return err
	}

	name, args := dhcpChildArgv(
		w.dhcpBinary,
		plumbing.Namespace,
		filepath.Join(w.configDir, "run"),
		filepath.Join(w.configDir, "kea-dhcp4.json"),
	)

	stderrR, stderrW := io.Pipe()
	proc, err := w.launcher.Start(ctx, name, args, logFile, io.MultiWriter(logFile, stderrW))
	if err != nil {
		_ = logFile.Close()
		w.setFailed(err)
		return err
	}

	done := make(chan struct{})

	w.mu.Lock()
	w.proc = proc
	w.logFile = logFile
	w.appliedCfg = configBytes
	w.allocated = map[pkcimodel.ReservationKey]bool{}
	w.status = StatusRunning
	w.lastError = nil
	w.stopped = false
	w.readerDone = done
	w.mu.Unlock()

	go w.readStderr(stderrR, done)
	go w.waitChild(proc, stderrW)

	w.logger.Info("worker running", "interface", w.nsInterfaceName(), "reservations", len(group.Reservations))

	return nil
}

func (w *Worker) setFailed(err error) {
	w.mu.Lock()
	w.status = StatusFailedStart
	w.lastError = err
	w.mu.Unlock()
	w.logger.Error("worker failed to start", "error", err)
}

// waitChild blocks until the DHCP child exits, then marks the worker
// ExitedUnexpectedly unless it has already been retired by Stop.
func (w *Worker) waitChild(proc process, stderrW *io.PipeWriter) {
	err := proc.Wait()
	_ = stderrW.CloseWithError(err)

	w.mu.Lock()
	if w.proc == proc && w.status != StatusNoLongerNeeded && !w.stopped {
		w.status = StatusExitedUnexpectedly
		w.lastError = err
	}
	w.mu.Unlock()

	w.logger.Warn("dhcp child exited", "error", err)
}

// readStderr scans the child's stderr line by line until EOF, marking
// reservations allocated as their lease-granted lines appear (spec.md
// §4.3). This replaces the source's single-communicate-call-in-a-loop
// shape (§9) with a straightforward streaming scan.
func (w *Worker) readStderr(r io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := leaseAllocatedRe.FindStringSubmatch(line); m != nil {
			w.markAllocated(m[1])
		}
	}
}

func (w *Worker) markAllocated(ip string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.group == nil {
		return
	}
	for key, r := range w.group.Reservations {
		if r.IP != nil && r.IP.String() == ip {
			w.allocated[key] = true
		}
	}
}

// Stop is idempotent: it deletes the namespace and host veth by name,
// signal-kills the child if one was spawned, and waits for the stderr
// reader to quiesce (spec.md §4.3 "Stop contract"). Namespace/veth names
// are derived purely from the BridgeKey's display name, so teardown
// succeeds even after a partial-provisioning failure that never reached
// Rebuild's success path.
func (w *Worker) Stop(ctx context.Context, effector *hostnet.Effector) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	proc := w.proc
	logFile := w.logFile
	done := w.readerDone
	w.mu.Unlock()

	effector.TeardownByName(ctx, w.key.Name)

	if proc != nil {
		_ = proc.Kill()
	}
	if done != nil {
		<-done
	}
	if logFile != nil {
		_ = logFile.Close()
	}

	return nil
}

// Snapshot is a read-only, race-free view of the worker for the Status
// View (component G).
type Snapshot struct {
	Key          pkcimodel.BridgeKey
	DisplayName  string
	Status       Status
	Subnet       *net.IPNet
	VLANTag      int
	Gateway      net.IP
	Reservations []pkcimodel.Reservation
	Allocated    []pkcimodel.Reservation
	LastError    error
}

// Snapshot returns a copy of the worker's externally-visible state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := Snapshot{
		Key:         w.key,
		DisplayName: w.key.Name,
		Status:      w.status,
		LastError:   w.lastError,
	}

	if w.group != nil {
		snap.Subnet = w.group.Subnet
		snap.VLANTag = w.group.VLANTag
		snap.Gateway = w.group.Gateway
		snap.Reservations = w.group.SortedReservations()
		for _, r := range snap.Reservations {
			if w.allocated[r.Key()] {
				snap.Allocated = append(snap.Allocated, r)
			}
		}
	}

	return snap
}
