// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/vmnet/pkci/hostnet"
	"github.com/vmnet/pkci/worker"
)

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	return "", "", nil
}

func newTestSupervisor(t *testing.T, descriptorDir string) *Supervisor {
	t.Helper()
	s := New(Config{
		DescriptorDir: descriptorDir,
		WorkerDir:     t.TempDir(),
		DHCPBinary:    "kea-dhcp4",
	})
	s.effector = hostnet.NewWithRunner(nil, noopRunner{})
	return s
}

func writeDescriptor(t *testing.T, dir, name, content string) {
	t.Helper()
	must.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func Test_Supervisor_Tick_createsWorkerForNewBridge(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "100.conf", "net0: bridge=vmbr0,virtio=AA:BB:CC:DD:EE:01\nipconfig0: ip=10.0.0.5/24\n")

	s := newTestSupervisor(t, dir)

	snap := s.Tick(context.Background())
	must.Nil(t, snap.Crash)
	must.Len(t, 1, snap.Workers)
	must.Eq(t, worker.StatusRunning, snap.Workers[0].Status)
}

func Test_Supervisor_Tick_retiresWorkerNoLongerDesired(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "100.conf", "net0: bridge=vmbr0,virtio=AA:BB:CC:DD:EE:01\nipconfig0: ip=10.0.0.5/24\n")

	s := newTestSupervisor(t, dir)
	s.Tick(context.Background())
	must.Len(t, 1, s.Snapshot().Workers)

	must.NoError(t, os.Remove(filepath.Join(dir, "100.conf")))

	snap := s.Tick(context.Background())
	must.Len(t, 0, snap.Workers)
}

func Test_Supervisor_Tick_configChangeTriggersRebuild(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "100.conf", "net0: bridge=vmbr0,virtio=AA:BB:CC:DD:EE:01\nipconfig0: ip=10.0.0.5/24\n")

	s := newTestSupervisor(t, dir)
	s.Tick(context.Background())
	firstStatus := s.Snapshot().Workers[0].Status
	must.Eq(t, worker.StatusRunning, firstStatus)

	// Add a second reservation to the same bridge: this changes the
	// rendered DHCP config, so the worker must be rebuilt in place.
	writeDescriptor(t, dir, "101.conf", "net0: bridge=vmbr0,virtio=AA:BB:CC:DD:EE:02\nipconfig0: ip=10.0.0.6/24\n")

	snap := s.Tick(context.Background())
	must.Len(t, 1, snap.Workers)
	must.Eq(t, worker.StatusRunning, snap.Workers[0].Status)
	must.Len(t, 2, snap.Workers[0].Reservations)
}

func Test_Supervisor_Tick_directoryMissingProducesCrashNotPanic(t *testing.T) {
	s := newTestSupervisor(t, filepath.Join(t.TempDir(), "does-not-exist"))

	snap := s.Tick(context.Background())
	must.NotNil(t, snap.Crash)
}

func Test_Supervisor_Tick_descriptorErrorsSurfaceButDoNotAbortOtherVMs(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "100.conf", "net0: tag=notanumber,virtio=AA:BB:CC:DD:EE:01\nipconfig0: ip=10.0.0.5/24\n")
	writeDescriptor(t, dir, "101.conf", "net0: bridge=vmbr0,virtio=AA:BB:CC:DD:EE:02\nipconfig0: ip=10.0.0.6/24\n")

	s := newTestSupervisor(t, dir)
	snap := s.Tick(context.Background())

	must.Nil(t, snap.Crash)
	must.Len(t, 1, snap.Errors)
	must.Len(t, 1, snap.Workers)
}

func Test_Supervisor_Tick_nonOverlapping(t *testing.T) {
	dir := t.TempDir()
	s := newTestSupervisor(t, dir)

	s.ticking.Store(true)
	snap := s.Tick(context.Background())
	must.Eq(t, s.Snapshot(), snap)
}
