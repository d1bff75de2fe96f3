// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package hostnet implements the Host-Network Effector (component D): the
// idempotent host commands that create and destroy the namespace, veth
// pair, addresses, and VLAN filters backing one worker.
package hostnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/vmnet/pkci/pkcimodel"
)

// ErrUnsupportedPlatform is returned by non-Linux builds of the Effector,
// which cannot issue "ip"/"bridge" netns commands.
var ErrUnsupportedPlatform = errors.New("hostnet: host network plumbing requires linux")

// DefaultCommandTimeout bounds every individual shell-out the Effector
// issues, per spec.md §9's recommendation that implementations impose a
// per-command timeout.
const DefaultCommandTimeout = 10 * time.Second

// Plumbing names the derived identifiers for one worker's host-side
// network objects, all computed from its display name.
type Plumbing struct {
	DisplayName string
	BackingLink string
	VLANTag     int
	Subnet      *net.IPNet

	Namespace  string // kea_<I>
	HostVeth   string // kh_<I>
	NSVeth     string // kn_<I>
	NSAddress  net.IP // A = S[-2], assigned to the namespace-side veth
	PrefixBits int
}

// NewPlumbing derives the plumbing identifiers for a BridgeGroup, per
// spec.md §4.4.
func NewPlumbing(group *pkcimodel.BridgeGroup) (*Plumbing, error) {
	addr, err := pkcimodel.NthAddress(group.Subnet, -2)
	if err != nil {
		return nil, fmt.Errorf("hostnet: unable to derive namespace address: %w", err)
	}

	return &Plumbing{
		DisplayName: group.DisplayName,
		BackingLink: group.BackingLink,
		VLANTag:     group.VLANTag,
		Subnet:      group.Subnet,
		Namespace:   "kea_" + group.DisplayName,
		HostVeth:    "kh_" + group.DisplayName,
		NSVeth:      "kn_" + group.DisplayName,
		NSAddress:   addr,
		PrefixBits:  pkcimodel.PrefixLen(group.Subnet),
	}, nil
}

// Effector issues the host commands that provision and tear down one
// worker's network plumbing.
type Effector struct {
	logger  hclog.Logger
	Timeout time.Duration
	runner  commandRunner
}

// New returns an Effector that logs through logger.
func New(logger hclog.Logger) *Effector {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Effector{
		logger:  logger.Named("hostnet"),
		Timeout: DefaultCommandTimeout,
		runner:  execRunner{},
	}
}

// CommandRunner abstracts process execution so tests - including those of
// other packages that depend on an Effector - can substitute a fake runner
// instead of requiring root and a real "ip"/"bridge" binary, matching the
// teacher's testutil.RequireRoot-gated pattern for the cases where this
// package's own tests do want the real binaries.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

type commandRunner = CommandRunner

// NewWithRunner returns an Effector backed by runner instead of the
// production execRunner, for hermetic tests in this and other packages.
func NewWithRunner(logger hclog.Logger, runner CommandRunner) *Effector {
	e := New(logger)
	e.runner = runner
	return e
}

func (e *Effector) run(ctx context.Context, step string, name string, args ...string) error {
	cctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	stdout, stderr, err := e.runner.Run(cctx, name, args...)
	if err != nil {
		e.logger.Debug("command failed", "step", step, "cmd", name, "args", args, "stdout", stdout, "stderr", stderr)
		return fmt.Errorf("%s: %s %v: %w: %s", step, name, args, err, stderr)
	}
	e.logger.Debug("command ok", "step", step, "cmd", name, "args", args, "stdout", stdout)
	return nil
}

// runBestEffort issues a command whose failure is expected and ignored,
// e.g. deleting an object that may not exist (spec.md §4.4/§7).
func (e *Effector) runBestEffort(ctx context.Context, step string, name string, args ...string) {
	if err := e.run(ctx, step, name, args...); err != nil {
		e.logger.Debug("best-effort command failed, ignoring", "step", step, "error", err)
	}
}

// Provision creates the namespace, veth pair, addressing, and (for VLAN
// groups) bridge VLAN filters for one worker, per spec.md §4.4 steps 1-8.
func (e *Effector) Provision(ctx context.Context, p *Plumbing) error {
	// Step 1: create the namespace.
	if err := e.run(ctx, "create-namespace", "ip", "netns", "add", p.Namespace); err != nil {
		return err
	}

	// Step 2: best-effort delete of a stale host-side veth.
	e.runBestEffort(ctx, "delete-stale-veth", "ip", "link", "del", p.HostVeth)

	// Step 3: create the veth pair.
	if err := e.run(ctx, "create-veth", "ip", "link", "add", p.HostVeth, "type", "veth", "peer", "name", p.NSVeth); err != nil {
		return err
	}

	// Step 4: move the namespace-side veth into the namespace.
	if err := e.run(ctx, "move-veth", "ip", "link", "set", p.NSVeth, "netns", p.Namespace); err != nil {
		return err
	}

	// Step 5: bring up lo and the namespace-side veth, assign the address.
	if err := e.run(ctx, "ns-up-lo", "ip", "-n", p.Namespace, "link", "set", "lo", "up"); err != nil {
		return err
	}
	if err := e.run(ctx, "ns-up-veth", "ip", "-n", p.Namespace, "link", "set", p.NSVeth, "up"); err != nil {
		return err
	}
	addrArg := fmt.Sprintf("%s/%d", p.NSAddress, p.PrefixBits)
	if err := e.run(ctx, "ns-addr", "ip", "-n", p.Namespace, "addr", "add", addrArg, "broadcast", "+", "dev", p.NSVeth); err != nil {
		return err
	}

	// Step 6: attach the host end to the bridge itself (untagged) or the
	// backing link (VLAN tagged).
	enslaveTo := p.DisplayName
	if p.VLANTag != 0 {
		enslaveTo = p.BackingLink
	}
	if err := e.run(ctx, "enslave-host-veth", "ip", "link", "set", p.HostVeth, "master", enslaveTo); err != nil {
		return err
	}

	// Step 7: bring up the host end.
	if err := e.run(ctx, "host-up-veth", "ip", "link", "set", p.HostVeth, "up"); err != nil {
		return err
	}

	// Step 8: VLAN filtering, only for tagged groups.
	if p.VLANTag != 0 {
		e.runBestEffort(ctx, "vlan-del-default", "bridge", "vlan", "del", "vid", "1", "dev", p.HostVeth)
		if err := e.run(ctx, "vlan-add", "bridge", "vlan", "add", "vid", fmt.Sprintf("%d", p.VLANTag), "dev", p.HostVeth, "pvid", "untagged"); err != nil {
			return err
		}
	}

	return nil
}

// Teardown deletes the namespace and host-side veth for one worker. Both
// steps are best-effort (spec.md §4.4 Teardown, §7).
func (e *Effector) Teardown(ctx context.Context, p *Plumbing) {
	e.runBestEffort(ctx, "delete-namespace", "ip", "netns", "del", p.Namespace)
	e.runBestEffort(ctx, "delete-host-veth", "ip", "link", "del", p.HostVeth)
}

// TeardownByName is a convenience for retiring a worker whose Plumbing was
// never (re)computed this tick, e.g. during DestroyTask-style cleanup where
// only the display name is known.
func (e *Effector) TeardownByName(ctx context.Context, displayName string) {
	e.runBestEffort(ctx, "delete-namespace", "ip", "netns", "del", "kea_"+displayName)
	e.runBestEffort(ctx, "delete-host-veth", "ip", "link", "del", "kh_"+displayName)
}
