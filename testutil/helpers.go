// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package testutil gates tests that need real root-only network plumbing
// behind an explicit skip, rather than faking "ip"/"bridge" at that layer.
package testutil

import (
	"os/exec"
	"syscall"
	"testing"
)

// RequireRoot skips the test if not running as root.
func RequireRoot(t *testing.T) {
	t.Helper()
	if syscall.Geteuid() != 0 {
		t.Skip("test requires root")
	}
}

// RequireIPCommand skips the test if not running as root, or if the "ip"
// and "bridge" binaries the Host-Network Effector shells out to aren't on
// PATH.
func RequireIPCommand(t *testing.T) {
	t.Helper()
	RequireRoot(t)
	if _, err := exec.LookPath("ip"); err != nil {
		t.Skip("test requires the ip(8) binary")
	}
	if _, err := exec.LookPath("bridge"); err != nil {
		t.Skip("test requires the bridge(8) binary")
	}
}
