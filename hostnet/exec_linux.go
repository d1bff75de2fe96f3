// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build linux

package hostnet

import (
	"bytes"
	"context"
	"os/exec"
)

// execRunner shells out to the real "ip"/"bridge" binaries, mirroring the
// teacher's os/exec usage for qemu-img in virt/driver.go.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}
