// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package hostnet

import "context"

// execRunner on non-Linux platforms cannot provision network namespaces;
// every command fails immediately with ErrUnsupportedPlatform. This keeps
// the package buildable (and its pure logic testable) on a developer's
// laptop, matching the teacher's net_default.go stub split.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error) {
	return "", "", ErrUnsupportedPlatform
}
