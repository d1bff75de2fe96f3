// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package pkcimodel

import (
	"net"
	"testing"

	"github.com/shoenig/test/must"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	must.NoError(t, err)
	return n
}

func Test_NthAddress(t *testing.T) {
	subnet := mustCIDR(t, "10.0.0.0/24")

	tests := []struct {
		name string
		n    int
		want string
	}{
		{name: "network", n: 0, want: "10.0.0.0"},
		{name: "first_usable", n: 1, want: "10.0.0.1"},
		{name: "broadcast", n: -1, want: "10.0.0.255"},
		{name: "last_usable", n: -2, want: "10.0.0.254"},
		{name: "mid", n: 10, want: "10.0.0.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NthAddress(subnet, tt.n)
			must.NoError(t, err)
			must.Eq(t, tt.want, got.String())
		})
	}
}

func Test_NthAddress_smallSubnet(t *testing.T) {
	// A /30 has exactly two usable addresses: S[1] and S[-2] must coincide
	// with the conventional point-to-point pair.
	subnet := mustCIDR(t, "10.0.0.0/30")

	first, err := NthAddress(subnet, 1)
	must.NoError(t, err)
	must.Eq(t, "10.0.0.1", first.String())

	last, err := NthAddress(subnet, -2)
	must.NoError(t, err)
	must.Eq(t, "10.0.0.2", last.String())
}

func Test_PoolRange(t *testing.T) {
	subnet := mustCIDR(t, "192.168.1.0/24")

	first, last, err := PoolRange(subnet)
	must.NoError(t, err)
	must.Eq(t, "192.168.1.1", first.String())
	must.Eq(t, "192.168.1.254", last.String())
}

func Test_Contains(t *testing.T) {
	subnet := mustCIDR(t, "10.0.0.0/24")

	must.True(t, Contains(subnet, net.ParseIP("10.0.0.5")))
	must.False(t, Contains(subnet, net.ParseIP("10.0.1.5")))
}

func Test_PrefixLen(t *testing.T) {
	must.Eq(t, 24, PrefixLen(mustCIDR(t, "10.0.0.0/24")))
	must.Eq(t, 30, PrefixLen(mustCIDR(t, "10.0.0.0/30")))
}
