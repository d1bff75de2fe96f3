// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package pkcimodel

import (
	"encoding/binary"
	"fmt"
	"net"
)

// NthAddress returns the nth address of an IPv4 network, 0-based from the
// network address. Negative n counts back from the broadcast address, so
// NthAddress(s, -1) is the broadcast address and NthAddress(s, -2) is the
// last usable host address, matching spec.md's "S[-2]" notation.
func NthAddress(subnet *net.IPNet, n int) (net.IP, error) {
	if subnet == nil {
		return nil, fmt.Errorf("pkcimodel: nil subnet")
	}
	ip4 := subnet.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("pkcimodel: subnet %s is not IPv4", subnet)
	}

	ones, bits := subnet.Mask.Size()
	size := uint32(1) << uint(bits-ones)

	base := binary.BigEndian.Uint32(ip4)

	var offset int64
	if n >= 0 {
		offset = int64(n)
	} else {
		offset = int64(size) + int64(n)
	}

	if offset < 0 || offset >= int64(size) {
		return nil, fmt.Errorf("pkcimodel: offset %d out of range for subnet %s", n, subnet)
	}

	val := base + uint32(offset)
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, val)
	return out, nil
}

// PoolRange returns the usable DHCP pool bounds for subnet: the first
// address after the network address and the last address before the
// broadcast address, i.e. S[1]..S[-2] (spec.md §4.5).
func PoolRange(subnet *net.IPNet) (first, last net.IP, err error) {
	first, err = NthAddress(subnet, 1)
	if err != nil {
		return nil, nil, err
	}
	last, err = NthAddress(subnet, -2)
	if err != nil {
		return nil, nil, err
	}
	return first, last, nil
}

// PrefixLen returns the CIDR prefix length of subnet, e.g. 24 for a /24.
func PrefixLen(subnet *net.IPNet) int {
	ones, _ := subnet.Mask.Size()
	return ones
}

// Contains reports whether ip lies within subnet.
func Contains(subnet *net.IPNet, ip net.IP) bool {
	if subnet == nil || ip == nil {
		return false
	}
	return subnet.Contains(ip)
}
