// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package desiredstate implements the Desired-State Builder (component B):
// it aggregates the Descriptor Reader's candidates into per-bridge groups
// and validates cross-VM consistency within each group.
package desiredstate

import (
	"fmt"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v2"

	"github.com/vmnet/pkci/descriptor"
	"github.com/vmnet/pkci/pkcimodel"
)

// Builder aggregates reservation candidates into BridgeGroups.
type Builder struct {
	logger hclog.Logger
}

// New returns a Builder that logs through logger.
func New(logger hclog.Logger) *Builder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Builder{logger: logger.Named("desiredstate")}
}

// groupState tracks the per-group bookkeeping needed for the §3 invariants
// without polluting the published pkcimodel.BridgeGroup with scratch data.
type groupState struct {
	macs *set.Set[string]
	ips  *set.Set[string]
}

// Build aggregates candidates into BridgeGroups keyed by BridgeKey. Every
// candidate is accepted into its group even when it violates an invariant;
// violations are reported as ConsistencyWarning TickErrors (spec.md §3/§4.2).
func (b *Builder) Build(candidates []descriptor.Candidate) (map[pkcimodel.BridgeKey]*pkcimodel.BridgeGroup, []pkcimodel.TickError) {
	groups := map[pkcimodel.BridgeKey]*pkcimodel.BridgeGroup{}
	states := map[pkcimodel.BridgeKey]*groupState{}
	var errs []pkcimodel.TickError

	for _, c := range candidates {
		key := c.BridgeKey()

		group, ok := groups[key]
		if !ok {
			group = &pkcimodel.BridgeGroup{
				Key:          key,
				DisplayName:  key.Name,
				BackingLink:  c.BackingLink(),
				VLANTag:      key.VLANTag,
				Subnet:       c.IPConfig.Subnet,
				Gateway:      c.IPConfig.Gateway,
				Reservations: map[pkcimodel.ReservationKey]pkcimodel.Reservation{},
			}
			groups[key] = group
			states[key] = &groupState{macs: set.New[string](0), ips: set.New[string](0)}
		}
		state := states[key]

		if group.Subnet != nil && !pkcimodel.Contains(group.Subnet, c.IPConfig.IP) {
			errs = append(errs, *pkcimodel.ConsistencyWarning(key, c.VMID,
				fmt.Sprintf("ip %s is outside subnet %s", c.IPConfig.IP, group.Subnet)))
		}

		// A reservation that declares no gateway takes no position on the
		// group's gateway, so it can't disagree with one (spec.md §3).
		if c.IPConfig.Gateway != nil && !gatewaysEqual(group.Gateway, c.IPConfig.Gateway) {
			errs = append(errs, *pkcimodel.ConsistencyWarning(key, c.VMID,
				fmt.Sprintf("gateway %s disagrees with group gateway %s", ipString(c.IPConfig.Gateway), ipString(group.Gateway))))
		}

		mac := c.Nic.MAC
		if state.macs.Contains(mac) {
			errs = append(errs, *pkcimodel.ConsistencyWarning(key, c.VMID,
				fmt.Sprintf("duplicate MAC address %s within bridge %s", mac, key.Name)))
		}
		state.macs.Insert(mac)

		ip := c.IPConfig.IP.String()
		if state.ips.Contains(ip) {
			errs = append(errs, *pkcimodel.ConsistencyWarning(key, c.VMID,
				fmt.Sprintf("duplicate IP address %s within bridge %s", ip, key.Name)))
		}
		state.ips.Insert(ip)

		r := c.Reservation()
		group.Reservations[r.Key()] = r
	}

	return groups, errs
}

func gatewaysEqual(a, b net.IP) bool {
	return a.Equal(b)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "<none>"
	}
	return ip.String()
}
