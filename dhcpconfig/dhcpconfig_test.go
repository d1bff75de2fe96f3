// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dhcpconfig

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/vmnet/pkci/pkcimodel"
)

func testGroup() *pkcimodel.BridgeGroup {
	_, subnet, _ := net.ParseCIDR("10.0.0.0/24")
	return &pkcimodel.BridgeGroup{
		DisplayName: "vmbr0",
		Subnet:      subnet,
		Gateway:     net.ParseIP("10.0.0.1"),
		Reservations: map[pkcimodel.ReservationKey]pkcimodel.Reservation{
			{VMID: 101, NICIndex: 0}: {
				VMID: 101, NICIndex: 0,
				MAC: "AA:BB:CC:DD:EE:02", IP: net.ParseIP("10.0.0.6"),
			},
			{VMID: 100, NICIndex: 0}: {
				VMID: 100, NICIndex: 0,
				MAC: "AA:BB:CC:DD:EE:01", IP: net.ParseIP("10.0.0.5"),
				DNSServer: net.ParseIP("10.0.0.2"), DNSSearch: "example.com",
			},
		},
	}
}

func Test_Render_isDeterministic(t *testing.T) {
	group := testGroup()

	a, err := Render(group, "kn_vmbr0", "/etc/pkci/vmbr0/leases.csv")
	must.NoError(t, err)
	b, err := Render(group, "kn_vmbr0", "/etc/pkci/vmbr0/leases.csv")
	must.NoError(t, err)

	must.Eq(t, string(a), string(b))
}

func Test_Render_reservationsSortedByVMIDThenNIC(t *testing.T) {
	group := testGroup()

	out, err := Render(group, "kn_vmbr0", "/etc/pkci/vmbr0/leases.csv")
	must.NoError(t, err)

	var doc kea4Document
	must.NoError(t, json.Unmarshal(out, &doc))

	reservations := doc.Dhcp4.Subnet4[0].Reservations
	must.Len(t, 2, reservations)
	must.Eq(t, "10.0.0.5", reservations[0].IPAddress)
	must.Eq(t, "10.0.0.6", reservations[1].IPAddress)
}

func Test_Render_poolExcludesNetworkAndBroadcast(t *testing.T) {
	group := testGroup()

	out, err := Render(group, "kn_vmbr0", "/etc/pkci/vmbr0/leases.csv")
	must.NoError(t, err)

	var doc kea4Document
	must.NoError(t, json.Unmarshal(out, &doc))

	must.Eq(t, "10.0.0.1 - 10.0.0.254", doc.Dhcp4.Subnet4[0].Pools[0].Pool)
}

func Test_Render_gatewayOmittedWhenNil(t *testing.T) {
	group := testGroup()
	group.Gateway = nil

	out, err := Render(group, "kn_vmbr0", "/etc/pkci/vmbr0/leases.csv")
	must.NoError(t, err)

	var doc kea4Document
	must.NoError(t, json.Unmarshal(out, &doc))
	must.Len(t, 0, doc.Dhcp4.OptionData)
}

func Test_Render_dnsOptionsOnlyWhenSet(t *testing.T) {
	group := testGroup()

	out, err := Render(group, "kn_vmbr0", "/etc/pkci/vmbr0/leases.csv")
	must.NoError(t, err)

	var doc kea4Document
	must.NoError(t, json.Unmarshal(out, &doc))

	// Reservation 0 (VMID 100) has DNS set; reservation 1 (VMID 101) doesn't.
	must.Len(t, 2, doc.Dhcp4.Subnet4[0].Reservations[0].OptionData)
	must.Len(t, 0, doc.Dhcp4.Subnet4[0].Reservations[1].OptionData)
}

func Test_RenderLeaseFile(t *testing.T) {
	out := RenderLeaseFile()
	must.Eq(t, leaseFileHeader+"\n", string(out))
}
