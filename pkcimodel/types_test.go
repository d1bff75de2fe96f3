// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package pkcimodel

import (
	"errors"
	"testing"

	"github.com/shoenig/test/must"
)

func Test_BridgeGroup_SortedReservations(t *testing.T) {
	group := &BridgeGroup{
		Reservations: map[ReservationKey]Reservation{
			{VMID: 200, NICIndex: 0}: {VMID: 200, NICIndex: 0},
			{VMID: 100, NICIndex: 1}: {VMID: 100, NICIndex: 1},
			{VMID: 100, NICIndex: 0}: {VMID: 100, NICIndex: 0},
		},
	}

	got := group.SortedReservations()
	must.Len(t, 3, got)
	must.Eq(t, 100, got[0].VMID)
	must.Eq(t, 0, got[0].NICIndex)
	must.Eq(t, 100, got[1].VMID)
	must.Eq(t, 1, got[1].NICIndex)
	must.Eq(t, 200, got[2].VMID)
}

func Test_BridgeKey_String(t *testing.T) {
	key := BridgeKey{Name: "vmbr0", VLANTag: 100}
	must.Eq(t, "vmbr0@100", key.String())
}

func Test_TickError_Error(t *testing.T) {
	vmID := 101
	key := BridgeKey{Name: "vmbr0", VLANTag: 0}

	tests := []struct {
		name string
		err  *TickError
		want string
	}{
		{
			name: "vm_scoped",
			err:  DescriptorSkipError(vmID, "unable to parse descriptor", errors.New("boom")),
			want: "descriptor_skip: vm 101: unable to parse descriptor: boom",
		},
		{
			name: "bridge_scoped",
			err:  PlumbingFailure(key, "provisioning failed", errors.New("boom")),
			want: "plumbing_failure: bridge vmbr0: provisioning failed: boom",
		},
		{
			name: "unscoped",
			err:  ReconcileCrash("unable to derive desired state", errors.New("boom")),
			want: "reconcile_crash: unable to derive desired state: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			must.Eq(t, tt.want, tt.err.Error())
		})
	}
}

func Test_TickError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := ReconcileCrash("msg", inner)
	must.Eq(t, inner, errors.Unwrap(err))
}
