// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/vmnet/pkci/pkcimodel"
	"github.com/vmnet/pkci/supervisor"
	"github.com/vmnet/pkci/worker"
)

type fakeSource struct {
	snap *supervisor.Snapshot
}

func (f *fakeSource) Snapshot() *supervisor.Snapshot {
	return f.snap
}

func testSnapshot() *supervisor.Snapshot {
	_, subnet, _ := net.ParseCIDR("10.0.0.0/24")
	key := pkcimodel.BridgeKey{Name: "vmbr0"}
	group := &pkcimodel.BridgeGroup{
		Key:         key,
		DisplayName: "vmbr0",
		Subnet:      subnet,
		Gateway:     net.ParseIP("10.0.0.1"),
		Reservations: map[pkcimodel.ReservationKey]pkcimodel.Reservation{
			{VMID: 100, NICIndex: 0}: {VMID: 100, NICIndex: 0, MAC: "AA:BB:CC:DD:EE:01", IP: net.ParseIP("10.0.0.5")},
		},
	}

	return &supervisor.Snapshot{
		Desired: map[pkcimodel.BridgeKey]*pkcimodel.BridgeGroup{key: group},
		Workers: []worker.Snapshot{
			{
				Key:          key,
				DisplayName:  "vmbr0",
				Status:       worker.StatusRunning,
				Subnet:       subnet,
				VLANTag:      group.VLANTag,
				Gateway:      group.Gateway,
				Reservations: group.SortedReservations(),
				Allocated:    group.SortedReservations(),
			},
		},
		Errors: []pkcimodel.TickError{
			*pkcimodel.ConsistencyWarning(key, 100, "duplicate MAC"),
		},
	}
}

func Test_Server_Index(t *testing.T) {
	s := New(&fakeSource{snap: testSnapshot()}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.ServeHTTP(rec, req)

	must.Eq(t, http.StatusOK, rec.Code)
	must.StrContains(t, "pkci", rec.Body.String())
}

func Test_Server_StatsRaw(t *testing.T) {
	s := New(&fakeSource{snap: testSnapshot()}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats_raw", nil)
	s.ServeHTTP(rec, req)

	must.Eq(t, http.StatusOK, rec.Code)

	var views []bridgeGroupView
	must.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	must.Len(t, 1, views)
	must.Eq(t, "vmbr0", views[0].Name)
	must.Len(t, 1, views[0].Reservations)
}

func Test_Server_Stats(t *testing.T) {
	s := New(&fakeSource{snap: testSnapshot()}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	s.ServeHTTP(rec, req)

	must.Eq(t, http.StatusOK, rec.Code)

	var view statsView
	must.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	must.Len(t, 1, view.Errors)
	must.Len(t, 1, view.Interfaces)
	iface := view.Interfaces[0]
	must.Eq(t, "running", iface.Status)
	must.Eq(t, "10.0.0.0/24", iface.Subnet)
	must.Eq(t, "10.0.0.1", iface.Gateway)
	must.Len(t, 1, iface.Reservations)
	must.Len(t, 1, iface.Allocated)
	must.Nil(t, view.Crash)
}
