// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package httpapi wires the HTTP half of the Status View (component G):
// the three routes of spec.md §6 over the supervisor's published Snapshot.
package httpapi

import (
	"embed"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"github.com/vmnet/pkci/pkcimodel"
	"github.com/vmnet/pkci/supervisor"
)

//go:embed static/index.html
var staticFS embed.FS

// SnapshotSource is the subset of *supervisor.Supervisor the server needs,
// narrowed to ease testing with a fake.
type SnapshotSource interface {
	Snapshot() *supervisor.Snapshot
}

// Server serves the status surface over a gorilla/mux router, grounded in
// canonical-lxd's lxd/api.go restServer (mux.NewRouter with StrictSlash(false)
// and per-route handlers registered on the daemon's own state).
type Server struct {
	router *mux.Router
	source SnapshotSource
	logger hclog.Logger
}

// New builds a Server reading from source.
func New(source SnapshotSource, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
		source: source,
		logger: logger.Named("httpapi"),
	}
	s.router.StrictSlash(false)

	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/stats_raw", s.handleStatsRaw).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleIndex serves the static status page, matching the original
// proof-of-concept's send_static_file("index.html") (spec.md §9.1).
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, staticFS, "static/index.html")
}

// bridgeGroupView is the JSON projection of a BridgeGroup for /stats_raw,
// since pkcimodel.BridgeGroup's map-keyed Reservations field would marshal
// with composite-struct keys, which encoding/json rejects.
type bridgeGroupView struct {
	Name         string                  `json:"name"`
	VLANTag      int                     `json:"vlan_tag"`
	BackingLink  string                  `json:"backing_link"`
	Subnet       string                  `json:"subnet,omitempty"`
	Gateway      string                  `json:"gateway,omitempty"`
	Reservations []pkcimodel.Reservation `json:"reservations"`
}

// handleStatsRaw returns the full desired-state view: every BridgeGroup and
// its reservations, as last computed by the most recent tick.
func (s *Server) handleStatsRaw(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()

	views := make([]bridgeGroupView, 0, len(snap.Desired))
	for _, group := range snap.Desired {
		view := bridgeGroupView{
			Name:         group.DisplayName,
			VLANTag:      group.VLANTag,
			BackingLink:  group.BackingLink,
			Reservations: group.SortedReservations(),
		}
		if group.Subnet != nil {
			view.Subnet = group.Subnet.String()
		}
		if group.Gateway != nil {
			view.Gateway = group.Gateway.String()
		}
		views = append(views, view)
	}

	s.writeJSON(w, views)
}

// statsView is the summary projection served at /stats: outstanding tick
// errors, per-interface worker status, and the last crash if any (spec.md
// §6's three-route status surface).
type statsView struct {
	Errors     []string             `json:"errors"`
	Interfaces []interfaceStatsView `json:"interfaces"`
	Crash      *string              `json:"crash"`
}

// interfaceStatsView is the per-worker projection spec.md §4.7 documents
// for /stats: status, subnet, VLAN, gateway, reservations, and observed-
// allocated reservations.
type interfaceStatsView struct {
	Name         string                  `json:"name"`
	Status       string                  `json:"status"`
	Subnet       string                  `json:"subnet,omitempty"`
	VLANTag      int                     `json:"vlan_tag"`
	Gateway      string                  `json:"gateway,omitempty"`
	Reservations []pkcimodel.Reservation `json:"reservations"`
	Allocated    []pkcimodel.Reservation `json:"allocated"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()

	view := statsView{
		Errors:     make([]string, 0, len(snap.Errors)),
		Interfaces: make([]interfaceStatsView, 0, len(snap.Workers)),
	}
	for _, e := range snap.Errors {
		view.Errors = append(view.Errors, e.Error())
	}
	for _, ws := range snap.Workers {
		iv := interfaceStatsView{
			Name:         ws.DisplayName,
			Status:       string(ws.Status),
			VLANTag:      ws.VLANTag,
			Reservations: ws.Reservations,
			Allocated:    ws.Allocated,
		}
		if ws.Subnet != nil {
			iv.Subnet = ws.Subnet.String()
		}
		if ws.Gateway != nil {
			iv.Gateway = ws.Gateway.String()
		}
		view.Interfaces = append(view.Interfaces, iv)
	}
	if snap.Crash != nil {
		msg := snap.Crash.Error()
		view.Crash = &msg
	}

	s.writeJSON(w, view)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed encoding response", "error", err)
	}
}
