// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package dhcpconfig implements the DHCP Config Emitter (component E): it
// renders the DHCPv4 server configuration document and the initial lease
// file for one worker, deterministically, so configuration equality can be
// tested by byte comparison (spec.md §4.3 "Equality of configuration").
package dhcpconfig

import (
	"encoding/json"
	"fmt"

	"github.com/vmnet/pkci/pkcimodel"
)

// cloudinitClass is the client class the pool is restricted to. The class
// itself carries no "test" expression, so no client is ever classified into
// it by evaluation: membership is granted only through a reservation's own
// client-classes, which Kea assigns once the reservation is matched by
// identifier. An unknown client therefore never joins the class and never
// draws a dynamic lease from the pool (spec.md §1, Non-goals).
const cloudinitClass = "cloudinit"

// leaseFileHeader is the fixed CSV column schema Kea expects for a
// file-backed DHCPv4 lease database. Only this header is ever written: the
// worker always starts from an empty lease file (spec.md §4.5).
const leaseFileHeader = "address,hwaddr,client_id,valid_lifetime,expire,subnet_id,fqdn_fwd,fqdn_rev,hostname,state,user_context,pool_id"

// kea4Document is the top-level Kea DHCPv4 configuration document. Field
// names and nesting mirror Kea's own wire schema, the way
// vitistack-kea-operator's pkg/models/keamodels names its JSON-tagged
// fields, since this is the config Kea itself will load.
type kea4Document struct {
	Dhcp4 kea4Dhcp4 `json:"Dhcp4"`
}

type kea4Dhcp4 struct {
	InterfacesConfig kea4InterfacesConfig `json:"interfaces-config"`
	LeaseDatabase    kea4LeaseDatabase    `json:"lease-database"`
	ClientClasses    []kea4ClientClass    `json:"client-classes"`
	OptionData       []kea4Option         `json:"option-data,omitempty"`
	Subnet4          []kea4Subnet         `json:"subnet4"`
}

type kea4InterfacesConfig struct {
	Interfaces []string `json:"interfaces"`
}

type kea4LeaseDatabase struct {
	Type            string `json:"type"`
	Persist         bool   `json:"persist"`
	Name            string `json:"name"`
	LFCIntervalSecs int    `json:"lfc-interval"`
}

type kea4ClientClass struct {
	Name string `json:"name"`
	Test string `json:"test,omitempty"`
}

type kea4Subnet struct {
	ID           int                `json:"id"`
	Subnet       string             `json:"subnet"`
	Pools        []kea4Pool         `json:"pools"`
	Reservations []kea4Reservation  `json:"reservations"`
	OptionData   []kea4Option       `json:"option-data,omitempty"`
}

type kea4Pool struct {
	Pool          string   `json:"pool"`
	ClientClasses []string `json:"client-classes"`
}

type kea4Reservation struct {
	HWAddress     string       `json:"hw-address"`
	IPAddress     string       `json:"ip-address"`
	ClientClasses []string     `json:"client-classes"`
	OptionData    []kea4Option `json:"option-data,omitempty"`
}

type kea4Option struct {
	Name       string `json:"name"`
	Data       string `json:"data"`
	AlwaysSend bool   `json:"always-send,omitempty"`
}

// Render produces the deterministic Kea DHCPv4 configuration document for
// group, bound to the namespace-side interface name nsInterface
// ("kn_<display-name>"), and the lease database path leasesPath
// (spec.md §4.5).
func Render(group *pkcimodel.BridgeGroup, nsInterface, leasesPath string) ([]byte, error) {
	subnetID := 1

	first, last, err := pkcimodel.PoolRange(group.Subnet)
	if err != nil {
		return nil, fmt.Errorf("dhcpconfig: %w", err)
	}

	doc := kea4Document{
		Dhcp4: kea4Dhcp4{
			InterfacesConfig: kea4InterfacesConfig{Interfaces: []string{nsInterface}},
			LeaseDatabase: kea4LeaseDatabase{
				Type:            "memfile",
				Persist:         true,
				Name:            leasesPath,
				LFCIntervalSecs: 0,
			},
			ClientClasses: []kea4ClientClass{
				{Name: cloudinitClass},
			},
			Subnet4: []kea4Subnet{
				{
					ID:     subnetID,
					Subnet: group.Subnet.String(),
					Pools: []kea4Pool{
						{
							Pool:          fmt.Sprintf("%s - %s", first, last),
							ClientClasses: []string{cloudinitClass},
						},
					},
					Reservations: renderReservations(group),
				},
			},
		},
	}

	if group.Gateway != nil {
		doc.Dhcp4.OptionData = append(doc.Dhcp4.OptionData, kea4Option{
			Name: "routers",
			Data: group.Gateway.String(),
		})
	}

	return json.MarshalIndent(doc, "", "  ")
}

func renderReservations(group *pkcimodel.BridgeGroup) []kea4Reservation {
	reservations := group.SortedReservations()
	out := make([]kea4Reservation, 0, len(reservations))

	for _, r := range reservations {
		res := kea4Reservation{
			HWAddress:     r.MAC,
			IPAddress:     r.IP.String(),
			ClientClasses: []string{cloudinitClass},
		}

		if r.DNSServer != nil {
			res.OptionData = append(res.OptionData, kea4Option{
				Name:       "domain-name-servers",
				Data:       r.DNSServer.String(),
				AlwaysSend: true,
			})
		}
		if r.DNSSearch != "" {
			res.OptionData = append(res.OptionData, kea4Option{
				Name:       "domain-name",
				Data:       r.DNSSearch,
				AlwaysSend: true,
			})
		}

		out = append(out, res)
	}

	return out
}

// RenderLeaseFile returns the initial lease database content for a freshly
// (re)built worker: the header line only, no lease rows (spec.md §4.5).
func RenderLeaseFile() []byte {
	return []byte(leaseFileHeader + "\n")
}
