// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package descriptor implements the Descriptor Reader (component A):
// it lists a hypervisor's per-VM configuration directory and extracts the
// typed per-interface reservation candidates those files declare.
package descriptor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/vmnet/pkci/pkcimodel"
)

var (
	vmIDRe     = regexp.MustCompile(`^\d+$`)
	netKeyRe   = regexp.MustCompile(`^net(\d+)$`)
	ipCfgKeyRe = regexp.MustCompile(`^ipconfig(\d+)$`)
	macRe      = regexp.MustCompile(`(?i)^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)
)

// NicStanza is the typed form of a "net<k>" line, validated at parse time
// rather than threaded through as raw strings (design note: replace the
// "stringly-typed net<k> parser" with a typed record).
type NicStanza struct {
	Bridge   string
	Tag      int // 0 when untagged or absent
	Firewall bool
	MAC      string // canonical upper-case colon-separated
}

// IPConfigStanza is the typed form of an "ipconfig<k>" line.
type IPConfigStanza struct {
	IP      net.IP     // the host address itself, unmasked
	Subnet  *net.IPNet // the network implied by IP and its declared prefix
	Gateway net.IP     // optional, nil if absent
}

// Candidate is one parsed (net<k>, ipconfig<k>) pair: a reservation not yet
// merged into a BridgeGroup.
type Candidate struct {
	VMID      int
	NICIndex  int
	Nic       NicStanza
	IPConfig  IPConfigStanza
	DNSServer net.IP // optional, scoped from the VM's "nameserver" line
	DNSSearch string // optional, scoped from the VM's "searchdomain" line
}

// BridgeKey derives the BridgeKey this candidate belongs to, per spec.md §3.
func (c Candidate) BridgeKey() pkcimodel.BridgeKey {
	key, _ := c.bridgeKeyAndBackingLink()
	return key
}

// BackingLink returns the host link the worker's veth pair should attach to.
func (c Candidate) BackingLink() string {
	_, link := c.bridgeKeyAndBackingLink()
	return link
}

func (c Candidate) bridgeKeyAndBackingLink() (pkcimodel.BridgeKey, string) {
	if c.Nic.Firewall {
		name := fmt.Sprintf("fwbr%di%d", c.VMID, c.NICIndex)
		return pkcimodel.BridgeKey{Name: name, VLANTag: 0}, name
	}
	if c.Nic.Tag != 0 {
		name := fmt.Sprintf("%s.%d", c.Nic.Bridge, c.Nic.Tag)
		return pkcimodel.BridgeKey{Name: name, VLANTag: c.Nic.Tag}, c.Nic.Bridge
	}
	return pkcimodel.BridgeKey{Name: c.Nic.Bridge, VLANTag: 0}, c.Nic.Bridge
}

// Reservation projects the candidate into the final value type carried by a
// BridgeGroup, dropping the fields (bridge identity, gateway) that only
// matter for BridgeKey derivation and consistency checking.
func (c Candidate) Reservation() pkcimodel.Reservation {
	return pkcimodel.Reservation{
		VMID:      c.VMID,
		NICIndex:  c.NICIndex,
		MAC:       c.Nic.MAC,
		IP:        c.IPConfig.IP,
		DNSServer: c.DNSServer,
		DNSSearch: c.DNSSearch,
	}
}

// Reader lists and parses VM descriptor files from one directory.
type Reader struct {
	Dir    string
	logger hclog.Logger
}

// New returns a Reader over dir, logging non-fatal per-VM issues to logger.
func New(dir string, logger hclog.Logger) *Reader {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reader{Dir: dir, logger: logger.Named("descriptor")}
}

// List reads every "<vm_id>.conf" file in the directory and returns the
// reservation candidates they declare, plus a per-VM error list for
// descriptors that could not be parsed. A directory-level failure (the
// directory itself cannot be listed) is returned as err and aborts the
// caller's tick, per spec.md §4.1.
func (r *Reader) List() ([]Candidate, []pkcimodel.TickError, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("descriptor: unable to list %s: %w", r.Dir, err)
	}

	var candidates []Candidate
	var errs []pkcimodel.TickError

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) != ".conf" {
			continue
		}
		stem := strings.TrimSuffix(name, ".conf")
		if !vmIDRe.MatchString(stem) {
			continue
		}
		vmID, err := strconv.Atoi(stem)
		if err != nil {
			continue
		}

		vmCandidates, err := r.parseFile(vmID, filepath.Join(r.Dir, name))
		if err != nil {
			r.logger.Warn("skipping unparsable descriptor", "vm_id", vmID, "error", err)
			errs = append(errs, *pkcimodel.DescriptorSkipError(vmID, "unable to parse descriptor", err))
			continue
		}

		candidates = append(candidates, vmCandidates...)
	}

	return candidates, errs, nil
}

func (r *Reader) parseFile(vmID int, path string) ([]Candidate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	options := parseOptions(string(raw))

	var dnsServer net.IP
	if v, ok := options["nameserver"]; ok {
		dnsServer = net.ParseIP(strings.TrimSpace(v))
	}
	dnsSearch := strings.TrimSpace(options["searchdomain"])

	nics := map[int]NicStanza{}
	for key, value := range options {
		m := netKeyRe.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		k, _ := strconv.Atoi(m[1])
		nic, err := parseNicStanza(value)
		if err != nil {
			return nil, fmt.Errorf("net%d: %w", k, err)
		}
		nics[k] = nic
	}

	var candidates []Candidate
	for key, value := range options {
		m := ipCfgKeyRe.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		k, _ := strconv.Atoi(m[1])
		nic, ok := nics[k]
		if !ok {
			// No matching net<k> stanza: this ipconfig entry cannot yield a
			// reservation candidate.
			continue
		}

		ipcfg, err := parseIPConfigStanza(value)
		if err != nil {
			return nil, fmt.Errorf("ipconfig%d: %w", k, err)
		}

		candidates = append(candidates, Candidate{
			VMID:      vmID,
			NICIndex:  k,
			Nic:       nic,
			IPConfig:  ipcfg,
			DNSServer: dnsServer,
			DNSSearch: dnsSearch,
		})
	}

	return candidates, nil
}

// parseOptions parses the descriptor's line-oriented "key: value" grammar.
// Lines beginning with '#' and lines without a ": " separator are ignored.
func parseOptions(content string) map[string]string {
	options := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		key := line[:idx]
		value := line[idx+2:]
		options[key] = strings.TrimRight(value, "\r")
	}
	return options
}

// parseKVList parses a comma-separated "k=v,k=v" list, splitting each pair
// on the first '=' only.
func parseKVList(s string) []struct{ Key, Value string } {
	var out []struct{ Key, Value string }
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx < 0 {
			out = append(out, struct{ Key, Value string }{Key: part})
			continue
		}
		out = append(out, struct{ Key, Value string }{Key: part[:idx], Value: part[idx+1:]})
	}
	return out
}

func parseNicStanza(value string) (NicStanza, error) {
	var nic NicStanza
	for _, kv := range parseKVList(value) {
		switch kv.Key {
		case "bridge":
			nic.Bridge = kv.Value
		case "tag":
			t, err := strconv.Atoi(kv.Value)
			if err != nil {
				return nic, fmt.Errorf("invalid tag %q: %w", kv.Value, err)
			}
			nic.Tag = t
		case "firewall":
			nic.Firewall = kv.Value == "1"
		}

		if nic.MAC == "" && macRe.MatchString(kv.Value) {
			nic.MAC = strings.ToUpper(kv.Value)
		}
	}

	if nic.MAC == "" {
		return nic, fmt.Errorf("no MAC address found in %q", value)
	}
	if nic.Bridge == "" {
		return nic, fmt.Errorf("no bridge found in %q", value)
	}

	return nic, nil
}

func parseIPConfigStanza(value string) (IPConfigStanza, error) {
	var cfg IPConfigStanza
	for _, kv := range parseKVList(value) {
		switch kv.Key {
		case "ip":
			ip, subnet, err := net.ParseCIDR(kv.Value)
			if err != nil {
				return cfg, fmt.Errorf("invalid ip %q: %w", kv.Value, err)
			}
			cfg.IP = ip
			cfg.Subnet = subnet
		case "gw":
			gw := net.ParseIP(kv.Value)
			if gw == nil {
				return cfg, fmt.Errorf("invalid gateway %q", kv.Value)
			}
			cfg.Gateway = gw
		}
	}

	if cfg.IP == nil {
		return cfg, fmt.Errorf("no ip found in %q", value)
	}

	return cfg, nil
}
