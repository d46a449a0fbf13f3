// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reconciler

import (
	"strings"

	"github.com/Loongel/docker-ipv6firewall/internal/errors"
	"github.com/Loongel/docker-ipv6firewall/internal/inventory"
	"github.com/Loongel/docker-ipv6firewall/internal/ledger"
	"github.com/Loongel/docker-ipv6firewall/internal/logging"
)

// OwnerBuckets is the Ledger-visible result of deriving one container's
// or service's desired rules: up to three owner ids, each with its own
// rule set, matching the three-bucket owner-identity scheme.
type OwnerBuckets map[string]ledger.OwnerRules

// deriveContainer computes every owner bucket a single container
// contributes: the plain bucket (bare exposed ports), "<id>_public"
// (host-remapped publications) and "<id>_custom" (the
// docker-ipv6-firewall.ports label), each only present if non-empty.
func deriveContainer(c inventory.Container, monitoredDrivers []string, ifaces Interfaces, log *logging.Logger) OwnerBuckets {
	out := make(OwnerBuckets)

	addr := eligibleIPv6Addr(c.Networks, monitoredDrivers)
	if addr == "" {
		log.Debug("container has no eligible ipv6 network, skipping", "container_id", c.ID)
		return out
	}

	plain, public := derivePublicPorts(c.ID, c.Name, c.Ports, addr, ifaces)
	if !empty(plain) {
		out[c.ID] = plain
	}
	if !empty(public) {
		out[c.ID+"_public"] = public
	}

	if label, ok := c.Labels[inventory.CustomPortsLabel]; ok {
		custom, err := deriveCustomPorts(c.ID, c.Name, label, addr, ifaces)
		if err != nil {
			log.Warn("malformed custom ports label, applying the parseable entries", "container_id", c.ID, "error", err)
		}
		if !empty(custom) {
			out[c.ID+"_custom"] = custom
		}
	}

	return out
}

// deriveService computes the desired rule set for a cluster service's
// owner bucket (its cluster-assigned id), fanning each published port
// out across every local container belonging to it.
func deriveService(svc inventory.Service, ifaces Interfaces) ledger.OwnerRules {
	var out ledger.OwnerRules

	for _, c := range svc.Containers {
		addr := anyIPv6Addr(c.Networks)
		if addr == "" {
			continue
		}
		for _, p := range svc.Ports {
			if p.PublishMode != "ingress" || p.PublishedPort == 0 || p.TargetPort == 0 {
				continue
			}
			for _, proto := range expandProto(p.Proto) {
				fwd := ledger.ForwardRule{
					OwnerID: svc.ID, OwnerLabel: svc.Name,
					Family: ledger.IPv6, Proto: proto, DstAddr: addr,
					DPort: p.PublishedPort, InIface: ifaces.Parent, OutIface: ifaces.Gateway,
				}
				nat := ledger.NatRule{
					OwnerID: svc.ID, OwnerLabel: svc.Name,
					Proto: proto, DstAddr: addr,
					PublishedPort: p.PublishedPort, TargetPort: p.TargetPort, InIface: ifaces.Parent,
				}
				out.Service = append(out.Service, ledger.ServiceRule{Nat: nat, Forward: fwd})
			}
		}
	}

	return out
}

// Interfaces carries the two configured interface names rule derivation
// needs; all forward rules use in=Parent,out=Gateway, all NAT rules use
// in=Parent.
type Interfaces struct {
	Parent  string
	Gateway string
}

func eligibleIPv6Addr(nets []inventory.NetworkAttachment, monitoredDrivers []string) string {
	for _, n := range nets {
		if !driverMatches(n.Driver, monitoredDrivers) {
			continue
		}
		if n.IPv6Addr != "" {
			return n.IPv6Addr
		}
	}
	return ""
}

func driverMatches(driver string, monitored []string) bool {
	driver = strings.ToLower(driver)
	for _, m := range monitored {
		if strings.Contains(driver, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// anyIPv6Addr returns the first non-empty IPv6 address among a
// container's networks, independent of driver eligibility: a service's
// own published ports already establish intent, so network-driver
// filtering (which exists to gate unsolicited container exposure) does
// not apply to service-derived rules.
func anyIPv6Addr(nets []inventory.NetworkAttachment) string {
	for _, n := range nets {
		if n.IPv6Addr != "" {
			return n.IPv6Addr
		}
	}
	return ""
}

func derivePublicPorts(ownerID, label string, ports []inventory.PortBinding, addr string, ifaces Interfaces) (plain, public ledger.OwnerRules) {
	for _, p := range ports {
		if p.ContainerPort == 0 {
			continue
		}
		for _, proto := range expandProto(p.Proto) {
			if p.HostPort == 0 || p.HostPort == p.ContainerPort {
				plain.Forward = append(plain.Forward, ledger.ForwardRule{
					OwnerID: ownerID, OwnerLabel: label, Family: ledger.IPv6, Proto: proto,
					DstAddr: addr, DPort: p.ContainerPort, InIface: ifaces.Parent, OutIface: ifaces.Gateway,
				})
				continue
			}

			fwd := ledger.ForwardRule{
				OwnerID: ownerID, OwnerLabel: label, Family: ledger.IPv6, Proto: proto,
				DstAddr: addr, DPort: p.HostPort, InIface: ifaces.Parent, OutIface: ifaces.Gateway,
			}
			nat := ledger.NatRule{
				OwnerID: ownerID, OwnerLabel: label, Proto: proto, DstAddr: addr,
				PublishedPort: p.HostPort, TargetPort: p.ContainerPort, InIface: ifaces.Parent,
			}
			public.Service = append(public.Service, ledger.ServiceRule{Nat: nat, Forward: fwd})
		}
	}
	return plain, public
}

func deriveCustomPorts(ownerID, label, value, addr string, ifaces Interfaces) (ledger.OwnerRules, error) {
	var out ledger.OwnerRules

	parsed, err := inventory.ParseCustomPorts(value)
	for _, p := range parsed {
		if p.ExternalPort == p.InternalPort {
			out.Forward = append(out.Forward, ledger.ForwardRule{
				OwnerID: ownerID, OwnerLabel: label, Family: ledger.IPv6, Proto: p.Proto,
				DstAddr: addr, DPort: p.ExternalPort, InIface: ifaces.Parent, OutIface: ifaces.Gateway,
			})
			continue
		}
		fwd := ledger.ForwardRule{
			OwnerID: ownerID, OwnerLabel: label, Family: ledger.IPv6, Proto: p.Proto,
			DstAddr: addr, DPort: p.ExternalPort, InIface: ifaces.Parent, OutIface: ifaces.Gateway,
		}
		nat := ledger.NatRule{
			OwnerID: ownerID, OwnerLabel: label, Proto: p.Proto, DstAddr: addr,
			PublishedPort: p.ExternalPort, TargetPort: p.InternalPort, InIface: ifaces.Parent,
		}
		out.Service = append(out.Service, ledger.ServiceRule{Nat: nat, Forward: fwd})
	}

	if err != nil {
		return out, errors.Wrapf(err, errors.KindLabelParse, "container %s custom ports", ownerID)
	}
	return out, nil
}

func expandProto(proto string) []string {
	switch strings.ToLower(proto) {
	case "all":
		return []string{"tcp", "udp"}
	case "":
		return []string{"tcp"}
	default:
		return []string{strings.ToLower(proto)}
	}
}

func empty(o ledger.OwnerRules) bool {
	return len(o.Forward) == 0 && len(o.Service) == 0
}
