// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package inventory

import (
	"strconv"
	"strings"

	"github.com/Loongel/docker-ipv6firewall/internal/errors"
)

// CustomPortsLabel is the label key carrying an operator-declared port
// list, read in addition to whatever Docker itself publishes.
const CustomPortsLabel = "docker-ipv6-firewall.ports"

// CustomPort is one parsed element of a CustomPortsLabel value.
type CustomPort struct {
	ExternalPort int
	InternalPort int
	Proto        string
}

// ParseCustomPorts parses a CustomPortsLabel value: a comma-separated
// list of `[ext[:int]]['/'proto]` entries, whitespace-tolerant, where
// int defaults to ext and proto defaults to tcp. "all" as proto expands
// to both tcp and udp. Malformed elements are skipped; the error
// returned (if any) is the first failure encountered, but parsing of
// the remaining elements still proceeds and is returned alongside it.
func ParseCustomPorts(value string) ([]CustomPort, error) {
	var out []CustomPort
	var firstErr error

	for _, raw := range strings.Split(value, ",") {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}

		parsed, err := parseCustomPortEntry(entry)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, parsed...)
	}

	return out, firstErr
}

func parseCustomPortEntry(entry string) ([]CustomPort, error) {
	portPart := entry
	proto := "tcp"

	if idx := strings.LastIndex(entry, "/"); idx >= 0 {
		portPart = strings.TrimSpace(entry[:idx])
		proto = strings.ToLower(strings.TrimSpace(entry[idx+1:]))
	}
	if portPart == "" {
		return nil, errors.Errorf(errors.KindLabelParse, "empty port in entry %q", entry)
	}

	ext, inte, err := splitPortPair(portPart)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindLabelParse, "parse port entry %q", entry)
	}

	switch proto {
	case "tcp", "udp":
		return []CustomPort{{ExternalPort: ext, InternalPort: inte, Proto: proto}}, nil
	case "all":
		return []CustomPort{
			{ExternalPort: ext, InternalPort: inte, Proto: "tcp"},
			{ExternalPort: ext, InternalPort: inte, Proto: "udp"},
		}, nil
	default:
		return nil, errors.Errorf(errors.KindLabelParse, "unknown protocol %q in entry %q", proto, entry)
	}
}

func splitPortPair(s string) (ext, inte int, err error) {
	parts := strings.SplitN(s, ":", 2)
	ext, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, errors.Wrapf(err, errors.KindLabelParse, "invalid port %q", parts[0])
	}
	if len(parts) == 1 {
		return ext, ext, nil
	}
	inte, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, errors.Wrapf(err, errors.KindLabelParse, "invalid port %q", parts[1])
	}
	return ext, inte, nil
}
