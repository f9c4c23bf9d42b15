// Package targets turns user-facing target and port specifications into the
// concrete address and port lists the engine iterates. Targets may be IP
// literals, CIDR ranges, or hostnames; ports come as comma-separated
// singles and ranges.
package targets

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/packetrake/packetrake/internal/errors"
)

const expectedPortRangeParts = 2

// maxExpansion caps a single CIDR expansion so a typo like /8 does not
// allocate millions of addresses.
const maxExpansion = 1 << 20

// ParsePorts parses a port specification such as "80,443,8000-8100" into a
// sorted, deduplicated port list.
func ParsePorts(spec string) ([]uint16, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, errors.ErrConfigInvalid("ports", spec)
	}

	seen := make(map[uint16]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, "-") {
			if err := parsePortRange(part, seen); err != nil {
				return nil, err
			}
			continue
		}
		port, err := parsePort(part)
		if err != nil {
			return nil, err
		}
		seen[port] = struct{}{}
	}

	ports := make([]uint16, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports, nil
}

func parsePortRange(part string, seen map[uint16]struct{}) error {
	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != expectedPortRangeParts {
		return errors.ErrConfigInvalid("ports", part)
	}

	start, err := parsePort(strings.TrimSpace(rangeParts[0]))
	if err != nil {
		return err
	}
	end, err := parsePort(strings.TrimSpace(rangeParts[1]))
	if err != nil {
		return err
	}
	if start > end {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"range start exceeds range end", "ports", part)
	}

	for p := int(start); p <= int(end); p++ {
		seen[uint16(p)] = struct{}{}
	}
	return nil
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid port %q", s), "ports", s)
	}
	if port < 1 || port > 65535 {
		return 0, errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("port %d out of range (1-65535)", port), "ports", s)
	}
	return uint16(port), nil
}

// Resolver turns a hostname into addresses. Implemented by the DNS
// resolver; tests substitute a fake.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]netip.Addr, error)
}

// Expand converts a list of target specifications (IP literals, CIDR
// ranges, hostnames) into concrete addresses, preserving input order and
// dropping duplicates.
func Expand(ctx context.Context, specs []string, resolver Resolver) ([]netip.Addr, error) {
	if len(specs) == 0 {
		return nil, errors.ErrInvalidTarget("")
	}

	var out []netip.Addr
	seen := make(map[netip.Addr]struct{})
	add := func(addr netip.Addr) {
		addr = addr.Unmap()
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}

		if addr, err := netip.ParseAddr(spec); err == nil {
			add(addr)
			continue
		}

		if prefix, err := netip.ParsePrefix(spec); err == nil {
			addrs, err := expandPrefix(prefix)
			if err != nil {
				return nil, err
			}
			for _, a := range addrs {
				add(a)
			}
			continue
		}

		if resolver == nil {
			return nil, errors.ErrInvalidTarget(spec)
		}
		addrs, err := resolver.Resolve(ctx, spec)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			add(a)
		}
	}

	if len(out) == 0 {
		return nil, errors.ErrInvalidTarget(strings.Join(specs, ","))
	}
	return out, nil
}

// expandPrefix enumerates the host addresses of a CIDR range. The network
// and broadcast addresses of IPv4 prefixes shorter than /31 are skipped.
func expandPrefix(prefix netip.Prefix) ([]netip.Addr, error) {
	prefix = prefix.Masked()

	if prefix.Addr().Is4() {
		hostBits := 32 - prefix.Bits()
		if hostBits > 20 {
			return nil, errors.NewConfigFieldError(errors.CodeValidation,
				"prefix expands to too many addresses", "targets", prefix.String())
		}
	} else if prefix.Bits() < 108 {
		return nil, errors.NewConfigFieldError(errors.CodeValidation,
			"prefix expands to too many addresses", "targets", prefix.String())
	}

	var addrs []netip.Addr
	skipEdges := prefix.Addr().Is4() && prefix.Bits() < 31
	first := prefix.Addr()
	for addr := first; prefix.Contains(addr) && len(addrs) < maxExpansion; addr = addr.Next() {
		if skipEdges && (addr == first || !prefix.Contains(addr.Next())) {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
