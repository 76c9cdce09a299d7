package decision

import (
	"fmt"
	"net"
	"strings"
)

// NormalizeIP parses a single IP address and returns its canonical string.
// IPv4-mapped IPv6 addresses (::ffff:1.2.3.4) collapse to dotted IPv4 so the
// same client always maps to the same cache key.
func NormalizeIP(value string) (string, error) {
	value = strings.TrimSpace(value)
	// Zone identifiers never reach us from a socket peer but may appear in headers.
	if i := strings.IndexByte(value, '%'); i >= 0 {
		value = value[:i]
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address %q", value)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String(), nil
	}
	return ip.String(), nil
}

// ParseAndSanitize parses an IP or CIDR string and returns the canonical form
// and whether the input was a range.
func ParseAndSanitize(value string) (string, bool, error) {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		_, network, err := net.ParseCIDR(value)
		if err != nil {
			return "", false, fmt.Errorf("invalid CIDR %q: %w", value, err)
		}
		return network.String(), true, nil
	}
	ip, err := NormalizeIP(value)
	if err != nil {
		return "", false, err
	}
	return ip, false, nil
}

// IsPrivate returns true if the IP/CIDR is RFC1918, loopback, link-local, or ULA.
func IsPrivate(value string) bool {
	ip := parseHost(value)
	if ip == nil {
		return false
	}
	ip16 := ip.To16()
	for _, block := range privateBlocks {
		if block.Contains(ip16) {
			return true
		}
	}
	return false
}

var privateBlocks = mustParseNets(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10", // CGNAT (RFC 6598)
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseNets(cidrs ...string) []*net.IPNet {
	nets, err := ParseNetList(cidrs)
	if err != nil {
		panic(err)
	}
	return nets
}

// NetList is a set of networks used for allow-lists and trusted proxies.
type NetList []*net.IPNet

// Contains reports whether ip (or a CIDR's network address) falls inside any
// network of the list. Unparseable input is never contained.
func (l NetList) Contains(ip string) bool {
	parsed := parseHost(ip)
	if parsed == nil {
		return false
	}
	for _, n := range l {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ParseNetList parses IP and CIDR strings. Bare IPs become /32 or /128
// networks; blank entries are skipped.
func ParseNetList(entries []string) (NetList, error) {
	result := make(NetList, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP or CIDR %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, cidr, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
		}
		result = append(result, cidr)
	}
	return result, nil
}

func parseHost(value string) net.IP {
	if strings.Contains(value, "/") {
		ip, _, err := net.ParseCIDR(value)
		if err != nil {
			return nil
		}
		return ip
	}
	return net.ParseIP(strings.TrimSpace(value))
}
