package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// IPGuardFilter rejects callers outside the configured whitelist. Entries
// are literal addresses or IPv4 CIDRs; IPv6 entries match only literally.
// An empty whitelist rejects all traffic.
type IPGuardFilter struct {
	whitelist []string
	logger    *slog.Logger
}

// NewIPGuardFilter creates the guard with the configured whitelist.
func NewIPGuardFilter(whitelist []string) *IPGuardFilter {
	return &IPGuardFilter{
		whitelist: whitelist,
		logger:    slog.Default().With("component", "ipguard"),
	}
}

func (f *IPGuardFilter) Name() string { return "ip_guard" }

func (f *IPGuardFilter) Run(_ context.Context, rc *RequestContext) Action {
	for _, entry := range f.whitelist {
		if matchWhitelistEntry(rc.ClientIP, entry) {
			return Continue()
		}
	}
	f.logger.Warn("ip rejected", "request_id", rc.RequestID, "client_ip", rc.ClientIP)
	return Forbidden()
}

// matchWhitelistEntry checks one whitelist entry: exact equality first,
// then IPv4 CIDR masking.
func matchWhitelistEntry(ip, entry string) bool {
	if ip == entry {
		return true
	}
	network, prefix, ok := parseCIDR(entry)
	if !ok {
		return false
	}
	addr, ok := parseIPv4(ip)
	if !ok {
		return false
	}
	var mask uint32
	if prefix > 0 {
		mask = 0xFFFFFFFF << (32 - prefix)
	}
	return addr&mask == network&mask
}

// parseCIDR parses an "A.B.C.D/prefix" entry, prefix in [0, 32].
func parseCIDR(entry string) (network uint32, prefix int, ok bool) {
	slash := strings.IndexByte(entry, '/')
	if slash < 0 {
		return 0, 0, false
	}
	network, ok = parseIPv4(entry[:slash])
	if !ok {
		return 0, 0, false
	}
	prefix, err := strconv.Atoi(entry[slash+1:])
	if err != nil || prefix < 0 || prefix > 32 {
		return 0, 0, false
	}
	return network, prefix, true
}

// parseIPv4 parses dotted-quad notation into a big-endian uint32.
func parseIPv4(s string) (uint32, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var addr uint32
	for _, part := range parts {
		octet, err := strconv.Atoi(part)
		if err != nil || octet < 0 || octet > 255 {
			return 0, false
		}
		addr = addr<<8 | uint32(octet)
	}
	return addr, true
}
