package sip

import (
	"context"
	"iter"
	"net"
	"net/netip"
	"strings"

	"github.com/ghettovoice/siptx/dns"
	"github.com/ghettovoice/siptx/internal/util"
)

// DNSResolver is used to resolve the request destination address.
type DNSResolver interface {
	// LookupIP looks up the IP address for the given host.
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	// LookupSRV looks up the SRV record for the given service and protocol.
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
}

// Default SIP ports.
const (
	DefaultPort    uint16 = 5060
	DefaultTLSPort uint16 = 5061
)

// ResolveTargets returns the addresses a request to host can be sent to,
// following RFC 3263 Section 4.2 for the given transport:
// an IP literal is used as is, an explicit port skips SRV lookup,
// otherwise SRV records are tried in priority order and A/AAAA records of the host are the fallback.
// Resolution errors are skipped, an empty sequence means no target was found.
func ResolveTargets(
	ctx context.Context,
	host string,
	port uint16,
	transport string,
	rslvr DNSResolver,
) iter.Seq[netip.AddrPort] {
	return func(yield func(netip.AddrPort) bool) {
		secure := strings.EqualFold(transport, "tls")
		defPort := DefaultPort
		if secure {
			defPort = DefaultTLSPort
		}

		if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
			if port == 0 {
				port = defPort
			}
			yield(netip.AddrPortFrom(addr.Unmap(), port))
			return
		}

		lookupHost := func(host string, port uint16) bool {
			ips, err := rslvr.LookupIP(ctx, "ip", host)
			if err != nil {
				return true
			}
			for _, ip := range ips {
				if addr, ok := netip.AddrFromSlice(ip); ok {
					if !yield(netip.AddrPortFrom(addr.Unmap(), port)) {
						return false
					}
				}
			}
			return true
		}

		if port != 0 {
			lookupHost(host, port)
			return
		}

		serv, proto := "sip", "udp"
		switch {
		case secure:
			serv, proto = "sips", "tcp"
		case transport != "":
			proto = util.LCase(transport)
		}

		var found bool
		if srvs, err := rslvr.LookupSRV(ctx, serv, proto, host); err == nil {
			for _, srv := range srvs {
				found = true
				if !lookupHost(strings.TrimSuffix(srv.Target, "."), srv.Port) {
					return
				}
			}
		}
		if !found {
			lookupHost(host, defPort)
		}
	}
}
