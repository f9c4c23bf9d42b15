package targets

import (
	"context"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/logging"
)

const (
	defaultResolvConf = "/etc/resolv.conf"
	fallbackServer    = "8.8.8.8:53"
	queryTimeout      = 5 * time.Second
)

// DNSResolver resolves hostnames over plain DNS. It queries A and AAAA
// records directly rather than going through the system resolver, so
// lookups honor the scan's own timeout and server selection.
type DNSResolver struct {
	client *dns.Client
	server string
	logger *logging.Logger
}

// NewDNSResolver creates a resolver against server ("host:port"). An empty
// server selects the first nameserver from /etc/resolv.conf, falling back
// to a public resolver when none is configured.
func NewDNSResolver(server string, logger *logging.Logger) *DNSResolver {
	if server == "" {
		server = systemServer()
	}
	return &DNSResolver{
		client: &dns.Client{Timeout: queryTimeout},
		server: server,
		logger: logger.WithComponent("resolver"),
	}
}

func systemServer() string {
	conf, err := dns.ClientConfigFromFile(defaultResolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return fallbackServer
	}
	port := conf.Port
	if port == "" {
		port = "53"
	}
	return conf.Servers[0] + ":" + port
}

// Resolve returns the A and AAAA addresses of host.
func (r *DNSResolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	var addrs []netip.Addr

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		found, err := r.query(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, found...)
	}

	if len(addrs) == 0 {
		return nil, errors.ErrInvalidTarget(host)
	}
	r.logger.Debug("resolved target", "host", host, "addresses", len(addrs))
	return addrs, nil
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, errors.WrapProbeError(errors.CodeNetworkUnreachable, "dns query failed", err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, errors.ErrInvalidTarget(host)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errors.NewProbeError(errors.CodeNetworkUnreachable,
			"dns query refused: "+dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rec.AAAA); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}
