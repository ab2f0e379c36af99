// Package dns resolves SIP next hops as RFC 3263 describes: NAPTR, then SRV, then A/AAAA.
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/ghettovoice/sipstack/internal/errorutil"
)

// ErrNoAddress is returned when a target resolves to no usable address.
const ErrNoAddress errorutil.Error = "no address for target"

// Resolver queries a name server with github.com/miekg/dns.
type Resolver struct {
	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// If empty, the first server of /etc/resolv.conf is used.
	NameServer string
	// Timeout specifies the timeout for DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

// NAPTR is a NAPTR record (RFC 3403).
type NAPTR struct {
	Order      uint16
	Preference uint16
	// Flags: "s" points to an SRV name, "a" to an A/AAAA name.
	Flags string
	// Service is e.g. "SIP+D2U" (UDP), "SIP+D2T" (TCP), "SIPS+D2T" (TLS).
	Service     string
	Regexp      string
	Replacement string
}

// SRV is a SRV record (RFC 2782).
type SRV struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// LookupNAPTR queries NAPTR records of the host sorted by order, then preference.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	rrs, err := r.exchange(ctx, host, dns.TypeNAPTR)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]*NAPTR, 0, len(rrs))
	for _, ans := range rrs {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}
	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return recs, nil
}

// LookupSRV queries SRV records of name sorted by priority, then by descending weight.
func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]*SRV, error) {
	rrs, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	recs := make([]*SRV, 0, len(rrs))
	for _, ans := range rrs {
		if rr, ok := ans.(*dns.SRV); ok {
			recs = append(recs, &SRV{
				Target:   rr.Target,
				Port:     rr.Port,
				Priority: rr.Priority,
				Weight:   rr.Weight,
			})
		}
	}
	slices.SortFunc(recs, func(a, b *SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return recs, nil
}

// LookupIP queries A, then AAAA records of the host.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	var (
		addrs []netip.Addr
		errs  []error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		rrs, err := r.exchange(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, ans := range rrs {
			var ip net.IP
			switch rr := ans.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if addr, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, addr.Unmap())
			}
		}
	}
	if len(addrs) == 0 && len(errs) > 0 {
		return nil, errtrace.Wrap(errorutil.Join(errs...))
	}
	return addrs, nil
}

type transportNames struct {
	service string
	srv     string
	port    uint16
}

func namesOf(transport string) transportNames {
	switch strings.ToUpper(transport) {
	case "TCP":
		return transportNames{"SIP+D2T", "_sip._tcp.", 5060}
	case "TLS":
		return transportNames{"SIPS+D2T", "_sips._tcp.", 5061}
	default:
		return transportNames{"SIP+D2U", "_sip._udp.", 5060}
	}
}

// ResolveTarget returns the address to send a message for host over the transport.
//
// A literal IP is used as is. A host with an explicit port is resolved with A/AAAA only.
// Otherwise NAPTR records select the SRV name, falling back to the "_sip._udp" style name,
// and the first SRV target with an address wins. If there are no SRV records
// the host is resolved with A/AAAA and the default port of the transport.
func (r *Resolver) ResolveTarget(ctx context.Context, host string, port uint16, transport string) (netip.AddrPort, error) {
	names := namesOf(transport)
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")

	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), cmp.Or(port, names.port)), nil
	}
	if port != 0 {
		return errtrace.Wrap2(r.firstAddr(ctx, host, port))
	}

	srvName := names.srv + dns.Fqdn(host)
	if recs, err := r.LookupNAPTR(ctx, host); err == nil {
		for _, rec := range recs {
			if strings.EqualFold(rec.Flags, "s") && strings.EqualFold(rec.Service, names.service) {
				srvName = rec.Replacement
				break
			}
		}
	}

	if srvs, err := r.LookupSRV(ctx, srvName); err == nil {
		for _, srv := range srvs {
			if addr, err := r.firstAddr(ctx, srv.Target, srv.Port); err == nil {
				return addr, nil
			}
		}
	}
	return errtrace.Wrap2(r.firstAddr(ctx, host, names.port))
}

func (r *Resolver) firstAddr(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
	addrs, err := r.LookupIP(ctx, host)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, errtrace.Wrap(errorutil.NewWrapperError(ErrNoAddress, host))
	}
	return netip.AddrPortFrom(addrs[0], port), nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			Server:     nameserver,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp.Answer, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{
			Err:  "no DNS servers configured",
			Name: "resolv.conf",
		})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

func DefaultResolver() *Resolver { return defResolver }

// ResolveTarget resolves the target with the default resolver.
func ResolveTarget(ctx context.Context, host string, port uint16, transport string) (netip.AddrPort, error) {
	return errtrace.Wrap2(defResolver.ResolveTarget(ctx, host, port, transport))
}
