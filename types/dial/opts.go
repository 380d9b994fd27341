package dial

import (
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultConnectTimeout   = time.Second * 30
	DefaultEstablishTimeout = time.Second * 15
)

type Opts struct {
	Domain string

	// If non-empty, overrides DNS lookup from Domain
	Addrs []netip.Addr

	// If not set, will use 80 for not TLS, and 443 for TLS
	Port uint16

	// Establish the connection with TLS, turns HTTP into HTTPS.
	TLS bool

	// If non-empty, sends this string in SNI, and checks the certificate common name against it.
	//
	// Only works if TLS is true.
	ExpectCertCN string

	// If nil, uses default of 30 seconds
	ConnectTimeout time.Duration

	// If nil, uses default of 15 seconds
	EstablishTimeout time.Duration
}

func (opts *Opts) SetDefaults() {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	if opts.EstablishTimeout == 0 {
		opts.EstablishTimeout = DefaultEstablishTimeout
	}

	if opts.Port == 0 {
		if opts.TLS {
			opts.Port = 443
		} else {
			opts.Port = 80
		}
	}
}

// OptsFromURL derives dial options from an http or https URL.
//
// A literal IP host skips DNS, but is still used as the TLS server name.
func OptsFromURL(u *url.URL) (Opts, error) {
	var opts Opts

	if u == nil {
		return opts, fmt.Errorf("nil url")
	}

	switch u.Scheme {
	case "http":
	case "https":
		opts.TLS = true
	default:
		return opts, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, u)
	}

	host := u.Hostname()
	if host == "" {
		return opts, fmt.Errorf("no host in %s", u)
	}
	opts.Domain = host

	if addr, err := netip.ParseAddr(host); err == nil {
		opts.Addrs = []netip.Addr{addr.Unmap()}
	}

	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return opts, fmt.Errorf("invalid port %q in %s", p, u)
		}
		opts.Port = uint16(port)
	}

	opts.SetDefaults()

	return opts, nil
}
