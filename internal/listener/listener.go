// Package listener opens the inbound TCP listener.
package listener

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"stream-forwarder/internal/config"
)

// headerTimeout bounds how long a new connection may take to send its PROXY
// header.
const headerTimeout = 10 * time.Second

// Listen binds the server address. With proxy_protocol enabled, connections
// may start with a PROXY v1/v2 header and RemoteAddr reports the original
// client; connections without a header are accepted as is. When trusted
// proxies are configured, headers from any other peer are read and ignored.
func Listen(cfg *config.ServerConfig) (net.Listener, error) {
	trusted, err := cfg.TrustedProxies()
	if err != nil {
		return nil, err
	}

	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if !cfg.ProxyProtocol {
		return ln, nil
	}

	pl := &proxyproto.Listener{
		Listener:          ln,
		ReadHeaderTimeout: headerTimeout,
	}
	if len(trusted) > 0 {
		pl.ConnPolicy = trustPolicy(trusted)
	}
	return pl, nil
}

// trustPolicy honours PROXY headers only from peers inside one of prefixes.
func trustPolicy(prefixes []netip.Prefix) proxyproto.ConnPolicyFunc {
	return func(opts proxyproto.ConnPolicyOptions) (proxyproto.Policy, error) {
		tcp, ok := opts.Upstream.(*net.TCPAddr)
		if !ok {
			return proxyproto.IGNORE, nil
		}
		ip := tcp.AddrPort().Addr().Unmap()
		for _, p := range prefixes {
			if p.Contains(ip) {
				return proxyproto.USE, nil
			}
		}
		return proxyproto.IGNORE, nil
	}
}
