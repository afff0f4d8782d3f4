// Package upstream provides narrow, fail-open-by-default HTTP clients for
// the gateway's read-only collaborators: the policy engine, the model
// registry, and the content shield.
package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// newClient builds a connection-pooled, DNS-cached HTTP client dedicated to
// a single upstream collaborator. Each collaborator gets its own client
// instance (and therefore its own connection pool) since they have
// different latency budgets and availability characteristics.
func newClient(maxIdlePerHost int, idleTimeout time.Duration) *http.Client {
	resolver := &dnscache.Resolver{}
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: maxIdlePerHost,
			IdleConnTimeout:     idleTimeout,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 5 * time.Second,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				var d net.Dialer
				return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
			},
		},
	}
}
