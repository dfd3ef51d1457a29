package lib

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	resolverCacheSize = 256
	resolverCacheTTL  = time.Minute
)

// LookupFunc resolves a host name to its addresses. Injected lookups
// let tests drive resolution failures without touching the network.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Resolver resolves outbound target hosts. "localhost" is substituted
// with "127.0.0.1" before the name database is consulted, literal IPs
// short-circuit, and positive results are cached.
type Resolver struct {
	lookup LookupFunc
	cache  *expirable.LRU[string, net.IP]
}

// NewResolver builds a resolver around lookup; nil means the system
// resolver.
func NewResolver(lookup LookupFunc) *Resolver {
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		}
	}
	return &Resolver{
		lookup: lookup,
		cache:  expirable.NewLRU[string, net.IP](resolverCacheSize, nil, resolverCacheTTL),
	}
}

var defaultResolver = NewResolver(nil)

// DefaultResolver returns the process-wide resolver.
func DefaultResolver() *Resolver {
	return defaultResolver
}

// Resolve returns the address to connect to for host. The first
// endpoint of the result set wins; there is no multi-address racing.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if host == "localhost" {
		host = "127.0.0.1"
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	if ip, ok := r.cache.Get(host); ok {
		return ip, nil
	}
	ips, err := r.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	ip := ips[0]
	r.cache.Add(host, ip)
	return ip, nil
}
