/*
 * Copyright (c) 2025, Spectre Labs.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package resolver provides cached DNS resolution for tunnel modes that
// permit local hostname resolution. Modes that require remote resolution
// never call into this package; hostnames are carried to the final hop
// unresolved.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/miekg/dns"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultCacheTTL       = 60 * time.Second
	cacheReapFrequency    = 1 * time.Minute
	cacheMaxEntries       = 4096

	// Answer TTLs are clamped into [minAnswerTTL, maxAnswerTTL] before
	// caching, bounding both churn from zero-TTL answers and staleness
	// from absurdly long ones.
	minAnswerTTL = 10 * time.Second
	maxAnswerTTL = 10 * time.Minute
)

// Config specifies resolver parameters. Zero values take defaults.
type Config struct {

	// Servers are "host:port" DNS server addresses. When empty, the
	// system resolver configuration is loaded, with public resolvers as
	// a last resort.
	Servers []string

	// RequestTimeout bounds each query attempt against one server.
	RequestTimeout time.Duration
}

// Resolver resolves hostnames to IPv4 addresses, caching answers by
// hostname for the answer TTL.
type Resolver struct {
	config Config
	cache  *lrucache.Cache

	mutex   sync.Mutex
	servers []string
}

// NewResolver creates a Resolver.
func NewResolver(config *Config) *Resolver {
	r := &Resolver{
		cache: lrucache.NewWithLRU(
			defaultCacheTTL, cacheReapFrequency, cacheMaxEntries),
	}
	if config != nil {
		r.config = *config
	}
	if r.config.RequestTimeout <= 0 {
		r.config.RequestTimeout = defaultRequestTimeout
	}
	return r
}

// ResolveIP resolves hostname to an IPv4 address. An IP literal is
// returned as-is. Cached answers are served until their TTL expires;
// otherwise the configured servers are tried in order.
func (r *Resolver) ResolveIP(ctx context.Context, hostname string) (net.IP, error) {

	if IP := net.ParseIP(hostname); IP != nil {
		return IP, nil
	}

	if entry, ok := r.cache.Get(hostname); ok {
		return entry.(net.IP), nil
	}

	servers, err := r.getServers()
	if err != nil {
		return nil, errors.Trace(err)
	}

	request := &dns.Msg{MsgHdr: dns.MsgHdr{RecursionDesired: true}}
	request.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	client := &dns.Client{Timeout: r.config.RequestTimeout}

	var lastErr error
	for _, server := range servers {

		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}

		response, _, err := client.ExchangeContext(ctx, request, server)
		if err != nil {
			lastErr = errors.Trace(err)
			continue
		}
		if response.MsgHdr.Rcode != dns.RcodeSuccess {
			lastErr = errors.Tracef(
				"unexpected RCode: %s", dns.RcodeToString[response.MsgHdr.Rcode])
			continue
		}

		for _, answer := range response.Answer {
			a, ok := answer.(*dns.A)
			if !ok {
				continue
			}
			IP := a.A
			TTL := time.Duration(a.Hdr.Ttl) * time.Second
			if TTL < minAnswerTTL {
				TTL = minAnswerTTL
			} else if TTL > maxAnswerTTL {
				TTL = maxAnswerTTL
			}
			r.cache.Set(hostname, IP, TTL)
			return IP, nil
		}

		lastErr = errors.TraceNew("no A records in response")
	}

	if lastErr == nil {
		lastErr = errors.TraceNew("no DNS servers")
	}
	return nil, lastErr
}

// FlushCache discards all cached answers.
func (r *Resolver) FlushCache() {
	r.cache.Flush()
}

func (r *Resolver) getServers() ([]string, error) {
	if len(r.config.Servers) > 0 {
		return r.config.Servers, nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.servers != nil {
		return r.servers, nil
	}

	clientConfig, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err == nil && len(clientConfig.Servers) > 0 {
		for _, server := range clientConfig.Servers {
			r.servers = append(
				r.servers, net.JoinHostPort(server, clientConfig.Port))
		}
	} else {
		r.servers = []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	return r.servers, nil
}
