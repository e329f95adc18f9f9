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

package spectre

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

const (
	// scrapeDeadline bounds one whole fan-out wave.
	scrapeDeadline = 2 * time.Minute

	// scrapeRateLimit is the request rate shared across all sources.
	scrapeRateLimit = rate.Limit(4)

	scraperUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// ScrapeProtocolAll requests every source regardless of protocol.
const ScrapeProtocolAll = "all"

// ScrapeOptions selects which sources to query and caps the result.
type ScrapeOptions struct {

	// Protocol is "all" or one of the proxy protocol tags; sources
	// yielding other protocols are skipped.
	Protocol string

	// Limit caps the deduplicated result.
	Limit int
}

// proxySource is one remote list: a name for logging, the protocol tags
// it can yield, and a fetch function.
type proxySource struct {
	name      string
	protocols []string
	fetch     func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error)
}

// RemoteProxyList scrapes public proxy lists: plain-text ip:port feeds
// and JSON APIs fetched over TLS with a browser fingerprint, plus one
// HTML table source. Sources run concurrently under a shared rate limit;
// individual source failures are logged and skipped, never fatal.
type RemoteProxyList struct {
	config   *Config
	limiter  *rate.Limiter
	verifier *Verifier
	logger   common.Logger
}

// NewRemoteProxyList creates a scraper for the committed config.
func NewRemoteProxyList(config *Config) *RemoteProxyList {
	return &RemoteProxyList{
		config:   config,
		limiter:  rate.NewLimiter(scrapeRateLimit, 1),
		verifier: NewVerifier(config),
		logger:   CommonLogger(log),
	}
}

var proxySources = []proxySource{
	{
		name:      "proxyscrape-http",
		protocols: []string{protocol.ProxyProtocolHTTP},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchProxyScrape(ctx, protocol.ProxyProtocolHTTP, limit)
		},
	},
	{
		name:      "proxyscrape-socks5",
		protocols: []string{protocol.ProxyProtocolSOCKS5},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchProxyScrape(ctx, protocol.ProxyProtocolSOCKS5, limit)
		},
	},
	{
		name: "thespeedx",
		protocols: []string{
			protocol.ProxyProtocolHTTP,
			protocol.ProxyProtocolSOCKS4,
			protocol.ProxyProtocolSOCKS5},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchPlainTextLists(ctx, limit, map[string]string{
				protocol.ProxyProtocolHTTP:   "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
				protocol.ProxyProtocolSOCKS4: "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks4.txt",
				protocol.ProxyProtocolSOCKS5: "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/socks5.txt",
			})
		},
	},
	{
		name: "monosans",
		protocols: []string{
			protocol.ProxyProtocolHTTP, protocol.ProxyProtocolSOCKS5},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchPlainTextLists(ctx, limit, map[string]string{
				protocol.ProxyProtocolHTTP:   "https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/http.txt",
				protocol.ProxyProtocolSOCKS5: "https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/socks5.txt",
			})
		},
	},
	{
		name: "vakhov",
		protocols: []string{
			protocol.ProxyProtocolHTTP, protocol.ProxyProtocolSOCKS5},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchPlainTextLists(ctx, limit, map[string]string{
				protocol.ProxyProtocolHTTP:   "https://raw.githubusercontent.com/vakhov/fresh-proxy-list/master/http.txt",
				protocol.ProxyProtocolSOCKS5: "https://raw.githubusercontent.com/vakhov/fresh-proxy-list/master/socks5.txt",
			})
		},
	},
	{
		name:      "hookzof",
		protocols: []string{protocol.ProxyProtocolSOCKS5},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchPlainTextLists(ctx, limit, map[string]string{
				protocol.ProxyProtocolSOCKS5: "https://raw.githubusercontent.com/hookzof/socks5_list/master/proxy.txt",
			})
		},
	},
	{
		name:      "iplocate",
		protocols: []string{protocol.ProxyProtocolSOCKS5},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchPlainTextLists(ctx, limit, map[string]string{
				protocol.ProxyProtocolSOCKS5: "https://raw.githubusercontent.com/iplocate/free-proxy-list/main/socks5.txt",
			})
		},
	},
	{
		name:      "komutan",
		protocols: []string{protocol.ProxyProtocolSOCKS5},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchPlainTextLists(ctx, limit, map[string]string{
				protocol.ProxyProtocolSOCKS5: "https://raw.githubusercontent.com/komutan234/Proxy-List-Free/main/socks5.txt",
			})
		},
	},
	{
		name:      "proxifly",
		protocols: []string{protocol.ProxyProtocolSOCKS5},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchPlainTextLists(ctx, limit, map[string]string{
				protocol.ProxyProtocolSOCKS5: "https://raw.githubusercontent.com/proxifly/free-proxy-list/main/proxies/protocols/socks5/data.txt",
			})
		},
	},
	{
		name:      "geonode-http",
		protocols: []string{protocol.ProxyProtocolHTTP},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchGeoNode(ctx, protocol.ProxyProtocolHTTP, limit)
		},
	},
	{
		name:      "geonode-socks5",
		protocols: []string{protocol.ProxyProtocolSOCKS5},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchGeoNode(ctx, protocol.ProxyProtocolSOCKS5, limit)
		},
	},
	{
		name:      "free-proxy-list",
		protocols: []string{protocol.ProxyProtocolHTTP},
		fetch: func(ctx context.Context, r *RemoteProxyList, limit int) ([]protocol.Proxy, error) {
			return r.fetchFreeProxyList(ctx, limit)
		},
	},
}

// Fetch runs the scrape wave: all applicable sources concurrently,
// results deduplicated by identity and capped at the limit, then a TCP
// pre-validation pass that fills latencies. Dead entries are retained
// with latency 0 so polish can tier them.
func (r *RemoteProxyList) Fetch(
	ctx context.Context, options *ScrapeOptions) ([]protocol.Proxy, error) {

	limit := options.Limit
	if limit <= 0 {
		limit = r.config.ScrapeLimit
	}

	ctx, cancel := context.WithTimeout(ctx, scrapeDeadline)
	defer cancel()

	var mutex sync.Mutex
	var scraped []protocol.Proxy

	group, groupCtx := errgroup.WithContext(ctx)
	for _, source := range proxySources {
		if !sourceApplies(source, options.Protocol) {
			continue
		}
		source := source
		group.Go(func() error {
			proxies, err := source.fetch(groupCtx, r, limit)
			if err != nil {
				// Source failures never abort the wave.
				r.logger.WithTraceFields(common.LogFields{
					"source": source.name,
					"error":  err,
				}).Warning("proxy source failed")
				return nil
			}
			r.logger.WithTraceFields(common.LogFields{
				"source":  source.name,
				"scraped": len(proxies),
			}).Info("proxy source complete")
			mutex.Lock()
			scraped = append(scraped, proxies...)
			mutex.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	deduplicated := deduplicateProxies(scraped, options.Protocol, limit)

	if len(deduplicated) == 0 {
		return nil, errors.TraceNew("no proxies scraped")
	}

	validated, err := r.verifier.VerifyPool(ctx, deduplicated)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return validated, nil
}

func sourceApplies(source proxySource, protocolFilter string) bool {
	if protocolFilter == "" || protocolFilter == ScrapeProtocolAll {
		return true
	}
	return common.Contains(source.protocols, protocolFilter)
}

func deduplicateProxies(
	proxies []protocol.Proxy, protocolFilter string, limit int) []protocol.Proxy {

	seen := make(map[string]bool)
	unique := make([]protocol.Proxy, 0, len(proxies))
	for _, p := range proxies {
		if protocolFilter != "" && protocolFilter != ScrapeProtocolAll &&
			p.Protocol != protocolFilter {
			continue
		}
		key := p.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, p)
		if len(unique) >= limit {
			break
		}
	}
	return unique
}

// parseProxyLines extracts "ip:port" records from a plain-text list,
// skipping blank and malformed lines.
func parseProxyLines(body string, protocolTag string, limit int) []protocol.Proxy {
	var proxies []protocol.Proxy
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, ":") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) != 2 {
			continue
		}
		ip := strings.TrimSpace(parts[0])
		port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || ip == "" || port < 1 || port > 65535 {
			continue
		}
		proxies = append(proxies, protocol.Proxy{
			IP:       ip,
			Port:     port,
			Protocol: protocolTag,
			Alive:    true,
		})
		if len(proxies) >= limit {
			break
		}
	}
	return proxies
}

func (r *RemoteProxyList) fetchProxyScrape(
	ctx context.Context, protocolTag string, limit int) ([]protocol.Proxy, error) {

	url := fmt.Sprintf(
		"https://api.proxyscrape.com/v4/free-proxy-list/get?request=getproxies&protocol=%s&timeout=10000&country=all&ssl=all&anonymity=all&simplified=true",
		protocolTag)
	body, err := r.fetchBody(ctx, url)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return parseProxyLines(string(body), protocolTag, limit), nil
}

func (r *RemoteProxyList) fetchPlainTextLists(
	ctx context.Context, limit int, urls map[string]string) ([]protocol.Proxy, error) {

	var proxies []protocol.Proxy
	var lastErr error
	for protocolTag, url := range urls {
		body, err := r.fetchBody(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		proxies = append(
			proxies, parseProxyLines(string(body), protocolTag, limit)...)
		if len(proxies) >= limit {
			break
		}
	}
	if len(proxies) == 0 && lastErr != nil {
		return nil, errors.Trace(lastErr)
	}
	return proxies, nil
}

func (r *RemoteProxyList) fetchGeoNode(
	ctx context.Context, protocolTag string, limit int) ([]protocol.Proxy, error) {

	url := fmt.Sprintf(
		"https://proxylist.geonode.com/api/proxy-list?limit=%d&page=1&sort_by=lastChecked&sort_type=desc&protocols=%s",
		limit, protocolTag)
	body, err := r.fetchBody(ctx, url)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return parseGeoNodeResponse(body, protocolTag, limit)
}

// parseGeoNodeResponse parses the geonode API JSON body. The API reports
// port as a string and may tag a record with several protocols; the
// first one wins.
func parseGeoNodeResponse(
	body []byte, protocolTag string, limit int) ([]protocol.Proxy, error) {

	var response struct {
		Data []struct {
			IP        string   `json:"ip"`
			Port      string   `json:"port"`
			Country   string   `json:"country"`
			Protocols []string `json:"protocols"`
		} `json:"data"`
	}
	err := json.Unmarshal(body, &response)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var proxies []protocol.Proxy
	for _, record := range response.Data {
		port, err := strconv.Atoi(record.Port)
		if err != nil || record.IP == "" || port < 1 || port > 65535 {
			continue
		}
		tag := protocolTag
		if len(record.Protocols) > 0 {
			if normalized, ok := protocol.NormalizeProxyProtocol(record.Protocols[0]); ok {
				tag = normalized
			}
		}
		proxies = append(proxies, protocol.Proxy{
			IP:       record.IP,
			Port:     port,
			Protocol: tag,
			Country:  strings.ToLower(record.Country),
			Alive:    true,
		})
		if len(proxies) >= limit {
			break
		}
	}
	return proxies, nil
}

// fetchFreeProxyList scrapes the free-proxy-list.net HTML table.
func (r *RemoteProxyList) fetchFreeProxyList(
	ctx context.Context, limit int) ([]protocol.Proxy, error) {

	err := r.limiter.Wait(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	collector := colly.NewCollector(colly.UserAgent(scraperUserAgent))
	if deadline, ok := ctx.Deadline(); ok {
		collector.SetRequestTimeout(time.Until(deadline))
	}

	var proxies []protocol.Proxy
	collector.OnHTML("table.table tbody tr", func(e *colly.HTMLElement) {
		if len(proxies) >= limit {
			return
		}
		ip := strings.TrimSpace(e.ChildText("td:nth-child(1)"))
		port, err := strconv.Atoi(strings.TrimSpace(e.ChildText("td:nth-child(2)")))
		country := strings.ToLower(strings.TrimSpace(e.ChildText("td:nth-child(3)")))
		anonymity := normalizeAnonymity(e.ChildText("td:nth-child(5)"))
		if ip == "" || err != nil || port < 1 || port > 65535 {
			return
		}
		proxies = append(proxies, protocol.Proxy{
			IP:        ip,
			Port:      port,
			Protocol:  protocol.ProxyProtocolHTTP,
			Country:   country,
			Anonymity: anonymity,
			Alive:     true,
		})
	})

	err = collector.Visit("https://free-proxy-list.net/")
	if err != nil {
		return nil, errors.Trace(err)
	}

	return proxies, nil
}

func normalizeAnonymity(label string) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "elite proxy", "elite":
		return protocol.AnonymityElite
	case "anonymous":
		return protocol.AnonymityAnonymous
	case "transparent":
		return protocol.AnonymityTransparent
	}
	return protocol.AnonymityUnknown
}
