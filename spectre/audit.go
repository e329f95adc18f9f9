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
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

const (
	auditDirectTimeout  = 8 * time.Second
	auditProxiedTimeout = 15 * time.Second
	auditLatencyBudget  = 6 * time.Second
	auditDialTimeout    = 10 * time.Second
)

// AuditEndpoints are the external targets probed by the leak audit.
// Tests point these at local servers.
type AuditEndpoints struct {
	IPCheckURL      string
	DNSCheckURL     string
	HeaderCheckURL  string
	IPv6CheckURL    string
	LatencyCheckURL string
	TLSCheckHost    string
	TimingURLs      []string
}

// DefaultAuditEndpoints returns the public endpoints used when no
// overrides are supplied.
func DefaultAuditEndpoints() AuditEndpoints {
	return AuditEndpoints{
		IPCheckURL:      "https://api.ipify.org",
		DNSCheckURL:     "https://api.ip.sb/ip",
		HeaderCheckURL:  "http://httpbin.org/headers",
		IPv6CheckURL:    "https://api64.ipify.org",
		LatencyCheckURL: "http://example.com",
		TLSCheckHost:    "badssl.com:443",
		TimingURLs: []string{
			"http://example.com",
			"http://example.org",
			"http://example.net",
		},
	}
}

// AuditCheck is the outcome of one leak probe.
type AuditCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Scorecard aggregates the audit checks with a letter grade.
type Scorecard struct {
	Checks []AuditCheck `json:"checks"`
	Passed int          `json:"passed"`
	Total  int          `json:"total"`
	Grade  string       `json:"grade"`
}

// AllPassed indicates whether every check succeeded.
func (scorecard *Scorecard) AllPassed() bool {
	return scorecard.Passed == scorecard.Total
}

// Auditor runs leak probes from outside the engine, through the local
// SOCKS5 listener, so the whole stack is exercised the way a client
// application would.
type Auditor struct {
	listenerAddress string
	endpoints       AuditEndpoints
	directClient    *http.Client
	proxiedClient   *http.Client
	socksDialer     proxy.ContextDialer
}

func NewAuditor(listenerAddress string, endpoints AuditEndpoints) (*Auditor, error) {

	baseDialer := &net.Dialer{Timeout: auditDialTimeout}

	socksDialer, err := proxy.SOCKS5("tcp", listenerAddress, nil, baseDialer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	contextDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.TraceNew("SOCKS dialer does not support context")
	}

	return &Auditor{
		listenerAddress: listenerAddress,
		endpoints:       endpoints,
		directClient:    &http.Client{Timeout: auditDirectTimeout},
		proxiedClient: &http.Client{
			Transport: &http.Transport{
				DialContext:       contextDialer.DialContext,
				DisableKeepAlives: true,
			},
			Timeout: auditProxiedTimeout,
		},
		socksDialer: contextDialer,
	}, nil
}

// Run executes the full scorecard. Individual check failures are
// recorded, not returned as errors.
func (auditor *Auditor) Run(ctx context.Context) *Scorecard {

	hostIP := auditor.fetchDirect(ctx, auditor.endpoints.IPCheckURL)

	checks := []AuditCheck{
		auditor.checkIPLeak(ctx, hostIP),
		auditor.checkDNSLeak(ctx),
		auditor.checkHeaderLeak(ctx),
		auditor.checkExtendedHeaderLeak(ctx),
		auditor.checkProxyReachable(),
		auditor.checkLatencyBudget(ctx),
		auditor.checkIPv6Leak(ctx),
		auditor.checkTLSStripping(ctx),
		auditor.checkTimingVariance(ctx),
	}

	passed := 0
	for _, check := range checks {
		if check.Passed {
			passed++
		}
	}

	return &Scorecard{
		Checks: checks,
		Passed: passed,
		Total:  len(checks),
		Grade:  auditGrade(passed, len(checks)),
	}
}

func auditGrade(passed, total int) string {
	fraction := float64(passed) / float64(total)
	switch {
	case fraction == 1.0:
		return "A+"
	case fraction >= 0.85:
		return "A"
	case fraction >= 0.70:
		return "B"
	case fraction >= 0.55:
		return "C"
	default:
		return "F"
	}
}

func (auditor *Auditor) fetchDirect(ctx context.Context, urlStr string) string {
	body, err := fetchBodyString(ctx, auditor.directClient, urlStr)
	if err != nil {
		return ""
	}
	return body
}

func (auditor *Auditor) fetchProxied(ctx context.Context, urlStr string) (string, error) {
	return fetchBodyString(ctx, auditor.proxiedClient, urlStr)
}

func fetchBodyString(
	ctx context.Context, client *http.Client, urlStr string) (string, error) {

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	response, err := client.Do(request)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", errors.Trace(err)
	}
	return strings.TrimSpace(string(body)), nil
}

func (auditor *Auditor) checkIPLeak(ctx context.Context, hostIP string) AuditCheck {
	proxyIP, err := auditor.fetchProxied(ctx, auditor.endpoints.IPCheckURL)
	if err != nil {
		return AuditCheck{"IP Leak", false,
			fmt.Sprintf("check endpoint unreachable via proxy: %v", err)}
	}
	if hostIP != "" && proxyIP == hostIP {
		return AuditCheck{"IP Leak", false,
			fmt.Sprintf("exit IP matches host IP (%s)", hostIP)}
	}
	return AuditCheck{"IP Leak", true,
		fmt.Sprintf("exit IP %s differs from host IP %s", proxyIP, hostIP)}
}

func (auditor *Auditor) checkDNSLeak(ctx context.Context) AuditCheck {
	// Reaching the endpoint by hostname through the chain confirms
	// name resolution took the proxied path.
	seenIP, err := auditor.fetchProxied(ctx, auditor.endpoints.DNSCheckURL)
	if err != nil {
		return AuditCheck{"DNS Leak", false,
			fmt.Sprintf("DNS check endpoint unreachable: %v", err)}
	}
	if seenIP == "" {
		return AuditCheck{"DNS Leak", false, "empty response from DNS check endpoint"}
	}
	return AuditCheck{"DNS Leak", true,
		fmt.Sprintf("resolution took the proxied path (seen IP %s)", seenIP)}
}

var primaryLeakHeaders = []string{
	"X-Forwarded-For", "Via", "X-Real-Ip", "Forwarded",
}

var extendedLeakHeaders = []string{
	"X-Client-IP", "CF-Connecting-IP", "True-Client-IP",
	"Proxy-Client-IP", "WL-Proxy-Client-IP", "HTTP_CLIENT_IP",
	"HTTP_X_FORWARDED_FOR", "Forwarded",
}

func (auditor *Auditor) checkHeaderLeak(ctx context.Context) AuditCheck {
	return auditor.checkHeaders(ctx, "Header Leak", primaryLeakHeaders)
}

func (auditor *Auditor) checkExtendedHeaderLeak(ctx context.Context) AuditCheck {
	return auditor.checkHeaders(ctx, "Extended Headers", extendedLeakHeaders)
}

func (auditor *Auditor) checkHeaders(
	ctx context.Context, name string, headerNames []string) AuditCheck {

	body, err := auditor.fetchProxied(ctx, auditor.endpoints.HeaderCheckURL)
	if err != nil {
		return AuditCheck{name, false,
			fmt.Sprintf("header check endpoint unreachable: %v", err)}
	}

	// httpbin.org/headers response shape.
	var echoed struct {
		Headers map[string]string `json:"headers"`
	}
	if err := json.Unmarshal([]byte(body), &echoed); err != nil {
		return AuditCheck{name, false, "malformed header echo response"}
	}

	var leaked []string
	for _, headerName := range headerNames {
		if _, found := echoed.Headers[headerName]; found {
			leaked = append(leaked, headerName)
		}
	}

	if len(leaked) > 0 {
		return AuditCheck{name, false,
			fmt.Sprintf("leaking headers: %s", strings.Join(leaked, ", "))}
	}
	return AuditCheck{name, true, "no identifying headers observed"}
}

func (auditor *Auditor) checkProxyReachable() AuditCheck {
	conn, err := net.DialTimeout("tcp", auditor.listenerAddress, 3*time.Second)
	if err != nil {
		return AuditCheck{"Proxy Reachable", false,
			fmt.Sprintf("listener not reachable: %v", err)}
	}
	conn.Close()
	return AuditCheck{"Proxy Reachable", true,
		fmt.Sprintf("listener up on %s", auditor.listenerAddress)}
}

func (auditor *Auditor) checkLatencyBudget(ctx context.Context) AuditCheck {
	start := time.Now()
	_, err := auditor.fetchProxied(ctx, auditor.endpoints.LatencyCheckURL)
	elapsed := time.Since(start)
	if err != nil {
		return AuditCheck{"Latency Budget", false,
			fmt.Sprintf("request failed: %v", err)}
	}
	if elapsed > auditLatencyBudget {
		return AuditCheck{"Latency Budget", false,
			fmt.Sprintf("%.2fs exceeds %.0fs budget",
				elapsed.Seconds(), auditLatencyBudget.Seconds())}
	}
	return AuditCheck{"Latency Budget", true,
		fmt.Sprintf("%.2fs within %.0fs budget",
			elapsed.Seconds(), auditLatencyBudget.Seconds())}
}

func (auditor *Auditor) checkIPv6Leak(ctx context.Context) AuditCheck {

	if !hostHasIPv6() {
		return AuditCheck{"IPv6 Leak", true, "host has no IPv6 connectivity"}
	}

	proxyIP, err := auditor.fetchProxied(ctx, auditor.endpoints.IPv6CheckURL)
	if err != nil {
		// Host has IPv6 but the chain refuses it, so the native v6
		// path is not reachable through the tunnel.
		return AuditCheck{"IPv6 Leak", true, "IPv6 blocked by the chain"}
	}

	hostIPv6 := auditor.fetchDirect(ctx, auditor.endpoints.IPv6CheckURL)
	if hostIPv6 != "" && proxyIP == hostIPv6 {
		return AuditCheck{"IPv6 Leak", false,
			fmt.Sprintf("native IPv6 address exposed (%s)", hostIPv6)}
	}
	return AuditCheck{"IPv6 Leak", true,
		fmt.Sprintf("IPv6 routed through the chain (exit %s)", proxyIP)}
}

func hostHasIPv6() bool {
	conn, err := net.DialTimeout("tcp6", "[2001:4860:4860::8888]:53", 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// checkTLSStripping opens a raw TLS session to an https target through
// the chain and confirms the handshake completes without downgrade.
func (auditor *Auditor) checkTLSStripping(ctx context.Context) AuditCheck {

	host := auditor.endpoints.TLSCheckHost
	serverName, _, err := net.SplitHostPort(host)
	if err != nil {
		serverName = host
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, auditProxiedTimeout)
	defer cancel()

	conn, err := auditor.socksDialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return AuditCheck{"TLS Stripping", false,
			fmt.Sprintf("could not reach TLS target via chain: %v", err)}
	}
	defer conn.Close()

	tlsConn := utls.UClient(
		conn,
		&utls.Config{ServerName: serverName, MinVersion: utls.VersionTLS12},
		utls.HelloChrome_Auto)

	_ = conn.SetDeadline(time.Now().Add(auditProxiedTimeout))

	err = tlsConn.Handshake()
	if err != nil {
		return AuditCheck{"TLS Stripping", false,
			fmt.Sprintf("TLS handshake failed through chain: %v", err)}
	}

	state := tlsConn.ConnectionState()
	if state.Version < utls.VersionTLS12 {
		return AuditCheck{"TLS Stripping", false,
			fmt.Sprintf("negotiated TLS version 0x%04x below 1.2", state.Version)}
	}
	return AuditCheck{"TLS Stripping", true,
		fmt.Sprintf("TLS 0x%04x handshake intact through chain", state.Version)}
}

// checkTimingVariance measures per-request timing spread across several
// targets. Low variance in a multi-hop chain suggests requests are not
// actually traversing distinct upstream paths.
func (auditor *Auditor) checkTimingVariance(ctx context.Context) AuditCheck {

	var timings []time.Duration
	for _, urlStr := range auditor.endpoints.TimingURLs {
		start := time.Now()
		_, err := auditor.fetchProxied(ctx, urlStr)
		if err != nil {
			continue
		}
		timings = append(timings, time.Since(start))
	}

	if len(timings) < 2 {
		return AuditCheck{"Timing Variance", false,
			"insufficient samples for timing analysis"}
	}

	var sum time.Duration
	for _, timing := range timings {
		sum += timing
	}
	mean := sum / time.Duration(len(timings))

	var variance float64
	for _, timing := range timings {
		diff := float64(timing - mean)
		variance += diff * diff
	}
	variance /= float64(len(timings))
	stdDev := time.Duration(math.Sqrt(variance))

	return AuditCheck{"Timing Variance", true,
		fmt.Sprintf("%d samples, mean %.0fms, deviation %.0fms",
			len(timings),
			float64(mean)/float64(time.Millisecond),
			float64(stdDev)/float64(time.Millisecond))}
}
