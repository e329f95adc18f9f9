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
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	socks5 "github.com/armon/go-socks5"
	"github.com/stretchr/testify/require"
)

func TestAuditGrade(t *testing.T) {
	testCases := []struct {
		passed int
		total  int
		grade  string
	}{
		{9, 9, "A+"},
		{8, 9, "A"},
		{7, 9, "B"},
		{6, 9, "C"},
		{5, 9, "C"},
		{4, 9, "F"},
		{0, 9, "F"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.grade, func(t *testing.T) {
			require.Equal(t,
				testCase.grade,
				auditGrade(testCase.passed, testCase.total))
		})
	}
}

func TestAuditorScorecard(t *testing.T) {

	// The audit only speaks SOCKS5 to the listener, so a plain
	// in-process server stands in for the engine.
	server, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		_ = server.Serve(listener)
	}()

	// Per-connection remote addresses differ, so direct and proxied
	// fetches observe distinct caller identities.
	ipServer := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, r.RemoteAddr)
		}))
	defer ipServer.Close()

	// httpbin.org/headers response shape, echoing the real request
	// headers: a clean client shows no proxy-injected names.
	headerServer := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			headers := map[string]string{}
			for name := range r.Header {
				headers[name] = r.Header.Get(name)
			}
			_ = json.NewEncoder(w).Encode(
				map[string]interface{}{"headers": headers})
		}))
	defer headerServer.Close()

	endpoints := AuditEndpoints{
		IPCheckURL:      ipServer.URL,
		DNSCheckURL:     ipServer.URL,
		HeaderCheckURL:  headerServer.URL,
		IPv6CheckURL:    ipServer.URL,
		LatencyCheckURL: ipServer.URL,
		TLSCheckHost:    "127.0.0.1:1", // no TLS target in this test
		TimingURLs:      []string{ipServer.URL, ipServer.URL, ipServer.URL},
	}

	auditor, err := NewAuditor(listener.Addr().String(), endpoints)
	require.NoError(t, err)

	scorecard := auditor.Run(context.Background())
	require.Equal(t, 9, scorecard.Total)
	require.Len(t, scorecard.Checks, 9)
	require.Equal(t,
		auditGrade(scorecard.Passed, scorecard.Total), scorecard.Grade)

	byName := map[string]AuditCheck{}
	for _, check := range scorecard.Checks {
		byName[check.Name] = check
	}

	require.True(t, byName["IP Leak"].Passed, byName["IP Leak"].Detail)
	require.True(t, byName["DNS Leak"].Passed, byName["DNS Leak"].Detail)
	require.True(t, byName["Header Leak"].Passed, byName["Header Leak"].Detail)
	require.True(t, byName["Extended Headers"].Passed, byName["Extended Headers"].Detail)
	require.True(t, byName["Proxy Reachable"].Passed, byName["Proxy Reachable"].Detail)
	require.True(t, byName["Latency Budget"].Passed, byName["Latency Budget"].Detail)
	require.True(t, byName["Timing Variance"].Passed, byName["Timing Variance"].Detail)

	// No TLS target is provided, so the stripping probe must fail
	// rather than silently pass.
	require.False(t, byName["TLS Stripping"].Passed)
}

func TestAuditorHeaderLeakDetection(t *testing.T) {

	server, err := socks5.New(&socks5.Config{})
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		_ = server.Serve(listener)
	}()

	// A header endpoint that reports proxy-injected names.
	leakyServer := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"headers": map[string]string{
					"X-Forwarded-For": "192.0.2.1",
					"Via":             "1.1 proxy",
					"User-Agent":      "test",
				},
			})
		}))
	defer leakyServer.Close()

	endpoints := DefaultAuditEndpoints()
	endpoints.HeaderCheckURL = leakyServer.URL

	auditor, err := NewAuditor(listener.Addr().String(), endpoints)
	require.NoError(t, err)

	check := auditor.checkHeaders(
		context.Background(), "Header Leak", primaryLeakHeaders)
	require.False(t, check.Passed)
	require.Contains(t, check.Detail, "X-Forwarded-For")
	require.Contains(t, check.Detail, "Via")
}
