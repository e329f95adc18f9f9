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

package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func startTestDNSServer(
	t *testing.T, answerIP net.IP, queryCount *int64) (string, func()) {

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{
		PacketConn: conn,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, request *dns.Msg) {
			atomic.AddInt64(queryCount, 1)
			response := &dns.Msg{}
			response.SetReply(request)
			if answerIP != nil {
				response.Answer = append(response.Answer, &dns.A{
					Hdr: dns.RR_Header{
						Name:   request.Question[0].Name,
						Rrtype: dns.TypeA,
						Class:  dns.ClassINET,
						Ttl:    60,
					},
					A: answerIP,
				})
			} else {
				response.SetRcode(request, dns.RcodeNameError)
			}
			_ = w.WriteMsg(response)
		}),
	}
	go func() { _ = server.ActivateAndServe() }()

	return conn.LocalAddr().String(), func() { _ = server.Shutdown() }
}

func TestResolveIP(t *testing.T) {
	var queryCount int64
	answerIP := net.ParseIP("93.184.216.34").To4()
	serverAddr, stop := startTestDNSServer(t, answerIP, &queryCount)
	defer stop()

	r := NewResolver(&Config{
		Servers:        []string{serverAddr},
		RequestTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	IP, err := r.ResolveIP(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, IP.Equal(answerIP))

	// Second lookup is served from cache.
	IP, err = r.ResolveIP(ctx, "example.com")
	require.NoError(t, err)
	require.True(t, IP.Equal(answerIP))
	require.Equal(t, int64(1), atomic.LoadInt64(&queryCount))

	r.FlushCache()
	_, err = r.ResolveIP(ctx, "example.com")
	require.NoError(t, err)
	require.Equal(t, int64(2), atomic.LoadInt64(&queryCount))
}

func TestResolveIPLiteral(t *testing.T) {
	r := NewResolver(&Config{Servers: []string{"127.0.0.1:1"}})
	IP, err := r.ResolveIP(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1", IP.String())
}

func TestResolveIPFailure(t *testing.T) {
	var queryCount int64
	serverAddr, stop := startTestDNSServer(t, nil, &queryCount)
	defer stop()

	r := NewResolver(&Config{
		Servers:        []string{serverAddr},
		RequestTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.ResolveIP(ctx, "nonexistent.invalid")
	require.Error(t, err)
}
