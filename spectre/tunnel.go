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
	"net"
	"sync/atomic"
	"time"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/chain"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/cryptoframe"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/resolver"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/upstreamproxy"
)

// halfCloseGrace is how long the surviving relay direction may continue
// after its peer terminates.
const halfCloseGrace = 5 * time.Second

// Tunnel is an established chain connection to one destination: the
// first-hop socket wrapped in the outermost hop's encrypted record
// layer.
type Tunnel struct {
	Conn     net.Conn
	ChainID  string
	HopCount int
}

// EstablishTunnel walks the decision's chain to the destination and
// wraps the resulting socket in the outermost hop's frame session.
// Failure classes propagate from upstreamproxy for SOCKS reply mapping.
func EstablishTunnel(
	ctx context.Context,
	config *Config,
	decision *chain.Decision,
	dnsResolver *resolver.Resolver,
	destination string) (*Tunnel, error) {

	dialConfig := &upstreamproxy.DialConfig{
		Mode:           decision.Mode,
		Resolver:       dnsResolver,
		ConnectTimeout: config.ConnectTimeout(),
		StepTimeout:    config.StepTimeout(),
		TotalTimeout:   config.TotalDeadline(),
	}

	conn, err := upstreamproxy.DialChain(
		ctx, decision.Hops, destination, dialConfig)
	if err != nil {
		return nil, errors.Trace(err)
	}

	outermost := decision.Hops[0]
	framedConn, err := cryptoframe.NewClientConn(
		conn, outermost.Key, outermost.BaseNonce)
	if err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}

	return &Tunnel{
		Conn:     framedConn,
		ChainID:  decision.ChainID,
		HopCount: len(decision.Hops),
	}, nil
}

// relay pumps bytes between the client and the tunneled upstream, one
// read in flight per direction with no internal queue, so a stalled
// reader propagates backpressure to the writer. Each direction enforces
// the idle read timeout. When either direction terminates, the other is
// granted the half-close grace and then both sockets close.
func relay(
	ctx context.Context,
	client net.Conn,
	upstream net.Conn,
	idleTimeout time.Duration,
	bytesUp *atomic.Int64,
	bytesDown *atomic.Int64) {

	done := make(chan struct{}, 2)

	pump := func(dst, src net.Conn, transferred *atomic.Int64) {
		defer func() { done <- struct{}{} }()
		buffer := make([]byte, cryptoframe.MaxChunkLength)
		for {
			_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
			n, err := src.Read(buffer)
			if n > 0 {
				transferred.Add(int64(n))
				_, writeErr := dst.Write(buffer[:n])
				if writeErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	go pump(upstream, client, bytesUp)
	go pump(client, upstream, bytesDown)

	// Wait for the first direction to finish, then give the other the
	// grace period before tearing both down.
	select {
	case <-done:
		select {
		case <-done:
		case <-time.After(halfCloseGrace):
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}

	client.Close()
	upstream.Close()
}
