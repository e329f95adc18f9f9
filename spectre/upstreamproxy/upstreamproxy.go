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

/*

Package upstreamproxy negotiates connections through chains of upstream
proxies. DialChain connects to the first hop over TCP and then handshakes
each hop in turn for the address of the next, ending with the final
destination, yielding a net.Conn whose reads and writes traverse every
hop.

Each negotiation step runs under its own I/O deadline and the whole walk
under a total deadline, so one stalled hop cannot hold a dial open
indefinitely. Failures are classified so callers can map them onto SOCKS
reply codes.

*/
package upstreamproxy

import (
	"context"
	std_errors "errors"
	"fmt"
	"net"
	"time"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/chain"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/resolver"
)

const (
	// DefaultConnectTimeout bounds the TCP connect to the first hop.
	DefaultConnectTimeout = 8 * time.Second

	// DefaultStepTimeout bounds each per-hop handshake exchange.
	DefaultStepTimeout = 5 * time.Second

	// DefaultTotalTimeout bounds the entire chain walk.
	DefaultTotalTimeout = 20 * time.Second
)

var (
	// ErrConnectTimeout indicates the TCP connect to the first hop timed
	// out.
	ErrConnectTimeout = std_errors.New("upstreamproxy: connect timeout")

	// ErrAuthRejected indicates a hop refused the no-authentication
	// method offer.
	ErrAuthRejected = std_errors.New("upstreamproxy: authentication rejected")

	// ErrBadReply indicates a hop sent a malformed handshake reply.
	ErrBadReply = std_errors.New("upstreamproxy: malformed reply")

	// ErrTotalDeadline indicates the whole chain walk exceeded its
	// deadline.
	ErrTotalDeadline = std_errors.New("upstreamproxy: chain deadline exceeded")

	// ErrDNSRequired indicates a hostname destination reached a hop that
	// cannot carry hostnames, under a mode that forbids local resolution.
	ErrDNSRequired = std_errors.New("upstreamproxy: hop cannot resolve hostname")
)

// UpstreamRefusedError indicates a hop accepted the handshake but refused
// the requested connection: a non-zero SOCKS5 REP, or a non-200 HTTP
// CONNECT status.
type UpstreamRefusedError struct {
	Code int
}

func (e *UpstreamRefusedError) Error() string {
	return fmt.Sprintf("upstreamproxy: upstream refused connection (code %d)", e.Code)
}

// DialConfig specifies chain dial parameters. Zero timeouts take
// defaults.
type DialConfig struct {

	// Mode determines DNS semantics. Modes that require remote
	// resolution forward hostname destinations to the final hop
	// unresolved; other modes resolve locally via Resolver when one is
	// set.
	Mode protocol.Mode

	// Resolver, when set, resolves hostname destinations locally for
	// modes that permit it.
	Resolver *resolver.Resolver

	ConnectTimeout time.Duration
	StepTimeout    time.Duration
	TotalTimeout   time.Duration

	// DialTCP overrides the first-hop TCP dial. Used by tests.
	DialTCP func(ctx context.Context, address string) (net.Conn, error)
}

func (config *DialConfig) connectTimeout() time.Duration {
	if config.ConnectTimeout > 0 {
		return config.ConnectTimeout
	}
	return DefaultConnectTimeout
}

func (config *DialConfig) stepTimeout() time.Duration {
	if config.StepTimeout > 0 {
		return config.StepTimeout
	}
	return DefaultStepTimeout
}

func (config *DialConfig) totalTimeout() time.Duration {
	if config.TotalTimeout > 0 {
		return config.TotalTimeout
	}
	return DefaultTotalTimeout
}

// DialChain connects through hops to destination ("host:port"). On
// success the returned conn is the first-hop TCP socket with every hop
// committed to relaying toward the destination. On failure the socket is
// closed and the error is one of the package's failure classes.
func DialChain(
	ctx context.Context,
	hops []chain.Hop,
	destination string,
	config *DialConfig) (net.Conn, error) {

	if config == nil {
		config = &DialConfig{}
	}
	if len(hops) == 0 {
		return nil, errors.TraceNew("empty chain")
	}

	destination, err := prepareDestination(ctx, destination, config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(ctx, config.totalTimeout())
	defer cancel()

	conn, err := dialFirstHop(ctx, hops[0].Address(), config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for i := range hops {

		next := destination
		if i+1 < len(hops) {
			next = hops[i+1].Address()
		}

		stepDeadline := time.Now().Add(config.stepTimeout())
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(stepDeadline) {
			stepDeadline = ctxDeadline
		}
		_ = conn.SetDeadline(stepDeadline)

		switch hops[i].Protocol {
		case protocol.ProxyProtocolSOCKS5:
			err = negotiateSOCKS5(conn, next)
		case protocol.ProxyProtocolHTTP, protocol.ProxyProtocolHTTPS:
			err = negotiateHTTPConnect(conn, next)
		default:
			err = errors.Tracef(
				"unsupported hop protocol: %s", hops[i].Protocol)
		}

		if err != nil {
			conn.Close()
			// A read that fails at the walk deadline may race ctx.Err(),
			// so classify against the deadline clock.
			if deadline, ok := ctx.Deadline(); ok &&
				!time.Now().Before(deadline) && isTimeout(err) {
				return nil, errors.Trace(ErrTotalDeadline)
			}
			if ctx.Err() == context.DeadlineExceeded {
				return nil, errors.Trace(ErrTotalDeadline)
			}
			return nil, errors.TraceMsg(err, fmt.Sprintf("hop %d", i))
		}
	}

	_ = conn.SetDeadline(time.Time{})

	return conn, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return std_errors.As(err, &netErr) && netErr.Timeout()
}

func dialFirstHop(
	ctx context.Context, address string, config *DialConfig) (net.Conn, error) {

	dialCtx, cancel := context.WithTimeout(ctx, config.connectTimeout())
	defer cancel()

	var conn net.Conn
	var err error
	if config.DialTCP != nil {
		conn, err = config.DialTCP(dialCtx, address)
	} else {
		dialer := &net.Dialer{}
		conn, err = dialer.DialContext(dialCtx, "tcp", address)
	}
	if err != nil {
		if dialCtx.Err() == context.DeadlineExceeded &&
			ctx.Err() != context.DeadlineExceeded {
			return nil, errors.Trace(ErrConnectTimeout)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Trace(ErrTotalDeadline)
		}
		return nil, errors.Trace(err)
	}
	return conn, nil
}

// prepareDestination applies the mode's DNS semantics to a hostname
// destination: local resolution when permitted and a resolver is
// configured, pass-through otherwise. IP destinations pass unchanged.
func prepareDestination(
	ctx context.Context, destination string, config *DialConfig) (string, error) {

	host, port, err := net.SplitHostPort(destination)
	if err != nil {
		return "", errors.Trace(err)
	}
	if net.ParseIP(host) != nil {
		return destination, nil
	}

	if config.Mode.RequiresRemoteDNS() {
		// Carried to the final hop as a DOMAIN/CONNECT hostname.
		return destination, nil
	}

	if config.Resolver != nil {
		IP, err := config.Resolver.ResolveIP(ctx, host)
		if err != nil {
			return "", errors.Trace(err)
		}
		return net.JoinHostPort(IP.String(), port), nil
	}

	return destination, nil
}
