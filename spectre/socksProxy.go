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
	std_errors "errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/resolver"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/upstreamproxy"
)

const (
	socksVersion        = 0x05
	socksAuthNone       = 0x00
	socksAuthNoAccept   = 0xFF
	socksCommandConnect = 0x01
	socksATypIPv4       = 0x01
	socksATypDomain     = 0x03
	socksATypIPv6       = 0x04

	socksReplySucceeded          = 0x00
	socksReplyGeneralFailure     = 0x01
	socksReplyHostUnreachable    = 0x04
	socksReplyConnectionRefused  = 0x05
	socksReplyTTLExpired         = 0x06
	socksReplyCommandUnsupported = 0x07

	socksHandshakeTimeout = 10 * time.Second
)

// SocksProxy is the local SOCKS5 listener. Accepted connections snapshot
// the controller's current chain decision, walk the chain to the
// requested destination, and relay through the outermost frame layer.
// Per-connection failures map to SOCKS reply codes and never abort the
// server.
type SocksProxy struct {
	config      *Config
	controller  *Controller
	dnsResolver *resolver.Resolver
	stats       *ServerStats
	listener    net.Listener

	runCtx      context.Context
	stopRunning context.CancelFunc
	waitGroup   sync.WaitGroup
}

// NewSocksProxy binds the listener and starts accepting. Call Close to
// shut down.
func NewSocksProxy(config *Config, controller *Controller) (*SocksProxy, error) {

	listener, err := net.Listen("tcp", config.ListenAddress)
	if err != nil {
		return nil, errors.Trace(err)
	}

	runCtx, stopRunning := context.WithCancel(context.Background())

	proxy := &SocksProxy{
		config:     config,
		controller: controller,
		dnsResolver: resolver.NewResolver(
			&resolver.Config{Servers: config.DNSServers}),
		stats:       &ServerStats{},
		listener:    listener,
		runCtx:      runCtx,
		stopRunning: stopRunning,
	}

	proxy.waitGroup.Add(1)
	go func() {
		defer proxy.waitGroup.Done()
		proxy.serve()
	}()

	log.WithTraceFields(LogFields{
		"address": listener.Addr().String(),
	}).Info("SOCKS proxy running")

	return proxy, nil
}

// ListenerAddress returns the bound listener address.
func (proxy *SocksProxy) ListenerAddress() string {
	return proxy.listener.Addr().String()
}

// Stats returns the proxy's counters.
func (proxy *SocksProxy) Stats() *ServerStats {
	return proxy.stats
}

// Close terminates the listener and all open connections within the
// half-close grace, then emits a final counters record suitable for
// metrics consumers.
func (proxy *SocksProxy) Close() {
	proxy.stopRunning()
	proxy.listener.Close()
	proxy.waitGroup.Wait()

	fields := LogFields{"event_name": "server_stats"}
	for name, value := range proxy.stats.Snapshot() {
		fields[name] = value
	}
	log.LogRawFieldsWithTimestamp(fields)
}

func (proxy *SocksProxy) serve() {
	for {
		conn, err := proxy.listener.Accept()
		if err != nil {
			if proxy.runCtx.Err() != nil {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			log.WithTraceFields(LogFields{"error": err}).Error(
				"accept failed")
			return
		}
		proxy.waitGroup.Add(1)
		go func() {
			defer proxy.waitGroup.Done()
			proxy.handleConnection(conn)
		}()
	}
}

func (proxy *SocksProxy) handleConnection(conn net.Conn) {
	defer conn.Close()

	proxy.stats.Accepted.Add(1)

	_ = conn.SetDeadline(time.Now().Add(socksHandshakeTimeout))

	destination, replyCode, err := proxy.negotiate(conn)
	if err != nil {
		if replyCode != 0 {
			_ = writeSocksReply(conn, replyCode)
		}
		proxy.countFailure(replyCode)
		log.WithTraceFields(LogFields{"error": err}).Debug(
			"SOCKS negotiation failed")
		return
	}

	// The chain walk is bounded by its own total deadline.
	_ = conn.SetDeadline(time.Time{})

	decision := proxy.controller.CurrentDecision()
	if decision == nil {
		_ = writeSocksReply(conn, socksReplyGeneralFailure)
		proxy.countFailure(socksReplyGeneralFailure)
		log.WithTrace().Warning("no chain available")
		return
	}

	tunnel, err := EstablishTunnel(
		proxy.runCtx, proxy.config, decision, proxy.dnsResolver, destination)
	if err != nil {
		replyCode := mapDialErrorToSocksReply(err)
		_ = writeSocksReply(conn, replyCode)
		proxy.countFailure(replyCode)
		log.WithTraceFields(LogFields{
			"destination": destination,
			"chain_id":    decision.ChainID,
			"reply":       replyCode,
			"error":       err,
		}).Info("tunnel establishment failed")
		return
	}
	defer tunnel.Conn.Close()

	err = writeSocksReply(conn, socksReplySucceeded)
	if err != nil {
		proxy.countFailure(socksReplyGeneralFailure)
		return
	}

	proxy.stats.Tunneled.Add(1)
	log.WithTraceFields(LogFields{
		"destination": destination,
		"chain_id":    tunnel.ChainID,
		"hops":        tunnel.HopCount,
	}).Info("tunnel established")

	relay(
		proxy.runCtx, conn, tunnel.Conn,
		proxy.config.IdleTimeout(),
		&proxy.stats.BytesUp, &proxy.stats.BytesDown)
}

// negotiate performs the SOCKS5 method and request exchange and returns
// the destination. On failure the reply code to send, when non-zero,
// accompanies the error.
func (proxy *SocksProxy) negotiate(conn net.Conn) (string, byte, error) {

	var header [2]byte
	_, err := io.ReadFull(conn, header[:])
	if err != nil {
		return "", 0, errors.Trace(err)
	}
	if header[0] != socksVersion {
		return "", 0, errors.Tracef("unsupported version: %d", header[0])
	}
	methods := make([]byte, int(header[1]))
	_, err = io.ReadFull(conn, methods)
	if err != nil {
		return "", 0, errors.Trace(err)
	}

	haveNoAuth := false
	for _, method := range methods {
		if method == socksAuthNone {
			haveNoAuth = true
			break
		}
	}
	if !haveNoAuth {
		_, _ = conn.Write([]byte{socksVersion, socksAuthNoAccept})
		return "", 0, errors.TraceNew("no acceptable auth method")
	}
	_, err = conn.Write([]byte{socksVersion, socksAuthNone})
	if err != nil {
		return "", 0, errors.Trace(err)
	}

	var request [4]byte
	_, err = io.ReadFull(conn, request[:])
	if err != nil {
		return "", 0, errors.Trace(err)
	}
	if request[0] != socksVersion {
		return "", 0, errors.Tracef("unsupported version: %d", request[0])
	}
	if request[1] != socksCommandConnect {
		return "", socksReplyCommandUnsupported,
			errors.Tracef("unsupported command: %d", request[1])
	}

	var host string
	switch request[3] {
	case socksATypIPv4:
		var addr [4]byte
		_, err = io.ReadFull(conn, addr[:])
		if err != nil {
			return "", 0, errors.Trace(err)
		}
		host = net.IP(addr[:]).String()
	case socksATypIPv6:
		var addr [16]byte
		_, err = io.ReadFull(conn, addr[:])
		if err != nil {
			return "", 0, errors.Trace(err)
		}
		host = net.IP(addr[:]).String()
	case socksATypDomain:
		var length [1]byte
		_, err = io.ReadFull(conn, length[:])
		if err != nil {
			return "", 0, errors.Trace(err)
		}
		domain := make([]byte, int(length[0]))
		_, err = io.ReadFull(conn, domain)
		if err != nil {
			return "", 0, errors.Trace(err)
		}
		host = string(domain)
	default:
		return "", socksReplyGeneralFailure,
			errors.Tracef("unsupported address type: %d", request[3])
	}

	var portBytes [2]byte
	_, err = io.ReadFull(conn, portBytes[:])
	if err != nil {
		return "", 0, errors.Trace(err)
	}
	port := int(portBytes[0])<<8 | int(portBytes[1])

	return net.JoinHostPort(host, strconv.Itoa(port)), 0, nil
}

func writeSocksReply(conn net.Conn, replyCode byte) error {
	_, err := conn.Write([]byte{
		socksVersion, replyCode, 0x00,
		socksATypIPv4, 0, 0, 0, 0, 0, 0})
	return errors.Trace(err)
}

// mapDialErrorToSocksReply maps chain walk failure classes onto SOCKS
// reply codes.
func mapDialErrorToSocksReply(err error) byte {

	if std_errors.Is(err, upstreamproxy.ErrConnectTimeout) {
		return socksReplyTTLExpired
	}

	var refused *upstreamproxy.UpstreamRefusedError
	if std_errors.As(err, &refused) && refused.Code == 5 {
		return socksReplyConnectionRefused
	}

	if std_errors.Is(err, upstreamproxy.ErrDNSRequired) {
		return socksReplyHostUnreachable
	}
	var dnsErr *net.DNSError
	if std_errors.As(err, &dnsErr) {
		return socksReplyHostUnreachable
	}

	return socksReplyGeneralFailure
}

func (proxy *SocksProxy) countFailure(replyCode byte) {
	switch replyCode {
	case socksReplyTTLExpired:
		proxy.stats.FailedConnectTimeout.Add(1)
	case socksReplyConnectionRefused:
		proxy.stats.FailedRefused.Add(1)
	case socksReplyHostUnreachable:
		proxy.stats.FailedDNS.Add(1)
	case socksReplyCommandUnsupported:
		proxy.stats.FailedCommand.Add(1)
	default:
		proxy.stats.FailedOther.Add(1)
	}
}
