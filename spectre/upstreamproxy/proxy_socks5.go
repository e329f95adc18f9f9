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

package upstreamproxy

import (
	"io"
	"net"
	"strconv"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
)

const (
	socks5Version        = 0x05
	socks5AuthNone       = 0x00
	socks5CommandConnect = 0x01
	socks5ATypIPv4       = 0x01
	socks5ATypDomain     = 0x03
	socks5ATypIPv6       = 0x04
)

// negotiateSOCKS5 performs an anonymous SOCKS5 CONNECT handshake on conn
// for addr. Hostname addresses are sent with the DOMAIN address type, so
// resolution happens at the hop.
func negotiateSOCKS5(conn net.Conn, addr string) error {

	_, err := conn.Write([]byte{socks5Version, 0x01, socks5AuthNone})
	if err != nil {
		return errors.Trace(err)
	}

	var methodReply [2]byte
	_, err = io.ReadFull(conn, methodReply[:])
	if err != nil {
		return errors.Trace(err)
	}
	if methodReply[0] != socks5Version {
		return errors.Trace(ErrBadReply)
	}
	if methodReply[1] != socks5AuthNone {
		return errors.Trace(ErrAuthRejected)
	}

	request, err := makeSOCKS5ConnectRequest(addr)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = conn.Write(request)
	if err != nil {
		return errors.Trace(err)
	}

	var replyHeader [4]byte
	_, err = io.ReadFull(conn, replyHeader[:])
	if err != nil {
		return errors.Trace(err)
	}
	if replyHeader[0] != socks5Version {
		return errors.Trace(ErrBadReply)
	}
	if replyHeader[1] != 0x00 {
		return errors.Trace(&UpstreamRefusedError{Code: int(replyHeader[1])})
	}

	// Drain BND.ADDR and BND.PORT.
	var bindLength int
	switch replyHeader[3] {
	case socks5ATypIPv4:
		bindLength = 4
	case socks5ATypIPv6:
		bindLength = 16
	case socks5ATypDomain:
		var domainLength [1]byte
		_, err = io.ReadFull(conn, domainLength[:])
		if err != nil {
			return errors.Trace(err)
		}
		bindLength = int(domainLength[0])
	default:
		return errors.Trace(ErrBadReply)
	}
	_, err = io.ReadFull(conn, make([]byte, bindLength+2))
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

func makeSOCKS5ConnectRequest(addr string) ([]byte, error) {

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, errors.Tracef("invalid port: %s", portStr)
	}

	request := []byte{socks5Version, socks5CommandConnect, 0x00}

	if IP := net.ParseIP(host); IP != nil {
		if IP4 := IP.To4(); IP4 != nil {
			request = append(request, socks5ATypIPv4)
			request = append(request, IP4...)
		} else {
			request = append(request, socks5ATypIPv6)
			request = append(request, IP.To16()...)
		}
	} else {
		if len(host) > 255 {
			return nil, errors.Tracef("hostname too long: %d", len(host))
		}
		request = append(request, socks5ATypDomain, byte(len(host)))
		request = append(request, host...)
	}

	request = append(request, byte(port>>8), byte(port))

	return request, nil
}
