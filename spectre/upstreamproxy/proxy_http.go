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
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
)

// maxHTTPResponseLength bounds the CONNECT response read, covering any
// reasonable status line plus headers.
const maxHTTPResponseLength = 16 * 1024

// negotiateHTTPConnect performs an anonymous HTTP CONNECT handshake on
// conn for addr. The response is read byte-at-a-time up to the blank line
// terminating the headers, so no tunneled bytes are consumed from conn.
func negotiateHTTPConnect(conn net.Conn, addr string) error {

	_, err := fmt.Fprintf(
		conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
	if err != nil {
		return errors.Trace(err)
	}

	response, err := readHTTPResponseHeader(conn)
	if err != nil {
		return errors.Trace(err)
	}

	statusLine, _, _ := strings.Cut(response, "\r\n")
	fields := strings.SplitN(statusLine, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return errors.Trace(ErrBadReply)
	}
	statusCode, err := strconv.Atoi(fields[1])
	if err != nil {
		return errors.Trace(ErrBadReply)
	}
	if statusCode != 200 {
		return errors.Trace(&UpstreamRefusedError{Code: statusCode})
	}

	return nil
}

func readHTTPResponseHeader(conn net.Conn) (string, error) {
	var response []byte
	var b [1]byte
	for {
		_, err := conn.Read(b[:])
		if err != nil {
			return "", errors.Trace(err)
		}
		response = append(response, b[0])
		if len(response) >= 4 &&
			string(response[len(response)-4:]) == "\r\n\r\n" {
			return string(response), nil
		}
		if len(response) > maxHTTPResponseLength {
			return "", errors.Trace(ErrBadReply)
		}
	}
}
