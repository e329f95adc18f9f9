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

package cryptoframe

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
)

// Conn adapts a net.Conn to the record layer: Write seals and frames,
// Read unframes and opens, buffering any plaintext residue that exceeds
// the caller's buffer. Reads and writes may run concurrently with each
// other, but each side must be single-caller, matching net.Conn
// conventions.
type Conn struct {
	net.Conn
	session *SessionPair
	residue []byte
	failed  error
}

// NewClientConn wraps conn with the client-side session for the given hop
// secret.
func NewClientConn(conn net.Conn, hopKey, hopBaseNonce []byte) (*Conn, error) {
	session, err := NewSessionPair(hopKey, hopBaseNonce)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Conn{Conn: conn, session: session}, nil
}

// NewPeerConn wraps conn with the mirror session, for the far end of the
// tunnel.
func NewPeerConn(conn net.Conn, hopKey, hopBaseNonce []byte) (*Conn, error) {
	session, err := NewPeerSessionPair(hopKey, hopBaseNonce)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Conn{Conn: conn, session: session}, nil
}

// Write seals p into records of at most MaxChunkLength plaintext each and
// writes them to the underlying conn. One record is in flight at a time;
// a stalled peer propagates as backpressure.
func (c *Conn) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxChunkLength {
			chunk = chunk[:MaxChunkLength]
		}
		record, err := c.session.Seal.Seal(chunk)
		if err != nil {
			return written, errors.Trace(err)
		}
		if _, err := c.Conn.Write(record); err != nil {
			return written, errors.Trace(err)
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Read returns plaintext from the record stream. A record larger than the
// caller's buffer is served across multiple reads. An authentication
// failure is sticky: every subsequent Read returns it.
func (c *Conn) Read(p []byte) (int, error) {
	if c.failed != nil {
		return 0, c.failed
	}

	if len(c.residue) == 0 {
		plaintext, err := c.readRecord()
		if err != nil {
			if err == ErrAuthFail || err == ErrOverflow {
				c.failed = err
			}
			return 0, err
		}
		c.residue = plaintext
	}

	n := copy(p, c.residue)
	c.residue = c.residue[n:]
	return n, nil
}

func (c *Conn) readRecord() ([]byte, error) {
	var lengthPrefix [2]byte
	if _, err := io.ReadFull(c.Conn, lengthPrefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, ErrShortRead
		}
		return nil, errors.Trace(err)
	}

	recordLength := int(binary.BigEndian.Uint16(lengthPrefix[:]))
	if recordLength == 0 {
		return nil, ErrAuthFail
	}

	record := make([]byte, recordLength)
	if _, err := io.ReadFull(c.Conn, record); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrShortRead
		}
		return nil, errors.Trace(err)
	}

	return c.session.Open.Open(record)
}
