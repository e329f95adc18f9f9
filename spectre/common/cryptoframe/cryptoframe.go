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

Package cryptoframe implements a framed AEAD record layer over a byte
stream.

Each record on the wire is a big-endian uint16 ciphertext length followed
by that many bytes of AES-256-GCM output (ciphertext plus 16-byte tag, AAD
empty). Nonces are never transmitted: each direction derives its per-record
nonce from a base nonce and a monotonically increasing 64-bit counter, so
sender and receiver must stay in lockstep. A desynchronized or tampered
record fails authentication, which is fatal for the direction.

The two directions of one tunnel share a hop secret but run independent
counters from zero. To keep (key, nonce) pairs disjoint, each direction
derives its own subkey and base nonce from the hop secret via HKDF-SHA256
with a direction label; the hop secret itself never keys a cipher.

*/
package cryptoframe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	std_errors "errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
)

const (
	// KeyLength is the AES-256 key size.
	KeyLength = 32

	// NonceLength is the GCM nonce size.
	NonceLength = 12

	// TagLength is the GCM authentication tag size.
	TagLength = 16

	// MaxRecordLength is the largest ciphertext (including tag) a record
	// may carry; the u16 length prefix caps it. Receivers must accept
	// records up to this size.
	MaxRecordLength = 65535

	// MaxChunkLength is the largest plaintext chunk a sender places in
	// one record.
	MaxChunkLength = 16 * 1024

	// maxCounter is the exclusive counter bound; a direction terminates
	// rather than derive a nonce at or beyond it.
	maxCounter = uint64(1) << 63
)

// Direction labels for HKDF subkey derivation. "Client" is the side that
// accepted the local SOCKS connection; "server" is the exit wrapper.
const (
	DirectionClientToServer = "client_to_server"
	DirectionServerToClient = "server_to_client"
)

var (
	// ErrAuthFail indicates an AEAD authentication failure: tampering or
	// counter desynchronization. Unrecoverable; the connection must be
	// torn down.
	ErrAuthFail = std_errors.New("cryptoframe: record authentication failed")

	// ErrShortRead indicates EOF arrived mid-record.
	ErrShortRead = std_errors.New("cryptoframe: short read inside record")

	// ErrOverflow indicates the direction's record counter is exhausted.
	ErrOverflow = std_errors.New("cryptoframe: record counter overflow")

	// ErrRecordTooLarge indicates a sealed record would exceed the u16
	// length prefix.
	ErrRecordTooLarge = std_errors.New("cryptoframe: record exceeds max length")
)

// DeriveNonce computes the per-record nonce: the first 4 bytes of the
// base nonce unchanged, the last 8 XORed with the big-endian counter.
func DeriveNonce(baseNonce *[NonceLength]byte, counter uint64) [NonceLength]byte {
	var nonce [NonceLength]byte
	copy(nonce[:], baseNonce[:])
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)
	for i := 0; i < 8; i++ {
		nonce[4+i] ^= counterBytes[i]
	}
	return nonce
}

// DeriveDirectionMaterial derives one direction's subkey and base nonce
// from the hop secret via HKDF-SHA256, using the hop base nonce as salt
// and the direction label as info.
func DeriveDirectionMaterial(
	hopKey, hopBaseNonce []byte, directionLabel string) ([]byte, []byte, error) {

	if len(hopKey) != KeyLength || len(hopBaseNonce) != NonceLength {
		return nil, nil, errors.TraceNew("invalid hop secret lengths")
	}

	material := make([]byte, KeyLength+NonceLength)
	_, err := io.ReadFull(
		hkdf.New(sha256.New, hopKey, hopBaseNonce, []byte(directionLabel)),
		material)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return material[:KeyLength], material[KeyLength:], nil
}

// Direction is one half of a record session: either the sealing or the
// opening side of one traffic direction. Not safe for concurrent use.
type Direction struct {
	aead      cipher.AEAD
	baseNonce [NonceLength]byte
	counter   uint64
}

// NewDirection creates a Direction keyed with the given key and base
// nonce, counter at zero.
func NewDirection(key, baseNonce []byte) (*Direction, error) {
	if len(key) != KeyLength {
		return nil, errors.TraceNew("invalid key length")
	}
	if len(baseNonce) != NonceLength {
		return nil, errors.TraceNew("invalid base nonce length")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d := &Direction{aead: aead}
	copy(d.baseNonce[:], baseNonce)
	return d, nil
}

// Counter returns the number of records processed so far.
func (d *Direction) Counter() uint64 {
	return d.counter
}

// Seal encrypts one plaintext chunk into a framed record: the u16
// big-endian ciphertext length followed by ciphertext and tag. The
// counter advances on success.
func (d *Direction) Seal(plaintext []byte) ([]byte, error) {
	if d.counter >= maxCounter {
		return nil, ErrOverflow
	}
	if len(plaintext)+TagLength > MaxRecordLength {
		return nil, ErrRecordTooLarge
	}

	nonce := DeriveNonce(&d.baseNonce, d.counter)

	record := make([]byte, 2, 2+len(plaintext)+TagLength)
	record = d.aead.Seal(record, nonce[:], plaintext, nil)
	binary.BigEndian.PutUint16(record[:2], uint16(len(record)-2))

	d.counter++
	return record, nil
}

// Open authenticates and decrypts one record body (the bytes following
// the length prefix). The counter advances only on success; any failure
// is ErrAuthFail and the direction must not be used again.
func (d *Direction) Open(record []byte) ([]byte, error) {
	if d.counter >= maxCounter {
		return nil, ErrOverflow
	}
	if len(record) < TagLength {
		return nil, ErrAuthFail
	}

	nonce := DeriveNonce(&d.baseNonce, d.counter)

	plaintext, err := d.aead.Open(nil, nonce[:], record, nil)
	if err != nil {
		return nil, ErrAuthFail
	}

	d.counter++
	return plaintext, nil
}

// SessionPair is the seal/open pair for one endpoint of a tunnel.
type SessionPair struct {
	Seal *Direction
	Open *Direction
}

// NewSessionPair returns the client-side pair for a hop secret: sealing
// in the client-to-server direction, opening server-to-client.
func NewSessionPair(hopKey, hopBaseNonce []byte) (*SessionPair, error) {
	return newSessionPair(
		hopKey, hopBaseNonce, DirectionClientToServer, DirectionServerToClient)
}

// NewPeerSessionPair returns the mirror pair for the far end of the
// tunnel, used by the exit wrapper and by tests.
func NewPeerSessionPair(hopKey, hopBaseNonce []byte) (*SessionPair, error) {
	return newSessionPair(
		hopKey, hopBaseNonce, DirectionServerToClient, DirectionClientToServer)
}

func newSessionPair(
	hopKey, hopBaseNonce []byte,
	sealLabel, openLabel string) (*SessionPair, error) {

	sealKey, sealBase, err := DeriveDirectionMaterial(
		hopKey, hopBaseNonce, sealLabel)
	if err != nil {
		return nil, errors.Trace(err)
	}
	openKey, openBase, err := DeriveDirectionMaterial(
		hopKey, hopBaseNonce, openLabel)
	if err != nil {
		return nil, errors.Trace(err)
	}

	seal, err := NewDirection(sealKey, sealBase)
	if err != nil {
		return nil, errors.Trace(err)
	}
	open, err := NewDirection(openKey, openBase)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &SessionPair{Seal: seal, Open: open}, nil
}
