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

Package prng implements a seeded, cryptographically strong PRNG backed by a
chacha20 keystream.

A PRNG constructed with a fixed Seed replays the same stream, which makes
chain selection and key generation reproducible under test. In production
seeds come from crypto/rand, so the stream is as strong as the OS entropy
that keyed it.

Seeds may be salted with a context label to split one seed into independent
streams for distinct purposes.

*/
package prng

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// SeedLength is the size of a PRNG seed in bytes.
const SeedLength = 32

// Seed keys a PRNG stream.
type Seed [SeedLength]byte

// NewSeed creates a seed from crypto/rand.
func NewSeed() (*Seed, error) {
	randomBytes, err := common.MakeSecureRandomBytes(SeedLength)
	if err != nil {
		return nil, errors.Trace(err)
	}
	seed := new(Seed)
	copy(seed[:], randomBytes)
	return seed, nil
}

// NewSaltedSeed derives a new seed from an existing seed and a salt label,
// using HKDF. Salting lets a single root seed drive independent streams in
// distinct contexts.
func NewSaltedSeed(seed *Seed, salt string) (*Seed, error) {
	salted := new(Seed)
	_, err := io.ReadFull(
		hkdf.New(sha256.New, seed[:], []byte(salt), nil), salted[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	return salted, nil
}

// PRNG is a seeded, unbiased PRNG. It is safe for concurrent use and
// implements math/rand.Source64, so the full math/rand distribution
// machinery runs on top of the keystream.
type PRNG struct {
	rand        *rand.Rand
	mutex       sync.Mutex
	seed        *Seed
	stream      *chacha20.Cipher
	streamUsed  uint64
	rekeyCount  uint64
}

// NewPRNG creates a PRNG with a fresh seed from crypto/rand.
func NewPRNG() (*PRNG, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewPRNGWithSeed(seed), nil
}

// NewPRNGWithSeed creates a PRNG replaying the stream keyed by seed.
func NewPRNGWithSeed(seed *Seed) *PRNG {
	p := &PRNG{seed: seed}
	p.rekey()
	p.rand = rand.New(p)
	return p
}

// NewPRNGWithSaltedSeed creates a PRNG keyed by NewSaltedSeed(seed, salt).
func NewPRNGWithSaltedSeed(seed *Seed, salt string) (*PRNG, error) {
	salted, err := NewSaltedSeed(seed, salt)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewPRNGWithSeed(salted), nil
}

// Read fills b with keystream bytes. Read conforms to io.Reader and always
// returns len(b), nil.
func (p *PRNG) Read(b []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Rekey before the chacha20 stream limit of 2^38-64 bytes.
	if p.streamUsed+uint64(len(b)) >= uint64(1<<38-64) {
		p.rekey()
	}

	for i := range b {
		b[i] = 0
	}
	p.stream.XORKeyStream(b, b)
	p.streamUsed += uint64(len(b))

	return len(b), nil
}

// rekey restarts the stream under the same seed with an incremented nonce
// counter, so successive stream segments never overlap. The counter wraps
// at 2^64, giving the PRNG a cycle after 2^64 * (2^38-64) bytes.
func (p *PRNG) rekey() {
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[0:8], p.rekeyCount)

	stream, err := chacha20.NewUnauthenticatedCipher(p.seed[:], nonce[:])
	if err != nil {
		// The only error cases are invalid key or nonce sizes, and both
		// sizes here are constant and correct.
		panic(errors.Trace(err))
	}
	p.stream = stream

	p.rekeyCount++
	p.streamUsed = 0
}

// Int63 implements math/rand.Source.
func (p *PRNG) Int63() int64 {
	return int64(p.Uint64() & (1<<63 - 1))
}

// Uint64 implements math/rand.Source64.
func (p *PRNG) Uint64() uint64 {
	var b [8]byte
	p.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Seed exists to satisfy math/rand.Source; reseeding is not supported and
// the call is ignored.
func (p *PRNG) Seed(_ int64) {
}

// Float64 returns a uniform float64 in [0.0, 1.0).
func (p *PRNG) Float64() float64 {
	return p.rand.Float64()
}

// Intn is math/rand.Intn, except it returns 0 when n <= 0 instead of
// panicking.
func (p *PRNG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return p.rand.Intn(n)
}

// Int63n is math/rand.Int63n, except it returns 0 when n <= 0 instead of
// panicking.
func (p *PRNG) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return p.rand.Int63n(n)
}

// Perm is math/rand.Perm.
func (p *PRNG) Perm(n int) []int {
	return p.rand.Perm(n)
}

// Range returns a uniform integer in [min, max]. Negative minimums are
// clamped to 0; when max < min, min is returned.
func (p *PRNG) Range(min, max int) int {
	if min < 0 {
		min = 0
	}
	if max < min {
		return min
	}
	return min + p.Intn(max-min+1)
}

// Bytes returns a new slice of length random bytes.
func (p *PRNG) Bytes(length int) []byte {
	b := make([]byte, length)
	p.Read(b)
	return b
}

// HexString returns a hex encoded random string; byteLength is the
// pre-encoding length.
func (p *PRNG) HexString(byteLength int) string {
	return hex.EncodeToString(p.Bytes(byteLength))
}

// Jitter returns n +/- a uniform offset up to factor. For n = 100 and
// factor = 0.1 the result lies in [90, 110].
func (p *PRNG) Jitter(n int64, factor float64) int64 {
	a := int64(math.Ceil(float64(n) * factor))
	return n + p.Int63n(2*a+1) - a
}

// JitterDuration is Jitter for time.Duration.
func (p *PRNG) JitterDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(p.Jitter(int64(d), factor))
}

// The package-level default PRNG serves callers without reproducibility
// requirements.

var p *PRNG

func Read(b []byte) (int, error) { return p.Read(b) }

func Range(min, max int) int { return p.Range(min, max) }

func Bytes(length int) []byte { return p.Bytes(length) }

func JitterDuration(d time.Duration, factor float64) time.Duration {
	return p.JitterDuration(d, factor)
}

func init() {
	// If crypto/rand fails the default PRNG still initializes, with a zero
	// seed, so non-security-critical callers can proceed. On modern kernels
	// crypto/rand blocks rather than failing.
	var err error
	p, err = NewPRNG()
	if err != nil {
		p = NewPRNGWithSeed(new(Seed))
	}
}
