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

Package chain builds relay chains from classified proxy pools.

A Decision is an ordered list of 1-5 distinct hops selected under
mode-specific tier and protocol predicates with cascading fallbacks, plus
fresh per-hop encryption material and a random chain-id. Decisions live
only in memory; the Topology projection strips all key material and is the
only form that may be persisted.

Hop material comes from the builder's seeded CSPRNG, or, when a master
secret is configured, from HKDF so an operator can regenerate a chain's
keys from its persisted topology without any key touching disk.

*/
package chain

import (
	"crypto/sha256"
	std_errors "errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/cryptoframe"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/prng"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

const (
	// ChainIDLength is the chain-id size in bytes before hex encoding.
	ChainIDLength = 16

	// samplingWeightFloor is added to each candidate's score when
	// sampling, giving zero-score candidates a small but non-zero chance
	// when a last-resort pool admits them.
	samplingWeightFloor = 0.01
)

// ErrPoolTooSmall indicates no fallback pool holds enough distinct
// candidates for the mode's minimum chain length.
var ErrPoolTooSmall = std_errors.New("chain: pool too small for mode")

// Hop is one chain position: a proxy identity plus its encryption
// material. Key and BaseNonce are excluded from JSON so a serialized hop
// can never leak them.
type Hop struct {
	IP        string  `json:"ip"`
	Port      int     `json:"port"`
	Protocol  string  `json:"type"`
	Country   string  `json:"country,omitempty"`
	Latency   float64 `json:"latency"`
	Score     float64 `json:"score"`
	Key       []byte  `json:"-"`
	BaseNonce []byte  `json:"-"`
}

// Address returns the hop's dial address, "ip:port".
func (h *Hop) Address() string {
	return fmt.Sprintf("%s:%d", h.IP, h.Port)
}

// Decision is a built chain with its cryptographic material and summary
// metrics. Held only in memory and treated as immutable once built.
type Decision struct {
	ChainID    string
	CreatedAt  int64
	Mode       protocol.Mode
	Hops       []Hop
	AvgLatency float64
	MinScore   float64
	MaxScore   float64
}

// TopologyHop is the persistable projection of a hop: identity only.
type TopologyHop struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"type"`
}

// Topology is the persistable projection of a Decision. It carries no
// keys or nonces.
type Topology struct {
	ChainID    string        `json:"chain_id"`
	Hops       []TopologyHop `json:"hops"`
	CreatedAt  int64         `json:"created_at"`
	Mode       string        `json:"mode"`
	AvgLatency float64       `json:"avg_latency"`
	MinScore   float64       `json:"min_score"`
	MaxScore   float64       `json:"max_score"`
}

// Topology strips the decision to its persistable form.
func (d *Decision) Topology() *Topology {
	hops := make([]TopologyHop, len(d.Hops))
	for i, h := range d.Hops {
		hops[i] = TopologyHop{IP: h.IP, Port: h.Port, Protocol: h.Protocol}
	}
	return &Topology{
		ChainID:    d.ChainID,
		Hops:       hops,
		CreatedAt:  d.CreatedAt,
		Mode:       d.Mode.String(),
		AvgLatency: d.AvgLatency,
		MinScore:   d.MinScore,
		MaxScore:   d.MaxScore,
	}
}

// Builder selects chains. With a fixed-seed PRNG the output is
// reproducible for tests; production builders are seeded from OS entropy.
// When masterSecret is non-empty, hop material is derived from it via
// HKDF instead of drawn from the PRNG.
type Builder struct {
	prng         *prng.PRNG
	masterSecret []byte
}

// NewBuilder creates a Builder with a fresh OS-entropy PRNG.
func NewBuilder(masterSecret []byte) (*Builder, error) {
	p, err := prng.NewPRNG()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewBuilderWithPRNG(p, masterSecret), nil
}

// NewBuilderWithPRNG creates a Builder using the given PRNG.
func NewBuilderWithPRNG(p *prng.PRNG, masterSecret []byte) *Builder {
	return &Builder{prng: p, masterSecret: masterSecret}
}

// Build selects a chain for the mode from the given pools. The candidate
// pool is the first non-empty stage of the mode's fallback cascade; the
// sampled hop count clamps down to the pool size but never below the
// mode minimum. Returns ErrPoolTooSmall when even the last-resort stage
// is short.
func (b *Builder) Build(
	mode protocol.Mode, pools *protocol.Pools) (*Decision, error) {

	candidates := candidatePool(mode, pools)
	if len(candidates) == 0 {
		return nil, errors.Trace(ErrPoolTooSmall)
	}

	minHops, maxHops := mode.HopCountRange()
	if len(candidates) < minHops {
		return nil, errors.Trace(ErrPoolTooSmall)
	}
	hopCount := b.prng.Range(minHops, maxHops)
	if hopCount > len(candidates) {
		hopCount = len(candidates)
	}

	selected := b.sampleWeighted(candidates, hopCount)

	// The chain order is re-randomized: the weighted pick order must not
	// leak into hop ordering.
	ordered := make([]protocol.Proxy, hopCount)
	for i, j := range b.prng.Perm(hopCount) {
		ordered[j] = selected[i]
	}

	chainID := b.prng.HexString(ChainIDLength)

	decision := &Decision{
		ChainID:   chainID,
		CreatedAt: time.Now().Unix(),
		Mode:      mode,
		Hops:      make([]Hop, hopCount),
	}

	sumLatency := 0.0
	measuredHops := 0
	minScore := math.Inf(1)
	maxScore := math.Inf(-1)
	for i, p := range ordered {
		hop := Hop{
			IP:       p.IP,
			Port:     p.Port,
			Protocol: p.Protocol,
			Country:  p.Country,
			Latency:  p.Latency,
			Score:    p.Score,
		}
		// Unmeasured hops are excluded from the latency average.
		if hop.Latency > 0 {
			sumLatency += hop.Latency
			measuredHops++
		}
		minScore = math.Min(minScore, hop.Score)
		maxScore = math.Max(maxScore, hop.Score)
		decision.Hops[i] = hop
	}
	if measuredHops > 0 {
		decision.AvgLatency = sumLatency / float64(measuredHops)
	}
	decision.MinScore = minScore
	decision.MaxScore = maxScore

	if len(b.masterSecret) > 0 {
		hopKeys, hopNonces, err := DeriveHopSecrets(
			b.masterSecret, chainID, hopCount)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for i := range decision.Hops {
			decision.Hops[i].Key = hopKeys[i]
			decision.Hops[i].BaseNonce = hopNonces[i]
		}
	} else {
		for i := range decision.Hops {
			decision.Hops[i].Key = b.prng.Bytes(cryptoframe.KeyLength)
			decision.Hops[i].BaseNonce = b.prng.Bytes(cryptoframe.NonceLength)
		}
	}

	return decision, nil
}

// sampleWeighted draws count distinct candidates using A-Res weighted
// reservoir sampling: each candidate gets key u^(1/w) for uniform u and
// weight w = score + floor, and the top count keys win.
func (b *Builder) sampleWeighted(
	candidates []protocol.Proxy, count int) []protocol.Proxy {

	type keyed struct {
		index int
		key   float64
	}
	keys := make([]keyed, len(candidates))
	for i := range candidates {
		weight := candidates[i].Score + samplingWeightFloor
		keys[i] = keyed{
			index: i,
			key:   math.Pow(b.prng.Float64(), 1.0/weight),
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].key > keys[j].key
	})

	selected := make([]protocol.Proxy, count)
	for i := 0; i < count; i++ {
		selected[i] = candidates[keys[i].index]
	}
	return selected
}

// DeriveHopSecrets derives per-hop keys and base nonces from a master
// secret via HKDF-SHA256 with the chain-id as salt. Hop i's key uses info
// "spectre-hop-i" and its nonce "spectre-nonce-i", so hops and chains
// never share material.
func DeriveHopSecrets(
	masterSecret []byte, chainID string, hopCount int) ([][]byte, [][]byte, error) {

	keys := make([][]byte, hopCount)
	nonces := make([][]byte, hopCount)
	salt := []byte(chainID)
	for i := 0; i < hopCount; i++ {

		key := make([]byte, cryptoframe.KeyLength)
		_, err := io.ReadFull(
			hkdf.New(sha256.New, masterSecret, salt,
				[]byte(fmt.Sprintf("spectre-hop-%d", i))),
			key)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}

		nonce := make([]byte, cryptoframe.NonceLength)
		_, err = io.ReadFull(
			hkdf.New(sha256.New, masterSecret, salt,
				[]byte(fmt.Sprintf("spectre-nonce-%d", i))),
			nonce)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}

		keys[i] = key
		nonces[i] = nonce
	}
	return keys, nonces, nil
}

// RebuildDecision reconstitutes a Decision from a persisted topology and
// the master secret, regenerating the hop material that was never written
// to disk. Hop metrics not carried by the topology are left zero.
func RebuildDecision(topology *Topology, masterSecret []byte) (*Decision, error) {

	if len(masterSecret) == 0 {
		return nil, errors.TraceNew("master secret required to rebuild a decision")
	}

	mode, err := protocol.ParseMode(topology.Mode)
	if err != nil {
		return nil, errors.Trace(err)
	}

	hopKeys, hopNonces, err := DeriveHopSecrets(
		masterSecret, topology.ChainID, len(topology.Hops))
	if err != nil {
		return nil, errors.Trace(err)
	}

	decision := &Decision{
		ChainID:    topology.ChainID,
		CreatedAt:  topology.CreatedAt,
		Mode:       mode,
		Hops:       make([]Hop, len(topology.Hops)),
		AvgLatency: topology.AvgLatency,
		MinScore:   topology.MinScore,
		MaxScore:   topology.MaxScore,
	}
	for i, h := range topology.Hops {
		decision.Hops[i] = Hop{
			IP:        h.IP,
			Port:      h.Port,
			Protocol:  h.Protocol,
			Key:       hopKeys[i],
			BaseNonce: hopNonces[i],
		}
	}
	return decision, nil
}
