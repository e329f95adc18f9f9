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

package chain

import (
	"bytes"
	"encoding/json"
	std_errors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/cryptoframe"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/prng"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

func testPRNG(t *testing.T) *prng.PRNG {
	seed := &prng.Seed{}
	copy(seed[:], []byte("spectre-chain-test-seed-00000000"))
	return prng.NewPRNGWithSeed(seed)
}

func makeProxy(i int, proxyProtocol string, score float64) protocol.Proxy {
	return protocol.Proxy{
		IP:       fmt.Sprintf("10.0.0.%d", i),
		Port:     1000 + i,
		Protocol: proxyProtocol,
		Latency:  0.5,
		Score:    score,
		Tier:     protocol.TierFromScore(score),
		Alive:    true,
	}
}

func makePools(proxies []protocol.Proxy) *protocol.Pools {
	pools := &protocol.Pools{Combined: proxies}
	for _, p := range proxies {
		if p.IsDNSCapable() {
			pools.DNS = append(pools.DNS, p)
		} else {
			pools.NonDNS = append(pools.NonDNS, p)
		}
	}
	return pools
}

func TestBuildHopCountPerMode(t *testing.T) {
	var proxies []protocol.Proxy
	for i := 0; i < 20; i++ {
		proxies = append(proxies, makeProxy(i, protocol.ProxyProtocolSOCKS5, 0.9))
	}
	pools := makePools(proxies)

	builder := NewBuilderWithPRNG(testPRNG(t), nil)

	for _, mode := range []protocol.Mode{
		protocol.ModeLite, protocol.ModeStealth,
		protocol.ModeHigh, protocol.ModePhantom} {

		minHops, maxHops := mode.HopCountRange()
		for trial := 0; trial < 20; trial++ {
			decision, err := builder.Build(mode, pools)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(decision.Hops), minHops)
			require.LessOrEqual(t, len(decision.Hops), maxHops)
		}
	}
}

func TestBuildHopsDistinct(t *testing.T) {
	var proxies []protocol.Proxy
	for i := 0; i < 8; i++ {
		proxies = append(proxies, makeProxy(i, protocol.ProxyProtocolSOCKS5, 0.9))
	}
	pools := makePools(proxies)
	builder := NewBuilderWithPRNG(testPRNG(t), nil)

	for trial := 0; trial < 50; trial++ {
		decision, err := builder.Build(protocol.ModePhantom, pools)
		require.NoError(t, err)
		seen := make(map[string]bool)
		for _, h := range decision.Hops {
			require.False(t, seen[h.Address()])
			seen[h.Address()] = true
		}
	}
}

func TestBuildPhantomTierFilter(t *testing.T) {

	// Pool of 10: five Gold+, five below. Phantom primary stage is
	// non-empty, so every selected hop must be Gold+.
	var proxies []protocol.Proxy
	goldAddrs := make(map[string]bool)
	for i := 0; i < 5; i++ {
		p := makeProxy(i, protocol.ProxyProtocolSOCKS5, 0.75)
		proxies = append(proxies, p)
		goldAddrs[p.Key()] = true
	}
	for i := 5; i < 10; i++ {
		proxies = append(proxies, makeProxy(i, protocol.ProxyProtocolSOCKS5, 0.55))
	}
	pools := makePools(proxies)
	builder := NewBuilderWithPRNG(testPRNG(t), nil)

	for trial := 0; trial < 30; trial++ {
		decision, err := builder.Build(protocol.ModePhantom, pools)
		require.NoError(t, err)
		for _, h := range decision.Hops {
			require.True(t, goldAddrs[fmt.Sprintf("%s:%d", h.IP, h.Port)],
				"hop %s not in the Gold+ set", h.Address())
		}
	}
}

func TestBuildExcludesSOCKS4(t *testing.T) {
	var proxies []protocol.Proxy
	for i := 0; i < 5; i++ {
		proxies = append(proxies, makeProxy(i, protocol.ProxyProtocolSOCKS4, 0.9))
	}
	proxies = append(proxies, makeProxy(5, protocol.ProxyProtocolHTTP, 0.9))
	pools := makePools(proxies)
	builder := NewBuilderWithPRNG(testPRNG(t), nil)

	decision, err := builder.Build(protocol.ModeLite, pools)
	require.NoError(t, err)
	require.Len(t, decision.Hops, 1)
	require.Equal(t, protocol.ProxyProtocolHTTP, decision.Hops[0].Protocol)
}

func TestBuildPoolTooSmall(t *testing.T) {
	builder := NewBuilderWithPRNG(testPRNG(t), nil)

	_, err := builder.Build(protocol.ModeLite, &protocol.Pools{})
	require.Error(t, err)
	require.True(t, std_errors.Is(err, ErrPoolTooSmall))

	// One candidate cannot satisfy high mode's minimum of two hops.
	pools := makePools([]protocol.Proxy{
		makeProxy(0, protocol.ProxyProtocolSOCKS5, 0.9)})
	_, err = builder.Build(protocol.ModeHigh, pools)
	require.Error(t, err)
	require.True(t, std_errors.Is(err, ErrPoolTooSmall))
}

func TestBuildStealthFallsBackToDead(t *testing.T) {

	// Only dead HTTP proxies: stealth's last-resort stage admits them.
	var proxies []protocol.Proxy
	for i := 0; i < 3; i++ {
		proxies = append(proxies, makeProxy(i, protocol.ProxyProtocolHTTP, 0.1))
	}
	pools := makePools(proxies)
	builder := NewBuilderWithPRNG(testPRNG(t), nil)

	decision, err := builder.Build(protocol.ModeStealth, pools)
	require.NoError(t, err)
	require.NotEmpty(t, decision.Hops)
}

func TestBuildAvgLatencySkipsUnmeasuredHops(t *testing.T) {

	// Two measured candidates and two unmeasured. The average covers the
	// measured hops only, and unmeasured hop latencies stay zero.
	var proxies []protocol.Proxy
	for i := 0; i < 2; i++ {
		proxies = append(proxies, makeProxy(i, protocol.ProxyProtocolSOCKS5, 0.9))
	}
	for i := 2; i < 4; i++ {
		p := makeProxy(i, protocol.ProxyProtocolSOCKS5, 0.9)
		p.Latency = 0
		proxies = append(proxies, p)
	}
	pools := makePools(proxies)
	builder := NewBuilderWithPRNG(testPRNG(t), nil)

	for trial := 0; trial < 30; trial++ {
		decision, err := builder.Build(protocol.ModeHigh, pools)
		require.NoError(t, err)

		measured := 0
		for _, h := range decision.Hops {
			if h.Latency > 0 {
				require.Equal(t, 0.5, h.Latency)
				measured++
			}
		}
		if measured == 0 {
			require.Equal(t, 0.0, decision.AvgLatency)
		} else {
			require.InDelta(t, 0.5, decision.AvgLatency, 1e-9)
		}
	}
}

func TestDecisionMaterial(t *testing.T) {
	var proxies []protocol.Proxy
	for i := 0; i < 10; i++ {
		proxies = append(proxies, makeProxy(i, protocol.ProxyProtocolSOCKS5, 0.9))
	}
	pools := makePools(proxies)
	builder := NewBuilderWithPRNG(testPRNG(t), nil)

	decision, err := builder.Build(protocol.ModePhantom, pools)
	require.NoError(t, err)

	require.Len(t, decision.ChainID, ChainIDLength*2)

	seenKeys := make(map[string]bool)
	for _, h := range decision.Hops {
		require.Len(t, h.Key, cryptoframe.KeyLength)
		require.Len(t, h.BaseNonce, cryptoframe.NonceLength)
		require.False(t, seenKeys[string(h.Key)])
		seenKeys[string(h.Key)] = true
	}
}

func TestTopologyOmitsKeys(t *testing.T) {
	pools := makePools([]protocol.Proxy{
		makeProxy(0, protocol.ProxyProtocolSOCKS5, 0.9)})
	builder := NewBuilderWithPRNG(testPRNG(t), nil)

	decision, err := builder.Build(protocol.ModeLite, pools)
	require.NoError(t, err)

	serialized, err := json.Marshal(decision.Topology())
	require.NoError(t, err)
	require.NotContains(t, string(serialized), "key")
	require.NotContains(t, string(serialized), "nonce")

	// Marshaling the decision itself must not leak material either.
	serialized, err = json.Marshal(decision)
	require.NoError(t, err)
	for _, h := range decision.Hops {
		require.False(t, bytes.Contains(serialized, h.Key))
	}
}

func TestRebuildDecision(t *testing.T) {
	masterSecret := []byte("spectre-test-master-secret")

	var proxies []protocol.Proxy
	for i := 0; i < 10; i++ {
		proxies = append(proxies, makeProxy(i, protocol.ProxyProtocolSOCKS5, 0.9))
	}
	pools := makePools(proxies)
	builder := NewBuilderWithPRNG(testPRNG(t), masterSecret)

	decision, err := builder.Build(protocol.ModePhantom, pools)
	require.NoError(t, err)

	rebuilt, err := RebuildDecision(decision.Topology(), masterSecret)
	require.NoError(t, err)

	require.Equal(t, decision.ChainID, rebuilt.ChainID)
	require.Equal(t, decision.Mode, rebuilt.Mode)
	require.Len(t, rebuilt.Hops, len(decision.Hops))
	for i := range decision.Hops {
		require.Equal(t, decision.Hops[i].Key, rebuilt.Hops[i].Key)
		require.Equal(t, decision.Hops[i].BaseNonce, rebuilt.Hops[i].BaseNonce)
	}

	// A different secret yields different material.
	other, err := RebuildDecision(decision.Topology(), []byte("wrong"))
	require.NoError(t, err)
	require.NotEqual(t, decision.Hops[0].Key, other.Hops[0].Key)

	_, err = RebuildDecision(decision.Topology(), nil)
	require.Error(t, err)
}
