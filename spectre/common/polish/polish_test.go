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

package polish

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

func TestScoreEliteSocks5(t *testing.T) {

	// Batch of one: the latency ceiling floors at 3.0, so the latency
	// component is 1 - 0.20/3.0. With elite anonymity, a preferred
	// country, and socks5, the weighted sum is 0.9733; the DNS bonus
	// pushes it past 1.0 where it clamps, landing in Platinum.

	result, err := Polish([]protocol.Proxy{{
		IP:        "1.2.3.4",
		Port:      8080,
		Protocol:  "socks5",
		Latency:   0.20,
		Country:   "US",
		Anonymity: "elite",
	}})
	require.NoError(t, err)
	require.Len(t, result.Pools.Combined, 1)

	p := result.Pools.Combined[0]
	require.Equal(t, 1.0, p.Score)
	require.Equal(t, protocol.TierPlatinum, p.Tier)
	require.Len(t, result.Pools.DNS, 1)
	require.Empty(t, result.Pools.NonDNS)
}

func TestTierConsistentWithScore(t *testing.T) {

	raw := []protocol.Proxy{
		{IP: "10.0.0.1", Port: 1, Protocol: "socks5", Latency: 0.1, Country: "US", Anonymity: "elite"},
		{IP: "10.0.0.2", Port: 2, Protocol: "http", Latency: 2.5, Anonymity: "transparent"},
		{IP: "10.0.0.3", Port: 3, Protocol: "socks4", Latency: 1.0, Anonymity: "anonymous"},
		{IP: "10.0.0.4", Port: 4, Protocol: "https", Latency: 0.5, Country: "DE", Anonymity: "elite"},
		{IP: "10.0.0.5", Port: 5, Protocol: "http"},
	}

	result, err := Polish(raw)
	require.NoError(t, err)

	for _, p := range result.Pools.Combined {
		require.GreaterOrEqual(t, p.Score, 0.0)
		require.LessOrEqual(t, p.Score, 1.0)
		require.Equal(t, protocol.TierFromScore(p.Score), p.Tier)
	}
}

func TestPoolPartition(t *testing.T) {

	raw := []protocol.Proxy{
		{IP: "10.0.0.1", Port: 1, Protocol: "socks5", Latency: 0.1},
		{IP: "10.0.0.2", Port: 2, Protocol: "https", Latency: 0.2},
		{IP: "10.0.0.3", Port: 3, Protocol: "http", Latency: 0.3},
		{IP: "10.0.0.4", Port: 4, Protocol: "socks4", Latency: 0.4},
	}

	result, err := Polish(raw)
	require.NoError(t, err)

	pools := result.Pools
	require.Len(t, pools.Combined, 4)
	require.Len(t, pools.DNS, 2)
	require.Len(t, pools.NonDNS, 2)

	// Every record lands in exactly one of DNS/NonDNS and in Combined.
	seen := make(map[string]int)
	for _, p := range pools.DNS {
		require.True(t, p.IsDNSCapable())
		seen[p.Key()]++
	}
	for _, p := range pools.NonDNS {
		require.False(t, p.IsDNSCapable())
		seen[p.Key()]++
	}
	for _, p := range pools.Combined {
		require.Equal(t, 1, seen[p.Key()])
	}
}

func TestDeduplicateKeepsBestScore(t *testing.T) {

	// Same identity, different metadata: the higher-scoring record
	// survives regardless of input order.
	raw := []protocol.Proxy{
		{IP: "10.0.0.1", Port: 8080, Protocol: "socks5", Latency: 2.9, Anonymity: "transparent"},
		{IP: "10.0.0.1", Port: 8080, Protocol: "socks5", Latency: 0.1, Country: "US", Anonymity: "elite"},
	}

	result, err := Polish(raw)
	require.NoError(t, err)
	require.Len(t, result.Pools.Combined, 1)
	require.Equal(t, "elite", result.Pools.Combined[0].Anonymity)
}

func TestDropsUnparseableRecords(t *testing.T) {

	raw := []protocol.Proxy{
		{IP: "10.0.0.1", Port: 8080, Protocol: "socks5", Latency: 0.1},
		{IP: "10.0.0.2", Port: 0, Protocol: "socks5"},
		{IP: "", Port: 8080, Protocol: "http"},
		{IP: "10.0.0.3", Port: 8080, Protocol: "gopher"},
	}

	result, err := Polish(raw)
	require.NoError(t, err)
	require.Len(t, result.Pools.Combined, 1)
	require.Equal(t, 3, result.Dropped)
}

func TestEntirelyUnparseableInputFails(t *testing.T) {

	_, err := Polish([]protocol.Proxy{
		{IP: "", Port: 0, Protocol: ""},
		{IP: "10.0.0.1", Port: 70000, Protocol: "socks5"},
	})
	require.Error(t, err)
}

func TestDeadRecordsRetained(t *testing.T) {

	// Zero latency and no metadata scores below the Bronze band; the
	// record is retained but marked Dead.
	result, err := Polish([]protocol.Proxy{
		{IP: "10.0.0.1", Port: 8080, Protocol: "http"},
	})
	require.NoError(t, err)
	require.Len(t, result.Pools.Combined, 1)
	require.Equal(t, protocol.TierDead, result.Pools.Combined[0].Tier)
}

func TestPolishIdempotent(t *testing.T) {

	raw := []protocol.Proxy{
		{IP: "10.0.0.3", Port: 3, Protocol: "socks4", Latency: 1.0, Anonymity: "anonymous"},
		{IP: "10.0.0.1", Port: 1, Protocol: "socks5", Latency: 0.1, Country: "US", Anonymity: "elite"},
		{IP: "10.0.0.2", Port: 2, Protocol: "http", Latency: 2.5, Anonymity: "transparent"},
		{IP: "10.0.0.4", Port: 4, Protocol: "https", Latency: 0.5, Country: "DE", Anonymity: "elite"},
	}

	once, err := Polish(raw)
	require.NoError(t, err)
	twice, err := Polish(once.Pools.Combined)
	require.NoError(t, err)

	onceJSON, err := json.Marshal(once.Pools)
	require.NoError(t, err)
	twiceJSON, err := json.Marshal(twice.Pools)
	require.NoError(t, err)
	require.Equal(t, string(onceJSON), string(twiceJSON))
}
