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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/chain"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
	"github.com/stretchr/testify/require"
)

func makeTestPools() *protocol.Pools {
	socks := protocol.Proxy{
		IP: "10.0.0.1", Port: 1080,
		Protocol: protocol.ProxyProtocolSOCKS5,
		Score:    0.9, Tier: protocol.TierPlatinum, Alive: true,
	}
	web := protocol.Proxy{
		IP: "10.0.0.2", Port: 8080,
		Protocol: protocol.ProxyProtocolHTTP,
		Score:    0.4, Tier: protocol.TierBronze, Alive: true,
	}
	return &protocol.Pools{
		Combined: []protocol.Proxy{socks, web},
		DNS:      []protocol.Proxy{socks},
		NonDNS:   []protocol.Proxy{web},
	}
}

func TestDataStorePoolsRoundTrip(t *testing.T) {
	dataStore, err := NewDataStore(t.TempDir())
	require.NoError(t, err)

	pools := makeTestPools()
	require.NoError(t, dataStore.StorePools(pools))

	loaded, err := dataStore.LoadPools()
	require.NoError(t, err)
	require.Equal(t, pools.Combined, loaded.Combined)
	require.Equal(t, pools.DNS, loaded.DNS)
	require.Equal(t, pools.NonDNS, loaded.NonDNS)
}

func TestDataStoreMissingFiles(t *testing.T) {
	dataStore, err := NewDataStore(t.TempDir())
	require.NoError(t, err)

	pools, err := dataStore.LoadPools()
	require.NoError(t, err)
	require.Empty(t, pools.Combined)

	raw, err := dataStore.LoadRawProxies()
	require.NoError(t, err)
	require.Empty(t, raw)

	topology, err := dataStore.LoadChainTopology()
	require.NoError(t, err)
	require.Nil(t, topology)
}

func TestDataStoreLoadRecomputesMissingTier(t *testing.T) {
	workspace := t.TempDir()
	dataStore, err := NewDataStore(workspace)
	require.NoError(t, err)

	// Hand-written pool file with no tier keys, as an external tool
	// might produce.
	contents := `[
		{"ip": "10.0.0.1", "port": 1080, "type": "socks5", "score": 0.9},
		{"ip": "10.0.0.2", "port": 1080, "type": "socks5"}
	]`
	err = os.WriteFile(
		filepath.Join(workspace, "proxies_combined.json"),
		[]byte(contents), 0600)
	require.NoError(t, err)

	pools, err := dataStore.LoadPools()
	require.NoError(t, err)
	require.Len(t, pools.Combined, 2)
	require.Equal(t, protocol.TierPlatinum, pools.Combined[0].Tier)
	require.Equal(t, 0.9, pools.Combined[0].Score)
	require.Equal(t, protocol.TierBronze, pools.Combined[1].Tier)
}

func TestDataStoreMalformed(t *testing.T) {
	workspace := t.TempDir()
	dataStore, err := NewDataStore(workspace)
	require.NoError(t, err)

	err = os.WriteFile(
		filepath.Join(workspace, "proxies_combined.json"),
		[]byte("{broken"), 0600)
	require.NoError(t, err)

	_, err = dataStore.LoadPools()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDataStoreTopologyRoundTrip(t *testing.T) {
	dataStore, err := NewDataStore(t.TempDir())
	require.NoError(t, err)

	topology := &chain.Topology{
		ChainID:   "52fdfc072182654f163f5f0f9a621d72",
		Mode:      "high",
		CreatedAt: 1700000000,
		Hops: []chain.TopologyHop{
			{IP: "10.0.0.1", Port: 1080, Protocol: protocol.ProxyProtocolSOCKS5},
			{IP: "10.0.0.2", Port: 1081, Protocol: protocol.ProxyProtocolSOCKS5},
		},
		AvgLatency: 0.25,
		MinScore:   0.7,
		MaxScore:   0.9,
	}
	require.NoError(t, dataStore.StoreChainTopology(topology))

	loaded, err := dataStore.LoadChainTopology()
	require.NoError(t, err)
	require.Equal(t, topology, loaded)
}

func TestDataStoreTopologyFileCarriesNoKeys(t *testing.T) {
	workspace := t.TempDir()
	dataStore, err := NewDataStore(workspace)
	require.NoError(t, err)

	builder, err := chain.NewBuilder([]byte("test-master-secret"))
	require.NoError(t, err)

	pools := &protocol.Pools{}
	for i := 0; i < 6; i++ {
		pools.DNS = append(pools.DNS, protocol.Proxy{
			IP: "10.0.1.1", Port: 2000 + i,
			Protocol: protocol.ProxyProtocolSOCKS5,
			Score:    0.9, Tier: protocol.TierPlatinum, Alive: true,
		})
	}
	pools.Combined = pools.DNS

	decision, err := builder.Build(protocol.ModeHigh, pools)
	require.NoError(t, err)
	require.NoError(t, dataStore.StoreChainTopology(decision.Topology()))

	contents, err := os.ReadFile(filepath.Join(workspace, "last_chain.json"))
	require.NoError(t, err)
	lowered := strings.ToLower(string(contents))
	require.NotContains(t, lowered, "key")
	require.NotContains(t, lowered, "nonce")
}

func TestDataStoreAtomicOverwrite(t *testing.T) {
	workspace := t.TempDir()
	dataStore, err := NewDataStore(workspace)
	require.NoError(t, err)

	require.NoError(t, dataStore.StorePools(makeTestPools()))

	// Overwrite with a smaller pool; no temp file debris should remain.
	pools := makeTestPools()
	pools.Combined = pools.Combined[:1]
	require.NoError(t, dataStore.StorePools(pools))

	loaded, err := dataStore.LoadPools()
	require.NoError(t, err)
	require.Len(t, loaded.Combined, 1)

	entries, err := os.ReadDir(workspace)
	require.NoError(t, err)
	for _, entry := range entries {
		require.True(t,
			strings.HasSuffix(entry.Name(), ".json"),
			"unexpected file: %s", entry.Name())
	}
}
