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
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/chain"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

const (
	combinedPoolFilename = "proxies_combined.json"
	dnsPoolFilename      = "proxies_dns.json"
	nonDNSPoolFilename   = "proxies_non_dns.json"
	lastChainFilename    = "last_chain.json"
	rawProxiesFilename   = "raw_proxies.json"
)

// DataStore persists pools and chain topologies as JSON files under the
// workspace directory. Writes are atomic: a temp file in the same
// directory is written, synced, and renamed over the target.
//
// Chain topologies never include key material; see chain.Topology.
type DataStore struct {
	workspaceDir string
}

// NewDataStore opens the data store rooted at workspaceDir, creating the
// directory if necessary.
func NewDataStore(workspaceDir string) (*DataStore, error) {
	if workspaceDir == "" {
		workspaceDir = "."
	}
	err := os.MkdirAll(workspaceDir, 0700)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &DataStore{workspaceDir: workspaceDir}, nil
}

// StorePools persists the three pool views.
func (ds *DataStore) StorePools(pools *protocol.Pools) error {
	err := ds.writeJSON(combinedPoolFilename, pools.Combined)
	if err != nil {
		return errors.Trace(err)
	}
	err = ds.writeJSON(dnsPoolFilename, pools.DNS)
	if err != nil {
		return errors.Trace(err)
	}
	err = ds.writeJSON(nonDNSPoolFilename, pools.NonDNS)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}

// LoadPools reads the persisted pool views. Missing files yield empty
// pools; present-but-malformed files are invalid input.
func (ds *DataStore) LoadPools() (*protocol.Pools, error) {
	pools := &protocol.Pools{}
	for _, load := range []struct {
		filename string
		target   *[]protocol.Proxy
	}{
		{combinedPoolFilename, &pools.Combined},
		{dnsPoolFilename, &pools.DNS},
		{nonDNSPoolFilename, &pools.NonDNS},
	} {
		proxies, err := ds.readProxies(load.filename)
		if err != nil {
			return nil, errors.Trace(err)
		}
		*load.target = proxies
	}
	return pools, nil
}

// StoreRawProxies persists the pre-polish scrape snapshot.
func (ds *DataStore) StoreRawProxies(proxies []protocol.Proxy) error {
	return errors.Trace(ds.writeJSON(rawProxiesFilename, proxies))
}

// LoadRawProxies reads the pre-polish scrape snapshot. A missing file
// yields an empty slice.
func (ds *DataStore) LoadRawProxies() ([]protocol.Proxy, error) {
	proxies, err := ds.readProxies(rawProxiesFilename)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return proxies, nil
}

// StoreChainTopology persists the last built chain's topology.
func (ds *DataStore) StoreChainTopology(topology *chain.Topology) error {
	return errors.Trace(ds.writeJSON(lastChainFilename, topology))
}

// LoadChainTopology reads the last persisted chain topology, or nil when
// none has been stored.
func (ds *DataStore) LoadChainTopology() (*chain.Topology, error) {
	contents, err := os.ReadFile(filepath.Join(ds.workspaceDir, lastChainFilename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	topology := &chain.Topology{}
	err = json.Unmarshal(contents, topology)
	if err != nil {
		return nil, errors.Tracef(
			"%w: %s: %v", ErrInvalidInput, lastChainFilename, err)
	}
	return topology, nil
}

func (ds *DataStore) readProxies(filename string) ([]protocol.Proxy, error) {
	contents, err := os.ReadFile(filepath.Join(ds.workspaceDir, filename))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	var proxies []protocol.Proxy
	err = json.Unmarshal(contents, &proxies)
	if err != nil {
		return nil, errors.Tracef("%w: %s: %v", ErrInvalidInput, filename, err)
	}
	return proxies, nil
}

func (ds *DataStore) writeJSON(filename string, value interface{}) error {

	contents, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}

	// Write to a temp file in the same directory, then rename over the
	// target, so readers never observe a partial file.
	file, err := os.CreateTemp(ds.workspaceDir, filename+".tmp*")
	if err != nil {
		return errors.Trace(err)
	}
	tempName := file.Name()
	defer os.Remove(tempName)

	err = file.Chmod(0600)
	if err == nil {
		_, err = file.Write(contents)
	}
	if err == nil {
		err = file.Sync()
	}
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Trace(err)
	}

	err = os.Rename(tempName, filepath.Join(ds.workspaceDir, filename))
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
