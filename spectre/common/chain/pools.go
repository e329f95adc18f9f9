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
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

// proxyPredicate filters candidates for one cascade stage.
type proxyPredicate func(*protocol.Proxy) bool

func notDead(p *protocol.Proxy) bool {
	return p.Tier != protocol.TierDead
}

func anyTier(p *protocol.Proxy) bool {
	return true
}

func silverOrBetter(p *protocol.Proxy) bool {
	return p.Score >= protocol.TierSilver.MinScore()
}

func goldOrBetter(p *protocol.Proxy) bool {
	return p.Score >= protocol.TierGold.MinScore()
}

func webProtocol(p *protocol.Proxy) bool {
	return p.Protocol == protocol.ProxyProtocolHTTP ||
		p.Protocol == protocol.ProxyProtocolHTTPS
}

func dnsCapableProtocol(p *protocol.Proxy) bool {
	return p.Protocol == protocol.ProxyProtocolHTTPS ||
		p.Protocol == protocol.ProxyProtocolSOCKS5
}

func anyProtocol(p *protocol.Proxy) bool {
	return true
}

// stage is one step of a mode's fallback cascade: a source pool plus the
// predicates a candidate must pass.
type stage struct {
	source     func(*protocol.Pools) [][]protocol.Proxy
	protocolOK proxyPredicate
	tierOK     proxyPredicate
}

func fromCombined(pools *protocol.Pools) [][]protocol.Proxy {
	return [][]protocol.Proxy{pools.Combined}
}

func fromDNS(pools *protocol.Pools) [][]protocol.Proxy {
	return [][]protocol.Proxy{pools.DNS}
}

func fromUnion(pools *protocol.Pools) [][]protocol.Proxy {
	return [][]protocol.Proxy{pools.DNS, pools.NonDNS}
}

// modeCascades maps each mode to its ordered fallback stages. The first
// stage yielding any candidate wins outright; later stages are only
// consulted when every earlier one is empty. SOCKS4 proxies are excluded
// unconditionally before these predicates run.
var modeCascades = map[protocol.Mode][]stage{
	protocol.ModeLite: {
		{fromCombined, anyProtocol, notDead},
		{fromUnion, anyProtocol, notDead},
		{fromCombined, anyProtocol, anyTier},
	},
	protocol.ModeStealth: {
		{fromCombined, webProtocol, notDead},
		{fromUnion, webProtocol, notDead},
		{fromUnion, webProtocol, anyTier},
	},
	protocol.ModeHigh: {
		{fromDNS, dnsCapableProtocol, silverOrBetter},
		{fromDNS, anyProtocol, notDead},
		{fromCombined, dnsCapableProtocol, notDead},
	},
	protocol.ModePhantom: {
		{fromDNS, dnsCapableProtocol, goldOrBetter},
		{fromDNS, anyProtocol, silverOrBetter},
		{fromCombined, dnsCapableProtocol, silverOrBetter},
	},
}

// candidatePool runs the mode's cascade and returns the winning stage's
// candidates, deduplicated by ip:port with first occurrence kept.
func candidatePool(mode protocol.Mode, pools *protocol.Pools) []protocol.Proxy {
	for _, s := range modeCascades[mode] {
		candidates := collectStage(s, pools)
		if len(candidates) > 0 {
			return candidates
		}
	}
	return nil
}

func collectStage(s stage, pools *protocol.Pools) []protocol.Proxy {
	var candidates []protocol.Proxy
	seen := make(map[string]bool)
	for _, source := range s.source(pools) {
		for i := range source {
			p := &source[i]
			if p.Protocol == protocol.ProxyProtocolSOCKS4 {
				continue
			}
			if !s.protocolOK(p) || !s.tierOK(p) {
				continue
			}
			key := p.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			candidates = append(candidates, *p)
		}
	}
	return candidates
}
