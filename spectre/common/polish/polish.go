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

Package polish turns raw scraped proxy records into scored, tiered, and
classified pools.

The pipeline normalizes protocol tags, drops unparseable records, computes
a weighted quality score per record, deduplicates by (ip, port) keeping the
best-scoring survivor, assigns tiers from the score bands, and splits the
population into DNS-capable and non-DNS views.

Polish is idempotent: polishing already-polished output reproduces it.

*/
package polish

import (
	"math"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

// Score component weights. The four components are each normalized to
// [0, 1] before weighting; DNS-capable records then receive a
// multiplicative bonus and the result is clamped back to [0, 1].
const (
	latencyWeight   = 0.4
	anonymityWeight = 0.3
	countryWeight   = 0.2
	protocolWeight  = 0.1

	dnsCapableBonus = 1.2

	// The latency ceiling is the max observed latency in the batch, floored
	// at this value so tiny batches aren't scored against themselves.
	minLatencyCeiling = 3.0
)

var preferredCountries = mapset.NewSetFromSlice([]interface{}{
	"us", "de", "nl", "uk", "fr", "ca", "sg",
})

// Result carries the classified pools plus the count of raw records
// dropped as unparseable.
type Result struct {
	Pools   protocol.Pools
	Dropped int
}

// Polish runs the full pipeline over raw scraper output. Partial bad
// records are dropped and counted; the error return is reserved for input
// that is entirely unparseable.
func Polish(raw []protocol.Proxy) (*Result, error) {

	parsed := make([]protocol.Proxy, 0, len(raw))
	dropped := 0
	for _, p := range raw {
		normalized, ok := protocol.NormalizeProxyProtocol(p.Protocol)
		if !ok || p.IP == "" || p.Port < 1 || p.Port > 65535 || p.Latency < 0 {
			dropped++
			continue
		}
		p.Protocol = normalized
		parsed = append(parsed, p)
	}

	if len(raw) > 0 && len(parsed) == 0 {
		return nil, errors.TraceNew("no parseable proxy records in input")
	}

	maxLatency := minLatencyCeiling
	for _, p := range parsed {
		if p.Latency > maxLatency {
			maxLatency = p.Latency
		}
	}

	for i := range parsed {
		parsed[i].Score = computeScore(&parsed[i], maxLatency)
		parsed[i].Tier = protocol.TierFromScore(parsed[i].Score)
	}

	deduped := deduplicate(parsed)
	sortPool(deduped)

	pools := protocol.Pools{
		DNS:      []protocol.Proxy{},
		NonDNS:   []protocol.Proxy{},
		Combined: deduped,
	}
	for _, p := range deduped {
		if p.IsDNSCapable() {
			pools.DNS = append(pools.DNS, p)
		} else {
			pools.NonDNS = append(pools.NonDNS, p)
		}
	}

	return &Result{Pools: pools, Dropped: dropped}, nil
}

// computeScore is the weighted sum of the latency, anonymity, country,
// and protocol components, with the DNS-capable bonus applied and the
// result clamped to [0, 1]. An unmeasured latency (0) contributes
// nothing, so dead records land in the Dead band unless their metadata
// carries them.
func computeScore(p *protocol.Proxy, maxLatency float64) float64 {
	score := 0.0

	if p.Latency > 0 {
		score += (1.0 - math.Min(p.Latency, maxLatency)/maxLatency) * latencyWeight
	}

	score += anonymityComponent(p.Anonymity) * anonymityWeight
	score += countryComponent(p.Country) * countryWeight
	score += protocolComponent(p.Protocol) * protocolWeight

	if p.IsDNSCapable() {
		score *= dnsCapableBonus
	}

	return math.Min(math.Max(score, 0.0), 1.0)
}

func anonymityComponent(anonymity string) float64 {
	switch strings.ToLower(anonymity) {
	case protocol.AnonymityElite:
		return 1.0
	case protocol.AnonymityAnonymous:
		return 0.7
	case protocol.AnonymityTransparent:
		return 0.3
	}
	return 0.1
}

func countryComponent(country string) float64 {
	if preferredCountries.Contains(strings.ToLower(country)) {
		return 1.0
	}
	return 0.5
}

func protocolComponent(proxyProtocol string) float64 {
	switch proxyProtocol {
	case protocol.ProxyProtocolSOCKS5:
		return 1.0
	case protocol.ProxyProtocolHTTPS:
		return 0.9
	case protocol.ProxyProtocolSOCKS4:
		return 0.6
	}
	return 0.5
}

// deduplicate coalesces records sharing an (ip, port) identity. The
// survivor is the record with the strictly greater score; ties keep the
// first seen.
func deduplicate(proxies []protocol.Proxy) []protocol.Proxy {
	unique := make([]protocol.Proxy, 0, len(proxies))
	indexByKey := make(map[string]int, len(proxies))
	for _, p := range proxies {
		key := p.Key()
		if i, ok := indexByKey[key]; ok {
			if p.Score > unique[i].Score {
				unique[i] = p
			}
			continue
		}
		indexByKey[key] = len(unique)
		unique = append(unique, p)
	}
	return unique
}

// sortPool orders by score descending, ties broken by lower latency,
// then lexicographic (ip, port).
func sortPool(proxies []protocol.Proxy) {
	sort.SliceStable(proxies, func(i, j int) bool {
		a, b := &proxies[i], &proxies[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		if a.IP != b.IP {
			return a.IP < b.IP
		}
		return a.Port < b.Port
	})
}
