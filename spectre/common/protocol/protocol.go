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

Package protocol defines the shared vocabulary of the proxy mesh: proxy
records and their persisted JSON form, proxy protocols, anonymity labels,
quality tiers, operating modes, and the pool views derived from a polished
population.

*/
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
)

// Proxy protocols. SOCKS4 is retained in pools for bookkeeping but never
// participates in chains: it lacks the DOMAIN CONNECT semantics chain
// threading depends on.
const (
	ProxyProtocolHTTP   = "http"
	ProxyProtocolHTTPS  = "https"
	ProxyProtocolSOCKS4 = "socks4"
	ProxyProtocolSOCKS5 = "socks5"
)

// Anonymity labels reported by proxy sources.
const (
	AnonymityElite       = "elite"
	AnonymityAnonymous   = "anonymous"
	AnonymityTransparent = "transparent"
	AnonymityUnknown     = "unknown"
)

// NormalizeProxyProtocol case-folds a protocol tag and maps the legacy
// alias "socks" to "socks5". The second return value is false for
// unrecognized tags.
func NormalizeProxyProtocol(proxyProtocol string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(proxyProtocol)) {
	case ProxyProtocolHTTP:
		return ProxyProtocolHTTP, true
	case ProxyProtocolHTTPS:
		return ProxyProtocolHTTPS, true
	case ProxyProtocolSOCKS4:
		return ProxyProtocolSOCKS4, true
	case ProxyProtocolSOCKS5, "socks":
		return ProxyProtocolSOCKS5, true
	}
	return "", false
}

// IsDNSCapableProxyProtocol indicates whether the protocol can carry a
// DOMAIN-typed CONNECT target, resolving names at the proxy instead of
// locally.
func IsDNSCapableProxyProtocol(proxyProtocol string) bool {
	return proxyProtocol == ProxyProtocolSOCKS5 ||
		proxyProtocol == ProxyProtocolHTTPS
}

// Tier is a proxy quality band assigned from the numeric score.
type Tier int

const (
	TierDead Tier = iota
	TierBronze
	TierSilver
	TierGold
	TierPlatinum
)

// Tier score bands, half-open upper bounds.
const (
	TierBronzeMinScore   = 0.30
	TierSilverMinScore   = 0.50
	TierGoldMinScore     = 0.70
	TierPlatinumMinScore = 0.85
)

// TierFromScore maps a score in [0, 1] to its tier band.
func TierFromScore(score float64) Tier {
	switch {
	case score >= TierPlatinumMinScore:
		return TierPlatinum
	case score >= TierGoldMinScore:
		return TierGold
	case score >= TierSilverMinScore:
		return TierSilver
	case score >= TierBronzeMinScore:
		return TierBronze
	}
	return TierDead
}

// MinScore returns the lower bound of the tier's score band.
func (t Tier) MinScore() float64 {
	switch t {
	case TierPlatinum:
		return TierPlatinumMinScore
	case TierGold:
		return TierGoldMinScore
	case TierSilver:
		return TierSilverMinScore
	case TierBronze:
		return TierBronzeMinScore
	}
	return 0.0
}

func (t Tier) String() string {
	switch t {
	case TierDead:
		return "dead"
	case TierBronze:
		return "bronze"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	case TierPlatinum:
		return "platinum"
	}
	return "bronze"
}

// MarshalJSON emits the tier's lowercase label.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// ParseTier maps a lowercase tier label to its Tier. The second return
// is false for empty or unknown labels.
func ParseTier(label string) (Tier, bool) {
	switch strings.ToLower(label) {
	case "dead":
		return TierDead, true
	case "bronze":
		return TierBronze, true
	case "silver":
		return TierSilver, true
	case "gold":
		return TierGold, true
	case "platinum":
		return TierPlatinum, true
	}
	return TierBronze, false
}

// UnmarshalJSON accepts the lowercase tier labels. Empty strings, null,
// and unknown labels deserialize to Bronze without error, matching the
// tolerance persisted pools require.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return errors.Trace(err)
	}
	tier, _ := ParseTier(label)
	*t = tier
	return nil
}

// Proxy is one scraped proxy record. Identity is (IP, Port); all other
// fields are metadata refreshed by polish and verification cycles.
type Proxy struct {
	IP           string  `json:"ip"`
	Port         int     `json:"port"`
	Protocol     string  `json:"type"`
	Latency      float64 `json:"latency"`
	Country      string  `json:"country,omitempty"`
	Anonymity    string  `json:"anonymity,omitempty"`
	Score        float64 `json:"score"`
	Tier         Tier    `json:"tier"`
	FailCount    int     `json:"fail_count,omitempty"`
	LastVerified int64   `json:"last_verified,omitempty"`
	Alive        bool    `json:"alive"`
}

// proxyJSON mirrors Proxy for deserialization, adding the legacy
// "protocol" key and defaulting Alive to true when the field is absent.
type proxyJSON struct {
	IP             string  `json:"ip"`
	Port           int     `json:"port"`
	Protocol       string  `json:"type"`
	LegacyProtocol string  `json:"protocol"`
	Latency        float64  `json:"latency"`
	Country        string   `json:"country"`
	Anonymity      string   `json:"anonymity"`
	Score          *float64 `json:"score"`
	Tier           *string  `json:"tier"`
	FailCount      int      `json:"fail_count"`
	LastVerified   int64    `json:"last_verified"`
	Alive          *bool    `json:"alive"`
}

// UnmarshalJSON tolerates the variations found in persisted pools and
// scraper output: the legacy "protocol" key, a missing alive flag
// (defaulting to true), and a missing, empty, or unknown tier. An
// unusable tier is recomputed from the score when one is present and
// defaults to Bronze otherwise; the score itself is never altered.
func (p *Proxy) UnmarshalJSON(data []byte) error {
	var record proxyJSON
	if err := json.Unmarshal(data, &record); err != nil {
		return errors.Trace(err)
	}
	p.IP = record.IP
	p.Port = record.Port
	p.Protocol = record.Protocol
	if p.Protocol == "" {
		p.Protocol = record.LegacyProtocol
	}
	p.Latency = record.Latency
	p.Country = record.Country
	p.Anonymity = record.Anonymity
	if record.Score != nil {
		p.Score = *record.Score
	}
	tierLabel := ""
	if record.Tier != nil {
		tierLabel = *record.Tier
	}
	if tier, ok := ParseTier(tierLabel); ok {
		p.Tier = tier
	} else if record.Score != nil {
		p.Tier = TierFromScore(*record.Score)
	} else {
		p.Tier = TierBronze
	}
	p.FailCount = record.FailCount
	p.LastVerified = record.LastVerified
	if record.Alive != nil {
		p.Alive = *record.Alive
	} else {
		p.Alive = true
	}
	return nil
}

// Key returns the proxy's identity, "ip:port".
func (p *Proxy) Key() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// IsDNSCapable indicates whether the proxy can carry remote DNS
// resolution.
func (p *Proxy) IsDNSCapable() bool {
	return IsDNSCapableProxyProtocol(p.Protocol)
}

// Pools holds the three views over one polished population. Every proxy
// appears in exactly one of DNS/NonDNS and in Combined.
type Pools struct {
	DNS      []Proxy `json:"dns"`
	NonDNS   []Proxy `json:"non_dns"`
	Combined []Proxy `json:"combined"`
}

// Mode is a named policy bundle controlling chain length, protocol
// filters, and tier requirements.
type Mode string

const (
	ModeLite    Mode = "lite"
	ModeStealth Mode = "stealth"
	ModeHigh    Mode = "high"
	ModePhantom Mode = "phantom"
)

// ParseMode validates and normalizes a mode label.
func ParseMode(label string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(label))) {
	case ModeLite:
		return ModeLite, nil
	case ModeStealth:
		return ModeStealth, nil
	case ModeHigh:
		return ModeHigh, nil
	case ModePhantom:
		return ModePhantom, nil
	}
	return "", errors.Tracef(
		"invalid mode %q: allowed are lite, stealth, high, phantom", label)
}

// HopCountRange returns the inclusive chain length bounds for the mode.
func (m Mode) HopCountRange() (int, int) {
	switch m {
	case ModePhantom:
		return 3, 5
	case ModeHigh:
		return 2, 3
	case ModeStealth:
		return 1, 2
	default:
		return 1, 1
	}
}

// RequiresRemoteDNS indicates whether hostname destinations must be
// forwarded as DOMAIN addresses through the chain rather than resolved
// locally.
func (m Mode) RequiresRemoteDNS() bool {
	return m == ModeHigh || m == ModePhantom
}

func (m Mode) String() string {
	return string(m)
}
