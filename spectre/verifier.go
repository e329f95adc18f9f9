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
	"context"
	"net"
	"sync"
	"time"

	"github.com/marusama/semaphore"
	go_cache "github.com/patrickmn/go-cache"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

const (
	// verifyPruneThreshold is the consecutive-failure count at which a
	// record is dropped from the pool.
	verifyPruneThreshold = 3

	// Latency smoothing and score adjustment factors applied per probe.
	verifyLatencySmoothingOld = 0.6
	verifyLatencySmoothingNew = 0.4
	verifyScoreBoostFactor    = 0.95
	verifyScoreBoostBonus     = 0.05
	verifyScorePenaltyFactor  = 0.7

	// probeCacheTTL short-circuits duplicate probes of the same ip:port
	// within one refresh wave.
	probeCacheTTL = 60 * time.Second
)

type probeResult struct {
	success bool
	latency float64
}

// Verifier probes proxies over TCP and adjusts their records: smoothed
// latency and a score boost on success, a score penalty and fail count
// increment on failure. Concurrency is bounded by a semaphore sized
// VerifyWorkers.
type Verifier struct {
	config     *Config
	sem        semaphore.Semaphore
	probeCache *go_cache.Cache

	// dialTCP is replaceable for tests.
	dialTCP func(ctx context.Context, address string) (net.Conn, error)
}

// NewVerifier creates a Verifier for the committed config.
func NewVerifier(config *Config) *Verifier {
	return &Verifier{
		config:     config,
		sem:        semaphore.New(config.VerifyWorkers),
		probeCache: go_cache.New(probeCacheTTL, 2*probeCacheTTL),
		dialTCP: func(ctx context.Context, address string) (net.Conn, error) {
			dialer := &net.Dialer{}
			return dialer.DialContext(ctx, "tcp", address)
		},
	}
}

// VerifyPool probes every proxy and returns the adjusted pool with
// records at the prune threshold removed. The input slice is not
// modified. Probe results for an ip:port are cached briefly, so
// duplicates within one wave share a single probe.
func (v *Verifier) VerifyPool(
	ctx context.Context, proxies []protocol.Proxy) ([]protocol.Proxy, error) {

	adjusted := make([]protocol.Proxy, len(proxies))

	var waitGroup sync.WaitGroup
	for i := range proxies {

		err := v.sem.Acquire(ctx, 1)
		if err != nil {
			// Cancelled mid-wave; wait for in-flight probes and stop.
			waitGroup.Wait()
			return nil, errors.Trace(err)
		}

		waitGroup.Add(1)
		go func(i int) {
			defer waitGroup.Done()
			defer v.sem.Release(1)
			adjusted[i] = v.verifyOne(ctx, proxies[i])
		}(i)
	}
	waitGroup.Wait()

	verified := make([]protocol.Proxy, 0, len(adjusted))
	pruned := 0
	for _, p := range adjusted {
		if p.FailCount >= verifyPruneThreshold {
			pruned++
			continue
		}
		verified = append(verified, p)
	}

	log.WithTraceFields(LogFields{
		"probed": len(proxies),
		"pruned": pruned,
	}).Debug("verify wave complete")

	return verified, nil
}

func (v *Verifier) verifyOne(
	ctx context.Context, p protocol.Proxy) protocol.Proxy {

	result := v.probe(ctx, p.Key())

	if result.success {
		if p.Latency > 0 {
			p.Latency = p.Latency*verifyLatencySmoothingOld +
				result.latency*verifyLatencySmoothingNew
		} else {
			p.Latency = result.latency
		}
		p.LastVerified = time.Now().Unix()
		p.Alive = true
		p.FailCount = 0
		p.Score = p.Score*verifyScoreBoostFactor + verifyScoreBoostBonus
		if p.Score > 1.0 {
			p.Score = 1.0
		}
	} else {
		p.Alive = false
		p.FailCount++
		p.Score = p.Score * verifyScorePenaltyFactor
	}

	p.Tier = protocol.TierFromScore(p.Score)
	return p
}

func (v *Verifier) probe(ctx context.Context, address string) probeResult {

	if cached, ok := v.probeCache.Get(address); ok {
		return cached.(probeResult)
	}

	dialCtx, cancel := context.WithTimeout(ctx, v.config.ConnectTimeout())
	defer cancel()

	start := time.Now()
	conn, err := v.dialTCP(dialCtx, address)
	result := probeResult{}
	if err == nil {
		result.success = true
		result.latency = time.Since(start).Seconds()
		conn.Close()
	}

	v.probeCache.SetDefault(address, result)
	return result
}

// PoolHealthy reports whether the pool needs a top-up scrape: healthy
// means enough live records and a verification newer than the staleness
// window.
func (v *Verifier) PoolHealthy(pool []protocol.Proxy) bool {

	liveCount := 0
	var newestVerified int64
	for i := range pool {
		if pool[i].Alive {
			liveCount++
		}
		if pool[i].LastVerified > newestVerified {
			newestVerified = pool[i].LastVerified
		}
	}

	if liveCount < v.config.MinPoolSize {
		return false
	}
	if newestVerified == 0 {
		return false
	}
	staleness := time.Since(time.Unix(newestVerified, 0))
	return staleness <= v.config.StalenessWindow()
}
