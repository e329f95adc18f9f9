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
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/chain"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/prng"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

// rotateJitterFactor spreads rotation ticks so restarts don't
// synchronize across instances.
const rotateJitterFactor = 0.1

// Controller owns the current chain decision and its rotation. The
// decision is published through an atomic pointer: connection handlers
// Load() a snapshot and keep it for the connection's lifetime, rotation
// Store()s a fresh immutable decision, and superseded decisions are
// garbage-collected when their last connection ends.
type Controller struct {
	config    *Config
	builder   *chain.Builder
	dataStore *DataStore

	decision atomic.Pointer[chain.Decision]

	rotations        atomic.Int64
	rotationFailures atomic.Int64

	runWaitGroup sync.WaitGroup
	stopRunning  context.CancelFunc
}

// NewController creates a Controller. When the config carries a master
// secret, chain hop material is HKDF-derived from it.
func NewController(config *Config, dataStore *DataStore) (*Controller, error) {
	builder, err := chain.NewBuilder(config.MasterSecretBytes())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Controller{
		config:    config,
		builder:   builder,
		dataStore: dataStore,
	}, nil
}

// CurrentDecision returns the published decision snapshot, or nil before
// the first successful build.
func (controller *Controller) CurrentDecision() *chain.Decision {
	return controller.decision.Load()
}

// Rotations returns the count of published decisions.
func (controller *Controller) Rotations() int64 {
	return controller.rotations.Load()
}

// RotationFailures returns the count of failed rebuild attempts.
func (controller *Controller) RotationFailures() int64 {
	return controller.rotationFailures.Load()
}

// BuildChain builds a decision from the pools, publishes it, and
// persists its topology. Existing connections keep their previous
// snapshot.
func (controller *Controller) BuildChain(pools *protocol.Pools) (*chain.Decision, error) {

	decision, err := controller.builder.Build(controller.config.ChainMode(), pools)
	if err != nil {
		controller.rotationFailures.Add(1)
		return nil, errors.Trace(err)
	}

	controller.decision.Store(decision)
	controller.rotations.Add(1)

	err = controller.dataStore.StoreChainTopology(decision.Topology())
	if err != nil {
		// The decision is live in memory; persistence failure is not
		// fatal to tunneling.
		log.WithTraceFields(LogFields{"error": err}).Warning(
			"persist chain topology failed")
	}

	log.WithTraceFields(LogFields{
		"chain_id": decision.ChainID,
		"mode":     decision.Mode.String(),
		"hops":     len(decision.Hops),
	}).Info("chain rotated")

	return decision, nil
}

// rebuildFromStore loads persisted pools and builds a fresh decision.
func (controller *Controller) rebuildFromStore() error {
	pools, err := controller.dataStore.LoadPools()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = controller.BuildChain(pools)
	return errors.Trace(err)
}

// Start launches the rotation loop: a fresh decision every RotatePeriod,
// jittered. A failed rebuild keeps the old decision and retries with
// exponential backoff until the next success or Stop.
func (controller *Controller) Start(ctx context.Context) {

	runCtx, stopRunning := context.WithCancel(ctx)
	controller.stopRunning = stopRunning

	controller.runWaitGroup.Add(1)
	go func() {
		defer controller.runWaitGroup.Done()
		controller.rotationLoop(runCtx)
	}()
}

// Stop terminates the rotation loop and waits for it to exit.
func (controller *Controller) Stop() {
	if controller.stopRunning != nil {
		controller.stopRunning()
	}
	controller.runWaitGroup.Wait()
}

func (controller *Controller) rotationLoop(ctx context.Context) {

	backoff := controller.config.RotateBackoffBase()
	inBackoff := false

	timer := time.NewTimer(controller.nextRotateDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := controller.rebuildFromStore()
		if err != nil {
			log.WithTraceFields(LogFields{"error": err}).Warning(
				"chain rotation failed; keeping current chain")
			inBackoff = true
			timer.Reset(prng.JitterDuration(backoff, rotateJitterFactor))
			backoff *= 2
			if backoff > controller.config.RotateBackoffCap() {
				backoff = controller.config.RotateBackoffCap()
			}
			continue
		}

		if inBackoff {
			inBackoff = false
			backoff = controller.config.RotateBackoffBase()
		}
		timer.Reset(controller.nextRotateDelay())
	}
}

func (controller *Controller) nextRotateDelay() time.Duration {
	return prng.JitterDuration(
		controller.config.RotatePeriod(), rotateJitterFactor)
}
