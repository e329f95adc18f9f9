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
	"runtime"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/errors"
	"github.com/Spectre-Labs/spectre-tunnel-core/spectre/common/protocol"
)

// ServerStats counts tunnel server activity. All fields are atomics;
// Snapshot gives a consistent-enough view for reporting.
type ServerStats struct {
	Accepted             atomic.Int64
	Tunneled             atomic.Int64
	FailedConnectTimeout atomic.Int64
	FailedRefused        atomic.Int64
	FailedDNS            atomic.Int64
	FailedCommand        atomic.Int64
	FailedOther          atomic.Int64
	BytesUp              atomic.Int64
	BytesDown            atomic.Int64
}

// Snapshot returns the counters as a flat map for logging and JSON
// output.
func (stats *ServerStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"accepted":               stats.Accepted.Load(),
		"tunneled":               stats.Tunneled.Load(),
		"failed_connect_timeout": stats.FailedConnectTimeout.Load(),
		"failed_refused":         stats.FailedRefused.Load(),
		"failed_dns":             stats.FailedDNS.Load(),
		"failed_command":         stats.FailedCommand.Load(),
		"failed_other":           stats.FailedOther.Load(),
		"bytes_up":               stats.BytesUp.Load(),
		"bytes_down":             stats.BytesDown.Load(),
	}
}

// PoolStats summarizes a persisted pool for the stats command.
type PoolStats struct {
	Total          int            `json:"total"`
	Alive          int            `json:"alive"`
	DNSCapable     int            `json:"dns_capable"`
	AverageLatency float64        `json:"avg_latency"`
	AverageScore   float64        `json:"avg_score"`
	TierHistogram  map[string]int `json:"tier_histogram"`
}

// SummarizePool computes pool statistics. Latency averages over measured
// records only.
func SummarizePool(pool []protocol.Proxy) *PoolStats {
	stats := &PoolStats{
		Total:         len(pool),
		TierHistogram: make(map[string]int),
	}
	sumLatency := 0.0
	measured := 0
	sumScore := 0.0
	for i := range pool {
		p := &pool[i]
		if p.Alive {
			stats.Alive++
		}
		if p.IsDNSCapable() {
			stats.DNSCapable++
		}
		if p.Latency > 0 {
			sumLatency += p.Latency
			measured++
		}
		sumScore += p.Score
		stats.TierHistogram[p.Tier.String()]++
	}
	if measured > 0 {
		stats.AverageLatency = sumLatency / float64(measured)
	}
	if len(pool) > 0 {
		stats.AverageScore = sumScore / float64(len(pool))
	}
	return stats
}

// ProcessStats reports the running process's resource usage.
type ProcessStats struct {
	PID          int32   `json:"pid"`
	RSSBytes     uint64  `json:"rss_bytes"`
	VMSBytes     uint64  `json:"vms_bytes"`
	CPUPercent   float64 `json:"cpu_percent"`
	NumGoroutine int     `json:"num_goroutine"`
}

// CollectProcessStats samples the current process via gopsutil.
func CollectProcessStats() (*ProcessStats, error) {

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Trace(err)
	}

	stats := &ProcessStats{
		PID:          proc.Pid,
		NumGoroutine: runtime.NumGoroutine(),
	}

	memoryInfo, err := proc.MemoryInfo()
	if err == nil && memoryInfo != nil {
		stats.RSSBytes = memoryInfo.RSS
		stats.VMSBytes = memoryInfo.VMS
	}

	cpuPercent, err := proc.CPUPercent()
	if err == nil {
		stats.CPUPercent = cpuPercent
	}

	return stats, nil
}
