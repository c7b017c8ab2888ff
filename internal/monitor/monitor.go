// Package monitor periodically samples connection-pool pressure and process
// memory, and warns when the pool runs past what the host can reasonably
// serve.
package monitor

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// ConnectionCounter reports how many connections a store currently holds
// open. *sql.DB plugs in through DBConnectionCounter.
type ConnectionCounter interface {
	OpenConnections() int
}

// connectionsPerCore caps the pool at a small multiple of the core count
// before the monitor starts warning.
const connectionsPerCore = 5

// DefaultSampleInterval matches a five second sampling cadence.
const DefaultSampleInterval = 5 * time.Second

// Monitor samples on a fixed interval until its context is cancelled.
type Monitor struct {
	connections ConnectionCounter
	logger      *zap.Logger
	interval    time.Duration
}

// NewMonitor builds a monitor. A nil counter disables connection checks but
// memory is still sampled.
func NewMonitor(connections ConnectionCounter, logger *zap.Logger, interval time.Duration) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Monitor{connections: connections, logger: logger, interval: interval}
}

// Run blocks, sampling every interval, until ctx is done.
func (monitor *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(monitor.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monitor.Sample()
		}
	}
}

// Sample takes one reading and logs it. Exposed so tests can drive the
// monitor without waiting on the ticker.
func (monitor *Monitor) Sample() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	openConnections := 0
	if monitor.connections != nil {
		openConnections = monitor.connections.OpenConnections()
	}
	maxConnections := runtime.NumCPU() * connectionsPerCore

	fields := []zap.Field{
		zap.Int("open_connections", openConnections),
		zap.Int("max_connections", maxConnections),
		zap.Uint64("heap_alloc_bytes", memStats.HeapAlloc),
		zap.Uint64("sys_bytes", memStats.Sys),
	}
	if monitor.connections != nil && openConnections > maxConnections {
		monitor.logger.Warn("connection overload detected", append(fields, zap.String("code", "monitor.overload"))...)
		return
	}
	monitor.logger.Debug("resource sample", fields...)
}

// DBConnectionCounter adapts *sql.DB to ConnectionCounter.
type DBConnectionCounter struct {
	DB *sql.DB
}

func (counter DBConnectionCounter) OpenConnections() int {
	if counter.DB == nil {
		return 0
	}
	return counter.DB.Stats().OpenConnections
}
