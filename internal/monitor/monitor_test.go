package monitor

import (
	"context"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fixedCounter struct {
	open int
}

func (counter fixedCounter) OpenConnections() int { return counter.open }

func TestSampleWarnsOnOverload(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	overloaded := fixedCounter{open: runtime.NumCPU()*connectionsPerCore + 1}

	NewMonitor(overloaded, zap.New(core), time.Second).Sample()

	warnings := logs.FilterMessage("connection overload detected").All()
	if len(warnings) != 1 {
		t.Fatalf("expected one overload warning, got %d", len(warnings))
	}
	fields := warnings[0].ContextMap()
	if fields["code"] != "monitor.overload" {
		t.Fatalf("unexpected code field: %v", fields["code"])
	}
	if fields["open_connections"] != int64(overloaded.open) {
		t.Fatalf("unexpected open_connections: %v", fields["open_connections"])
	}
}

func TestSampleStaysQuietUnderLimit(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	NewMonitor(fixedCounter{open: 1}, zap.New(core), time.Second).Sample()

	if count := len(logs.All()); count != 0 {
		t.Fatalf("expected no info-level entries, got %d", count)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	monitor := NewMonitor(nil, zap.NewNop(), time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

func TestNilDBCounterReportsZero(t *testing.T) {
	if open := (DBConnectionCounter{}).OpenConnections(); open != 0 {
		t.Fatalf("expected zero connections, got %d", open)
	}
}
