package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgemesh/node/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	var cfg config.Config
	cfg.Network.ListenAddr = "/ip4/127.0.0.1/tcp/0"
	cfg.Consensus.MaxBoost = 4
	cfg.Consensus.MinimumNodeStake = 1
	cfg.Consensus.EpochLengthMS = int64(time.Minute / time.Millisecond)
	cfg.Consensus.CommitteeSize = 1
	cfg.Blockstore.RootDir = filepath.Join(dir, "blockstore")
	cfg.Blockstore.CacheSize = 8
	cfg.Resolver.DBPath = filepath.Join(dir, "resolver.db")
	cfg.Service.SocketDir = filepath.Join(dir, "services")
	cfg.Reputation.IntervalSeconds = 60
	cfg.Sync.IntervalSeconds = 300
	return &cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.shutdown()

	if n.pool == nil || n.bc == nil || n.orch == nil || n.fetch == nil || n.sync == nil {
		t.Fatal("expected every core component to be constructed")
	}
	if n.query.GetProtocolParams().MaxBoost != 4 {
		t.Fatalf("expected configured protocol params to reach state, got %+v", n.query.GetProtocolParams())
	}
}

func TestNodeRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
