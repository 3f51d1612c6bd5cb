package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rewired-gh/perfwatch/internal/aggregator"
	"github.com/rewired-gh/perfwatch/internal/detector"
	"github.com/rewired-gh/perfwatch/internal/export"
	"github.com/rewired-gh/perfwatch/internal/monitor"
	"github.com/rewired-gh/perfwatch/internal/storage"
)

func newTestMonitor(t *testing.T) (*monitor.Monitor, *storage.Storage) {
	t.Helper()
	store, err := storage.New(10, ":memory:")
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ranker, err := detector.New(detector.Config{Strategy: detector.StrategyRanked, FixedCount: 1})
	if err != nil {
		t.Fatalf("detector.New: %v", err)
	}
	mon := monitor.New(store, ranker, export.Nop{}, aggregator.New(),
		monitor.Config{MinSamples: 1, Workers: 1, CheckpointInterval: 100})
	return mon, store
}

func TestRunOnce(t *testing.T) {
	mon, store := newTestMonitor(t)
	path := filepath.Join(t.TempDir(), "batch.json")
	body := `{"step": 0, "app": 0, "rank": 0, "execs": [
		{"id": "a", "fid": 1, "name": "f", "entry": 0, "exit": 10},
		{"id": "b", "fid": 1, "name": "f", "entry": 20, "exit": 900}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runOnce(context.Background(), mon, path); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	all, err := store.LoadAllAccumulators()
	if err != nil {
		t.Fatalf("LoadAllAccumulators: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d checkpointed accumulators, want 2", len(all))
	}
}

func TestRunOnceReturnsErrors(t *testing.T) {
	dir := t.TempDir()
	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("step: -1\nexecs: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "missing.json")},
		{"invalid batch", invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon, _ := newTestMonitor(t)
			if err := runOnce(context.Background(), mon, tt.path); err == nil {
				t.Error("expected error")
			}
		})
	}
}
