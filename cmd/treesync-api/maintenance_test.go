package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/treesync/internal/config"
	"github.com/MarcoPoloResearchLab/treesync/internal/snapshots"
)

type stubMaintainer struct {
	before       time.Time
	desired      int
	decimations  int
	compactError error
}

func (s *stubMaintainer) CompactAllBefore(_ context.Context, before time.Time) (snapshots.CompactionReport, error) {
	s.before = before
	return snapshots.CompactionReport{Failed: 1}, s.compactError
}

func (s *stubMaintainer) DecimateAll(_ context.Context, desired int) (int, error) {
	s.decimations++
	s.desired = desired
	return 0, nil
}

func TestMaintenancePassCompactsThenDecimates(t *testing.T) {
	now := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	maintainer := &stubMaintainer{compactError: errors.New("tree tree-9: locked")}
	cfg := config.MaintenanceConfig{Interval: time.Hour, CompactAfter: 30 * day, KeepSnapshots: 50}

	runMaintenancePass(context.Background(), maintainer, cfg, now, zap.NewNop())

	if !maintainer.before.Equal(now.Add(-30 * day)) {
		t.Fatalf("unexpected compaction cutoff %s", maintainer.before)
	}
	if maintainer.decimations != 1 || maintainer.desired != 50 {
		t.Fatalf("expected decimation to 50 despite compaction failure, got %d calls desired %d", maintainer.decimations, maintainer.desired)
	}
}

func TestMaintenancePassSkipsDecimationWhenDisabled(t *testing.T) {
	maintainer := &stubMaintainer{}
	cfg := config.MaintenanceConfig{Interval: time.Hour, CompactAfter: day}

	runMaintenancePass(context.Background(), maintainer, cfg, time.Now(), zap.NewNop())

	if maintainer.decimations != 0 {
		t.Fatalf("expected decimation to be skipped")
	}
}

func TestMaintenanceLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := config.MaintenanceConfig{Interval: time.Hour, CompactAfter: day}
	if err := runMaintenanceLoop(ctx, &stubMaintainer{}, cfg, zap.NewNop()); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}
