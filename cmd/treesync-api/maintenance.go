package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/treesync/internal/config"
	"github.com/MarcoPoloResearchLab/treesync/internal/database"
	"github.com/MarcoPoloResearchLab/treesync/internal/logging"
	"github.com/MarcoPoloResearchLab/treesync/internal/snapshots"
)

const day = 24 * time.Hour

// snapshotMaintainer is the subset of the snapshot service used by housekeeping.
type snapshotMaintainer interface {
	CompactAllBefore(ctx context.Context, before time.Time) (snapshots.CompactionReport, error)
	DecimateAll(ctx context.Context, desired int) (int, error)
}

func newCompactCommand() *cobra.Command {
	var daysAgo int
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact snapshots of trees untouched for the given number of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if daysAgo < 0 {
				return fmt.Errorf("--days-ago must not be negative")
			}
			return withSnapshotService(cmd.Context(), func(ctx context.Context, service *snapshots.Service, logger *zap.Logger) error {
				report, err := service.CompactAllBefore(ctx, time.Now().Add(-time.Duration(daysAgo)*day))
				logger.Info("compaction finished",
					zap.Int("trees", report.Trees),
					zap.Int("snapshots", report.Snapshots),
					zap.Int("failed", report.Failed))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&daysAgo, "days-ago", 30, "Only compact trees last modified at least this many days ago")
	return cmd
}

func newDecimateCommand() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "decimate",
		Short: "Thin every tree's snapshot history to roughly the given count",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep <= 0 {
				return fmt.Errorf("--keep must be positive")
			}
			return withSnapshotService(cmd.Context(), func(ctx context.Context, service *snapshots.Service, logger *zap.Logger) error {
				removed, err := service.DecimateAll(ctx, keep)
				logger.Info("decimation finished", zap.Int("removed", removed), zap.Int("keep", keep))
				return err
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 100, "Desired number of snapshots per tree")
	return cmd
}

func withSnapshotService(ctx context.Context, run func(context.Context, *snapshots.Service, *zap.Logger) error) error {
	appConfig, err := config.LoadMaintenance(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.OptionsFromConfig(appConfig), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	service, err := snapshots.NewService(snapshots.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	return run(ctx, service, logger)
}

// runMaintenanceLoop compacts idle trees and optionally decimates history on
// every tick until ctx is cancelled. Failures are logged and retried next tick.
func runMaintenanceLoop(ctx context.Context, maintainer snapshotMaintainer, cfg config.MaintenanceConfig, logger *zap.Logger) error {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			runMaintenancePass(ctx, maintainer, cfg, now, logger)
		}
	}
}

func runMaintenancePass(ctx context.Context, maintainer snapshotMaintainer, cfg config.MaintenanceConfig, now time.Time, logger *zap.Logger) {
	report, err := maintainer.CompactAllBefore(ctx, now.Add(-cfg.CompactAfter))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduled compaction failed", zap.Int("failed", report.Failed), zap.Error(err))
	}
	if cfg.KeepSnapshots <= 0 {
		return
	}
	if _, err := maintainer.DecimateAll(ctx, cfg.KeepSnapshots); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduled decimation failed", zap.Error(err))
	}
}
