package snapshots

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/treesync/internal/trees"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps unexpected snapshot store failures with a stable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "snapshots.service.new"
	opCapture          = "snapshots.capture"
	opCompactTree      = "snapshots.compact_tree"
	opCompactAllBefore = "snapshots.compact_all_before"
	opDecimateTree     = "snapshots.decimate_tree"
	opDecimateAll      = "snapshots.decimate_all"
	opHistory          = "snapshots.history"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
	reasonEncodeFailed    = "encode_failed"

	fieldTreeID     = "tree_id"
	fieldSnapshotID = "snapshot"

	insertBatchSize = 200
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the snapshot service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service captures, compacts, decimates and expands tree snapshots.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// CaptureResult describes one capture attempt.
type CaptureResult struct {
	SnapshotID string
	Rows       int
	Created    bool
}

// Capture stores every undeleted card of the tree as a full snapshot. A tree
// without undeleted cards, or one whose snapshot id already exists, is left alone.
func (s *Service) Capture(ctx context.Context, treeID string) (CaptureResult, error) {
	if s.db == nil {
		return CaptureResult{}, newServiceError(opCapture, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := trees.NewTreeID(treeID); err != nil {
		return CaptureResult{}, newServiceError(opCapture, reasonInvalidInput, err)
	}

	var result CaptureResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cards []trees.Card
		if err := tx.Where("tree_id = ? AND deleted = ?", treeID, false).
			Order("updated_at ASC").
			Order("id ASC").
			Find(&cards).Error; err != nil {
			s.logError(opCapture, reasonQueryFailed, err, zap.String(fieldTreeID, treeID))
			return newServiceError(opCapture, reasonQueryFailed, err)
		}
		if len(cards) == 0 {
			return nil
		}

		latest := tokenMillis(cards[0].UpdatedAt)
		for _, card := range cards[1:] {
			if millis := tokenMillis(card.UpdatedAt); laterMillis(millis, latest) {
				latest = millis
			}
		}
		snapshotID := latest + ":" + treeID
		result.SnapshotID = snapshotID

		var existing int64
		if err := tx.Model(&Row{}).
			Where("tree_id = ? AND snapshot = ?", treeID, snapshotID).
			Count(&existing).Error; err != nil {
			s.logError(opCapture, reasonQueryFailed, err, zap.String(fieldTreeID, treeID))
			return newServiceError(opCapture, reasonQueryFailed, err)
		}
		if existing > 0 {
			return nil
		}

		rows := make([]Row, 0, len(cards))
		for _, card := range cards {
			rows = append(rows, rowFromCard(snapshotID, card))
		}
		if err := tx.CreateInBatches(&rows, insertBatchSize).Error; err != nil {
			s.logError(opCapture, reasonWriteFailed, err,
				zap.String(fieldTreeID, treeID),
				zap.String(fieldSnapshotID, snapshotID))
			return newServiceError(opCapture, reasonWriteFailed, err)
		}
		result.Rows = len(rows)
		result.Created = true
		return nil
	})
	if err != nil {
		capturesTotal.WithLabelValues(outcomeError).Inc()
		return CaptureResult{}, err
	}

	if result.Created {
		capturesTotal.WithLabelValues(outcomeCreated).Inc()
		s.loggerOrDefault().Debug("snapshot captured",
			zap.String(fieldTreeID, treeID),
			zap.String(fieldSnapshotID, result.SnapshotID),
			zap.Int("rows", result.Rows))
	} else {
		capturesTotal.WithLabelValues(outcomeSkipped).Inc()
	}
	return result, nil
}

// CompactTree delta-encodes every eligible snapshot of one tree in a single
// transaction and returns how many snapshots were rewritten.
func (s *Service) CompactTree(ctx context.Context, treeID string) (int, error) {
	if s.db == nil {
		return 0, newServiceError(opCompactTree, reasonMissingDatabase, errMissingDatabase)
	}

	compacted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := loadRows(tx, treeID)
		if err != nil {
			s.logError(opCompactTree, reasonQueryFailed, err, zap.String(fieldTreeID, treeID))
			return newServiceError(opCompactTree, reasonQueryFailed, err)
		}
		compactions, err := Compact(rows)
		if err != nil {
			s.logError(opCompactTree, reasonEncodeFailed, err, zap.String(fieldTreeID, treeID))
			return newServiceError(opCompactTree, reasonEncodeFailed, err)
		}
		for _, compaction := range compactions {
			if err := replaceSnapshot(tx, compaction.TreeID, compaction.Snapshot, compaction.Rows); err != nil {
				s.logError(opCompactTree, reasonWriteFailed, err,
					zap.String(fieldTreeID, treeID),
					zap.String(fieldSnapshotID, compaction.Snapshot))
				return newServiceError(opCompactTree, reasonWriteFailed, err)
			}
		}
		compacted = len(compactions)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if compacted > 0 {
		compactedSnapshotsTotal.Add(float64(compacted))
		s.loggerOrDefault().Debug("snapshots compacted",
			zap.String(fieldTreeID, treeID),
			zap.Int("snapshots", compacted))
	}
	return compacted, nil
}

// CompactionReport summarizes a multi-tree compaction pass.
type CompactionReport struct {
	Trees     int
	Snapshots int
	Failed    int
}

// CompactAllBefore compacts every tree last modified before the cutoff that
// still has a full snapshot. Each tree runs in its own transaction; a failing
// tree is logged and skipped, and the failures are returned joined.
func (s *Service) CompactAllBefore(ctx context.Context, before time.Time) (CompactionReport, error) {
	if s.db == nil {
		return CompactionReport{}, newServiceError(opCompactAllBefore, reasonMissingDatabase, errMissingDatabase)
	}

	var candidates []struct {
		ID              string `gorm:"column:id"`
		UpdatedAtMillis int64  `gorm:"column:updated_at_ms"`
	}
	if err := s.db.WithContext(ctx).
		Table(trees.Tree{}.TableName()).
		Select("DISTINCT trees.id, trees.updated_at_ms").
		Joins("JOIN tree_snapshots ON tree_snapshots.tree_id = trees.id").
		Where("tree_snapshots.delta = ? AND trees.updated_at_ms < ?", false, before.UnixMilli()).
		Order("trees.updated_at_ms ASC").
		Scan(&candidates).Error; err != nil {
		s.logError(opCompactAllBefore, reasonQueryFailed, err)
		return CompactionReport{}, newServiceError(opCompactAllBefore, reasonQueryFailed, err)
	}

	var report CompactionReport
	var failures []error
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		count, err := s.CompactTree(ctx, candidate.ID)
		if err != nil {
			report.Failed++
			failures = append(failures, fmt.Errorf("tree %s: %w", candidate.ID, err))
			continue
		}
		report.Trees++
		report.Snapshots += count
	}

	s.loggerOrDefault().Info("compaction pass finished",
		zap.Time("before", before),
		zap.Int("trees", report.Trees),
		zap.Int("snapshots", report.Snapshots),
		zap.Int("failed", report.Failed))
	return report, errors.Join(failures...)
}

// DecimateTree keeps every Nth snapshot id of the tree, newest first, with
// N = max(1, total/desired), and deletes the rest. Retained delta snapshots
// are rewritten as full rows first so they stay expandable without their
// deleted neighbours. Returns the number of snapshots removed.
func (s *Service) DecimateTree(ctx context.Context, treeID string, desired int) (int, error) {
	if s.db == nil {
		return 0, newServiceError(opDecimateTree, reasonMissingDatabase, errMissingDatabase)
	}
	if desired <= 0 {
		return 0, newServiceError(opDecimateTree, reasonInvalidInput, ErrInvalidDesiredCount)
	}

	removed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := loadRows(tx, treeID)
		if err != nil {
			s.logError(opDecimateTree, reasonQueryFailed, err, zap.String(fieldTreeID, treeID))
			return newServiceError(opDecimateTree, reasonQueryFailed, err)
		}
		plan := planDecimation(rows, desired)
		if len(plan.removed) == 0 {
			return nil
		}

		if len(plan.rematerialize) > 0 {
			expanded, err := Expand(rows)
			if err != nil {
				s.logError(opDecimateTree, reasonEncodeFailed, err, zap.String(fieldTreeID, treeID))
				return newServiceError(opDecimateTree, reasonEncodeFailed, err)
			}
			for _, g := range groupBySnapshot(expanded) {
				if _, ok := plan.rematerialize[g.id]; !ok {
					continue
				}
				if g.isDelta() {
					s.loggerOrDefault().Warn("retained snapshot could not be expanded",
						zap.String(fieldTreeID, treeID),
						zap.String(fieldSnapshotID, g.id))
					continue
				}
				if err := replaceSnapshot(tx, treeID, g.id, g.rows); err != nil {
					s.logError(opDecimateTree, reasonWriteFailed, err,
						zap.String(fieldTreeID, treeID),
						zap.String(fieldSnapshotID, g.id))
					return newServiceError(opDecimateTree, reasonWriteFailed, err)
				}
			}
		}

		if err := tx.Where("tree_id = ? AND snapshot IN ?", treeID, plan.removed).Delete(&Row{}).Error; err != nil {
			s.logError(opDecimateTree, reasonWriteFailed, err, zap.String(fieldTreeID, treeID))
			return newServiceError(opDecimateTree, reasonWriteFailed, err)
		}
		removed = len(plan.removed)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		decimatedSnapshotsTotal.Add(float64(removed))
		s.loggerOrDefault().Debug("snapshots decimated",
			zap.String(fieldTreeID, treeID),
			zap.Int("removed", removed),
			zap.Int("desired", desired))
	}
	return removed, nil
}

// DecimateAll runs DecimateTree for every tree with snapshots and returns the
// total number of snapshots removed.
func (s *Service) DecimateAll(ctx context.Context, desired int) (int, error) {
	if s.db == nil {
		return 0, newServiceError(opDecimateAll, reasonMissingDatabase, errMissingDatabase)
	}
	if desired <= 0 {
		return 0, newServiceError(opDecimateAll, reasonInvalidInput, ErrInvalidDesiredCount)
	}

	var treeIDs []string
	if err := s.db.WithContext(ctx).Model(&Row{}).Distinct("tree_id").Order("tree_id ASC").Pluck("tree_id", &treeIDs).Error; err != nil {
		s.logError(opDecimateAll, reasonQueryFailed, err)
		return 0, newServiceError(opDecimateAll, reasonQueryFailed, err)
	}

	total := 0
	var failures []error
	for _, treeID := range treeIDs {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		removed, err := s.DecimateTree(ctx, treeID, desired)
		if err != nil {
			failures = append(failures, fmt.Errorf("tree %s: %w", treeID, err))
			continue
		}
		total += removed
	}
	s.loggerOrDefault().Info("decimation pass finished",
		zap.Int("trees", len(treeIDs)),
		zap.Int("removed", total),
		zap.Int("desired", desired))
	return total, errors.Join(failures...)
}

// SnapshotMeta identifies one retained snapshot.
type SnapshotMeta struct {
	ID        string `json:"id"`
	Timestamp string `json:"ts"`
}

// SnapshotGroup is one snapshot with its expanded cards.
type SnapshotGroup struct {
	ID        string `json:"id"`
	Timestamp string `json:"ts"`
	Rows      []Row  `json:"d"`
}

// HistoryMeta lists the retained snapshot ids of a tree in chronological order.
func (s *Service) HistoryMeta(ctx context.Context, treeID string) ([]SnapshotMeta, error) {
	if s.db == nil {
		return nil, newServiceError(opHistory, reasonMissingDatabase, errMissingDatabase)
	}
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Row{}).
		Where("tree_id = ?", treeID).
		Distinct("snapshot").
		Order("snapshot ASC").
		Pluck("snapshot", &ids).Error; err != nil {
		s.logError(opHistory, reasonQueryFailed, err, zap.String(fieldTreeID, treeID))
		return nil, newServiceError(opHistory, reasonQueryFailed, err)
	}
	meta := make([]SnapshotMeta, 0, len(ids))
	for _, id := range ids {
		meta = append(meta, SnapshotMeta{ID: id, Timestamp: id})
	}
	return meta, nil
}

// History returns every retained snapshot of a tree expanded to full cards,
// in chronological order.
func (s *Service) History(ctx context.Context, treeID string) ([]SnapshotGroup, error) {
	if s.db == nil {
		return nil, newServiceError(opHistory, reasonMissingDatabase, errMissingDatabase)
	}
	rows, err := loadRows(s.db.WithContext(ctx), treeID)
	if err != nil {
		s.logError(opHistory, reasonQueryFailed, err, zap.String(fieldTreeID, treeID))
		return nil, newServiceError(opHistory, reasonQueryFailed, err)
	}
	expanded, err := Expand(rows)
	if err != nil {
		s.logError(opHistory, reasonEncodeFailed, err, zap.String(fieldTreeID, treeID))
		return nil, newServiceError(opHistory, reasonEncodeFailed, err)
	}
	groups := groupBySnapshot(expanded)
	history := make([]SnapshotGroup, 0, len(groups))
	for _, g := range groups {
		history = append(history, SnapshotGroup{ID: g.id, Timestamp: g.id, Rows: g.rows})
	}
	return history, nil
}

type decimationPlan struct {
	removed       []string
	rematerialize map[string]struct{}
}

// planDecimation chooses which snapshot ids to drop and which retained delta
// snapshots lose their newer neighbour.
func planDecimation(rows []Row, desired int) decimationPlan {
	groups := groupBySnapshot(rows)
	// newest first
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].id > groups[j].id })

	stride := len(groups) / desired
	if stride < 1 {
		stride = 1
	}
	plan := decimationPlan{rematerialize: make(map[string]struct{})}
	for index, g := range groups {
		if index%stride != 0 {
			plan.removed = append(plan.removed, g.id)
			continue
		}
		if index > 0 && g.isDelta() && (index-1)%stride != 0 {
			plan.rematerialize[g.id] = struct{}{}
		}
	}
	return plan
}

func loadRows(db *gorm.DB, treeID string) ([]Row, error) {
	var rows []Row
	err := db.Where("tree_id = ?", treeID).
		Order("snapshot ASC").
		Order("updated_at ASC").
		Order("row_id ASC").
		Find(&rows).Error
	return rows, err
}

// replaceSnapshot deletes the stored rows of one snapshot and writes rows in their place.
func replaceSnapshot(tx *gorm.DB, treeID string, snapshotID string, rows []Row) error {
	if err := tx.Where("tree_id = ? AND snapshot = ?", treeID, snapshotID).Delete(&Row{}).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	fresh := make([]Row, 0, len(rows))
	for _, row := range rows {
		fresh = append(fresh, row.clone())
	}
	return tx.CreateInBatches(&fresh, insertBatchSize).Error
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("snapshots service error", attrs...)
}
