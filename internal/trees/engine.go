package trees

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	reasonCardLookupFailed  = "card_lookup_failed"
	reasonCardWriteFailed   = "card_write_failed"
	reasonOwnershipFailed   = "ownership_lookup_failed"
	reasonNoTimestampsSaved = "no_timestamps_saved"
)

// PushResult is the outcome of ApplyPush: either the applied timestamps, or
// the conflict that rolled the whole batch back.
type PushResult struct {
	Applied  []string
	Conflict *ConflictError
}

// Conflicted reports whether the batch was rejected.
func (result PushResult) Conflicted() bool {
	return result.Conflict != nil
}

// ApplyPush applies every delta of the batch in submission order inside one
// transaction. A conflict on any delta rolls back the entire batch and is
// returned in PushResult.Conflict; store failures and invariant violations are
// returned as errors.
func (s *Service) ApplyPush(ctx context.Context, userID UserID, batch PushBatch) (PushResult, error) {
	if s.db == nil {
		s.logError(opApplyPush, reasonMissingDatabase, errMissingDatabase)
		return PushResult{}, newServiceError(opApplyPush, reasonMissingDatabase, errMissingDatabase)
	}
	if err := batch.Validate(); err != nil {
		pushBatchesTotal.WithLabelValues(outcomeError).Inc()
		return PushResult{}, newServiceError(opApplyPush, reasonInvalidInput, err)
	}

	var applied []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run := &pushRun{service: s, tx: tx, treeID: batch.TreeID, userID: userID}
		for _, delta := range batch.Deltas {
			saved, err := run.applyDelta(delta)
			if err != nil {
				return err
			}
			applied = append(applied, saved...)
		}
		if len(applied) == 0 {
			cause := fmt.Errorf("%w: push for tree %s saved no timestamps", ErrInvariantViolation, batch.TreeID)
			s.logError(opApplyPush, reasonNoTimestampsSaved, cause, zap.String(fieldTreeID, batch.TreeID))
			return newServiceError(opApplyPush, reasonNoTimestampsSaved, cause)
		}
		return nil
	})

	var conflict *ConflictError
	if errors.As(txErr, &conflict) {
		pushBatchesTotal.WithLabelValues(outcomeConflict).Inc()
		s.loggerOrDefault().Debug("push rejected",
			zap.String(fieldTreeID, batch.TreeID),
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldCardID, conflict.CardID),
			zap.String("reason", conflict.Reason))
		return PushResult{Conflict: conflict}, nil
	}
	if txErr != nil {
		pushBatchesTotal.WithLabelValues(outcomeError).Inc()
		return PushResult{}, txErr
	}

	pushBatchesTotal.WithLabelValues(outcomeApplied).Inc()
	return PushResult{Applied: applied}, nil
}

// CardsSince returns every card of the tree updated after checkpoint, deleted
// ones included, ascending by updatedAt. Used to build conflict replies.
func (s *Service) CardsSince(ctx context.Context, treeID string, checkpoint string) ([]Card, error) {
	if s.db == nil {
		s.logError(opPullCards, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opPullCards, reasonMissingDatabase, errMissingDatabase)
	}
	var cards []Card
	if err := s.db.WithContext(ctx).
		Where("tree_id = ? AND updated_at > ?", treeID, checkpoint).
		Order("updated_at ASC").
		Order("id ASC").
		Find(&cards).Error; err != nil {
		s.logError(opPullCards, reasonQueryFailed, err, zap.String(fieldTreeID, treeID))
		return nil, newServiceError(opPullCards, reasonQueryFailed, err)
	}
	return cards, nil
}

// pushRun carries per-batch state through a single transaction.
type pushRun struct {
	service *Service
	tx      *gorm.DB
	treeID  string
	userID  UserID
	owns    *bool
}

func (run *pushRun) applyDelta(delta Delta) ([]string, error) {
	if len(delta.Ops) == 0 {
		ts, err := run.touch(delta)
		if err != nil {
			return nil, err
		}
		return []string{ts}, nil
	}

	saved := make([]string, 0, len(delta.Ops))
	for _, op := range delta.Ops {
		var (
			ts  string
			err error
		)
		switch typed := op.(type) {
		case InsertOp:
			ts, err = run.insert(delta, typed)
		case UpdateOp:
			ts, err = run.update(delta, typed)
		case MoveOp:
			ts, err = run.move(delta, typed)
		case DeleteOp:
			ts, err = run.delete(delta, typed)
		case UndeleteOp:
			ts, err = run.undelete(delta)
		default:
			err = newServiceError(opApplyPush, reasonInvalidInput, fmt.Errorf("%w: unsupported op %T", ErrInvalidDelta, op))
		}
		if err != nil {
			return nil, err
		}
		appliedOpsTotal.WithLabelValues(op.opCode()).Inc()
		saved = append(saved, ts)
	}
	return saved, nil
}

func (run *pushRun) insert(delta Delta, op InsertOp) (string, error) {
	owns, err := run.ownsTree()
	if err != nil {
		return "", err
	}
	if !owns {
		return "", newConflict(delta.CardID, nil, "Ins Conflict : User %s doesn't have access to tree %s", run.userID, run.treeID)
	}
	if op.ParentID != nil && *op.ParentID == delta.CardID {
		return "", newConflict(delta.CardID, nil, "Ins Conflict : Card %s cannot be its own parent", delta.CardID)
	}
	if op.ParentID != nil {
		parent, err := run.findCard(*op.ParentID)
		if err != nil {
			return "", err
		}
		if parent == nil {
			return "", newConflict(delta.CardID, nil, "Ins Conflict : Parent %s not present", *op.ParentID)
		}
	}

	var existing Card
	err = run.tx.Where("id = ?", delta.CardID).Take(&existing).Error
	switch {
	case err == nil && existing.TreeID != run.treeID:
		return "", newConflict(delta.CardID, nil, "Ins Conflict : Card %s belongs to another tree", delta.CardID)
	case err == nil:
		// Re-inserting an existing card reparents it, so it must not land under its own subtree.
		cycle, err := isAncestor(delta.CardID, op.ParentID, run.parentOf)
		if err != nil {
			return "", err
		}
		if cycle {
			return "", newConflict(delta.CardID, &existing, "Ins Conflict : Card %s is an ancestor of %s", delta.CardID, *op.ParentID)
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return "", run.storeFailure(reasonCardLookupFailed, err, delta.CardID)
	}

	card := Card{
		ID:        delta.CardID,
		TreeID:    run.treeID,
		Content:   op.Content,
		ParentID:  op.ParentID,
		Position:  op.Position,
		UpdatedAt: delta.Timestamp,
		Deleted:   false,
	}
	if err := run.tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&card).Error; err != nil {
		return "", run.storeFailure(reasonCardWriteFailed, err, delta.CardID)
	}
	run.debug("card inserted", delta, zap.Stringp("parent_id", op.ParentID))
	return delta.Timestamp, nil
}

func (run *pushRun) update(delta Delta, op UpdateOp) (string, error) {
	card, err := run.fencedCard(delta, op.Expected, "Upd")
	if err != nil {
		return "", err
	}
	if err := run.write(card.ID, map[string]any{"content": op.Content, "updated_at": delta.Timestamp}); err != nil {
		return "", err
	}
	run.debug("card updated", delta)
	return delta.Timestamp, nil
}

func (run *pushRun) move(delta Delta, op MoveOp) (string, error) {
	card, err := run.fencedCard(delta, op.Expected, "Mov")
	if err != nil {
		return "", err
	}
	if op.ParentID != nil {
		parent, err := run.findCard(*op.ParentID)
		if err != nil {
			return "", err
		}
		if parent == nil {
			return "", newConflict(delta.CardID, card, "Mov Conflict : Parent %s not present", *op.ParentID)
		}
	}
	cycle, err := isAncestor(card.ID, op.ParentID, run.parentOf)
	if err != nil {
		return "", err
	}
	if cycle {
		return "", newConflict(delta.CardID, card, "Mov Conflict : Card %s is an ancestor of %s", card.ID, *op.ParentID)
	}
	if err := run.write(card.ID, map[string]any{"parent_id": op.ParentID, "position": op.Position, "updated_at": delta.Timestamp}); err != nil {
		return "", err
	}
	run.debug("card moved", delta, zap.Stringp("parent_id", op.ParentID), zap.Float64("position", op.Position))
	return delta.Timestamp, nil
}

func (run *pushRun) delete(delta Delta, op DeleteOp) (string, error) {
	card, err := run.fencedCard(delta, op.Expected, "Del")
	if err != nil {
		return "", err
	}
	if err := run.write(card.ID, map[string]any{"deleted": true, "updated_at": delta.Timestamp}); err != nil {
		return "", err
	}
	run.debug("card deleted", delta)
	return delta.Timestamp, nil
}

func (run *pushRun) undelete(delta Delta) (string, error) {
	card, err := run.findCard(delta.CardID)
	if err != nil {
		return "", err
	}
	if card == nil {
		return "", newConflict(delta.CardID, nil, "Undel Conflict : Card %s not present", delta.CardID)
	}
	if err := run.write(card.ID, map[string]any{"deleted": false}); err != nil {
		return "", err
	}
	run.debug("card undeleted", delta)
	return delta.Timestamp, nil
}

func (run *pushRun) touch(delta Delta) (string, error) {
	card, err := run.findCard(delta.CardID)
	if err != nil {
		return "", err
	}
	if card == nil {
		return "", newConflict(delta.CardID, nil, "UpdTs Conflict : Card %s not present", delta.CardID)
	}
	if err := run.write(card.ID, map[string]any{"updated_at": delta.Timestamp}); err != nil {
		return "", err
	}
	run.debug("card timestamp touched", delta)
	return delta.Timestamp, nil
}

// fencedCard loads the delta's card and checks its stored token against expected.
func (run *pushRun) fencedCard(delta Delta, expected string, label string) (*Card, error) {
	card, err := run.findCard(delta.CardID)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, newConflict(delta.CardID, nil, "%s Conflict : Card '%s' not present", label, delta.CardID)
	}
	if card.UpdatedAt != expected {
		return nil, newConflict(delta.CardID, card, "%s Conflict : Card '%s' timestamp mismatch : %s != %s", label, delta.CardID, card.UpdatedAt, expected)
	}
	return card, nil
}

func (run *pushRun) findCard(cardID string) (*Card, error) {
	var card Card
	err := run.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tree_id = ?", cardID, run.treeID).
		Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, run.storeFailure(reasonCardLookupFailed, err, cardID)
	}
	return &card, nil
}

func (run *pushRun) parentOf(cardID string) (*string, bool, error) {
	card, err := run.findCard(cardID)
	if err != nil {
		return nil, false, err
	}
	if card == nil {
		return nil, false, nil
	}
	return card.ParentID, true, nil
}

func (run *pushRun) write(cardID string, updates map[string]any) error {
	if err := run.tx.Model(&Card{}).Where("id = ?", cardID).Updates(updates).Error; err != nil {
		return run.storeFailure(reasonCardWriteFailed, err, cardID)
	}
	return nil
}

func (run *pushRun) ownsTree() (bool, error) {
	if run.owns != nil {
		return *run.owns, nil
	}
	var count int64
	if err := run.tx.Model(&Tree{}).
		Where("id = ? AND owner = ?", run.treeID, run.userID.String()).
		Count(&count).Error; err != nil {
		run.service.logError(opApplyPush, reasonOwnershipFailed, err,
			zap.String(fieldTreeID, run.treeID),
			zap.String(fieldUserID, run.userID.String()))
		return false, newServiceError(opApplyPush, reasonOwnershipFailed, err)
	}
	owns := count > 0
	run.owns = &owns
	return owns, nil
}

func (run *pushRun) storeFailure(reason string, err error, cardID string) error {
	run.service.logError(opApplyPush, reason, err,
		zap.String(fieldTreeID, run.treeID),
		zap.String(fieldCardID, cardID))
	return newServiceError(opApplyPush, reason, err)
}

func (run *pushRun) debug(message string, delta Delta, fields ...zap.Field) {
	attrs := append([]zap.Field{
		zap.String(fieldTreeID, run.treeID),
		zap.String(fieldCardID, delta.CardID),
		zap.String("ts", delta.Timestamp),
	}, fields...)
	run.service.loggerOrDefault().Debug(message, attrs...)
}
