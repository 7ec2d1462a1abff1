package trees

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const (
	testTreeID = "tree-1"
	testOwner  = "user-1"
)

func insertDelta(cardID, ts string, parentID *string, content string, position float64) Delta {
	return Delta{CardID: cardID, Timestamp: ts, Ops: []Op{InsertOp{ParentID: parentID, Content: content, Position: position}}}
}

func TestApplyPushInsertsAndPullsFromCheckpointZero(t *testing.T) {
	service, _ := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)

	applied := mustPush(t, service, userID, PushBatch{
		TreeID: testTreeID,
		Deltas: []Delta{
			insertDelta("A", "1000:0:n", nil, "x", 1),
			insertDelta("B", "1001:0:n", stringPointer("A"), "y", 1),
		},
		Checkpoint: CheckpointAll,
	})
	if strings.Join(applied, ",") != "1000:0:n,1001:0:n" {
		t.Fatalf("unexpected applied timestamps: %v", applied)
	}

	cards, err := service.PullCards(context.Background(), testTreeID, CheckpointAll)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}
	if cards[0].ID != "A" || cards[0].ParentID != nil || cards[0].Content != "x" {
		t.Fatalf("unexpected first card: %#v", cards[0])
	}
	if cards[1].ID != "B" || cards[1].ParentID == nil || *cards[1].ParentID != "A" {
		t.Fatalf("unexpected second card: %#v", cards[1])
	}

	since, err := service.PullCards(context.Background(), testTreeID, "1000:0:n")
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(since) != 1 || since[0].ID != "B" {
		t.Fatalf("expected only B after checkpoint, got %#v", since)
	}
}

func TestApplyPushRejectsStaleFence(t *testing.T) {
	service, db := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{insertDelta("A", "1000:0:n", nil, "original", 1)}})
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		{CardID: "A", Timestamp: "1002:0:n", Ops: []Op{UpdateOp{Content: "first", Expected: "1000:0:n"}}},
	}})

	result, err := service.ApplyPush(context.Background(), userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		{CardID: "A", Timestamp: "1003:0:m", Ops: []Op{UpdateOp{Content: "stale", Expected: "1001:0:m"}}},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Conflicted() {
		t.Fatalf("expected conflict for stale fence")
	}
	if result.Conflict.CardID != "A" || result.Conflict.Card == nil || result.Conflict.Card.UpdatedAt != "1002:0:n" {
		t.Fatalf("expected conflict to carry the stored card, got %#v", result.Conflict)
	}
	if len(result.Applied) != 0 {
		t.Fatalf("expected no applied timestamps on conflict")
	}

	stored := loadCard(t, db, "A")
	if stored.Content != "first" || stored.UpdatedAt != "1002:0:n" {
		t.Fatalf("expected card to remain unchanged, got %#v", stored)
	}
}

func TestApplyPushRollsBackWholeBatchOnConflict(t *testing.T) {
	service, db := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{insertDelta("A", "1000:0:n", nil, "a", 1)}})

	result, err := service.ApplyPush(context.Background(), userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		insertDelta("B", "1001:0:n", stringPointer("A"), "b", 1),
		{CardID: "A", Timestamp: "1002:0:n", Ops: []Op{UpdateOp{Content: "a2", Expected: "1000:0:n"}}},
		{CardID: "missing", Timestamp: "1003:0:n", Ops: []Op{DeleteOp{Expected: "1000:0:n"}}},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Conflicted() || result.Conflict.CardID != "missing" {
		t.Fatalf("expected conflict on the third delta, got %#v", result.Conflict)
	}

	var count int64
	if err := db.Model(&Card{}).Where("id = ?", "B").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected insert of B to be rolled back")
	}
	stored := loadCard(t, db, "A")
	if stored.Content != "a" || stored.UpdatedAt != "1000:0:n" {
		t.Fatalf("expected update of A to be rolled back, got %#v", stored)
	}
}

func TestApplyPushRejectsCycles(t *testing.T) {
	service, db := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		insertDelta("A", "1000:0:n", nil, "a", 1),
		insertDelta("B", "1001:0:n", stringPointer("A"), "b", 1),
		insertDelta("C", "1002:0:n", stringPointer("B"), "c", 1),
	}})

	testCases := []struct {
		name   string
		parent string
	}{
		{name: "under descendant", parent: "C"},
		{name: "under itself", parent: "A"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result, err := service.ApplyPush(context.Background(), userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
				{CardID: "A", Timestamp: "1003:0:n", Ops: []Op{MoveOp{ParentID: stringPointer(testCase.parent), Position: 1, Expected: "1000:0:n"}}},
			}})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Conflicted() {
				t.Fatalf("expected cycle conflict")
			}
			stored := loadCard(t, db, "A")
			if stored.ParentID != nil {
				t.Fatalf("expected A to stay at root, got parent %v", *stored.ParentID)
			}
		})
	}
}

func TestApplyPushMovesDeletesAndUndeletes(t *testing.T) {
	service, db := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		insertDelta("A", "1000:0:n", nil, "a", 1),
		insertDelta("B", "1001:0:n", nil, "b", 2),
	}})

	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		{CardID: "B", Timestamp: "1002:0:n", Ops: []Op{MoveOp{ParentID: stringPointer("A"), Position: 0.5, Expected: "1001:0:n"}}},
	}})
	moved := loadCard(t, db, "B")
	if moved.ParentID == nil || *moved.ParentID != "A" || moved.Position != 0.5 || moved.UpdatedAt != "1002:0:n" {
		t.Fatalf("unexpected moved card: %#v", moved)
	}

	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		{CardID: "B", Timestamp: "1003:0:n", Ops: []Op{DeleteOp{Expected: "1002:0:n"}}},
	}})
	if deleted := loadCard(t, db, "B"); !deleted.Deleted || deleted.UpdatedAt != "1003:0:n" {
		t.Fatalf("unexpected deleted card: %#v", deleted)
	}

	pulled, err := service.PullCards(context.Background(), testTreeID, CheckpointAll)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(pulled) != 1 || pulled[0].ID != "A" {
		t.Fatalf("expected checkpoint zero to exclude deleted cards, got %#v", pulled)
	}
	since, err := service.PullCards(context.Background(), testTreeID, "1002:0:n")
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(since) != 1 || !since[0].Deleted {
		t.Fatalf("expected incremental pull to include the deleted card, got %#v", since)
	}

	applied := mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		{CardID: "B", Timestamp: "1004:0:n", Ops: []Op{UndeleteOp{}}},
	}})
	if len(applied) != 1 || applied[0] != "1004:0:n" {
		t.Fatalf("unexpected applied timestamps: %v", applied)
	}
	restored := loadCard(t, db, "B")
	if restored.Deleted || restored.UpdatedAt != "1003:0:n" {
		t.Fatalf("expected undelete to clear the flag and keep updatedAt, got %#v", restored)
	}
}

func TestApplyPushTouchesTimestamp(t *testing.T) {
	service, db := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{insertDelta("A", "1000:0:n", nil, "a", 1)}})

	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{{CardID: "A", Timestamp: "1005:0:n"}}})
	if touched := loadCard(t, db, "A"); touched.UpdatedAt != "1005:0:n" || touched.Content != "a" {
		t.Fatalf("unexpected touched card: %#v", touched)
	}

	result, err := service.ApplyPush(context.Background(), userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{{CardID: "ghost", Timestamp: "1006:0:n"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Conflicted() {
		t.Fatalf("expected touch of a missing card to conflict")
	}
}

func TestApplyPushRequiresTreeOwnershipForInsert(t *testing.T) {
	service, db := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)

	result, err := service.ApplyPush(context.Background(), mustUserID(t, "intruder"), PushBatch{TreeID: testTreeID, Deltas: []Delta{
		insertDelta("A", "1000:0:n", nil, "a", 1),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Conflicted() {
		t.Fatalf("expected insert by non-owner to conflict")
	}
	var count int64
	if err := db.Model(&Card{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no cards to be stored, got %d", count)
	}
}

func TestApplyPushInsertRequiresExistingParent(t *testing.T) {
	service, _ := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)

	result, err := service.ApplyPush(context.Background(), mustUserID(t, testOwner), PushBatch{TreeID: testTreeID, Deltas: []Delta{
		insertDelta("A", "1000:0:n", stringPointer("nowhere"), "a", 1),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Conflicted() || !strings.Contains(result.Conflict.Reason, "Parent nowhere") {
		t.Fatalf("expected missing parent conflict, got %#v", result.Conflict)
	}
}

func TestApplyPushInsertReplacesExistingCard(t *testing.T) {
	service, db := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{insertDelta("A", "1000:0:n", nil, "a", 1)}})
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		{CardID: "A", Timestamp: "1001:0:n", Ops: []Op{DeleteOp{Expected: "1000:0:n"}}},
	}})

	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{insertDelta("A", "1002:0:n", nil, "again", 3)}})
	stored := loadCard(t, db, "A")
	if stored.Content != "again" || stored.Deleted || stored.UpdatedAt != "1002:0:n" || stored.Position != 3 {
		t.Fatalf("expected insert to replace the row, got %#v", stored)
	}
}

func TestApplyPushInsertRejectsCardOfAnotherTree(t *testing.T) {
	service, _ := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	seedTree(t, service, "tree-2", testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{insertDelta("A", "1000:0:n", nil, "a", 1)}})

	result, err := service.ApplyPush(context.Background(), userID, PushBatch{TreeID: "tree-2", Deltas: []Delta{insertDelta("A", "1001:0:n", nil, "b", 1)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Conflicted() {
		t.Fatalf("expected cross-tree insert to conflict")
	}
}

func TestApplyPushInsertCannotCreateCycles(t *testing.T) {
	service, db := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		insertDelta("A", "1000:0:n", nil, "a", 1),
		insertDelta("B", "1001:0:n", stringPointer("A"), "b", 1),
	}})

	testCases := []struct {
		name   string
		delta  Delta
		cardID string
		parent *string
	}{
		{name: "existing card under its child", delta: insertDelta("A", "1002:0:n", stringPointer("B"), "a", 1), cardID: "A", parent: nil},
		{name: "existing card under itself", delta: insertDelta("B", "1002:0:n", stringPointer("B"), "b", 1), cardID: "B", parent: stringPointer("A")},
		{name: "new card under itself", delta: insertDelta("C", "1002:0:n", stringPointer("C"), "c", 1), cardID: "C"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result, err := service.ApplyPush(context.Background(), userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{testCase.delta}})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Conflicted() {
				t.Fatalf("expected insert to conflict")
			}
			if testCase.cardID == "C" {
				var count int64
				if err := db.Model(&Card{}).Where("id = ?", "C").Count(&count).Error; err != nil {
					t.Fatalf("count failed: %v", err)
				}
				if count != 0 {
					t.Fatalf("expected C not to be stored")
				}
				return
			}
			stored := loadCard(t, db, testCase.cardID)
			switch {
			case testCase.parent == nil && stored.ParentID != nil:
				t.Fatalf("expected %s to stay at root, got parent %s", testCase.cardID, *stored.ParentID)
			case testCase.parent != nil && (stored.ParentID == nil || *stored.ParentID != *testCase.parent):
				t.Fatalf("expected %s to keep parent %s, got %v", testCase.cardID, *testCase.parent, stored.ParentID)
			}
		})
	}
}

func TestApplyPushInsertReparentsExistingCardOutsideItsSubtree(t *testing.T) {
	service, db := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		insertDelta("A", "1000:0:n", nil, "a", 1),
		insertDelta("B", "1001:0:n", nil, "b", 2),
	}})

	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{insertDelta("B", "1002:0:n", stringPointer("A"), "b", 1)}})
	stored := loadCard(t, db, "B")
	if stored.ParentID == nil || *stored.ParentID != "A" {
		t.Fatalf("expected B under A, got %v", stored.ParentID)
	}
}

func TestApplyPushEmptyBatchViolatesInvariant(t *testing.T) {
	service, _ := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)

	_, err := service.ApplyPush(context.Background(), mustUserID(t, testOwner), PushBatch{TreeID: testTreeID})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "trees.apply_push.no_timestamps_saved" {
		t.Fatalf("unexpected service error: %v", err)
	}
}

func TestApplyPushRejectsInvalidBatch(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.ApplyPush(context.Background(), mustUserID(t, testOwner), PushBatch{})
	if !errors.Is(err, ErrInvalidTreeID) {
		t.Fatalf("expected invalid tree id, got %v", err)
	}
}

func TestCardsSinceIncludesDeleted(t *testing.T) {
	service, _ := newTestService(t)
	seedTree(t, service, testTreeID, testOwner)
	userID := mustUserID(t, testOwner)
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		insertDelta("A", "1000:0:n", nil, "a", 1),
		insertDelta("B", "1001:0:n", nil, "b", 2),
	}})
	mustPush(t, service, userID, PushBatch{TreeID: testTreeID, Deltas: []Delta{
		{CardID: "A", Timestamp: "1002:0:n", Ops: []Op{DeleteOp{Expected: "1000:0:n"}}},
	}})

	cards, err := service.CardsSince(context.Background(), testTreeID, "1000:0:n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cards) != 2 || cards[0].ID != "B" || cards[1].ID != "A" || !cards[1].Deleted {
		t.Fatalf("unexpected cards since checkpoint: %#v", cards)
	}
}
