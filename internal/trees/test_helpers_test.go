package trees

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:treesync_trees_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&Tree{}, &Card{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct trees service: %v", err)
	}
	return service, db
}

func seedTree(t *testing.T, service *Service, treeID string, owner string) {
	t.Helper()
	_, err := service.UpsertTrees(context.Background(), owner, []Tree{{
		ID:              treeID,
		Owner:           owner,
		CreatedAtMillis: 1700000000000,
		UpdatedAtMillis: 1700000000000,
	}})
	if err != nil {
		t.Fatalf("failed to seed tree: %v", err)
	}
}

func mustPush(t *testing.T, service *Service, userID UserID, batch PushBatch) []string {
	t.Helper()
	result, err := service.ApplyPush(context.Background(), userID, batch)
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if result.Conflicted() {
		t.Fatalf("unexpected conflict: %v", result.Conflict)
	}
	return result.Applied
}

func loadCard(t *testing.T, db *gorm.DB, cardID string) Card {
	t.Helper()
	var card Card
	if err := db.Where("id = ?", cardID).Take(&card).Error; err != nil {
		t.Fatalf("failed to load card %s: %v", cardID, err)
	}
	return card
}

func stringPointer(value string) *string {
	return &value
}
