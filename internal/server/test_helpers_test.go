package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/treesync/internal/database"
	"github.com/MarcoPoloResearchLab/treesync/internal/snapshots"
	"github.com/MarcoPoloResearchLab/treesync/internal/trees"
	"github.com/MarcoPoloResearchLab/treesync/internal/users"
)

const (
	testOwnerID    = "user-1"
	testStrangerID = "user-2"
	testTreeID     = "tree-1"
)

type fakePeer struct {
	id string

	mu       sync.Mutex
	messages []ServerMessage
	sendErr  error
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string {
	return p.id
}

func (p *fakePeer) Send(message ServerMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.messages = append(p.messages, message)
	return nil
}

func (p *fakePeer) received() []ServerMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ServerMessage(nil), p.messages...)
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}

func (p *fakePeer) last(t *testing.T) ServerMessage {
	t.Helper()
	messages := p.received()
	if len(messages) == 0 {
		t.Fatalf("expected peer %s to receive a message", p.id)
	}
	return messages[len(messages)-1]
}

type recordingScheduler struct {
	mu        sync.Mutex
	scheduled []string
}

func (s *recordingScheduler) Schedule(treeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, treeID)
}

func (s *recordingScheduler) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.scheduled...)
}

type recordingSink struct {
	mu     sync.Mutex
	errors []error
}

func (s *recordingSink) Notify(_ context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errors)
}

type testEnvironment struct {
	hub       *Hub
	db        *gorm.DB
	trees     *trees.Service
	snapshots *snapshots.Service
	users     *users.Service
	captures  *recordingScheduler
	alerts    *recordingSink
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()

	dsn := fmt.Sprintf("file:treesync_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	treeService, err := trees.NewService(trees.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct trees service: %v", err)
	}
	snapshotService, err := snapshots.NewService(snapshots.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct snapshots service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}

	env := &testEnvironment{
		db:        db,
		trees:     treeService,
		snapshots: snapshotService,
		users:     userService,
		captures:  &recordingScheduler{},
		alerts:    &recordingSink{},
	}
	hub, err := NewHub(HubConfig{
		Trees:    treeService,
		History:  snapshotService,
		Settings: userService,
		Captures: env.captures,
		Alerts:   env.alerts,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	env.hub = hub
	return env
}

func (env *testEnvironment) seedTree(t *testing.T, treeID string, owner string) {
	t.Helper()
	if _, err := env.trees.UpsertTrees(context.Background(), owner, []trees.Tree{{
		ID:              treeID,
		Owner:           owner,
		CreatedAtMillis: 1700000000000,
		UpdatedAtMillis: 1700000000000,
	}}); err != nil {
		t.Fatalf("failed to seed tree: %v", err)
	}
}

func (env *testEnvironment) connect(t *testing.T, userID string, peerID string) *fakePeer {
	t.Helper()
	peer := newFakePeer(peerID)
	if err := env.hub.Connect(context.Background(), userID, peer); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	peer.reset()
	return peer
}

func (env *testEnvironment) send(t *testing.T, userID string, peer Peer, raw string) {
	t.Helper()
	if err := env.hub.HandleMessage(context.Background(), userID, peer, []byte(raw)); err != nil {
		t.Fatalf("handle message failed: %v", err)
	}
}

func insertFrame(treeID, cardID, timestamp, content string) string {
	return fmt.Sprintf(`{"t":"push","d":{"tr":%q,"chk":"0","dlts":[{"id":%q,"ts":%q,"ops":[{"t":"i","c":%q,"pos":0}]}]}}`,
		treeID, cardID, timestamp, content)
}
