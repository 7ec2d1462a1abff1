package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/treesync/internal/alerts"
	"github.com/MarcoPoloResearchLab/treesync/internal/snapshots"
	"github.com/MarcoPoloResearchLab/treesync/internal/trees"
	"github.com/MarcoPoloResearchLab/treesync/internal/users"
)

var (
	errMissingTreeStore     = errors.New("tree store dependency required")
	errMissingHistoryReader = errors.New("history reader dependency required")
	errMissingSettingsStore = errors.New("settings store dependency required")
	errMissingCaptures      = errors.New("capture scheduler dependency required")
)

// TreeStore is the tree and card persistence used by sync sessions.
type TreeStore interface {
	UpsertTrees(ctx context.Context, userID string, trees []trees.Tree) (trees.UpsertResult, error)
	TreesByOwner(ctx context.Context, owner string) ([]trees.Tree, error)
	TreeOwner(ctx context.Context, treeID string) (string, error)
	CanRead(ctx context.Context, treeID string, userID string) (bool, error)
	PullCards(ctx context.Context, treeID string, checkpoint string) ([]trees.Card, error)
	CardsSince(ctx context.Context, treeID string, checkpoint string) ([]trees.Card, error)
	ApplyPush(ctx context.Context, userID trees.UserID, batch trees.PushBatch) (trees.PushResult, error)
}

// HistoryReader serves retained snapshots of a tree.
type HistoryReader interface {
	HistoryMeta(ctx context.Context, treeID string) ([]snapshots.SnapshotMeta, error)
	History(ctx context.Context, treeID string) ([]snapshots.SnapshotGroup, error)
}

// SettingsStore persists per-user preferences.
type SettingsStore interface {
	Settings(ctx context.Context, userID string) (users.Setting, bool, error)
	SetLanguage(ctx context.Context, userID string, language string) error
}

// CaptureScheduler requests debounced snapshot captures.
type CaptureScheduler interface {
	Schedule(treeID string)
}

// HubConfig describes the dependencies of a Hub.
type HubConfig struct {
	Trees    TreeStore
	History  HistoryReader
	Settings SettingsStore
	Captures CaptureScheduler
	Alerts   alerts.Sink
	Registry *ConnectionRegistry
	Logger   *zap.Logger
}

// Hub runs the sync session protocol for every connection.
type Hub struct {
	trees    TreeStore
	history  HistoryReader
	settings SettingsStore
	captures CaptureScheduler
	alerts   alerts.Sink
	registry *ConnectionRegistry
	logger   *zap.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHub validates the configuration and constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Trees == nil {
		return nil, errMissingTreeStore
	}
	if cfg.History == nil {
		return nil, errMissingHistoryReader
	}
	if cfg.Settings == nil {
		return nil, errMissingSettingsStore
	}
	if cfg.Captures == nil {
		return nil, errMissingCaptures
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := cfg.Alerts
	if sink == nil {
		sink = alerts.NewLogSink(logger)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewConnectionRegistry()
	}
	return &Hub{
		trees:    cfg.Trees,
		history:  cfg.History,
		settings: cfg.Settings,
		captures: cfg.Captures,
		alerts:   sink,
		registry: registry,
		logger:   logger,
		closing:  make(chan struct{}),
	}, nil
}

// Registry exposes the connection registry used for fan-out.
func (h *Hub) Registry() *ConnectionRegistry {
	return h.registry
}

// Connect registers the peer and sends the greeting: stored settings, then owned trees.
func (h *Hub) Connect(ctx context.Context, userID string, peer Peer) error {
	h.registry.Register(peer, userID)

	setting, found, err := h.settings.Settings(ctx, userID)
	if err != nil {
		h.logger.Warn("failed to load user settings", zap.String("user_id", userID), zap.Error(err))
	} else if found {
		if err := peer.Send(ServerMessage{Type: typeUser, Data: setting}); err != nil {
			return err
		}
	}

	owned, err := h.trees.TreesByOwner(ctx, userID)
	if err != nil {
		return fmt.Errorf("load trees for %s: %w", userID, err)
	}
	return peer.Send(ServerMessage{Type: typeTrees, Data: nonNil(owned)})
}

// Disconnect removes the peer from fan-out.
func (h *Hub) Disconnect(peer Peer) {
	h.registry.Unregister(peer)
}

// HandleMessage decodes one inbound frame and runs it. Unknown types and
// malformed payloads are logged and ignored, except a malformed push which is
// answered with pushError. The returned error reports a failed reply or a
// store failure the client was not told about.
func (h *Hub) HandleMessage(ctx context.Context, userID string, peer Peer, raw []byte) error {
	messageType, message, err := decodeClientMessage(raw)
	inboundMessagesTotal.WithLabelValues(inboundLabel(messageType)).Inc()
	if err != nil {
		if errors.Is(err, errUnknownMessageType) {
			h.logger.Debug("ignoring unknown message type", zap.String("type", messageType), zap.String("user_id", userID))
			return nil
		}
		h.logger.Warn("ignoring malformed message", zap.String("type", messageType), zap.String("user_id", userID), zap.Error(err))
		if messageType == typePush {
			return peer.Send(ServerMessage{Type: typePushError, Data: errorPayload{Message: err.Error()}})
		}
		return nil
	}
	exchange := &exchange{hub: h, userID: userID, peer: peer}
	return message.accept(ctx, exchange)
}

// exchange handles the messages of one connection.
type exchange struct {
	hub    *Hub
	userID string
	peer   Peer
}

func (x *exchange) reply(message ServerMessage) error {
	return x.peer.Send(message)
}

func (x *exchange) visitTrees(ctx context.Context, message treesMessage) error {
	result, err := x.hub.trees.UpsertTrees(ctx, x.userID, message.Trees)
	if err != nil {
		return err
	}
	if !result.Written() {
		x.hub.logger.Warn("trees denied", zap.String("user_id", x.userID), zap.Strings("tree_ids", result.Rejected))
		return nil
	}
	if err := x.reply(ServerMessage{Type: typeTreesOk, Data: result.EarliestUpdatedAt}); err != nil {
		return err
	}
	for _, owner := range result.Owners {
		others := x.hub.others(owner, x.peer)
		if len(others) == 0 {
			continue
		}
		owned, err := x.hub.trees.TreesByOwner(ctx, owner)
		if err != nil {
			return err
		}
		x.hub.broadcast(others, ServerMessage{Type: typeTrees, Data: nonNil(owned)})
	}
	return nil
}

func (x *exchange) visitPull(ctx context.Context, message pullMessage) error {
	allowed, err := x.hub.trees.CanRead(ctx, message.TreeID, x.userID)
	if err != nil {
		return err
	}
	if !allowed {
		x.hub.logger.Warn("pull denied", zap.String("tree_id", message.TreeID), zap.String("user_id", x.userID))
		return x.reply(ServerMessage{Type: typeCards, Data: []trees.Card{}})
	}
	cards, err := x.hub.trees.PullCards(ctx, message.TreeID, message.Checkpoint)
	if err != nil {
		return err
	}
	return x.reply(ServerMessage{Type: typeCards, Data: nonNil(cards)})
}

func (x *exchange) visitPush(ctx context.Context, message pushMessage) error {
	batch := message.Batch
	result, err := x.hub.trees.ApplyPush(ctx, trees.UserID(x.userID), batch)
	if err != nil {
		return x.pushFailed(ctx, batch, err)
	}

	if result.Conflicted() {
		cards, err := x.hub.trees.CardsSince(ctx, batch.TreeID, batch.Checkpoint)
		if err != nil {
			return x.pushFailed(ctx, batch, err)
		}
		if len(cards) == 0 && result.Conflict.Card != nil {
			cards = append(cards, *result.Conflict.Card)
		}
		return x.reply(ServerMessage{Type: typeCardsConflict, Data: nonNil(cards), Error: result.Conflict})
	}

	x.hub.captures.Schedule(batch.TreeID)
	if err := x.reply(ServerMessage{Type: typePushOk, Data: result.Applied}); err != nil {
		return err
	}

	owner, err := x.hub.trees.TreeOwner(ctx, batch.TreeID)
	if err != nil {
		return err
	}
	if owner == "" {
		return nil
	}
	x.hub.broadcast(x.hub.others(owner, x.peer), ServerMessage{Type: typeDoPull, Data: batch.TreeID})
	return nil
}

// pushFailed reports an unexpected push failure to the client and the alert sink.
// Malformed batches are the client's fault and are not alerted.
func (x *exchange) pushFailed(ctx context.Context, batch trees.PushBatch, err error) error {
	x.hub.logger.Error("push failed",
		zap.String("tree_id", batch.TreeID),
		zap.String("user_id", x.userID),
		zap.Error(err))
	if !isInvalidBatch(err) {
		x.hub.alerts.Notify(ctx, err)
	}
	return x.reply(ServerMessage{Type: typePushError, Data: errorPayload{Message: err.Error()}, TreeID: batch.TreeID})
}

func (x *exchange) visitPullHistoryMeta(ctx context.Context, message historyMetaMessage) error {
	allowed, err := x.hub.trees.CanRead(ctx, message.TreeID, x.userID)
	if err != nil {
		return err
	}
	meta := []snapshots.SnapshotMeta{}
	if allowed {
		if meta, err = x.hub.history.HistoryMeta(ctx, message.TreeID); err != nil {
			return err
		}
	}
	return x.reply(ServerMessage{Type: typeHistoryMeta, Data: nonNil(meta), TreeID: message.TreeID})
}

func (x *exchange) visitPullHistory(ctx context.Context, message historyMessage) error {
	allowed, err := x.hub.trees.CanRead(ctx, message.TreeID, x.userID)
	if err != nil {
		return err
	}
	history := []snapshots.SnapshotGroup{}
	if allowed {
		if history, err = x.hub.history.History(ctx, message.TreeID); err != nil {
			return err
		}
	}
	return x.reply(ServerMessage{Type: typeHistory, Data: nonNil(history), TreeID: message.TreeID})
}

func (x *exchange) visitSetLanguage(ctx context.Context, message setLanguageMessage) error {
	if err := x.hub.settings.SetLanguage(ctx, x.userID, message.Language); err != nil {
		if errors.Is(err, users.ErrInvalidLanguage) {
			x.hub.logger.Warn("rejected language code", zap.String("user_id", x.userID), zap.String("language", message.Language))
			return nil
		}
		return err
	}
	return x.reply(ServerMessage{Type: typeUserSettingOk, Data: []string{settingLanguage, message.Language}})
}

// others lists the connections of userID except the sender.
func (h *Hub) others(userID string, sender Peer) []Peer {
	peers := h.registry.ConnectionsFor(userID)
	filtered := peers[:0]
	for _, peer := range peers {
		if peer.ID() == sender.ID() {
			continue
		}
		filtered = append(filtered, peer)
	}
	return filtered
}

func (h *Hub) broadcast(peers []Peer, message ServerMessage) {
	for _, peer := range peers {
		if err := peer.Send(message); err != nil {
			h.logger.Warn("fan-out delivery failed",
				zap.String("connection_id", peer.ID()),
				zap.String("type", message.Type),
				zap.Error(err))
		}
	}
}

type errorPayload struct {
	Message string `json:"message"`
}

func isInvalidBatch(err error) bool {
	return errors.Is(err, trees.ErrInvalidTreeID) ||
		errors.Is(err, trees.ErrInvalidCardID) ||
		errors.Is(err, trees.ErrInvalidTimestamp) ||
		errors.Is(err, trees.ErrInvalidDelta)
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
