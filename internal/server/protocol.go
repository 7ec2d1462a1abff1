package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/treesync/internal/trees"
)

const (
	typeTrees           = "trees"
	typeTreesOk         = "treesOk"
	typePull            = "pull"
	typeCards           = "cards"
	typePush            = "push"
	typePushOk          = "pushOk"
	typeCardsConflict   = "cardsConflict"
	typePushError       = "pushError"
	typeDoPull          = "doPull"
	typePullHistoryMeta = "pullHistoryMeta"
	typeHistoryMeta     = "historyMeta"
	typePullHistory     = "pullHistory"
	typeHistory         = "history"
	typeSetLanguage     = "setLanguage"
	typeUserSettingOk   = "userSettingOk"
	typeUser            = "user"
)

const settingLanguage = "language"

var (
	errUnknownMessageType = errors.New("unknown message type")
	errMalformedPayload   = errors.New("malformed message payload")
)

// ServerMessage is one frame sent to a client.
type ServerMessage struct {
	Type   string `json:"t"`
	Data   any    `json:"d"`
	Error  any    `json:"e,omitempty"`
	TreeID string `json:"tr,omitempty"`
}

type envelope struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

// clientMessage is the closed set of frames a client may send.
type clientMessage interface {
	messageType() string
	accept(ctx context.Context, visitor messageVisitor) error
}

type messageVisitor interface {
	visitTrees(ctx context.Context, message treesMessage) error
	visitPull(ctx context.Context, message pullMessage) error
	visitPush(ctx context.Context, message pushMessage) error
	visitPullHistoryMeta(ctx context.Context, message historyMetaMessage) error
	visitPullHistory(ctx context.Context, message historyMessage) error
	visitSetLanguage(ctx context.Context, message setLanguageMessage) error
}

type treesMessage struct {
	Trees []trees.Tree
}

type pullMessage struct {
	TreeID     string
	Checkpoint string
}

type pushMessage struct {
	Batch trees.PushBatch
}

type historyMetaMessage struct {
	TreeID string
}

type historyMessage struct {
	TreeID string
}

type setLanguageMessage struct {
	Language string
}

func (treesMessage) messageType() string       { return typeTrees }
func (pullMessage) messageType() string        { return typePull }
func (pushMessage) messageType() string        { return typePush }
func (historyMetaMessage) messageType() string { return typePullHistoryMeta }
func (historyMessage) messageType() string     { return typePullHistory }
func (setLanguageMessage) messageType() string { return typeSetLanguage }

func (m treesMessage) accept(ctx context.Context, v messageVisitor) error { return v.visitTrees(ctx, m) }
func (m pullMessage) accept(ctx context.Context, v messageVisitor) error  { return v.visitPull(ctx, m) }
func (m pushMessage) accept(ctx context.Context, v messageVisitor) error  { return v.visitPush(ctx, m) }
func (m historyMetaMessage) accept(ctx context.Context, v messageVisitor) error {
	return v.visitPullHistoryMeta(ctx, m)
}
func (m historyMessage) accept(ctx context.Context, v messageVisitor) error {
	return v.visitPullHistory(ctx, m)
}
func (m setLanguageMessage) accept(ctx context.Context, v messageVisitor) error {
	return v.visitSetLanguage(ctx, m)
}

// decodeClientMessage parses one inbound frame. The returned type name is set
// whenever the envelope itself was readable, including for unknown types.
func decodeClientMessage(raw []byte) (string, clientMessage, error) {
	var frame envelope
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", nil, fmt.Errorf("%w: %v", errMalformedPayload, err)
	}

	switch frame.Type {
	case typeTrees:
		var payload []trees.Tree
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return frame.Type, nil, fmt.Errorf("%w: %v", errMalformedPayload, err)
		}
		return frame.Type, treesMessage{Trees: payload}, nil
	case typePull:
		treeID, checkpoint, err := decodePullPayload(frame.Data)
		if err != nil {
			return frame.Type, nil, err
		}
		return frame.Type, pullMessage{TreeID: treeID, Checkpoint: checkpoint}, nil
	case typePush:
		batch, err := decodePushPayload(frame.Data)
		if err != nil {
			return frame.Type, nil, err
		}
		return frame.Type, pushMessage{Batch: batch}, nil
	case typePullHistoryMeta:
		treeID, err := decodeString(frame.Data)
		if err != nil {
			return frame.Type, nil, err
		}
		return frame.Type, historyMetaMessage{TreeID: treeID}, nil
	case typePullHistory:
		treeID, err := decodeString(frame.Data)
		if err != nil {
			return frame.Type, nil, err
		}
		return frame.Type, historyMessage{TreeID: treeID}, nil
	case typeSetLanguage:
		language, err := decodeString(frame.Data)
		if err != nil {
			return frame.Type, nil, err
		}
		return frame.Type, setLanguageMessage{Language: language}, nil
	default:
		return frame.Type, nil, fmt.Errorf("%w: %q", errUnknownMessageType, frame.Type)
	}
}

func decodePullPayload(data json.RawMessage) (string, string, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) != 2 {
		return "", "", fmt.Errorf("%w: pull expects [treeId, checkpoint]", errMalformedPayload)
	}
	treeID, err := decodeString(parts[0])
	if err != nil {
		return "", "", err
	}
	checkpoint, err := decodeToken(parts[1])
	if err != nil {
		return "", "", err
	}
	return treeID, checkpoint, nil
}

// pushPayload mirrors trees.PushBatch with a checkpoint that may arrive as a
// string or a number.
type pushPayload struct {
	TreeID     string          `json:"tr"`
	Deltas     []trees.Delta   `json:"dlts"`
	Checkpoint json.RawMessage `json:"chk"`
}

func decodePushPayload(data json.RawMessage) (trees.PushBatch, error) {
	var payload pushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return trees.PushBatch{}, fmt.Errorf("%w: %v", errMalformedPayload, err)
	}
	batch := trees.PushBatch{TreeID: payload.TreeID, Deltas: payload.Deltas}
	if len(payload.Checkpoint) > 0 && string(payload.Checkpoint) != "null" {
		checkpoint, err := decodeToken(payload.Checkpoint)
		if err != nil {
			return trees.PushBatch{}, err
		}
		batch.Checkpoint = checkpoint
	}
	return batch, nil
}

func decodeString(data json.RawMessage) (string, error) {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return "", fmt.Errorf("%w: expected string: %v", errMalformedPayload, err)
	}
	return strings.TrimSpace(value), nil
}

// decodeToken accepts a checkpoint sent either as a string or as a bare number.
func decodeToken(data json.RawMessage) (string, error) {
	if value, err := decodeString(data); err == nil {
		return value, nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return "", fmt.Errorf("%w: expected checkpoint token: %v", errMalformedPayload, err)
	}
	if integer, err := number.Int64(); err == nil {
		return strconv.FormatInt(integer, 10), nil
	}
	return number.String(), nil
}
