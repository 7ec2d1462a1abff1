package trees

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDelta indicates that a client delta is malformed.
var ErrInvalidDelta = errors.New("trees: invalid delta")

const (
	opCodeInsert   = "i"
	opCodeUpdate   = "u"
	opCodeMove     = "m"
	opCodeDelete   = "d"
	opCodeUndelete = "ud"
)

// Op is one edit operation of a Delta. The set of implementations is closed:
// InsertOp, UpdateOp, MoveOp, DeleteOp and UndeleteOp.
type Op interface {
	opCode() string
}

// InsertOp creates a card under ParentID (nil for a root card).
type InsertOp struct {
	ParentID *string
	Content  string
	Position float64
}

// UpdateOp replaces card content when the stored token equals Expected.
type UpdateOp struct {
	Content  string
	Expected string
}

// MoveOp re-parents a card when the stored token equals Expected.
type MoveOp struct {
	ParentID *string
	Position float64
	Expected string
}

// DeleteOp soft-deletes a card when the stored token equals Expected.
type DeleteOp struct {
	Expected string
}

// UndeleteOp clears the deleted flag without fencing.
type UndeleteOp struct{}

func (InsertOp) opCode() string   { return opCodeInsert }
func (UpdateOp) opCode() string   { return opCodeUpdate }
func (MoveOp) opCode() string     { return opCodeMove }
func (DeleteOp) opCode() string   { return opCodeDelete }
func (UndeleteOp) opCode() string { return opCodeUndelete }

// Delta is one client edit batch for a single card. A delta without ops only
// touches the card timestamp.
type Delta struct {
	CardID    string
	Timestamp string
	Ops       []Op
}

// PushBatch groups deltas applied as one atomic unit.
type PushBatch struct {
	TreeID     string  `json:"tr"`
	Deltas     []Delta `json:"dlts"`
	Checkpoint string  `json:"chk"`
}

// Validate reports structural problems that make the batch impossible to apply.
func (batch PushBatch) Validate() error {
	if _, err := NewTreeID(batch.TreeID); err != nil {
		return err
	}
	for index, delta := range batch.Deltas {
		if _, err := NewCardID(delta.CardID); err != nil {
			return fmt.Errorf("delta %d: %w", index, err)
		}
		if strings.TrimSpace(delta.Timestamp) == "" {
			return fmt.Errorf("delta %d: %w", index, ErrInvalidTimestamp)
		}
	}
	return nil
}

type wireOp struct {
	Type     string   `json:"t"`
	ParentID *string  `json:"p,omitempty"`
	Content  *string  `json:"c,omitempty"`
	Position *float64 `json:"pos,omitempty"`
	Expected *string  `json:"e,omitempty"`
}

type wireDelta struct {
	CardID    string   `json:"id"`
	Timestamp string   `json:"ts"`
	Ops       []wireOp `json:"ops"`
}

// UnmarshalJSON decodes the compact wire form `{id, ts, ops:[{t,...}]}`.
func (delta *Delta) UnmarshalJSON(data []byte) error {
	var wire wireDelta
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	ops := make([]Op, 0, len(wire.Ops))
	for index, raw := range wire.Ops {
		op, err := raw.decode()
		if err != nil {
			return fmt.Errorf("%w: op %d of card %s: %v", ErrInvalidDelta, index, wire.CardID, err)
		}
		ops = append(ops, op)
	}
	delta.CardID = wire.CardID
	delta.Timestamp = wire.Timestamp
	delta.Ops = ops
	return nil
}

// MarshalJSON encodes the delta in its compact wire form.
func (delta Delta) MarshalJSON() ([]byte, error) {
	wire := wireDelta{CardID: delta.CardID, Timestamp: delta.Timestamp, Ops: make([]wireOp, 0, len(delta.Ops))}
	for _, op := range delta.Ops {
		wire.Ops = append(wire.Ops, encodeOp(op))
	}
	return json.Marshal(wire)
}

func (raw wireOp) decode() (Op, error) {
	switch raw.Type {
	case opCodeInsert:
		return InsertOp{ParentID: normalizeParent(raw.ParentID), Content: stringOrEmpty(raw.Content), Position: floatOrZero(raw.Position)}, nil
	case opCodeUpdate:
		if raw.Expected == nil {
			return nil, errors.New("update requires expected timestamp")
		}
		return UpdateOp{Content: stringOrEmpty(raw.Content), Expected: *raw.Expected}, nil
	case opCodeMove:
		if raw.Expected == nil {
			return nil, errors.New("move requires expected timestamp")
		}
		return MoveOp{ParentID: normalizeParent(raw.ParentID), Position: floatOrZero(raw.Position), Expected: *raw.Expected}, nil
	case opCodeDelete:
		if raw.Expected == nil {
			return nil, errors.New("delete requires expected timestamp")
		}
		return DeleteOp{Expected: *raw.Expected}, nil
	case opCodeUndelete:
		return UndeleteOp{}, nil
	default:
		return nil, fmt.Errorf("unknown op type %q", raw.Type)
	}
}

func encodeOp(op Op) wireOp {
	switch typed := op.(type) {
	case InsertOp:
		return wireOp{Type: opCodeInsert, ParentID: typed.ParentID, Content: &typed.Content, Position: &typed.Position}
	case UpdateOp:
		return wireOp{Type: opCodeUpdate, Content: &typed.Content, Expected: &typed.Expected}
	case MoveOp:
		return wireOp{Type: opCodeMove, ParentID: typed.ParentID, Position: &typed.Position, Expected: &typed.Expected}
	case DeleteOp:
		return wireOp{Type: opCodeDelete, Expected: &typed.Expected}
	default:
		return wireOp{Type: op.opCode()}
	}
}

func normalizeParent(parentID *string) *string {
	if parentID == nil || strings.TrimSpace(*parentID) == "" {
		return nil
	}
	value := *parentID
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func floatOrZero(value *float64) float64 {
	if value == nil {
		return 0
	}
	return *value
}
