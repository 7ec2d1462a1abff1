package trees

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

// CheckpointAll requests every undeleted card of a tree instead of a delta since a token.
const CheckpointAll = "0"

var (
	// ErrInvalidTreeID indicates that a tree identifier is empty or exceeds storage bounds.
	ErrInvalidTreeID = errors.New("trees: invalid tree id")
	// ErrInvalidCardID indicates that a card identifier is empty or exceeds storage bounds.
	ErrInvalidCardID = errors.New("trees: invalid card id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("trees: invalid user id")
	// ErrInvalidTimestamp indicates that a timestamp token is empty.
	ErrInvalidTimestamp = errors.New("trees: invalid timestamp token")
)

// TreeID represents a validated tree identifier.
type TreeID string

// NewTreeID validates raw input and returns a TreeID.
func NewTreeID(rawInput string) (TreeID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidTreeID)
	return TreeID(trimmed), err
}

// String returns the underlying string identifier.
func (id TreeID) String() string {
	return string(id)
}

// CardID represents a validated card identifier.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidCardID)
	return CardID(trimmed), err
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidUserID)
	return UserID(trimmed), err
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Tree models a document tree. Trees are upserted as whole rows.
type Tree struct {
	ID              string         `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name            *string        `gorm:"column:name;type:text" json:"name"`
	Location        string         `gorm:"column:location;size:64;not null;default:''" json:"location"`
	Owner           string         `gorm:"column:owner;size:190;not null;index:idx_trees_owner" json:"owner"`
	Collaborators   datatypes.JSON `gorm:"column:collaborators" json:"collaborators"`
	InviteURL       *string        `gorm:"column:invite_url;type:text" json:"inviteUrl"`
	CreatedAtMillis int64          `gorm:"column:created_at_ms;not null" json:"createdAt"`
	UpdatedAtMillis int64          `gorm:"column:updated_at_ms;not null;index:idx_trees_updated" json:"updatedAt"`
	DeletedAtMillis *int64         `gorm:"column:deleted_at_ms" json:"deletedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Tree) TableName() string {
	return "trees"
}

// Card models a single node of a tree.
type Card struct {
	ID        string  `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	TreeID    string  `gorm:"column:tree_id;size:190;not null;index:idx_cards_tree_id" json:"treeId"`
	Content   string  `gorm:"column:content;type:text;not null" json:"content"`
	ParentID  *string `gorm:"column:parent_id;size:190" json:"parentId"`
	Position  float64 `gorm:"column:position;not null" json:"position"`
	UpdatedAt string  `gorm:"column:updated_at;size:190;not null;autoUpdateTime:false" json:"updatedAt"`
	Deleted   bool    `gorm:"column:deleted;not null;default:false" json:"deleted"`
}

// TableName provides the explicit table binding for GORM.
func (Card) TableName() string {
	return "cards"
}
