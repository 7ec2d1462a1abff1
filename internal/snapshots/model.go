package snapshots

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/treesync/internal/trees"
)

const (
	// unchangedRowID marks the delta row listing card ids identical to the base snapshot.
	unchangedRowID = "unchanged"
	// unchangedParent is the parent sentinel of a delta row whose parent did not change.
	// A nil parent keeps meaning "root".
	unchangedParent = ""
)

var (
	// ErrCorruptDelta indicates a delta row that cannot be applied to its base.
	ErrCorruptDelta = errors.New("snapshots: corrupt delta row")
	// ErrInvalidDesiredCount indicates a non-positive decimation target.
	ErrInvalidDesiredCount = errors.New("snapshots: desired snapshot count must be positive")
)

// Row is one card of one snapshot. Full rows carry every field; delta rows
// carry only what changed relative to the next newer snapshot.
type Row struct {
	RowID     uint64   `gorm:"column:row_id;primaryKey;autoIncrement" json:"-"`
	Snapshot  string   `gorm:"column:snapshot;size:190;not null;index:idx_tree_snapshots_tree,priority:2" json:"snapshot"`
	TreeID    string   `gorm:"column:tree_id;size:190;not null;index:idx_tree_snapshots_tree,priority:1" json:"treeId"`
	ID        string   `gorm:"column:id;size:190;not null" json:"id"`
	Content   *string  `gorm:"column:content;type:text" json:"content"`
	ParentID  *string  `gorm:"column:parent_id;size:190" json:"parentId"`
	Position  *float64 `gorm:"column:position" json:"position"`
	UpdatedAt string   `gorm:"column:updated_at;size:190;not null;autoUpdateTime:false" json:"updatedAt"`
	Delta     bool     `gorm:"column:delta;not null;default:false" json:"delta"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "tree_snapshots"
}

func (row Row) isUnchangedList() bool {
	return row.ID == unchangedRowID && row.UpdatedAt == "" && row.Content != nil
}

// clone returns a copy that shares no pointers with row.
func (row Row) clone() Row {
	copied := row
	copied.RowID = 0
	copied.Content = copyString(row.Content)
	copied.ParentID = copyString(row.ParentID)
	copied.Position = copyFloat(row.Position)
	return copied
}

// rowFromCard materializes a card into a full snapshot row.
func rowFromCard(snapshotID string, card trees.Card) Row {
	content := card.Content
	position := card.Position
	return Row{
		Snapshot:  snapshotID,
		TreeID:    card.TreeID,
		ID:        card.ID,
		Content:   &content,
		ParentID:  copyString(card.ParentID),
		Position:  &position,
		UpdatedAt: card.UpdatedAt,
		Delta:     false,
	}
}

// SnapshotID derives the snapshot identifier from the newest card token of a capture.
func SnapshotID(maxUpdatedAt string, treeID string) string {
	return tokenMillis(maxUpdatedAt) + ":" + treeID
}

// tokenMillis returns the wall-clock component of a `<millis>:<counter>:<node>` token.
func tokenMillis(token string) string {
	if index := strings.IndexByte(token, ':'); index >= 0 {
		return token[:index]
	}
	return token
}

// laterMillis reports whether millis component a sorts after b, numerically when both parse.
func laterMillis(a, b string) bool {
	left, leftErr := strconv.ParseInt(a, 10, 64)
	right, rightErr := strconv.ParseInt(b, 10, 64)
	if leftErr == nil && rightErr == nil {
		return left > right
	}
	return a > b
}

// group is the rows of one snapshot id.
type group struct {
	id   string
	rows []Row
}

func (g group) isDelta() bool {
	return len(g.rows) > 0 && g.rows[0].Delta
}

// groupBySnapshot buckets rows by snapshot id in ascending id order. Rows
// within a bucket keep their input order.
func groupBySnapshot(rows []Row) []group {
	index := make(map[string]int)
	var groups []group
	for _, row := range rows {
		position, ok := index[row.Snapshot]
		if !ok {
			position = len(groups)
			index[row.Snapshot] = position
			groups = append(groups, group{id: row.Snapshot})
		}
		groups[position].rows = append(groups[position].rows, row)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].id < groups[j].id
	})
	return groups
}

func sortByUpdatedAt(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].UpdatedAt < rows[j].UpdatedAt
	})
}

func copyString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func copyFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
