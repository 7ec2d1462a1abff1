package snapshots

import (
	"encoding/json"
	"fmt"
)

// Compaction replaces every row of one snapshot with delta rows.
type Compaction struct {
	Snapshot string
	TreeID   string
	Rows     []Row
}

// Compact rewrites each full snapshot that has a full newer neighbour as a
// delta against that neighbour. Pairs are judged on the input, so a run of
// full snapshots compacts every member but the newest in one pass. Rows of a
// single tree are expected.
func Compact(rows []Row) ([]Compaction, error) {
	groups := groupBySnapshot(rows)
	if len(groups) <= 1 {
		return nil, nil
	}

	var compactions []Compaction
	for index := 1; index < len(groups); index++ {
		older := groups[index-1]
		newer := groups[index]
		if older.isDelta() || newer.isDelta() {
			continue
		}
		deltaRows, err := deltaAgainst(newer.rows, older.rows)
		if err != nil {
			return nil, fmt.Errorf("compact snapshot %s: %w", older.id, err)
		}
		compactions = append(compactions, Compaction{
			Snapshot: older.id,
			TreeID:   older.rows[0].TreeID,
			Rows:     deltaRows,
		})
	}
	return compactions, nil
}

// deltaAgainst encodes target (older) relative to base (newer). Cards only in
// base are omitted; cards only in target are kept whole.
func deltaAgainst(base []Row, target []Row) ([]Row, error) {
	baseByID := make(map[string]Row, len(base))
	for _, row := range base {
		baseByID[row.ID] = row
	}

	snapshotID := target[0].Snapshot
	treeID := target[0].TreeID
	var unchangedIDs []string
	changed := make([]Row, 0, len(target))
	for _, card := range target {
		baseCard, ok := baseByID[card.ID]
		if !ok {
			whole := card.clone()
			whole.Delta = true
			changed = append(changed, whole)
			continue
		}
		row, unchanged, err := diffCard(baseCard, card)
		if err != nil {
			return nil, err
		}
		if unchanged {
			unchangedIDs = append(unchangedIDs, card.ID)
			continue
		}
		changed = append(changed, row)
	}

	result := make([]Row, 0, len(changed)+1)
	if len(unchangedIDs) > 0 {
		payload, err := json.Marshal(unchangedIDs)
		if err != nil {
			return nil, fmt.Errorf("encode unchanged ids: %w", err)
		}
		list := string(payload)
		sentinel := unchangedParent
		result = append(result, Row{
			Snapshot:  snapshotID,
			TreeID:    treeID,
			ID:        unchangedRowID,
			Content:   &list,
			ParentID:  &sentinel,
			UpdatedAt: "",
			Delta:     true,
		})
	}
	result = append(result, changed...)
	sortByUpdatedAt(result)
	return result, nil
}

// diffCard returns the delta row turning base into target, or unchanged when
// the two rows are identical in every replayed field.
func diffCard(base Row, target Row) (Row, bool, error) {
	contentChanged := stringValue(base.Content) != stringValue(target.Content)
	parentChanged := !equalStrings(base.ParentID, target.ParentID)
	positionChanged := !equalFloats(base.Position, target.Position)
	if !contentChanged && !parentChanged && !positionChanged && base.UpdatedAt == target.UpdatedAt {
		return Row{}, true, nil
	}

	row := Row{
		Snapshot:  target.Snapshot,
		TreeID:    target.TreeID,
		ID:        target.ID,
		UpdatedAt: target.UpdatedAt,
		Delta:     true,
	}
	if contentChanged {
		encoded, err := encodeContent(stringValue(base.Content), stringValue(target.Content))
		if err != nil {
			return Row{}, false, err
		}
		row.Content = &encoded
	}
	if parentChanged {
		row.ParentID = copyString(target.ParentID)
	} else {
		sentinel := unchangedParent
		row.ParentID = &sentinel
	}
	if positionChanged {
		row.Position = copyFloat(target.Position)
	}
	return row, false, nil
}

func equalStrings(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalFloats(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
