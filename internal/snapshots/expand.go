package snapshots

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Expand reconstructs full rows for every snapshot it can reach. Walking from
// the newest snapshot back, a delta snapshot whose newer neighbour is full (or
// was just expanded) is rebuilt against it. The result is ordered by snapshot
// id, then updatedAt. Delta snapshots with no full newer neighbour are
// returned as stored.
func Expand(rows []Row) ([]Row, error) {
	groups := groupBySnapshot(rows)
	for index := range groups {
		sortByUpdatedAt(groups[index].rows)
	}

	for index := len(groups) - 2; index >= 0; index-- {
		newer := groups[index+1]
		current := groups[index]
		if !current.isDelta() || newer.isDelta() {
			continue
		}
		expanded, err := expandGroup(newer.rows, current.rows)
		if err != nil {
			return nil, fmt.Errorf("expand snapshot %s: %w", current.id, err)
		}
		groups[index].rows = expanded
	}

	result := make([]Row, 0, len(rows))
	for _, g := range groups {
		result = append(result, g.rows...)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Snapshot != result[j].Snapshot {
			return result[i].Snapshot < result[j].Snapshot
		}
		return result[i].UpdatedAt < result[j].UpdatedAt
	})
	return result, nil
}

func expandGroup(base []Row, deltas []Row) ([]Row, error) {
	baseByID := make(map[string]Row, len(base))
	for _, row := range base {
		baseByID[row.ID] = row
	}

	result := make([]Row, 0, len(base))
	for _, delta := range deltas {
		if delta.isUnchangedList() {
			var ids []string
			if err := json.Unmarshal([]byte(*delta.Content), &ids); err != nil {
				return nil, fmt.Errorf("%w: unchanged id list: %v", ErrCorruptDelta, err)
			}
			for _, id := range ids {
				baseCard, ok := baseByID[id]
				if !ok {
					return nil, fmt.Errorf("%w: unchanged card %s missing from base", ErrCorruptDelta, id)
				}
				copied := baseCard.clone()
				copied.Snapshot = delta.Snapshot
				result = append(result, copied)
			}
			continue
		}

		card, err := expandCard(baseByID, delta)
		if err != nil {
			return nil, err
		}
		result = append(result, card)
	}
	sortByUpdatedAt(result)
	return result, nil
}

func expandCard(baseByID map[string]Row, delta Row) (Row, error) {
	baseCard, ok := baseByID[delta.ID]
	if !ok {
		whole := delta.clone()
		whole.Delta = false
		return whole, nil
	}

	card := baseCard.clone()
	card.Snapshot = delta.Snapshot
	card.TreeID = delta.TreeID
	card.UpdatedAt = delta.UpdatedAt
	card.Delta = false
	if delta.Content != nil {
		content, err := decodeContent(stringValue(baseCard.Content), *delta.Content)
		if err != nil {
			return Row{}, fmt.Errorf("card %s: %w", delta.ID, err)
		}
		card.Content = &content
	}
	if delta.ParentID == nil || *delta.ParentID != unchangedParent {
		card.ParentID = copyString(delta.ParentID)
	}
	if delta.Position != nil {
		card.Position = copyFloat(delta.Position)
	}
	return card, nil
}
