package trees

import (
	"errors"
	"fmt"
)

// maxAncestorDepth bounds the parent walk so corrupted chains cannot stall a push.
const maxAncestorDepth = 10000

// ErrInvariantViolation indicates an internal consistency failure while applying a push.
var ErrInvariantViolation = errors.New("trees: invariant violation")

// ConflictError reports a rejected operation. It is expected and recoverable:
// clients re-pull and rebase. Card carries the stored row when one exists.
type ConflictError struct {
	Reason string `json:"message"`
	CardID string `json:"cardId,omitempty"`
	Card   *Card  `json:"conflict,omitempty"`
}

func (e *ConflictError) Error() string {
	return e.Reason
}

func newConflict(cardID string, card *Card, format string, args ...any) *ConflictError {
	var snapshot *Card
	if card != nil {
		copied := *card
		snapshot = &copied
	}
	return &ConflictError{
		Reason: fmt.Sprintf(format, args...),
		CardID: cardID,
		Card:   snapshot,
	}
}

// parentLookup returns the parent id of a card, whether the card exists, and any store error.
type parentLookup func(cardID string) (*string, bool, error)

// isAncestor reports whether cardID appears on the ancestor chain starting at
// targetParentID (inclusive). Moving cardID under targetParentID would then
// create a cycle. A pre-existing cycle in stored data also reports true.
func isAncestor(cardID string, targetParentID *string, lookup parentLookup) (bool, error) {
	visited := make(map[string]struct{})
	current := targetParentID
	for depth := 0; current != nil; depth++ {
		if *current == cardID {
			return true, nil
		}
		if depth >= maxAncestorDepth {
			return true, nil
		}
		if _, seen := visited[*current]; seen {
			return true, nil
		}
		visited[*current] = struct{}{}

		parentID, found, err := lookup(*current)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		current = parentID
	}
	return false, nil
}
