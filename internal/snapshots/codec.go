package snapshots

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// diffPrefix marks content stored as an edit script rather than literally.
	diffPrefix = "~@%`>"
	// literalSlack is how much larger than the literal an edit script may be before
	// the literal is stored instead.
	literalSlack = 5
)

// encodeContent returns the stored form of target given base: either the
// literal target or diffPrefix followed by a JSON edit script. The script is
// an array where a positive number keeps that many code points of base, a
// negative number skips that many, and a string inserts itself.
func encodeContent(base, target string) (string, error) {
	differ := diffmatchpatch.New()
	diffs := differ.DiffMain(base, target, false)

	script := make([]any, 0, len(diffs))
	for _, diff := range diffs {
		runes := utf8.RuneCountInString(diff.Text)
		switch diff.Type {
		case diffmatchpatch.DiffEqual:
			script = append(script, runes)
		case diffmatchpatch.DiffDelete:
			script = append(script, -runes)
		case diffmatchpatch.DiffInsert:
			script = append(script, diff.Text)
		}
	}
	payload, err := json.Marshal(script)
	if err != nil {
		return "", fmt.Errorf("encode edit script: %w", err)
	}
	if len(payload) >= len(target)+literalSlack && !strings.HasPrefix(target, diffPrefix) {
		return target, nil
	}
	return diffPrefix + string(payload), nil
}

// decodeContent reverses encodeContent against the same base.
func decodeContent(base, stored string) (string, error) {
	if !strings.HasPrefix(stored, diffPrefix) {
		return stored, nil
	}
	var script []any
	if err := json.Unmarshal([]byte(stored[len(diffPrefix):]), &script); err != nil {
		return "", fmt.Errorf("%w: edit script: %v", ErrCorruptDelta, err)
	}

	source := []rune(base)
	cursor := 0
	var builder strings.Builder
	for _, step := range script {
		switch typed := step.(type) {
		case float64:
			run := int(typed)
			if run >= 0 {
				if cursor+run > len(source) {
					return "", fmt.Errorf("%w: equal run past end of base", ErrCorruptDelta)
				}
				builder.WriteString(string(source[cursor : cursor+run]))
				cursor += run
				continue
			}
			if cursor-run > len(source) {
				return "", fmt.Errorf("%w: delete run past end of base", ErrCorruptDelta)
			}
			cursor -= run
		case string:
			builder.WriteString(typed)
		default:
			return "", fmt.Errorf("%w: unexpected edit step %T", ErrCorruptDelta, step)
		}
	}
	if cursor != len(source) {
		return "", fmt.Errorf("%w: edit script consumed %d of %d code points", ErrCorruptDelta, cursor, len(source))
	}
	return builder.String(), nil
}
