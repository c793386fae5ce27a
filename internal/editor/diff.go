package editor

import (
	"github.com/pmezard/go-difflib/difflib"
)

// unifiedDiff renders a unified diff between a change's old and new
// content with three lines of context. Skipped entirely when the caller
// opts out (the generate_diff flag guards the only CPU-bound hotspot in
// the write path) and for binary payloads.
func unifiedDiff(path string, oldContent, newContent *string) string {
	oldText, newText := "", ""
	if oldContent != nil {
		oldText = *oldContent
	}
	if newContent != nil {
		newText = *newContent
	}
	if isBinaryContent([]byte(oldText)) || isBinaryContent([]byte(newText)) {
		return ""
	}

	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}
