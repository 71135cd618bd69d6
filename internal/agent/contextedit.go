package agent

import (
	"fmt"
	"strings"
)

// ContextOperation is one requested edit of a tenant context document.
// SectionType targets the beginning, middle, or end of the text; mid
// operations locate their anchor through Context.
type ContextOperation struct {
	SectionType string `json:"section_type"`          // beg | mid | end
	Operation   string `json:"operation"`             // add | replace | delete
	NewContent  string `json:"new_content,omitempty"` // add, replace
	OldContent  string `json:"old_content,omitempty"` // replace, delete
	Context     string `json:"context,omitempty"`     // anchor line for mid
}

// OpResult records the outcome of one operation for the approval card and
// the model's bounded report.
type OpResult struct {
	Index   int    `json:"index"`
	Applied bool   `json:"applied"`
	Summary string `json:"summary"`
}

// ApplyContextOperations applies ops to text in order and returns the
// updated text plus a per-operation log. Operations that cannot locate
// their target are skipped and logged; the rest still apply.
func ApplyContextOperations(text string, ops []ContextOperation) (string, []OpResult) {
	results := make([]OpResult, 0, len(ops))
	for i, op := range ops {
		updated, err := applyOne(text, op)
		res := OpResult{Index: i, Applied: err == nil}
		if err != nil {
			res.Summary = fmt.Sprintf("%s@%s skipped: %v", op.Operation, op.SectionType, err)
		} else {
			res.Summary = fmt.Sprintf("%s@%s applied (%+d chars)", op.Operation, op.SectionType, len(updated)-len(text))
			text = updated
		}
		results = append(results, res)
	}
	return text, results
}

func applyOne(text string, op ContextOperation) (string, error) {
	switch op.Operation {
	case "add":
		return applyAdd(text, op)
	case "replace":
		return applyReplace(text, op, op.NewContent)
	case "delete":
		if op.OldContent == "" {
			return "", fmt.Errorf("delete requires old_content")
		}
		return applyReplace(text, op, "")
	default:
		return "", fmt.Errorf("unknown operation %q", op.Operation)
	}
}

func applyAdd(text string, op ContextOperation) (string, error) {
	if op.NewContent == "" {
		return "", fmt.Errorf("add requires new_content")
	}
	switch op.SectionType {
	case "beg":
		if text == "" {
			return op.NewContent, nil
		}
		return op.NewContent + "\n" + text, nil
	case "end":
		return text + op.NewContent, nil
	case "mid":
		if op.Context == "" {
			return "", fmt.Errorf("mid add requires a context anchor")
		}
		idx := anchorLineEnd(text, op.Context)
		if idx < 0 {
			return "", fmt.Errorf("context %q not found", op.Context)
		}
		return text[:idx] + "\n" + op.NewContent + text[idx:], nil
	default:
		return "", fmt.Errorf("unknown section_type %q", op.SectionType)
	}
}

func applyReplace(text string, op ContextOperation, replacement string) (string, error) {
	if op.OldContent == "" {
		return "", fmt.Errorf("replace requires old_content")
	}
	var idx int
	switch op.SectionType {
	case "beg", "mid":
		start := 0
		if op.SectionType == "mid" && op.Context != "" {
			anchor := anchorLineEnd(text, op.Context)
			if anchor < 0 {
				return "", fmt.Errorf("context %q not found", op.Context)
			}
			start = anchor
		}
		rel := strings.Index(text[start:], op.OldContent)
		if rel < 0 {
			return "", fmt.Errorf("old_content not found")
		}
		idx = start + rel
	case "end":
		idx = strings.LastIndex(text, op.OldContent)
		if idx < 0 {
			return "", fmt.Errorf("old_content not found")
		}
	default:
		return "", fmt.Errorf("unknown section_type %q", op.SectionType)
	}
	return text[:idx] + replacement + text[idx+len(op.OldContent):], nil
}

// anchorLineEnd returns the offset just past the end of the first line
// containing needle, or -1.
func anchorLineEnd(text, needle string) int {
	idx := strings.Index(text, needle)
	if idx < 0 {
		return -1
	}
	lineEnd := strings.IndexByte(text[idx:], '\n')
	if lineEnd < 0 {
		return len(text)
	}
	return idx + lineEnd
}

// TruncatePreview bounds a text preview for cards and tool results.
func TruncatePreview(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	return text[:max] + "…"
}
