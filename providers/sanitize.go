package providers

import (
	"strings"

	"github.com/sune-org/us.proxy.sune.chat/types"
)

// placeholderText stands in for content that would otherwise leave an
// upstream-visible empty turn.
const placeholderText = "."

// SanitizeMessages normalizes message content so no upstream ever receives an
// empty turn: blank string content becomes ".", blank text parts are dropped,
// and a text part is appended when none survives. The input slice and its
// messages are never mutated, and applying the function twice yields the same
// result as applying it once.
func SanitizeMessages(messages []any) []any {
	out := make([]any, 0, len(messages))
	for _, msg := range messages {
		out = append(out, sanitizeMessage(msg))
	}
	return out
}

func sanitizeMessage(msg any) any {
	m, ok := msg.(map[string]any)
	if !ok {
		return msg
	}
	clean := make(map[string]any, len(m))
	for k, v := range m {
		clean[k] = v
	}
	switch content := m["content"].(type) {
	case string:
		if strings.TrimSpace(content) == "" {
			clean["content"] = placeholderText
		}
	case []any:
		clean["content"] = sanitizeParts(content)
	case nil:
		clean["content"] = placeholderText
	}
	return clean
}

func sanitizeParts(parts []any) []any {
	kept := make([]any, 0, len(parts))
	hasText := false
	for _, part := range parts {
		p, ok := part.(map[string]any)
		if !ok {
			kept = append(kept, part)
			continue
		}
		if isTextPart(p) {
			if strings.TrimSpace(types.TextOfPart(p)) == "" {
				continue
			}
			hasText = true
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 || !hasText {
		kept = append(kept, map[string]any{"type": types.PartText, "text": placeholderText})
	}
	return kept
}

func isTextPart(p map[string]any) bool {
	t, _ := p["type"].(string)
	return t == types.PartText || t == types.PartInputText
}
