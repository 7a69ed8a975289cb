package providers

import (
	"strings"

	"github.com/sune-org/us.proxy.sune.chat/types"
)

// imageURLOf pulls the URL out of an image part, accepting both the flat
// {image_url: "..."} and the nested {image_url: {url: "..."}} layouts.
func imageURLOf(part any) string {
	p, ok := part.(map[string]any)
	if !ok {
		return ""
	}
	switch v := p["image_url"].(type) {
	case string:
		return v
	case map[string]any:
		u, _ := v["url"].(string)
		return u
	}
	u, _ := p["url"].(string)
	return u
}

// parseDataURL splits a data:<mime>;base64,<payload> URL into its media type
// and base64 payload.
func parseDataURL(u string) (mime, data string, ok bool) {
	if !strings.HasPrefix(u, "data:") {
		return "", "", false
	}
	meta, payload, found := strings.Cut(u[len("data:"):], ",")
	if !found {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	if mime == meta {
		return "", "", false
	}
	return mime, payload, true
}

// flattenText collapses a message's content to plain text, joining text parts
// with newlines. Used for channels that only accept strings, like the
// Anthropic system field.
func flattenText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		parts := make([]string, 0, len(c))
		for _, part := range c {
			if text := types.TextOfPart(part); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
