package providers

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sune-org/us.proxy.sune.chat/logger"
	"github.com/sune-org/us.proxy.sune.chat/types"
)

// UppercaseSchemaTypes returns a copy of a JSON-schema tree with every
// string-valued "type" leaf uppercased, the casing the GenerativeLanguage API
// expects. Everything else is preserved verbatim.
func UppercaseSchemaTypes(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if key == "type" {
				if s, ok := val.(string); ok {
					out[key] = strings.ToUpper(s)
					continue
				}
			}
			out[key] = UppercaseSchemaTypes(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = UppercaseSchemaTypes(item)
		}
		return out
	default:
		return node
	}
}

// CheckResponseFormat compiles any JSON schema embedded in response_format
// and logs a warning when it does not compile. The body is forwarded either
// way; upstream validation stays authoritative.
func CheckResponseFormat(body types.Body) {
	format := body.ResponseFormat()
	if format == nil {
		return
	}
	schema := extractSchema(format)
	if schema == nil {
		return
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema)); err != nil {
		logger.Warn("⚠️ response_format schema does not compile", "error", err)
	}
}

// extractSchema digs the schema object out of a response_format value,
// accepting both the {json_schema: {schema: ...}} and the flat {schema: ...}
// layouts.
func extractSchema(format map[string]any) any {
	if js, ok := format["json_schema"].(map[string]any); ok {
		if inner, ok := js["schema"]; ok {
			return inner
		}
		return js
	}
	if s, ok := format["schema"]; ok {
		return s
	}
	return nil
}
