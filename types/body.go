package types

// Body is a normalized provider request as decoded JSON. It always carries
// model, messages, and stream:true; scalar tuning fields (temperature,
// top_p, max_tokens, reasoning, verbosity, response_format) and any
// provider-specific escape hatches ride along untouched. Keeping the map
// representation means the OpenRouter driver can forward the body verbatim,
// unknown fields included.
type Body map[string]any

// Message roles understood by the adapters.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part types understood by the adapters.
const (
	PartText       = "text"
	PartInputText  = "input_text"
	PartImageURL   = "image_url"
	PartInputImage = "input_image"
	PartFile       = "file"
)

// Model returns the model identifier, or "" when absent.
func (b Body) Model() string {
	s, _ := b["model"].(string)
	return s
}

// Messages returns the messages array, or nil when absent.
func (b Body) Messages() []any {
	m, _ := b["messages"].([]any)
	return m
}

// HasMessages reports whether a messages field is present at all. An empty
// array counts as present; only absence (or a non-array value) fails the
// begin validation.
func (b Body) HasMessages() bool {
	_, ok := b["messages"].([]any)
	return ok
}

// SetMessages installs a messages array. The coordinator calls this exactly
// once, with the sanitized slice, before the body is persisted or handed to
// a driver.
func (b Body) SetMessages(msgs []any) {
	b["messages"] = msgs
}

// Reasoning returns the reasoning options object, or nil.
func (b Body) Reasoning() map[string]any {
	r, _ := b["reasoning"].(map[string]any)
	return r
}

// ReasoningExcluded reports whether reasoning output must be withheld from
// the delta stream (reasoning.exclude == true).
func (b Body) ReasoningExcluded() bool {
	r := b.Reasoning()
	if r == nil {
		return false
	}
	ex, _ := r["exclude"].(bool)
	return ex
}

// ReasoningEnabled reports whether the client asked for a reasoning channel
// (reasoning.enabled == true).
func (b Body) ReasoningEnabled() bool {
	r := b.Reasoning()
	if r == nil {
		return false
	}
	on, _ := r["enabled"].(bool)
	return on
}

// ResponseFormat returns the response_format object, or nil.
func (b Body) ResponseFormat() map[string]any {
	f, _ := b["response_format"].(map[string]any)
	return f
}

// Number returns a numeric field as float64. JSON decoding yields float64;
// int is accepted for bodies built programmatically.
func (b Body) Number(key string) (float64, bool) {
	switch v := b[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// StringField returns a string field, or "" when absent.
func (b Body) StringField(key string) string {
	s, _ := b[key].(string)
	return s
}

// MessageRole extracts the role of a decoded message object.
func MessageRole(msg any) string {
	m, ok := msg.(map[string]any)
	if !ok {
		return ""
	}
	role, _ := m["role"].(string)
	return role
}

// MessageContent extracts the content of a decoded message object: either a
// string or a []any of parts.
func MessageContent(msg any) any {
	m, ok := msg.(map[string]any)
	if !ok {
		return nil
	}
	return m["content"]
}

// PartType extracts the type of a decoded content part.
func PartType(part any) string {
	p, ok := part.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := p["type"].(string)
	return t
}

// TextOfPart extracts the text of a text-like content part.
func TextOfPart(part any) string {
	p, ok := part.(map[string]any)
	if !ok {
		return ""
	}
	t, _ := p["text"].(string)
	return t
}
