package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sune-org/us.proxy.sune.chat/logger"
	"github.com/sune-org/us.proxy.sune.chat/types"
)

const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Google streams from the GenerativeLanguage API. Roles collapse to
// user/model with adjacent same-role turns merged, JSON response formats map
// to responseMimeType plus an uppercased schema, and a :online model suffix
// turns on the web-search tool. Thought parts feed the reasoning channel and
// inlineData parts are forwarded as opaque image payloads.
type Google struct {
	baseURL string
	client  *http.Client
}

// NewGoogle creates the driver. An empty baseURL selects the public endpoint.
func NewGoogle(baseURL string) *Google {
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}
	return &Google{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (p *Google) Name() string {
	return "google"
}

func (p *Google) Drive(ctx context.Context, req DriveRequest) error {
	model, body := p.buildPayload(req.Body)
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-goog-api-key", req.APIKey)

	logger.ProviderRequest(p.Name(), http.MethodPost, url)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readErrorBody(p.Name(), resp)
	}

	gate := newReasoningGate(req.Body)
	scanner := NewEventScanner(resp.Body)
	for scanner.Scan() {
		if !req.IsRunning() {
			return nil
		}

		var frame struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text       string          `json:"text"`
						Thought    bool            `json:"thought"`
						InlineData json.RawMessage `json:"inlineData"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
			Error *upstreamError `json:"error"`
		}
		if err := json.Unmarshal([]byte(scanner.Data()), &frame); err != nil {
			continue
		}
		if frame.Error != nil && frame.Error.Message != "" {
			return errors.New(frame.Error.Message)
		}
		if len(frame.Candidates) == 0 {
			continue
		}

		var text strings.Builder
		var images []json.RawMessage
		for _, part := range frame.Candidates[0].Content.Parts {
			if part.Thought {
				text.WriteString(gate.Reasoning(part.Text))
			} else {
				text.WriteString(gate.Content(part.Text))
			}
			if len(part.InlineData) > 0 {
				images = append(images, part.InlineData)
			}
		}
		if text.Len() > 0 || len(images) > 0 {
			req.OnDelta(text.String(), images)
		}
	}
	return scanner.Err()
}

// buildPayload translates the normalized body. It returns the model to
// address (with any :online suffix stripped) alongside the request payload.
func (p *Google) buildPayload(body types.Body) (string, map[string]any) {
	model := body.Model()
	var tools []any
	if strings.HasSuffix(model, ":online") {
		model = strings.TrimSuffix(model, ":online")
		tools = append(tools, map[string]any{"googleSearch": map[string]any{}})
	}

	contents := make([]map[string]any, 0, len(body.Messages()))
	for _, msg := range body.Messages() {
		role := "user"
		if types.MessageRole(msg) == types.RoleAssistant {
			role = "model"
		}
		parts := googleParts(types.MessageContent(msg))
		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1]["role"] == role {
			contents[n-1]["parts"] = append(contents[n-1]["parts"].([]any), parts...)
			continue
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	// The API requires the conversation to end on a user turn.
	if n := len(contents); n > 0 && contents[n-1]["role"] != "user" {
		contents = contents[:n-1]
	}

	payload := map[string]any{"contents": contents}

	config := map[string]any{}
	if v, ok := body.Number("temperature"); ok {
		config["temperature"] = v
	}
	if v, ok := body.Number("top_p"); ok {
		config["topP"] = v
	}
	if v, ok := body.Number("max_tokens"); ok {
		config["maxOutputTokens"] = v
	}
	if format := body.ResponseFormat(); format != nil {
		if t, _ := format["type"].(string); strings.HasPrefix(t, "json") {
			config["responseMimeType"] = "application/json"
			if schema := extractSchema(format); schema != nil {
				config["responseSchema"] = UppercaseSchemaTypes(schema)
			}
		}
	}
	if len(config) > 0 {
		payload["generationConfig"] = config
	}
	if len(tools) > 0 {
		payload["tools"] = tools
	}
	return model, payload
}

// googleParts converts message content to GenerativeLanguage parts. Only
// data: image URLs can be attached inline; other image URLs are dropped.
func googleParts(content any) []any {
	switch c := content.(type) {
	case string:
		return []any{map[string]any{"text": c}}
	case []any:
		parts := make([]any, 0, len(c))
		for _, part := range c {
			switch types.PartType(part) {
			case types.PartText, types.PartInputText:
				parts = append(parts, map[string]any{"text": types.TextOfPart(part)})
			case types.PartImageURL, types.PartInputImage:
				url := imageURLOf(part)
				if mime, data, ok := parseDataURL(url); ok {
					parts = append(parts, map[string]any{
						"inlineData": map[string]any{
							"mimeType": mime,
							"data":     data,
						},
					})
				}
			}
		}
		return parts
	}
	return nil
}
