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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"

	// anthropicMaxTokens applies when the client sets no max_tokens; the
	// Messages API rejects requests without one.
	anthropicMaxTokens = 64000

	// anthropicThinkingBudget is the token budget used when reasoning is
	// enabled without an explicit budget.
	anthropicThinkingBudget = 10000
)

// Anthropic streams from the Messages API. System messages are folded into
// the top-level system field, data: image URLs become base64 source blocks,
// and thinking deltas feed the reasoning channel.
type Anthropic struct {
	baseURL string
	client  *http.Client
}

// NewAnthropic creates the driver. An empty baseURL selects the public
// endpoint.
func NewAnthropic(baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &Anthropic{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (p *Anthropic) Name() string {
	return "anthropic"
}

func (p *Anthropic) Drive(ctx context.Context, req DriveRequest) error {
	payload, err := json.Marshal(p.buildPayload(req.Body))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", req.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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
			Type  string `json:"type"`
			Delta struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				Thinking string `json:"thinking"`
			} `json:"delta"`
			Error *upstreamError `json:"error"`
		}
		if err := json.Unmarshal([]byte(scanner.Data()), &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "content_block_delta":
			var text string
			switch frame.Delta.Type {
			case "text_delta":
				text = gate.Content(frame.Delta.Text)
			case "thinking_delta":
				text = gate.Reasoning(frame.Delta.Thinking)
			}
			if text != "" {
				req.OnDelta(text, nil)
			}
		case "message_stop":
			return nil
		case "error":
			return errors.New(frame.Error.text("upstream error"))
		}
	}
	return scanner.Err()
}

// buildPayload translates the normalized body into a Messages API request.
func (p *Anthropic) buildPayload(body types.Body) map[string]any {
	payload := map[string]any{
		"model":  body.Model(),
		"stream": true,
	}

	var system []string
	messages := make([]any, 0, len(body.Messages()))
	for _, msg := range body.Messages() {
		role := types.MessageRole(msg)
		content := types.MessageContent(msg)
		if role == types.RoleSystem {
			if text := flattenText(content); text != "" {
				system = append(system, text)
			}
			continue
		}
		messages = append(messages, map[string]any{
			"role":    role,
			"content": anthropicContent(content),
		})
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	payload["messages"] = messages

	maxTokens := float64(anthropicMaxTokens)
	if v, ok := body.Number("max_tokens"); ok {
		maxTokens = v
	}
	payload["max_tokens"] = maxTokens
	if v, ok := body.Number("temperature"); ok {
		payload["temperature"] = v
	}
	if v, ok := body.Number("top_p"); ok {
		payload["top_p"] = v
	}

	if body.ReasoningEnabled() {
		budget := float64(anthropicThinkingBudget)
		if r := body.Reasoning(); r != nil {
			if v, ok := r["max_thinking_tokens"].(float64); ok {
				budget = v
			}
		}
		payload["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": budget,
		}
	}
	return payload
}

// anthropicContent converts message content to Messages API blocks. String
// content passes through; part arrays become text and image blocks, with
// data: URLs decoded into base64 sources and plain URLs into url sources.
func anthropicContent(content any) any {
	parts, ok := content.([]any)
	if !ok {
		return content
	}
	blocks := make([]any, 0, len(parts))
	for _, part := range parts {
		switch types.PartType(part) {
		case types.PartText, types.PartInputText:
			blocks = append(blocks, map[string]any{
				"type": "text",
				"text": types.TextOfPart(part),
			})
		case types.PartImageURL, types.PartInputImage:
			url := imageURLOf(part)
			if url == "" {
				continue
			}
			if mime, data, ok := parseDataURL(url); ok {
				blocks = append(blocks, map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": mime,
						"data":       data,
					},
				})
				continue
			}
			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type": "url",
					"url":  url,
				},
			})
		}
	}
	return blocks
}
