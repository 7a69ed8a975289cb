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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI streams from the Responses API, translating the normalized
// chat-completions body into Responses input items and mapping the event
// stream back onto plain text and reasoning fragments.
type OpenAI struct {
	baseURL string
	client  *http.Client
}

// NewOpenAI creates the driver. An empty baseURL selects the public endpoint.
func NewOpenAI(baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAI{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (p *OpenAI) Name() string {
	return "openai"
}

func (p *OpenAI) Drive(ctx context.Context, req DriveRequest) error {
	payload, err := json.Marshal(p.buildPayload(req.Body))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

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
		data := scanner.Data()
		if data == "[DONE]" {
			return nil
		}

		var frame struct {
			Type     string         `json:"type"`
			Delta    string         `json:"delta"`
			Message  string         `json:"message"`
			Error    *upstreamError `json:"error"`
			Response struct {
				Error *upstreamError `json:"error"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "response.output_text.delta":
			if text := gate.Content(frame.Delta); text != "" {
				req.OnDelta(text, nil)
			}
		case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
			if text := gate.Reasoning(frame.Delta); text != "" {
				req.OnDelta(text, nil)
			}
		case "response.completed":
			return nil
		case "response.failed", "response.incomplete":
			return errors.New(frame.Response.Error.text(frame.Type))
		case "error":
			msg := frame.Message
			if msg == "" {
				msg = frame.Error.text("upstream error")
			}
			return errors.New(msg)
		}
	}
	return scanner.Err()
}

// buildPayload translates the normalized body into a Responses API request.
// A single message carrying plain string content passes through as the bare
// input string; everything else becomes typed input items.
func (p *OpenAI) buildPayload(body types.Body) map[string]any {
	payload := map[string]any{
		"model":  body.Model(),
		"stream": true,
		"input":  translateResponsesInput(body.Messages()),
	}
	if v, ok := body.Number("temperature"); ok {
		payload["temperature"] = v
	}
	if v, ok := body.Number("top_p"); ok {
		payload["top_p"] = v
	}
	if v, ok := body.Number("max_tokens"); ok {
		payload["max_output_tokens"] = v
	}
	if r := body.Reasoning(); r != nil {
		reasoning := map[string]any{}
		if effort, ok := r["effort"].(string); ok && effort != "" {
			reasoning["effort"] = effort
		}
		if len(reasoning) > 0 {
			payload["reasoning"] = reasoning
		}
	}
	if v := body.StringField("verbosity"); v != "" {
		payload["text"] = map[string]any{"verbosity": v}
	}
	return payload
}

func translateResponsesInput(messages []any) any {
	if len(messages) == 1 {
		if s, ok := types.MessageContent(messages[0]).(string); ok {
			return s
		}
	}

	items := make([]any, 0, len(messages))
	for _, msg := range messages {
		role := types.MessageRole(msg)
		var parts []any
		switch content := types.MessageContent(msg).(type) {
		case string:
			parts = []any{map[string]any{"type": "input_text", "text": content}}
		case []any:
			parts = make([]any, 0, len(content))
			for _, part := range content {
				switch types.PartType(part) {
				case types.PartText, types.PartInputText:
					parts = append(parts, map[string]any{
						"type": "input_text",
						"text": types.TextOfPart(part),
					})
				case types.PartImageURL, types.PartInputImage:
					if url := imageURLOf(part); url != "" {
						parts = append(parts, map[string]any{
							"type":      "input_image",
							"image_url": url,
						})
					}
				default:
					parts = append(parts, part)
				}
			}
		default:
			continue
		}
		items = append(items, map[string]any{"role": role, "content": parts})
	}
	return items
}
