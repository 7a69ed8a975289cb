package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sune-org/us.proxy.sune.chat/logger"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouter streams chat completions from the OpenRouter gateway. The
// normalized body is already in OpenRouter's dialect, so it is forwarded
// verbatim. This driver is also the fallback for unknown provider selectors.
type OpenRouter struct {
	baseURL string
	client  *http.Client
}

// NewOpenRouter creates the driver. An empty baseURL selects the public
// endpoint. The client carries no overall timeout: streams legitimately run
// for minutes and are bounded by the caller's context instead.
func NewOpenRouter(baseURL string) *OpenRouter {
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	return &OpenRouter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (p *OpenRouter) Name() string {
	return "openrouter"
}

func (p *OpenRouter) Drive(ctx context.Context, req DriveRequest) error {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
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
			Choices []struct {
				Delta struct {
					Content   string            `json:"content"`
					Reasoning string            `json:"reasoning"`
					Images    []json.RawMessage `json:"images"`
				} `json:"delta"`
			} `json:"choices"`
			Error *upstreamError `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if frame.Error != nil && frame.Error.Message != "" {
			return errors.New(frame.Error.Message)
		}
		if len(frame.Choices) == 0 {
			continue
		}
		delta := frame.Choices[0].Delta
		text := gate.Reasoning(delta.Reasoning) + gate.Content(delta.Content)
		if text != "" || len(delta.Images) > 0 {
			req.OnDelta(text, delta.Images)
		}
	}
	return scanner.Err()
}

// readErrorBody turns a non-200 response into an error carrying up to
// maxErrorBody bytes of the upstream's explanation.
func readErrorBody(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	err := fmt.Errorf("%s: status %d: %s", name, resp.StatusCode, msg)
	logger.ProviderError(name, err, "status", resp.StatusCode)
	return err
}
