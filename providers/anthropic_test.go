package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/sune-org/us.proxy.sune.chat/types"
)

func TestAnthropic_BuildPayload(t *testing.T) {
	body := types.Body{
		"model":  "claude-x",
		"stream": true,
		"messages": []any{
			map[string]any{"role": "system", "content": "be brief"},
			map[string]any{"role": "system", "content": "be kind"},
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "what is this"},
				map[string]any{"type": "image_url", "image_url": "data:image/png;base64,iVBOR"},
			}},
			map[string]any{"role": "assistant", "content": "a picture"},
		},
	}

	payload := NewAnthropic("").buildPayload(body)

	if payload["system"] != "be brief\n\nbe kind" {
		t.Errorf("system: got %q", payload["system"])
	}
	if payload["max_tokens"] != float64(64000) {
		t.Errorf("max_tokens default: got %v", payload["max_tokens"])
	}

	messages := payload["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 non-system messages, got %d", len(messages))
	}

	blocks := messages[0].(map[string]any)["content"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("Expected 2 blocks, got %d", len(blocks))
	}
	wantImage := map[string]any{
		"type": "image",
		"source": map[string]any{
			"type":       "base64",
			"media_type": "image/png",
			"data":       "iVBOR",
		},
	}
	if !reflect.DeepEqual(blocks[1], wantImage) {
		t.Errorf("Image block: got %v,\nwant %v", blocks[1], wantImage)
	}

	// String content passes through untouched.
	if got := messages[1].(map[string]any)["content"]; got != "a picture" {
		t.Errorf("Assistant content: got %v", got)
	}
}

func TestAnthropic_BuildPayload_Thinking(t *testing.T) {
	t.Run("default budget", func(t *testing.T) {
		payload := NewAnthropic("").buildPayload(types.Body{
			"model":     "claude-x",
			"messages":  []any{},
			"stream":    true,
			"reasoning": map[string]any{"enabled": true},
		})
		thinking := payload["thinking"].(map[string]any)
		if thinking["type"] != "enabled" || thinking["budget_tokens"] != float64(10000) {
			t.Errorf("Got %v", thinking)
		}
	})

	t.Run("explicit budget", func(t *testing.T) {
		payload := NewAnthropic("").buildPayload(types.Body{
			"model":     "claude-x",
			"messages":  []any{},
			"stream":    true,
			"reasoning": map[string]any{"enabled": true, "max_thinking_tokens": float64(2048)},
		})
		if got := payload["thinking"].(map[string]any)["budget_tokens"]; got != float64(2048) {
			t.Errorf("budget_tokens: got %v", got)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		payload := NewAnthropic("").buildPayload(types.Body{
			"model":    "claude-x",
			"messages": []any{},
			"stream":   true,
		})
		if _, present := payload["thinking"]; present {
			t.Error("thinking must be absent when reasoning is not enabled")
		}
	})
}

func TestAnthropic_StreamsMessagesEvents(t *testing.T) {
	server := httptest.NewServer(sseHandler(t,
		func(r *http.Request, payload map[string]any) {
			if r.URL.Path != "/messages" {
				t.Errorf("Path: got %q, want /messages", r.URL.Path)
			}
			if got := r.Header.Get("x-api-key"); got != "test-key" {
				t.Errorf("x-api-key: got %q", got)
			}
			if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
				t.Errorf("anthropic-version: got %q", got)
			}
		},
		`{"type":"message_start"}`,
		`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":" there"}}`,
		`{"type":"message_stop"}`,
	))
	defer server.Close()

	var texts []string
	err := NewAnthropic(server.URL).Drive(context.Background(), DriveRequest{
		APIKey:    "test-key",
		Body:      types.Body{"model": "claude-x", "messages": []any{map[string]any{"role": "user", "content": "hi"}}, "stream": true},
		OnDelta:   func(text string, _ []json.RawMessage) { texts = append(texts, text) },
		IsRunning: func() bool { return true },
	})

	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	want := []string{"hmm", "\nHi", " there"}
	if !reflect.DeepEqual(texts, want) {
		t.Errorf("Got %v, want %v", texts, want)
	}
}

func TestAnthropic_ErrorEvent(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, nil,
		`{"type":"error","error":{"message":"overloaded"}}`,
	))
	defer server.Close()

	err := NewAnthropic(server.URL).Drive(context.Background(), DriveRequest{
		APIKey:    "k",
		Body:      types.Body{"model": "claude-x", "messages": []any{}, "stream": true},
		OnDelta:   func(string, []json.RawMessage) {},
		IsRunning: func() bool { return true },
	})

	if err == nil || err.Error() != "overloaded" {
		t.Errorf("Got %v, want overloaded", err)
	}
}
