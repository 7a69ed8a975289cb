package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/sune-org/us.proxy.sune.chat/types"
)

// sseHandler serves the given frames as one SSE response after letting the
// test inspect the decoded request.
func sseHandler(t *testing.T, check func(r *http.Request, payload map[string]any), frames ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("Decode request body: %v", err)
		}
		if check != nil {
			check(r, payload)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func TestOpenRouter_StreamsDeltas(t *testing.T) {
	server := httptest.NewServer(sseHandler(t,
		func(r *http.Request, payload map[string]any) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("Path: got %q, want /chat/completions", r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
				t.Errorf("Authorization: got %q", got)
			}
			if payload["model"] != "some/model" {
				t.Errorf("Model: got %v", payload["model"])
			}
			// The body is forwarded verbatim, escape hatches included.
			if payload["custom_field"] != "kept" {
				t.Errorf("custom_field: got %v", payload["custom_field"])
			}
		},
		`{"choices":[{"delta":{"reasoning":"think"}}]}`,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`[DONE]`,
	))
	defer server.Close()

	driver := NewOpenRouter(server.URL)
	var texts []string
	err := driver.Drive(context.Background(), DriveRequest{
		APIKey: "test-key",
		Body: types.Body{
			"model":        "some/model",
			"messages":     []any{map[string]any{"role": "user", "content": "hi"}},
			"stream":       true,
			"custom_field": "kept",
		},
		OnDelta:   func(text string, _ []json.RawMessage) { texts = append(texts, text) },
		IsRunning: func() bool { return true },
	})

	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	want := []string{"think", "\nHello", " world"}
	if !reflect.DeepEqual(texts, want) {
		t.Errorf("Got %v, want %v", texts, want)
	}
}

func TestOpenRouter_ForwardsImages(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, nil,
		`{"choices":[{"delta":{"images":[{"type":"image_url","image_url":{"url":"data:image/png;base64,AA=="}}]}}]}`,
		`[DONE]`,
	))
	defer server.Close()

	var gotText string
	var gotImages []json.RawMessage
	err := NewOpenRouter(server.URL).Drive(context.Background(), DriveRequest{
		APIKey: "k",
		Body:   types.Body{"model": "m", "messages": []any{}, "stream": true},
		OnDelta: func(text string, images []json.RawMessage) {
			gotText = text
			gotImages = images
		},
		IsRunning: func() bool { return true },
	})

	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if gotText != "" {
		t.Errorf("Text: got %q, want empty", gotText)
	}
	if len(gotImages) != 1 {
		t.Fatalf("Images: got %d, want 1", len(gotImages))
	}
	if !strings.Contains(string(gotImages[0]), "base64,AA==") {
		t.Errorf("Image payload not forwarded verbatim: %s", gotImages[0])
	}
}

func TestOpenRouter_ErrorFrame(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, nil,
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		`{"error":{"message":"rate limited"}}`,
	))
	defer server.Close()

	err := NewOpenRouter(server.URL).Drive(context.Background(), DriveRequest{
		APIKey:    "k",
		Body:      types.Body{"model": "m", "messages": []any{}, "stream": true},
		OnDelta:   func(string, []json.RawMessage) {},
		IsRunning: func() bool { return true },
	})

	if err == nil || err.Error() != "rate limited" {
		t.Errorf("Got %v, want rate limited", err)
	}
}

func TestOpenRouter_SkipsUndecodableFrames(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, nil,
		`{not json`,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`[DONE]`,
	))
	defer server.Close()

	var texts []string
	err := NewOpenRouter(server.URL).Drive(context.Background(), DriveRequest{
		APIKey:    "k",
		Body:      types.Body{"model": "m", "messages": []any{}, "stream": true},
		OnDelta:   func(text string, _ []json.RawMessage) { texts = append(texts, text) },
		IsRunning: func() bool { return true },
	})

	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if !reflect.DeepEqual(texts, []string{"ok"}) {
		t.Errorf("Got %v, want [ok]", texts)
	}
}

func TestOpenRouter_UpstreamStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	err := NewOpenRouter(server.URL).Drive(context.Background(), DriveRequest{
		APIKey:    "k",
		Body:      types.Body{"model": "m", "messages": []any{}, "stream": true},
		OnDelta:   func(string, []json.RawMessage) {},
		IsRunning: func() bool { return true },
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "slow down") {
		t.Errorf("Error missing status or body: %v", err)
	}
}

func TestOpenRouter_StopsWhenNotRunning(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, nil,
		`{"choices":[{"delta":{"content":"one"}}]}`,
		`{"choices":[{"delta":{"content":"two"}}]}`,
		`{"choices":[{"delta":{"content":"three"}}]}`,
		`[DONE]`,
	))
	defer server.Close()

	running := true
	var texts []string
	err := NewOpenRouter(server.URL).Drive(context.Background(), DriveRequest{
		APIKey: "k",
		Body:   types.Body{"model": "m", "messages": []any{}, "stream": true},
		OnDelta: func(text string, _ []json.RawMessage) {
			texts = append(texts, text)
			running = false
		},
		IsRunning: func() bool { return running },
	})

	if err != nil {
		t.Fatalf("Drive: %v", err)
	}
	if len(texts) != 1 {
		t.Errorf("Expected the stream to stop after one delta, got %v", texts)
	}
}
