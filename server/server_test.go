package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sune-org/us.proxy.sune.chat/providers"
	"github.com/sune-org/us.proxy.sune.chat/runs"
	"github.com/sune-org/us.proxy.sune.chat/statestore"
	"github.com/sune-org/us.proxy.sune.chat/types"
)

// driverFunc scripts the upstream driver for a test.
type driverFunc struct {
	fn func(ctx context.Context, req providers.DriveRequest) error
}

func (d driverFunc) Name() string { return "scripted" }

func (d driverFunc) Drive(ctx context.Context, req providers.DriveRequest) error {
	return d.fn(ctx, req)
}

type resolverFunc func(name string) providers.Driver

func (f resolverFunc) ForName(name string) providers.Driver { return f(name) }

func newTestServer(t *testing.T, drive func(ctx context.Context, req providers.DriveRequest) error) *httptest.Server {
	t.Helper()
	if drive == nil {
		drive = func(context.Context, providers.DriveRequest) error { return nil }
	}

	coord := runs.NewCoordinator(
		statestore.NewMemoryStore(),
		resolverFunc(func(string) providers.Driver { return driverFunc{fn: drive} }),
		runs.WithSweepInterval(time.Hour),
	)
	t.Cleanup(coord.Close)

	ts := httptest.NewServer(NewServer(coord).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?uid=" + uid
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func waitDone(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		require.NotEqual(t, types.FrameErr, frame["type"])
		if frame["type"] == types.FrameDone {
			return
		}
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func beginEnvelope(rid string) map[string]any {
	return map[string]any{
		"type":   "begin",
		"rid":    rid,
		"apiKey": "sk-test",
		"model":  "test-model",
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
		},
	}
}

func TestSessionStreamsRunToDone(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, req providers.DriveRequest) error {
		req.OnDelta("Hello, ", nil)
		req.OnDelta("world.", nil)
		return nil
	})

	conn := dialWS(t, ts, "u1")
	require.NoError(t, conn.WriteJSON(beginEnvelope("r1")))

	var text strings.Builder
	for {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case types.FrameDelta:
			text.WriteString(frame["text"].(string))
		case types.FrameDone:
			assert.Equal(t, "Hello, world.", text.String())
			return
		default:
			t.Fatalf("unexpected frame %v", frame)
		}
	}
}

func TestSessionReportsFailure(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, req providers.DriveRequest) error {
		req.OnDelta("partial", nil)
		return errors.New("upstream exploded")
	})

	conn := dialWS(t, ts, "u1")
	require.NoError(t, conn.WriteJSON(beginEnvelope("r1")))

	sawTrailer := false
	for {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case types.FrameDelta:
			if strings.Contains(frame["text"].(string), "Run failed: upstream exploded") {
				sawTrailer = true
			}
		case types.FrameErr:
			assert.Equal(t, "upstream exploded", frame["message"])
			assert.True(t, sawTrailer, "failure trailer should flush before the err frame")
			return
		default:
			t.Fatalf("unexpected frame %v", frame)
		}
	}
}

func TestSessionStop(t *testing.T) {
	started := make(chan struct{})
	ts := newTestServer(t, func(ctx context.Context, req providers.DriveRequest) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	conn := dialWS(t, ts, "u1")
	require.NoError(t, conn.WriteJSON(beginEnvelope("r1")))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("driver never started")
	}
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "stop", "rid": "r1"}))

	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameDone, frame["type"])
}

func TestSessionBusy(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	ts := newTestServer(t, func(ctx context.Context, req providers.DriveRequest) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	conn := dialWS(t, ts, "u1")
	require.NoError(t, conn.WriteJSON(beginEnvelope("r1")))
	require.NoError(t, conn.WriteJSON(beginEnvelope("r2")))

	frame := readFrame(t, conn)
	require.Equal(t, types.FrameErr, frame["type"])
	assert.Equal(t, types.ErrBusy, frame["message"])
}

func TestSessionProtocolErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts, "u1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, types.ErrBadJSON, readFrame(t, conn)["message"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "mystery"}))
	assert.Equal(t, types.ErrBadType, readFrame(t, conn)["message"])

	env := beginEnvelope("")
	require.NoError(t, conn.WriteJSON(env))
	assert.Equal(t, types.ErrMissingFields, readFrame(t, conn)["message"])

	// The session survives protocol errors; a valid begin still works.
	require.NoError(t, conn.WriteJSON(beginEnvelope("r1")))
	frame := readFrame(t, conn)
	assert.Equal(t, types.FrameDone, frame["type"])
}

func TestSessionMissingFields(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialWS(t, ts, "u1")

	cases := []map[string]any{
		{"type": "begin", "apiKey": "k", "model": "m", "messages": []any{map[string]any{"role": "user", "content": "x"}}},
		{"type": "begin", "rid": "r1", "model": "m", "messages": []any{map[string]any{"role": "user", "content": "x"}}},
		{"type": "begin", "rid": "r1", "apiKey": "k", "model": "m"},
	}
	for i, env := range cases {
		require.NoError(t, conn.WriteJSON(env))
		assert.Equal(t, types.ErrMissingFields, readFrame(t, conn)["message"], "case %d", i)
	}
}

func TestSessionReplayAfterReconnect(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, func(ctx context.Context, req providers.DriveRequest) error {
		req.OnDelta("first part. ", nil)
		<-release
		req.OnDelta("second part.", nil)
		return nil
	})

	conn := dialWS(t, ts, "u1")
	require.NoError(t, conn.WriteJSON(beginEnvelope("r1")))

	first := readFrame(t, conn)
	require.Equal(t, types.FrameDelta, first["type"])
	require.Equal(t, "first part. ", first["text"])
	require.NoError(t, conn.Close())

	close(release)

	conn2 := dialWS(t, ts, "u1")
	env := beginEnvelope("r1")
	env["after"] = first["seq"]
	require.NoError(t, conn2.WriteJSON(env))

	var text strings.Builder
	for {
		frame := readFrame(t, conn2)
		switch frame["type"] {
		case types.FrameDelta:
			assert.Greater(t, frame["seq"].(float64), first["seq"].(float64))
			text.WriteString(frame["text"].(string))
		case types.FrameDone:
			assert.Equal(t, "second part.", text.String())
			return
		default:
			t.Fatalf("unexpected frame %v", frame)
		}
	}
}

func TestPollLifecycle(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, req providers.DriveRequest) error {
		req.OnDelta("all done", nil)
		return nil
	})

	var idle types.PollResponse
	getJSON(t, ts.URL+"/ws?uid=u1", &idle)
	assert.Nil(t, idle.RID)
	assert.Equal(t, int64(-1), idle.Seq)
	assert.Equal(t, types.PhaseIdle, idle.Phase)
	assert.False(t, idle.Done)
	assert.NotNil(t, idle.Images)

	conn := dialWS(t, ts, "u1")
	require.NoError(t, conn.WriteJSON(beginEnvelope("r1")))
	waitDone(t, conn)

	var got types.PollResponse
	getJSON(t, ts.URL+"/ws?uid=u1", &got)
	require.NotNil(t, got.RID)
	assert.Equal(t, "r1", *got.RID)
	assert.Equal(t, types.PhaseDone, got.Phase)
	assert.True(t, got.Done)
	assert.Equal(t, "all done", got.Text)
}

func TestPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/ws", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization", resp.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "86400", resp.Header.Get("Access-Control-Max-Age"))
}

func TestUIDRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, target := range []string{"/ws", "/ws?uid=", "/ws?uid=%21%40%23"} {
		resp, err := http.Get(ts.URL + target)
		require.NoError(t, err)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, target)
		assert.Equal(t, "uid is required", body["error"], target)
	}
}

func TestUIDSanitizedBeforeUse(t *testing.T) {
	ts := newTestServer(t, func(ctx context.Context, req providers.DriveRequest) error {
		req.OnDelta("ok", nil)
		return nil
	})

	conn := dialWS(t, ts, "u.1.")
	require.NoError(t, conn.WriteJSON(beginEnvelope("r1")))
	waitDone(t, conn)

	var got types.PollResponse
	getJSON(t, ts.URL+"/ws?uid=u1", &got)
	require.NotNil(t, got.RID)
	assert.Equal(t, "r1", *got.RID)
}

func TestOriginPolicy(t *testing.T) {
	ts := newTestServer(t, nil)

	cases := []struct {
		origin string
		status int
	}{
		{"https://sune.planetrenox.com", http.StatusOK},
		{"https://sune.chat", http.StatusOK},
		{"https://someone.github.io", http.StatusOK},
		{"https://evil.example.com", http.StatusForbidden},
		{"https://github.io", http.StatusForbidden},
		{"https://sune.chat.evil.com", http.StatusForbidden},
		{"garbage", http.StatusForbidden},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/ws?uid=u1", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", tc.origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tc.status, resp.StatusCode, tc.origin)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/ws?uid=u1", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUnknownPath(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/somewhere")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownClosesSessions(t *testing.T) {
	coord := runs.NewCoordinator(
		statestore.NewMemoryStore(),
		resolverFunc(func(string) providers.Driver {
			return driverFunc{fn: func(context.Context, providers.DriveRequest) error { return nil }}
		}),
		runs.WithSweepInterval(time.Hour),
	)
	t.Cleanup(coord.Close)

	srv := NewServer(coord)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dialWS(t, ts, "u1")
	require.Eventually(t, func() bool {
		srv.connsMu.Lock()
		defer srv.connsMu.Unlock()
		return len(srv.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestCleanUID(t *testing.T) {
	long := strings.Repeat("a", 100)
	cases := []struct{ in, want string }{
		{"user_1-A", "user_1-A"},
		{"u.1.", "u1"},
		{"../../etc", "etc"},
		{"日本語", ""},
		{long, long[:maxUIDLen]},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, cleanUID(tc.in), tc.in)
	}
}

func TestBeginBody(t *testing.T) {
	t.Run("or_body taken verbatim", func(t *testing.T) {
		env := map[string]any{
			"or_body": map[string]any{"model": "m", "stream": false},
			"model":   "ignored",
			"temperature": 0.9,
		}
		body := beginBody(env)
		assert.Equal(t, "m", body.Model())
		assert.Equal(t, false, body["stream"])
		_, hasTemp := body["temperature"]
		assert.False(t, hasTemp)
	})

	t.Run("synthesized from envelope", func(t *testing.T) {
		env := map[string]any{
			"model":       "m",
			"messages":    []any{map[string]any{"role": "user", "content": "hi"}},
			"temperature": 0.5,
			"reasoning":   map[string]any{"effort": "low"},
			"apiKey":      "sk-secret",
		}
		body := beginBody(env)
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, "m", body.Model())
		assert.True(t, body.HasMessages())
		assert.Equal(t, 0.5, body["temperature"])
		assert.Equal(t, map[string]any{"effort": "low"}, body["reasoning"])
		_, leaked := body["apiKey"]
		assert.False(t, leaked, "credentials must never enter the body")
	})
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed("https://SUNE.CHAT"))
	assert.True(t, originAllowed("http://sune.planetrenox.com:8080"))
	assert.False(t, originAllowed(""))
	assert.False(t, originAllowed("https://"))
}
