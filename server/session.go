package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sune-org/us.proxy.sune.chat/logger"
	"github.com/sune-org/us.proxy.sune.chat/runs"
	"github.com/sune-org/us.proxy.sune.chat/types"
)

const (
	// writeWait is the deadline for a single outbound frame.
	writeWait = 10 * time.Second

	// pongWait is how long a socket may stay silent before the read loop
	// gives up on it. Pongs and data frames both refresh it.
	pongWait = 60 * time.Second

	// pingInterval must be shorter than pongWait so a healthy client always
	// has a pong in flight before the deadline hits.
	pingInterval = 20 * time.Second

	// maxFrameBytes bounds a single inbound frame. Bodies carry inline
	// images, so this is deliberately generous.
	maxFrameBytes = 16 << 20
)

// passthroughFields are envelope keys copied verbatim into a synthesized
// request body when the client does not send or_body.
var passthroughFields = []string{
	"temperature",
	"top_p",
	"max_tokens",
	"reasoning",
	"verbosity",
	"response_format",
}

// wsSocket adapts one WebSocket connection to the coordinator's Socket
// interface. gorilla/websocket allows a single concurrent writer, and frames
// arrive from flush, replay and session goroutines, so every write
// serializes on writeMu.
type wsSocket struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{id: uuid.NewString(), conn: conn}
}

func (ws *wsSocket) ID() string { return ws.id }

func (ws *wsSocket) SendDelta(d *types.Delta) error {
	return ws.send(types.NewDeltaFrame(d))
}

func (ws *wsSocket) SendDone() error {
	return ws.send(types.NewDoneFrame())
}

func (ws *wsSocket) SendErr(message string) error {
	return ws.send(types.NewErrFrame(message))
}

func (ws *wsSocket) send(frame any) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := ws.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.conn.WriteJSON(frame)
}

// serveSession upgrades the request and runs the socket protocol until the
// client goes away or the server shuts down.
func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, uid string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logger.Warn("websocket upgrade failed", "uid", uid, "error", err)
		return
	}

	sock := newWSSocket(conn)
	s.trackConn(sock.id, conn)
	s.coord.Attach(uid, sock)
	defer func() {
		s.coord.Detach(uid, sock.id)
		s.untrackConn(sock.id)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go pingLoop(conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("socket read ended", "uid", uid, "socket_id", sock.id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(r.Context(), uid, sock, data)
	}
}

// pingLoop keeps the connection alive through idle stretches of a long run.
// WriteControl is safe to call concurrently with WriteJSON.
func pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// dispatch decodes one inbound frame and routes it by type. Protocol errors
// are answered on the socket and never tear the session down.
func (s *Server) dispatch(ctx context.Context, uid string, sock *wsSocket, data []byte) {
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		_ = sock.SendErr(types.ErrBadJSON)
		return
	}

	frameType, _ := env["type"].(string)
	switch frameType {
	case "begin":
		s.handleBegin(ctx, uid, sock, env)
	case "stop":
		rid, _ := env["rid"].(string)
		s.coord.Stop(uid, rid)
	default:
		_ = sock.SendErr(types.ErrBadType)
	}
}

// handleBegin validates a begin envelope and hands it to the coordinator.
func (s *Server) handleBegin(ctx context.Context, uid string, sock *wsSocket, env map[string]any) {
	rid, _ := env["rid"].(string)
	apiKey, _ := env["apiKey"].(string)
	provider, _ := env["provider"].(string)

	body := beginBody(env)
	if rid == "" || apiKey == "" || !body.HasMessages() {
		_ = sock.SendErr(types.ErrMissingFields)
		return
	}

	after := int64(-1)
	if v, ok := env["after"].(float64); ok {
		after = int64(v)
	}

	err := s.coord.Begin(ctx, uid, sock, runs.BeginRequest{
		RID:      rid,
		APIKey:   apiKey,
		Provider: provider,
		Body:     body,
		After:    after,
	})
	if errors.Is(err, runs.ErrBusy) {
		_ = sock.SendErr(types.ErrBusy)
	}
}

// beginBody returns the request body for a begin command: or_body verbatim
// when the client sent one, otherwise a body synthesized from the envelope's
// top-level fields.
func beginBody(env map[string]any) types.Body {
	if ob, ok := env["or_body"].(map[string]any); ok {
		return types.Body(ob)
	}

	body := types.Body{"stream": true}
	if model, ok := env["model"]; ok {
		body["model"] = model
	}
	if messages, ok := env["messages"]; ok {
		body["messages"] = messages
	}
	for _, key := range passthroughFields {
		if v, ok := env[key]; ok {
			body[key] = v
		}
	}
	return body
}
