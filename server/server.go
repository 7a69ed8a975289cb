// Package server exposes the proxy over HTTP: WebSocket sessions speaking
// the begin/stop/delta protocol, the polling endpoint for clients without a
// live socket, and the CORS/origin policy in front of both.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sune-org/us.proxy.sune.chat/logger"
	"github.com/sune-org/us.proxy.sune.chat/runs"
	"github.com/sune-org/us.proxy.sune.chat/types"
)

const (
	// defaultPort is used when no port option is given.
	defaultPort = 8080

	// defaultReadHeaderTimeout prevents Slowloris attacks.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultIdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled.
	defaultIdleTimeout = 120 * time.Second

	// maxUIDLen caps the uid query parameter after sanitization.
	maxUIDLen = 64

	// corsMaxAge is how long browsers may cache the preflight response.
	corsMaxAge = "86400"
)

// allowedOriginHosts are the exact hostnames browser clients are served
// from. Any *.github.io page is also accepted.
var allowedOriginHosts = map[string]bool{
	"sune.planetrenox.com": true,
	"sune.chat":            true,
}

const allowedOriginSuffix = ".github.io"

// uidStripRe removes everything a uid may not contain.
var uidStripRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Coordinator is the run-coordinator surface the ingress drives.
type Coordinator interface {
	Attach(uid string, socket runs.Socket)
	Detach(uid, socketID string)
	Begin(ctx context.Context, uid string, socket runs.Socket, req runs.BeginRequest) error
	Stop(uid, rid string)
	Poll(ctx context.Context, uid string) types.PollResponse
}

// Option configures a [Server].
type Option func(*Server)

// WithPort sets the TCP port for ListenAndServe. Default: 8080.
func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

// Server terminates client connections on /ws and forwards protocol commands
// to the coordinator.
type Server struct {
	coord Coordinator
	port  int

	httpSrv   *http.Server
	httpSrvMu sync.Mutex

	upgrader websocket.Upgrader

	// Live websocket connections by socket ID. http.Server.Shutdown does not
	// touch hijacked connections, so Shutdown closes these itself.
	connsMu sync.Mutex
	conns   map[string]*websocket.Conn
}

// NewServer creates the ingress in front of the given coordinator.
func NewServer(coord Coordinator, opts ...Option) *Server {
	s := &Server{
		coord: coord,
		port:  defaultPort,
		conns: make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The origin policy runs before the upgrade is attempted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the http.Handler serving the /ws path. Every other path is
// a 404.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return otelhttp.NewHandler(mux, "suneproxy")
}

// ListenAndServe starts the HTTP server on the configured port. No global
// read/write timeouts are set: sessions and polls share the listener, and a
// server-wide write timeout would sever long-lived streams.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	return srv.ListenAndServe()
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}

	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	return srv.Serve(ln)
}

// Shutdown drains the HTTP listener and closes every live socket so session
// goroutines unblock. The coordinator is owned by the caller and closed
// separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpSrvMu.Lock()
	srv := s.httpSrv
	s.httpSrvMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	s.connsMu.Lock()
	for id, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, id)
	}
	s.connsMu.Unlock()

	return err
}

// handleWS routes everything arriving on /ws: CORS preflights, socket
// upgrades, and plain polls.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w.Header())

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && !originAllowed(origin) {
		logger.Debug("origin rejected", "origin", origin)
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	uid := cleanUID(r.URL.Query().Get("uid"))
	if uid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "uid is required"})
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.serveSession(w, r, uid)
		return
	}
	s.handlePoll(w, r, uid)
}

// handlePoll returns the uid's cumulative run view.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, uid string) {
	writeJSON(w, http.StatusOK, s.coord.Poll(r.Context(), uid))
}

func (s *Server) trackConn(id string, conn *websocket.Conn) {
	s.connsMu.Lock()
	s.conns[id] = conn
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(id string) {
	s.connsMu.Lock()
	delete(s.conns, id)
	s.connsMu.Unlock()
}

// cleanUID strips everything outside [A-Za-z0-9_-] and caps the length.
func cleanUID(raw string) string {
	uid := uidStripRe.ReplaceAllString(raw, "")
	if len(uid) > maxUIDLen {
		uid = uid[:maxUIDLen]
	}
	return uid
}

// originAllowed reports whether an Origin header value names a permitted
// host. Requests without an Origin header never reach this check; clients
// outside a browser don't send one.
func originAllowed(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	return allowedOriginHosts[host] || strings.HasSuffix(host, allowedOriginSuffix)
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	h.Set("Access-Control-Max-Age", corsMaxAge)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
