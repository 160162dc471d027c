// Package httpserver hosts the public HTTP surface: health and metrics
// endpoints, the room lookup API, ICE configuration, and the signaling
// WebSocket routes.
package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/collabra/callmesh/internal/config"
	"github.com/collabra/callmesh/internal/directory"
	"github.com/collabra/callmesh/internal/metrics"
	"github.com/collabra/callmesh/internal/room"
	"github.com/collabra/callmesh/internal/signaling"
	"github.com/collabra/callmesh/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the subsystems the HTTP surface exposes.
type Deps struct {
	Directory *directory.Directory
	Registry  *room.Registry
	Signaling *signaling.Server
	TURNREST  *turnrest.Generator
	Metrics   *metrics.Metrics
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
		s.originMiddleware(),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: the signaling routes hold long-lived
		// upgraded connections.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics))
	}

	s.mux.HandleFunc("GET /api/rooms/{meeting}", s.handleRoomLookup)
	s.mux.HandleFunc("GET /api/ice", s.handleICE)

	if s.deps.Signaling != nil {
		s.deps.Signaling.RegisterRoutes(s.mux)
	}
}

// handleRoomLookup resolves a meeting id to its room, minting the room on
// first access. The response carries the WebSocket path a client should dial
// plus the current participant count.
func (s *Server) handleRoomLookup(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting")

	roomID, created, err := s.deps.Directory.Resolve(r.Context(), meetingID)
	if err != nil {
		if errors.Is(err, directory.ErrMeetingNotFound) {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "meeting id required"})
			return
		}
		s.log.Error("room lookup failed", "meeting", meetingID, "err", err)
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "directory unavailable"})
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.Inc(metrics.DirectoryResolve)
		if created {
			s.deps.Metrics.Inc(metrics.DirectoryCreate)
		}
	}

	count := 0
	if s.deps.Registry != nil {
		count = s.deps.Registry.Count(roomID)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"meeting_id":   meetingID,
		"room_id":      roomID,
		"created":      created,
		"participants": count,
		"ws_path":      "/ws/rooms/" + roomID,
	})
}

// handleICE returns the ICE server list clients should use. When TURN REST
// is configured, short-lived credentials are stamped onto TURN entries; the
// optional participant query scopes the minted username for attribution.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if s.deps.TURNREST != nil {
		var (
			creds turnrest.Credentials
			err   error
		)
		if participant := r.URL.Query().Get("participant"); participant != "" {
			creds, err = s.deps.TURNREST.Generate(participant)
		} else {
			creds, err = s.deps.TURNREST.GenerateAnonymous()
		}
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.Inc(metrics.TurnRESTCredential)
		}
		servers = withTURNRESTCredentials(servers, creds.Username, creds.Credential)
		WriteJSON(w, http.StatusOK, map[string]any{
			"iceServers": servers,
			"ttl":        creds.ExpiryUnix - time.Now().UTC().Unix(),
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack delegates to the wrapped writer so WebSocket upgrades work behind
// the logging middleware; gorilla refuses the handshake without it.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
