// Package server is the runner control surface: it spawns session tasks,
// tracks them, heartbeats their rooms into the KV store, and exposes the
// HTTP/WS endpoints the mesh uses to drive a runner process.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-rooms/pkg/kv"
	"github.com/vango-go/vai-rooms/pkg/persona"
	"github.com/vango-go/vai-rooms/pkg/pipeline"
	"github.com/vango-go/vai-rooms/pkg/rooms"
	"github.com/vango-go/vai-rooms/pkg/runner/config"
	"github.com/vango-go/vai-rooms/pkg/runner/mw"
	"github.com/vango-go/vai-rooms/pkg/session"
	"github.com/vango-go/vai-rooms/pkg/session/forwarder"
)

// Provisioner creates a fresh room when /start is called without one.
type Provisioner func(ctx context.Context, name string) (roomURL, token string, err error)

// Deps are the process-wide services the server hands to every session.
type Deps struct {
	Logger    *slog.Logger
	KV        *kv.Client
	Personas  *persona.Library
	Session   session.Deps
	Provision Provisioner
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	kv       *kv.Client
	personas *persona.Library
	hub      *forwarder.Hub

	sessionDeps session.Deps
	provision   Provisioner
	registry    *Registry

	exit chan string
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// WS observers obey the same origin allowlist as the HTTP surface.
	hub := forwarder.NewHub(logger, func(r *http.Request) bool {
		if len(cfg.CORSAllowedOrigins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := cfg.CORSAllowedOrigins[origin]
		return ok
	})
	sessionDeps := deps.Session
	sessionDeps.Logger = logger
	sessionDeps.KV = deps.KV
	sessionDeps.Personas = deps.Personas
	sessionDeps.Hub = hub

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		mux:         http.NewServeMux(),
		kv:          deps.KV,
		personas:    deps.Personas,
		hub:         hub,
		sessionDeps: sessionDeps,
		provision:   deps.Provision,
		registry:    NewRegistry(),
		exit:        make(chan string, 1),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	auth := func(h http.HandlerFunc) http.Handler {
		return mw.Auth(s.cfg.ControlSharedSecret, h)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.Handle("POST /start", auth(s.handleStart))
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	s.mux.Handle("POST /sessions/{id}/leave", auth(s.handleLeave))
	s.mux.Handle("POST /sessions/{id}/transition", auth(s.handleTransition))
	s.mux.HandleFunc("GET /api/room/active-note", s.handleActiveNote)
	s.mux.HandleFunc("GET /api/room/active-applet", s.handleActiveApplet)
	s.mux.Handle("POST /daily/webhook", auth(s.handleWebhook))
	s.mux.HandleFunc("GET /debug/sessions", s.handleDebugSessions)
	s.mux.HandleFunc("GET /ws/rooms/{room}", s.handleObserverWS)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Exit delivers at most one termination reason; main shuts the process down
// when it fires (one-shot mode).
func (s *Server) Exit() <-chan string { return s.exit }

func (s *Server) Registry() *Registry { return s.registry }

// Shutdown cancels every running session and waits for their teardowns.
func (s *Server) Shutdown(ctx context.Context) bool {
	s.registry.CancelAll("runner-shutdown")
	return s.registry.Wait(ctx)
}

// AutoStartSession spawns a session at boot using env-seeded defaults.
func (s *Server) AutoStartSession(roomURL, token string) *Entry {
	return s.launch(s.sessionConfig(startRequest{}, roomURL, token))
}

// launch registers and starts one session task plus its keepalive heartbeat.
func (s *Server) launch(cfg session.Config) *Entry {
	deps := s.sessionDeps
	if deps.Transport == nil {
		deps.Transport = pipeline.LoopbackTransport{Room: cfg.RoomURL}
	}
	if s.cfg.ForwardREST() && deps.Rest == nil {
		deps.Rest = forwarder.NewRestSender(
			s.cfg.MeshAPIEndpoint, rooms.Name(cfg.RoomURL), s.cfg.MeshSharedSecret, s.logger)
	}
	sess := session.New(cfg, deps)
	entry := newEntry(sess)
	entry.Cfg = cfg
	entry.Cfg.SessionID = sess.ID()
	s.registry.Register(sess.ID(), entry)

	kaCtx, kaCancel := context.WithCancel(context.Background())
	entry.mu.Lock()
	entry.stopKeepalive = kaCancel
	entry.mu.Unlock()
	go s.keepalive(kaCtx, rooms.Name(sess.RoomURL()), sess.ID())

	go func() {
		err := sess.Run(context.Background())
		if err != nil && err != context.Canceled {
			s.logger.Error("session task failed", "session", sess.ID(), "error", err)
		}
		entry.finish(err)
		s.sessionEnded(entry)
	}()
	return entry
}

// keepalive refreshes room_keepalive:{room} every interval until canceled.
func (s *Server) keepalive(ctx context.Context, room, sessionID string) {
	if !s.kv.Enabled() {
		return
	}
	ticker := time.NewTicker(kv.KeepaliveInterval)
	defer ticker.Stop()

	refresh := func() {
		if err := s.kv.RefreshKeepalive(ctx, room, sessionID); err != nil && err != kv.ErrDisabled {
			s.logger.Warn("keepalive refresh failed", "room", room, "error", err)
		}
	}
	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// sessionEnded applies the post-session mode policy. A transition in flight
// holds the process regardless of mode so the relaunch can proceed.
func (s *Server) sessionEnded(e *Entry) {
	if e.inTransition() {
		return
	}
	switch e.Session.Mode() {
	case session.ModeWarmPool:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.kv.RegisterStandby(ctx, s.cfg.PublicURL); err != nil && err != kv.ErrDisabled {
			s.logger.Warn("standby pool registration failed", "error", err)
		}
		s.logger.Info("runner returned to standby pool", "url", s.cfg.PublicURL)
	case session.ModeTransition:
		// Hold the process; a relaunch is expected on this runner.
	default:
		select {
		case s.exit <- "session-ended":
		default:
		}
	}
}

func forwardMode(cfg config.Config) forwarder.Mode {
	if cfg.ForwardREST() {
		return forwarder.ModeREST
	}
	return forwarder.ModeInproc
}
