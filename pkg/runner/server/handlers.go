package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vango-go/vai-rooms/pkg/kv"
	"github.com/vango-go/vai-rooms/pkg/rooms"
	"github.com/vango-go/vai-rooms/pkg/session"
)

const transitionWait = 10 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// GET /health — 503 when any session task died or its keepalive went stale.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := map[string]any{
		"status":   "ok",
		"sessions": s.registry.RunningCount(),
	}
	healthy := true

	for _, e := range s.registry.List() {
		done, err := e.Finished()
		if done {
			if err != nil {
				healthy = false
				body["status"] = "session-task-failed"
			}
			continue
		}
		// A running session should have heartbeated by now.
		if s.kv.Enabled() && time.Since(e.StartedAt) > kv.KeepaliveTTL {
			room := rooms.Name(e.Session.RoomURL())
			ka, kaErr := s.kv.GetKeepalive(ctx, room)
			stale := kaErr != nil ||
				time.Since(time.Unix(ka.Timestamp, 0)) > kv.KeepaliveTTL
			if stale {
				healthy = false
				body["status"] = "keepalive-stale"
			}
		}
	}

	if s.kv.Enabled() {
		if err := s.kv.Ping(ctx); err != nil {
			body["redis"] = "error"
			healthy = false
		} else {
			body["redis"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

// GET /
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "runner-ready",
		"sessions": s.registry.RunningCount(),
	})
}

type startRequest struct {
	Personality string            `json:"personality"`
	RoomURL     string            `json:"room_url"`
	Token       string            `json:"token"`
	ModeConfig  *session.Override `json:"modePersonalityVoiceConfig"`
	Override    *session.Override `json:"sessionOverride"`
	SessionID   string            `json:"sessionId"`
	UserID      string            `json:"sessionUserId"`
	UserName    string            `json:"sessionUserName"`
	UserEmail   string            `json:"sessionUserEmail"`
}

// POST /start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusInternalServerError, "undecodable start request")
		return
	}

	roomURL := strings.TrimSpace(req.RoomURL)
	token := req.Token
	provisioned := false
	if roomURL == "" {
		if s.provision == nil {
			writeError(w, http.StatusInternalServerError, "no room_url and no provisioner configured")
			return
		}
		var err error
		roomURL, token, err = s.provision(r.Context(), "")
		if err != nil {
			s.logger.Error("room provisioning failed", "error", err)
			writeError(w, http.StatusInternalServerError, "room provisioning failed")
			return
		}
		provisioned = true
	}

	cfg := s.sessionConfig(req, roomURL, token)
	entry := s.launch(cfg)

	writeJSON(w, http.StatusOK, map[string]any{
		"dailyRoom":   roomURL,
		"dailyToken":  token,
		"sessionId":   entry.Session.ID(),
		"botPid":      os.Getpid(),
		"personality": entry.Session.Personality(),
		"persona":     s.personaName(entry.Session.Personality()),
		"provisioned": provisioned,
	})
}

// sessionConfig folds env defaults and the start request into one session
// config.
func (s *Server) sessionConfig(req startRequest, roomURL, token string) session.Config {
	personality := strings.TrimSpace(req.Personality)
	if personality == "" {
		personality = s.cfg.DefaultPersonality
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = s.cfg.SessionID
	}
	override := req.Override
	if override == nil {
		override = req.ModeConfig
	}

	pending := kv.Identity{
		SessionUserID:    strings.TrimSpace(req.UserID),
		SessionUserName:  req.UserName,
		SessionUserEmail: req.UserEmail,
	}
	if pending.SessionUserID == "" {
		pending = kv.Identity{
			SessionUserID:    s.cfg.SessionUserID,
			SessionUserName:  s.cfg.SessionUserName,
			SessionUserEmail: s.cfg.SessionUserEmail,
		}
	}

	return session.Config{
		SessionID:       sessionID,
		RoomURL:         roomURL,
		Token:           token,
		Personality:     personality,
		Mode:            session.Mode(s.cfg.DefaultMode),
		Headless:        s.cfg.Headless,
		Override:        override,
		Features:        s.cfg.SupportedFeatures,
		PendingIdentity: pending,
		InitialIdle:     s.cfg.EmptyInitialIdle,
		PostLeaveIdle:   s.cfg.EmptyPostLeaveIdle,
		Gates:           s.cfg.Gates,
		ForwardMode:     forwardMode(s.cfg),

		ToolRequireGreeting: s.cfg.ToolRequireGreeting,
		ToolGreetingWait:    s.cfg.ToolGreetingWait,
		SpeakGateDelay:      s.cfg.SpeakGateDelay,

		WrapupAfterSecs:    s.cfg.WrapupAfter.Seconds(),
		WrapupPrompt:       s.cfg.WrapupMessage,
		RepeatIntervalSecs: s.cfg.BeatRepeat.Seconds(),

		LogEvents: s.cfg.EventBus == "log",
	}
}

// GET /sessions
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.List()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		done, _ := e.Finished()
		out = append(out, map[string]any{
			"id":          e.Session.ID(),
			"room_url":    e.Session.RoomURL(),
			"personality": e.Session.Personality(),
			"running":     !done,
			"created_ts":  e.StartedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /sessions/{id}/leave
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if done, _ := entry.Finished(); done {
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId": id,
			"status":    "already-finished",
		})
		return
	}
	entry.Session.Terminate("leave-requested")
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"status":    "terminated",
	})
}

type transitionRequest struct {
	NewRoomURL    string `json:"new_room_url"`
	NewToken      string `json:"new_token"`
	PersonalityID string `json:"personalityId"`
	Persona       string `json:"persona"`
	DebugTraceID  string `json:"debugTraceId"`
	UserID        string `json:"sessionUserId"`
	UserName      string `json:"sessionUserName"`
	UserEmail     string `json:"sessionUserEmail"`
}

// POST /sessions/{id}/transition — cancel the current task and relaunch on
// this runner into a new room, preserving the session id and identity.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "undecodable transition request")
		return
	}
	newRoomURL := strings.TrimSpace(req.NewRoomURL)
	if newRoomURL == "" {
		writeError(w, http.StatusBadRequest, "new_room_url is required")
		return
	}

	entry, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if !entry.beginTransition() {
		writeError(w, http.StatusConflict, "transition already in progress")
		return
	}
	defer entry.endTransition()

	oldRoomURL := entry.Session.RoomURL()
	if done, _ := entry.Finished(); !done && newRoomURL == oldRoomURL {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "noop",
			"session_id":    id,
			"old_room_url":  oldRoomURL,
			"room_url":      newRoomURL,
			"personalityId": entry.Session.Personality(),
			"persona":       s.personaName(entry.Session.Personality()),
		})
		return
	}

	entry.Session.Terminate("transition")
	select {
	case <-entry.Done():
	case <-time.After(transitionWait):
		writeError(w, http.StatusInternalServerError, "previous task did not stop in time")
		return
	}

	cfg := entry.Cfg
	cfg.RoomURL = newRoomURL
	cfg.Token = req.NewToken
	if p := strings.TrimSpace(req.PersonalityID); p != "" {
		cfg.Personality = p
		cfg.Override = nil
	}
	if u := strings.TrimSpace(req.UserID); u != "" {
		cfg.PendingIdentity = kv.Identity{
			SessionUserID:    u,
			SessionUserName:  req.UserName,
			SessionUserEmail: req.UserEmail,
		}
	}

	next := s.launch(cfg)
	s.logger.Info("session transitioned",
		"session", id, "from", oldRoomURL, "to", newRoomURL, "trace", req.DebugTraceID)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "transitioned",
		"session_id":    next.Session.ID(),
		"old_room_url":  oldRoomURL,
		"room_url":      newRoomURL,
		"personalityId": next.Session.Personality(),
		"persona":       s.personaName(next.Session.Personality()),
	})
}

// GET /api/room/active-note?room_url= — 200 always; absent note reads as
// has_active_note=false.
func (s *Server) handleActiveNote(w http.ResponseWriter, r *http.Request) {
	room := rooms.Name(r.URL.Query().Get("room_url"))
	note, err := s.kv.GetActiveNote(r.Context(), room)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"has_active_note": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_active_note": true,
		"note_id":         note.NoteID,
		"owner_id":        note.OwnerUserID,
		"note_title":      note.NoteTitle,
	})
}

// GET /api/room/active-applet?room_url=
func (s *Server) handleActiveApplet(w http.ResponseWriter, r *http.Request) {
	room := rooms.Name(r.URL.Query().Get("room_url"))
	applet, err := s.kv.GetActiveApplet(r.Context(), room)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"has_active_applet": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_active_applet": true,
		"applet_id":         applet.AppletID,
		"owner_id":          applet.OwnerUserID,
	})
}

type webhookRequest struct {
	Event string `json:"event"`
	Room  struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	} `json:"room"`
	Participants []map[string]any `json:"participants"`
}

// POST /daily/webhook — optional auto-spawn on room creation.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "undecodable"})
		return
	}
	roomURL := strings.TrimSpace(req.Room.URL)
	if roomURL == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "no room url"})
		return
	}
	if entry, ok := s.registry.FindByRoom(roomURL); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "already-running",
			"sessionId": entry.Session.ID(),
		})
		return
	}
	if !s.cfg.AutoStart {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "auto-start disabled"})
		return
	}
	switch req.Event {
	case "room.created", "participant.joined":
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored", "reason": "event not spawnable"})
		return
	}

	cfg := s.sessionConfig(startRequest{}, roomURL, "")
	cfg.SessionID = "" // webhook spawns never reuse the env-seeded id
	entry := s.launch(cfg)
	s.logger.Info("webhook auto-spawn", "event", req.Event, "room", roomURL, "session", entry.Session.ID())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "spawned",
		"sessionId": entry.Session.ID(),
	})
}

// GET /debug/sessions
func (s *Server) handleDebugSessions(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.List()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		done, runErr := e.Finished()
		item := map[string]any{
			"id":          e.Session.ID(),
			"room_url":    e.Session.RoomURL(),
			"personality": e.Session.Personality(),
			"mode":        string(e.Session.Mode()),
			"running":     !done,
			"created_ts":  e.StartedAt.Unix(),
			"observers":   s.hub.Observers(rooms.Name(e.Session.RoomURL())),
		}
		if !done {
			item["snapshot"] = e.Session.Snapshot()
		}
		if runErr != nil {
			item["error"] = runErr.Error()
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pid":      os.Getpid(),
		"sessions": out,
	})
}

// GET /ws/rooms/{room} — read-only observer socket fed by the forwarder hub.
func (s *Server) handleObserverWS(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, r.PathValue("room"))
}

func (s *Server) personaName(id string) string {
	if s.personas == nil {
		return id
	}
	return s.personas.Get(id).Name
}
