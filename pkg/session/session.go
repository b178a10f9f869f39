// Package session orchestrates one voice-assistant room session: it wires
// the bus, participant and identity managers, flow controller, toolbox,
// forwarder, admin poller, and lifecycle controller around a built pipeline,
// runs it, and tears everything down in a fixed order when the room ends.
package session

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-rooms/pkg/bus"
	"github.com/vango-go/vai-rooms/pkg/kv"
	"github.com/vango-go/vai-rooms/pkg/persona"
	"github.com/vango-go/vai-rooms/pkg/pipeline"
	"github.com/vango-go/vai-rooms/pkg/profile"
	"github.com/vango-go/vai-rooms/pkg/rooms"
	"github.com/vango-go/vai-rooms/pkg/session/adminpoll"
	"github.com/vango-go/vai-rooms/pkg/session/flow"
	"github.com/vango-go/vai-rooms/pkg/session/forwarder"
	"github.com/vango-go/vai-rooms/pkg/session/identity"
	"github.com/vango-go/vai-rooms/pkg/session/lifecycle"
	"github.com/vango-go/vai-rooms/pkg/session/participants"
	"github.com/vango-go/vai-rooms/pkg/store"
	"github.com/vango-go/vai-rooms/pkg/tools"
)

// Mode decides what happens to the runner process after this session ends.
type Mode string

const (
	ModeOneShot    Mode = "one-shot"
	ModeWarmPool   Mode = "warm-pool"
	ModeTransition Mode = "transition"
)

// Override is the per-start session override: mode, personality, voice.
type Override struct {
	Mode        Mode   `json:"mode,omitempty"`
	Personality string `json:"personality,omitempty"`
	Voice       string `json:"voice,omitempty"`
}

// Config is everything one session run needs to know.
type Config struct {
	SessionID   string
	RoomURL     string
	Token       string
	Personality string
	Mode        Mode
	Headless    bool
	Override    *Override

	// Features the room's client supports; nil means all tools.
	Features []string
	// ToolWhitelist from the per-room bot config; nil means no whitelist.
	ToolWhitelist []string

	PendingIdentity kv.Identity

	InitialIdle   time.Duration
	PostLeaveIdle time.Duration
	Gates         flow.Gates
	ForwardMode   forwarder.Mode

	// ToolRequireGreeting blocks tool calls until the greeting has been
	// spoken; ToolGreetingWait bounds how long a blocked call waits for it.
	ToolRequireGreeting bool
	ToolGreetingWait    time.Duration

	// SpeakGateDelay holds admin-injected speech while the bot is talking.
	SpeakGateDelay time.Duration

	// Env-level persona overrides; zero keeps the record's own values.
	WrapupAfterSecs    float64
	WrapupPrompt       string
	RepeatIntervalSecs float64

	// LogEvents mirrors every bus topic to the debug log (scrubbed).
	LogEvents bool
}

// Summarizer produces the end-of-session conversation summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []pipeline.Message) string
}

// Deps are the process-wide services a session borrows.
type Deps struct {
	Logger    *slog.Logger
	KV        *kv.Client
	Profiles  *profile.Client
	Personas  *persona.Library
	Store     *store.Store
	Summaries Summarizer
	Hub       *forwarder.Hub
	Builder   pipeline.Builder
	Transport pipeline.Transport
	LLM       pipeline.LLM
	Rest      *forwarder.RestSender
}

// Session is one running room session.
type Session struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	room string

	Bus       *bus.Bus
	Parts     *participants.Manager
	Identity  *identity.Manager
	Flow      *flow.Controller
	Toolbox   *tools.Toolbox
	Forwarder *forwarder.Forwarder
	Lifecycle *lifecycle.Controller

	task            *pipeline.Task
	transport       pipeline.Transport
	llmCtx          *pipeline.Context
	rec             persona.Record
	promptOverrides map[string]string

	mu           sync.Mutex
	sessionUsers map[string]struct{}
	startedAt    time.Time
	cancel       context.CancelFunc
	unsubs       []func()

	CreatedAt time.Time
	running   bool
}

// New prepares a session; Run does the work.
func New(cfg Config, deps Deps) *Session {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeOneShot
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", cfg.SessionID, "room", rooms.Name(cfg.RoomURL))

	return &Session{
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		room:         rooms.Name(cfg.RoomURL),
		Bus:          bus.New(bus.WithLogger(logger)),
		Parts:        participants.NewManager(logger),
		sessionUsers: make(map[string]struct{}),
		CreatedAt:    time.Now(),
	}
}

func (s *Session) ID() string          { return s.cfg.SessionID }
func (s *Session) RoomURL() string     { return s.cfg.RoomURL }
func (s *Session) Personality() string { return s.cfg.Personality }
func (s *Session) Mode() Mode          { return s.cfg.Mode }

// Running reports whether Run is between start and teardown.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Terminate cancels the session task. Idempotent.
func (s *Session) Terminate(reason string) {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		s.logger.Info("session terminate", "reason", reason)
		cancel()
	}
}

// Run executes the session to completion. The fixed start order and the
// fixed teardown order both matter: the activity log is written before the
// summary call so a summary failure never erases the fact the session ran.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()
	defer cancel()

	// 1. Stale state from a previous crash must not leak into this run.
	if s.deps.KV != nil {
		if err := s.deps.KV.ClearRoomState(ctx, s.room); err != nil && err != kv.ErrDisabled {
			s.logger.Warn("stale room state clear failed", "error", err)
		}
	}

	// 2. Session override: mode, personality, voice.
	voiceOverride := ""
	if o := s.cfg.Override; o != nil {
		if o.Mode != "" {
			s.cfg.Mode = o.Mode
		}
		if o.Personality != "" {
			s.cfg.Personality = o.Personality
		}
		voiceOverride = o.Voice
	}

	// 3. Config: personality record and prompt overrides.
	s.rec = s.personaRecord()
	if s.cfg.WrapupAfterSecs > 0 {
		s.rec.WrapupAfter = s.cfg.WrapupAfterSecs
	}
	if s.cfg.WrapupPrompt != "" {
		s.rec.WrapupPrompt = s.cfg.WrapupPrompt
	}
	if s.cfg.RepeatIntervalSecs > 0 {
		s.rec.RepeatInterval = s.cfg.RepeatIntervalSecs
	}
	voice := s.rec.Voice
	if voiceOverride != "" {
		voice = voiceOverride
	}
	promptOverrides := s.loadPromptOverrides(ctx)

	// 4. Build the pipeline. The builder is injectable for tests.
	builder := s.deps.Builder
	if builder == nil {
		builder = pipeline.DefaultBuilder
	}
	built, err := builder(ctx, pipeline.BuildParams{
		RoomURL:            s.cfg.RoomURL,
		Token:              s.cfg.Token,
		SessionID:          s.cfg.SessionID,
		PersonalityMessage: s.rec.Persona,
		Voice:              voice,
		Transport:          s.deps.Transport,
		LLM:                s.deps.LLM,
		Publish:            func(topic string, payload any) { s.Bus.Publish(topic, payload) },
	})
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.task = built.Task
	s.llmCtx = built.Context
	// 7. Recipient "api" must broadcast.
	s.transport = pipeline.SendPatch(built.Transport)

	// 6. Flow controller with this personality's timers.
	s.Flow = flow.NewController(s.Bus, s.rec, s.cfg.Gates,
		flow.WithLogger(s.logger), flow.WithHeadless(s.cfg.Headless))

	// Toolbox: feature filter, whitelist, greeting gate.
	reg := tools.NewRegistry(tools.Builtins(s.builtinDeps())...).
		FilterByFeatures(s.cfg.Features).
		FilterByWhitelist(s.cfg.ToolWhitelist)
	s.Toolbox = tools.NewToolbox(reg,
		tools.GateConfig{RequireGreeting: s.cfg.ToolRequireGreeting, Wait: s.cfg.ToolGreetingWait},
		s.Flow.GreetingSpeechStarted, s.injectSystemRun,
		tools.WithToolboxLogger(s.logger))
	s.promptOverrides = promptOverrides

	// Identity manager.
	idOpts := []identity.Option{identity.WithLogger(s.logger)}
	if s.cfg.PendingIdentity.SessionUserID != "" {
		idOpts = append(idOpts, identity.WithPending(s.cfg.PendingIdentity))
	}
	s.Identity = identity.NewManager(s.room, s.deps.KV, s.deps.Profiles, s.Parts, s.Bus, idOpts...)
	s.unsubs = append(s.unsubs, s.Identity.Bind())

	// 5. Conversation topics feed the pipeline.
	s.registerHandlers(ctx)

	// 8. Forwarder.
	s.Forwarder = forwarder.New(forwarder.Deps{
		Bus:            s.Bus,
		Transport:      s.transport,
		Mode:           s.cfg.ForwardMode,
		Rest:           s.deps.Rest,
		Hub:            s.deps.Hub,
		Parts:          s.Parts,
		Notes:          s.deps.KV,
		Room:           s.room,
		Snapshot:       s.Snapshot,
		QueueSystem:    s.queueSystem,
		InjectSystem:   s.injectHeader,
		RemoveInjected: s.removeHeader,
	}, forwarder.WithLogger(s.logger))
	s.Forwarder.Start(ctx)

	// 9. Config listener and admin poller.
	background, bgCtx := errgroup.WithContext(ctx)
	background.Go(func() error { s.configListener(bgCtx); return nil })
	background.Go(func() error { s.adminPoller(bgCtx); return nil })

	// 10. Lifecycle.
	s.Lifecycle = lifecycle.New(lifecycle.Deps{
		Room:         s.room,
		State:        s.deps.KV,
		Parts:        s.Parts,
		Terminate:    s.Terminate,
		Speak:        func(text string) { s.queueSystem(text, true) },
		OwnerPresent: s.ownerPresent,
	}, s.cfg.InitialIdle, s.cfg.PostLeaveIdle, lifecycle.WithLogger(s.logger))

	// 11.
	s.Bus.Publish(bus.TopicCallState, map[string]any{"state": "starting", "room": s.room})

	// 12.
	runErr := s.task.Run(ctx)
	cancel()
	_ = background.Wait()
	s.teardown()
	return runErr
}

func (s *Session) personaRecord() persona.Record {
	if s.deps.Personas == nil {
		return persona.Record{ID: s.cfg.Personality, Name: s.cfg.Personality}
	}
	return s.deps.Personas.Get(s.cfg.Personality)
}

func (s *Session) loadPromptOverrides(ctx context.Context) map[string]string {
	if s.deps.Profiles == nil || !s.deps.Profiles.Enabled() {
		return nil
	}
	overrides, err := s.deps.Profiles.PromptOverrides(ctx)
	if err != nil {
		s.logger.Warn("prompt overrides load failed", "error", err)
		return nil
	}
	return overrides
}

// registerHandlers subscribes the pacing topics that turn into LLM frames.
func (s *Session) registerHandlers(ctx context.Context) {
	sub := func(topic string, fn bus.Handler) {
		s.unsubs = append(s.unsubs, s.Bus.Subscribe(topic, fn))
	}

	if s.cfg.LogEvents {
		sub(bus.Wildcard, func(topic string, payload any) {
			s.logger.Debug("bus event", "topic", topic, "payload", participants.Scrub(payload))
		})
	}

	sub(bus.TopicConversationGreeting, func(_ string, payload any) {
		prompt := payloadField(payload, "prompt")
		if prompt == "" {
			prompt = "Greet everyone in the room warmly and briefly."
		}
		s.queueSystem(prompt, true)
	})
	sub(bus.TopicConversationBeat, func(_ string, payload any) {
		if msg := payloadField(payload, "message"); msg != "" {
			s.queueSystem(msg, true)
		}
	})
	sub(bus.TopicConversationWrapup, func(_ string, payload any) {
		prompt := payloadField(payload, "prompt")
		if prompt == "" {
			prompt = "Wrap up the conversation and say goodbye."
		}
		s.queueSystem(prompt, true)
	})
	sub(bus.TopicAdminPrompt, func(_ string, payload any) {
		prompt := payloadField(payload, "prompt")
		if prompt == "" {
			return
		}
		// Admin speech must not talk over the bot; the flow's own beats are
		// already gated, so only this path waits.
		if d := s.cfg.SpeakGateDelay; d > 0 && s.Flow != nil {
			go func() {
				if flow.WaitGate(ctx, d, s.Flow.BotSpeaking, s.Flow.UserIdle) == nil {
					s.queueSystem(prompt, true)
				}
			}()
			return
		}
		s.queueSystem(prompt, true)
	})
	sub(bus.TopicLLMContextMessage, func(_ string, payload any) {
		role := payloadField(payload, "role")
		content := payloadField(payload, "content")
		if content == "" || s.llmCtx == nil {
			return
		}
		if role == "" {
			role = "system"
		}
		s.llmCtx.Append(pipeline.Message{Role: role, Content: content})
	})
}

// OnBotJoined is called by the transport when the bot itself lands in the
// room.
func (s *Session) OnBotJoined(ctx context.Context, pid string) {
	s.Parts.SetLocalBot(pid)
	if s.Lifecycle != nil {
		s.Lifecycle.BotJoined(ctx)
	}
}

// OnParticipantJoined classifies a joining participant and drives identity,
// flow, and lifecycle. Local and stealth participants produce no outbound
// events and no greeting.
func (s *Session) OnParticipantJoined(ctx context.Context, p participants.Participant) {
	if p.Info.Local || p.ID == s.Parts.LocalBotID() {
		s.Parts.SetLocalBot(p.ID)
		return
	}
	if p.IsStealth() {
		s.Parts.AddStealth(p)
		return
	}
	s.Parts.AddActive(p)

	res := identity.Resolution{}
	if s.Identity != nil {
		res = s.Identity.Resolve(ctx, p)
	}
	if res.Identity.SessionUserID != "" {
		s.mu.Lock()
		s.sessionUsers[res.Identity.SessionUserID] = struct{}{}
		s.mu.Unlock()
	}

	s.Bus.Publish(bus.TopicParticipantJoin, map[string]any{
		"room":            s.room,
		"participant":     p.ID,
		"userName":        p.Info.UserName,
		"friendlyName":    res.FriendlyName,
		"sessionUserId":   res.Identity.SessionUserID,
		"sessionUserName": res.Identity.SessionUserName,
	})

	if s.Lifecycle != nil {
		s.Lifecycle.HumanJoined()
	}
	if s.Flow != nil {
		s.Flow.HumanJoined()
	}
}

// OnParticipantLeft removes the participant and lets the lifecycle decide
// whether the room just emptied.
func (s *Session) OnParticipantLeft(ctx context.Context, pid string) {
	var sessionUserID string
	if s.Identity != nil {
		if id, ok := s.Identity.LookupParticipant(pid); ok {
			sessionUserID = id.SessionUserID
		}
	}
	wasStealth := s.Parts.IsStealthID(pid)
	s.Parts.Remove(pid)

	if !wasStealth {
		s.Bus.Publish(bus.TopicParticipantLeave, map[string]any{
			"room":          s.room,
			"participant":   pid,
			"sessionUserId": sessionUserID,
		})
	}
	if s.Lifecycle != nil {
		s.Lifecycle.HumanLeft(ctx, sessionUserID)
	}
}

// ToolSchemas builds the LLM function schemas with any prompt overrides
// applied.
func (s *Session) ToolSchemas() []tools.FunctionSchema {
	if s.Toolbox == nil {
		return nil
	}
	return s.Toolbox.Schemas(s.promptOverrides)
}

// Snapshot is the forwarder's resync payload.
func (s *Session) Snapshot() any {
	return map[string]any{
		"room":        s.room,
		"sessionId":   s.cfg.SessionID,
		"personality": s.cfg.Personality,
		"humans":      s.Parts.HumanCount(),
		"flow":        string(s.flowState()),
	}
}

func (s *Session) flowState() flow.State {
	if s.Flow == nil {
		return flow.StateBoot
	}
	return s.Flow.State()
}

func (s *Session) queueSystem(content string, runLLM bool) {
	if s.task == nil {
		return
	}
	err := s.task.Queue(context.Background(), pipeline.Frame{
		Messages: []pipeline.Message{{Role: "system", Content: content}},
		RunLLM:   runLLM,
	})
	if err != nil {
		s.logger.Debug("frame queue failed", "error", err)
	}
}

func (s *Session) injectSystemRun(content string, runLLM bool) {
	if s.llmCtx != nil {
		s.llmCtx.Append(pipeline.Message{Role: "system", Content: content})
	}
	if runLLM {
		s.queueSystem(content, true)
	}
}

func (s *Session) injectHeader(header, content string) {
	if s.llmCtx != nil {
		s.llmCtx.InjectSystem(header, content)
	}
}

func (s *Session) removeHeader(header string) {
	if s.llmCtx != nil {
		s.llmCtx.RemoveInjected(header)
	}
}

func (s *Session) ownerPresent(sessionUserID string) bool {
	if s.Identity == nil {
		return false
	}
	for _, pid := range s.Parts.ActiveIDs() {
		if id, ok := s.Identity.LookupParticipant(pid); ok && id.SessionUserID == sessionUserID {
			return true
		}
	}
	return false
}

func (s *Session) builtinDeps() tools.BuiltinDeps {
	return tools.BuiltinDeps{
		Publish: func(topic string, payload any) { s.Bus.Publish(topic, payload) },
		SetActiveNote: func(ctx context.Context, noteID, ownerUserID, title string) error {
			if s.deps.KV == nil {
				return nil
			}
			err := s.deps.KV.SetActiveNote(ctx, s.room, kv.ActiveNote{
				NoteID: noteID, OwnerUserID: ownerUserID, NoteTitle: title,
			})
			if err == kv.ErrDisabled {
				return nil
			}
			return err
		},
		ClearActiveNote: func(ctx context.Context) error {
			if s.deps.KV == nil {
				return nil
			}
			if err := s.deps.KV.ClearActiveNote(ctx, s.room); err != nil && err != kv.ErrDisabled {
				return err
			}
			return nil
		},
		RequestWrapup: func(reason string) {
			if s.Flow != nil {
				s.Flow.RequestWrapup(reason)
			}
		},
	}
}

// configListener applies per-room bot config pushed over the KV channel.
// Repeated identical payloads are ignored by hash.
func (s *Session) configListener(ctx context.Context) {
	if s.deps.KV == nil {
		return
	}
	ch, stop, err := s.deps.KV.SubscribeConfig(ctx, s.room)
	if err != nil {
		if err != kv.ErrDisabled {
			s.logger.Warn("config subscribe failed", "error", err)
		}
		return
	}
	defer stop()

	var lastHash [sha256.Size]byte
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			hash := sha256.Sum256(raw)
			if hash == lastHash {
				continue
			}
			lastHash = hash
			s.logger.Info("bot config updated", "bytes", len(raw))
			s.Bus.Publish("bot.config.updated", string(raw))
		}
	}
}

// adminPoller drains the room's admin queues into bus prompts.
func (s *Session) adminPoller(ctx context.Context) {
	if s.deps.KV == nil || !s.deps.KV.Enabled() {
		return
	}
	poller := adminpoll.New(s.room, s.cfg.RoomURL,
		func(context.Context) (adminpoll.Queue, error) { return s.deps.KV, nil },
		adminpoll.Handlers{
			NoteContext: func(event map[string]any) {
				if topic, _ := event["type"].(string); topic != "" {
					s.Bus.Publish(topic, event)
				}
			},
			Admin: func(msg adminpoll.AdminMessage) {
				s.Bus.Publish(bus.TopicAdminPrompt, map[string]any{
					"prompt":     msg.Prompt,
					"senderId":   msg.SenderID,
					"senderName": msg.SenderName,
					"mode":       msg.Mode,
				})
			},
			Prompt: func(prompt string) {
				s.Bus.Publish(bus.TopicAdminPrompt, map[string]any{"prompt": prompt})
			},
		},
		adminpoll.WithLogger(s.logger))
	_ = poller.Run(ctx)
}

// teardown is the fixed exit path. Order: session-end event, activity log,
// summary, per-participant saves, cancel pending shutdown, stop managers.
func (s *Session) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Bus.Publish(bus.TopicSessionEnd, map[string]any{"room": s.room, "sessionId": s.cfg.SessionID})

	endedAt := time.Now()
	users := s.uniqueSessionUsers()

	// Activity log first: a summary failure must not erase the record that
	// this session happened.
	if s.deps.Store != nil {
		if err := s.deps.Store.RecordActivity(ctx, store.Activity{
			SessionID:        s.cfg.SessionID,
			RoomURL:          s.cfg.RoomURL,
			Personality:      s.cfg.Personality,
			ParticipantCount: len(users),
			StartedAt:        s.startedAt,
			EndedAt:          endedAt,
		}); err != nil {
			s.logger.Warn("activity record failed", "error", err)
		}
	}

	summary := ""
	if s.deps.Summaries != nil && s.llmCtx != nil {
		summary = s.deps.Summaries.Summarize(ctx, s.llmCtx.Messages())
	}
	if summary != "" {
		duration := int(endedAt.Sub(s.startedAt).Seconds())
		for _, userID := range users {
			if s.deps.Profiles != nil && s.deps.Profiles.Enabled() {
				if err := s.deps.Profiles.SaveConversationSummary(ctx, profile.SummaryRecord{
					UserID:           userID,
					Summary:          summary,
					SessionID:        s.cfg.SessionID,
					RoomID:           s.room,
					AssistantName:    s.rec.Name,
					ParticipantCount: len(users),
					DurationSeconds:  int64(duration),
				}); err != nil {
					s.logger.Warn("summary save failed", "user", userID, "error", err)
				}
			}
			if s.deps.Store != nil {
				if err := s.deps.Store.SaveConversationSummary(ctx, store.Summary{
					UserID:           userID,
					Summary:          summary,
					SessionID:        s.cfg.SessionID,
					RoomID:           s.room,
					AssistantName:    s.rec.Name,
					ParticipantCount: len(users),
					DurationSeconds:  duration,
				}); err != nil {
					s.logger.Warn("summary store failed", "user", userID, "error", err)
				}
			}
		}
	}

	if s.Lifecycle != nil {
		s.Lifecycle.CancelPendingShutdown()
	}
	if s.Forwarder != nil {
		s.Forwarder.Stop()
	}
	if s.Flow != nil {
		s.Flow.Stop()
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("session ended", "participants", len(users))
}

// uniqueSessionUsers returns every non-empty session user id seen this run.
// One summary write is attempted per id.
func (s *Session) uniqueSessionUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessionUsers))
	for id := range s.sessionUsers {
		if strings.TrimSpace(id) != "" {
			out = append(out, id)
		}
	}
	return out
}

func payloadField(payload any, key string) string {
	if m, ok := payload.(map[string]any); ok {
		if s, ok := m[key].(string); ok {
			return s
		}
	}
	return ""
}
