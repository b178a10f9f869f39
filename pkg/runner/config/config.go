// Package config loads the runner configuration from the environment. Every
// knob has a default; LoadFromEnv never fails on a malformed value (the
// default wins), only Validate rejects inconsistent combinations.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-rooms/pkg/kv"
	"github.com/vango-go/vai-rooms/pkg/session/flow"
)

// ForwardMode selects how outbound event envelopes reach clients.
type ForwardMode string

const (
	ForwardInproc ForwardMode = "inproc"
	ForwardREST   ForwardMode = "html"
)

// SessionMode is the post-session process policy. Mirrors session.Mode; kept
// as a string here so config stays import-light.
const (
	ModeOneShot    = "one-shot"
	ModeWarmPool   = "warm-pool"
	ModeTransition = "transition"
)

type Config struct {
	// Addr is the runner listen address.
	Addr string

	// CORSAllowedOrigins is the browser-origin allowlist. Empty means every
	// origin is allowed (the runner normally sits behind a private mesh).
	CORSAllowedOrigins map[string]struct{}

	// PublicURL is what gets registered in the warm standby pool.
	PublicURL string

	UseRedis          bool
	RedisURL          string
	RedisAuthRequired bool
	RedisSharedSecret string

	MeshAPIEndpoint  string
	MeshSharedSecret string

	// ControlSharedSecret guards the mutating control-plane endpoints. Empty
	// disables auth.
	ControlSharedSecret string

	// Pre-seeded session identity, used when the runner is spawned for one
	// known user.
	SessionID        string
	SessionUserID    string
	SessionUserName  string
	SessionUserEmail string

	DefaultMode        string
	DefaultPersonality string

	// RoomURL and RoomToken seed an auto-started session at boot.
	RoomURL   string
	RoomToken string

	EmptyInitialIdle   time.Duration
	EmptyPostLeaveIdle time.Duration
	WrapupAfter        time.Duration
	WrapupMessage      string

	Gates          flow.Gates
	BeatRepeat     time.Duration
	SpeakGateDelay time.Duration

	ToolRequireGreeting bool
	ToolGreetingWait    time.Duration

	Forwarder ForwardMode
	EventBus  string

	AutoStart             bool
	Headless              bool
	CanonicalizeLowerPath bool
	SupportedFeatures     []string

	DatabaseURL  string
	GeminiAPIKey string
	PersonaDir   string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:               envOr("VAI_ROOMS_ADDR", ":8080"),
		CORSAllowedOrigins: make(map[string]struct{}),
		PublicURL:          envOr("RUNNER_PUBLIC_URL", ""),

		UseRedis:          envBoolOr("USE_REDIS", false),
		RedisURL:          envOr("REDIS_URL", ""),
		RedisAuthRequired: envBoolOr("REDIS_AUTH_REQUIRED", false),
		RedisSharedSecret: envOr("REDIS_SHARED_SECRET", ""),

		MeshAPIEndpoint:  envOr("MESH_API_ENDPOINT", ""),
		MeshSharedSecret: envOr("MESH_SHARED_SECRET", ""),

		ControlSharedSecret: envOr("BOT_CONTROL_SHARED_SECRET", ""),

		SessionID:        envOr("BOT_SESSION_ID", ""),
		SessionUserID:    envOr("BOT_SESSION_USER_ID", ""),
		SessionUserName:  envOr("BOT_SESSION_USER_NAME", ""),
		SessionUserEmail: envOr("BOT_SESSION_USER_EMAIL", ""),

		DefaultMode:        envOr("BOT_SESSION_MODE", ModeOneShot),
		DefaultPersonality: envOr("BOT_PERSONALITY", "default"),

		RoomURL:   envOr("BOT_ROOM_URL", ""),
		RoomToken: envOr("BOT_ROOM_TOKEN", ""),

		EmptyInitialIdle:   envSecsOr("BOT_EMPTY_INITIAL_SECS", 300*time.Second),
		EmptyPostLeaveIdle: envSecsOr("BOT_EMPTY_POST_LEAVE_SECS", 60*time.Second),
		WrapupAfter:        envSecsOr("BOT_WRAPUP_AFTER_SECS", 0),
		WrapupMessage:      envOr("BOT_WRAPUP_SYSTEM_MESSAGE", ""),

		BeatRepeat:     envSecsOr("BOT_BEAT_REPEAT_INTERVAL_SECS", 0),
		SpeakGateDelay: envSecsOr("BOT_SPEAK_GATE_DELAY_SECS", 0),

		ToolRequireGreeting: envBoolOr("BOT_TOOL_REQUIRE_GREETING", true),
		ToolGreetingWait:    envSecsOr("BOT_TOOL_GREETING_WAIT_SECS", 8*time.Second),

		Forwarder: ForwardMode(envOr("BOT_EVENT_FORWARDER", string(ForwardInproc))),
		EventBus:  envOr("BOT_EVENT_BUS", "memory"),

		AutoStart:             envBoolOr("RUNNER_AUTO_START", false),
		Headless:              envBoolOr("BOT_HEADLESS_SESSION", false),
		CanonicalizeLowerPath: envBoolOr("BOT_CANONICALIZE_LOWER_PATH", false),
		SupportedFeatures:     splitCSV(os.Getenv("BOT_SUPPORTED_FEATURES")),

		DatabaseURL:  envOr("DATABASE_URL", ""),
		GeminiAPIKey: envOr("GEMINI_API_KEY", ""),
		PersonaDir:   envOr("PERSONA_DIR", ""),
	}

	gates := flow.DefaultGates()
	gates.PostSpeakBuffer = envSecsOr("BOT_BEAT_POST_SPEAK_BUFFER_SECS", gates.PostSpeakBuffer)
	gates.UserIdle = envSecsOr("BOT_BEAT_USER_IDLE_SECS", gates.UserIdle)
	gates.UserIdleTimeout = envSecsOr("BOT_BEAT_USER_IDLE_TIMEOUT_SECS", gates.UserIdleTimeout)
	gates.MinSpeakGap = envSecsOr("BOT_BEAT_MIN_SPEAK_GAP_SECS", gates.MinSpeakGap)
	cfg.Gates = gates

	for _, origin := range splitCSV(os.Getenv("VAI_ROOMS_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost" + cfg.Addr
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.UseRedis && strings.TrimSpace(c.RedisURL) == "" {
		return errors.New("config: USE_REDIS is set but REDIS_URL is empty")
	}
	if c.RedisAuthRequired && strings.TrimSpace(c.RedisSharedSecret) == "" {
		return errors.New("config: REDIS_AUTH_REQUIRED is set but REDIS_SHARED_SECRET is empty")
	}
	switch c.Forwarder {
	case ForwardInproc, ForwardREST:
	default:
		return errors.New("config: BOT_EVENT_FORWARDER must be html or inproc")
	}
	switch c.DefaultMode {
	case ModeOneShot, ModeWarmPool, ModeTransition:
	default:
		return errors.New("config: BOT_SESSION_MODE must be one-shot, warm-pool, or transition")
	}
	switch c.EventBus {
	case "", "log", "memory":
	default:
		return errors.New("config: BOT_EVENT_BUS must be log or memory")
	}
	if c.ForwardREST() && strings.TrimSpace(c.MeshAPIEndpoint) == "" {
		return errors.New("config: BOT_EVENT_FORWARDER=html requires MESH_API_ENDPOINT")
	}
	return nil
}

// RedisEnabled reports whether the KV layer should connect at all.
func (c Config) RedisEnabled() bool {
	return c.UseRedis && strings.TrimSpace(c.RedisURL) != ""
}

func (c Config) ForwardREST() bool { return c.Forwarder == ForwardREST }

// KeepaliveInterval and KeepaliveTTL come from the KV layer so producers and
// health checks agree.
func (c Config) KeepaliveInterval() time.Duration { return kv.KeepaliveInterval }
func (c Config) KeepaliveTTL() time.Duration      { return kv.KeepaliveTTL }

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envSecsOr parses a float number of seconds, the unit every BOT_*_SECS
// variable uses.
func envSecsOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
