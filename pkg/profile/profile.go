// Package profile talks to the mesh content API for user profiles, prompt
// overrides, and conversation summary persistence. Profile reads go through a
// small LRU cache; sessions may opt into reload-on-join instead.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	requestTimeout   = 10 * time.Second
	profileCacheSize = 256
)

// Profile is the subset of the mesh user record the session cares about.
type Profile struct {
	UserID    string `json:"userId"`
	FirstName string `json:"first_name,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
}

// FriendlyName picks the spoken name for a profile: first_name, then the
// first token of name.
func (p Profile) FriendlyName() string {
	if name := strings.TrimSpace(p.FirstName); name != "" {
		return firstToken(name)
	}
	if name := strings.TrimSpace(p.Name); name != "" {
		return firstToken(name)
	}
	return ""
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// SummaryRecord is the payload for save_conversation_summary.
type SummaryRecord struct {
	UserID           string `json:"userId"`
	Summary          string `json:"summary"`
	SessionID        string `json:"sessionId"`
	RoomID           string `json:"roomId"`
	AssistantName    string `json:"assistantName"`
	ParticipantCount int    `json:"participantCount"`
	DurationSeconds  int64  `json:"durationSeconds"`
}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
	logger  *slog.Logger

	cache        *lru.Cache[string, Profile]
	reloadOnJoin bool

	noSecretOnce sync.Once
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithReloadOnJoin disables the cache for join-time loads so profile edits
// made mid-session are picked up.
func WithReloadOnJoin(reload bool) Option {
	return func(c *Client) { c.reloadOnJoin = reload }
}

func NewClient(baseURL, sharedSecret string, opts ...Option) *Client {
	cache, _ := lru.New[string, Profile](profileCacheSize)
	c := &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		secret:  strings.TrimSpace(sharedSecret),
		http:    &http.Client{Timeout: requestTimeout},
		logger:  slog.Default(),
		cache:   cache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether the client can reach the mesh API. A missing shared
// secret logs once and disables the feature rather than failing the session.
func (c *Client) Enabled() bool {
	if c == nil || c.baseURL == "" {
		return false
	}
	if c.secret == "" {
		c.noSecretOnce.Do(func() {
			c.logger.Warn("mesh shared secret not configured; profile features disabled")
		})
		return false
	}
	return true
}

// Load fetches a user profile, consulting the cache unless reload-on-join is
// set.
func (c *Client) Load(ctx context.Context, userID string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, fmt.Errorf("profile: empty user id")
	}
	if !c.Enabled() {
		return Profile{}, fmt.Errorf("profile: client disabled")
	}
	if !c.reloadOnJoin {
		if p, ok := c.cache.Get(userID); ok {
			return p, nil
		}
	}

	var p Profile
	if err := c.getJSON(ctx, "/api/users/"+userID+"/profile", &p); err != nil {
		return Profile{}, err
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	c.cache.Add(userID, p)
	return p, nil
}

// PromptOverrides fetches the per-deployment tool description overrides.
func (c *Client) PromptOverrides(ctx context.Context) (map[string]string, error) {
	if !c.Enabled() {
		return nil, nil
	}
	var out map[string]string
	if err := c.getJSON(ctx, "/api/bot/prompt-overrides", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveConversationSummary persists a per-user session summary.
func (c *Client) SaveConversationSummary(ctx context.Context, rec SummaryRecord) error {
	if !c.Enabled() {
		return fmt.Errorf("profile: client disabled")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/users/"+rec.UserID+"/conversation-summaries", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("profile: save summary status %d: %s", resp.StatusCode, strings.TrimSpace(string(preview)))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("profile: %s not found", path)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("profile: %s status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
