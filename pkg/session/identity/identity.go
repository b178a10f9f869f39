// Package identity reconciles transport participant ids with session user
// ids arriving out-of-band: inline userData, bus identity events, an
// environment-seeded pending identity, and the shared KV store. Resolved
// identities are written through to both indices so either key finds the
// record later.
package identity

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/vango-go/vai-rooms/pkg/bus"
	"github.com/vango-go/vai-rooms/pkg/kv"
	"github.com/vango-go/vai-rooms/pkg/profile"
	"github.com/vango-go/vai-rooms/pkg/session/participants"
)

// UnknownParticipant is the placeholder pid carried by identity events that
// arrive before their participant does.
const UnknownParticipant = "unknown"

// Resolution is what a join resolves to.
type Resolution struct {
	Identity     kv.Identity
	Profile      profile.Profile
	FriendlyName string
	Found        bool
}

// Store is the KV surface the manager needs.
type Store interface {
	SetIdentity(ctx context.Context, room, pid string, id kv.Identity) error
	GetIdentity(ctx context.Context, room, pid string) (kv.Identity, error)
}

// ProfileLoader loads user profiles; nil-safe via the profile client's
// Enabled gate.
type ProfileLoader interface {
	Enabled() bool
	Load(ctx context.Context, userID string) (profile.Profile, error)
}

// Manager holds the two identity indices and the room-scoped pending
// identity, and answers resolution for every join.
type Manager struct {
	logger   *slog.Logger
	room     string
	store    Store
	profiles ProfileLoader
	parts    *participants.Manager
	bus      *bus.Bus

	mu            sync.Mutex
	byParticipant map[string]kv.Identity
	bySessionUser map[string]kv.Identity
	pending       *kv.Identity
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPending seeds the identity applied to the first participant whose
// identity cannot be resolved any other way. Seeded from SESSION_USER_* env
// at process start.
func WithPending(id kv.Identity) Option {
	return func(m *Manager) {
		if strings.TrimSpace(id.SessionUserID) == "" {
			return
		}
		copied := id
		m.pending = &copied
	}
}

func NewManager(room string, store Store, profiles ProfileLoader, parts *participants.Manager, b *bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		logger:        slog.Default(),
		room:          room,
		store:         store,
		profiles:      profiles,
		parts:         parts,
		bus:           b,
		byParticipant: make(map[string]kv.Identity),
		bySessionUser: make(map[string]kv.Identity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bind subscribes the manager to identity events and participant-change
// snapshots. The returned func unsubscribes both.
func (m *Manager) Bind() func() {
	if m == nil || m.bus == nil {
		return func() {}
	}
	unsubIdentity := m.bus.Subscribe(bus.TopicParticipantIdentity, func(_ string, payload any) {
		m.HandleIdentityEvent(payload)
	})
	unsubChange := m.bus.Subscribe(bus.TopicParticipantsChange, func(_ string, _ any) {
		go m.Rescan(context.Background())
	})
	return func() {
		unsubIdentity()
		unsubChange()
	}
}

// Resolve produces the enriched identity for a joining participant. The
// resolution order is inline userData, the participant index, the
// session-user index, the pending identity, then KV.
func (m *Manager) Resolve(ctx context.Context, p participants.Participant) Resolution {
	id, source := m.resolve(ctx, p)
	res := Resolution{Identity: id, Found: source != ""}
	if res.Found {
		m.writeThrough(ctx, p.ID, id)
		m.logger.Debug("identity resolved",
			"participant", p.ID, "session_user", id.SessionUserID, "source", source)
	}

	if res.Found && m.profiles != nil && m.profiles.Enabled() && id.SessionUserID != "" {
		prof, err := m.profiles.Load(ctx, id.SessionUserID)
		if err != nil {
			m.logger.Warn("profile load failed", "session_user", id.SessionUserID, "error", err)
		} else {
			res.Profile = prof
		}
	}

	res.FriendlyName = friendlyName(res.Profile, p, id)
	return res
}

func (m *Manager) resolve(ctx context.Context, p participants.Participant) (kv.Identity, string) {
	if inline := inlineIdentity(p); inline.SessionUserID != "" {
		// Prefer a richer cached record when the inline block only
		// carries the id.
		if cached, ok := m.lookupSessionUser(inline.SessionUserID); ok {
			return merge(cached, inline), "inline+cache"
		}
		return inline, "inline"
	}
	if cached, ok := m.lookupParticipant(p.ID); ok {
		return cached, "participant-index"
	}
	if pending, ok := m.takePending(); ok {
		return pending, "pending"
	}
	if m.store != nil {
		if stored, err := m.store.GetIdentity(ctx, m.room, p.ID); err == nil && stored.SessionUserID != "" {
			return stored, "kv"
		}
	}
	return kv.Identity{}, ""
}

// HandleIdentityEvent ingests a daily.participant.identity payload. Events
// with pid "unknown" or absent become the pending identity for the next
// unresolved join.
func (m *Manager) HandleIdentityEvent(payload any) {
	pid, id := parseIdentityPayload(payload)
	if id.SessionUserID == "" {
		return
	}
	if pid == "" || pid == UnknownParticipant {
		m.mu.Lock()
		m.pending = &id
		m.bySessionUser[id.SessionUserID] = id
		m.mu.Unlock()
		m.logger.Debug("identity cached as pending", "session_user", id.SessionUserID)
		return
	}
	m.writeThrough(context.Background(), pid, id)
	m.logger.Info("identity mapped", "participant", pid, "session_user", id.SessionUserID)
}

// Rescan walks the active participant set and, for anyone lacking profile
// data, re-emits an enriched join so downstream consumers catch up.
func (m *Manager) Rescan(ctx context.Context) {
	if m == nil || m.parts == nil || m.bus == nil {
		return
	}
	for _, pid := range m.parts.ActiveIDs() {
		p, ok := m.parts.Lookup(pid)
		if !ok || p.Info.Local || p.IsStealth() {
			continue
		}
		if _, have := m.lookupParticipant(pid); have && p.UserDataString("sessionUserId") != "" {
			continue
		}
		res := m.Resolve(ctx, p)
		if !res.Found {
			continue
		}
		m.bus.Publish(bus.TopicParticipantJoin, map[string]any{
			"room":            m.room,
			"participant":     p.ID,
			"userName":        p.Info.UserName,
			"friendlyName":    res.FriendlyName,
			"sessionUserId":   res.Identity.SessionUserID,
			"sessionUserName": res.Identity.SessionUserName,
			"tenantId":        res.Identity.TenantID,
			"rescan":          true,
		})
	}
}

// LookupParticipant returns the cached identity for a pid.
func (m *Manager) LookupParticipant(pid string) (kv.Identity, bool) {
	return m.lookupParticipant(pid)
}

// LookupSessionUser returns the cached identity for a session user id.
func (m *Manager) LookupSessionUser(sessionUserID string) (kv.Identity, bool) {
	return m.lookupSessionUser(sessionUserID)
}

func (m *Manager) lookupParticipant(pid string) (kv.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byParticipant[pid]
	return id, ok
}

func (m *Manager) lookupSessionUser(sessionUserID string) (kv.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySessionUser[sessionUserID]
	return id, ok
}

func (m *Manager) takePending() (kv.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return kv.Identity{}, false
	}
	id := *m.pending
	m.pending = nil
	return id, true
}

// writeThrough updates both in-memory indices and, best effort, the KV
// record at identity:{room}:{pid}.
func (m *Manager) writeThrough(ctx context.Context, pid string, id kv.Identity) {
	m.mu.Lock()
	m.byParticipant[pid] = id
	m.bySessionUser[id.SessionUserID] = id
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.SetIdentity(ctx, m.room, pid, id); err != nil && err != kv.ErrDisabled {
		m.logger.Warn("identity write-through failed", "participant", pid, "error", err)
	}
}

func inlineIdentity(p participants.Participant) kv.Identity {
	return kv.Identity{
		SessionUserID:    p.UserDataString("sessionUserId"),
		SessionUserName:  p.UserDataString("sessionUserName"),
		SessionUserEmail: p.UserDataString("sessionUserEmail"),
		TenantID:         p.UserDataString("tenantId"),
	}
}

// merge overlays the non-empty fields of b on a.
func merge(a, b kv.Identity) kv.Identity {
	if b.SessionUserID != "" {
		a.SessionUserID = b.SessionUserID
	}
	if b.SessionUserName != "" {
		a.SessionUserName = b.SessionUserName
	}
	if b.SessionUserEmail != "" {
		a.SessionUserEmail = b.SessionUserEmail
	}
	if b.TenantID != "" {
		a.TenantID = b.TenantID
	}
	return a
}

// friendlyName picks the spoken name: profile first name, profile full name,
// transport display name, then the session user name. First token only.
func friendlyName(prof profile.Profile, p participants.Participant, id kv.Identity) string {
	if name := prof.FriendlyName(); name != "" {
		return name
	}
	for _, candidate := range []string{p.Info.UserName, id.SessionUserName} {
		if fields := strings.Fields(strings.TrimSpace(candidate)); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func parseIdentityPayload(payload any) (pid string, id kv.Identity) {
	switch v := payload.(type) {
	case kv.Identity:
		return "", v
	case map[string]any:
		get := func(key string) string {
			if s, ok := v[key].(string); ok {
				return strings.TrimSpace(s)
			}
			return ""
		}
		pid = get("participant")
		if pid == "" {
			pid = get("participantId")
		}
		id = kv.Identity{
			SessionUserID:    get("sessionUserId"),
			SessionUserName:  get("sessionUserName"),
			SessionUserEmail: get("sessionUserEmail"),
			TenantID:         get("tenantId"),
		}
	case map[string]string:
		trim := func(key string) string { return strings.TrimSpace(v[key]) }
		pid = trim("participant")
		if pid == "" {
			pid = trim("participantId")
		}
		id = kv.Identity{
			SessionUserID:    trim("sessionUserId"),
			SessionUserName:  trim("sessionUserName"),
			SessionUserEmail: trim("sessionUserEmail"),
			TenantID:         trim("tenantId"),
		}
	}
	return pid, id
}
