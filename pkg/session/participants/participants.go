// Package participants tracks who is in the room: the active human set, the
// stealth set (hidden from UI events and greeting logic), the local bot, and
// a metadata cache for scrubbed logging.
package participants

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// StealthNamePrefix marks stealth participants by display name.
	StealthNamePrefix = "stealth-user"

	// StealthSentinelUserID marks stealth participants by session user id.
	StealthSentinelUserID = "nia-stealth-user"
)

// Info mirrors the transport's participant info block.
type Info struct {
	UserName string         `json:"userName,omitempty"`
	UserData map[string]any `json:"userData,omitempty"`
	Local    bool           `json:"local,omitempty"`
}

// Participant is the transport-level participant snapshot.
type Participant struct {
	ID       string    `json:"id"`
	Info     Info      `json:"info"`
	JoinedAt time.Time `json:"joinedAt,omitzero"`
}

// UserDataString pulls a string field out of info.userData.
func (p Participant) UserDataString(key string) string {
	if p.Info.UserData == nil {
		return ""
	}
	if v, ok := p.Info.UserData[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// IsStealth reports whether the participant must be hidden from outbound UI
// events and greeting logic.
func (p Participant) IsStealth() bool {
	if strings.HasPrefix(strings.TrimSpace(p.Info.UserName), StealthNamePrefix) {
		return true
	}
	if p.Info.UserData != nil {
		if v, ok := p.Info.UserData["stealth"]; ok && truthy(v) {
			return true
		}
	}
	return strings.EqualFold(p.UserDataString("sessionUserId"), StealthSentinelUserID)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		}
		return false
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

// Manager holds room membership. Mutations take the single lock; reads used
// only for logging may observe slightly stale state.
type Manager struct {
	logger *slog.Logger

	mu         sync.Mutex
	active     map[string]struct{}
	stealth    map[string]struct{}
	localBotID string
	meta       map[string]Participant
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		active:  make(map[string]struct{}),
		stealth: make(map[string]struct{}),
		meta:    make(map[string]Participant),
	}
}

// AddActive places pid in the active set, removing it from stealth if present.
func (m *Manager) AddActive(p Participant) {
	if m == nil || p.ID == "" {
		return
	}
	m.mu.Lock()
	delete(m.stealth, p.ID)
	m.active[p.ID] = struct{}{}
	m.meta[p.ID] = p
	m.mu.Unlock()
	m.logger.Info("participant active", "participant", p.ID, "name", p.Info.UserName)
}

// AddStealth places pid in the stealth set, removing it from active if present.
func (m *Manager) AddStealth(p Participant) {
	if m == nil || p.ID == "" {
		return
	}
	m.mu.Lock()
	delete(m.active, p.ID)
	m.stealth[p.ID] = struct{}{}
	m.meta[p.ID] = p
	m.mu.Unlock()
	m.logger.Info("participant stealth", "participant", p.ID)
}

// Remove drops pid from both sets and the metadata cache.
func (m *Manager) Remove(pid string) {
	if m == nil || pid == "" {
		return
	}
	m.mu.Lock()
	delete(m.active, pid)
	delete(m.stealth, pid)
	delete(m.meta, pid)
	if m.localBotID == pid {
		m.localBotID = ""
	}
	m.mu.Unlock()
	m.logger.Info("participant removed", "participant", pid)
}

// SetLocalBot records the bot's own participant id. The bot is never a member
// of the active or stealth sets.
func (m *Manager) SetLocalBot(pid string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.localBotID = pid
	delete(m.active, pid)
	delete(m.stealth, pid)
	m.mu.Unlock()
}

func (m *Manager) LocalBotID() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localBotID
}

func (m *Manager) IsActive(pid string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[pid]
	return ok
}

func (m *Manager) IsStealthID(pid string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stealth[pid]
	return ok
}

func (m *Manager) HumanCount() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) StealthCount() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stealth)
}

func (m *Manager) TotalCount() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active) + len(m.stealth)
}

// Lookup returns the cached participant snapshot.
func (m *Manager) Lookup(pid string) (Participant, bool) {
	if m == nil {
		return Participant{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.meta[pid]
	return p, ok
}

// ActiveIDs returns a snapshot of the active set.
func (m *Manager) ActiveIDs() []string {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for pid := range m.active {
		out = append(out, pid)
	}
	return out
}
