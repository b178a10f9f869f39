// Package kv is the typed access layer for the shared Redis store: room
// liveness markers, identity records, admin message queues, streaming config
// updates, the warm-runner standby pool, and active note/applet state.
//
// Every operation is a single-key Redis command; there are no multi-key
// transactions. Admin queues are produced with RPUSH and consumed with LPOP so
// the poller observes FIFO order.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-rooms/pkg/rooms"
)

// ErrDisabled is returned by every operation when the store is not configured
// (USE_REDIS=false or no REDIS_URL). Callers treat it like "not present".
var ErrDisabled = errors.New("kv: store disabled")

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: not found")

const (
	// KeepaliveTTL bounds how stale a runner heartbeat may be before the room
	// is considered dead.
	KeepaliveTTL = 40 * time.Second

	// KeepaliveInterval is how often a live session refreshes its heartbeat.
	KeepaliveInterval = 5 * time.Second

	// IdentityTTL bounds how long an out-of-band identity record is kept.
	IdentityTTL = 24 * time.Hour
)

// Keepalive is the JSON body stored at room_keepalive:{room}.
type Keepalive struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// Identity is the per-participant record stored at identity:{room}:{pid}.
type Identity struct {
	SessionUserID    string `json:"sessionUserId"`
	SessionUserName  string `json:"sessionUserName"`
	SessionUserEmail string `json:"sessionUserEmail"`
	TenantID         string `json:"tenantId"`
}

// ActiveNote is the room-scoped note context stored at room_active_note:{room}.
type ActiveNote struct {
	NoteID      string `json:"noteId"`
	OwnerUserID string `json:"ownerUserId"`
	NoteTitle   string `json:"noteTitle,omitempty"`
}

// ActiveApplet mirrors ActiveNote for applets.
type ActiveApplet struct {
	AppletID    string `json:"appletId"`
	OwnerUserID string `json:"ownerUserId"`
}

type Client struct {
	rdb       redis.UniversalClient
	logger    *slog.Logger
	canonical rooms.CanonicalOptions
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithCanonicalOptions(opts rooms.CanonicalOptions) Option {
	return func(c *Client) { c.canonical = opts }
}

// New wraps an established Redis client. A nil rdb yields a disabled client.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{rdb: rdb, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials Redis from a URL (redis:// or rediss://). An empty URL yields
// a disabled client and no error.
func Connect(ctx context.Context, redisURL string, opts ...Option) (*Client, error) {
	if redisURL == "" {
		return New(nil, opts...), nil
	}
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(parsed)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, opts...), nil
}

func (c *Client) Enabled() bool {
	return c != nil && c.rdb != nil
}

func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Ping(ctx).Err()
}

// CanonicalRoom exposes the client's canonicalization so queue producers and
// consumers derive identical pre-spawn keys.
func (c *Client) CanonicalRoom(roomURL string) string {
	var opts rooms.CanonicalOptions
	if c != nil {
		opts = c.canonical
	}
	return rooms.Canonicalize(roomURL, opts)
}

func keyRoomActive(room string) string    { return "room_active:" + room }
func keyKeepalive(room string) string     { return "room_keepalive:" + room }
func keyIdentity(room, pid string) string { return "identity:" + room + ":" + pid }
func keyAdminQueue(room string) string    { return "admin:queue:" + room }
func keyPreSpawnQueue(canonical string) string {
	return "admin:queue:pre-spawn:" + canonical
}
func keyAdminChannel(room string) string  { return "admin:bot:" + room }
func keyConfigLatest(room string) string  { return "bot:config:latest:" + room }
func keyConfigChannel(room string) string { return "bot:config:room:" + room }
func keyActiveNote(room string) string    { return "room_active_note:" + room }
func keyActiveApplet(room string) string  { return "room_active_applet:" + room }

const keyStandbyPool = "bot:standby:pool"

// --- room liveness ---

func (c *Client) SetRoomActive(ctx context.Context, room string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Set(ctx, keyRoomActive(room), "1", 0).Err()
}

func (c *Client) ClearRoomActive(ctx context.Context, room string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Del(ctx, keyRoomActive(room)).Err()
}

func (c *Client) RoomActive(ctx context.Context, room string) (bool, error) {
	if !c.Enabled() {
		return false, ErrDisabled
	}
	n, err := c.rdb.Exists(ctx, keyRoomActive(room)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Client) RefreshKeepalive(ctx context.Context, room, sessionID string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	body, err := json.Marshal(Keepalive{SessionID: sessionID, Timestamp: time.Now().Unix()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, keyKeepalive(room), body, KeepaliveTTL).Err()
}

func (c *Client) ClearKeepalive(ctx context.Context, room string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Del(ctx, keyKeepalive(room)).Err()
}

func (c *Client) GetKeepalive(ctx context.Context, room string) (Keepalive, error) {
	var ka Keepalive
	if !c.Enabled() {
		return ka, ErrDisabled
	}
	raw, err := c.rdb.Get(ctx, keyKeepalive(room)).Result()
	if errors.Is(err, redis.Nil) {
		return ka, ErrNotFound
	}
	if err != nil {
		return ka, err
	}
	if err := json.Unmarshal([]byte(raw), &ka); err != nil {
		return ka, fmt.Errorf("decode keepalive: %w", err)
	}
	return ka, nil
}

// --- identity records ---

func (c *Client) SetIdentity(ctx context.Context, room, pid string, id Identity) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	key := keyIdentity(room, pid)
	if err := c.rdb.HSet(ctx, key,
		"sessionUserId", id.SessionUserID,
		"sessionUserName", id.SessionUserName,
		"sessionUserEmail", id.SessionUserEmail,
		"tenantId", id.TenantID,
	).Err(); err != nil {
		return err
	}
	return c.rdb.Expire(ctx, key, IdentityTTL).Err()
}

func (c *Client) GetIdentity(ctx context.Context, room, pid string) (Identity, error) {
	var id Identity
	if !c.Enabled() {
		return id, ErrDisabled
	}
	fields, err := c.rdb.HGetAll(ctx, keyIdentity(room, pid)).Result()
	if err != nil {
		return id, err
	}
	if len(fields) == 0 {
		return id, ErrNotFound
	}
	id.SessionUserID = fields["sessionUserId"]
	id.SessionUserName = fields["sessionUserName"]
	id.SessionUserEmail = fields["sessionUserEmail"]
	id.TenantID = fields["tenantId"]
	return id, nil
}

// --- admin queues ---

func (c *Client) PushAdminMessage(ctx context.Context, room string, raw []byte) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.RPush(ctx, keyAdminQueue(room), raw).Err()
}

func (c *Client) PopAdminMessage(ctx context.Context, room string) ([]byte, error) {
	return c.lpop(ctx, keyAdminQueue(room))
}

func (c *Client) PushPreSpawnMessage(ctx context.Context, roomURL string, raw []byte) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.RPush(ctx, keyPreSpawnQueue(c.CanonicalRoom(roomURL)), raw).Err()
}

func (c *Client) PopPreSpawnMessage(ctx context.Context, roomURL string) ([]byte, error) {
	return c.lpop(ctx, keyPreSpawnQueue(c.CanonicalRoom(roomURL)))
}

func (c *Client) lpop(ctx context.Context, key string) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	raw, err := c.rdb.LPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) PublishAdminRealtime(ctx context.Context, room string, raw []byte) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Publish(ctx, keyAdminChannel(room), raw).Err()
}

// --- config channel ---

func (c *Client) SetLatestConfig(ctx context.Context, room string, raw []byte) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Set(ctx, keyConfigLatest(room), raw, 0).Err()
}

func (c *Client) LatestConfig(ctx context.Context, room string) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	raw, err := c.rdb.Get(ctx, keyConfigLatest(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (c *Client) PublishConfig(ctx context.Context, room string, raw []byte) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	if err := c.rdb.Set(ctx, keyConfigLatest(room), raw, 0).Err(); err != nil {
		return err
	}
	return c.rdb.Publish(ctx, keyConfigChannel(room), raw).Err()
}

// SubscribeConfig delivers raw config payloads published for the room until
// ctx is done. The returned stop function closes the subscription.
func (c *Client) SubscribeConfig(ctx context.Context, room string) (<-chan []byte, func(), error) {
	if !c.Enabled() {
		return nil, nil, ErrDisabled
	}
	sub := c.rdb.Subscribe(ctx, keyConfigChannel(room))
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

// --- standby pool ---

func (c *Client) RegisterStandby(ctx context.Context, runnerURL string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.RPush(ctx, keyStandbyPool, runnerURL).Err()
}

func (c *Client) PopStandby(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	url, err := c.rdb.LPop(ctx, keyStandbyPool).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return url, err
}

// --- active note / applet ---

func (c *Client) SetActiveNote(ctx context.Context, room string, note ActiveNote) error {
	return c.setJSON(ctx, keyActiveNote(room), note)
}

func (c *Client) GetActiveNote(ctx context.Context, room string) (ActiveNote, error) {
	var note ActiveNote
	err := c.getJSON(ctx, keyActiveNote(room), &note)
	return note, err
}

func (c *Client) ClearActiveNote(ctx context.Context, room string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Del(ctx, keyActiveNote(room)).Err()
}

func (c *Client) SetActiveApplet(ctx context.Context, room string, applet ActiveApplet) error {
	return c.setJSON(ctx, keyActiveApplet(room), applet)
}

func (c *Client) GetActiveApplet(ctx context.Context, room string) (ActiveApplet, error) {
	var applet ActiveApplet
	err := c.getJSON(ctx, keyActiveApplet(room), &applet)
	return applet, err
}

func (c *Client) ClearActiveApplet(ctx context.Context, room string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Del(ctx, keyActiveApplet(room)).Err()
}

func (c *Client) setJSON(ctx context.Context, key string, v any) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, body, 0).Err()
}

func (c *Client) getJSON(ctx context.Context, key string, v any) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ClearRoomState removes every per-room key a previous session may have left
// behind. Called before a new session starts and when shutdown is scheduled.
func (c *Client) ClearRoomState(ctx context.Context, room string) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	return c.rdb.Del(ctx,
		keyRoomActive(room),
		keyKeepalive(room),
		keyActiveNote(room),
		keyActiveApplet(room),
	).Err()
}
