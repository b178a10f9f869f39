// Package lifecycle decides when a session dies: initial idle after the bot
// joins an empty room, post-leave idle once the last human departs, and the
// owner-departure grace period for open notes. Room-state markers in KV are
// cleared the moment a shutdown is scheduled so a fresh session never sees a
// stale active flag.
package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-rooms/pkg/kv"
)

// OwnerDepartureGrace is how long a note owner has to rejoin before the note
// is closed on their behalf.
const OwnerDepartureGrace = 5 * time.Second

// RoomState is the KV slice the controller clears and reads.
type RoomState interface {
	ClearRoomActive(ctx context.Context, room string) error
	ClearKeepalive(ctx context.Context, room string) error
	GetActiveNote(ctx context.Context, room string) (kv.ActiveNote, error)
	ClearActiveNote(ctx context.Context, room string) error
}

// Counts reports who is still in the room.
type Counts interface {
	HumanCount() int
	StealthCount() int
}

// Deps wires the controller into the session.
type Deps struct {
	Room  string
	State RoomState
	Parts Counts

	// Terminate cancels the session task. Called at most once.
	Terminate func(reason string)
	// Speak queues an internal voice message (note closure).
	Speak func(text string)
	// OwnerPresent reports whether the session user is back in the room.
	OwnerPresent func(sessionUserID string) bool
}

// Controller runs the idle timers for one session.
type Controller struct {
	logger *slog.Logger
	deps   Deps

	// initialIdle / postLeaveIdle <= 0 means infinite (headless sessions).
	initialIdle   time.Duration
	postLeaveIdle time.Duration

	ownerGrace time.Duration

	mu            sync.Mutex
	pendingCancel context.CancelFunc
	botJoined     bool

	terminateOnce sync.Once
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithOwnerGrace overrides the owner-departure grace period.
func WithOwnerGrace(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.ownerGrace = d
		}
	}
}

func New(deps Deps, initialIdle, postLeaveIdle time.Duration, opts ...Option) *Controller {
	c := &Controller{
		logger:        slog.Default(),
		deps:          deps,
		initialIdle:   initialIdle,
		postLeaveIdle: postLeaveIdle,
		ownerGrace:    OwnerDepartureGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BotJoined arms the initial idle timer, but only when the bot lands in an
// empty room. Humans already present mean the session is live.
func (c *Controller) BotJoined(ctx context.Context) {
	c.mu.Lock()
	c.botJoined = true
	c.mu.Unlock()

	if c.humanCount() > 0 {
		return
	}
	if c.initialIdle <= 0 {
		return
	}
	c.logger.Info("[empty-room] No participants", "room", c.deps.Room, "initial_idle", c.initialIdle)
	c.scheduleShutdown(ctx, "initial-idle", c.initialIdle)
}

// HumanJoined cancels any pending shutdown.
func (c *Controller) HumanJoined() {
	c.CancelPendingShutdown()
}

// HumanLeft schedules the post-leave shutdown when the room has fully
// emptied, and starts the owner-departure grace period when the departing
// user owns the active note.
func (c *Controller) HumanLeft(ctx context.Context, sessionUserID string) {
	c.checkOwnerDeparture(ctx, sessionUserID)

	if c.humanCount() > 0 || c.stealthCount() > 0 {
		return
	}
	if c.postLeaveIdle <= 0 {
		return
	}
	c.logger.Info("room emptied", "room", c.deps.Room, "post_leave_idle", c.postLeaveIdle)
	c.scheduleShutdown(ctx, "post-leave-idle", c.postLeaveIdle)
}

// scheduleShutdown clears the room-active marker and keepalive immediately,
// then terminates after the delay unless cancelled.
func (c *Controller) scheduleShutdown(ctx context.Context, reason string, delay time.Duration) {
	c.CancelPendingShutdown()

	if c.deps.State != nil {
		if err := c.deps.State.ClearRoomActive(ctx, c.deps.Room); err != nil && err != kv.ErrDisabled {
			c.logger.Warn("room_active clear failed", "room", c.deps.Room, "error", err)
		}
		if err := c.deps.State.ClearKeepalive(ctx, c.deps.Room); err != nil && err != kv.ErrDisabled {
			c.logger.Warn("keepalive clear failed", "room", c.deps.Room, "error", err)
		}
	}

	waitCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.pendingCancel = cancel
	c.mu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-waitCtx.Done():
			return
		case <-timer.C:
		}
		c.Terminate(reason)
	}()
}

// CancelPendingShutdown aborts a scheduled shutdown if one is waiting.
func (c *Controller) CancelPendingShutdown() {
	c.mu.Lock()
	cancel := c.pendingCancel
	c.pendingCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.logger.Info("pending shutdown cancelled", "room", c.deps.Room)
	}
}

// Terminate fires the session-task cancellation exactly once.
func (c *Controller) Terminate(reason string) {
	c.terminateOnce.Do(func() {
		c.logger.Info("terminating session", "room", c.deps.Room, "reason", reason)
		if c.deps.Terminate != nil {
			c.deps.Terminate(reason)
		}
	})
}

// checkOwnerDeparture waits the grace period and, if the note owner stayed
// away, voices the closure and clears the note state.
func (c *Controller) checkOwnerDeparture(ctx context.Context, sessionUserID string) {
	sessionUserID = strings.TrimSpace(sessionUserID)
	if sessionUserID == "" || c.deps.State == nil {
		return
	}
	note, err := c.deps.State.GetActiveNote(ctx, c.deps.Room)
	if err != nil || note.NoteID == "" || note.OwnerUserID != sessionUserID {
		return
	}

	go func() {
		timer := time.NewTimer(c.ownerGrace)
		defer timer.Stop()
		<-timer.C

		if c.deps.OwnerPresent != nil && c.deps.OwnerPresent(sessionUserID) {
			return
		}
		c.logger.Info("note owner departed, closing note", "room", c.deps.Room, "note", note.NoteID)
		if c.deps.Speak != nil {
			c.deps.Speak("The note owner has left, so I'm closing the note for now.")
		}
		if err := c.deps.State.ClearActiveNote(context.Background(), c.deps.Room); err != nil && err != kv.ErrDisabled {
			c.logger.Warn("active note clear failed", "room", c.deps.Room, "error", err)
		}
	}()
}

func (c *Controller) humanCount() int {
	if c.deps.Parts == nil {
		return 0
	}
	return c.deps.Parts.HumanCount()
}

func (c *Controller) stealthCount() int {
	if c.deps.Parts == nil {
		return 0
	}
	return c.deps.Parts.StealthCount()
}
