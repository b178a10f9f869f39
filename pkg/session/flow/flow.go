// Package flow drives conversational pacing: greeting on first human join,
// timed personality beats with repeat semantics, speak gates so beats never
// talk over anyone, and the wrapup transition. It schedules WHEN the bot
// speaks, never WHAT it says beyond the scripted beat text.
package flow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/vai-rooms/pkg/bus"
	"github.com/vango-go/vai-rooms/pkg/persona"
)

// State is the controller's pacing node.
type State string

const (
	StateBoot         State = "boot"
	StateGreeting     State = "greeting"
	StateConversation State = "conversation"
	StateBeat         State = "beat"
	StateWrapup       State = "wrapup"
)

// interruptedNudge is injected when a beat gets cut off mid-speech.
const interruptedNudge = "You started speaking but were interrupted or cut off."

// shortSpeechThreshold: bot speech shorter than this counts as cut off.
const shortSpeechThreshold = time.Second

// Gates are the pacing knobs applied before any beat is spoken.
type Gates struct {
	// PostSpeakBuffer is how long to hold a beat after the bot stops talking.
	PostSpeakBuffer time.Duration
	// UserIdle is the silence required from the user before a beat fires.
	UserIdle time.Duration
	// UserIdleTimeout bounds the idle wait; after it the beat fires anyway.
	UserIdleTimeout time.Duration
	// MinSpeakGap is the minimum spacing between consecutive beat emissions.
	MinSpeakGap time.Duration
	// Poll is the gate polling interval.
	Poll time.Duration
}

// DefaultGates matches the pacing a standard room session runs with.
func DefaultGates() Gates {
	return Gates{
		PostSpeakBuffer: 3 * time.Second,
		UserIdle:        2 * time.Second,
		UserIdleTimeout: 15 * time.Second,
		MinSpeakGap:     8 * time.Second,
		Poll:            100 * time.Millisecond,
	}
}

func (g Gates) withDefaults() Gates {
	d := DefaultGates()
	if g.PostSpeakBuffer <= 0 {
		g.PostSpeakBuffer = d.PostSpeakBuffer
	}
	if g.UserIdle <= 0 {
		g.UserIdle = d.UserIdle
	}
	if g.UserIdleTimeout <= 0 {
		g.UserIdleTimeout = d.UserIdleTimeout
	}
	if g.MinSpeakGap < 0 {
		g.MinSpeakGap = 0
	}
	if g.Poll <= 0 {
		g.Poll = d.Poll
	}
	return g
}

// beatEvent is one pending emission in the deadline queue.
type beatEvent struct {
	due     time.Time
	index   int
	repeat  int
	message string
	requeue bool
}

// Controller is the per-session pacing state machine.
type Controller struct {
	logger   *slog.Logger
	bus      *bus.Bus
	rec      persona.Record
	gates    Gates
	headless bool
	now      func() time.Time

	mu           sync.Mutex
	state        State
	greetedAt    time.Time
	wrapupAt     time.Time
	schedule     []beatEvent
	lastBeatEmit time.Time

	botSpeaking   bool
	botSpeakStart time.Time
	lastBotStop   time.Time
	userSpeaking  bool
	lastUserStop  time.Time

	greetingSpoken bool
	activeBeat     *beatEvent
	interrupted    bool

	stopped    bool
	recompute  chan struct{}
	wrapupOnce sync.Once
	stopOnce   sync.Once
	cancel     context.CancelFunc
	done       chan struct{}
	unbind     func()
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithHeadless disables the wrapup timer; headless sessions run until told
// to stop.
func WithHeadless(headless bool) Option {
	return func(c *Controller) { c.headless = headless }
}

func NewController(b *bus.Bus, rec persona.Record, gates Gates, opts ...Option) *Controller {
	c := &Controller{
		logger:    slog.Default(),
		bus:       b,
		rec:       rec,
		gates:     gates.withDefaults(),
		now:       time.Now,
		state:     StateBoot,
		recompute: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unbind = c.bind()
	return c
}

func (c *Controller) bind() func() {
	if c.bus == nil {
		return func() {}
	}
	unsubStart := c.bus.Subscribe(bus.TopicBotSpeakingStarted, func(string, any) {
		c.noteBotSpeaking(true)
	})
	unsubStop := c.bus.Subscribe(bus.TopicBotSpeakingStopped, func(string, any) {
		c.noteBotSpeaking(false)
	})
	return func() {
		unsubStart()
		unsubStop()
	}
}

// State returns the current pacing node.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GreetingSpeechStarted reports whether the bot has begun speaking since the
// greeting was emitted. The tool greeting gate keys off this.
func (c *Controller) GreetingSpeechStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greetingSpoken
}

// HumanJoined transitions boot → greeting on the first eligible human. Later
// calls are no-ops; the caller filters local and stealth participants.
func (c *Controller) HumanJoined() {
	c.mu.Lock()
	if c.state != StateBoot || c.stopped {
		c.mu.Unlock()
		return
	}
	c.state = StateGreeting
	c.greetedAt = c.now()
	c.schedule = buildSchedule(c.rec, c.greetedAt)
	if !c.headless && c.rec.WrapupAfter > 0 {
		c.wrapupAt = c.greetedAt.Add(secs(c.rec.WrapupAfter))
	}
	c.mu.Unlock()

	c.logger.Info("greeting", "beats", len(c.rec.Beats), "wrapup_after_secs", c.rec.WrapupAfter)
	if c.bus != nil {
		c.bus.Publish(bus.TopicConversationGreeting, map[string]any{
			"prompt": c.rec.GreetingPrompt,
			"name":   c.rec.Name,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.state = StateConversation
	c.mu.Unlock()
	go c.run(ctx)
}

// NoteUserSpeaking records user speech edges. A start while a beat is being
// spoken flags the interruption.
func (c *Controller) NoteUserSpeaking(started bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userSpeaking = started
	if started {
		if c.activeBeat != nil && c.botSpeaking {
			c.interrupted = true
		}
		return
	}
	c.lastUserStop = c.now()
}

func (c *Controller) noteBotSpeaking(started bool) {
	c.mu.Lock()
	if started {
		c.botSpeaking = true
		c.botSpeakStart = c.now()
		if c.state != StateBoot {
			c.greetingSpoken = true
		}
		c.mu.Unlock()
		return
	}
	c.botSpeaking = false
	c.lastBotStop = c.now()
	duration := c.now().Sub(c.botSpeakStart)
	beat := c.activeBeat
	cutOff := beat != nil && (duration < shortSpeechThreshold || c.interrupted)
	c.activeBeat = nil
	c.interrupted = false
	if cutOff {
		// Say it again after the user has gone quiet.
		requeued := *beat
		requeued.due = c.now().Add(c.gates.UserIdle)
		requeued.requeue = true
		c.schedule = insertEvent(c.schedule, requeued)
	}
	c.mu.Unlock()

	if cutOff {
		c.logger.Info("beat cut off, requeued", "beat", beat.index, "duration_ms", duration.Milliseconds())
		c.poke()
	}
}

// RequestWrapup transitions to wrapup exactly once and emits the wrapup
// event. Safe from any goroutine.
func (c *Controller) RequestWrapup(reason string) {
	c.wrapupOnce.Do(func() {
		c.mu.Lock()
		c.state = StateWrapup
		c.schedule = nil
		c.wrapupAt = time.Time{}
		c.activeBeat = nil
		c.mu.Unlock()

		c.logger.Info("wrapup", "reason", reason)
		if c.bus != nil {
			c.bus.Publish(bus.TopicConversationWrapup, map[string]any{
				"prompt": c.rec.WrapupPrompt,
				"reason": reason,
			})
		}
		c.poke()
	})
}

// Stop tears the controller down without emitting wrapup.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		cancel := c.cancel
		c.schedule = nil
		c.mu.Unlock()
		if c.unbind != nil {
			c.unbind()
		}
		if cancel != nil {
			cancel()
		} else {
			close(c.done)
		}
	})
}

// Done closes when the run loop has exited. Never started means never closed
// unless Stop is called first.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) poke() {
	select {
	case c.recompute <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	for {
		next, ok := c.nextDeadline()
		var timer *time.Timer
		var timerC <-chan time.Time
		if ok {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-c.recompute:
		case <-timerC:
			c.fire(ctx)
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (c *Controller) nextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	if len(c.schedule) > 0 {
		next = c.schedule[0].due
	}
	if !c.wrapupAt.IsZero() && (next.IsZero() || c.wrapupAt.Before(next)) {
		next = c.wrapupAt
	}
	return next, !next.IsZero()
}

// fire handles whatever is due: the wrapup timer or the head of the beat
// queue.
func (c *Controller) fire(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	if !c.wrapupAt.IsZero() && !now.Before(c.wrapupAt) {
		c.mu.Unlock()
		c.RequestWrapup("timer")
		return
	}
	if len(c.schedule) == 0 || now.Before(c.schedule[0].due) || c.state == StateWrapup {
		c.mu.Unlock()
		return
	}
	ev := c.schedule[0]
	c.schedule = c.schedule[1:]

	// Minimum inter-beat spacing: push the event back instead of dropping it.
	if c.gates.MinSpeakGap > 0 && !c.lastBeatEmit.IsZero() {
		if gap := now.Sub(c.lastBeatEmit); gap < c.gates.MinSpeakGap {
			ev.due = c.lastBeatEmit.Add(c.gates.MinSpeakGap)
			c.schedule = insertEvent(c.schedule, ev)
			c.mu.Unlock()
			return
		}
	}
	c.mu.Unlock()

	if !c.passGates(ctx) {
		return
	}

	c.mu.Lock()
	if c.state == StateWrapup {
		c.mu.Unlock()
		return
	}
	c.state = StateBeat
	c.lastBeatEmit = c.now()
	c.activeBeat = &ev
	c.interrupted = false
	if next, ok := nextRepeat(c.rec, ev, c.lastBeatEmit, c.greetedAt); ok {
		c.schedule = insertEvent(c.schedule, next)
	}
	c.mu.Unlock()

	if ev.requeue && c.bus != nil {
		c.bus.Publish(bus.TopicLLMContextMessage, map[string]any{
			"role":    "system",
			"content": interruptedNudge,
		})
	}
	c.logger.Info("beat", "beat", ev.index, "repeat_count", ev.repeat)
	if c.bus != nil {
		c.bus.Publish(bus.TopicConversationBeat, map[string]any{
			"message":      ev.message,
			"beat":         ev.index,
			"repeat_count": ev.repeat,
		})
	}

	c.mu.Lock()
	if c.state == StateBeat {
		c.state = StateConversation
	}
	c.mu.Unlock()
}

// passGates runs the bot-stopped buffer and the bounded user-idle wait.
// Returns false when the emission should be abandoned.
func (c *Controller) passGates(ctx context.Context) bool {
	// Bot-stopped buffer: hold while the bot is (or just was) talking;
	// abort if the user starts speaking during the hold.
	deadline := c.now().Add(c.gates.PostSpeakBuffer)
	for c.now().Before(deadline) {
		now := c.now()
		c.mu.Lock()
		recent := c.botSpeaking ||
			(!c.lastBotStop.IsZero() && now.Sub(c.lastBotStop) < c.gates.PostSpeakBuffer)
		userSpeaking := c.userSpeaking
		c.mu.Unlock()
		if userSpeaking {
			return false
		}
		if !recent {
			break
		}
		if !sleep(ctx, c.gates.Poll) {
			return false
		}
	}

	// User idle: require UserIdle of silence, give up waiting after
	// UserIdleTimeout and speak anyway.
	timeout := c.now().Add(c.gates.UserIdleTimeout)
	for c.now().Before(timeout) {
		c.mu.Lock()
		idle := !c.userSpeaking && (c.lastUserStop.IsZero() || c.now().Sub(c.lastUserStop) >= c.gates.UserIdle)
		c.mu.Unlock()
		if idle {
			return true
		}
		if !sleep(ctx, c.gates.Poll) {
			return false
		}
	}
	return true
}

// WaitGate blocks until the bot is not speaking or delay has elapsed, then
// until the user is idle. External triggers (tools, admin prompts) call this
// before speaking.
func WaitGate(ctx context.Context, delay time.Duration, botSpeaking, userIdle func() bool) error {
	const poll = 100 * time.Millisecond
	deadline := time.Now().Add(delay)
	for time.Now().Before(deadline) {
		if botSpeaking == nil || !botSpeaking() {
			break
		}
		if !sleep(ctx, poll) {
			return ctx.Err()
		}
	}
	for userIdle != nil && !userIdle() {
		if !sleep(ctx, poll) {
			return ctx.Err()
		}
	}
	return nil
}

// UserIdle reports whether the user has been silent long enough for an
// external trigger to speak.
func (c *Controller) UserIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userSpeaking {
		return false
	}
	return c.lastUserStop.IsZero() || c.now().Sub(c.lastUserStop) >= c.gates.UserIdle
}

// BotSpeaking reports whether the bot is mid-utterance.
func (c *Controller) BotSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.botSpeaking
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// buildSchedule lays out one event per beat at its absolute offset from the
// greeting. Repeats are appended lazily as each emission fires.
func buildSchedule(rec persona.Record, greetedAt time.Time) []beatEvent {
	beats := rec.SortedBeats()
	out := make([]beatEvent, 0, len(beats))
	for i, b := range beats {
		out = append(out, beatEvent{
			due:     greetedAt.Add(secs(b.StartTime)),
			index:   i,
			message: b.Message,
		})
	}
	return out
}

// nextRepeat computes the follow-up emission for a beat that just fired. A
// repeat interval of zero means no repeats; a later beat's start time
// supersedes pending repeats of an earlier one.
func nextRepeat(rec persona.Record, ev beatEvent, firedAt, greetedAt time.Time) (beatEvent, bool) {
	if rec.RepeatInterval <= 0 {
		return beatEvent{}, false
	}
	beats := rec.SortedBeats()
	due := firedAt.Add(secs(rec.RepeatInterval))
	if ev.index+1 < len(beats) {
		supersede := greetedAt.Add(secs(beats[ev.index+1].StartTime))
		if !due.Before(supersede) {
			return beatEvent{}, false
		}
	}
	return beatEvent{
		due:     due,
		index:   ev.index,
		repeat:  ev.repeat + 1,
		message: ev.message,
	}, true
}

func insertEvent(schedule []beatEvent, ev beatEvent) []beatEvent {
	schedule = append(schedule, ev)
	sort.SliceStable(schedule, func(i, j int) bool { return schedule[i].due.Before(schedule[j].due) })
	return schedule
}
