package server

import (
	"context"
	"sync"
	"time"

	"github.com/vango-go/vai-rooms/pkg/session"
)

// Entry is one tracked session task. Finished entries stay in the registry so
// /sessions/{id}/leave can answer "already-finished" instead of 404.
type Entry struct {
	Session   *session.Session
	Cfg       session.Config
	StartedAt time.Time

	mu            sync.Mutex
	finished      bool
	runErr        error
	transitioning bool

	stopKeepalive context.CancelFunc
	doneOnce      sync.Once
	done          chan struct{}
}

func newEntry(s *session.Session) *Entry {
	return &Entry{
		Session:   s,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// finish records the task outcome. Idempotent.
func (e *Entry) finish(err error) {
	e.doneOnce.Do(func() {
		e.mu.Lock()
		e.finished = true
		e.runErr = err
		stop := e.stopKeepalive
		e.mu.Unlock()
		if stop != nil {
			stop()
		}
		close(e.done)
	})
}

func (e *Entry) Finished() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished, e.runErr
}

// Done is closed when the session task has returned.
func (e *Entry) Done() <-chan struct{} { return e.done }

func (e *Entry) beginTransition() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transitioning {
		return false
	}
	e.transitioning = true
	return true
}

func (e *Entry) endTransition() {
	e.mu.Lock()
	e.transitioning = false
	e.mu.Unlock()
}

func (e *Entry) inTransition() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitioning
}

// Registry tracks session tasks by id. Mutations happen under one mutex; the
// wait group lets shutdown drain running tasks with a deadline.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	wg      sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register inserts the entry, replacing any previous entry under the same id
// (a transition relaunches under a preserved session id).
func (r *Registry) Register(sessionID string, e *Entry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[string]*Entry)
	}
	old := r.entries[sessionID]
	r.entries[sessionID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		old.finish(nil)
	}
	go func() {
		<-e.done
		r.wg.Done()
	}()
}

func (r *Registry) Get(sessionID string) (*Entry, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

// FindByRoom returns the running entry for a room, if any.
func (r *Registry) FindByRoom(roomURL string) (*Entry, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if done, _ := e.Finished(); done {
			continue
		}
		if e.Session.RoomURL() == roomURL {
			return e, true
		}
	}
	return nil, false
}

func (r *Registry) List() []*Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// RunningCount counts entries whose task has not returned yet.
func (r *Registry) RunningCount() int {
	n := 0
	for _, e := range r.List() {
		if done, _ := e.Finished(); !done {
			n++
		}
	}
	return n
}

func (r *Registry) CancelAll(reason string) (canceled int) {
	for _, e := range r.List() {
		if done, _ := e.Finished(); done {
			continue
		}
		e.Session.Terminate(reason)
		canceled++
	}
	return canceled
}

// Wait blocks until every registered task has finished or ctx expires.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
