package sessions

import (
	"context"
	"sync"
)

// locker hands out one turn lock per session id, granted in reservation
// order. A reservation is taken synchronously and waited on later, which
// is how the gateway keeps chats within a session in arrival order
// without blocking its read loop on a busy session.
type locker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// slot is one session's lock state: whether the lock is held, and the
// line of tickets waiting for it, front first.
type slot struct {
	held    bool
	waiters []*Ticket
}

func newLocker() *locker {
	return &locker{slots: map[string]*slot{}}
}

// Ticket is one place in a session's turn queue. Wait blocks until the
// ticket reaches the front; Release hands the lock to the next in line
// and is idempotent.
type Ticket struct {
	l     *locker
	id    string
	ready chan struct{}

	// granted is guarded by l.mu.
	granted bool

	once sync.Once
}

// reserve appends a ticket to the session's line, granting it immediately
// when the lock is free and nobody is queued ahead.
func (l *locker) reserve(id string) *Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[id]
	if !ok {
		s = &slot{}
		l.slots[id] = s
	}

	t := &Ticket{l: l, id: id, ready: make(chan struct{})}
	if !s.held && len(s.waiters) == 0 {
		s.held = true
		t.granted = true
		close(t.ready)
	} else {
		s.waiters = append(s.waiters, t)
	}
	return t
}

// acquire blocks until the session's lock is free or ctx is done. The
// returned release is idempotent.
func (l *locker) acquire(ctx context.Context, id string) (func(), error) {
	t := l.reserve(id)
	if err := t.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Release, nil
}

// Wait blocks until the ticket holds the session lock or ctx is done. A
// cancelled ticket never holds the lock: a grant racing the cancellation
// is passed to the next waiter, and the ticket is spent either way.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}
	t.settle()
	return ctx.Err()
}

// Release hands the lock to the next waiter.
func (t *Ticket) Release() {
	t.settle()
}

// settle retires the ticket exactly once: a granted ticket passes the
// lock on, an ungranted one leaves the line.
func (t *Ticket) settle() {
	t.once.Do(func() {
		t.l.mu.Lock()
		defer t.l.mu.Unlock()

		if t.granted {
			t.l.advanceLocked(t.id)
		} else {
			t.l.removeWaiterLocked(t.id, t)
		}
	})
}

// advanceLocked grants the lock to the session's next waiter, or marks it
// free when the line is empty.
func (l *locker) advanceLocked(id string) {
	s, ok := l.slots[id]
	if !ok {
		return
	}
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		next.granted = true
		close(next.ready)
		return
	}
	s.held = false
}

func (l *locker) removeWaiterLocked(id string, t *Ticket) {
	s, ok := l.slots[id]
	if !ok {
		return
	}
	for i, w := range s.waiters {
		if w == t {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// forget drops the lock entry when nobody holds or awaits it. Held
// entries stay put so the holder's release keeps working; a later prune
// collects them.
func (l *locker) forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.dropFreeLocked(id)
}

// prune drops free lock entries whose id is not in alive.
func (l *locker) prune(alive map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id := range l.slots {
		if _, ok := alive[id]; !ok {
			l.dropFreeLocked(id)
		}
	}
}

func (l *locker) dropFreeLocked(id string) {
	s, ok := l.slots[id]
	if !ok {
		return
	}
	if !s.held && len(s.waiters) == 0 {
		delete(l.slots, id)
	}
}

// size reports how many lock entries exist.
func (l *locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.slots)
}
