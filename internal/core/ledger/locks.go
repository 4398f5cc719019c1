package ledger

import (
	"context"
	"sync"
	"time"
)

// keyedLocks serializes writers per product id. Each lock is a one-slot
// semaphore so acquisition can give up on a deadline or a cancelled context.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

// acquire blocks until the key is free, timeout elapses or ctx is done.
// A non-positive timeout waits on ctx alone. The returned release must be
// called exactly once.
func (k *keyedLocks) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			k.forget(key, l)
		}, nil
	case <-expired:
		k.forget(key, l)
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		k.forget(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedLocks) forget(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// writeGate admits any number of product writers or a single importer. An
// importer waiting for writers to drain already keeps new writers out.
type writeGate struct {
	mu        sync.Mutex
	writers   int
	exclusive bool
	changed   chan struct{}
}

func newWriteGate() *writeGate {
	return &writeGate{changed: make(chan struct{})}
}

// enter admits a writer unless an import holds or awaits the gate, waiting
// for it until ctx is done.
func (g *writeGate) enter(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.exclusive {
			g.writers++
			g.mu.Unlock()
			return nil
		}
		wait := g.changed
		g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *writeGate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writers--
	if g.exclusive && g.writers == 0 {
		g.broadcast()
	}
}

// lock takes the gate exclusively once every admitted writer has left.
func (g *writeGate) lock(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.exclusive {
			g.exclusive = true
			g.mu.Unlock()
			break
		}
		wait := g.changed
		g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		g.mu.Lock()
		if g.writers == 0 {
			g.mu.Unlock()
			return nil
		}
		wait := g.changed
		g.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			g.unlock()
			return ctx.Err()
		}
	}
}

func (g *writeGate) unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exclusive = false
	g.broadcast()
}

// broadcast wakes every waiter. g.mu must be held.
func (g *writeGate) broadcast() {
	close(g.changed)
	g.changed = make(chan struct{})
}
