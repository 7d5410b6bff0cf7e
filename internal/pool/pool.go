// Package pool caches live protocol sessions per account with LRU eviction
// and credential-fingerprint invalidation.
package pool

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"github.com/lunamail/mailpool/pkg/models"
)

// Session is a pooled protocol session. Close must be safe to call more
// than once and must never block indefinitely.
type Session interface {
	Close()
}

// Factory dials and authenticates a new session for an account.
type Factory func(ctx context.Context, cred models.AccountCredential) (Session, error)

type entry struct {
	account     string
	fingerprint string
	session     Session
	elem        *list.Element
}

// Pool holds at most capacity sessions keyed by account. The least recently
// used session is evicted (and closed) to make room; a session whose
// credential fingerprint no longer matches is rebuilt on access.
type Pool struct {
	capacity int
	factory  Factory
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used
}

// New creates a pool with the given capacity and session factory.
func New(capacity int, factory Factory, logger *slog.Logger) *Pool {
	return &Pool{
		capacity: capacity,
		factory:  factory,
		logger:   logger.With("component", "connection_pool"),
		entries:  make(map[string]*entry),
		order:    list.New(),
	}
}

// Get returns the pooled session for the account, creating one when none
// exists or the stored credentials changed since it was dialed. The
// returned entry becomes the most recently used.
func (p *Pool) Get(ctx context.Context, cred models.AccountCredential) (Session, error) {
	fingerprint := cred.Fingerprint()

	p.mu.Lock()
	if e, ok := p.entries[cred.Email]; ok {
		if e.fingerprint == fingerprint {
			p.order.MoveToFront(e.elem)
			p.mu.Unlock()
			return e.session, nil
		}
		// Credentials rotated: the session was built against stale ones.
		p.logger.Info("credential fingerprint changed, discarding session", "account", cred.Email)
		p.dropLocked(e)
	}
	p.mu.Unlock()

	// Dial outside the lock so slow connects don't serialize other accounts.
	session, err := p.factory(ctx, cred)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another caller may have raced us here; keep theirs if it still fits.
	if e, ok := p.entries[cred.Email]; ok {
		if e.fingerprint == fingerprint {
			p.order.MoveToFront(e.elem)
			session.Close()
			return e.session, nil
		}
		p.dropLocked(e)
	}

	for len(p.entries) >= p.capacity {
		p.evictLRULocked()
	}

	e := &entry{account: cred.Email, fingerprint: fingerprint, session: session}
	e.elem = p.order.PushFront(e)
	p.entries[cred.Email] = e
	p.logger.Debug("pooled new session", "account", cred.Email, "size", len(p.entries))

	return session, nil
}

// Remove closes and drops the account's session immediately, bypassing LRU
// order. Used on account deletion or credential invalidation.
func (p *Pool) Remove(account string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[account]; ok {
		p.dropLocked(e)
		p.logger.Debug("removed session", "account", account)
	}
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Drain closes every session. Used at shutdown.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("draining connection pool", "sessions", len(p.entries))
	for _, e := range p.entries {
		p.dropLocked(e)
	}
}

func (p *Pool) evictLRULocked() {
	back := p.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	p.logger.Debug("evicting least recently used session", "account", e.account)
	p.dropLocked(e)
}

// dropLocked assumes Session.Close honors its contract of not blocking
// indefinitely; protocol sessions bound logout with their command timeout.
func (p *Pool) dropLocked(e *entry) {
	p.order.Remove(e.elem)
	delete(p.entries, e.account)
	e.session.Close()
}
