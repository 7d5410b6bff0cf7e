// Package sync decides, per request, whether cached mail satisfies a caller
// or a remote fetch is needed, and serializes concurrent work on the same
// (account, folder).
package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lunamail/mailpool/internal/mailerr"
	"github.com/lunamail/mailpool/internal/pool"
	"github.com/lunamail/mailpool/pkg/models"
)

// DefaultLimit is used when a caller passes a non-positive limit.
const DefaultLimit = 10

// ProtocolSession is the slice of the protocol client the coordinator
// drives. Implementations must translate protocol failures into the
// mailerr taxonomy.
type ProtocolSession interface {
	SelectFolder(ctx context.Context, folder string) error
	SearchSince(ctx context.Context, uid uint32) ([]uint32, error)
	SearchRecent(ctx context.Context, n int) ([]uint32, error)
	Fetch(ctx context.Context, uid uint32) (*models.FetchedMessage, error)
	Close()
}

// SessionFactory dials and authenticates a protocol session for an account.
type SessionFactory func(ctx context.Context, cred models.AccountCredential) (ProtocolSession, error)

// CacheStore is the durable message cache consumed by the coordinator.
type CacheStore interface {
	UpsertMessage(ctx context.Context, msg *models.CachedMessage) error
	QueryMessages(ctx context.Context, account, folder string, limit int) ([]models.CachedMessage, error)
	FolderState(ctx context.Context, account, folder string) (count int, maxUID int64, err error)
	Watermark(ctx context.Context, account, folder string) (time.Time, bool, error)
	TouchWatermark(ctx context.Context, account, folder string) error
	EvictAccount(ctx context.Context, account string) error
}

// AccountStore supplies account credentials; owned by the management layer.
type AccountStore interface {
	GetAccount(ctx context.Context, email string) (*models.AccountCredential, error)
}

// Options configure the coordinator.
type Options struct {
	TTL              time.Duration // watermark age before cached data is stale
	DefaultFolder    string
	PoolCapacity     int
	FetchConcurrency int64 // bound on concurrent protocol operations
}

// Coordinator is the facade in front of the cache and the protocol layer.
type Coordinator struct {
	store    CacheStore
	accounts AccountStore
	sessions *pool.Pool
	sem      *semaphore.Weighted
	ttl      time.Duration
	folder   string
	locks    *keyedMutex // per (account, folder): one in-flight sync
	conns    *keyedMutex // per account: one command stream on the shared session
	logger   *slog.Logger
}

// New creates a coordinator owning a session pool built from factory.
func New(store CacheStore, accounts AccountStore, factory SessionFactory, opts Options, logger *slog.Logger) *Coordinator {
	logger = logger.With("component", "sync_coordinator")
	poolFactory := func(ctx context.Context, cred models.AccountCredential) (pool.Session, error) {
		return factory(ctx, cred)
	}
	return &Coordinator{
		store:    store,
		accounts: accounts,
		sessions: pool.New(opts.PoolCapacity, poolFactory, logger),
		sem:      semaphore.NewWeighted(opts.FetchConcurrency),
		ttl:      opts.TTL,
		folder:   opts.DefaultFolder,
		locks:    newKeyedMutex(),
		conns:    newKeyedMutex(),
		logger:   logger,
	}
}

// GetMessages returns up to limit messages for (account, folder), serving
// from cache when it is fresh and sufficient, refreshing incrementally when
// it is sufficient but stale, and doing a full fetch otherwise.
func (c *Coordinator) GetMessages(ctx context.Context, account, folder string, limit int, forceRefresh bool) ([]models.Message, error) {
	if folder == "" {
		folder = c.folder
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	if !forceRefresh {
		if msgs, ok := c.fromFreshCache(ctx, account, folder, limit); ok {
			return msgs, nil
		}
	}

	unlock, err := c.locks.Lock(ctx, account+"\x00"+folder)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Double check under the lock: the first of N concurrent callers did
	// the fetch and the rest now observe a fresh cache.
	if !forceRefresh {
		if msgs, ok := c.fromFreshCache(ctx, account, folder, limit); ok {
			return msgs, nil
		}
	}

	count, maxUID, err := c.store.FolderState(ctx, account, folder)
	if err != nil {
		return nil, err
	}

	cred, err := c.accounts.GetAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	// Protocol I/O is bounded so slow mailboxes cannot monopolize the
	// worker slots shared by every account.
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	// The pooled session has a single selected folder, so the select-to-
	// fetch sequence must not interleave with another folder's sync on the
	// same account.
	unlockConn, err := c.conns.Lock(ctx, account)
	if err != nil {
		return nil, err
	}
	defer unlockConn()

	sess, err := c.session(ctx, *cred)
	if err != nil {
		return nil, err
	}

	if err := sess.SelectFolder(ctx, folder); err != nil {
		return nil, c.dropOnFailure(account, err)
	}

	if count >= limit && maxUID > 0 && !forceRefresh {
		return c.incremental(ctx, sess, account, folder, limit, uint32(maxUID))
	}
	return c.full(ctx, sess, account, folder, limit)
}

// InvalidateAccount drops the pooled session and all cached mail for an
// account. Called on account deletion or credential rotation.
func (c *Coordinator) InvalidateAccount(ctx context.Context, account string) error {
	c.sessions.Remove(account)
	return c.store.EvictAccount(ctx, account)
}

// Close drains the session pool. Used at shutdown.
func (c *Coordinator) Close() {
	c.sessions.Drain()
}

// fromFreshCache serves the request from cache when the folder holds enough
// rows and the watermark is within the TTL. Cache read failures degrade to
// a remote fetch rather than failing the request.
func (c *Coordinator) fromFreshCache(ctx context.Context, account, folder string, limit int) ([]models.Message, bool) {
	count, _, err := c.store.FolderState(ctx, account, folder)
	if err != nil {
		c.logger.Error("cache state read failed", "account", account, "folder", folder, "error", err)
		return nil, false
	}
	if count < limit {
		return nil, false
	}

	checked, ok, err := c.store.Watermark(ctx, account, folder)
	if err != nil {
		c.logger.Error("watermark read failed", "account", account, "folder", folder, "error", err)
		return nil, false
	}
	if !ok || time.Since(checked) > c.ttl {
		return nil, false
	}

	cached, err := c.store.QueryMessages(ctx, account, folder, limit)
	if err != nil {
		c.logger.Error("cache query failed", "account", account, "folder", folder, "error", err)
		return nil, false
	}

	return toMessages(cached), true
}

// incremental fetches only UIDs above the cached maximum, upserts them and
// answers from the cache.
func (c *Coordinator) incremental(ctx context.Context, sess ProtocolSession, account, folder string, limit int, sinceUID uint32) ([]models.Message, error) {
	uids, err := sess.SearchSince(ctx, sinceUID)
	if err != nil {
		return nil, c.dropOnFailure(account, err)
	}
	c.logger.Debug("incremental sync", "account", account, "folder", folder, "since_uid", sinceUID, "new", len(uids))

	for _, uid := range uids {
		fetched, err := sess.Fetch(ctx, uid)
		if err != nil {
			if skippable(err) {
				c.logger.Warn("skipping malformed message", "account", account, "uid", uid, "error", err)
				continue
			}
			return nil, c.dropOnFailure(account, err)
		}
		if err := c.store.UpsertMessage(ctx, fetched.ToCached(account, folder, time.Now())); err != nil {
			c.logger.Error("cache write failed", "account", account, "uid", uid, "error", &mailerr.CacheWriteError{Err: err})
		}
	}

	c.touch(ctx, account, folder)

	cached, err := c.store.QueryMessages(ctx, account, folder, limit)
	if err != nil {
		return nil, err
	}
	return toMessages(cached), nil
}

// full fetches the limit most recent messages and returns the fetched set
// directly, avoiding a second cache round trip. Cache writes are best
// effort here: a store failure must not cost the caller a successful fetch.
func (c *Coordinator) full(ctx context.Context, sess ProtocolSession, account, folder string, limit int) ([]models.Message, error) {
	uids, err := sess.SearchRecent(ctx, limit)
	if err != nil {
		return nil, c.dropOnFailure(account, err)
	}
	c.logger.Debug("full sync", "account", account, "folder", folder, "count", len(uids))

	messages := make([]models.Message, 0, len(uids))
	for _, uid := range uids {
		fetched, err := sess.Fetch(ctx, uid)
		if err != nil {
			if skippable(err) {
				c.logger.Warn("skipping malformed message", "account", account, "uid", uid, "error", err)
				continue
			}
			return nil, c.dropOnFailure(account, err)
		}
		messages = append(messages, fetched.ToMessage())

		if err := c.store.UpsertMessage(ctx, fetched.ToCached(account, folder, time.Now())); err != nil {
			c.logger.Error("cache write failed", "account", account, "uid", uid, "error", &mailerr.CacheWriteError{Err: err})
		}
	}

	c.touch(ctx, account, folder)
	return messages, nil
}

func (c *Coordinator) touch(ctx context.Context, account, folder string) {
	if err := c.store.TouchWatermark(ctx, account, folder); err != nil {
		c.logger.Error("watermark touch failed", "account", account, "folder", folder, "error", err)
	}
}

// session fetches the pooled session, which is always a ProtocolSession
// because the pool is fed exclusively by our factory adapter.
func (c *Coordinator) session(ctx context.Context, cred models.AccountCredential) (ProtocolSession, error) {
	s, err := c.sessions.Get(ctx, cred)
	if err != nil {
		return nil, err
	}
	return s.(ProtocolSession), nil
}

// dropOnFailure invalidates the pooled session for connection and
// authentication failures; both leave the session unusable.
func (c *Coordinator) dropOnFailure(account string, err error) error {
	var ae *mailerr.AuthError
	if mailerr.Retryable(err) || errors.As(err, &ae) {
		c.sessions.Remove(account)
	}
	return err
}

func skippable(err error) bool {
	var pe *mailerr.ParseError
	return errors.As(err, &pe)
}

func toMessages(cached []models.CachedMessage) []models.Message {
	out := make([]models.Message, 0, len(cached))
	for i := range cached {
		out = append(out, cached[i].ToMessage())
	}
	return out
}
