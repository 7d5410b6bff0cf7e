package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/lunamail/mailpool/internal/database"
	"github.com/lunamail/mailpool/internal/mailerr"
	"github.com/lunamail/mailpool/pkg/models"
)

const (
	testAccount = "a@x.com"
	testFolder  = "INBOX"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAccounts struct{}

func (fakeAccounts) GetAccount(ctx context.Context, email string) (*models.AccountCredential, error) {
	return &models.AccountCredential{Email: email, ClientID: "client", RefreshToken: "rt"}, nil
}

// fakeSession is a scripted protocol session counting every call.
type fakeSession struct {
	mu stdsync.Mutex

	selectCalls       int
	searchSinceCalls  int
	searchRecentCalls int
	fetchCalls        int
	closed            int

	sinceResult  []uint32
	recentResult []uint32
	fetchDelay   time.Duration
	parseFail    map[uint32]bool
	failFetch    error // returned for every Fetch when set
}

func (s *fakeSession) SelectFolder(ctx context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectCalls++
	return nil
}

func (s *fakeSession) SearchSince(ctx context.Context, uid uint32) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchSinceCalls++
	var out []uint32
	for _, u := range s.sinceResult {
		if u > uid {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *fakeSession) SearchRecent(ctx context.Context, n int) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchRecentCalls++
	if len(s.recentResult) > n {
		return s.recentResult[:n], nil
	}
	return s.recentResult, nil
}

func (s *fakeSession) Fetch(ctx context.Context, uid uint32) (*models.FetchedMessage, error) {
	s.mu.Lock()
	s.fetchCalls++
	delay := s.fetchDelay
	failFetch := s.failFetch
	parseFail := s.parseFail[uid]
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failFetch != nil {
		return nil, failFetch
	}
	if parseFail {
		return nil, &mailerr.ParseError{UID: uid, Err: errors.New("malformed")}
	}
	return &models.FetchedMessage{
		UID:         uid,
		Subject:     fmt.Sprintf("subject %d", uid),
		Sender:      models.Address{Name: "Sender", Address: "sender@example.com"},
		To:          []models.Address{{Address: testAccount}},
		Date:        time.Now(),
		BodyContent: "<p>hello</p>",
		BodyType:    models.BodyTypeHTML,
		BodyPreview: "hello",
	}, nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

func (s *fakeSession) counts() (selects, since, recent, fetches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectCalls, s.searchSinceCalls, s.searchRecentCalls, s.fetchCalls
}

func (s *fakeSession) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testStore(t *testing.T, capacity int) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), capacity)
	if err != nil {
		t.Fatalf("database.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return db
}

func seedCache(t *testing.T, db *database.DB, uids []uint32, watermarkAge time.Duration) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	for i, uid := range uids {
		msg := &models.CachedMessage{
			Account:    testAccount,
			Folder:     testFolder,
			MessageID:  fmt.Sprintf("%d", uid),
			Subject:    fmt.Sprintf("cached %d", uid),
			ReceivedAt: now.Add(-time.Duration(len(uids)-i) * time.Minute),
			BodyType:   models.BodyTypeText,
			CreatedAt:  now.Add(-time.Duration(len(uids)-i) * time.Second),
		}
		if err := db.UpsertMessage(ctx, msg); err != nil {
			t.Fatalf("seed upsert error: %v", err)
		}
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO cache_watermarks (account, folder, last_checked_at) VALUES (?, ?, ?)
		 ON CONFLICT(account, folder) DO UPDATE SET last_checked_at = excluded.last_checked_at`,
		testAccount, testFolder, now.Add(-watermarkAge)); err != nil {
		t.Fatalf("seed watermark error: %v", err)
	}
}

func newCoordinator(t *testing.T, store CacheStore, session *fakeSession, dials *int) *Coordinator {
	t.Helper()
	factory := func(ctx context.Context, cred models.AccountCredential) (ProtocolSession, error) {
		if dials != nil {
			*dials++
		}
		return session, nil
	}
	c := New(store, fakeAccounts{}, factory, Options{
		TTL:              time.Minute,
		DefaultFolder:    testFolder,
		PoolCapacity:     4,
		FetchConcurrency: 4,
	}, discard())
	t.Cleanup(c.Close)
	return c
}

func TestFreshCacheServedWithoutNetwork(t *testing.T) {
	db := testStore(t, 100)
	seedCache(t, db, []uint32{1, 2, 3, 4, 5}, 10*time.Second)

	session := &fakeSession{}
	var dials int
	c := newCoordinator(t, db, session, &dials)

	messages, err := c.GetMessages(context.Background(), testAccount, testFolder, 3, false)
	if err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	for i, want := range []string{"5", "4", "3"} {
		if messages[i].ID != want {
			t.Errorf("messages[%d].ID = %q, want %q", i, messages[i].ID, want)
		}
	}
	if dials != 0 {
		t.Errorf("session dialed %d times for a fresh cache, want 0", dials)
	}
}

func TestFullFetchWhenCacheInsufficient(t *testing.T) {
	db := testStore(t, 100)

	session := &fakeSession{recentResult: []uint32{30, 20, 10}}
	c := newCoordinator(t, db, session, nil)

	messages, err := c.GetMessages(context.Background(), testAccount, testFolder, 3, false)
	if err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	if messages[0].ID != "30" {
		t.Errorf("messages[0].ID = %q, want %q", messages[0].ID, "30")
	}
	// The fetched set is returned directly and carries recipients, which a
	// cache round trip would have dropped.
	if len(messages[0].ToRecipients) != 1 {
		t.Errorf("ToRecipients = %v, want the parsed recipient", messages[0].ToRecipients)
	}

	_, since, recent, fetches := session.counts()
	if since != 0 || recent != 1 || fetches != 3 {
		t.Errorf("calls (since=%d recent=%d fetch=%d), want (0, 1, 3)", since, recent, fetches)
	}

	// The fetch was persisted and the watermark stamped.
	count, _, err := db.FolderState(context.Background(), testAccount, testFolder)
	if err != nil {
		t.Fatalf("FolderState() error: %v", err)
	}
	if count != 3 {
		t.Errorf("cached rows = %d, want 3", count)
	}
	if _, ok, _ := db.Watermark(context.Background(), testAccount, testFolder); !ok {
		t.Error("watermark not written after full fetch")
	}
}

func TestForceRefreshBypassesFreshCache(t *testing.T) {
	db := testStore(t, 100)
	seedCache(t, db, []uint32{1, 2, 3}, 0)

	session := &fakeSession{recentResult: []uint32{3, 2, 1}}
	c := newCoordinator(t, db, session, nil)

	if _, err := c.GetMessages(context.Background(), testAccount, testFolder, 2, true); err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}

	_, since, recent, _ := session.counts()
	if recent != 1 || since != 0 {
		t.Errorf("force refresh calls (since=%d recent=%d), want a full fetch", since, recent)
	}
}

func TestIncrementalFetchWhenStale(t *testing.T) {
	db := testStore(t, 100)
	seedCache(t, db, []uint32{100, 101, 102}, 5*time.Minute) // TTL is 1m

	session := &fakeSession{sinceResult: []uint32{101, 102, 103, 104}}
	c := newCoordinator(t, db, session, nil)

	messages, err := c.GetMessages(context.Background(), testAccount, testFolder, 2, false)
	if err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}

	// Only UIDs above the cached maximum were requested.
	_, since, recent, fetches := session.counts()
	if since != 1 || recent != 0 {
		t.Errorf("calls (since=%d recent=%d), want incremental path", since, recent)
	}
	if fetches != 2 {
		t.Errorf("fetches = %d, want 2 (uids 103 and 104)", fetches)
	}

	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	for i, want := range []string{"104", "103"} {
		if messages[i].ID != want {
			t.Errorf("messages[%d].ID = %q, want %q", i, messages[i].ID, want)
		}
	}

	// Cache now holds old and new rows.
	count, maxUID, err := db.FolderState(context.Background(), testAccount, testFolder)
	if err != nil {
		t.Fatalf("FolderState() error: %v", err)
	}
	if count != 5 || maxUID != 104 {
		t.Errorf("folder state = (%d, %d), want (5, 104)", count, maxUID)
	}
}

func TestConcurrentRequestsSingleFetch(t *testing.T) {
	db := testStore(t, 100)
	seedCache(t, db, []uint32{100, 101, 102}, 5*time.Minute)

	session := &fakeSession{
		sinceResult: []uint32{103},
		fetchDelay:  20 * time.Millisecond,
	}
	c := newCoordinator(t, db, session, nil)

	const callers = 5
	var wg stdsync.WaitGroup
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := c.GetMessages(context.Background(), testAccount, testFolder, 2, false)
			if err != nil {
				errCh <- err
				return
			}
			if len(msgs) != 2 {
				errCh <- fmt.Errorf("got %d messages, want 2", len(msgs))
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent GetMessages: %v", err)
	}

	// The first caller fetched; the rest re-checked under the lock and
	// found a fresh cache.
	_, since, _, _ := session.counts()
	if since != 1 {
		t.Errorf("searchSince called %d times by %d concurrent callers, want 1", since, callers)
	}
}

func TestParseFailureSkipsMessage(t *testing.T) {
	db := testStore(t, 100)

	session := &fakeSession{
		recentResult: []uint32{3, 2, 1},
		parseFail:    map[uint32]bool{2: true},
	}
	c := newCoordinator(t, db, session, nil)

	messages, err := c.GetMessages(context.Background(), testAccount, testFolder, 3, false)
	if err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2 (uid 2 skipped)", len(messages))
	}
	for _, m := range messages {
		if m.ID == "2" {
			t.Error("malformed message was not skipped")
		}
	}
}

func TestConnectionFailureInvalidatesSession(t *testing.T) {
	db := testStore(t, 100)

	session := &fakeSession{
		recentResult: []uint32{1},
		failFetch:    mailerr.Connection("uid fetch", errors.New("session aborted")),
	}
	var dials int
	c := newCoordinator(t, db, session, &dials)

	_, err := c.GetMessages(context.Background(), testAccount, testFolder, 1, false)
	if err == nil {
		t.Fatal("GetMessages() succeeded despite connection failure")
	}
	if !mailerr.Retryable(err) {
		t.Errorf("connection failure not retryable: %v", err)
	}
	if session.closedCount() == 0 {
		t.Error("failed session was not removed from the pool")
	}

	// The next request dials a fresh session.
	session.mu.Lock()
	session.failFetch = nil
	session.mu.Unlock()
	if _, err := c.GetMessages(context.Background(), testAccount, testFolder, 1, false); err != nil {
		t.Fatalf("GetMessages() after recovery error: %v", err)
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

// failingStore delegates to a real store but refuses every write.
type failingStore struct {
	CacheStore
}

func (failingStore) UpsertMessage(ctx context.Context, msg *models.CachedMessage) error {
	return errors.New("disk full")
}

func TestFetchSurvivesCacheWriteFailure(t *testing.T) {
	db := testStore(t, 100)

	session := &fakeSession{recentResult: []uint32{2, 1}}
	c := newCoordinator(t, failingStore{db}, session, nil)

	messages, err := c.GetMessages(context.Background(), testAccount, testFolder, 2, false)
	if err != nil {
		t.Fatalf("GetMessages() error: %v, want degraded success", err)
	}
	if len(messages) != 2 {
		t.Errorf("got %d messages, want 2 despite cache write failures", len(messages))
	}
}

func TestInvalidateAccount(t *testing.T) {
	db := testStore(t, 100)
	seedCache(t, db, []uint32{1, 2, 3}, 0)

	session := &fakeSession{}
	c := newCoordinator(t, db, session, nil)

	// Pull a fresh-cache read first so the account has no pooled session,
	// then invalidate.
	if _, err := c.GetMessages(context.Background(), testAccount, testFolder, 2, false); err != nil {
		t.Fatalf("GetMessages() error: %v", err)
	}
	if err := c.InvalidateAccount(context.Background(), testAccount); err != nil {
		t.Fatalf("InvalidateAccount() error: %v", err)
	}

	count, _, err := db.FolderState(context.Background(), testAccount, testFolder)
	if err != nil {
		t.Fatalf("FolderState() error: %v", err)
	}
	if count != 0 {
		t.Errorf("cached rows after invalidation = %d, want 0", count)
	}
}
