package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newInbox(t *testing.T) (*Inbox, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 5, 10, 6, 0, 0, 0, time.UTC)}
	cfg := Config{TTL: time.Hour, RecoveryTimeout: time.Minute, Now: clk.Now}
	return NewInbox(NewMemoryStore(clk.Now), cfg, nil), clk
}

func counting(calls *int, result string, err error) ProcessFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		*calls++
		if err != nil {
			return nil, err
		}
		return json.RawMessage(result), nil
	}
}

func TestRepeatedKeyReplaysFirstResult(t *testing.T) {
	inbox, clk := newInbox(t)
	ctx := context.Background()
	fp := Fingerprint("POST", "/partographs/p1/transitions", `{"operation":"record_placenta_delivery"}`)

	var calls int
	first, err := inbox.Process(ctx, "k1", "transition", fp, counting(&calls, `{"version":4}`, nil))
	if err != nil || first.Replayed {
		t.Fatalf("first = %+v, %v", first, err)
	}

	clk.Advance(20 * time.Minute)
	second, err := inbox.Process(ctx, "k1", "transition", fp, counting(&calls, `{"version":5}`, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replayed || string(second.Result) != `{"version":4}` {
		t.Fatalf("second = %+v", second)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
}

func TestKeyReusedForDifferentRequest(t *testing.T) {
	inbox, _ := newInbox(t)
	ctx := context.Background()

	var calls int
	if _, err := inbox.Process(ctx, "k1", "transition", Fingerprint("a"), counting(&calls, `{}`, nil)); err != nil {
		t.Fatal(err)
	}
	_, err := inbox.Process(ctx, "k1", "transition", Fingerprint("b"), counting(&calls, `{}`, nil))
	if !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected ErrKeyReused, got %v", err)
	}
	_, err = inbox.Process(ctx, "k1", "create", Fingerprint("a"), counting(&calls, `{}`, nil))
	if !errors.Is(err, ErrKeyReused) {
		t.Fatalf("other handler: expected ErrKeyReused, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times", calls)
	}
}

func TestFailedAttemptCanBeRetried(t *testing.T) {
	inbox, _ := newInbox(t)
	ctx := context.Background()
	unavailable := errors.New("storage unavailable")

	var calls int
	if _, err := inbox.Process(ctx, "k1", "create", "fp", counting(&calls, "", unavailable)); !errors.Is(err, unavailable) {
		t.Fatalf("expected handler error, got %v", err)
	}
	res, err := inbox.Process(ctx, "k1", "create", "fp", counting(&calls, `{"ok":true}`, nil))
	if err != nil {
		t.Fatal(err)
	}
	if res.Replayed || !res.Recovered || calls != 2 {
		t.Fatalf("retry = %+v after %d calls", res, calls)
	}
}

func TestTerminalFailureIsRemembered(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 5, 10, 6, 0, 0, 0, time.UTC)}
	bad := errors.New("bad request")
	inbox := NewInbox(NewMemoryStore(clk.Now), Config{
		Now:        clk.Now,
		IsTerminal: func(err error) bool { return errors.Is(err, bad) },
	}, nil)
	ctx := context.Background()

	var calls int
	_, _ = inbox.Process(ctx, "k1", "create", "fp", counting(&calls, "", bad))
	if _, err := inbox.Process(ctx, "k1", "create", "fp", counting(&calls, `{}`, nil)); !errors.Is(err, ErrPreviouslyFailed) {
		t.Fatalf("expected ErrPreviouslyFailed, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times", calls)
	}
}

func TestInProgressAndAbandonedRequests(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 5, 10, 6, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(clk.Now)
	inbox := NewInbox(store, Config{TTL: time.Hour, RecoveryTimeout: time.Minute, Now: clk.Now}, nil)
	ctx := context.Background()

	// a request that crashed after claiming the key
	if err := store.Start(ctx, Entry{
		Key: "k1", Handler: "create", Fingerprint: "fp", Status: StatusStarted,
		CreatedAt: clk.Now(), UpdatedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	var calls int
	if _, err := inbox.Process(ctx, "k1", "create", "fp", counting(&calls, `{}`, nil)); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}

	clk.Advance(2 * time.Minute)
	res, err := inbox.Process(ctx, "k1", "create", "fp", counting(&calls, `{"id":"p1"}`, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Recovered || calls != 1 {
		t.Fatalf("recovered = %+v after %d calls", res, calls)
	}
}

func TestExpiredKeysAreForgotten(t *testing.T) {
	inbox, clk := newInbox(t)
	ctx := context.Background()

	var calls int
	_, _ = inbox.Process(ctx, "k1", "create", "fp", counting(&calls, `{}`, nil))
	clk.Advance(2 * time.Hour)

	res, err := inbox.Process(ctx, "k1", "create", "fp", counting(&calls, `{}`, nil))
	if err != nil || res.Replayed || calls != 2 {
		t.Fatalf("after expiry = %+v, %v, %d calls", res, err, calls)
	}

	clk.Advance(2 * time.Hour)
	n, err := inbox.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Fatalf("cleanup = %d, %v", n, err)
	}
}
