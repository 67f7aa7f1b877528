package fx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atomicsettle/coordinator/internal/money"
)

// mockProvider returns a fixed quote or error, recording how many times it
// was called.
type mockProvider struct {
	mu    sync.Mutex
	name  string
	mid   float64
	err   error
	calls int
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) GetQuote(ctx context.Context, base, quoteCcy string) (Quote, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return Quote{}, p.err
	}
	return Quote{Provider: p.name, Base: base, Quote: quoteCcy, Mid: p.mid, ObservedAt: time.Now()}, nil
}

func newMockProvider(name string, mid float64) *mockProvider {
	return &mockProvider{name: name, mid: mid}
}

func TestLockRate_QuorumMetReturnsMedian(t *testing.T) {
	providers := []Provider{
		newMockProvider("a", 1.10),
		newMockProvider("b", 1.12),
		newMockProvider("c", 1.11),
	}
	e := NewEngine(providers, time.Minute, 30*time.Second, 0.01)

	lock, err := e.LockRate(context.Background(), "settle-1", "EUR", "USD")
	if err != nil {
		t.Fatalf("LockRate: %v", err)
	}
	if lock.Mid != 1.11 {
		t.Fatalf("expected median 1.11, got %v", lock.Mid)
	}
	if lock.ProviderCount != 3 {
		t.Fatalf("expected 3 providers, got %d", lock.ProviderCount)
	}
	if lock.Expired(time.Now()) {
		t.Fatal("freshly issued lock reports expired")
	}
}

func TestLockRate_BelowQuorumRejected(t *testing.T) {
	providers := []Provider{
		newMockProvider("a", 1.10),
		&mockProvider{name: "b", err: errors.New("unreachable")},
		&mockProvider{name: "c", err: errors.New("unreachable")},
	}
	e := NewEngine(providers, time.Minute, 30*time.Second, 0.01)

	_, err := e.LockRate(context.Background(), "settle-1", "EUR", "USD")
	if !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("expected ErrQuorumNotMet, got %v", err)
	}
}

func TestLockRate_NoProvidersReachable(t *testing.T) {
	providers := []Provider{
		&mockProvider{name: "a", err: errors.New("down")},
	}
	e := NewEngine(providers, time.Minute, 30*time.Second, 0.01)

	_, err := e.LockRate(context.Background(), "settle-1", "EUR", "USD")
	if !errors.Is(err, ErrNoQuotes) {
		t.Fatalf("expected ErrNoQuotes, got %v", err)
	}
}

func TestLockRate_StaleQuotesExcludedFromQuorum(t *testing.T) {
	providers := []Provider{
		newMockProvider("a", 1.10),
		newMockProvider("b", 1.12),
	}
	e := NewEngine(providers, time.Millisecond, 30*time.Second, 0.01)

	// Pre-populate the window with a quote that is already stale relative to
	// the 1ms freshness window, then immediately refresh — the stale entry
	// must not count toward quorum once it ages out on the next check.
	w := e.window("EUR", "USD")
	w.mu.Lock()
	w.quotes["ghost"] = Quote{Provider: "ghost", Mid: 9.99, ObservedAt: time.Now().Add(-time.Hour)}
	w.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	lock, err := e.LockRate(context.Background(), "settle-1", "EUR", "USD")
	if err != nil {
		t.Fatalf("LockRate: %v", err)
	}
	if lock.Mid == 9.99 {
		t.Fatal("stale ghost quote leaked into quorum result")
	}
}

// fakeRateCache is an in-memory RateCache stand-in for tests that don't need
// a real Redis instance.
type fakeRateCache struct {
	mu    sync.Mutex
	mid   float64
	count int
	ok    bool
}

func (c *fakeRateCache) Get(ctx context.Context, pair string) (float64, int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mid, c.count, c.ok, nil
}

func (c *fakeRateCache) Set(ctx context.Context, pair string, mid float64, providerCount int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mid, c.count, c.ok = mid, providerCount, true
	return nil
}

func TestLockRate_CacheHitSkipsProviderPoll(t *testing.T) {
	p := newMockProvider("a", 1.50)
	e := NewEngine([]Provider{p}, time.Minute, 30*time.Second, 0.01)
	cache := &fakeRateCache{mid: 1.23, count: 4, ok: true}
	e.WithCache(cache)

	lock, err := e.LockRate(context.Background(), "settle-1", "EUR", "USD")
	if err != nil {
		t.Fatalf("LockRate: %v", err)
	}
	if lock.Mid != 1.23 {
		t.Fatalf("expected cached mid 1.23, got %v", lock.Mid)
	}
	p.mu.Lock()
	calls := p.calls
	p.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected provider untouched on cache hit, got %d calls", calls)
	}
}

func TestLockRate_CacheMissWritesBack(t *testing.T) {
	providers := []Provider{newMockProvider("a", 1.40), newMockProvider("b", 1.40)}
	e := NewEngine(providers, time.Minute, 30*time.Second, 0.01)
	cache := &fakeRateCache{}
	e.WithCache(cache)

	_, err := e.LockRate(context.Background(), "settle-1", "EUR", "USD")
	if err != nil {
		t.Fatalf("LockRate: %v", err)
	}
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if !cache.ok || cache.mid != 1.40 {
		t.Fatalf("expected cache populated with 1.40, got %v ok=%v", cache.mid, cache.ok)
	}
}

func TestConvertLeg_AtCoordinatorRoundsBankers(t *testing.T) {
	lock := &RateLock{Mid: 1.10}
	got, err := lock.ConvertLeg("100.00", "USD", "EUR")
	if err != nil {
		t.Fatalf("ConvertLeg: %v", err)
	}
	if got != "110.00" {
		t.Fatalf("expected 110.00, got %s", got)
	}
}

func TestConvertLeg_InvalidSourceAmount(t *testing.T) {
	lock := &RateLock{Mid: 1.10}
	_, err := lock.ConvertLeg("not-a-number", "USD", "EUR")
	if !errors.Is(err, money.ErrInvalidAmount) {
		t.Fatalf("expected money.ErrInvalidAmount, got %v", err)
	}
}

func TestValidateSourceConverted_WithinTolerance(t *testing.T) {
	lock := &RateLock{Mid: 1.10}
	ok, err := lock.ValidateSourceConverted("100.00", "USD", "110.00", "EUR", 0.01)
	if err != nil {
		t.Fatalf("ValidateSourceConverted: %v", err)
	}
	if !ok {
		t.Fatal("expected exact mid conversion to validate within tolerance")
	}
}

func TestValidateSourceConverted_OutsideTolerance(t *testing.T) {
	lock := &RateLock{Mid: 1.10}
	ok, err := lock.ValidateSourceConverted("100.00", "USD", "200.00", "EUR", 0.01)
	if err != nil {
		t.Fatalf("ValidateSourceConverted: %v", err)
	}
	if ok {
		t.Fatal("expected wildly off conversion to fail tolerance check")
	}
}

func TestValidateSourceConverted_ZeroSourceRejected(t *testing.T) {
	lock := &RateLock{Mid: 1.10}
	_, err := lock.ValidateSourceConverted("0.00", "USD", "0.00", "EUR", 0.01)
	if !errors.Is(err, money.ErrInvalidAmount) {
		t.Fatalf("expected money.ErrInvalidAmount for zero source amount, got %v", err)
	}
}

func TestQuorum(t *testing.T) {
	cases := map[int]int{1: 2, 2: 2, 3: 3, 4: 3, 5: 4, 6: 4}
	for n, want := range cases {
		if got := quorum(n); got != want {
			t.Errorf("quorum(%d) = %d, want %d", n, got, want)
		}
	}
}
