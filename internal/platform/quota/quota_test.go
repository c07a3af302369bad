package quota

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/icdbridge/icdbridge/internal/domain/account"
	"github.com/icdbridge/icdbridge/internal/platform/auth"
	platformmw "github.com/icdbridge/icdbridge/internal/platform/middleware"
)

var testTiers = Tiers{
	account.TierFree:  3,
	account.TierBasic: 10,
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.t = t
	f.mu.Unlock()
}

func testAccount(tier, sub string) *account.Account {
	return &account.Account{
		ID:                 uuid.New(),
		Email:              "quota@example.com",
		Status:             account.StatusActive,
		Tier:               tier,
		SubscriptionStatus: sub,
	}
}

func newTestGateway(clock *fakeClock) (*Gateway, *MemoryLedger) {
	ledger := NewMemoryLedger()
	return NewGateway(ledger, testTiers, zerolog.Nop(), WithClock(clock.Now)), ledger
}

func TestTiersLimit(t *testing.T) {
	if got := testTiers.Limit(account.TierBasic); got != 10 {
		t.Errorf("basic = %d, want 10", got)
	}
	if got := testTiers.Limit("platinum"); got != 3 {
		t.Errorf("unknown tier = %d, want free limit 3", got)
	}
}

func TestStartOfDay(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	in := time.Date(2026, 3, 11, 2, 30, 0, 0, loc) // 2026-03-10 21:30 UTC
	got := StartOfDay(in)
	want := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("StartOfDay = %v, want %v", got, want)
	}
}

func TestMemoryLedger_ReserveIsAtomic(t *testing.T) {
	l := NewMemoryLedger()
	id := uuid.New()
	since := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	at := since.Add(time.Hour)

	var admitted, exhausted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.Reserve(context.Background(), Record{AccountID: id, At: at}, since, 10)
			switch {
			case err == nil:
				atomic.AddInt64(&admitted, 1)
			case errors.Is(err, ErrExhausted):
				atomic.AddInt64(&exhausted, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admitted != 10 || exhausted != 40 {
		t.Fatalf("admitted=%d exhausted=%d, want 10/40", admitted, exhausted)
	}
	used, _ := l.UsageSince(context.Background(), id, since)
	if used != 10 {
		t.Errorf("usage = %d, want 10", used)
	}
}

func TestMemoryLedger_Cancel(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	id := uuid.New()
	since := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	rid, used, err := l.Reserve(ctx, Record{AccountID: id, At: since}, since, 5)
	if err != nil || used != 1 {
		t.Fatalf("Reserve = %d, %v", used, err)
	}
	if err := l.Cancel(ctx, rid); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if n, _ := l.UsageSince(ctx, id, since); n != 0 {
		t.Errorf("usage after cancel = %d, want 0", n)
	}
	if err := l.Cancel(ctx, rid); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("second cancel = %v, want ErrUnknownReservation", err)
	}
}

func TestMemoryLedger_Prune(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	id := uuid.New()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	old, _, _ := l.Reserve(ctx, Record{AccountID: id, At: day.Add(-time.Hour)}, day.Add(-24*time.Hour), 5)
	_ = l.Append(ctx, Record{AccountID: id, At: day.Add(time.Hour)})

	l.Prune(day)
	if n, _ := l.UsageSince(ctx, id, time.Time{}); n != 1 {
		t.Errorf("usage after prune = %d, want 1", n)
	}
	if err := l.Cancel(ctx, old); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("cancel pruned = %v, want ErrUnknownReservation", err)
	}
}

func TestGateway_AdmitUntilExhausted(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	g, _ := newTestGateway(clock)
	acct := testAccount(account.TierFree, account.SubscriptionNone)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		adm, err := g.Admit(ctx, acct, "/convert", "")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if adm.CurrentUsage != int64(i) || adm.Remaining != int64(3-i) {
			t.Errorf("request %d: usage=%d remaining=%d", i, adm.CurrentUsage, adm.Remaining)
		}
	}

	_, err := g.Admit(ctx, acct, "/convert", "")
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("4th request err = %v, want RateLimitedError", err)
	}
	if rl.Error() != "daily rate limit exceeded: your free plan allows 3 requests per day" {
		t.Errorf("message = %q", rl.Error())
	}
	wantReset := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !rl.ResetAt.Equal(wantReset) {
		t.Errorf("ResetAt = %v, want %v", rl.ResetAt, wantReset)
	}

	st, err := g.Status(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentUsage != 3 || st.Remaining != 0 {
		t.Errorf("rejection was recorded: %+v", st)
	}
}

func TestGateway_ResetsAtUTCMidnight(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)}
	g, _ := newTestGateway(clock)
	acct := testAccount(account.TierFree, account.SubscriptionNone)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.Admit(ctx, acct, "/convert", ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := g.CheckQuota(ctx, acct); err == nil {
		t.Fatal("expected quota exhausted before midnight")
	}

	clock.Set(time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC))
	st, err := g.CheckQuota(ctx, acct)
	if err != nil {
		t.Fatalf("after midnight: %v", err)
	}
	if st.CurrentUsage != 0 || st.Remaining != 3 {
		t.Errorf("after midnight: %+v", st)
	}
}

func TestGateway_PaidTierNeedsActiveSubscription(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	g, _ := newTestGateway(clock)
	ctx := context.Background()

	st, err := g.Status(ctx, testAccount(account.TierBasic, account.SubscriptionActive))
	if err != nil {
		t.Fatal(err)
	}
	if st.Tier != account.TierBasic || st.DailyLimit != 10 {
		t.Errorf("active basic: %+v", st)
	}

	st, err = g.Status(ctx, testAccount(account.TierBasic, account.SubscriptionPastDue))
	if err != nil {
		t.Fatal(err)
	}
	if st.Tier != account.TierFree || st.DailyLimit != 3 {
		t.Errorf("past-due basic: %+v", st)
	}
}

func TestGateway_RecordUsage(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	g, _ := newTestGateway(clock)
	acct := testAccount(account.TierFree, account.SubscriptionNone)
	ctx := context.Background()

	if err := g.RecordUsage(ctx, acct, "/convert", "req-1"); err != nil {
		t.Fatal(err)
	}
	st, _ := g.Status(ctx, acct)
	if st.CurrentUsage != 1 {
		t.Errorf("usage = %d, want 1", st.CurrentUsage)
	}
}

func serveWithQuota(t *testing.T, g *Gateway, acct *account.Account, h echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/convert", nil)
	if acct != nil {
		req = req.WithContext(auth.WithAccount(req.Context(), acct))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := Middleware(g, zerolog.Nop())(h)(c)
	return rec, err
}

func okHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"ok": "yes"})
}

func TestMiddleware_SetsHeaders(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	g, _ := newTestGateway(clock)
	acct := testAccount(account.TierFree, account.SubscriptionNone)

	rec, err := serveWithQuota(t, g, acct, okHandler)
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get(HeaderLimit); got != "3" {
		t.Errorf("%s = %q", HeaderLimit, got)
	}
	if got := rec.Header().Get(HeaderRemaining); got != "2" {
		t.Errorf("%s = %q", HeaderRemaining, got)
	}
	reset := strconv.FormatInt(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC).Unix(), 10)
	if got := rec.Header().Get(HeaderReset); got != reset {
		t.Errorf("%s = %q", HeaderReset, got)
	}
}

func TestMiddleware_RejectsWith429(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)}
	g, _ := newTestGateway(clock)
	acct := testAccount(account.TierFree, account.SubscriptionNone)

	for i := 0; i < 3; i++ {
		if _, err := serveWithQuota(t, g, acct, okHandler); err != nil {
			t.Fatal(err)
		}
	}

	called := false
	rec, err := serveWithQuota(t, g, acct, func(c echo.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("handler ran on an exhausted quota")
	}
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want 429", err)
	}
	body, _ := he.Message.(map[string]interface{})
	if body["tier"] != account.TierFree || body["limit"] != int64(3) || body["remaining"] != 0 {
		t.Errorf("body = %v", body)
	}
	if got := rec.Header().Get("Retry-After"); got != "3600" {
		t.Errorf("Retry-After = %q, want 3600", got)
	}
	if got := rec.Header().Get(HeaderRemaining); got != "0" {
		t.Errorf("%s = %q", HeaderRemaining, got)
	}
}

func TestMiddleware_ServerErrorReleasesUnit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	g, _ := newTestGateway(clock)
	acct := testAccount(account.TierFree, account.SubscriptionNone)
	ctx := context.Background()

	_, _ = serveWithQuota(t, g, acct, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	})
	_, _ = serveWithQuota(t, g, acct, func(c echo.Context) error {
		return errors.New("plain failure")
	})
	_, _ = serveWithQuota(t, g, acct, func(c echo.Context) error {
		return c.JSON(http.StatusServiceUnavailable, nil)
	})

	st, _ := g.Status(ctx, acct)
	if st.CurrentUsage != 0 {
		t.Errorf("usage after 5xx = %d, want 0", st.CurrentUsage)
	}

	_, _ = serveWithQuota(t, g, acct, func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadRequest, "bad code")
	})
	st, _ = g.Status(ctx, acct)
	if st.CurrentUsage != 1 {
		t.Errorf("usage after 4xx = %d, want 1", st.CurrentUsage)
	}
}

func TestMiddleware_CanceledRequestReleasesUnit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	g, _ := newTestGateway(clock)
	acct := testAccount(account.TierFree, account.SubscriptionNone)

	ctx, cancel := context.WithCancel(auth.WithAccount(context.Background(), acct))
	defer cancel()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/convert", nil).WithContext(ctx)
	c := e.NewContext(req, httptest.NewRecorder())

	err := Middleware(g, zerolog.Nop())(func(c echo.Context) error {
		cancel()
		return c.JSON(http.StatusOK, nil)
	})(c)
	if err != nil {
		t.Fatal(err)
	}

	st, _ := g.Status(context.Background(), acct)
	if st.CurrentUsage != 0 {
		t.Errorf("usage after cancellation = %d, want 0", st.CurrentUsage)
	}
}

// Abandoned requests must be released from the context they were admitted
// under, even while other requests reuse pooled echo contexts.
func TestMiddleware_TimedOutRequestsNotChargedUnderLoad(t *testing.T) {
	g := NewGateway(NewMemoryLedger(), Tiers{account.TierFree: 10000}, zerolog.Nop())
	acct := testAccount(account.TierFree, account.SubscriptionNone)

	withAccount := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithAccount(c.Request().Context(), acct)))
			return next(c)
		}
	}
	mw := Middleware(g, zerolog.Nop())

	e := echo.New()
	e.Use(platformmw.RequestTimeout(50 * time.Millisecond))
	e.GET("/slow", func(c echo.Context) error {
		time.Sleep(150 * time.Millisecond)
		return c.NoContent(http.StatusOK)
	}, withAccount, mw)
	e.GET("/fast", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, withAccount, mw)

	var (
		wg   sync.WaitGroup
		fast int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))
		}()
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				rec := httptest.NewRecorder()
				e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fast", nil))
				if rec.Code == http.StatusOK {
					atomic.AddInt64(&fast, 1)
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	st, err := g.Status(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	if st.CurrentUsage != fast {
		t.Errorf("usage = %d, want %d (only completed fast requests)", st.CurrentUsage, fast)
	}
}

func TestMiddleware_RequiresAccount(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	g, _ := newTestGateway(clock)
	_, err := serveWithQuota(t, g, nil, okHandler)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401", err)
	}
}

type failingLedger struct{ MemoryLedger }

func (*failingLedger) Reserve(context.Context, Record, time.Time, int64) (string, int64, error) {
	return "", 0, errors.New("connection refused")
}

func TestMiddleware_LedgerFailureIs503(t *testing.T) {
	g := NewGateway(&failingLedger{}, testTiers, zerolog.Nop())
	_, err := serveWithQuota(t, g, testAccount(account.TierFree, account.SubscriptionNone), okHandler)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want 503", err)
	}
}

func TestHandler_Usage(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	g, _ := newTestGateway(clock)
	acct := testAccount(account.TierBasic, account.SubscriptionActive)
	_, _ = g.Admit(context.Background(), acct, "/convert", "")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req = req.WithContext(auth.WithAccount(req.Context(), acct))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := NewHandler(g).Usage(c); err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["tier"] != "basic" || got["daily_limit"] != float64(10) ||
		got["current_usage"] != float64(1) || got["remaining"] != float64(9) {
		t.Errorf("usage body = %v", got)
	}
	if got["reset_at"] != "2026-03-11T00:00:00Z" {
		t.Errorf("reset_at = %v", got["reset_at"])
	}
}

func TestRedisLedger(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	l := NewRedisLedger(client)
	id := uuid.New()
	since := StartOfDay(time.Now())

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := l.Reserve(ctx, Record{AccountID: id, At: time.Now()}, since, 5); err == nil {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	if admitted != 5 {
		t.Fatalf("admitted = %d, want 5", admitted)
	}

	if err := l.Cancel(ctx, dayKey(id, since)); err != nil {
		t.Fatal(err)
	}
	if n, _ := l.UsageSince(ctx, id, since); n != 4 {
		t.Errorf("usage = %d, want 4", n)
	}
	client.Del(ctx, dayKey(id, since))
}
