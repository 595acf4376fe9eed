package api_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/marketd/internal/api"
	"github.com/atmx/marketd/internal/auth"
	"github.com/atmx/marketd/internal/engine"
	"github.com/atmx/marketd/internal/keys"
	"github.com/atmx/marketd/internal/model"
	"github.com/atmx/marketd/internal/pricing"
	"github.com/atmx/marketd/internal/store"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	router chi.Router
	svc    *engine.Service
	clock  *fakeClock
}

// newTestEnv wires a fixed-rate engine over an in-memory store behind a
// chi router. Callers are trusted from the X-Caller header.
func newTestEnv(t *testing.T, allowFunding bool) *testEnv {
	t.Helper()
	clock := &fakeClock{now: t0}
	svc, err := engine.NewService(store.NewMemoryStore(), keys.NewDeriver(model.Identity{}), engine.Config{
		Clock:         clock,
		DefaultPolicy: pricing.PolicyFixed,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	r := chi.NewRouter()
	api.NewHandler(svc, nil, allowFunding).Routes(r, auth.New(auth.ModeTrusted, 0).Middleware)
	return &testEnv{router: r, svc: svc, clock: clock}
}

func user(b byte) model.Identity {
	var id model.Identity
	id[0], id[31] = 0x42, b
	return id
}

func (e *testEnv) do(t *testing.T, method, path string, caller *model.Identity, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set(auth.HeaderCaller, caller.String())
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	body := decodeBody[errorBody](t, w)
	if body.Code != code {
		t.Errorf("expected code %s, got %q", code, body.Code)
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func (e *testEnv) fund(t *testing.T, who model.Identity, amount uint64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts/"+who.String()+"/fund", nil, api.FundRequest{Amount: amount})
	if w.Code != http.StatusOK {
		t.Fatalf("fund: %d %s", w.Code, w.Body.String())
	}
}

func (e *testEnv) createMarket(t *testing.T, creator model.Identity, b uint64) model.Market {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/markets", &creator, api.CreateMarketRequest{
		Question:       "Will it rain in Lisbon tomorrow?",
		LiquidityParam: b,
		EndTime:        t0.Unix() + 3600,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[model.Market](t, w)
}

func TestMarketLifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	creator, alice, bob := user(1), user(2), user(3)
	env.fund(t, creator, 1_000_000)
	env.fund(t, alice, 500_000)
	env.fund(t, bob, 500_000)

	m := env.createMarket(t, creator, 1_000_000)
	if m.CurrentYesProbability != 500_000 || m.OracleAuthority != creator {
		t.Fatalf("unexpected market: %+v", m)
	}
	base := "/api/v1/markets/" + m.ID.String()

	w := env.do(t, "POST", base+"/bets", &alice, api.BetRequest{Amount: 500_000, Side: "YES"})
	if w.Code != http.StatusOK {
		t.Fatalf("bet: %d %s", w.Code, w.Body.String())
	}
	bet := decodeBody[engine.BetResult](t, w)
	if bet.Shares != 500_000 || bet.Position.YesShares != 500_000 {
		t.Errorf("bet result: %+v", bet)
	}

	w = env.do(t, "POST", base+"/bets", &bob, api.BetRequest{Amount: 500_000, Side: "NO"})
	if w.Code != http.StatusOK {
		t.Fatalf("bet: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", base, nil, nil)
	got := decodeBody[model.Market](t, w)
	if got.CurrentYesProbability != 500_000 || got.TotalLiquidity != 2_000_000 {
		t.Errorf("market after bets: %+v", got)
	}

	// Resolution: oracle only, and only after the end time.
	outcome := true
	expectError(t, env.do(t, "POST", base+"/resolve", &alice, api.ResolveRequest{Outcome: &outcome}),
		http.StatusForbidden, "Unauthorized")
	expectError(t, env.do(t, "POST", base+"/resolve", &creator, api.ResolveRequest{Outcome: &outcome}),
		http.StatusConflict, "MarketNotEnded")
	expectError(t, env.do(t, "POST", base+"/claim", &alice, nil),
		http.StatusConflict, "NotResolved")

	env.clock.Advance(time.Hour)
	w = env.do(t, "POST", base+"/resolve", &creator, api.ResolveRequest{Outcome: &outcome})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: %d %s", w.Code, w.Body.String())
	}
	if resolved := decodeBody[model.Market](t, w); resolved.Resolution != model.ResolvedYes {
		t.Errorf("resolution = %s", resolved.Resolution)
	}

	w = env.do(t, "GET", base+"/positions/"+alice.String(), nil, nil)
	view := decodeBody[engine.PositionView](t, w)
	if view.Claimable != 2_000_000 {
		t.Errorf("claimable = %d", view.Claimable)
	}

	w = env.do(t, "POST", base+"/claim", &alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", w.Code, w.Body.String())
	}
	if claim := decodeBody[api.ClaimResponse](t, w); claim.Payout != 2_000_000 {
		t.Errorf("payout = %d", claim.Payout)
	}
	expectError(t, env.do(t, "POST", base+"/claim", &alice, nil), http.StatusConflict, "AlreadyClaimed")
	expectError(t, env.do(t, "POST", base+"/claim", &bob, nil), http.StatusConflict, "NoWinnings")

	w = env.do(t, "GET", "/api/v1/accounts/"+alice.String(), nil, nil)
	if acct := decodeBody[api.AccountResponse](t, w); acct.Balance != 2_000_000 {
		t.Errorf("alice balance = %d", acct.Balance)
	}

	w = env.do(t, "GET", base+"/history", nil, nil)
	if entries := decodeBody[[]model.LedgerEntry](t, w); len(entries) != 5 {
		t.Errorf("history has %d entries, want 5", len(entries))
	}
	w = env.do(t, "GET", base+"/positions", nil, nil)
	if positions := decodeBody[[]model.Position](t, w); len(positions) != 2 {
		t.Errorf("market has %d positions, want 2", len(positions))
	}
	w = env.do(t, "GET", "/api/v1/accounts/"+alice.String()+"/history", nil, nil)
	if entries := decodeBody[[]model.LedgerEntry](t, w); len(entries) != 3 {
		t.Errorf("alice history has %d entries, want 3 (fund, bet, claim)", len(entries))
	}
}

func TestPlaceBet_Errors(t *testing.T) {
	env := newTestEnv(t, true)
	creator, alice := user(1), user(2)
	env.fund(t, creator, 100)
	env.fund(t, alice, 10)
	m := env.createMarket(t, creator, 100)
	base := "/api/v1/markets/" + m.ID.String()

	tests := []struct {
		name   string
		req    api.BetRequest
		status int
		code   string
	}{
		{"zero amount", api.BetRequest{Amount: 0, Side: "YES"}, http.StatusBadRequest, "InvalidAmount"},
		{"bad side", api.BetRequest{Amount: 1, Side: "MAYBE"}, http.StatusBadRequest, "InvalidSide"},
		{"insufficient balance", api.BetRequest{Amount: 11, Side: "NO"}, http.StatusConflict, "TransferFault"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.do(t, "POST", base+"/bets", &alice, tt.req), tt.status, tt.code)
		})
	}

	missing := user(99)
	expectError(t, env.do(t, "POST", "/api/v1/markets/"+missing.String()+"/bets", &alice, api.BetRequest{Amount: 1, Side: "YES"}),
		http.StatusNotFound, "MarketNotFound")
	expectError(t, env.do(t, "POST", "/api/v1/markets/nothex/bets", &alice, api.BetRequest{Amount: 1, Side: "YES"}),
		http.StatusBadRequest, "InvalidIdentity")

	req := httptest.NewRequest("POST", base+"/bets", bytes.NewBufferString("{"))
	req.Header.Set(auth.HeaderCaller, alice.String())
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	expectError(t, w, http.StatusBadRequest, "InvalidRequest")
}

func TestCreateMarket_Validation(t *testing.T) {
	env := newTestEnv(t, true)
	creator := user(1)
	env.fund(t, creator, 100)

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'q'
	}
	tests := []struct {
		name string
		req  api.CreateMarketRequest
		code string
	}{
		{"question too long", api.CreateMarketRequest{Question: string(long), LiquidityParam: 1, EndTime: t0.Unix() + 1}, "QuestionTooLong"},
		{"zero liquidity", api.CreateMarketRequest{Question: "q", LiquidityParam: 0, EndTime: t0.Unix() + 1}, "InvalidLiquidity"},
		{"end in past", api.CreateMarketRequest{Question: "q", LiquidityParam: 1, EndTime: t0.Unix()}, "InvalidEndTime"},
		{"unknown policy", api.CreateMarketRequest{Question: "q", LiquidityParam: 1, EndTime: t0.Unix() + 1, Policy: "cpmm"}, "InvalidPolicy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, env.do(t, "POST", "/api/v1/markets", &creator, tt.req), http.StatusBadRequest, tt.code)
		})
	}

	expectError(t, env.do(t, "POST", "/api/v1/markets", nil, api.CreateMarketRequest{Question: "q", LiquidityParam: 1, EndTime: t0.Unix() + 1}),
		http.StatusUnauthorized, "Unauthenticated")
}

func TestCreateMarket_ExplicitOracle(t *testing.T) {
	env := newTestEnv(t, true)
	creator, oracle := user(1), user(7)
	env.fund(t, creator, 100)

	w := env.do(t, "POST", "/api/v1/markets", &creator, api.CreateMarketRequest{
		Question: "q", LiquidityParam: 100, EndTime: t0.Unix() + 10, OracleAuthority: &oracle,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	m := decodeBody[model.Market](t, w)
	base := "/api/v1/markets/" + m.ID.String()

	expectError(t, env.do(t, "POST", base+"/price", &creator, api.PriceRequest{Probability: 600_000}),
		http.StatusForbidden, "Unauthorized")
	expectError(t, env.do(t, "POST", base+"/price", &oracle, api.PriceRequest{Probability: 1_000_001}),
		http.StatusBadRequest, "InvalidProbability")

	w = env.do(t, "POST", base+"/price", &oracle, api.PriceRequest{Probability: 600_000})
	if w.Code != http.StatusOK {
		t.Fatalf("price: %d %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.Market](t, w); got.CurrentYesProbability != 600_000 {
		t.Errorf("probability = %d", got.CurrentYesProbability)
	}

	expectError(t, env.do(t, "POST", base+"/resolve", &oracle, map[string]any{}),
		http.StatusBadRequest, "InvalidRequest")
}

func TestQuote(t *testing.T) {
	env := newTestEnv(t, true)
	creator := user(1)
	env.fund(t, creator, 100)
	m := env.createMarket(t, creator, 100)
	base := "/api/v1/markets/" + m.ID.String()

	w := env.do(t, "GET", base+"/quote?amount=50&side=NO", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", w.Code, w.Body.String())
	}
	q := decodeBody[engine.Quote](t, w)
	if q.Shares != 50 || q.ProbabilityAfter != 0 || q.Policy != pricing.PolicyFixed {
		t.Errorf("quote = %+v", q)
	}
	if q.Curve != nil || q.MaxLoss != nil {
		t.Errorf("fixed-rate quote carries curve data: %+v", q)
	}

	expectError(t, env.do(t, "GET", base+"/quote?amount=x&side=NO", nil, nil), http.StatusBadRequest, "InvalidAmount")
	expectError(t, env.do(t, "GET", base+"/quote?amount=5&side=UP", nil, nil), http.StatusBadRequest, "InvalidSide")
}

func TestQuote_LMSRCurve(t *testing.T) {
	env := newTestEnv(t, true)
	creator := user(1)
	env.fund(t, creator, 100)
	w := env.do(t, "POST", "/api/v1/markets", &creator, api.CreateMarketRequest{
		Question:       "Will the harbour freeze this winter?",
		LiquidityParam: 100,
		EndTime:        t0.Unix() + 3600,
		Policy:         pricing.PolicyLMSR,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	m := decodeBody[model.Market](t, w)

	w = env.do(t, "GET", "/api/v1/markets/"+m.ID.String()+"/quote?amount=50&side=NO", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("quote: %d %s", w.Code, w.Body.String())
	}
	q := decodeBody[engine.Quote](t, w)
	if q.Policy != pricing.PolicyLMSR || q.Shares < 50 || q.MaxLoss == nil || q.Curve == nil {
		t.Fatalf("quote = %+v", q)
	}

	half := decimal.RequireFromString("0.5")
	c := q.Curve
	if !c.PriceYesBefore.Equal(half) || !c.PriceNoBefore.Equal(half) {
		t.Errorf("prices before = %s/%s, want 0.5/0.5", c.PriceYesBefore, c.PriceNoBefore)
	}
	if !c.PriceNoAfter.GreaterThan(half) || !c.PriceYesAfter.LessThan(half) {
		t.Errorf("a NO bet should raise the NO price: yes=%s no=%s", c.PriceYesAfter, c.PriceNoAfter)
	}
	if sum := c.PriceYesAfter.Add(c.PriceNoAfter); !sum.Equal(decimal.NewFromInt(1)) {
		t.Errorf("prices after sum to %s", sum)
	}
	// The issued shares are the most the deposit can buy, so their curve
	// cost is within one share price of the deposit.
	if c.Cost.GreaterThan(decimal.NewFromInt(50)) || c.Cost.LessThanOrEqual(decimal.NewFromInt(49)) {
		t.Errorf("curve cost = %s, want in (49, 50]", c.Cost)
	}
	if diff := c.Collected.Sub(c.Cost).Abs(); diff.GreaterThan(decimal.RequireFromString("0.000001")) {
		t.Errorf("collected %s differs from the first bet's cost %s", c.Collected, c.Cost)
	}
}

func TestListMarkets_StatusFilter(t *testing.T) {
	env := newTestEnv(t, true)
	creator := user(1)
	env.fund(t, creator, 100)

	w := env.do(t, "GET", "/api/v1/markets", nil, nil)
	if w.Body.String() != "[]\n" {
		t.Errorf("empty list should encode as [], got %q", w.Body.String())
	}

	env.createMarket(t, creator, 100)
	count := func(status string) int {
		t.Helper()
		return len(decodeBody[[]model.Market](t, env.do(t, "GET", "/api/v1/markets?status="+status, nil, nil)))
	}
	if open, ended, resolved := count("open"), count("ended"), count("resolved"); open != 1 || ended != 0 || resolved != 0 {
		t.Errorf("before end: open=%d ended=%d resolved=%d", open, ended, resolved)
	}

	env.clock.Advance(time.Hour)
	if open, ended, resolved := count("open"), count("ended"), count("resolved"); open != 0 || ended != 1 || resolved != 0 {
		t.Errorf("after end: open=%d ended=%d resolved=%d", open, ended, resolved)
	}

	expectError(t, env.do(t, "GET", "/api/v1/markets?status=closed", nil, nil), http.StatusBadRequest, "InvalidRequest")
}

func TestErrorBody_Retryable(t *testing.T) {
	env := newTestEnv(t, true)
	creator := user(1)
	env.fund(t, creator, 100)
	m := env.createMarket(t, creator, 100)
	base := "/api/v1/markets/" + m.ID.String()

	yes := true
	w := env.do(t, "POST", base+"/resolve", &creator, api.ResolveRequest{Outcome: &yes})
	expectError(t, w, http.StatusConflict, "MarketNotEnded")
	if body := decodeBody[errorBody](t, w); !body.Retryable || body.Kind != "state" {
		t.Errorf("MarketNotEnded should be retryable: %+v", body)
	}

	env.clock.Advance(time.Hour)
	w = env.do(t, "POST", base+"/bets", &creator, api.BetRequest{Amount: 1, Side: "YES"})
	expectError(t, w, http.StatusConflict, "MarketEnded")
	if body := decodeBody[errorBody](t, w); body.Retryable {
		t.Errorf("MarketEnded can never succeed: %+v", body)
	}
}

func TestFund_DisabledByDefault(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, "POST", "/api/v1/accounts/"+user(1).String()+"/fund", nil, api.FundRequest{Amount: 1})
	if w.Code == http.StatusOK {
		t.Fatal("faucet must not be routed unless enabled")
	}
}

func TestSignedRequest(t *testing.T) {
	clock := &fakeClock{now: t0}
	svc, err := engine.NewService(store.NewMemoryStore(), keys.NewDeriver(model.Identity{}), engine.Config{Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize))
	var caller model.Identity
	copy(caller[:], priv.Public().(ed25519.PublicKey))
	if _, err := svc.Fund(context.Background(), caller, 1_000); err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	api.NewHandler(svc, nil, false).Routes(r, auth.New(auth.ModeSignature, time.Minute).Middleware)

	body, _ := json.Marshal(api.CreateMarketRequest{Question: "signed", LiquidityParam: 1_000, EndTime: time.Now().Unix() + 3600})
	ts := time.Now().Unix()
	req := httptest.NewRequest("POST", "/api/v1/markets", bytes.NewReader(body))
	req.Header.Set(auth.HeaderCaller, caller.String())
	req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(auth.HeaderSignature, auth.Sign(priv, "POST", "/api/v1/markets", ts, body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("signed create: %d %s", w.Code, w.Body.String())
	}
	if m := decodeBody[model.Market](t, w); m.Creator != caller || m.PricingPolicy != pricing.PolicyLMSR {
		t.Errorf("market = %+v", m)
	}

	req = httptest.NewRequest("POST", "/api/v1/markets", bytes.NewReader(body))
	req.Header.Set(auth.HeaderCaller, caller.String())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned request: expected 401, got %d", w.Code)
	}
}
