package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"web3university/pkg/domain"
	"web3university/pkg/ledger"
	"web3university/pkg/sigverify"
	"web3university/pkg/store"
	"web3university/services/api/internal/app"
)

type purchaseKey struct {
	courseID string
	address  string
}

type fakeLedger struct {
	mu        sync.Mutex
	purchases map[purchaseKey]bool
	rate      *big.Int
	err       error
	calls     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		purchases: make(map[purchaseKey]bool),
		rate:      big.NewInt(250_000_000_000_000), // 0.00025 native per token
	}
}

func (f *fakeLedger) setPurchased(courseID, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases[purchaseKey{courseID, domain.NormalizeAddress(address)}] = true
}

func (f *fakeLedger) Purchased(_ context.Context, courseID, address string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.purchases[purchaseKey{courseID, domain.NormalizeAddress(address)}], nil
}

func (f *fakeLedger) ExchangeRate(_ context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.rate), nil
}

func (f *fakeLedger) SubscribePurchases(context.Context, uint64) (ledger.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	ts     *httptest.Server
	store  *store.MemoryStore
	ledger *fakeLedger
}

func newTestEnv(t *testing.T, loginLimit int) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	memStore := store.NewMemoryStore()
	fake := newFakeLedger()
	core, err := app.New(app.Config{
		Store:               memStore,
		Ledger:              fake,
		LedgerRetryAttempts: 2,
		LedgerRetryDelay:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	srv, err := New(Config{
		App:                     core,
		RedisAddr:               mr.Addr(),
		LoginRateLimitPerMinute: loginLimit,
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: memStore, ledger: fake}
}

func newWallet(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func signText(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func postJSON(t *testing.T, ts *httptest.Server, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func seedCourse(t *testing.T, env *testEnv, id, title, content string) {
	t.Helper()
	err := env.store.SaveCourse(domain.Course{
		ID:        id,
		Author:    "0xauthor",
		Title:     title,
		Content:   content,
		Price:     decimal.NewFromInt(10),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed course: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := getJSON(t, env.ts, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestLoginThenCheck(t *testing.T) {
	env := newTestEnv(t, 10)
	key, addr := newWallet(t)

	resp := postJSON(t, env.ts, "/user/login", map[string]string{
		"address":   addr,
		"signature": signText(t, key, sigverify.LoginMessage(addr)),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}

	check := getJSON(t, env.ts, "/user/check?address="+addr)
	if check.StatusCode != http.StatusOK {
		t.Fatalf("check status = %d, want 200", check.StatusCode)
	}
	var status struct {
		Exists   bool   `json:"exists"`
		Nickname string `json:"nickname"`
	}
	decodeBody(t, check, &status)
	if !status.Exists {
		t.Fatal("check after login: exists = false, want true")
	}
	if status.Nickname != "" {
		t.Fatalf("nickname = %q, want empty", status.Nickname)
	}
}

func TestLoginRejectsForeignSignature(t *testing.T) {
	env := newTestEnv(t, 10)
	otherKey, _ := newWallet(t)
	_, addr := newWallet(t)

	resp := postJSON(t, env.ts, "/user/login", map[string]string{
		"address":   addr,
		"signature": signText(t, otherKey, sigverify.LoginMessage(addr)),
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if exists, _, _ := userExists(env, addr); exists {
		t.Fatal("rejected login must not register the address")
	}
}

func userExists(env *testEnv, addr string) (bool, string, error) {
	user, ok, err := env.store.GetUser(addr)
	return ok, user.Nickname, err
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, 2)
	key, addr := newWallet(t)
	body := map[string]string{
		"address":   addr,
		"signature": signText(t, key, sigverify.LoginMessage(addr)),
	}

	for i := 0; i < 2; i++ {
		resp := postJSON(t, env.ts, "/user/login", body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("login %d status = %d, want 200", i+1, resp.StatusCode)
		}
	}
	resp := postJSON(t, env.ts, "/user/login", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 response missing Retry-After header")
	}
}

func TestUpdateNicknameUnknownAddress(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := postJSON(t, env.ts, "/user/update-nickname", map[string]string{
		"address":  "0x1111111111111111111111111111111111111111",
		"nickname": "ghost",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateNickname(t *testing.T) {
	env := newTestEnv(t, 10)
	key, addr := newWallet(t)
	postJSON(t, env.ts, "/user/login", map[string]string{
		"address":   addr,
		"signature": signText(t, key, sigverify.LoginMessage(addr)),
	})

	resp := postJSON(t, env.ts, "/user/update-nickname", map[string]string{
		"address":   addr,
		"nickname":  "satoshi",
		"signature": signText(t, key, sigverify.NicknameMessage("satoshi")),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	check := getJSON(t, env.ts, "/user/check?address="+addr)
	var status struct {
		Nickname string `json:"nickname"`
	}
	decodeBody(t, check, &status)
	if status.Nickname != "satoshi" {
		t.Fatalf("nickname = %q, want satoshi", status.Nickname)
	}
}

func TestCourseDetailUnregistered(t *testing.T) {
	env := newTestEnv(t, 10)
	seedCourse(t, env, "course-1", "Solidity 101", "secret content")
	key, addr := newWallet(t)

	resp := postJSON(t, env.ts, "/course-detail", map[string]string{
		"courseId":  "course-1",
		"address":   addr,
		"signature": signText(t, key, sigverify.CourseDetailMessage("course-1")),
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var denial struct {
		Reason string `json:"reason"`
	}
	decodeBody(t, resp, &denial)
	if denial.Reason != "unregistered" {
		t.Fatalf("reason = %q, want unregistered", denial.Reason)
	}
}

func TestCourseDetailLedgerFallbackThenCached(t *testing.T) {
	env := newTestEnv(t, 10)
	seedCourse(t, env, "course-1", "Solidity 101", "secret content")
	key, addr := newWallet(t)
	postJSON(t, env.ts, "/user/login", map[string]string{
		"address":   addr,
		"signature": signText(t, key, sigverify.LoginMessage(addr)),
	})
	env.ledger.setPurchased("course-1", addr)

	body := map[string]string{
		"courseId":  "course-1",
		"address":   addr,
		"signature": signText(t, key, sigverify.CourseDetailMessage("course-1")),
	}
	resp := postJSON(t, env.ts, "/course-detail", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var detail struct {
		Content string `json:"content"`
	}
	decodeBody(t, resp, &detail)
	if detail.Content != "secret content" {
		t.Fatalf("content = %q, want protected content", detail.Content)
	}
	if env.ledger.callCount() != 1 {
		t.Fatalf("ledger calls = %d, want 1", env.ledger.callCount())
	}

	// The fallback hit is cached, so a repeat request stays off-chain.
	resp2 := postJSON(t, env.ts, "/course-detail", body)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("second status = %d, want 200", resp2.StatusCode)
	}
	if env.ledger.callCount() != 1 {
		t.Fatalf("ledger calls after cached request = %d, want 1", env.ledger.callCount())
	}
}

func TestCourseDetailNotPurchased(t *testing.T) {
	env := newTestEnv(t, 10)
	seedCourse(t, env, "course-1", "Solidity 101", "secret content")
	key, addr := newWallet(t)
	postJSON(t, env.ts, "/user/login", map[string]string{
		"address":   addr,
		"signature": signText(t, key, sigverify.LoginMessage(addr)),
	})

	resp := postJSON(t, env.ts, "/course-detail", map[string]string{
		"courseId":  "course-1",
		"address":   addr,
		"signature": signText(t, key, sigverify.CourseDetailMessage("course-1")),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestCourseDetailLedgerDown(t *testing.T) {
	env := newTestEnv(t, 10)
	seedCourse(t, env, "course-1", "Solidity 101", "secret content")
	key, addr := newWallet(t)
	postJSON(t, env.ts, "/user/login", map[string]string{
		"address":   addr,
		"signature": signText(t, key, sigverify.LoginMessage(addr)),
	})
	env.ledger.mu.Lock()
	env.ledger.err = ledger.ErrLedgerUnavailable
	env.ledger.mu.Unlock()

	resp := postJSON(t, env.ts, "/course-detail", map[string]string{
		"courseId":  "course-1",
		"address":   addr,
		"signature": signText(t, key, sigverify.CourseDetailMessage("course-1")),
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestCoursesListPurchasedFlags(t *testing.T) {
	env := newTestEnv(t, 10)
	seedCourse(t, env, "course-1", "Solidity 101", "secret one")
	seedCourse(t, env, "course-2", "Rollups", "secret two")
	key, addr := newWallet(t)
	postJSON(t, env.ts, "/user/login", map[string]string{
		"address":   addr,
		"signature": signText(t, key, sigverify.LoginMessage(addr)),
	})
	if _, err := env.store.UpsertPurchase(domain.PurchaseRecord{
		CourseID: "course-1",
		Buyer:    addr,
		PriceYD:  "10000000000000000000",
		EventID:  "0xabc:0",
	}); err != nil {
		t.Fatalf("seed purchase: %v", err)
	}

	resp := getJSON(t, env.ts, "/courses?address="+addr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var listings []struct {
		ID        string `json:"id"`
		Purchased bool   `json:"purchased"`
		Content   string `json:"content"`
	}
	decodeBody(t, resp, &listings)
	if len(listings) != 2 {
		t.Fatalf("listings = %d, want 2", len(listings))
	}
	for _, l := range listings {
		if l.Content != "" {
			t.Fatalf("listing %s leaks content", l.ID)
		}
		want := l.ID == "course-1"
		if l.Purchased != want {
			t.Fatalf("course %s purchased = %v, want %v", l.ID, l.Purchased, want)
		}
	}
}

func TestCoursesListRequiresRegistration(t *testing.T) {
	env := newTestEnv(t, 10)
	seedCourse(t, env, "course-1", "Solidity 101", "secret")

	resp := getJSON(t, env.ts, "/courses?address=0x2222222222222222222222222222222222222222")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestCreateCourse(t *testing.T) {
	env := newTestEnv(t, 10)
	key, addr := newWallet(t)
	postJSON(t, env.ts, "/user/login", map[string]string{
		"address":   addr,
		"signature": signText(t, key, sigverify.LoginMessage(addr)),
	})

	resp := postJSON(t, env.ts, "/courses", map[string]string{
		"author": addr,
		"title":  "Intro to AMMs",
		"price":  "25",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)
	if created.ID == "" {
		t.Fatal("created course has empty id")
	}
	if _, ok, _ := env.store.GetCourse(created.ID); !ok {
		t.Fatal("created course not persisted")
	}
}

func TestCreateCourseUnregisteredAuthor(t *testing.T) {
	env := newTestEnv(t, 10)
	resp := postJSON(t, env.ts, "/courses", map[string]string{
		"author": "0x3333333333333333333333333333333333333333",
		"title":  "Unauthorized",
		"price":  "5",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestExchangeQuote(t *testing.T) {
	env := newTestEnv(t, 10)

	// 1 native at 0.00025 native per token buys exactly 4000 tokens.
	resp := getJSON(t, env.ts, "/exchange/quote?amount=1000000000000000000")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var quote struct {
		TokenAmount string `json:"tokenAmount"`
	}
	decodeBody(t, resp, &quote)
	if quote.TokenAmount != "4000000000000000000000" {
		t.Fatalf("tokenAmount = %s, want 4000000000000000000000", quote.TokenAmount)
	}
}

func TestExchangeQuoteBadAmount(t *testing.T) {
	env := newTestEnv(t, 10)
	for _, amount := range []string{"", "abc", "-5"} {
		resp := getJSON(t, env.ts, "/exchange/quote?amount="+amount)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("amount %q: status = %d, want 400", amount, resp.StatusCode)
		}
	}
}
