package silent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-auth-cache/authority"
	"github.com/goliatone/go-auth-cache/cache"
	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

const (
	testClientID      = "client-1"
	testHomeAccountID = "uid.utid"
	testEnvironment   = "login.microsoftonline.com"
	testCacheEnv      = "login.windows.net"
	testRealm         = "utid"
	testRedirectURI   = "https://app.example.com/redirect"
	testTokenEndpoint = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type memoryStorage struct {
	mu    sync.Mutex
	items map[string]string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{items: map[string]string{}}
}

func (s *memoryStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.items[key]
	return value, ok, nil
}

func (s *memoryStorage) SetItem(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *memoryStorage) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *memoryStorage) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// tokenEndpoint answers token requests with handler and records every
// posted form.
type tokenEndpoint struct {
	mu      sync.Mutex
	forms   []url.Values
	headers []map[string]string
	calls   atomic.Int32
	handler func(form url.Values) (core.NetworkResponse, error)
}

func (n *tokenEndpoint) SendGetRequest(_ context.Context, rawURL string, _ core.NetworkRequestOptions) (core.NetworkResponse, error) {
	return core.NetworkResponse{}, core.NewError(core.KindNetwork, core.CodeNetworkError, "unexpected get "+rawURL, nil)
}

func (n *tokenEndpoint) SendPostRequest(_ context.Context, rawURL string, opts core.NetworkRequestOptions) (core.NetworkResponse, error) {
	n.calls.Add(1)
	form, err := url.ParseQuery(opts.Body)
	if err != nil {
		return core.NetworkResponse{}, err
	}
	n.mu.Lock()
	n.forms = append(n.forms, form)
	n.headers = append(n.headers, opts.Headers)
	handler := n.handler
	n.mu.Unlock()
	if rawURL != testTokenEndpoint {
		return core.NetworkResponse{Status: 404}, nil
	}
	if handler == nil {
		return jsonResponse(400, map[string]any{"error": "invalid_request"}), nil
	}
	return handler(form)
}

func (n *tokenEndpoint) lastForm() url.Values {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.forms) == 0 {
		return nil
	}
	return n.forms[len(n.forms)-1]
}

func (n *tokenEndpoint) lastHeaders() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.headers) == 0 {
		return nil
	}
	return n.headers[len(n.headers)-1]
}

func jsonResponse(status int, body map[string]any) core.NetworkResponse {
	raw, _ := json.Marshal(body)
	return core.NetworkResponse{Status: status, Headers: map[string]string{"Content-Type": "application/json"}, Body: raw}
}

func signedIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return raw
}

func testClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"tid":                "utid",
		"oid":                "uid",
		"sub":                "subject",
		"name":               "Ada",
		"preferred_username": "ada@example.com",
	}
}

// tokenBody is a successful token response for the test account.
func tokenBody(t *testing.T, accessToken string, claims jwt.MapClaims) map[string]any {
	t.Helper()
	if claims == nil {
		claims = testClaims()
	}
	return map[string]any{
		"token_type":     "Bearer",
		"scope":          "user.read mail.read",
		"expires_in":     3600,
		"ext_expires_in": "3600",
		"access_token":   accessToken,
		"refresh_token":  "rt-new",
		"id_token":       signedIDToken(t, claims),
		"client_info":    entity.EncodeClientInfo(entity.ClientInfo{UID: "uid", UTID: "utid"}),
	}
}

type fixture struct {
	coordinator *Coordinator
	cache       *cache.Manager
	storage     *memoryStorage
	network     *tokenEndpoint
	gate        *Gate
}

func newFixture(t *testing.T, mutate func(*core.Config), opts ...Option) *fixture {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.ClientID = testClientID
	cfg.RedirectURI = testRedirectURI
	if mutate != nil {
		mutate(&cfg)
	}
	clock := func() time.Time { return testNow }
	storage := newMemoryStorage()
	network := &tokenEndpoint{}
	manager, err := cache.NewManager(storage, testClientID, cache.WithClock(clock))
	if err != nil {
		t.Fatalf("cache manager: %v", err)
	}
	resolver, err := authority.NewResolver(manager, network, authority.OptionsFromConfig(cfg), authority.WithClock(clock))
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	manager.UseAliasResolver(resolver)

	gate := NewGate()
	opts = append([]Option{WithClock(clock), WithGate(gate), WithIDGenerator(sequentialIDs())}, opts...)
	coordinator, err := New(cfg, manager, resolver, network, opts...)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return &fixture{coordinator: coordinator, cache: manager, storage: storage, network: network, gate: gate}
}

func sequentialIDs() func() string {
	var counter atomic.Int64
	return func() string {
		return fmt.Sprintf("id-%d", counter.Add(1))
	}
}

func testAccountInfo() *entity.AccountInfo {
	return &entity.AccountInfo{
		HomeAccountID: testHomeAccountID,
		Environment:   testEnvironment,
		TenantID:      testRealm,
		Username:      "ada@example.com",
	}
}

func (f *fixture) seedAccessToken(t *testing.T, target string, mutate func(*entity.AccessToken)) *entity.AccessToken {
	t.Helper()
	token := &entity.AccessToken{
		Credential: entity.Credential{
			HomeAccountID:  testHomeAccountID,
			Environment:    testCacheEnv,
			CredentialType: cachekey.CredentialAccessToken,
			ClientID:       testClientID,
			Secret:         "cached-at",
			Realm:          testRealm,
		},
		Target:    target,
		CachedAt:  entity.EpochFromTime(testNow.Add(-time.Minute)),
		ExpiresOn: entity.EpochFromTime(testNow.Add(time.Hour)),
		TokenType: cachekey.SchemeBearer,
	}
	if mutate != nil {
		mutate(token)
	}
	if err := f.cache.SaveAccessToken(context.Background(), token); err != nil {
		t.Fatalf("seed access token: %v", err)
	}
	return token
}

func (f *fixture) seedIdentity(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	claims := entity.IDTokenClaims{MapClaims: testClaims()}
	account := entity.NewAccount(entity.AccountParams{
		HomeAccountID: testHomeAccountID,
		Environment:   testCacheEnv,
		AuthorityType: entity.AuthorityTypeMSSTS,
		Claims:        claims,
		Now:           testNow,
	})
	if err := f.cache.SaveAccount(ctx, account); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	idToken := &entity.IDToken{Credential: entity.Credential{
		HomeAccountID:  testHomeAccountID,
		Environment:    testCacheEnv,
		CredentialType: cachekey.CredentialIDToken,
		ClientID:       testClientID,
		Secret:         signedIDToken(t, testClaims()),
		Realm:          testRealm,
	}}
	if err := f.cache.SaveIDToken(ctx, idToken); err != nil {
		t.Fatalf("seed id token: %v", err)
	}
}

func (f *fixture) seedRefreshToken(t *testing.T, secret string, familyID string, expiresOn time.Time) *entity.RefreshToken {
	t.Helper()
	token := &entity.RefreshToken{Credential: entity.Credential{
		HomeAccountID:  testHomeAccountID,
		Environment:    testCacheEnv,
		CredentialType: cachekey.CredentialRefreshToken,
		ClientID:       testClientID,
		Secret:         secret,
		FamilyID:       familyID,
	}}
	if !expiresOn.IsZero() {
		token.ExpiresOn = entity.EpochFromTime(expiresOn)
	}
	if err := f.cache.SaveRefreshToken(context.Background(), token); err != nil {
		t.Fatalf("seed refresh token: %v", err)
	}
	return token
}

// fakeFallback completes the authorization request in place of a hidden
// frame. respond receives the parsed authorize URL.
type fakeFallback struct {
	mu      sync.Mutex
	calls   int
	last    *url.URL
	respond func(ctx context.Context, req core.NavigateRequest, query url.Values) (core.AuthorizationResponse, error)
}

func (f *fakeFallback) Navigate(ctx context.Context, req core.NavigateRequest) (core.AuthorizationResponse, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return core.AuthorizationResponse{}, err
	}
	f.mu.Lock()
	f.calls++
	f.last = parsed
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return core.AuthorizationResponse{Code: "code-1", State: req.State}, nil
	}
	return respond(ctx, req, parsed.Query())
}

func (f *fakeFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingEnqueuer struct {
	mu       sync.Mutex
	messages []*core.JobExecutionMessage
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, msg *core.JobExecutionMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, msg)
	return nil
}

type fakePoPKeys struct {
	generated atomic.Int32
}

func (k *fakePoPKeys) GenerateCnf(context.Context, core.PoPRequest) (core.PoPCnf, error) {
	k.generated.Add(1)
	return core.PoPCnf{KeyID: "kid-1", ReqCnf: "cnf-1"}, nil
}

func (k *fakePoPKeys) SignAccessToken(_ context.Context, accessToken string, keyID string, req core.PoPRequest) (string, error) {
	return "signed:" + accessToken + ":" + keyID + ":" + req.ResourceRequestMethod, nil
}
