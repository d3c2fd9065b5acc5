package authcache

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"

	"github.com/goliatone/go-auth-cache/adapters/gocommand"
	"github.com/goliatone/go-auth-cache/adapters/gojob"
	"github.com/goliatone/go-auth-cache/cache"
	"github.com/goliatone/go-auth-cache/cachekey"
	authcommand "github.com/goliatone/go-auth-cache/command"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
	authquery "github.com/goliatone/go-auth-cache/query"
	"github.com/goliatone/go-auth-cache/silent"
	"github.com/goliatone/go-auth-cache/storage"
)

const (
	testClientID      = "client-1"
	testHomeAccountID = "uid.utid"
	testEnvironment   = "login.microsoftonline.com"
	testCacheEnv      = "login.windows.net"
	testRealm         = "utid"
	testTokenEndpoint = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type tokenEndpoint struct {
	mu    sync.Mutex
	forms []url.Values
	calls atomic.Int32
	token func() map[string]any
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
	n.mu.Unlock()
	if rawURL != testTokenEndpoint || n.token == nil {
		return jsonResponse(400, map[string]any{"error": "invalid_request"}), nil
	}
	return jsonResponse(200, n.token()), nil
}

func (n *tokenEndpoint) lastForm() url.Values {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.forms) == 0 {
		return nil
	}
	return n.forms[len(n.forms)-1]
}

func jsonResponse(status int, body map[string]any) core.NetworkResponse {
	raw, _ := json.Marshal(body)
	return core.NetworkResponse{Status: status, Headers: map[string]string{"content-type": "application/json"}, Body: raw}
}

func testClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"tid":                testRealm,
		"oid":                "uid",
		"sub":                "subject",
		"name":               "Ada",
		"preferred_username": "ada@example.com",
	}
}

func signedIDToken(t *testing.T) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, testClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return raw
}

func tokenBody(t *testing.T, accessToken string) func() map[string]any {
	idToken := signedIDToken(t)
	return func() map[string]any {
		return map[string]any{
			"token_type":    "Bearer",
			"scope":         "user.read",
			"expires_in":    3600,
			"access_token":  accessToken,
			"refresh_token": "rt-new",
			"id_token":      idToken,
			"client_info":   entity.EncodeClientInfo(entity.ClientInfo{UID: "uid", UTID: "utid"}),
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ClientID = testClientID
	return cfg
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *tokenEndpoint) {
	t.Helper()
	network := &tokenEndpoint{}
	base := []Option{
		WithStorage(storage.NewMemory()),
		WithNetwork(network),
		WithClock(func() time.Time { return testNow }),
		WithInteractionGate(silent.NewGate()),
	}
	client, err := New(context.Background(), testConfig(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, network
}

func testAccount() *entity.AccountInfo {
	return &entity.AccountInfo{
		HomeAccountID: testHomeAccountID,
		Environment:   testEnvironment,
		TenantID:      testRealm,
		Username:      "ada@example.com",
	}
}

func seedRefreshToken(t *testing.T, manager *cache.Manager) {
	t.Helper()
	token := &entity.RefreshToken{Credential: entity.Credential{
		HomeAccountID:  testHomeAccountID,
		Environment:    testCacheEnv,
		CredentialType: cachekey.CredentialRefreshToken,
		ClientID:       testClientID,
		Secret:         "rt-secret",
	}}
	if err := manager.SaveRefreshToken(context.Background(), token); err != nil {
		t.Fatalf("seed refresh token: %v", err)
	}
}

// seedIdentity stores the account, its ID token and an access token due for
// proactive refresh.
func seedIdentity(t *testing.T, manager *cache.Manager) {
	t.Helper()
	ctx := context.Background()
	account := entity.NewAccount(entity.AccountParams{
		HomeAccountID: testHomeAccountID,
		Environment:   testCacheEnv,
		AuthorityType: entity.AuthorityTypeMSSTS,
		Claims:        entity.IDTokenClaims{MapClaims: testClaims()},
		Now:           testNow,
	})
	if err := manager.SaveAccount(ctx, account); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	idToken := &entity.IDToken{Credential: entity.Credential{
		HomeAccountID:  testHomeAccountID,
		Environment:    testCacheEnv,
		CredentialType: cachekey.CredentialIDToken,
		ClientID:       testClientID,
		Secret:         signedIDToken(t),
		Realm:          testRealm,
	}}
	if err := manager.SaveIDToken(ctx, idToken); err != nil {
		t.Fatalf("seed id token: %v", err)
	}
	accessToken := &entity.AccessToken{
		Credential: entity.Credential{
			HomeAccountID:  testHomeAccountID,
			Environment:    testCacheEnv,
			CredentialType: cachekey.CredentialAccessToken,
			ClientID:       testClientID,
			Secret:         "cached-at",
			Realm:          testRealm,
		},
		Target:    "user.read",
		CachedAt:  entity.EpochFromTime(testNow.Add(-time.Minute)),
		ExpiresOn: entity.EpochFromTime(testNow.Add(time.Hour)),
		RefreshOn: entity.EpochFromTime(testNow.Add(-time.Minute)),
		TokenType: cachekey.SchemeBearer,
	}
	if err := manager.SaveAccessToken(ctx, accessToken); err != nil {
		t.Fatalf("seed access token: %v", err)
	}
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := New(context.Background(), cfg, WithNetwork(&tokenEndpoint{})); err == nil {
		t.Fatalf("expected missing client id to fail")
	}

	cfg.ClientID = testClientID
	cfg.Authority = "http://login.microsoftonline.com/common"
	if _, err := New(context.Background(), cfg, WithNetwork(&tokenEndpoint{})); err == nil {
		t.Fatalf("expected non-https authority to fail")
	}
}

func TestNewMigratesOnStart(t *testing.T) {
	client, _ := newTestClient(t)
	report, err := client.MigrateSchema(context.Background())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !report.AlreadyCurrent {
		t.Fatalf("expected the start-up migration to mark the cache current, got %+v", report)
	}
}

func TestClientAcquiresSilentlyAndManagesAccounts(t *testing.T) {
	ctx := context.Background()
	client, network := newTestClient(t)
	seedRefreshToken(t, client.Cache())
	network.token = tokenBody(t, "at-fresh")

	result, err := client.AcquireTokenSilent(ctx, silent.Request{Account: testAccount(), Scopes: []string{"User.Read"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if result.FromCache || result.AccessToken != "at-fresh" {
		t.Fatalf("expected a refreshed token, got %+v", result)
	}
	if form := network.lastForm(); form.Get("refresh_token") != "rt-secret" {
		t.Fatalf("expected the cached refresh token to be redeemed, got %v", form)
	}

	again, err := client.AcquireTokenSilent(ctx, silent.Request{Account: testAccount(), Scopes: []string{"user.read"}})
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if !again.FromCache || network.calls.Load() != 1 {
		t.Fatalf("expected the cached token, calls=%d", network.calls.Load())
	}

	accounts, err := client.GetAllAccounts(ctx, cache.AccountFilter{})
	if err != nil || len(accounts) != 1 {
		t.Fatalf("expected one account, got %v (%v)", accounts, err)
	}
	account, err := client.GetAccount(ctx, cache.AccountFilter{HomeAccountID: testHomeAccountID})
	if err != nil || account == nil || account.Username != "ada@example.com" {
		t.Fatalf("unexpected account %+v (%v)", account, err)
	}

	if active, err := client.GetActiveAccount(ctx); err != nil || active != nil {
		t.Fatalf("expected no active account, got %+v (%v)", active, err)
	}
	if err := client.SetActiveAccount(ctx, account); err != nil {
		t.Fatalf("set active: %v", err)
	}
	active, err := client.GetActiveAccount(ctx)
	if err != nil || active == nil || active.HomeAccountID != testHomeAccountID {
		t.Fatalf("expected the active account, got %+v (%v)", active, err)
	}

	if err := client.RemoveAccount(ctx, *account); err != nil {
		t.Fatalf("remove: %v", err)
	}
	accounts, err = client.GetAllAccounts(ctx, cache.AccountFilter{})
	if err != nil || len(accounts) != 0 {
		t.Fatalf("expected no accounts after removal, got %v (%v)", accounts, err)
	}
}

func TestClientRejectsInvalidMessagesBeforeExecution(t *testing.T) {
	ctx := context.Background()
	client, network := newTestClient(t)

	if _, err := client.AcquireTokenSilent(ctx, silent.Request{Scopes: []string{" "}}); err == nil {
		t.Fatalf("expected a blank scope to fail validation")
	}
	if _, err := client.GetAccount(ctx, cache.AccountFilter{}); err == nil {
		t.Fatalf("expected an empty account filter to fail validation")
	}
	if err := client.RemoveAccount(ctx, entity.AccountInfo{}); err == nil {
		t.Fatalf("expected an incomplete account to fail validation")
	}
	if network.calls.Load() != 0 {
		t.Fatalf("validation failures must not reach the network")
	}
}

func TestClientWithoutRefreshTokenRequiresInteraction(t *testing.T) {
	client, network := newTestClient(t)
	_, err := client.AcquireTokenSilent(context.Background(), silent.Request{Account: testAccount(), Scopes: []string{"user.read"}})
	if !core.IsInteractionRequired(err) {
		t.Fatalf("expected interaction required, got %v", err)
	}
	if network.calls.Load() != 0 {
		t.Fatalf("expected no network calls, got %d", network.calls.Load())
	}
}

func TestClientRegisterDispatchesThroughGoCommand(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	seedIdentity(t, client.Cache())

	registrar := gocommand.NewRegistrar(command.NewRegistry())
	defer registrar.Close()
	if err := client.Register(registrar); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := len(registrar.Subscriptions()); got != 8 {
		t.Fatalf("expected eight subscriptions, got %d", got)
	}
	if err := registrar.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	accounts, err := gocommand.Ask[authquery.GetAllAccountsMessage, []entity.AccountInfo](ctx, authquery.GetAllAccountsMessage{})
	if err != nil || len(accounts) != 1 {
		t.Fatalf("expected one account through the dispatcher, got %v (%v)", accounts, err)
	}

	if err := gocommand.Dispatch(ctx, authcommand.ClearCacheMessage{}); err != nil {
		t.Fatalf("dispatch clear: %v", err)
	}
	accounts, err = client.GetAllAccounts(ctx, cache.AccountFilter{})
	if err != nil || len(accounts) != 0 {
		t.Fatalf("expected an empty cache after clear, got %v (%v)", accounts, err)
	}
}

func TestClientRegisterRequiresRegistrar(t *testing.T) {
	client, _ := newTestClient(t)
	if err := client.Register(nil); err == nil {
		t.Fatalf("expected a nil registrar to fail")
	}
}

// memoryQueue is a single-consumer go-job queue backed by a slice.
type memoryQueue struct {
	mu       sync.Mutex
	messages []*job.ExecutionMessage
	acked    int
	nacked   []queue.NackOptions
}

func (q *memoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return queue.EnqueueReceipt{DispatchID: msg.IdempotencyKey, EnqueuedAt: testNow}, nil
}

func (q *memoryQueue) Dequeue(context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, errors.New("queue is empty")
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return &memoryDelivery{queue: q, msg: msg}, nil
}

func (q *memoryQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

type memoryDelivery struct {
	queue *memoryQueue
	msg   *job.ExecutionMessage
}

func (d *memoryDelivery) Message() *job.ExecutionMessage { return d.msg }

func (d *memoryDelivery) Ack(context.Context) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	d.queue.acked++
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	d.queue.mu.Lock()
	defer d.queue.mu.Unlock()
	d.queue.nacked = append(d.queue.nacked, opts)
	return nil
}

func TestClientProactiveRefreshRunsThroughGoJob(t *testing.T) {
	ctx := context.Background()
	jobs := &memoryQueue{}
	client, network := newTestClient(t, WithProactiveRefreshEnqueuer(gojob.NewEnqueuer(jobs)))
	seedIdentity(t, client.Cache())
	seedRefreshToken(t, client.Cache())
	network.token = tokenBody(t, "at-background")

	result, err := client.AcquireTokenSilent(ctx, silent.Request{Account: testAccount(), Scopes: []string{"user.read"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !result.FromCache || result.AccessToken != "cached-at" {
		t.Fatalf("expected the cached token while refresh is pending, got %+v", result)
	}
	if jobs.depth() != 1 || network.calls.Load() != 0 {
		t.Fatalf("expected one queued refresh and no network call, depth=%d calls=%d", jobs.depth(), network.calls.Load())
	}

	handler, err := client.RefreshJobHandler()
	if err != nil {
		t.Fatalf("refresh handler: %v", err)
	}
	delivery, err := gojob.NewDequeuer(jobs, gojob.DefaultRetryPolicy()).Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := handler.Process(ctx, delivery, 1); err != nil {
		t.Fatalf("process: %v", err)
	}
	if jobs.acked != 1 || len(jobs.nacked) != 0 {
		t.Fatalf("expected the job to be acked, acked=%d nacked=%d", jobs.acked, len(jobs.nacked))
	}
	if form := network.lastForm(); form.Get("grant_type") != "refresh_token" {
		t.Fatalf("expected a refresh token grant, got %v", form)
	}

	refreshed, err := client.AcquireTokenSilent(ctx, silent.Request{Account: testAccount(), Scopes: []string{"user.read"}})
	if err != nil {
		t.Fatalf("acquire after refresh: %v", err)
	}
	if !refreshed.FromCache || refreshed.AccessToken != "at-background" {
		t.Fatalf("expected the background token from cache, got %+v", refreshed)
	}
}

func TestClientJobLoggers(t *testing.T) {
	client, _ := newTestClient(t)
	provider, logger := client.JobLoggers()
	if provider == nil || logger == nil {
		t.Fatalf("expected job loggers, got %v %v", provider, logger)
	}
	if provider.GetLogger("worker") == nil {
		t.Fatalf("expected the provider to name loggers")
	}
	if client.WorkerHook() == nil {
		t.Fatalf("expected a worker hook")
	}
}

func TestGetMigrationsFSShipsBothDialects(t *testing.T) {
	for _, pattern := range []string{"data/sql/migrations/*.up.sql", "data/sql/migrations/sqlite/*.up.sql"} {
		matches, err := fs.Glob(GetMigrationsFS(), pattern)
		if err != nil || len(matches) == 0 {
			t.Fatalf("expected migrations for %s, got %v (%v)", pattern, matches, err)
		}
	}
}
