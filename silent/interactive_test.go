package silent

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-auth-cache/core"
)

// authorizeCapture records the authorize query so the token endpoint can
// answer with the matching nonce.
type authorizeCapture struct {
	mu    sync.Mutex
	query url.Values
}

func (c *authorizeCapture) respond(_ context.Context, req core.NavigateRequest, query url.Values) (core.AuthorizationResponse, error) {
	c.mu.Lock()
	c.query = query
	c.mu.Unlock()
	return core.AuthorizationResponse{Code: "code-1", State: req.State}, nil
}

func (c *authorizeCapture) get(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query.Get(key)
}

func (c *authorizeCapture) tokenBody(t *testing.T, accessToken string) map[string]any {
	t.Helper()
	claims := testClaims()
	claims["nonce"] = c.get("nonce")
	return tokenBody(t, accessToken, claims)
}

func TestInteractiveFallbackRedeemsAuthorizationCode(t *testing.T) {
	fallback := &fakeFallback{}
	capture := &authorizeCapture{}
	fallback.respond = capture.respond
	f := newFixture(t, nil, WithInteractiveFallback(fallback))
	f.network.handler = func(form url.Values) (core.NetworkResponse, error) {
		if form.Get("grant_type") != "authorization_code" || form.Get("code") != "code-1" {
			t.Errorf("unexpected redemption form %v", form)
		}
		if S256Challenge(form.Get("code_verifier")) != capture.get("code_challenge") {
			t.Errorf("code verifier does not match the challenge")
		}
		if form.Get("redirect_uri") != testRedirectURI {
			t.Errorf("unexpected redirect uri %q", form.Get("redirect_uri"))
		}
		return jsonResponse(200, capture.tokenBody(t, "at-interactive")), nil
	}

	result, err := f.coordinator.AcquireToken(context.Background(), Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if result.FromCache || result.AccessToken != "at-interactive" {
		t.Fatalf("expected interactive token, got %+v", result)
	}
	if fallback.callCount() != 1 || f.network.calls.Load() != 1 {
		t.Fatalf("expected one navigation and one redemption, got %d/%d", fallback.callCount(), f.network.calls.Load())
	}
	if f.gate.InFlight() {
		t.Fatalf("gate must be released after the renewal")
	}

	query := fallback.last.Query()
	if fallback.last.Path != "/common/oauth2/v2.0/authorize" {
		t.Fatalf("unexpected authorize path %q", fallback.last.Path)
	}
	expected := map[string]string{
		"prompt":                "none",
		"response_type":         "code",
		"code_challenge_method": "S256",
		"client_id":             testClientID,
		"redirect_uri":          testRedirectURI,
		"login_hint":            "ada@example.com",
		"client_info":           "1",
	}
	for key, want := range expected {
		if got := query.Get(key); got != want {
			t.Fatalf("authorize %s = %q, want %q", key, got, want)
		}
	}
	if query.Get("state") == "" || query.Get("nonce") == "" || query.Get("state") == query.Get("nonce") {
		t.Fatalf("expected distinct state and nonce, got %v", query)
	}
	if query.Get("client-request-id") != result.CorrelationID {
		t.Fatalf("expected correlation id on the authorize request")
	}

	cached, err := f.coordinator.AcquireToken(context.Background(), Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
	if err != nil || !cached.FromCache {
		t.Fatalf("expected the interactive token to be cached, got %+v (%v)", cached, err)
	}
}

func TestInteractiveFallbackPrefersSIDHint(t *testing.T) {
	fallback := &fakeFallback{respond: func(context.Context, core.NavigateRequest, url.Values) (core.AuthorizationResponse, error) {
		return core.AuthorizationResponse{Error: "login_required"}, nil
	}}
	f := newFixture(t, nil, WithInteractiveFallback(fallback))

	_, err := f.coordinator.AcquireToken(context.Background(), Request{
		Account: testAccountInfo(),
		Scopes:  []string{"user.read"},
		SID:     "session-1",
	})
	if !core.IsInteractionRequired(err) || core.ErrorCode(err) != core.CodeLoginRequired {
		t.Fatalf("expected login_required, got %v", err)
	}
	query := fallback.last.Query()
	if query.Get("sid") != "session-1" || query.Get("login_hint") != "" {
		t.Fatalf("expected only the sid hint, got %v", query)
	}
}

func TestInteractiveFallbackRejectsStateMismatch(t *testing.T) {
	fallback := &fakeFallback{respond: func(context.Context, core.NavigateRequest, url.Values) (core.AuthorizationResponse, error) {
		return core.AuthorizationResponse{Code: "code-1", State: "forged"}, nil
	}}
	f := newFixture(t, nil, WithInteractiveFallback(fallback))

	_, err := f.coordinator.AcquireToken(context.Background(), Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
	if core.ErrorCode(err) != core.CodeStateMismatch {
		t.Fatalf("expected state_mismatch, got %v", err)
	}
	if f.network.calls.Load() != 0 {
		t.Fatalf("a mismatched state must not be redeemed")
	}
}

func TestInteractiveFallbackRejectsNonceMismatch(t *testing.T) {
	fallback := &fakeFallback{}
	f := newFixture(t, nil, WithInteractiveFallback(fallback))
	f.network.handler = func(url.Values) (core.NetworkResponse, error) {
		claims := testClaims()
		claims["nonce"] = "replayed"
		return jsonResponse(200, tokenBody(t, "at-interactive", claims)), nil
	}

	_, err := f.coordinator.AcquireToken(context.Background(), Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
	if core.ErrorCode(err) != core.CodeNonceMismatch {
		t.Fatalf("expected nonce_mismatch, got %v", err)
	}
	keys, kerr := f.cache.TokenKeys(context.Background())
	if kerr != nil || len(keys.AccessToken) != 0 {
		t.Fatalf("nothing may be cached after a nonce mismatch, got %+v (%v)", keys, kerr)
	}
}

func TestInteractiveFallbackWithoutFallbackReturnsRefreshError(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coordinator.AcquireToken(context.Background(), Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
	if core.ErrorCode(err) != core.CodeNoTokensFound {
		t.Fatalf("expected the refresh error, got %v", err)
	}
}

func TestInteractiveFallbackTimesOut(t *testing.T) {
	fallback := &fakeFallback{respond: func(ctx context.Context, _ core.NavigateRequest, _ url.Values) (core.AuthorizationResponse, error) {
		<-ctx.Done()
		return core.AuthorizationResponse{}, ctx.Err()
	}}
	f := newFixture(t, func(cfg *core.Config) { cfg.System.InteractiveTimeoutMS = 20 }, WithInteractiveFallback(fallback))

	_, err := f.coordinator.AcquireToken(context.Background(), Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
	if core.KindOf(err) != core.KindTimeout || core.ErrorCode(err) != core.CodeTimedOut {
		t.Fatalf("expected timeout, got %v", err)
	}
	if f.gate.InFlight() {
		t.Fatalf("gate must be released after a timeout")
	}
}

func TestInteractiveFallbackWrapsUntaggedErrors(t *testing.T) {
	fallback := &fakeFallback{respond: func(context.Context, core.NavigateRequest, url.Values) (core.AuthorizationResponse, error) {
		return core.AuthorizationResponse{}, errors.New("frame blocked")
	}}
	f := newFixture(t, nil, WithInteractiveFallback(fallback))

	_, err := f.coordinator.AcquireToken(context.Background(), Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
	if core.ErrorCode(err) != core.CodeUnexpectedInteractiveFlow {
		t.Fatalf("expected unexpected_interactive_flow, got %v", err)
	}
}

func TestInteractiveFallbackWaiterRetriesCacheAfterSuccess(t *testing.T) {
	fallback := &fakeFallback{}
	f := newFixture(t, nil, WithInteractiveFallback(fallback))
	lease, attempt := f.gate.TryAcquire()
	if lease == nil || attempt != nil {
		t.Fatalf("expected to hold the gate")
	}

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.coordinator.AcquireToken(context.Background(), Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
		done <- outcome{result, err}
	}()

	time.Sleep(50 * time.Millisecond)
	f.seedAccessToken(t, "user.read", nil)
	lease.Release(nil)

	got := <-done
	if got.err != nil {
		t.Fatalf("waiter: %v", got.err)
	}
	if !got.result.FromCache || got.result.AccessToken != "cached-at" {
		t.Fatalf("expected waiter to read the renewed token from cache, got %+v", got.result)
	}
	if fallback.callCount() != 0 {
		t.Fatalf("waiter must not navigate, got %d calls", fallback.callCount())
	}
}

func TestInteractiveFallbackWaiterReturnsOwnErrorAfterFailure(t *testing.T) {
	fallback := &fakeFallback{}
	f := newFixture(t, nil, WithInteractiveFallback(fallback))
	lease, _ := f.gate.TryAcquire()

	done := make(chan error, 1)
	go func() {
		_, err := f.coordinator.AcquireToken(context.Background(), Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	lease.Release(core.NewError(core.KindServer, "temporarily_unavailable", "renewal failed", nil))

	err := <-done
	if core.ErrorCode(err) != core.CodeNoTokensFound {
		t.Fatalf("expected the waiter's own error, got %v", err)
	}
	if fallback.callCount() != 0 {
		t.Fatalf("waiter must not navigate after a failed renewal")
	}
}

func TestInteractiveFallbackWaiterHonorsDeadline(t *testing.T) {
	f := newFixture(t, nil, WithInteractiveFallback(&fakeFallback{}))
	lease, _ := f.gate.TryAcquire()
	defer lease.Release(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := f.coordinator.AcquireToken(ctx, Request{Account: testAccountInfo(), Scopes: []string{"user.read"}})
	if core.KindOf(err) != core.KindTimeout {
		t.Fatalf("expected timeout while waiting, got %v", err)
	}
}

func TestInteractiveFallbackSkipWaiterRunsItsOwnRenewal(t *testing.T) {
	fallback := &fakeFallback{}
	capture := &authorizeCapture{}
	fallback.respond = capture.respond
	f := newFixture(t, nil, WithInteractiveFallback(fallback))
	f.network.handler = func(url.Values) (core.NetworkResponse, error) {
		return jsonResponse(200, capture.tokenBody(t, "at-skip")), nil
	}
	lease, _ := f.gate.TryAcquire()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.coordinator.AcquireToken(context.Background(), Request{
			Account:           testAccountInfo(),
			Scopes:            []string{"user.read"},
			CacheLookupPolicy: PolicySkip,
		})
		done <- outcome{result, err}
	}()

	time.Sleep(50 * time.Millisecond)
	lease.Release(errors.New("other renewal failed"))

	got := <-done
	if got.err != nil || got.result.AccessToken != "at-skip" {
		t.Fatalf("expected skip waiter to renew, got %+v (%v)", got.result, got.err)
	}
	if fallback.callCount() != 1 {
		t.Fatalf("expected one navigation, got %d", fallback.callCount())
	}
}
