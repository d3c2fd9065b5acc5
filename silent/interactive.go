package silent

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/telemetry"
)

// acquireWithFallback runs the interactive renewal through the gate. A
// caller that finds an attempt in flight waits for it and then retries the
// cache and refresh token; when the attempt fails it returns original so the
// error stays specific to its own request. Skip-policy callers have nothing
// to retry and take the gate themselves once it frees up.
func (c *Coordinator) acquireWithFallback(ctx context.Context, p *prepared, original error) (*Result, error) {
	if c.fallback == nil {
		if original != nil {
			return nil, original
		}
		return nil, core.ConfigurationError(core.CodeFallbackNotConfigured, "silent: no interactive fallback is configured")
	}

	for {
		lease, attempt := c.gate.TryAcquire()
		if lease != nil {
			result, err := c.runInteractive(ctx, p)
			lease.Release(err)
			return result, err
		}

		c.observer.Debug(ctx, "waiting for interactive renewal in flight", map[string]any{"correlation_id": p.CorrelationID})
		waitErr := attempt.Wait(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr, "silent: gave up waiting for the interactive renewal")
		}
		if p.CacheLookupPolicy == PolicySkip {
			continue
		}
		if waitErr != nil {
			return nil, original
		}
		return c.retryAfterFallback(ctx, p)
	}
}

// retryAfterFallback repeats the cache and refresh steps once another
// caller's interactive renewal succeeded.
func (c *Coordinator) retryAfterFallback(ctx context.Context, p *prepared) (*Result, error) {
	if p.CacheLookupPolicy.usesAccessTokenCache() {
		result, err := c.fromCache(ctx, p)
		if err == nil {
			return result, nil
		}
		if !isCacheMiss(err) {
			return nil, err
		}
	}
	return c.refresh(ctx, p)
}

// runInteractive drives one authorization code round trip through the
// interactive fallback and redeems the code.
func (c *Coordinator) runInteractive(ctx context.Context, p *prepared) (*Result, error) {
	startedAt := c.clock()
	result, err := c.authorizationCodeFlow(ctx, p)
	c.observer.Observe(ctx, startedAt, "interactive_fallback", err, map[string]any{
		"correlation_id": p.CorrelationID,
		"policy":         p.CacheLookupPolicy.String(),
	})
	return result, err
}

func (c *Coordinator) authorizationCodeFlow(ctx context.Context, p *prepared) (*Result, error) {
	redirectURI := strings.TrimSpace(p.RedirectURI)
	if redirectURI == "" {
		redirectURI = strings.TrimSpace(c.config.RedirectURI)
	}
	if redirectURI == "" {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "silent: interactive renewal needs a redirect uri")
	}
	codes, err := c.pkce.Generate(ctx)
	if err != nil {
		return nil, err
	}
	if codes.Verifier == "" || codes.Challenge == "" {
		return nil, core.ConfigurationError(core.CodeMissingPKCE, "silent: pkce generator returned empty codes")
	}
	if err := c.ensurePoPCnf(ctx, p); err != nil {
		return nil, err
	}

	state := c.newID()
	nonce := c.newID()
	timeout := c.config.InteractiveTimeout()
	navCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	response, err := c.fallback.Navigate(navCtx, core.NavigateRequest{
		URL:           c.authorizeURL(p, codes, state, nonce, redirectURI),
		State:         state,
		RedirectURI:   redirectURI,
		CorrelationID: p.CorrelationID,
		Timeout:       timeout,
	})
	if err != nil {
		if navErr := navCtx.Err(); navErr != nil {
			return nil, contextError(navErr, "silent: interactive renewal did not complete")
		}
		if core.KindOf(err) != "" {
			return nil, err
		}
		return nil, core.WrapError(err, core.KindClient, core.CodeUnexpectedInteractiveFlow, "silent: interactive renewal failed", map[string]any{"correlation_id": p.CorrelationID})
	}

	if response.Error != "" || response.SubError != "" {
		return nil, core.ServerError(response.Error, response.ErrorDescription, response.SubError, map[string]any{"correlation_id": p.CorrelationID})
	}
	if response.State != state {
		return nil, core.NewError(core.KindClient, core.CodeStateMismatch, "silent: authorization response state does not match", map[string]any{"correlation_id": p.CorrelationID})
	}
	if response.Code == "" {
		return nil, core.NewError(core.KindClient, core.CodeUnexpectedInteractiveFlow, "silent: authorization response carries no code", map[string]any{"correlation_id": p.CorrelationID})
	}

	redeem := *p
	redeem.telemetry = telemetry.NewManager(c.cache, telemetry.Request{
		ClientID:      c.config.ClientID,
		CorrelationID: p.CorrelationID,
		APIID:         telemetry.APISSOSilent,
	})
	if host := strings.ToLower(strings.TrimSpace(response.CloudInstanceHostName)); host != "" && host != p.authority.Host() {
		resolved, err := c.resolver.Resolve(ctx, p.authority.URL.WithHost(host).Canonical)
		if err != nil {
			return nil, err
		}
		redeem.authority = resolved
	}
	redeem.telemetry.SetRegion(redeem.authority.Region)

	form := url.Values{}
	form.Set("grant_type", grantTypeAuthorizationCode)
	form.Set("code", response.Code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", codes.Verifier)
	form.Set("scope", p.requestScopes())

	body, requestedAt, err := c.postToTokenEndpoint(ctx, &redeem, form)
	if err != nil {
		return nil, err
	}
	return c.handleTokenResponse(ctx, &redeem, body, requestedAt, nonce)
}

// authorizeURL builds the prompt=none authorization request.
func (c *Coordinator) authorizeURL(p *prepared, codes core.PKCECodes, state string, nonce string, redirectURI string) string {
	query := url.Values{}
	for key, value := range p.ExtraQueryParameters {
		query.Set(key, value)
	}
	query.Set("client_id", c.config.ClientID)
	query.Set("scope", p.requestScopes())
	query.Set("redirect_uri", redirectURI)
	query.Set("response_type", "code")
	query.Set("response_mode", "fragment")
	query.Set("prompt", "none")
	query.Set("code_challenge", codes.Challenge)
	query.Set("code_challenge_method", codes.Method)
	query.Set("state", state)
	query.Set("nonce", nonce)
	query.Set("client_info", "1")
	query.Set(headerClientRequestID, p.CorrelationID)
	if p.claimsForRequest != "" {
		query.Set("claims", p.claimsForRequest)
	}
	if key, value := c.accountHint(p); key != "" {
		query.Set(key, value)
	}
	switch p.scheme() {
	case cachekey.SchemePoP:
		query.Set("req_cnf", p.popCnf.ReqCnf)
	case cachekey.SchemeSSH:
		query.Set("req_cnf", p.SSHJwk)
	}

	endpoint := p.authority.AuthorizationEndpoint()
	separator := "?"
	if strings.Contains(endpoint, "?") {
		separator = "&"
	}
	return endpoint + separator + query.Encode()
}

// accountHint picks the single hint sent with a prompt=none request: an
// explicit sid, the account's login_hint claim, its sid claim, an explicit
// login hint, then the username.
func (c *Coordinator) accountHint(p *prepared) (string, string) {
	if sid := strings.TrimSpace(p.SID); sid != "" {
		return "sid", sid
	}
	claims := p.account.IDTokenClaims
	if hint, _ := claims["login_hint"].(string); hint != "" {
		return "login_hint", hint
	}
	if sid, _ := claims["sid"].(string); sid != "" {
		return "sid", sid
	}
	if hint := strings.TrimSpace(p.LoginHint); hint != "" {
		return "login_hint", hint
	}
	if username := strings.TrimSpace(p.account.Username); username != "" {
		return "login_hint", username
	}
	return "", ""
}

func contextError(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.WrapError(err, core.KindTimeout, core.CodeTimedOut, message, nil)
	}
	return core.WrapError(err, core.KindUserCancelled, core.CodeUserCancelled, message, nil)
}
