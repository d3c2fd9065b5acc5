package silent

import (
	"context"
	"net/url"
	"time"

	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
)

const (
	headerContentType          = "Content-Type"
	headerClientRequestID      = "client-request-id"
	headerReturnClientRequest  = "return-client-request-id"
	headerAppName              = "x-app-name"
	headerAppVersion           = "x-app-ver"
	formURLEncoded             = "application/x-www-form-urlencoded;charset=utf-8"
	grantTypeRefreshToken      = "refresh_token"
	grantTypeAuthorizationCode = "authorization_code"
)

// postToTokenEndpoint sends form to the authority's token endpoint. The
// throttling window is checked first and updated from the response;
// telemetry history is flushed on success and appended on failure.
func (c *Coordinator) postToTokenEndpoint(ctx context.Context, p *prepared, form url.Values) (*TokenResponse, time.Time, error) {
	if err := c.throttle.BeforeCall(ctx, p.thumbprint); err != nil {
		return nil, time.Time{}, err
	}
	if c.network == nil {
		return nil, time.Time{}, core.ConfigurationError(core.CodeInvalidConfiguration, "silent: network client is required for token requests")
	}

	form.Set("client_id", c.config.ClientID)
	form.Set("client_info", "1")
	if p.claimsForRequest != "" {
		form.Set("claims", p.claimsForRequest)
	}
	c.applyScheme(p, form)

	headers := map[string]string{
		headerContentType:         formURLEncoded,
		headerClientRequestID:     p.CorrelationID,
		headerReturnClientRequest: "true",
	}
	if name := c.config.Telemetry.ApplicationName; name != "" {
		headers[headerAppName] = name
	}
	if version := c.config.Telemetry.ApplicationVersion; version != "" {
		headers[headerAppVersion] = version
	}
	telemetryHeaders, err := p.telemetry.Headers(ctx)
	if err != nil {
		c.observer.Warn(ctx, "server telemetry unavailable", map[string]any{"error": err.Error()})
	}
	for key, value := range telemetryHeaders {
		headers[key] = value
	}

	requestedAt := c.clock()
	response, err := c.network.SendPostRequest(ctx, p.authority.TokenEndpoint(), core.NetworkRequestOptions{
		Headers: headers,
		Body:    form.Encode(),
		Timeout: c.config.NetworkTimeout(),
	})
	if err != nil {
		wrapped := core.WrapError(err, core.KindNetwork, core.CodeNetworkError, "silent: token request failed", map[string]any{
			"correlation_id": p.CorrelationID,
		})
		c.recordFailure(ctx, p, wrapped)
		return nil, requestedAt, wrapped
	}
	if err := c.throttle.AfterCall(ctx, p.thumbprint, response); err != nil {
		c.observer.Warn(ctx, "throttling state could not be saved", map[string]any{"error": err.Error()})
	}

	body, err := decodeTokenResponse(response)
	if err != nil {
		c.recordFailure(ctx, p, err)
		return nil, requestedAt, err
	}
	if err := p.telemetry.Clear(ctx); err != nil {
		c.observer.Warn(ctx, "server telemetry could not be cleared", map[string]any{"error": err.Error()})
	}
	return body, requestedAt, nil
}

func (c *Coordinator) recordFailure(ctx context.Context, p *prepared, cause error) {
	if err := p.telemetry.CacheFailedRequest(ctx, cause); err != nil {
		c.observer.Warn(ctx, "failed request could not be recorded", map[string]any{"error": err.Error()})
	}
}

// applyScheme adds the proof-of-possession or SSH certificate parameters.
func (c *Coordinator) applyScheme(p *prepared, form url.Values) {
	switch p.scheme() {
	case cachekey.SchemePoP:
		form.Set("token_type", cachekey.SchemePoP)
		form.Set("req_cnf", p.popCnf.ReqCnf)
	case cachekey.SchemeSSH:
		form.Set("token_type", cachekey.SchemeSSH)
		form.Set("req_cnf", p.SSHJwk)
	}
}
