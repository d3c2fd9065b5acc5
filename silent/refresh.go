package silent

import (
	"context"
	"net/url"

	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
)

// refresh redeems a refresh token. Family members try the shared family
// token first and fall back to their own when the family token is missing
// or rejected for this client.
func (c *Coordinator) refresh(ctx context.Context, p *prepared) (*Result, error) {
	startedAt := c.clock()
	result, family, err := c.refreshWithFamily(ctx, p)
	c.observer.Observe(ctx, startedAt, "refresh_token", err, map[string]any{
		"correlation_id": p.CorrelationID,
		"family":         family,
		"policy":         p.CacheLookupPolicy.String(),
	})
	return result, err
}

func (c *Coordinator) refreshWithFamily(ctx context.Context, p *prepared) (*Result, bool, error) {
	foci, err := c.cache.IsAppMetadataFOCI(ctx, p.account.Environment)
	if err != nil {
		return nil, false, err
	}
	if foci {
		result, err := c.redeemRefreshToken(ctx, p, true)
		if err == nil {
			return result, true, nil
		}
		if !familyFallbackAllowed(err) {
			return nil, true, err
		}
		c.observer.Debug(ctx, "family refresh token unavailable, using client refresh token", map[string]any{
			"correlation_id": p.CorrelationID,
			"error_code":     core.ErrorCode(err),
		})
	}
	result, err := c.redeemRefreshToken(ctx, p, false)
	return result, false, err
}

func familyFallbackAllowed(err error) bool {
	switch core.ErrorCode(err) {
	case core.CodeNoTokensFound:
		return true
	case core.CodeInvalidGrant:
		return core.SubError(err) == core.CodeClientMismatch
	default:
		return false
	}
}

func (c *Coordinator) redeemRefreshToken(ctx context.Context, p *prepared, family bool) (*Result, error) {
	token, err := c.cache.GetRefreshToken(ctx, p.account, family)
	if err != nil {
		return nil, err
	}
	metadata := map[string]any{"correlation_id": p.CorrelationID, "family": family}
	if token == nil {
		return nil, core.InteractionRequiredError(core.CodeNoTokensFound, "silent: no refresh token found in the cache", "", metadata)
	}
	if token.IsExpired(c.clock(), c.config.RefreshTokenExpirationOffset()) {
		return nil, core.InteractionRequiredError(core.CodeRefreshTokenExpired, "silent: refresh token is expired", "", metadata)
	}
	if err := c.ensurePoPCnf(ctx, p); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeRefreshToken)
	form.Set("scope", p.requestScopes())
	form.Set("refresh_token", token.Secret)

	body, requestedAt, err := c.postToTokenEndpoint(ctx, p, form)
	if err != nil {
		if core.IsInteractionRequired(err) && core.SubError(err) == core.CodeBadToken {
			if removeErr := c.cache.RemoveRefreshToken(ctx, token.Key()); removeErr != nil {
				c.observer.Warn(ctx, "rejected refresh token could not be removed", map[string]any{"error": removeErr.Error()})
			}
		}
		return nil, err
	}
	return c.handleTokenResponse(ctx, p, body, requestedAt, "")
}

// ensurePoPCnf asks the key manager for a confirmation claim once per
// request, right before the first network call.
func (c *Coordinator) ensurePoPCnf(ctx context.Context, p *prepared) error {
	if p.scheme() != cachekey.SchemePoP || p.popCnf.ReqCnf != "" {
		return nil
	}
	if c.pop == nil {
		return core.ConfigurationError(core.CodePoPNotConfigured, "silent: pop tokens need a key manager")
	}
	cnf, err := c.pop.GenerateCnf(ctx, p.popRequest)
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodePoPNotConfigured, "silent: pop confirmation could not be generated", nil)
	}
	p.popCnf = cnf
	return nil
}
