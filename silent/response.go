package silent

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
	"github.com/goliatone/go-auth-cache/scopes"
	"github.com/goliatone/go-auth-cache/throttle"
)

// Seconds decodes a duration in seconds sent as a number or a string.
type Seconds int64

func (s *Seconds) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	raw := string(data)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	if raw == "" {
		*s = 0
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*s = Seconds(int64(value))
	return nil
}

func (s Seconds) Duration() time.Duration {
	return time.Duration(s) * time.Second
}

// TokenResponse is the token endpoint response body.
type TokenResponse struct {
	TokenType             string  `json:"token_type"`
	Scope                 string  `json:"scope"`
	ExpiresIn             Seconds `json:"expires_in"`
	ExtExpiresIn          Seconds `json:"ext_expires_in"`
	RefreshIn             Seconds `json:"refresh_in"`
	AccessToken           string  `json:"access_token"`
	RefreshToken          string  `json:"refresh_token"`
	RefreshTokenExpiresIn Seconds `json:"refresh_token_expires_in"`
	IDToken               string  `json:"id_token"`
	ClientInfo            string  `json:"client_info"`
	Foci                  string  `json:"foci"`
	KeyID                 string  `json:"key_id"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	SubError         string `json:"suberror"`
}

// decodeTokenResponse validates a token endpoint response. Error fields are
// classified into interaction-required or server errors.
func decodeTokenResponse(response core.NetworkResponse) (*TokenResponse, error) {
	var body TokenResponse
	decodeErr := json.Unmarshal(response.Body, &body)

	if decodeErr == nil && (body.Error != "" || body.ErrorDescription != "" || body.SubError != "") {
		details := throttle.ParseErrorBody(response.Body)
		metadata := map[string]any{"status": response.Status}
		if details.CorrelationID != "" {
			metadata["correlation_id"] = details.CorrelationID
		}
		if details.TraceID != "" {
			metadata["trace_id"] = details.TraceID
		}
		if details.Claims != "" {
			metadata["claims"] = details.Claims
		}
		if len(details.ErrorCodes) > 0 {
			metadata["error_codes"] = details.ErrorCodes
		}
		return nil, core.ServerError(body.Error, body.ErrorDescription, body.SubError, metadata)
	}
	if response.Status < 200 || response.Status >= 300 {
		return nil, core.NewError(core.KindServer, core.CodeInvalidTokenResponse, "silent: token endpoint returned an error status", map[string]any{"status": response.Status})
	}
	if decodeErr != nil {
		return nil, core.WrapError(decodeErr, core.KindServer, core.CodeInvalidTokenResponse, "silent: token response is not json", map[string]any{"status": response.Status})
	}
	if body.AccessToken == "" && body.IDToken == "" {
		return nil, core.NewError(core.KindServer, core.CodeInvalidTokenResponse, "silent: token response carries no tokens", nil)
	}
	return &body, nil
}

// handleTokenResponse turns a validated response into a cache record, saves
// it and returns the result. A non-empty nonce must match the ID token.
func (c *Coordinator) handleTokenResponse(ctx context.Context, p *prepared, body *TokenResponse, requestedAt time.Time, nonce string) (*Result, error) {
	var claims entity.IDTokenClaims
	if body.IDToken != "" {
		parsed, err := entity.ParseIDTokenClaims(body.IDToken)
		if err != nil {
			return nil, err
		}
		claims = parsed
		if nonce != "" && claims.Nonce() != nonce {
			return nil, core.NewError(core.KindClient, core.CodeNonceMismatch, "silent: id token nonce does not match the request", nil)
		}
	} else if nonce != "" {
		return nil, core.NewError(core.KindClient, core.CodeNonceMismatch, "silent: id token missing from code redemption", nil)
	}

	record := c.buildCacheRecord(p, body, claims, requestedAt)
	if err := c.cache.SaveCacheRecord(ctx, record, p.StoreInCache, p.CorrelationID); err != nil {
		return nil, err
	}
	return c.resultFromRecord(ctx, p, record, claims, false)
}

func (c *Coordinator) buildCacheRecord(p *prepared, body *TokenResponse, claims entity.IDTokenClaims, requestedAt time.Time) *entity.CacheRecord {
	environment := p.authority.PreferredCache()
	authorityType := p.authority.Type

	homeAccountID := p.account.HomeAccountID
	if body.ClientInfo != "" || claims.MapClaims != nil {
		if derived := entity.HomeAccountID(body.ClientInfo, authorityType, claims); derived != "" {
			homeAccountID = derived
		}
	}
	realm := claims.TenantID()
	if realm == "" {
		realm = p.realm
	}
	stamp := entity.Epoch(requestedAt.UnixMilli())
	record := &entity.CacheRecord{}

	if body.IDToken != "" {
		record.IDToken = &entity.IDToken{Credential: entity.Credential{
			HomeAccountID:  homeAccountID,
			Environment:    environment,
			CredentialType: cachekey.CredentialIDToken,
			ClientID:       c.config.ClientID,
			Secret:         body.IDToken,
			Realm:          realm,
			LastUpdatedAt:  stamp,
		}}
		record.Account = entity.NewAccount(entity.AccountParams{
			HomeAccountID:   homeAccountID,
			Environment:     environment,
			AuthorityType:   authorityType,
			ClientInfo:      body.ClientInfo,
			NativeAccountID: p.account.NativeAccountID,
			Claims:          claims,
			Now:             requestedAt,
		})
	}

	if body.AccessToken != "" {
		target := scopes.FromString(body.Scope)
		if target.Len() == 0 {
			target = scopes.FromString(strings.Join(p.Scopes, " "))
		}
		expiresOn := requestedAt.Add(body.ExpiresIn.Duration())
		extExpiresOn := expiresOn.Add(body.ExtExpiresIn.Duration())
		tokenType := strings.TrimSpace(body.TokenType)
		if tokenType == "" || strings.EqualFold(tokenType, cachekey.SchemeBearer) {
			tokenType = cachekey.SchemeBearer
		}
		scheme := p.scheme()
		credentialType := cachekey.CredentialAccessToken
		if scheme != cachekey.SchemeBearer {
			credentialType = cachekey.CredentialAccessTokenWithAuthScheme
			tokenType = scheme
		}
		accessToken := &entity.AccessToken{
			Credential: entity.Credential{
				HomeAccountID:  homeAccountID,
				Environment:    environment,
				CredentialType: credentialType,
				ClientID:       c.config.ClientID,
				Secret:         body.AccessToken,
				Realm:          realm,
				LastUpdatedAt:  stamp,
			},
			Target:            target.String(),
			CachedAt:          entity.EpochFromTime(requestedAt),
			ExpiresOn:         entity.EpochFromTime(expiresOn),
			ExtendedExpiresOn: entity.EpochFromTime(extExpiresOn),
			TokenType:         tokenType,
		}
		if body.RefreshIn > 0 {
			accessToken.RefreshOn = entity.EpochFromTime(requestedAt.Add(body.RefreshIn.Duration()))
		}
		if p.claimsHash != "" {
			accessToken.RequestedClaims = p.Claims
			accessToken.RequestedClaimsHash = p.claimsHash
		}
		switch scheme {
		case cachekey.SchemeSSH:
			accessToken.KeyID = p.SSHKeyID
			if body.KeyID != "" {
				accessToken.KeyID = body.KeyID
			}
		case cachekey.SchemePoP:
			accessToken.KeyID = p.popCnf.KeyID
		}
		record.AccessToken = accessToken
	}

	if body.RefreshToken != "" {
		refreshToken := &entity.RefreshToken{Credential: entity.Credential{
			HomeAccountID:  homeAccountID,
			Environment:    environment,
			CredentialType: cachekey.CredentialRefreshToken,
			ClientID:       c.config.ClientID,
			Secret:         body.RefreshToken,
			FamilyID:       body.Foci,
			LastUpdatedAt:  stamp,
		}}
		if body.RefreshTokenExpiresIn > 0 {
			refreshToken.ExpiresOn = entity.EpochFromTime(requestedAt.Add(body.RefreshTokenExpiresIn.Duration()))
		}
		record.RefreshToken = refreshToken
	}

	if body.Foci != "" {
		record.AppMetadata = &entity.AppMetadata{
			ClientID:    c.config.ClientID,
			Environment: environment,
			FamilyID:    body.Foci,
		}
	}
	return record
}

// resultFromRecord shapes a cache record into a Result. Proof-of-possession
// tokens are signed on every return.
func (c *Coordinator) resultFromRecord(ctx context.Context, p *prepared, record *entity.CacheRecord, claims entity.IDTokenClaims, fromCache bool) (*Result, error) {
	result := &Result{
		FromCache:     fromCache,
		CacheOutcome:  p.cacheOutcome,
		CorrelationID: p.CorrelationID,
		Authority:     p.authority.CanonicalAuthority(),
		Account:       p.account,
	}
	if record.Account != nil {
		profile := entity.TenantProfile{TenantID: record.Account.Realm, IsHomeTenant: true}
		if token := record.AccessToken; token != nil && token.Realm != "" {
			for _, candidate := range record.Account.TenantProfiles {
				if strings.EqualFold(candidate.TenantID, token.Realm) {
					profile = candidate
				}
			}
		}
		if tenant := claims.TenantID(); tenant != "" {
			if fromClaims, ok := entity.TenantProfileFromClaims(record.Account.HomeAccountID, claims); ok {
				profile = fromClaims
			} else {
				profile.TenantID = tenant
			}
		}
		result.Account = record.Account.InfoForTenant(profile, record.IDToken, claims)
	} else if record.IDToken != nil {
		result.Account.IDToken = record.IDToken.Secret
		if claims.MapClaims != nil {
			result.Account.IDTokenClaims = claims.Map()
		}
	}
	if record.IDToken != nil {
		result.IDToken = record.IDToken.Secret
	}
	if claims.MapClaims != nil {
		result.IDTokenClaims = claims.Map()
		result.TenantID = claims.TenantID()
		result.UniqueID = claims.LocalAccountID()
	}
	if result.TenantID == "" {
		result.TenantID = result.Account.TenantID
	}
	if record.AppMetadata != nil {
		result.FamilyID = record.AppMetadata.FamilyID
	}

	if token := record.AccessToken; token != nil {
		result.AccessToken = token.Secret
		result.Scopes = scopes.FromString(token.Target).Slice()
		result.TokenType = token.TokenType
		if result.TokenType == "" {
			result.TokenType = cachekey.SchemeBearer
		}
		result.ExpiresOn = token.ExpiresOn.Time()
		result.ExtExpiresOn = token.ExtendedExpiresOn.Time()
		result.RefreshOn = token.RefreshOn.Time()
		if p.scheme() == cachekey.SchemePoP {
			if c.pop == nil {
				return nil, core.ConfigurationError(core.CodePoPNotConfigured, "silent: pop tokens need a key manager")
			}
			signed, err := c.pop.SignAccessToken(ctx, token.Secret, token.KeyID, p.popRequest)
			if err != nil {
				return nil, core.WrapError(err, core.KindClient, core.CodePoPNotConfigured, "silent: pop token signing failed", nil)
			}
			result.AccessToken = signed
		}
	}
	return result, nil
}
