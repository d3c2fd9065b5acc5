package silent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/goliatone/go-auth-cache/authority"
	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
	"github.com/goliatone/go-auth-cache/scopes"
	"github.com/goliatone/go-auth-cache/telemetry"
	"github.com/goliatone/go-auth-cache/throttle"
)

// CacheLookupPolicy bounds how far a silent request may fall back from the
// cache to the refresh token to interactive renewal.
type CacheLookupPolicy int

const (
	// PolicyDefault tries the cache, then the refresh token, then the
	// interactive fallback.
	PolicyDefault CacheLookupPolicy = iota
	// PolicyAccessToken only reads cached access tokens.
	PolicyAccessToken
	// PolicyAccessTokenAndRefreshToken never reaches the interactive fallback.
	PolicyAccessTokenAndRefreshToken
	// PolicyRefreshToken skips the access token cache and the fallback.
	PolicyRefreshToken
	// PolicyRefreshTokenAndNetwork skips the access token cache.
	PolicyRefreshTokenAndNetwork
	// PolicySkip goes straight to the interactive fallback.
	PolicySkip
)

func (p CacheLookupPolicy) String() string {
	switch p {
	case PolicyAccessToken:
		return "access_token"
	case PolicyAccessTokenAndRefreshToken:
		return "access_token_and_refresh_token"
	case PolicyRefreshToken:
		return "refresh_token"
	case PolicyRefreshTokenAndNetwork:
		return "refresh_token_and_network"
	case PolicySkip:
		return "skip"
	default:
		return "default"
	}
}

// ParsePolicy maps the String form back to a policy. Unknown values are the
// default policy.
func ParsePolicy(value string) CacheLookupPolicy {
	for _, policy := range []CacheLookupPolicy{PolicyAccessToken, PolicyAccessTokenAndRefreshToken, PolicyRefreshToken, PolicyRefreshTokenAndNetwork, PolicySkip} {
		if strings.EqualFold(strings.TrimSpace(value), policy.String()) {
			return policy
		}
	}
	return PolicyDefault
}

func (p CacheLookupPolicy) usesAccessTokenCache() bool {
	switch p {
	case PolicyDefault, PolicyAccessToken, PolicyAccessTokenAndRefreshToken:
		return true
	default:
		return false
	}
}

func (p CacheLookupPolicy) usesRefreshToken() bool {
	switch p {
	case PolicyDefault, PolicyAccessTokenAndRefreshToken, PolicyRefreshToken, PolicyRefreshTokenAndNetwork:
		return true
	default:
		return false
	}
}

func (p CacheLookupPolicy) usesInteractiveFallback() bool {
	switch p {
	case PolicyDefault, PolicyRefreshTokenAndNetwork, PolicySkip:
		return true
	default:
		return false
	}
}

// Request is a silent token request.
type Request struct {
	Account           *entity.AccountInfo
	Scopes            []string
	Authority         string
	Claims            string
	ForceRefresh      bool
	CacheLookupPolicy CacheLookupPolicy
	CorrelationID     string

	// AuthenticationScheme is Bearer when empty. pop and ssh-cert need the
	// matching fields below.
	AuthenticationScheme  string
	ResourceRequestMethod string
	ResourceRequestURI    string
	ShrClaims             string
	ShrNonce              string
	SSHJwk                string
	SSHKeyID              string

	RedirectURI          string
	LoginHint            string
	SID                  string
	EmbeddedClientID     string
	ExtraQueryParameters map[string]string
	StoreInCache         entity.StoreInCache
}

// Result is a token produced by the coordinator, from the cache or the
// network.
type Result struct {
	AccessToken   string
	IDToken       string
	IDTokenClaims map[string]any
	Account       entity.AccountInfo
	Scopes        []string
	TokenType     string
	ExpiresOn     time.Time
	ExtExpiresOn  time.Time
	RefreshOn     time.Time
	FromCache     bool
	CacheOutcome  telemetry.CacheOutcome
	CorrelationID string
	Authority     string
	TenantID      string
	UniqueID      string
	FamilyID      string
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Scopes = append([]string(nil), r.Scopes...)
	if r.IDTokenClaims != nil {
		out.IDTokenClaims = make(map[string]any, len(r.IDTokenClaims))
		for key, value := range r.IDTokenClaims {
			out.IDTokenClaims[key] = value
		}
	}
	return &out
}

// prepared is a validated request with its resolved collaborators.
type prepared struct {
	Request
	account      entity.AccountInfo
	authority    *authority.Authority
	scopes       *scopes.Set
	claimsHash   string
	realm        string
	thumbprint   throttle.Thumbprint
	telemetry    *telemetry.Manager
	cacheOutcome telemetry.CacheOutcome
	popRequest   core.PoPRequest
	popCnf       core.PoPCnf

	// claimsForRequest is Claims merged with the client capabilities.
	claimsForRequest string
}

func (p *prepared) scheme() string {
	scheme := strings.TrimSpace(p.AuthenticationScheme)
	switch {
	case scheme == "", strings.EqualFold(scheme, cachekey.SchemeBearer):
		return cachekey.SchemeBearer
	case strings.EqualFold(scheme, cachekey.SchemePoP):
		return cachekey.SchemePoP
	case strings.EqualFold(scheme, cachekey.SchemeSSH):
		return cachekey.SchemeSSH
	default:
		return scheme
	}
}

// requestScopes are the scopes sent to the server: the requested ones plus
// the OIDC defaults.
func (p *prepared) requestScopes() string {
	set := scopes.FromString(strings.Join(p.Scopes, " "))
	set.AppendAll(scopes.OIDCDefaultScopes)
	return set.String()
}

func validateClaims(claims string) error {
	if strings.TrimSpace(claims) == "" {
		return nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(claims), &decoded); err != nil {
		return core.WrapError(err, core.KindConfiguration, core.CodeInvalidClaims, "silent: claims must be a json object", nil)
	}
	return nil
}

// mergeClaims adds the client capabilities to the requested claims as
// access_token.xms_cc.
func mergeClaims(claims string, capabilities []string) (string, error) {
	claims = strings.TrimSpace(claims)
	if len(capabilities) == 0 {
		return claims, nil
	}
	merged := map[string]any{}
	if claims != "" {
		if err := json.Unmarshal([]byte(claims), &merged); err != nil {
			return "", core.WrapError(err, core.KindConfiguration, core.CodeInvalidClaims, "silent: claims must be a json object", nil)
		}
	}
	accessToken, _ := merged["access_token"].(map[string]any)
	if accessToken == nil {
		accessToken = map[string]any{}
	}
	accessToken["xms_cc"] = map[string]any{"values": append([]string(nil), capabilities...)}
	merged["access_token"] = accessToken
	raw, err := json.Marshal(merged)
	if err != nil {
		return "", core.WrapError(err, core.KindClient, core.CodeInvalidClaims, "silent: claims could not be encoded", nil)
	}
	return string(raw), nil
}
