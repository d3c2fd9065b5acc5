// Package entity holds the records persisted by the token cache and the
// structural validators that decide whether a stored value is usable.
package entity

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-auth-cache/cachekey"
)

// Epoch is a unix timestamp stored as a decimal string. Decoding accepts
// both strings and numbers because older writers used either form.
type Epoch int64

func EpochFromTime(t time.Time) Epoch {
	if t.IsZero() {
		return 0
	}
	return Epoch(t.Unix())
}

func (e Epoch) Time() time.Time {
	if e == 0 {
		return time.Time{}
	}
	return time.Unix(int64(e), 0).UTC()
}

func (e Epoch) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(e), 10))), nil
}

func (e *Epoch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = 0
		return nil
	}
	raw := string(data)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	if raw == "" {
		*e = 0
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*e = Epoch(int64(value))
	return nil
}

type AuthorityType string

const (
	AuthorityTypeMSSTS   AuthorityType = "MSSTS"
	AuthorityTypeADFS    AuthorityType = "ADFS"
	AuthorityTypeGeneric AuthorityType = "Generic"
	AuthorityTypeCIAM    AuthorityType = "CIAM"
)

type TenantProfile struct {
	TenantID       string `json:"tenantId"`
	LocalAccountID string `json:"localAccountId"`
	Username       string `json:"username,omitempty"`
	Name           string `json:"name,omitempty"`
	IsHomeTenant   bool   `json:"isHomeTenant"`
}

// Account is the persisted account record. (HomeAccountID, Environment,
// home tenant) is its identity.
type Account struct {
	HomeAccountID   string          `json:"homeAccountId"`
	Environment     string          `json:"environment"`
	Realm           string          `json:"realm"`
	LocalAccountID  string          `json:"localAccountId"`
	Username        string          `json:"username"`
	AuthorityType   AuthorityType   `json:"authorityType"`
	Name            string          `json:"name,omitempty"`
	ClientInfo      string          `json:"clientInfo,omitempty"`
	NativeAccountID string          `json:"nativeAccountId,omitempty"`
	TenantProfiles  []TenantProfile `json:"tenantProfiles,omitempty"`
	LastUpdatedAt   Epoch           `json:"lastUpdatedAt,omitempty"`
}

// HomeTenantID is the tenant segment of the home account id, falling back to
// the realm.
func (a *Account) HomeTenantID() string {
	if a == nil {
		return ""
	}
	if _, tenant, ok := strings.Cut(a.HomeAccountID, "."); ok && tenant != "" {
		return tenant
	}
	return a.Realm
}

func (a *Account) Key() string {
	return cachekey.AccountKey(a.HomeAccountID, a.Environment, a.HomeTenantID())
}

// Credential holds the fields shared by every token entity. LastUpdatedAt
// is in milliseconds, unlike the other timestamps.
type Credential struct {
	HomeAccountID  string                  `json:"homeAccountId"`
	Environment    string                  `json:"environment"`
	CredentialType cachekey.CredentialType `json:"credentialType"`
	ClientID       string                  `json:"clientId"`
	Secret         string                  `json:"secret"`
	Realm          string                  `json:"realm,omitempty"`
	FamilyID       string                  `json:"familyId,omitempty"`
	LastUpdatedAt  Epoch                   `json:"lastUpdatedAt,omitempty"`
}

type IDToken struct {
	Credential
}

func (t *IDToken) Key() string {
	return cachekey.CredentialKey(cachekey.CredentialParts{
		HomeAccountID:  t.HomeAccountID,
		Environment:    t.Environment,
		CredentialType: cachekey.CredentialIDToken,
		ClientID:       t.ClientID,
		Realm:          t.Realm,
	})
}

type AccessToken struct {
	Credential
	Target              string `json:"target"`
	CachedAt            Epoch  `json:"cachedAt"`
	ExpiresOn           Epoch  `json:"expiresOn"`
	ExtendedExpiresOn   Epoch  `json:"extendedExpiresOn,omitempty"`
	RefreshOn           Epoch  `json:"refreshOn,omitempty"`
	TokenType           string `json:"tokenType,omitempty"`
	RequestedClaims     string `json:"requestedClaims,omitempty"`
	RequestedClaimsHash string `json:"requestedClaimsHash,omitempty"`
	KeyID               string `json:"keyId,omitempty"`
}

func (t *AccessToken) Key() string {
	return cachekey.CredentialKey(t.KeyParts())
}

func (t *AccessToken) KeyParts() cachekey.CredentialParts {
	return cachekey.CredentialParts{
		HomeAccountID:       t.HomeAccountID,
		Environment:         t.Environment,
		CredentialType:      t.CredentialType,
		ClientID:            t.ClientID,
		Realm:               t.Realm,
		Target:              t.Target,
		RequestedClaimsHash: t.RequestedClaimsHash,
		TokenType:           t.TokenType,
	}
}

// IsExpired reports whether now+offset has passed ExpiresOn.
func (t *AccessToken) IsExpired(now time.Time, offset time.Duration) bool {
	return IsTokenExpired(t.ExpiresOn, now, offset)
}

// WasClockTurnedBack reports a CachedAt in the future.
func (t *AccessToken) WasClockTurnedBack(now time.Time) bool {
	return int64(t.CachedAt) > now.Unix()
}

// NeedsProactiveRefresh reports whether RefreshOn is set and has passed.
func (t *AccessToken) NeedsProactiveRefresh(now time.Time) bool {
	return t.RefreshOn != 0 && IsTokenExpired(t.RefreshOn, now, 0)
}

type RefreshToken struct {
	Credential
	ExpiresOn Epoch `json:"expiresOn,omitempty"`
}

func (t *RefreshToken) Key() string {
	return cachekey.CredentialKey(cachekey.CredentialParts{
		HomeAccountID:  t.HomeAccountID,
		Environment:    t.Environment,
		CredentialType: cachekey.CredentialRefreshToken,
		ClientID:       t.ClientID,
		FamilyID:       t.FamilyID,
	})
}

// IsExpired is false when the token carries no expiry.
func (t *RefreshToken) IsExpired(now time.Time, offset time.Duration) bool {
	if t.ExpiresOn == 0 {
		return false
	}
	return IsTokenExpired(t.ExpiresOn, now, offset)
}

type AppMetadata struct {
	ClientID    string `json:"clientId"`
	Environment string `json:"environment"`
	FamilyID    string `json:"familyId,omitempty"`
}

func (m *AppMetadata) Key() string {
	return cachekey.AppMetadataKey(m.Environment, m.ClientID)
}

type AuthorityMetadata struct {
	Aliases               []string `json:"aliases"`
	PreferredCache        string   `json:"preferred_cache"`
	PreferredNetwork      string   `json:"preferred_network"`
	CanonicalAuthority    string   `json:"canonical_authority"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	EndSessionEndpoint    string   `json:"end_session_endpoint,omitempty"`
	Issuer                string   `json:"issuer"`
	JwksURI               string   `json:"jwks_uri,omitempty"`
	AliasesFromNetwork    bool     `json:"aliasesFromNetwork"`
	EndpointsFromNetwork  bool     `json:"endpointsFromNetwork"`
	ExpiresAt             Epoch    `json:"expiresAt"`
}

func (m *AuthorityMetadata) IsExpired(now time.Time) bool {
	return int64(m.ExpiresAt) <= now.Unix()
}

func (m *AuthorityMetadata) HasEndpoints() bool {
	return m != nil && m.AuthorizationEndpoint != "" && m.TokenEndpoint != "" && m.Issuer != ""
}

func (m *AuthorityMetadata) HasAliases() bool {
	return m != nil && len(m.Aliases) > 0 && m.PreferredCache != "" && m.PreferredNetwork != ""
}

type Throttling struct {
	ThrottleTime int64    `json:"throttleTime"`
	Error        string   `json:"error,omitempty"`
	ErrorCodes   []string `json:"errorCodes,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	SubError     string   `json:"subError,omitempty"`
}

type ServerTelemetry struct {
	FailedRequests []string `json:"failedRequests"`
	Errors         []string `json:"errors"`
	CacheHits      int      `json:"cacheHits"`
}

// ActiveAccountFilters is the persisted pointer to the active account.
type ActiveAccountFilters struct {
	HomeAccountID  string `json:"homeAccountId"`
	LocalAccountID string `json:"localAccountId"`
	TenantID       string `json:"tenantId,omitempty"`
}

// CacheRecord groups the entities produced by one token response.
type CacheRecord struct {
	Account      *Account
	IDToken      *IDToken
	AccessToken  *AccessToken
	RefreshToken *RefreshToken
	AppMetadata  *AppMetadata
}

// StoreInCache opts individual credentials out of a save. The zero value
// stores everything.
type StoreInCache struct {
	SkipIDToken      bool
	SkipAccessToken  bool
	SkipRefreshToken bool
}

// IsTokenExpired reports whether now+offset is past expiresOn.
func IsTokenExpired(expiresOn Epoch, now time.Time, offset time.Duration) bool {
	return now.Add(offset).Unix() > int64(expiresOn)
}

// RequestedClaimsHash is the base64url SHA-256 of a claims request, used to
// partition cached access tokens.
func RequestedClaimsHash(claims string) string {
	if strings.TrimSpace(claims) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(claims))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Encode serializes an entity for storage.
func Encode(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
