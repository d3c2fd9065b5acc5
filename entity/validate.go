package entity

import (
	"encoding/json"
	"strings"

	"github.com/goliatone/go-auth-cache/cachekey"
)

// The parsers below return ok=false for values that do not decode or are not
// minimally well-formed for their kind. Callers treat that as "not found".

func ParseAccount(raw string) (*Account, bool) {
	var account Account
	if !decode(raw, &account) || !IsAccount(&account) {
		return nil, false
	}
	return &account, true
}

func ParseIDToken(raw string) (*IDToken, bool) {
	var token IDToken
	if !decode(raw, &token) || !IsIDToken(&token) {
		return nil, false
	}
	return &token, true
}

func ParseAccessToken(raw string) (*AccessToken, bool) {
	var token AccessToken
	if !decode(raw, &token) || !IsAccessToken(&token) {
		return nil, false
	}
	return &token, true
}

func ParseRefreshToken(raw string) (*RefreshToken, bool) {
	var token RefreshToken
	if !decode(raw, &token) || !IsRefreshToken(&token) {
		return nil, false
	}
	return &token, true
}

func ParseAppMetadata(raw string) (*AppMetadata, bool) {
	var metadata AppMetadata
	if !decode(raw, &metadata) || !IsAppMetadata(&metadata) {
		return nil, false
	}
	return &metadata, true
}

func ParseAuthorityMetadata(raw string) (*AuthorityMetadata, bool) {
	var metadata AuthorityMetadata
	if !decode(raw, &metadata) || !IsAuthorityMetadata(&metadata) {
		return nil, false
	}
	return &metadata, true
}

func ParseThrottling(raw string) (*Throttling, bool) {
	var throttling Throttling
	if !decode(raw, &throttling) || throttling.ThrottleTime <= 0 {
		return nil, false
	}
	return &throttling, true
}

func ParseServerTelemetry(raw string) (*ServerTelemetry, bool) {
	var telemetry ServerTelemetry
	if !decode(raw, &telemetry) {
		return nil, false
	}
	return &telemetry, true
}

func IsAccount(a *Account) bool {
	return a != nil &&
		present(a.HomeAccountID) &&
		present(a.Environment) &&
		present(a.Realm) &&
		present(a.LocalAccountID) &&
		present(a.Username) &&
		present(string(a.AuthorityType))
}

func isCredential(c *Credential) bool {
	return c != nil &&
		present(c.HomeAccountID) &&
		present(c.Environment) &&
		present(string(c.CredentialType)) &&
		present(c.ClientID) &&
		present(c.Secret)
}

func IsIDToken(t *IDToken) bool {
	return t != nil &&
		isCredential(&t.Credential) &&
		t.CredentialType == cachekey.CredentialIDToken &&
		present(t.Realm)
}

func IsAccessToken(t *AccessToken) bool {
	if t == nil || !isCredential(&t.Credential) {
		return false
	}
	switch t.CredentialType {
	case cachekey.CredentialAccessToken, cachekey.CredentialAccessTokenWithAuthScheme:
	default:
		return false
	}
	return present(t.Realm) && present(t.Target) && t.CachedAt != 0 && t.ExpiresOn != 0
}

func IsRefreshToken(t *RefreshToken) bool {
	return t != nil &&
		isCredential(&t.Credential) &&
		t.CredentialType == cachekey.CredentialRefreshToken
}

func IsAppMetadata(m *AppMetadata) bool {
	return m != nil && present(m.ClientID) && present(m.Environment)
}

func IsAuthorityMetadata(m *AuthorityMetadata) bool {
	return m != nil &&
		m.ExpiresAt != 0 &&
		(m.HasEndpoints() || m.HasAliases())
}

func decode(raw string, target any) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] != '{' {
		return false
	}
	return json.Unmarshal([]byte(raw), target) == nil
}

func present(value string) bool {
	return strings.TrimSpace(value) != ""
}
