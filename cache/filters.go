package cache

import (
	"strings"

	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/entity"
	"github.com/goliatone/go-auth-cache/scopes"
)

// AccountFilter narrows GetAllAccounts. Empty strings mean "not provided".
// The first group applies to the account record, the second to each tenant
// profile.
type AccountFilter struct {
	HomeAccountID   string
	Environment     string
	Realm           string
	Username        string
	NativeAccountID string
	AuthorityType   entity.AuthorityType

	LocalAccountID string
	Name           string
	LoginHint      string
	SID            string
	IsHomeTenant   *bool
}

func (f AccountFilter) needsIDTokenClaims() bool {
	return f.LoginHint != "" || f.SID != ""
}

// CredentialFilter narrows credential lookups. Empty strings mean "not
// provided".
type CredentialFilter struct {
	HomeAccountID       string
	Environment         string
	CredentialType      cachekey.CredentialType
	ClientID            string
	FamilyID            string
	Realm               string
	Target              *scopes.Set
	TokenType           string
	KeyID               string
	RequestedClaimsHash string
}

// credentialKeyMatchesFilter is the cheap substring prefilter applied before
// decoding. Reads require every target scope in the key; writes accept any
// overlap.
func credentialKeyMatchesFilter(key string, filter CredentialFilter, mustContainAllScopes bool) bool {
	if filter.ClientID != "" && filter.FamilyID == "" && !cachekey.Contains(key, filter.ClientID) {
		return false
	}
	if filter.FamilyID != "" && !cachekey.Contains(key, filter.FamilyID) {
		return false
	}
	if !cachekey.Contains(key, filter.HomeAccountID) {
		return false
	}
	if !cachekey.Contains(key, filter.Realm) {
		return false
	}
	if !cachekey.Contains(key, filter.RequestedClaimsHash) {
		return false
	}
	if filter.Target != nil && filter.Target.Len() > 0 {
		target := filter.Target.LowerSlice()
		if mustContainAllScopes {
			return cachekey.ContainsAllScopes(key, target)
		}
		return cachekey.ContainsAnyScope(key, target)
	}
	return true
}

// credentialFields is the view of a credential the matchers need.
type credentialFields struct {
	entity.Credential
	Target              string
	TokenType           string
	KeyID               string
	RequestedClaimsHash string
}

func fieldsOfAccessToken(token *entity.AccessToken) credentialFields {
	return credentialFields{
		Credential:          token.Credential,
		Target:              token.Target,
		TokenType:           token.TokenType,
		KeyID:               token.KeyID,
		RequestedClaimsHash: token.RequestedClaimsHash,
	}
}

func (m *Manager) credentialMatchesFilter(cred credentialFields, filter CredentialFilter) bool {
	if filter.FamilyID != "" {
		if cred.FamilyID != filter.FamilyID {
			return false
		}
	} else if filter.ClientID != "" && !matchClientID(cred.Credential, filter.ClientID) {
		return false
	}
	if filter.HomeAccountID != "" && cred.HomeAccountID != filter.HomeAccountID {
		return false
	}
	if filter.Environment != "" && !m.matchEnvironment(cred.Environment, filter.Environment) {
		return false
	}
	if filter.Realm != "" && !strings.EqualFold(cred.Realm, filter.Realm) {
		return false
	}
	if filter.CredentialType != "" && !strings.EqualFold(string(cred.CredentialType), string(filter.CredentialType)) {
		return false
	}

	isAccessToken := kindOf(cred.CredentialType) == kindAccessToken
	if filter.Target != nil && filter.Target.Len() > 0 {
		if !isAccessToken || strings.TrimSpace(cred.Target) == "" {
			return false
		}
		if !scopes.FromString(cred.Target).ContainsSet(filter.Target) {
			return false
		}
	}
	if isAccessToken && (filter.RequestedClaimsHash != "" || cred.RequestedClaimsHash != "") {
		if cred.RequestedClaimsHash != filter.RequestedClaimsHash {
			return false
		}
	}
	if cred.CredentialType == cachekey.CredentialAccessTokenWithAuthScheme {
		if filter.TokenType != "" && !strings.EqualFold(cred.TokenType, filter.TokenType) {
			return false
		}
		if strings.EqualFold(filter.TokenType, cachekey.SchemeSSH) && filter.KeyID != "" && cred.KeyID != filter.KeyID {
			return false
		}
	}
	return true
}

func matchClientID(cred entity.Credential, clientID string) bool {
	if cred.ClientID != "" && cred.ClientID == clientID {
		return true
	}
	return cred.FamilyID != "" && cred.FamilyID == clientID
}

// matchEnvironment compares hosts case-insensitively, treating known aliases
// of the same cloud as equal.
func (m *Manager) matchEnvironment(entityEnvironment string, filterEnvironment string) bool {
	if strings.EqualFold(entityEnvironment, filterEnvironment) {
		return true
	}
	for _, alias := range m.resolveAliases(filterEnvironment) {
		if strings.EqualFold(alias, entityEnvironment) {
			return true
		}
	}
	return false
}

func (m *Manager) accountMatchesFilter(account *entity.Account, filter AccountFilter) bool {
	if filter.HomeAccountID != "" && account.HomeAccountID != filter.HomeAccountID {
		return false
	}
	if filter.Username != "" && !strings.EqualFold(account.Username, filter.Username) {
		return false
	}
	if filter.Environment != "" && !m.matchEnvironment(account.Environment, filter.Environment) {
		return false
	}
	if filter.Realm != "" && !strings.EqualFold(account.Realm, filter.Realm) {
		return false
	}
	if filter.NativeAccountID != "" && account.NativeAccountID != filter.NativeAccountID {
		return false
	}
	if filter.AuthorityType != "" && !strings.EqualFold(string(account.AuthorityType), string(filter.AuthorityType)) {
		return false
	}
	return true
}

func tenantProfileMatchesFilter(profile entity.TenantProfile, filter AccountFilter) bool {
	if filter.LocalAccountID != "" && profile.LocalAccountID != filter.LocalAccountID {
		return false
	}
	if filter.Name != "" && !strings.EqualFold(profile.Name, filter.Name) {
		return false
	}
	if filter.IsHomeTenant != nil && profile.IsHomeTenant != *filter.IsHomeTenant {
		return false
	}
	return true
}

func claimsMatchFilter(claims entity.IDTokenClaims, filter AccountFilter) bool {
	if filter.LoginHint != "" {
		hint := filter.LoginHint
		if !strings.EqualFold(claims.LoginHint(), hint) &&
			!strings.EqualFold(claims.String("preferred_username"), hint) &&
			!strings.EqualFold(claims.String("upn"), hint) {
			return false
		}
	}
	if filter.SID != "" && claims.SID() != filter.SID {
		return false
	}
	return true
}
