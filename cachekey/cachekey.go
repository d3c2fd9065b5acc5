// Package cachekey derives the deterministic storage keys for cache entities
// and the cheap substring checks used to filter them before decoding.
package cachekey

import (
	"strconv"
	"strings"
)

const (
	Prefix    = "msal"
	Separator = "-"

	// AccountSchemaVersion and CredentialSchemaVersion are the key layouts
	// written by this module. Version 0 denotes unprefixed legacy keys.
	AccountSchemaVersion    = 2
	CredentialSchemaVersion = 10
	LegacySchemaVersion     = 0

	AppMetadataPrefix       = "appmetadata"
	AuthorityMetadataPrefix = "authority-metadata"
	ThrottlingPrefix        = "throttling"
	ServerTelemetryPrefix   = "server-telemetry"
)

type CredentialType string

const (
	CredentialIDToken                   CredentialType = "IdToken"
	CredentialAccessToken               CredentialType = "AccessToken"
	CredentialAccessTokenWithAuthScheme CredentialType = "AccessToken_With_AuthScheme"
	CredentialRefreshToken              CredentialType = "RefreshToken"
)

// AuthenticationScheme values as they appear in token_type.
const (
	SchemeBearer = "Bearer"
	SchemePoP    = "pop"
	SchemeSSH    = "ssh-cert"
)

// CredentialParts are the identity fields of a credential key.
type CredentialParts struct {
	HomeAccountID       string
	Environment         string
	CredentialType      CredentialType
	ClientID            string
	FamilyID            string
	Realm               string
	Target              string
	RequestedClaimsHash string
	TokenType           string
}

// AccountKey returns the current-schema key for an account.
func AccountKey(homeAccountID string, environment string, tenantID string) string {
	return VersionedAccountKey(AccountSchemaVersion, homeAccountID, environment, tenantID)
}

func VersionedAccountKey(version int, homeAccountID string, environment string, tenantID string) string {
	return join(version, homeAccountID, environment, tenantID)
}

// CredentialKey returns the current-schema key for a credential. Family
// refresh tokens are keyed by family id instead of client id.
func CredentialKey(parts CredentialParts) string {
	return VersionedCredentialKey(CredentialSchemaVersion, parts)
}

func VersionedCredentialKey(version int, parts CredentialParts) string {
	clientOrFamily := parts.ClientID
	if parts.CredentialType == CredentialRefreshToken && strings.TrimSpace(parts.FamilyID) != "" {
		clientOrFamily = parts.FamilyID
	}
	return join(version,
		parts.HomeAccountID,
		parts.Environment,
		string(parts.CredentialType),
		clientOrFamily,
		parts.Realm,
		parts.Target,
		parts.RequestedClaimsHash,
		SchemeSegment(parts.TokenType),
	)
}

// SchemeSegment is empty for bearer tokens and the lower-cased scheme
// otherwise, so bearer keys are unaffected by the scheme field.
func SchemeSegment(tokenType string) string {
	tokenType = strings.TrimSpace(tokenType)
	if tokenType == "" || strings.EqualFold(tokenType, SchemeBearer) {
		return ""
	}
	return strings.ToLower(tokenType)
}

func AppMetadataKey(environment string, clientID string) string {
	return strings.ToLower(strings.Join([]string{AppMetadataPrefix, environment, clientID}, Separator))
}

func AuthorityMetadataKey(clientID string, host string) string {
	return strings.ToLower(strings.Join([]string{AuthorityMetadataPrefix, clientID, host}, Separator))
}

// ThrottlingKey keys a throttling entry by the JSON form of a request
// thumbprint. The thumbprint is kept verbatim.
func ThrottlingKey(thumbprintJSON string) string {
	return ThrottlingPrefix + "." + thumbprintJSON
}

func ServerTelemetryKey(clientID string) string {
	return strings.ToLower(ServerTelemetryPrefix + Separator + clientID)
}

// AccountIndexKey names the list of account keys for a schema version.
func AccountIndexKey(version int) string {
	if version <= LegacySchemaVersion {
		return Prefix + ".account.keys"
	}
	return Prefix + "." + strconv.Itoa(version) + ".account.keys"
}

// TokenIndexKey names the credential key index for a client and schema
// version.
func TokenIndexKey(version int, clientID string) string {
	if version <= LegacySchemaVersion {
		return Prefix + ".token.keys." + clientID
	}
	return Prefix + "." + strconv.Itoa(version) + ".token.keys." + clientID
}

func ActiveAccountKey(clientID string) string {
	return Prefix + "." + clientID + ".active-account.filters"
}

func MigrationVersionKey(clientID string) string {
	return Prefix + "." + clientID + ".migration.version"
}

// ParseTokenIndexVersion reports the schema version encoded in a token index
// key for clientID.
func ParseTokenIndexVersion(key string, clientID string) (int, bool) {
	if key == TokenIndexKey(LegacySchemaVersion, clientID) {
		return LegacySchemaVersion, true
	}
	suffix := ".token.keys." + clientID
	if !strings.HasPrefix(key, Prefix+".") || !strings.HasSuffix(key, suffix) {
		return 0, false
	}
	return parseVersionSegment(strings.TrimSuffix(strings.TrimPrefix(key, Prefix+"."), suffix))
}

// ParseAccountIndexVersion reports the schema version encoded in an account
// index key.
func ParseAccountIndexVersion(key string) (int, bool) {
	if key == AccountIndexKey(LegacySchemaVersion) {
		return LegacySchemaVersion, true
	}
	suffix := ".account.keys"
	if !strings.HasPrefix(key, Prefix+".") || !strings.HasSuffix(key, suffix) {
		return 0, false
	}
	return parseVersionSegment(strings.TrimSuffix(strings.TrimPrefix(key, Prefix+"."), suffix))
}

// KeyVersion reports the schema version of an entity key: the number after
// the msal prefix, or 0 for unprefixed keys.
func KeyVersion(key string) int {
	if !strings.HasPrefix(key, Prefix+".") {
		return LegacySchemaVersion
	}
	rest := strings.TrimPrefix(key, Prefix+".")
	end := strings.Index(rest, Separator)
	if end < 0 {
		return LegacySchemaVersion
	}
	version, ok := parseVersionSegment(rest[:end])
	if !ok {
		return LegacySchemaVersion
	}
	return version
}

// Contains is the case-insensitive substring test used to prefilter keys.
// An empty value always matches.
func Contains(key string, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return true
	}
	return strings.Contains(strings.ToLower(key), strings.ToLower(value))
}

// ContainsAllScopes reports whether every scope appears in the key.
func ContainsAllScopes(key string, scopes []string) bool {
	key = strings.ToLower(key)
	for _, scope := range scopes {
		if !strings.Contains(key, strings.ToLower(scope)) {
			return false
		}
	}
	return true
}

// ContainsAnyScope reports whether at least one scope appears in the key.
func ContainsAnyScope(key string, scopes []string) bool {
	key = strings.ToLower(key)
	for _, scope := range scopes {
		if strings.Contains(key, strings.ToLower(scope)) {
			return true
		}
	}
	return false
}

// IsLibraryKey reports whether key is one this module writes for clientID.
func IsLibraryKey(key string, clientID string) bool {
	lower := strings.ToLower(key)
	switch {
	case strings.HasPrefix(lower, Prefix+"."):
		return true
	case strings.HasPrefix(lower, AppMetadataPrefix+Separator),
		strings.HasPrefix(lower, AuthorityMetadataPrefix+Separator+strings.ToLower(clientID)),
		strings.HasPrefix(lower, ThrottlingPrefix+"."),
		lower == ServerTelemetryKey(clientID):
		return true
	default:
		return false
	}
}

func join(version int, segments ...string) string {
	key := strings.Join(segments, Separator)
	if version > LegacySchemaVersion {
		key = Prefix + "." + strconv.Itoa(version) + Separator + key
	}
	return strings.ToLower(key)
}

func parseVersionSegment(segment string) (int, bool) {
	version, err := strconv.Atoi(segment)
	if err != nil || version < 0 {
		return 0, false
	}
	return version, true
}
