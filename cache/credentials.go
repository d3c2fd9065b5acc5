package cache

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
	"github.com/goliatone/go-auth-cache/scopes"
)

// FamilyID is the family-of-client-ids identifier issued by the server.
const FamilyID = "1"

// AccessTokenQuery describes the access token a request needs.
type AccessTokenQuery struct {
	Scopes              []string
	AuthScheme          string
	SSHKeyID            string
	RequestedClaimsHash string
}

func (q AccessTokenQuery) credentialType() cachekey.CredentialType {
	if cachekey.SchemeSegment(q.AuthScheme) == "" {
		return cachekey.CredentialAccessToken
	}
	return cachekey.CredentialAccessTokenWithAuthScheme
}

func (q AccessTokenQuery) tokenType() string {
	if strings.TrimSpace(q.AuthScheme) == "" {
		return cachekey.SchemeBearer
	}
	return q.AuthScheme
}

// GetAccessToken returns the single access token matching the account and
// query. Zero matches is a miss. More than one match means the cache is
// inconsistent: every match is removed and the result is a miss.
func (m *Manager) GetAccessToken(ctx context.Context, account entity.AccountInfo, query AccessTokenQuery, realm string) (*entity.AccessToken, error) {
	if realm == "" {
		realm = account.TenantID
	}
	filter := CredentialFilter{
		HomeAccountID:       account.HomeAccountID,
		Environment:         account.Environment,
		CredentialType:      query.credentialType(),
		ClientID:            m.clientID,
		Realm:               realm,
		Target:              scopes.CreateSearchScopes(query.Scopes),
		TokenType:           query.tokenType(),
		KeyID:               query.SSHKeyID,
		RequestedClaimsHash: query.RequestedClaimsHash,
	}
	matches, err := m.accessTokensMatching(ctx, filter, true)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		m.observer.Debug(ctx, "no matching access token found", map[string]any{"client_id": m.clientID})
		return nil, nil
	case 1:
		return matches[0], nil
	}

	m.observer.Warn(ctx, "multiple matching access tokens found, clearing them", map[string]any{
		"client_id":   m.clientID,
		"token_count": len(matches),
	})
	m.observer.Count(ctx, "multiple_matching_tokens", map[string]string{"credential_type": string(filter.CredentialType)})
	for _, token := range matches {
		if err := m.RemoveAccessToken(ctx, token.Key()); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// AccessTokensMatching lists every access token matching filter.
func (m *Manager) AccessTokensMatching(ctx context.Context, filter CredentialFilter) ([]*entity.AccessToken, error) {
	return m.accessTokensMatching(ctx, filter, true)
}

func (m *Manager) accessTokensMatching(ctx context.Context, filter CredentialFilter, mustContainAllScopes bool) ([]*entity.AccessToken, error) {
	keys, err := m.TokenKeys(ctx)
	if err != nil {
		return nil, err
	}
	matches := []*entity.AccessToken{}
	for _, key := range keys.AccessToken {
		if !credentialKeyMatchesFilter(key, filter, mustContainAllScopes) {
			continue
		}
		token, err := m.ReadAccessToken(ctx, key)
		if err != nil {
			return nil, err
		}
		if token == nil || !m.credentialMatchesFilter(fieldsOfAccessToken(token), filter) {
			continue
		}
		matches = append(matches, token)
	}
	return matches, nil
}

// ReadAccessToken reads one access token by key. Malformed or missing
// entries are pruned from the index and reported as nil.
func (m *Manager) ReadAccessToken(ctx context.Context, key string) (*entity.AccessToken, error) {
	raw, found, err := m.ReadRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		if token, ok := entity.ParseAccessToken(raw); ok {
			return token, nil
		}
	}
	m.pruneIndexEntry(ctx, kindAccessToken, key)
	return nil, nil
}

func (m *Manager) ReadIDToken(ctx context.Context, key string) (*entity.IDToken, error) {
	raw, found, err := m.ReadRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		if token, ok := entity.ParseIDToken(raw); ok {
			return token, nil
		}
	}
	m.pruneIndexEntry(ctx, kindIDToken, key)
	return nil, nil
}

func (m *Manager) ReadRefreshToken(ctx context.Context, key string) (*entity.RefreshToken, error) {
	raw, found, err := m.ReadRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		if token, ok := entity.ParseRefreshToken(raw); ok {
			return token, nil
		}
	}
	m.pruneIndexEntry(ctx, kindRefreshToken, key)
	return nil, nil
}

func (m *Manager) pruneIndexEntry(ctx context.Context, kind credentialKind, key string) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	if err := m.removeFromTokenIndexLocked(ctx, cachekey.CredentialSchemaVersion, kind, key); err != nil {
		m.observer.Warn(ctx, "stale index entry could not be pruned", map[string]any{"cache_key": key, "error": err.Error()})
	}
}

// SaveAccessToken writes token after removing every cached access token
// for the same account, realm, client, scheme and claims whose scopes
// overlap it. Reads require a superset; writes only require overlap.
func (m *Manager) SaveAccessToken(ctx context.Context, token *entity.AccessToken) error {
	if !entity.IsAccessToken(token) {
		return core.ClientError(core.CodeInvalidCacheRecord, "cache: access token is malformed")
	}
	target := scopes.FromString(token.Target)
	filter := CredentialFilter{
		HomeAccountID:       token.HomeAccountID,
		ClientID:            token.ClientID,
		Realm:               token.Realm,
		Target:              target,
		RequestedClaimsHash: token.RequestedClaimsHash,
	}
	keys, err := m.TokenKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys.AccessToken {
		if !credentialKeyMatchesFilter(key, filter, false) {
			continue
		}
		cached, err := m.ReadAccessToken(ctx, key)
		if err != nil {
			return err
		}
		if cached == nil || !m.sameAccessTokenPartition(cached, token) {
			continue
		}
		if !scopes.FromString(cached.Target).Intersects(target) {
			continue
		}
		if err := m.RemoveAccessToken(ctx, key); err != nil {
			return err
		}
	}

	raw, err := entity.Encode(token)
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodeInvalidCacheRecord, "cache: encode access token failed", nil)
	}
	return m.writeCredential(ctx, kindAccessToken, token.Key(), raw)
}

func (m *Manager) sameAccessTokenPartition(cached *entity.AccessToken, incoming *entity.AccessToken) bool {
	return cached.ClientID == incoming.ClientID &&
		cached.HomeAccountID == incoming.HomeAccountID &&
		strings.EqualFold(string(cached.CredentialType), string(incoming.CredentialType)) &&
		m.matchEnvironment(cached.Environment, incoming.Environment) &&
		strings.EqualFold(cached.Realm, incoming.Realm) &&
		strings.EqualFold(tokenTypeOrBearer(cached.TokenType), tokenTypeOrBearer(incoming.TokenType)) &&
		cached.RequestedClaimsHash == incoming.RequestedClaimsHash
}

func tokenTypeOrBearer(tokenType string) string {
	if strings.TrimSpace(tokenType) == "" {
		return cachekey.SchemeBearer
	}
	return tokenType
}

func (m *Manager) SaveIDToken(ctx context.Context, token *entity.IDToken) error {
	if !entity.IsIDToken(token) {
		return core.ClientError(core.CodeInvalidCacheRecord, "cache: id token is malformed")
	}
	raw, err := entity.Encode(token)
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodeInvalidCacheRecord, "cache: encode id token failed", nil)
	}
	return m.writeCredential(ctx, kindIDToken, token.Key(), raw)
}

func (m *Manager) SaveRefreshToken(ctx context.Context, token *entity.RefreshToken) error {
	if !entity.IsRefreshToken(token) {
		return core.ClientError(core.CodeInvalidCacheRecord, "cache: refresh token is malformed")
	}
	raw, err := entity.Encode(token)
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodeInvalidCacheRecord, "cache: encode refresh token failed", nil)
	}
	return m.writeCredential(ctx, kindRefreshToken, token.Key(), raw)
}

// GetIDToken returns the ID token for account in realm. When several match
// and no realm was given, a unique match in the account's home realm wins;
// otherwise the ambiguous set is purged and the result is a miss.
func (m *Manager) GetIDToken(ctx context.Context, account entity.AccountInfo, realm string) (*entity.IDToken, error) {
	filter := CredentialFilter{
		HomeAccountID:  account.HomeAccountID,
		Environment:    account.Environment,
		CredentialType: cachekey.CredentialIDToken,
		ClientID:       m.clientID,
		Realm:          realm,
	}
	keys, err := m.TokenKeys(ctx)
	if err != nil {
		return nil, err
	}
	matches := []*entity.IDToken{}
	for _, key := range keys.IDToken {
		if !credentialKeyMatchesFilter(key, filter, true) {
			continue
		}
		token, err := m.ReadIDToken(ctx, key)
		if err != nil {
			return nil, err
		}
		if token == nil || !m.credentialMatchesFilter(credentialFields{Credential: token.Credential}, filter) {
			continue
		}
		matches = append(matches, token)
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	}

	purge := matches
	if realm == "" {
		_, homeTenant, _ := strings.Cut(account.HomeAccountID, ".")
		home := []*entity.IDToken{}
		for _, token := range matches {
			if homeTenant != "" && strings.EqualFold(token.Realm, homeTenant) {
				home = append(home, token)
			}
		}
		if len(home) == 1 {
			return home[0], nil
		}
		if len(home) > 1 {
			purge = home
		}
	}
	m.observer.Warn(ctx, "multiple matching id tokens found, clearing them", map[string]any{
		"client_id":   m.clientID,
		"token_count": len(purge),
	})
	m.observer.Count(ctx, "multiple_matching_tokens", map[string]string{"credential_type": string(cachekey.CredentialIDToken)})
	for _, token := range purge {
		if err := m.RemoveIDToken(ctx, token.Key()); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// GetRefreshToken returns the first refresh token for account. With family
// set it only considers family refresh tokens.
func (m *Manager) GetRefreshToken(ctx context.Context, account entity.AccountInfo, family bool) (*entity.RefreshToken, error) {
	filter := CredentialFilter{
		HomeAccountID:  account.HomeAccountID,
		Environment:    account.Environment,
		CredentialType: cachekey.CredentialRefreshToken,
		ClientID:       m.clientID,
	}
	if family {
		filter.FamilyID = FamilyID
	}
	keys, err := m.TokenKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range keys.RefreshToken {
		if !credentialKeyMatchesFilter(key, filter, true) {
			continue
		}
		token, err := m.ReadRefreshToken(ctx, key)
		if err != nil {
			return nil, err
		}
		if token != nil && m.credentialMatchesFilter(credentialFields{Credential: token.Credential}, filter) {
			return token, nil
		}
	}
	return nil, nil
}

func (m *Manager) RemoveAccessToken(ctx context.Context, key string) error {
	return m.removeCredential(ctx, kindAccessToken, key)
}

func (m *Manager) RemoveIDToken(ctx context.Context, key string) error {
	return m.removeCredential(ctx, kindIDToken, key)
}

func (m *Manager) RemoveRefreshToken(ctx context.Context, key string) error {
	return m.removeCredential(ctx, kindRefreshToken, key)
}

// SaveCacheRecord writes the members of record that are present and not
// opted out by storeInCache.
func (m *Manager) SaveCacheRecord(ctx context.Context, record *entity.CacheRecord, storeInCache entity.StoreInCache, correlationID string) error {
	if record == nil {
		return core.ClientError(core.CodeInvalidCacheRecord, "cache: cache record is required")
	}
	startedAt := m.now()
	err := m.saveCacheRecord(ctx, record, storeInCache)
	m.observer.Observe(ctx, startedAt, "save_cache_record", err, map[string]any{"correlation_id": correlationID})
	if err == nil {
		return nil
	}
	if core.KindOf(err) == core.KindClient {
		return err
	}
	kind := core.KindCacheStorage
	code := core.CodeCacheError
	if isQuotaError(err) {
		kind = core.KindQuotaExceeded
		code = core.CodeQuotaExceeded
	}
	return core.WrapError(err, kind, code, "cache: failed to save cache record", map[string]any{"correlation_id": correlationID})
}

func (m *Manager) saveCacheRecord(ctx context.Context, record *entity.CacheRecord, storeInCache entity.StoreInCache) error {
	if record.Account != nil {
		if err := m.SaveAccount(ctx, record.Account); err != nil {
			return err
		}
	}
	if record.IDToken != nil && !storeInCache.SkipIDToken {
		if err := m.SaveIDToken(ctx, record.IDToken); err != nil {
			return err
		}
	}
	if record.AccessToken != nil && !storeInCache.SkipAccessToken {
		if err := m.SaveAccessToken(ctx, record.AccessToken); err != nil {
			return err
		}
	}
	if record.RefreshToken != nil && !storeInCache.SkipRefreshToken {
		if err := m.SaveRefreshToken(ctx, record.RefreshToken); err != nil {
			return err
		}
	}
	if record.AppMetadata != nil {
		if err := m.SaveAppMetadata(ctx, record.AppMetadata); err != nil {
			return err
		}
	}
	return nil
}

// stamp returns the lastUpdatedAt value for a write.
func stamp(now time.Time) entity.Epoch {
	return entity.Epoch(now.UnixMilli())
}
