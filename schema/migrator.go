// Package schema moves cache entries written under older key layouts to the
// current one. It runs once per client: completion is recorded under the
// migration version key and later runs return immediately.
package schema

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-auth-cache/cache"
	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

// DefaultRefreshTokenCap bounds the lifetime of migrated refresh tokens
// whose account did not choose to stay signed in.
const DefaultRefreshTokenCap = 24 * time.Hour

// Report counts what a migration run moved, dropped or capped.
type Report struct {
	AlreadyCurrent      bool
	TokenVersions       []int
	AccountVersions     []int
	Accounts            int
	IDTokens            int
	AccessTokens        int
	RefreshTokens       int
	ExpiredAccessTokens int
	CappedRefreshTokens int
	Skipped             int
}

func (r Report) Migrated() int {
	return r.Accounts + r.IDTokens + r.AccessTokens + r.RefreshTokens
}

type Migrator struct {
	cache           *cache.Manager
	clock           core.Clock
	logger          core.Logger
	metrics         core.MetricsRecorder
	observer        *core.Observer
	refreshTokenCap time.Duration
}

type Option func(*Migrator)

func WithLogger(logger core.Logger) Option {
	return func(m *Migrator) {
		m.logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(m *Migrator) {
		m.metrics = recorder
	}
}

func WithClock(clock core.Clock) Option {
	return func(m *Migrator) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithRefreshTokenCap overrides the lifetime given to refresh tokens of
// accounts without keep-me-signed-in.
func WithRefreshTokenCap(cap time.Duration) Option {
	return func(m *Migrator) {
		if cap > 0 {
			m.refreshTokenCap = cap
		}
	}
}

func New(manager *cache.Manager, opts ...Option) (*Migrator, error) {
	if manager == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "schema: cache manager is required")
	}
	m := &Migrator{
		cache:           manager,
		clock:           core.SystemClock,
		refreshTokenCap: DefaultRefreshTokenCap,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.observer = core.NewObserver("authcache.schema", m.logger, m.metrics, m.clock)
	return m, nil
}

// Migrate upgrades every entity indexed under an older schema version.
func (m *Migrator) Migrate(ctx context.Context) (Report, error) {
	startedAt := m.clock()
	done, err := m.completed(ctx)
	if err != nil {
		return Report{}, err
	}
	if done {
		return Report{AlreadyCurrent: true}, nil
	}

	report, err := m.migrate(ctx)
	m.observer.Observe(ctx, startedAt, "migrate", err, map[string]any{
		"client_id":     m.cache.ClientID(),
		"migrated":      report.Migrated(),
		"expired_at":    report.ExpiredAccessTokens,
		"capped_rt":     report.CappedRefreshTokens,
		"skipped":       report.Skipped,
		"token_version": report.TokenVersions,
	})
	return report, err
}

func (m *Migrator) completed(ctx context.Context) (bool, error) {
	raw, found, err := m.cache.ReadRaw(ctx, cachekey.MigrationVersionKey(m.cache.ClientID()))
	if err != nil || !found {
		return false, err
	}
	version, perr := strconv.Atoi(strings.TrimSpace(raw))
	return perr == nil && version >= cachekey.CredentialSchemaVersion, nil
}

func (m *Migrator) migrate(ctx context.Context) (Report, error) {
	report := Report{}
	now := m.clock()

	versions, err := m.cache.TokenIndexVersions(ctx)
	if err != nil {
		return report, err
	}
	tokenVersions := olderThan(versions, cachekey.CredentialSchemaVersion)
	report.TokenVersions = tokenVersions
	legacy := make(map[int]cache.TokenKeys, len(tokenVersions))
	for _, version := range tokenVersions {
		keys, err := m.cache.TokenKeysForVersion(ctx, version)
		if err != nil {
			return report, err
		}
		legacy[version] = keys
	}

	// ID tokens go first: their claims decide keep-me-signed-in for refresh
	// tokens and seed tenant profiles for accounts.
	identities := map[string][]entity.IDTokenClaims{}
	for _, version := range tokenVersions {
		for _, key := range legacy[version].IDToken {
			if err := m.migrateIDToken(ctx, key, now, identities, &report); err != nil {
				return report, err
			}
		}
	}
	for _, version := range tokenVersions {
		for _, key := range legacy[version].AccessToken {
			if err := m.migrateAccessToken(ctx, key, now, &report); err != nil {
				return report, err
			}
		}
	}
	for _, version := range tokenVersions {
		for _, key := range legacy[version].RefreshToken {
			if err := m.migrateRefreshToken(ctx, key, now, identities, &report); err != nil {
				return report, err
			}
		}
	}

	versions, err = m.cache.AccountIndexVersions(ctx)
	if err != nil {
		return report, err
	}
	accountVersions := olderThan(versions, cachekey.AccountSchemaVersion)
	report.AccountVersions = accountVersions
	for _, version := range accountVersions {
		keys, err := m.cache.AccountKeysForVersion(ctx, version)
		if err != nil {
			return report, err
		}
		for _, key := range keys {
			if err := m.migrateAccount(ctx, key, now, identities, &report); err != nil {
				return report, err
			}
		}
	}

	for _, version := range tokenVersions {
		if err := m.cache.RemoveTokenIndex(ctx, version); err != nil {
			return report, err
		}
	}
	for _, version := range accountVersions {
		if err := m.cache.RemoveAccountIndex(ctx, version); err != nil {
			return report, err
		}
	}

	marker := strconv.Itoa(cachekey.CredentialSchemaVersion)
	if err := m.cache.WriteRaw(ctx, cachekey.MigrationVersionKey(m.cache.ClientID()), marker); err != nil {
		return report, err
	}
	return report, nil
}

func (m *Migrator) migrateIDToken(ctx context.Context, key string, now time.Time, identities map[string][]entity.IDTokenClaims, report *Report) error {
	raw, ok, err := m.readLegacy(ctx, key, report)
	if err != nil || !ok {
		return err
	}
	token, valid := entity.ParseIDToken(raw)
	if !valid {
		return m.skip(ctx, key, "id token", report)
	}
	if claims, err := entity.ParseIDTokenClaims(token.Secret); err == nil {
		identities[token.HomeAccountID] = append(identities[token.HomeAccountID], claims)
	}
	defaultLastUpdated(&token.Credential, now)
	if err := m.cache.SaveIDToken(ctx, token); err != nil {
		return err
	}
	report.IDTokens++
	return m.removeLegacy(ctx, key, token.Key())
}

func (m *Migrator) migrateAccessToken(ctx context.Context, key string, now time.Time, report *Report) error {
	raw, ok, err := m.readLegacy(ctx, key, report)
	if err != nil || !ok {
		return err
	}
	token, valid := entity.ParseAccessToken(raw)
	if !valid {
		return m.skip(ctx, key, "access token", report)
	}
	if token.IsExpired(now, 0) {
		report.ExpiredAccessTokens++
		return m.cache.RemoveRaw(ctx, key)
	}
	defaultLastUpdated(&token.Credential, now)
	if err := m.cache.SaveAccessToken(ctx, token); err != nil {
		return err
	}
	report.AccessTokens++
	return m.removeLegacy(ctx, key, token.Key())
}

func (m *Migrator) migrateRefreshToken(ctx context.Context, key string, now time.Time, identities map[string][]entity.IDTokenClaims, report *Report) error {
	raw, ok, err := m.readLegacy(ctx, key, report)
	if err != nil || !ok {
		return err
	}
	token, valid := entity.ParseRefreshToken(raw)
	if !valid {
		return m.skip(ctx, key, "refresh token", report)
	}
	if !keepMeSignedIn(identities[token.HomeAccountID]) {
		limit := now.Add(m.refreshTokenCap)
		if token.ExpiresOn == 0 || token.ExpiresOn.Time().After(limit) {
			token.ExpiresOn = entity.EpochFromTime(limit)
			report.CappedRefreshTokens++
		}
	}
	defaultLastUpdated(&token.Credential, now)
	if err := m.cache.SaveRefreshToken(ctx, token); err != nil {
		return err
	}
	report.RefreshTokens++
	return m.removeLegacy(ctx, key, token.Key())
}

func (m *Migrator) migrateAccount(ctx context.Context, key string, now time.Time, identities map[string][]entity.IDTokenClaims, report *Report) error {
	raw, ok, err := m.readLegacy(ctx, key, report)
	if err != nil || !ok {
		return err
	}
	account, valid := entity.ParseAccount(raw)
	if !valid {
		return m.skip(ctx, key, "account", report)
	}
	if len(account.TenantProfiles) == 0 {
		account.TenantProfiles = tenantProfiles(account, identities[account.HomeAccountID])
	}
	if account.LastUpdatedAt == 0 {
		account.LastUpdatedAt = entity.Epoch(now.UnixMilli())
	}
	if err := m.cache.SaveAccount(ctx, account); err != nil {
		return err
	}
	report.Accounts++
	return m.removeLegacy(ctx, key, account.Key())
}

func (m *Migrator) readLegacy(ctx context.Context, key string, report *Report) (string, bool, error) {
	raw, found, err := m.cache.ReadRaw(ctx, key)
	if err != nil {
		return "", false, err
	}
	if !found {
		report.Skipped++
		return "", false, nil
	}
	return raw, true, nil
}

func (m *Migrator) skip(ctx context.Context, key string, kind string, report *Report) error {
	report.Skipped++
	m.observer.Warn(ctx, "legacy cache entry is malformed and was dropped", map[string]any{
		"cache_key": key,
		"kind":      kind,
	})
	return m.cache.RemoveRaw(ctx, key)
}

// removeLegacy drops the old entry unless it already lives at the current
// key.
func (m *Migrator) removeLegacy(ctx context.Context, legacyKey string, currentKey string) error {
	if legacyKey == currentKey {
		return nil
	}
	return m.cache.RemoveRaw(ctx, legacyKey)
}

func olderThan(versions []int, current int) []int {
	out := make([]int, 0, len(versions))
	for _, version := range versions {
		if version < current {
			out = append(out, version)
		}
	}
	return out
}

func defaultLastUpdated(credential *entity.Credential, now time.Time) {
	if credential.LastUpdatedAt == 0 {
		credential.LastUpdatedAt = entity.Epoch(now.UnixMilli())
	}
}

func keepMeSignedIn(claims []entity.IDTokenClaims) bool {
	for _, candidate := range claims {
		if candidate.KeepMeSignedIn() {
			return true
		}
	}
	return false
}

func tenantProfiles(account *entity.Account, claims []entity.IDTokenClaims) []entity.TenantProfile {
	profiles := []entity.TenantProfile{}
	for _, candidate := range claims {
		if profile, ok := entity.TenantProfileFromClaims(account.HomeAccountID, candidate); ok {
			profiles = entity.MergeTenantProfiles(profiles, []entity.TenantProfile{profile})
		}
	}
	if len(profiles) > 0 {
		return profiles
	}
	return []entity.TenantProfile{{
		TenantID:       account.Realm,
		LocalAccountID: account.LocalAccountID,
		Username:       account.Username,
		Name:           account.Name,
		IsHomeTenant:   true,
	}}
}
