package cache

import (
	"context"
	"strings"

	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

// GetAllAccounts returns one tenant-shaped result per matching tenant
// profile of every matching account.
func (m *Manager) GetAllAccounts(ctx context.Context, filter AccountFilter) ([]entity.AccountInfo, error) {
	keys, err := m.AccountKeys(ctx)
	if err != nil {
		return nil, err
	}
	results := []entity.AccountInfo{}
	for _, key := range keys {
		if !cachekey.Contains(key, filter.HomeAccountID) {
			continue
		}
		account, err := m.ReadAccount(ctx, key)
		if err != nil {
			return nil, err
		}
		if account == nil || !m.accountMatchesFilter(account, filter) {
			continue
		}
		infos, err := m.accountInfosForTenantProfiles(ctx, account, filter)
		if err != nil {
			return nil, err
		}
		results = append(results, infos...)
	}
	return results, nil
}

func (m *Manager) accountInfosForTenantProfiles(ctx context.Context, account *entity.Account, filter AccountFilter) ([]entity.AccountInfo, error) {
	profiles := account.TenantProfiles
	if len(profiles) == 0 {
		home := entity.TenantProfile{
			TenantID:       account.Realm,
			LocalAccountID: account.LocalAccountID,
			Username:       account.Username,
			Name:           account.Name,
			IsHomeTenant:   true,
		}
		profiles = []entity.TenantProfile{home}
	}
	out := []entity.AccountInfo{}
	for _, profile := range profiles {
		if !tenantProfileMatchesFilter(profile, filter) {
			continue
		}
		base := account.Info()
		base.TenantID = profile.TenantID
		idToken, err := m.GetIDToken(ctx, base, profile.TenantID)
		if err != nil {
			return nil, err
		}
		var claims entity.IDTokenClaims
		if idToken != nil {
			if parsed, perr := entity.ParseIDTokenClaims(idToken.Secret); perr == nil {
				claims = parsed
			}
		}
		if filter.needsIDTokenClaims() {
			if claims.MapClaims == nil || !claimsMatchFilter(claims, filter) {
				continue
			}
		}
		out = append(out, account.InfoForTenant(profile, idToken, claims))
	}
	return out, nil
}

// GetAccountInfo returns the first account matching filter, or nil.
func (m *Manager) GetAccountInfo(ctx context.Context, filter AccountFilter) (*entity.AccountInfo, error) {
	accounts, err := m.GetAllAccounts(ctx, filter)
	if err != nil || len(accounts) == 0 {
		return nil, err
	}
	if len(accounts) > 1 {
		m.observer.Debug(ctx, "multiple accounts match filter, returning the first", map[string]any{"client_id": m.clientID})
	}
	return &accounts[0], nil
}

// ReadAccount reads one account by key. Malformed or missing entries are
// pruned from the index and reported as nil.
func (m *Manager) ReadAccount(ctx context.Context, key string) (*entity.Account, error) {
	raw, found, err := m.ReadRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		if account, ok := entity.ParseAccount(raw); ok {
			return account, nil
		}
	}
	if err := m.removeAccountKey(ctx, key); err != nil {
		m.observer.Warn(ctx, "stale account index entry could not be pruned", map[string]any{"cache_key": key, "error": err.Error()})
	}
	return nil, nil
}

// SaveAccount writes account, merging tenant profiles with the cached copy
// so they never shrink.
func (m *Manager) SaveAccount(ctx context.Context, account *entity.Account) error {
	if !entity.IsAccount(account) {
		return core.ClientError(core.CodeInvalidCacheRecord, "cache: account is malformed")
	}
	key := account.Key()
	cached, err := m.ReadAccount(ctx, key)
	if err != nil {
		return err
	}
	merged := entity.MergeAccount(cached, account)
	if merged.LastUpdatedAt == 0 {
		merged.LastUpdatedAt = stamp(m.now())
	}
	raw, err := entity.Encode(merged)
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodeInvalidCacheRecord, "cache: encode account failed", nil)
	}
	if err := m.WriteRaw(ctx, key, raw); err != nil {
		return err
	}
	return m.addAccountKey(ctx, key)
}

// RemoveAccount removes the account and every credential whose key carries
// both its home account id and environment.
func (m *Manager) RemoveAccount(ctx context.Context, account entity.AccountInfo) error {
	startedAt := m.now()
	err := m.removeAccount(ctx, account)
	m.observer.Observe(ctx, startedAt, "remove_account", err, map[string]any{"home_account_id": account.HomeAccountID})
	return err
}

func (m *Manager) removeAccount(ctx context.Context, account entity.AccountInfo) error {
	if strings.TrimSpace(account.HomeAccountID) == "" {
		return core.ClientError(core.CodeNoAccount, "cache: account is required")
	}
	keys, err := m.TokenKeys(ctx)
	if err != nil {
		return err
	}
	removeMatching := func(kind credentialKind, list []string) error {
		for _, key := range list {
			if cachekey.Contains(key, account.HomeAccountID) && cachekey.Contains(key, account.Environment) {
				if err := m.removeCredential(ctx, kind, key); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := removeMatching(kindIDToken, keys.IDToken); err != nil {
		return err
	}
	if err := removeMatching(kindAccessToken, keys.AccessToken); err != nil {
		return err
	}
	if err := removeMatching(kindRefreshToken, keys.RefreshToken); err != nil {
		return err
	}

	_, homeTenant, _ := strings.Cut(account.HomeAccountID, ".")
	if homeTenant == "" {
		homeTenant = account.TenantID
	}
	accountKey := cachekey.AccountKey(account.HomeAccountID, account.Environment, homeTenant)
	if err := m.RemoveRaw(ctx, accountKey); err != nil {
		return err
	}
	if err := m.removeAccountKey(ctx, accountKey); err != nil {
		return err
	}

	active, err := m.GetActiveAccountFilters(ctx)
	if err != nil {
		return err
	}
	if active != nil && active.HomeAccountID == account.HomeAccountID {
		return m.RemoveRaw(ctx, cachekey.ActiveAccountKey(m.clientID))
	}
	return nil
}
