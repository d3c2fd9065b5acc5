package cache

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

func (m *Manager) SaveAppMetadata(ctx context.Context, metadata *entity.AppMetadata) error {
	if !entity.IsAppMetadata(metadata) {
		return core.ClientError(core.CodeInvalidCacheRecord, "cache: app metadata is malformed")
	}
	raw, err := entity.Encode(metadata)
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodeInvalidCacheRecord, "cache: encode app metadata failed", nil)
	}
	return m.WriteRaw(ctx, metadata.Key(), raw)
}

// ReadAppMetadata returns this client's app metadata for environment or any
// of its aliases.
func (m *Manager) ReadAppMetadata(ctx context.Context, environment string) (*entity.AppMetadata, error) {
	candidates := append([]string{environment}, m.resolveAliases(environment)...)
	seen := map[string]bool{}
	for _, candidate := range candidates {
		key := cachekey.AppMetadataKey(candidate, m.clientID)
		if seen[key] {
			continue
		}
		seen[key] = true
		raw, found, err := m.ReadRaw(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if metadata, ok := entity.ParseAppMetadata(raw); ok {
			return metadata, nil
		}
	}
	return nil, nil
}

// IsAppMetadataFOCI reports whether this client belongs to a token family.
func (m *Manager) IsAppMetadataFOCI(ctx context.Context, environment string) (bool, error) {
	metadata, err := m.ReadAppMetadata(ctx, environment)
	if err != nil || metadata == nil {
		return false, err
	}
	return strings.TrimSpace(metadata.FamilyID) != "", nil
}

func (m *Manager) GetAuthorityMetadata(ctx context.Context, host string) (*entity.AuthorityMetadata, error) {
	raw, found, err := m.ReadRaw(ctx, cachekey.AuthorityMetadataKey(m.clientID, host))
	if err != nil || !found {
		return nil, err
	}
	metadata, ok := entity.ParseAuthorityMetadata(raw)
	if !ok {
		return nil, nil
	}
	return metadata, nil
}

func (m *Manager) SetAuthorityMetadata(ctx context.Context, host string, metadata *entity.AuthorityMetadata) error {
	if metadata == nil {
		return core.ClientError(core.CodeInvalidCacheRecord, "cache: authority metadata is required")
	}
	raw, err := entity.Encode(metadata)
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodeInvalidCacheRecord, "cache: encode authority metadata failed", nil)
	}
	return m.WriteRaw(ctx, cachekey.AuthorityMetadataKey(m.clientID, host), raw)
}

func (m *Manager) GetThrottling(ctx context.Context, key string) (*entity.Throttling, error) {
	raw, found, err := m.ReadRaw(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	throttling, ok := entity.ParseThrottling(raw)
	if !ok {
		return nil, nil
	}
	return throttling, nil
}

func (m *Manager) SetThrottling(ctx context.Context, key string, throttling *entity.Throttling) error {
	raw, err := entity.Encode(throttling)
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodeInvalidCacheRecord, "cache: encode throttling failed", nil)
	}
	return m.WriteRaw(ctx, key, raw)
}

func (m *Manager) RemoveThrottling(ctx context.Context, key string) error {
	return m.RemoveRaw(ctx, key)
}

func (m *Manager) GetServerTelemetry(ctx context.Context, key string) (*entity.ServerTelemetry, error) {
	raw, found, err := m.ReadRaw(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	telemetry, ok := entity.ParseServerTelemetry(raw)
	if !ok {
		return nil, nil
	}
	return telemetry, nil
}

func (m *Manager) SetServerTelemetry(ctx context.Context, key string, telemetry *entity.ServerTelemetry) error {
	raw, err := entity.Encode(telemetry)
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodeInvalidCacheRecord, "cache: encode telemetry failed", nil)
	}
	return m.WriteRaw(ctx, key, raw)
}

func (m *Manager) RemoveServerTelemetry(ctx context.Context, key string) error {
	return m.RemoveRaw(ctx, key)
}

// SetActiveAccount persists the active account pointer. A nil account
// clears it.
func (m *Manager) SetActiveAccount(ctx context.Context, account *entity.AccountInfo) error {
	key := cachekey.ActiveAccountKey(m.clientID)
	if account == nil {
		return m.RemoveRaw(ctx, key)
	}
	raw, err := json.Marshal(entity.ActiveAccountFilters{
		HomeAccountID:  account.HomeAccountID,
		LocalAccountID: account.LocalAccountID,
		TenantID:       account.TenantID,
	})
	if err != nil {
		return core.WrapError(err, core.KindClient, core.CodeInvalidCacheRecord, "cache: encode active account failed", nil)
	}
	return m.WriteRaw(ctx, key, string(raw))
}

func (m *Manager) GetActiveAccountFilters(ctx context.Context) (*entity.ActiveAccountFilters, error) {
	raw, found, err := m.ReadRaw(ctx, cachekey.ActiveAccountKey(m.clientID))
	if err != nil || !found {
		return nil, err
	}
	var filters entity.ActiveAccountFilters
	if jerr := json.Unmarshal([]byte(raw), &filters); jerr != nil || filters.HomeAccountID == "" {
		return nil, nil
	}
	return &filters, nil
}

// GetActiveAccount resolves the active account pointer against the cached
// accounts. A pointer to a removed account yields nil.
func (m *Manager) GetActiveAccount(ctx context.Context) (*entity.AccountInfo, error) {
	filters, err := m.GetActiveAccountFilters(ctx)
	if err != nil || filters == nil {
		return nil, err
	}
	return m.GetAccountInfo(ctx, AccountFilter{
		HomeAccountID:  filters.HomeAccountID,
		LocalAccountID: filters.LocalAccountID,
		Realm:          "",
	})
}

// Clear removes every key this client owns: accounts, credentials, their
// indexes, metadata, throttling, telemetry and the active account.
func (m *Manager) Clear(ctx context.Context) error {
	startedAt := m.now()
	err := m.clear(ctx)
	m.observer.Observe(ctx, startedAt, "clear", err, map[string]any{"client_id": m.clientID})
	return err
}

func (m *Manager) clear(ctx context.Context) error {
	keys, err := m.TokenKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys.All() {
		if err := m.RemoveRaw(ctx, key); err != nil {
			return err
		}
	}
	accounts, err := m.AccountKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range accounts {
		if err := m.RemoveRaw(ctx, key); err != nil {
			return err
		}
	}
	if err := m.RemoveTokenIndex(ctx, cachekey.CredentialSchemaVersion); err != nil {
		return err
	}
	if err := m.RemoveAccountIndex(ctx, cachekey.AccountSchemaVersion); err != nil {
		return err
	}
	if err := m.RemoveRaw(ctx, cachekey.ActiveAccountKey(m.clientID)); err != nil {
		return err
	}

	all, err := m.storage.Keys(ctx)
	if err != nil {
		return core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "cache: list keys failed", nil)
	}
	clientSuffix := cachekey.Separator + strings.ToLower(m.clientID)
	for _, key := range all {
		lower := strings.ToLower(key)
		owned := strings.HasPrefix(lower, cachekey.ThrottlingPrefix+".") ||
			lower == cachekey.ServerTelemetryKey(m.clientID) ||
			strings.HasPrefix(lower, cachekey.AuthorityMetadataPrefix+clientSuffix+cachekey.Separator) ||
			(strings.HasPrefix(lower, cachekey.AppMetadataPrefix+cachekey.Separator) && strings.HasSuffix(lower, clientSuffix))
		if !owned {
			continue
		}
		if err := m.RemoveRaw(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
