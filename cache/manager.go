// Package cache is the addressed store for accounts and credentials. It keeps
// per-kind key indexes in sync with every write and removal, applies the
// multi-match purge rules and retries writes that hit the storage quota.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
)

const DefaultMaxQuotaRetries = 20

// AliasResolver reports the known aliases of an environment host, the host
// itself included.
type AliasResolver interface {
	EnvironmentAliases(environment string) []string
}

type Manager struct {
	storage         core.Storage
	decrypter       core.Decrypter
	clientID        string
	logger          core.Logger
	metrics         core.MetricsRecorder
	observer        *core.Observer
	clock           core.Clock
	notifier        core.ChangeNotifier
	origin          string
	maxQuotaRetries int

	aliasMu sync.RWMutex
	aliases AliasResolver

	// indexMu serializes read-modify-write cycles on key indexes.
	indexMu sync.Mutex
}

type Option func(*Manager)

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(m *Manager) {
		m.metrics = recorder
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

func WithClock(clock core.Clock) Option {
	return func(m *Manager) {
		m.clock = core.ResolveClock(clock)
	}
}

// WithNotifier publishes every write and removal to notifier. origin tags
// the changes so subscribers can skip their own events.
func WithNotifier(notifier core.ChangeNotifier, origin string) Option {
	return func(m *Manager) {
		m.notifier = notifier
		m.origin = origin
	}
}

func WithAliasResolver(resolver AliasResolver) Option {
	return func(m *Manager) {
		m.aliases = resolver
	}
}

func WithMaxQuotaRetries(retries int) Option {
	return func(m *Manager) {
		if retries >= 0 {
			m.maxQuotaRetries = retries
		}
	}
}

func NewManager(storage core.Storage, clientID string, opts ...Option) (*Manager, error) {
	if storage == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "cache: storage is required")
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "cache: client id is required")
	}
	m := &Manager{
		storage:         storage,
		clientID:        clientID,
		clock:           core.SystemClock,
		maxQuotaRetries: DefaultMaxQuotaRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.observer == nil {
		m.observer = core.NewObserver("authcache.cache", m.logger, m.metrics, m.clock)
	}
	if decrypter, ok := storage.(core.Decrypter); ok {
		m.decrypter = decrypter
	}
	return m, nil
}

func (m *Manager) ClientID() string {
	return m.clientID
}

func (m *Manager) Storage() core.Storage {
	return m.storage
}

// UseAliasResolver swaps the alias resolver after construction. The authority
// resolver depends on the manager, so it is attached once both exist.
func (m *Manager) UseAliasResolver(resolver AliasResolver) {
	m.aliasMu.Lock()
	defer m.aliasMu.Unlock()
	m.aliases = resolver
}

func (m *Manager) now() time.Time {
	return m.clock()
}

// ReadRaw returns the decrypted value stored at key.
func (m *Manager) ReadRaw(ctx context.Context, key string) (string, bool, error) {
	raw, found, err := m.storage.GetItem(ctx, key)
	if err != nil {
		return "", false, core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "cache: read failed", map[string]any{"cache_key": key})
	}
	if !found {
		return "", false, nil
	}
	if m.decrypter == nil {
		return raw, true, nil
	}
	value, ok, err := m.decrypter.DecryptData(ctx, key, raw)
	if err != nil {
		m.observer.Warn(ctx, "cache entry could not be decrypted", map[string]any{"cache_key": key, "error": err.Error()})
		return "", false, nil
	}
	return value, ok, nil
}

// WriteRaw stores value at key, evicting access tokens when the backend
// reports its quota is exhausted.
func (m *Manager) WriteRaw(ctx context.Context, key string, value string) error {
	evicted, err := m.setItem(ctx, key, value)
	if len(evicted) > 0 {
		m.indexMu.Lock()
		m.dropFromIndexesLocked(ctx, evicted)
		m.indexMu.Unlock()
	}
	return err
}

// RemoveRaw deletes key without touching any index.
func (m *Manager) RemoveRaw(ctx context.Context, key string) error {
	if err := m.storage.RemoveItem(ctx, key); err != nil {
		return core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "cache: remove failed", map[string]any{"cache_key": key})
	}
	m.publish(ctx, core.Change{Key: key, Removed: true})
	return nil
}

// setItem writes key and returns the access-token keys evicted to make room,
// also on failure. Evicted keys are removed from storage only; the caller
// owns index cleanup.
func (m *Manager) setItem(ctx context.Context, key string, value string) ([]string, error) {
	err := m.storage.SetItem(ctx, key, value)
	if err == nil {
		m.publish(ctx, core.Change{Key: key, Value: value})
		return nil, nil
	}
	if !isQuotaError(err) {
		return nil, core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "cache: write failed", map[string]any{"cache_key": key})
	}

	queue, qerr := m.evictionQueue(ctx, key)
	if qerr != nil {
		m.observer.Warn(ctx, "cache eviction queue unavailable", map[string]any{"error": qerr.Error()})
	}
	evicted := make([]string, 0, len(queue))
	for attempt := 0; attempt < m.maxQuotaRetries && attempt < len(queue); attempt++ {
		victim := queue[attempt]
		if rerr := m.storage.RemoveItem(ctx, victim); rerr != nil {
			m.observer.Warn(ctx, "cache eviction failed", map[string]any{"cache_key": victim, "error": rerr.Error()})
			continue
		}
		evicted = append(evicted, victim)
		m.publish(ctx, core.Change{Key: victim, Removed: true})

		err = m.storage.SetItem(ctx, key, value)
		if err == nil {
			m.observer.Count(ctx, "quota_evictions", map[string]string{"evicted": strconv.Itoa(len(evicted))})
			m.observer.Info(ctx, "cache write succeeded after eviction", map[string]any{
				"cache_key":   key,
				"token_count": len(evicted),
			})
			m.publish(ctx, core.Change{Key: key, Value: value})
			return evicted, nil
		}
		if !isQuotaError(err) {
			return evicted, core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "cache: write failed", map[string]any{"cache_key": key})
		}
	}
	return evicted, core.WrapError(err, core.KindQuotaExceeded, core.CodeQuotaExceeded, "cache: storage quota exceeded", map[string]any{
		"cache_key":   key,
		"token_count": len(evicted),
	})
}

// evictionQueue lists access-token keys oldest schema version first, then in
// index insertion order.
func (m *Manager) evictionQueue(ctx context.Context, writing string) ([]string, error) {
	versions, err := m.TokenIndexVersions(ctx)
	if err != nil {
		return nil, err
	}
	queue := []string{}
	for _, version := range versions {
		keys, err := m.TokenKeysForVersion(ctx, version)
		if err != nil {
			continue
		}
		for _, key := range keys.AccessToken {
			if key != writing && !slices.Contains(queue, key) {
				queue = append(queue, key)
			}
		}
	}
	return queue, nil
}

// TokenIndexVersions lists the credential schema versions that have an index
// for this client, ascending. The current version is always included.
func (m *Manager) TokenIndexVersions(ctx context.Context) ([]int, error) {
	keys, err := m.storage.Keys(ctx)
	if err != nil {
		return []int{cachekey.CredentialSchemaVersion}, core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "cache: list keys failed", nil)
	}
	seen := map[int]bool{cachekey.CredentialSchemaVersion: true}
	for _, key := range keys {
		if version, ok := cachekey.ParseTokenIndexVersion(key, m.clientID); ok {
			seen[version] = true
		}
	}
	return sortedVersions(seen), nil
}

// AccountIndexVersions lists account schema versions with an index,
// ascending. The current version is always included.
func (m *Manager) AccountIndexVersions(ctx context.Context) ([]int, error) {
	keys, err := m.storage.Keys(ctx)
	if err != nil {
		return []int{cachekey.AccountSchemaVersion}, core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "cache: list keys failed", nil)
	}
	seen := map[int]bool{cachekey.AccountSchemaVersion: true}
	for _, key := range keys {
		if version, ok := cachekey.ParseAccountIndexVersion(key); ok {
			seen[version] = true
		}
	}
	return sortedVersions(seen), nil
}

func (m *Manager) publish(ctx context.Context, change core.Change) {
	if m.notifier == nil {
		return
	}
	change.Origin = m.origin
	if err := m.notifier.Publish(ctx, change); err != nil {
		m.observer.Warn(ctx, "cache change notification failed", map[string]any{"cache_key": change.Key, "error": err.Error()})
	}
}

func (m *Manager) resolveAliases(environment string) []string {
	m.aliasMu.RLock()
	resolver := m.aliases
	m.aliasMu.RUnlock()
	if resolver == nil {
		return nil
	}
	return resolver.EnvironmentAliases(environment)
}

// TokenKeys is the persisted credential index for one schema version.
type TokenKeys struct {
	IDToken      []string `json:"idToken"`
	AccessToken  []string `json:"accessToken"`
	RefreshToken []string `json:"refreshToken"`
}

func (k TokenKeys) All() []string {
	out := make([]string, 0, len(k.IDToken)+len(k.AccessToken)+len(k.RefreshToken))
	out = append(out, k.IDToken...)
	out = append(out, k.AccessToken...)
	return append(out, k.RefreshToken...)
}

func (k TokenKeys) Len() int {
	return len(k.IDToken) + len(k.AccessToken) + len(k.RefreshToken)
}

func (m *Manager) TokenKeys(ctx context.Context) (TokenKeys, error) {
	return m.TokenKeysForVersion(ctx, cachekey.CredentialSchemaVersion)
}

func (m *Manager) TokenKeysForVersion(ctx context.Context, version int) (TokenKeys, error) {
	raw, found, err := m.ReadRaw(ctx, cachekey.TokenIndexKey(version, m.clientID))
	if err != nil || !found {
		return TokenKeys{}, err
	}
	var keys TokenKeys
	if jerr := json.Unmarshal([]byte(raw), &keys); jerr != nil {
		m.observer.Warn(ctx, "token key index is malformed", map[string]any{"error": jerr.Error()})
		return TokenKeys{}, nil
	}
	return keys, nil
}

func (m *Manager) AccountKeys(ctx context.Context) ([]string, error) {
	return m.AccountKeysForVersion(ctx, cachekey.AccountSchemaVersion)
}

func (m *Manager) AccountKeysForVersion(ctx context.Context, version int) ([]string, error) {
	raw, found, err := m.ReadRaw(ctx, cachekey.AccountIndexKey(version))
	if err != nil || !found {
		return nil, err
	}
	var keys []string
	if jerr := json.Unmarshal([]byte(raw), &keys); jerr != nil {
		m.observer.Warn(ctx, "account key index is malformed", map[string]any{"error": jerr.Error()})
		return nil, nil
	}
	return keys, nil
}

// RemoveTokenIndex drops the credential index of a schema version.
func (m *Manager) RemoveTokenIndex(ctx context.Context, version int) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	return m.RemoveRaw(ctx, cachekey.TokenIndexKey(version, m.clientID))
}

// RemoveAccountIndex drops the account index of a schema version.
func (m *Manager) RemoveAccountIndex(ctx context.Context, version int) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	return m.RemoveRaw(ctx, cachekey.AccountIndexKey(version))
}

type credentialKind int

const (
	kindIDToken credentialKind = iota
	kindAccessToken
	kindRefreshToken
)

func kindOf(credType cachekey.CredentialType) credentialKind {
	switch credType {
	case cachekey.CredentialIDToken:
		return kindIDToken
	case cachekey.CredentialRefreshToken:
		return kindRefreshToken
	default:
		return kindAccessToken
	}
}

func (k *TokenKeys) list(kind credentialKind) *[]string {
	switch kind {
	case kindIDToken:
		return &k.IDToken
	case kindRefreshToken:
		return &k.RefreshToken
	default:
		return &k.AccessToken
	}
}

// writeCredential stores a credential and records its key in the current
// token index.
func (m *Manager) writeCredential(ctx context.Context, kind credentialKind, key string, value string) error {
	evicted, err := m.setItem(ctx, key, value)
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	if len(evicted) > 0 {
		m.dropFromIndexesLocked(ctx, evicted)
	}
	if err != nil {
		return err
	}
	keys, err := m.TokenKeys(ctx)
	if err != nil {
		return err
	}
	list := keys.list(kind)
	if slices.Contains(*list, key) {
		return nil
	}
	*list = append(*list, key)
	return m.putTokenIndexLocked(ctx, cachekey.CredentialSchemaVersion, keys)
}

// removeCredential deletes a credential and its index entry. Missing keys
// are not an error.
func (m *Manager) removeCredential(ctx context.Context, kind credentialKind, key string) error {
	if err := m.RemoveRaw(ctx, key); err != nil {
		return err
	}
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	return m.removeFromTokenIndexLocked(ctx, cachekey.CredentialSchemaVersion, kind, key)
}

func (m *Manager) removeFromTokenIndexLocked(ctx context.Context, version int, kind credentialKind, key string) error {
	keys, err := m.TokenKeysForVersion(ctx, version)
	if err != nil {
		return err
	}
	list := keys.list(kind)
	index := slices.Index(*list, key)
	if index < 0 {
		return nil
	}
	*list = slices.Delete(*list, index, index+1)
	return m.putTokenIndexLocked(ctx, version, keys)
}

func (m *Manager) putTokenIndexLocked(ctx context.Context, version int, keys TokenKeys) error {
	if keys.IDToken == nil {
		keys.IDToken = []string{}
	}
	if keys.AccessToken == nil {
		keys.AccessToken = []string{}
	}
	if keys.RefreshToken == nil {
		keys.RefreshToken = []string{}
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "cache: encode token index failed", nil)
	}
	indexKey := cachekey.TokenIndexKey(version, m.clientID)
	evicted, err := m.setItem(ctx, indexKey, string(raw))
	if len(evicted) > 0 {
		// the index just written may still reference evicted keys
		m.dropFromIndexesLocked(ctx, evicted)
	}
	return err
}

func (m *Manager) putAccountIndexLocked(ctx context.Context, version int, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return core.WrapError(err, core.KindCacheStorage, core.CodeCacheError, "cache: encode account index failed", nil)
	}
	evicted, err := m.setItem(ctx, cachekey.AccountIndexKey(version), string(raw))
	if len(evicted) > 0 {
		m.dropFromIndexesLocked(ctx, evicted)
	}
	return err
}

// dropFromIndexesLocked removes evicted access-token keys from every token
// index. Failures are logged; a stale index entry is pruned on next read.
func (m *Manager) dropFromIndexesLocked(ctx context.Context, evicted []string) {
	versions, err := m.TokenIndexVersions(ctx)
	if err != nil {
		m.observer.Warn(ctx, "cache index cleanup skipped", map[string]any{"error": err.Error()})
		return
	}
	for _, version := range versions {
		keys, err := m.TokenKeysForVersion(ctx, version)
		if err != nil || keys.Len() == 0 {
			continue
		}
		filtered := slices.DeleteFunc(slices.Clone(keys.AccessToken), func(key string) bool {
			return slices.Contains(evicted, key)
		})
		if len(filtered) == len(keys.AccessToken) {
			continue
		}
		keys.AccessToken = filtered
		raw, err := json.Marshal(keys)
		if err != nil {
			continue
		}
		if err := m.storage.SetItem(ctx, cachekey.TokenIndexKey(version, m.clientID), string(raw)); err != nil {
			m.observer.Warn(ctx, "cache index cleanup failed", map[string]any{"error": err.Error()})
			continue
		}
		m.publish(ctx, core.Change{Key: cachekey.TokenIndexKey(version, m.clientID), Value: string(raw)})
	}
}

func (m *Manager) addAccountKey(ctx context.Context, key string) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	keys, err := m.AccountKeys(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return m.putAccountIndexLocked(ctx, cachekey.AccountSchemaVersion, append(keys, key))
}

func (m *Manager) removeAccountKey(ctx context.Context, key string) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	keys, err := m.AccountKeys(ctx)
	if err != nil {
		return err
	}
	index := slices.Index(keys, key)
	if index < 0 {
		return nil
	}
	return m.putAccountIndexLocked(ctx, cachekey.AccountSchemaVersion, slices.Delete(keys, index, index+1))
}

func isQuotaError(err error) bool {
	return err != nil && (errors.Is(err, core.ErrQuotaExceeded) || core.KindOf(err) == core.KindQuotaExceeded)
}

func sortedVersions(seen map[int]bool) []int {
	out := make([]int, 0, len(seen))
	for version := range seen {
		out = append(out, version)
	}
	sort.Ints(out)
	return out
}
