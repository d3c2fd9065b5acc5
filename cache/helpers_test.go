package cache

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

const (
	testClientID      = "client-1"
	testHomeAccountID = "uid.utid"
	testEnvironment   = "login.microsoftonline.com"
	testRealm         = "utid"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// memoryStorage is a map-backed Storage whose SetItem can be made to fail
// with a quota error until a number of removals have happened.
type memoryStorage struct {
	mu       sync.Mutex
	items    map[string]string
	removed  []string
	quotaFor int
	armed    bool
	setCalls int
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{items: map[string]string{}}
}

func (s *memoryStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.items[key]
	return value, ok, nil
}

func (s *memoryStorage) SetItem(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.armed && len(s.removed) < s.quotaFor {
		return core.ErrQuotaExceeded
	}
	s.items[key] = value
	return nil
}

func (s *memoryStorage) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		s.removed = append(s.removed, key)
	}
	delete(s.items, key)
	return nil
}

func (s *memoryStorage) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// failUntilRemoved arms the quota failure until n more keys are removed.
func (s *memoryStorage) failUntilRemoved(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = nil
	s.quotaFor = n
	s.armed = true
}

func (s *memoryStorage) removedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

func (s *memoryStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

type staticAliases map[string][]string

func (a staticAliases) EnvironmentAliases(environment string) []string {
	return a[environment]
}

func newTestManager(t *testing.T, storage core.Storage, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	manager, err := NewManager(storage, testClientID, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func testAccountInfo() entity.AccountInfo {
	return entity.AccountInfo{
		HomeAccountID: testHomeAccountID,
		Environment:   testEnvironment,
		TenantID:      testRealm,
	}
}

func testAccessToken(target string) *entity.AccessToken {
	return &entity.AccessToken{
		Credential: entity.Credential{
			HomeAccountID:  testHomeAccountID,
			Environment:    testEnvironment,
			CredentialType: cachekey.CredentialAccessToken,
			ClientID:       testClientID,
			Secret:         "at-" + target,
			Realm:          testRealm,
		},
		Target:    target,
		CachedAt:  entity.EpochFromTime(testNow.Add(-time.Minute)),
		ExpiresOn: entity.EpochFromTime(testNow.Add(time.Hour)),
		TokenType: cachekey.SchemeBearer,
	}
}

func testIDToken(t *testing.T, realm string, claims jwt.MapClaims) *entity.IDToken {
	t.Helper()
	return &entity.IDToken{Credential: entity.Credential{
		HomeAccountID:  testHomeAccountID,
		Environment:    testEnvironment,
		CredentialType: cachekey.CredentialIDToken,
		ClientID:       testClientID,
		Secret:         signedIDToken(t, claims),
		Realm:          realm,
	}}
}

func testRefreshToken(familyID string) *entity.RefreshToken {
	return &entity.RefreshToken{Credential: entity.Credential{
		HomeAccountID:  testHomeAccountID,
		Environment:    testEnvironment,
		CredentialType: cachekey.CredentialRefreshToken,
		ClientID:       testClientID,
		Secret:         "rt-secret",
		FamilyID:       familyID,
	}}
}

func testAccount() *entity.Account {
	return &entity.Account{
		HomeAccountID:  testHomeAccountID,
		Environment:    testEnvironment,
		Realm:          testRealm,
		LocalAccountID: "uid",
		Username:       "ada@example.com",
		AuthorityType:  entity.AuthorityTypeMSSTS,
		Name:           "Ada",
		TenantProfiles: []entity.TenantProfile{
			{TenantID: testRealm, LocalAccountID: "uid", Username: "ada@example.com", Name: "Ada", IsHomeTenant: true},
			{TenantID: "guest", LocalAccountID: "guest-oid", Username: "ada@example.com", Name: "Ada Guest"},
		},
	}
}

func signedIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return raw
}
