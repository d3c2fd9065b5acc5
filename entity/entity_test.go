package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/goliatone/go-auth-cache/cachekey"
)

func signUnsecured(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return raw
}

func sampleAccessToken() *AccessToken {
	return &AccessToken{
		Credential: Credential{
			HomeAccountID:  "uid.utid",
			Environment:    "login.windows.net",
			CredentialType: cachekey.CredentialAccessToken,
			ClientID:       "client",
			Secret:         "at-secret",
			Realm:          "utid",
		},
		Target:    "user.read mail.read",
		CachedAt:  1700000000,
		ExpiresOn: 1700003600,
		TokenType: "Bearer",
	}
}

func TestAccessToken_RoundTrip(t *testing.T) {
	token := sampleAccessToken()
	raw, err := Encode(token)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		t.Fatalf("decode generic: %v", err)
	}
	if generic["expiresOn"] != "1700003600" {
		t.Fatalf("expected string timestamps, got %#v", generic["expiresOn"])
	}
	parsed, ok := ParseAccessToken(raw)
	if !ok {
		t.Fatalf("expected access token to parse")
	}
	if *parsed != *token {
		t.Fatalf("round trip mismatch\nwant %#v\ngot  %#v", token, parsed)
	}
}

func TestEpoch_AcceptsNumbers(t *testing.T) {
	parsed, ok := ParseAccessToken(`{"homeAccountId":"h","environment":"e","credentialType":"AccessToken","clientId":"c","secret":"s","realm":"r","target":"t","cachedAt":100,"expiresOn":"200"}`)
	if !ok {
		t.Fatalf("expected mixed timestamp forms to parse")
	}
	if parsed.CachedAt != 100 || parsed.ExpiresOn != 200 {
		t.Fatalf("unexpected timestamps %d/%d", parsed.CachedAt, parsed.ExpiresOn)
	}
}

func TestValidators_RejectMalformedEntities(t *testing.T) {
	cases := []string{
		"",
		"not-json",
		`{"homeAccountId":"h"}`,
		`{"homeAccountId":"h","environment":"e","credentialType":"IdToken","clientId":"c","secret":"s","realm":"r","target":"t","cachedAt":"1","expiresOn":"2"}`,
	}
	for _, raw := range cases {
		if _, ok := ParseAccessToken(raw); ok {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
	if _, ok := ParseIDToken(`{"homeAccountId":"h","environment":"e","credentialType":"IdToken","clientId":"c","secret":"s"}`); ok {
		t.Fatalf("expected id token without realm to be rejected")
	}
	if _, ok := ParseRefreshToken(`{"homeAccountId":"h","environment":"e","credentialType":"RefreshToken","clientId":"c","secret":"s"}`); !ok {
		t.Fatalf("expected realm-less refresh token to be valid")
	}
	if _, ok := ParseAccount(`{"homeAccountId":"h","environment":"e","realm":"r","localAccountId":"l","username":"u"}`); ok {
		t.Fatalf("expected account without authority type to be rejected")
	}
}

func TestAccessToken_ExpiryChecks(t *testing.T) {
	token := sampleAccessToken()
	now := time.Unix(1700000000, 0)
	if token.IsExpired(now, 5*time.Minute) {
		t.Fatalf("expected token valid with renewal offset")
	}
	if !token.IsExpired(now.Add(56*time.Minute), 5*time.Minute) {
		t.Fatalf("expected token expired within renewal offset")
	}
	if !token.WasClockTurnedBack(now.Add(-time.Second)) {
		t.Fatalf("expected cachedAt in the future to be detected")
	}
	if token.NeedsProactiveRefresh(now) {
		t.Fatalf("expected no refresh without refreshOn")
	}
	token.RefreshOn = 1700000000
	if !token.NeedsProactiveRefresh(now.Add(time.Second)) {
		t.Fatalf("expected refreshOn watermark to trigger")
	}
}

func TestParseIDTokenClaims(t *testing.T) {
	raw := signUnsecured(t, jwt.MapClaims{
		"sub":                "subject",
		"oid":                "object",
		"tid":                "tenant",
		"preferred_username": "ada@example.com",
		"name":               "Ada",
		"signin_state":       []string{"kmsi", "dvc_mngd"},
		"exp":                1700003600,
	})
	claims, err := ParseIDTokenClaims(raw)
	if err != nil {
		t.Fatalf("parse claims: %v", err)
	}
	if claims.TenantID() != "tenant" || claims.LocalAccountID() != "object" || claims.Username() != "ada@example.com" {
		t.Fatalf("unexpected claims %#v", claims.MapClaims)
	}
	if !claims.KeepMeSignedIn() {
		t.Fatalf("expected kmsi detection")
	}
	if claims.ExpiresAt().Unix() != 1700003600 {
		t.Fatalf("unexpected exp %v", claims.ExpiresAt())
	}
	if _, err := ParseIDTokenClaims("garbage"); err == nil {
		t.Fatalf("expected malformed token error")
	}
}

func TestClientInfoAndHomeAccountID(t *testing.T) {
	encoded := EncodeClientInfo(ClientInfo{UID: "uid", UTID: "utid"})
	info, err := DecodeClientInfo(encoded + "==")
	if err != nil {
		t.Fatalf("decode client info: %v", err)
	}
	if info.HomeAccountID() != "uid.utid" {
		t.Fatalf("unexpected home account id %q", info.HomeAccountID())
	}
	claims := IDTokenClaims{MapClaims: jwt.MapClaims{"sub": "subject"}}
	if got := HomeAccountID(encoded, AuthorityTypeMSSTS, claims); got != "uid.utid" {
		t.Fatalf("expected client info home id, got %q", got)
	}
	if got := HomeAccountID("", AuthorityTypeMSSTS, claims); got != "subject" {
		t.Fatalf("expected sub fallback, got %q", got)
	}
}

func TestMergeTenantProfiles_NeverShrinks(t *testing.T) {
	existing := []TenantProfile{{TenantID: "home", IsHomeTenant: true}, {TenantID: "guest-a"}}
	merged := MergeTenantProfiles(existing, []TenantProfile{{TenantID: "GUEST-A", Name: "updated"}, {TenantID: "guest-b"}})
	if len(merged) != 3 {
		t.Fatalf("expected three profiles, got %#v", merged)
	}
	if merged[1].Name != "updated" {
		t.Fatalf("expected incoming profile to replace existing one")
	}
}

func TestNewAccount_FromClaims(t *testing.T) {
	claims := IDTokenClaims{MapClaims: jwt.MapClaims{
		"tid":                "utid",
		"oid":                "uid",
		"preferred_username": "ada@example.com",
	}}
	account := NewAccount(AccountParams{
		HomeAccountID: "uid.utid",
		Environment:   "Login.Windows.Net",
		Claims:        claims,
		Now:           time.Unix(1700000000, 0),
	})
	if !IsAccount(account) {
		t.Fatalf("expected valid account %#v", account)
	}
	if account.Key() != "msal.2-uid.utid-login.windows.net-utid" {
		t.Fatalf("unexpected account key %q", account.Key())
	}
	if len(account.TenantProfiles) != 1 || !account.TenantProfiles[0].IsHomeTenant {
		t.Fatalf("expected home tenant profile, got %#v", account.TenantProfiles)
	}
}

func TestRequestedClaimsHash(t *testing.T) {
	if RequestedClaimsHash("") != "" {
		t.Fatalf("expected empty hash for empty claims")
	}
	a := RequestedClaimsHash(`{"access_token":{"xms_cc":{"values":["cp1"]}}}`)
	if a == "" || a == RequestedClaimsHash(`{}`) {
		t.Fatalf("expected distinct stable hash")
	}
}
