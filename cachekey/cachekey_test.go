package cachekey

import "testing"

func TestCredentialKey_Layout(t *testing.T) {
	key := CredentialKey(CredentialParts{
		HomeAccountID:       "UID.UTID",
		Environment:         "login.windows.net",
		CredentialType:      CredentialAccessToken,
		ClientID:            "Client-A",
		Realm:               "UTID",
		Target:              "User.Read Mail.Read",
		RequestedClaimsHash: "",
		TokenType:           "Bearer",
	})
	want := "msal.10-uid.utid-login.windows.net-accesstoken-client-a-utid-user.read mail.read--"
	if key != want {
		t.Fatalf("unexpected key\nwant %q\ngot  %q", want, key)
	}
}

func TestCredentialKey_PartitionsBySchemeClaimsAndFamily(t *testing.T) {
	base := CredentialParts{
		HomeAccountID:  "uid.utid",
		Environment:    "login.windows.net",
		CredentialType: CredentialAccessTokenWithAuthScheme,
		ClientID:       "client",
		Realm:          "utid",
		Target:         "user.read",
		TokenType:      "pop",
	}
	pop := CredentialKey(base)
	withClaims := base
	withClaims.RequestedClaimsHash = "abc"
	if CredentialKey(withClaims) == pop {
		t.Fatalf("expected claims hash to partition keys")
	}
	ssh := base
	ssh.TokenType = SchemeSSH
	if CredentialKey(ssh) == pop {
		t.Fatalf("expected scheme to partition keys")
	}

	rt := CredentialParts{
		HomeAccountID:  "uid.utid",
		Environment:    "login.windows.net",
		CredentialType: CredentialRefreshToken,
		ClientID:       "client",
		FamilyID:       "1",
	}
	if got := CredentialKey(rt); got != "msal.10-uid.utid-login.windows.net-refreshtoken-1----" {
		t.Fatalf("unexpected family refresh token key %q", got)
	}
	// family id only rewrites refresh token keys
	idt := rt
	idt.CredentialType = CredentialIDToken
	if got := CredentialKey(idt); got != "msal.10-uid.utid-login.windows.net-idtoken-client----" {
		t.Fatalf("unexpected id token key %q", got)
	}
}

func TestAccountAndIndexKeys(t *testing.T) {
	if got := AccountKey("UID.UTID", "login.windows.net", "UTID"); got != "msal.2-uid.utid-login.windows.net-utid" {
		t.Fatalf("unexpected account key %q", got)
	}
	if got := VersionedAccountKey(LegacySchemaVersion, "uid.utid", "login.windows.net", "utid"); got != "uid.utid-login.windows.net-utid" {
		t.Fatalf("unexpected legacy account key %q", got)
	}
	if AccountIndexKey(0) != "msal.account.keys" || AccountIndexKey(2) != "msal.2.account.keys" {
		t.Fatalf("unexpected account index keys")
	}
	if TokenIndexKey(10, "client") != "msal.10.token.keys.client" || TokenIndexKey(0, "client") != "msal.token.keys.client" {
		t.Fatalf("unexpected token index keys")
	}
	if AppMetadataKey("Login.Windows.Net", "Client") != "appmetadata-login.windows.net-client" {
		t.Fatalf("unexpected app metadata key")
	}
	if AuthorityMetadataKey("client", "login.microsoftonline.com") != "authority-metadata-client-login.microsoftonline.com" {
		t.Fatalf("unexpected authority metadata key")
	}
}

func TestParseIndexVersions(t *testing.T) {
	cases := []struct {
		key  string
		want int
		ok   bool
	}{
		{key: "msal.token.keys.client", want: 0, ok: true},
		{key: "msal.10.token.keys.client", want: 10, ok: true},
		{key: "msal.9.token.keys.client", want: 9, ok: true},
		{key: "msal.x.token.keys.client", ok: false},
		{key: "msal.10.token.keys.other", ok: false},
	}
	for _, tc := range cases {
		got, ok := ParseTokenIndexVersion(tc.key, "client")
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%s: expected (%d,%v), got (%d,%v)", tc.key, tc.want, tc.ok, got, ok)
		}
	}
	if v, ok := ParseAccountIndexVersion("msal.2.account.keys"); !ok || v != 2 {
		t.Fatalf("expected account index version 2")
	}
	if KeyVersion("msal.10-uid-env-accesstoken-client-realm-scope--") != 10 {
		t.Fatalf("expected key version 10")
	}
	if KeyVersion("uid-env-accesstoken-client-realm-scope") != 0 {
		t.Fatalf("expected legacy key version")
	}
}

func TestScopeContainment(t *testing.T) {
	key := "msal.10-uid-env-accesstoken-client-realm-user.read mail.read--"
	if !ContainsAllScopes(key, []string{"User.Read", "mail.read"}) {
		t.Fatalf("expected all scopes present")
	}
	if ContainsAllScopes(key, []string{"user.read", "files.read"}) {
		t.Fatalf("expected missing scope to fail superset check")
	}
	if !ContainsAnyScope(key, []string{"files.read", "mail.read"}) {
		t.Fatalf("expected overlap check to pass")
	}
	if !Contains(key, "") {
		t.Fatalf("expected empty filter value to match")
	}
}

func TestIsLibraryKey(t *testing.T) {
	for _, key := range []string{
		"msal.2-uid-env-tenant",
		"msal.client.active-account.filters",
		"appmetadata-env-client",
		"authority-metadata-client-host",
		`throttling.{"clientId":"client"}`,
		"server-telemetry-client",
	} {
		if !IsLibraryKey(key, "client") {
			t.Fatalf("expected %q to be a library key", key)
		}
	}
	if IsLibraryKey("unrelated", "client") {
		t.Fatalf("expected foreign key to be ignored")
	}
}
