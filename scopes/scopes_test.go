package scopes

import (
	"testing"

	"github.com/goliatone/go-auth-cache/core"
)

func mustSet(t *testing.T, scopes ...string) *Set {
	t.Helper()
	set, err := New(scopes)
	if err != nil {
		t.Fatalf("new scope set: %v", err)
	}
	return set
}

func TestNew_RejectsEmpty(t *testing.T) {
	_, err := New([]string{"", "  "})
	if err == nil {
		t.Fatalf("expected empty scope set error")
	}
	if core.ErrorCode(err) != core.CodeEmptyScopes {
		t.Fatalf("expected empty scopes code, got %q", core.ErrorCode(err))
	}
	if _, err := Parse("   "); err == nil {
		t.Fatalf("expected parse of blank string to fail")
	}
}

func TestContainsSet_CaseInsensitiveAndReflexive(t *testing.T) {
	upper := mustSet(t, "Mail.Read")
	lower := mustSet(t, "mail.read")
	if !upper.ContainsSet(lower) || !lower.ContainsSet(upper) {
		t.Fatalf("expected case-insensitive containment")
	}
	if !upper.ContainsSet(upper) {
		t.Fatalf("expected reflexive containment")
	}

	superset := mustSet(t, "A", "B")
	if !superset.ContainsSet(mustSet(t, "a")) {
		t.Fatalf("expected superset to contain subset")
	}
	if mustSet(t, "a").ContainsSet(superset) {
		t.Fatalf("expected subset not to contain superset")
	}
}

func TestSet_DeduplicatesAndKeepsOriginalSpelling(t *testing.T) {
	set, err := Parse(" User.Read  user.read Files.Read ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected two scopes, got %d", set.Len())
	}
	if set.String() != "User.Read Files.Read" {
		t.Fatalf("unexpected printable form %q", set.String())
	}
	if set.LowerString() != "user.read files.read" {
		t.Fatalf("unexpected key form %q", set.LowerString())
	}
}

func TestIntersects_StripsDefaultScopesFromOther(t *testing.T) {
	cached := mustSet(t, "openid", "profile", "user.read")
	if cached.Intersects(mustSet(t, "openid", "mail.read")) {
		t.Fatalf("expected default scopes alone not to count as overlap")
	}
	if !cached.Intersects(mustSet(t, "USER.READ", "offline_access")) {
		t.Fatalf("expected overlap on user.read")
	}
	if !cached.Intersects(mustSet(t, "openid", "profile")) {
		t.Fatalf("expected oidc-only other set to keep its scopes")
	}
}

func TestCreateSearchScopes(t *testing.T) {
	defaults := CreateSearchScopes(nil)
	if defaults.LowerString() != "openid profile" {
		t.Fatalf("expected oidc defaults minus offline_access, got %q", defaults.LowerString())
	}
	mixed := CreateSearchScopes([]string{"openid", "User.Read", "offline_access"})
	if mixed.LowerString() != "user.read" {
		t.Fatalf("expected oidc scopes stripped, got %q", mixed.LowerString())
	}
}

func TestRemove_EmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on empty scope removal")
		}
	}()
	mustSet(t, "a").Remove("")
}
