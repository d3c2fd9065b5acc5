package core

import "testing"

func TestRedactSensitiveMap(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"refresh_token":  "rt",
		"client_id":      "client",
		"correlation_id": "corr",
		"code":           "auth-code",
		"nested": map[string]any{
			"id_token": "jwt",
			"realm":    "tenant",
		},
	})
	if redacted["refresh_token"] != RedactedValue || redacted["code"] != RedactedValue {
		t.Fatalf("expected credentials redacted, got %#v", redacted)
	}
	if redacted["client_id"] != "client" || redacted["correlation_id"] != "corr" {
		t.Fatalf("expected identifiers kept, got %#v", redacted)
	}
	nested := redacted["nested"].(map[string]any)
	if nested["id_token"] != RedactedValue || nested["realm"] != "tenant" {
		t.Fatalf("unexpected nested redaction %#v", nested)
	}
}
