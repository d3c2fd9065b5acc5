package throttle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"

	"github.com/goliatone/go-auth-cache/cachekey"
)

// Thumbprint identifies a token request for throttling and for in-flight
// deduplication. Two requests with equal thumbprints are interchangeable.
type Thumbprint struct {
	ClientID              string   `json:"clientId"`
	Authority             string   `json:"authority"`
	Scopes                []string `json:"scopes"`
	HomeAccountID         string   `json:"homeAccountIdentifier,omitempty"`
	Claims                string   `json:"claims,omitempty"`
	AuthenticationScheme  string   `json:"authenticationScheme,omitempty"`
	ResourceRequestMethod string   `json:"resourceRequestMethod,omitempty"`
	ResourceRequestURI    string   `json:"resourceRequestUri,omitempty"`
	ShrClaims             string   `json:"shrClaims,omitempty"`
	SSHKeyID              string   `json:"sshKid,omitempty"`
	EmbeddedClientID      string   `json:"embeddedClientId,omitempty"`
}

// Normalize lower-cases the authority and scopes and sorts the scopes so the
// thumbprint does not depend on request spelling or order.
func (t Thumbprint) Normalize() Thumbprint {
	out := t
	out.ClientID = strings.TrimSpace(t.ClientID)
	out.Authority = strings.ToLower(strings.TrimSpace(t.Authority))
	out.AuthenticationScheme = strings.ToLower(strings.TrimSpace(t.AuthenticationScheme))
	out.ResourceRequestMethod = strings.ToUpper(strings.TrimSpace(t.ResourceRequestMethod))
	seen := map[string]bool{}
	normalized := make([]string, 0, len(t.Scopes))
	for _, scope := range t.Scopes {
		scope = strings.ToLower(strings.TrimSpace(scope))
		if scope == "" || seen[scope] {
			continue
		}
		seen[scope] = true
		normalized = append(normalized, scope)
	}
	slices.Sort(normalized)
	out.Scopes = normalized
	return out
}

// JSON is the canonical encoding used in throttling keys.
func (t Thumbprint) JSON() string {
	raw, _ := json.Marshal(t.Normalize())
	return string(raw)
}

func (t Thumbprint) Key() string {
	return cachekey.ThrottlingKey(t.JSON())
}

// Hash is a fixed-length digest of the canonical encoding.
func (t Thumbprint) Hash() string {
	sum := sha256.Sum256([]byte(t.JSON()))
	return hex.EncodeToString(sum[:])
}
