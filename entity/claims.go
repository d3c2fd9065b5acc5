package entity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/goliatone/go-auth-cache/core"
)

// IDTokenClaims are the decoded claims of an ID token. Signatures are not
// verified here; the token arrives over TLS from the token endpoint.
type IDTokenClaims struct {
	jwt.MapClaims
}

// ParseIDTokenClaims decodes the payload of a compact JWT.
func ParseIDTokenClaims(raw string) (IDTokenClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return IDTokenClaims{}, core.ClientError(core.CodeInvalidTokenResponse, "id token is empty")
	}
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return IDTokenClaims{}, core.WrapError(err, core.KindClient, core.CodeInvalidTokenResponse, "id token could not be decoded", nil)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return IDTokenClaims{}, core.ClientError(core.CodeInvalidTokenResponse, "id token claims are malformed")
	}
	return IDTokenClaims{MapClaims: claims}, nil
}

func (c IDTokenClaims) String(name string) string {
	if c.MapClaims == nil {
		return ""
	}
	switch value := c.MapClaims[name].(type) {
	case string:
		return strings.TrimSpace(value)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(value))
	}
}

func (c IDTokenClaims) Strings(name string) []string {
	if c.MapClaims == nil {
		return nil
	}
	switch value := c.MapClaims[name].(type) {
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return append([]string(nil), value...)
	case string:
		if strings.TrimSpace(value) == "" {
			return nil
		}
		return []string{value}
	default:
		return nil
	}
}

func (c IDTokenClaims) TenantID() string { return c.String("tid") }
func (c IDTokenClaims) ObjectID() string { return c.String("oid") }
func (c IDTokenClaims) Name() string     { return c.String("name") }
func (c IDTokenClaims) Nonce() string    { return c.String("nonce") }
func (c IDTokenClaims) SID() string      { return c.String("sid") }

func (c IDTokenClaims) Sub() string {
	sub, _ := c.GetSubject()
	return strings.TrimSpace(sub)
}

func (c IDTokenClaims) LoginHint() string { return c.String("login_hint") }

// Username picks preferred_username, then upn, then the first email.
func (c IDTokenClaims) Username() string {
	for _, name := range []string{"preferred_username", "upn"} {
		if value := c.String(name); value != "" {
			return value
		}
	}
	if emails := c.Strings("emails"); len(emails) > 0 {
		return emails[0]
	}
	return c.String("email")
}

// LocalAccountID is the oid claim, falling back to sub.
func (c IDTokenClaims) LocalAccountID() string {
	if oid := c.ObjectID(); oid != "" {
		return oid
	}
	return c.Sub()
}

// KeepMeSignedIn reports whether signin_state includes kmsi.
func (c IDTokenClaims) KeepMeSignedIn() bool {
	for _, state := range c.Strings("signin_state") {
		if strings.EqualFold(state, "kmsi") {
			return true
		}
	}
	return false
}

func (c IDTokenClaims) ExpiresAt() time.Time {
	exp, err := c.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.UTC()
}

// Map returns a copy of the raw claims.
func (c IDTokenClaims) Map() map[string]any {
	out := make(map[string]any, len(c.MapClaims))
	for key, value := range c.MapClaims {
		out[key] = value
	}
	return out
}

// ClientInfo is the decoded client_info response parameter.
type ClientInfo struct {
	UID  string `json:"uid"`
	UTID string `json:"utid"`
}

// DecodeClientInfo decodes base64url client_info, padded or not.
func DecodeClientInfo(raw string) (ClientInfo, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ClientInfo{}, core.ClientError(core.CodeInvalidTokenResponse, "client_info is empty")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
	if err != nil {
		return ClientInfo{}, core.WrapError(err, core.KindClient, core.CodeInvalidTokenResponse, "client_info is not base64url", nil)
	}
	var info ClientInfo
	if err := json.Unmarshal(decoded, &info); err != nil {
		return ClientInfo{}, core.WrapError(err, core.KindClient, core.CodeInvalidTokenResponse, "client_info is not json", nil)
	}
	return info, nil
}

func (i ClientInfo) HomeAccountID() string {
	if i.UID == "" || i.UTID == "" {
		return ""
	}
	return i.UID + "." + i.UTID
}

// EncodeClientInfo is the inverse of DecodeClientInfo.
func EncodeClientInfo(info ClientInfo) string {
	raw, _ := json.Marshal(info)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// HomeAccountID derives the home account id from client_info when present
// and otherwise from the sub claim.
func HomeAccountID(clientInfo string, authorityType AuthorityType, claims IDTokenClaims) string {
	if clientInfo != "" && authorityType != AuthorityTypeADFS {
		if info, err := DecodeClientInfo(clientInfo); err == nil {
			if id := info.HomeAccountID(); id != "" {
				return id
			}
		}
	}
	return claims.Sub()
}
