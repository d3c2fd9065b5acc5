package silent

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

// RefreshJobParameters encodes the request a proactive refresh job replays.
// Only identifying fields are kept; secrets never enter job payloads.
func RefreshJobParameters(req Request, account entity.AccountInfo) map[string]any {
	params := map[string]any{
		"home_account_id":  account.HomeAccountID,
		"environment":      account.Environment,
		"tenant_id":        account.TenantID,
		"local_account_id": account.LocalAccountID,
		"username":         account.Username,
		"scopes":           append([]string(nil), req.Scopes...),
		"authority":        req.Authority,
	}
	setIfPresent(params, "claims", req.Claims)
	setIfPresent(params, "authentication_scheme", req.AuthenticationScheme)
	setIfPresent(params, "resource_request_method", req.ResourceRequestMethod)
	setIfPresent(params, "resource_request_uri", req.ResourceRequestURI)
	setIfPresent(params, "ssh_jwk", req.SSHJwk)
	setIfPresent(params, "ssh_key_id", req.SSHKeyID)
	return params
}

// RequestFromJobParameters rebuilds a refresh-only request from job
// parameters.
func RequestFromJobParameters(params map[string]any) (Request, error) {
	homeAccountID := stringParam(params, "home_account_id")
	if homeAccountID == "" {
		return Request{}, core.ClientError(core.CodeNoAccount, "silent: refresh job has no home_account_id")
	}
	scopes, err := stringsParam(params, "scopes")
	if err != nil {
		return Request{}, err
	}
	account := &entity.AccountInfo{
		HomeAccountID:  homeAccountID,
		Environment:    stringParam(params, "environment"),
		TenantID:       stringParam(params, "tenant_id"),
		LocalAccountID: stringParam(params, "local_account_id"),
		Username:       stringParam(params, "username"),
	}
	return Request{
		Account:               account,
		Scopes:                scopes,
		Authority:             stringParam(params, "authority"),
		Claims:                stringParam(params, "claims"),
		AuthenticationScheme:  stringParam(params, "authentication_scheme"),
		ResourceRequestMethod: stringParam(params, "resource_request_method"),
		ResourceRequestURI:    stringParam(params, "resource_request_uri"),
		SSHJwk:                stringParam(params, "ssh_jwk"),
		SSHKeyID:              stringParam(params, "ssh_key_id"),
		CacheLookupPolicy:     PolicyRefreshToken,
	}, nil
}

func setIfPresent(params map[string]any, key string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		params[key] = value
	}
}

func stringParam(params map[string]any, key string) string {
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

// stringsParam accepts []string, []any (as decoded from JSON) or a space
// delimited string.
func stringsParam(params map[string]any, key string) ([]string, error) {
	switch value := params[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return append([]string(nil), value...), nil
	case string:
		return strings.Fields(value), nil
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			text, ok := item.(string)
			if !ok {
				return nil, core.NewError(core.KindClient, core.CodeEmptyScopes, "silent: refresh job scopes must be strings", map[string]any{"key": key})
			}
			out = append(out, text)
		}
		return out, nil
	default:
		return nil, core.NewError(core.KindClient, core.CodeEmptyScopes, "silent: refresh job scopes are malformed", map[string]any{"key": key})
	}
}
