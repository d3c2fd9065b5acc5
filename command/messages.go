package command

import (
	"strings"

	"github.com/goliatone/go-auth-cache/entity"
	"github.com/goliatone/go-auth-cache/silent"
)

const (
	TypeAcquireTokenSilent = "authcache.command.token.acquire_silent"
	TypeRemoveAccount      = "authcache.command.account.remove"
	TypeSetActiveAccount   = "authcache.command.account.set_active"
	TypeClearCache         = "authcache.command.cache.clear"
	TypeMigrateSchema      = "authcache.command.cache.migrate_schema"
)

type AcquireTokenSilentMessage struct {
	Request silent.Request
}

func (AcquireTokenSilentMessage) Type() string { return TypeAcquireTokenSilent }

func (m AcquireTokenSilentMessage) Validate() error {
	if m.Request.CacheLookupPolicy < silent.PolicyDefault || m.Request.CacheLookupPolicy > silent.PolicySkip {
		return commandValidationError("cache_lookup_policy", "unknown cache lookup policy")
	}
	if m.Request.Account != nil {
		if err := validateAccount(*m.Request.Account); err != nil {
			return err
		}
	}
	for _, scope := range m.Request.Scopes {
		if strings.TrimSpace(scope) == "" {
			return commandValidationError("scopes", "scopes must not contain blank entries")
		}
	}
	return nil
}

type RemoveAccountMessage struct {
	Account entity.AccountInfo
}

func (RemoveAccountMessage) Type() string { return TypeRemoveAccount }

func (m RemoveAccountMessage) Validate() error {
	return validateAccount(m.Account)
}

// SetActiveAccountMessage clears the active account when Account is nil.
type SetActiveAccountMessage struct {
	Account *entity.AccountInfo
}

func (SetActiveAccountMessage) Type() string { return TypeSetActiveAccount }

func (m SetActiveAccountMessage) Validate() error {
	if m.Account == nil {
		return nil
	}
	return validateAccount(*m.Account)
}

type ClearCacheMessage struct{}

func (ClearCacheMessage) Type() string { return TypeClearCache }

func (ClearCacheMessage) Validate() error { return nil }

type MigrateSchemaMessage struct{}

func (MigrateSchemaMessage) Type() string { return TypeMigrateSchema }

func (MigrateSchemaMessage) Validate() error { return nil }

func validateAccount(account entity.AccountInfo) error {
	if strings.TrimSpace(account.HomeAccountID) == "" {
		return commandValidationError("home_account_id", "home account id is required")
	}
	if strings.TrimSpace(account.Environment) == "" {
		return commandValidationError("environment", "environment is required")
	}
	return nil
}
