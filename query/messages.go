package query

import (
	"strings"

	"github.com/goliatone/go-auth-cache/cache"
)

const (
	TypeGetAllAccounts   = "authcache.query.accounts.list"
	TypeGetAccount       = "authcache.query.account.get"
	TypeGetActiveAccount = "authcache.query.account.active"
)

// GetAllAccountsMessage lists one AccountInfo per matching tenant profile.
type GetAllAccountsMessage struct {
	Filter cache.AccountFilter
}

func (GetAllAccountsMessage) Type() string { return TypeGetAllAccounts }

func (m GetAllAccountsMessage) Validate() error {
	return validateFilter(m.Filter)
}

type GetAccountMessage struct {
	Filter cache.AccountFilter
}

func (GetAccountMessage) Type() string { return TypeGetAccount }

func (m GetAccountMessage) Validate() error {
	if err := validateFilter(m.Filter); err != nil {
		return err
	}
	if isEmptyFilter(m.Filter) {
		return queryValidationError("filter", "at least one account filter is required")
	}
	return nil
}

type GetActiveAccountMessage struct{}

func (GetActiveAccountMessage) Type() string { return TypeGetActiveAccount }

func (GetActiveAccountMessage) Validate() error { return nil }

func validateFilter(filter cache.AccountFilter) error {
	if filter.HomeAccountID != "" && strings.TrimSpace(filter.HomeAccountID) != filter.HomeAccountID {
		return queryValidationError("home_account_id", "home account id must not carry surrounding whitespace")
	}
	if filter.Environment != "" && strings.ContainsAny(filter.Environment, "/ ") {
		return queryValidationError("environment", "environment must be a bare host")
	}
	return nil
}

func isEmptyFilter(filter cache.AccountFilter) bool {
	return filter.HomeAccountID == "" &&
		filter.Environment == "" &&
		filter.Realm == "" &&
		filter.Username == "" &&
		filter.NativeAccountID == "" &&
		filter.AuthorityType == "" &&
		filter.LocalAccountID == "" &&
		filter.Name == "" &&
		filter.LoginHint == "" &&
		filter.SID == "" &&
		filter.IsHomeTenant == nil
}
