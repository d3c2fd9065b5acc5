package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-auth-cache/entity"
)

var (
	_ gocmd.Querier[GetAllAccountsMessage, []entity.AccountInfo]  = (*GetAllAccountsQuery)(nil)
	_ gocmd.Querier[GetAccountMessage, *entity.AccountInfo]       = (*GetAccountQuery)(nil)
	_ gocmd.Querier[GetActiveAccountMessage, *entity.AccountInfo] = (*GetActiveAccountQuery)(nil)
)
