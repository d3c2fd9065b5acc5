// Package query exposes read-only account lookups as go-command queries.
package query

import (
	"context"

	"github.com/goliatone/go-auth-cache/cache"
	"github.com/goliatone/go-auth-cache/entity"
)

type AccountReader interface {
	GetAllAccounts(ctx context.Context, filter cache.AccountFilter) ([]entity.AccountInfo, error)
	GetAccountInfo(ctx context.Context, filter cache.AccountFilter) (*entity.AccountInfo, error)
	GetActiveAccount(ctx context.Context) (*entity.AccountInfo, error)
}

type GetAllAccountsQuery struct {
	reader AccountReader
}

func NewGetAllAccountsQuery(reader AccountReader) *GetAllAccountsQuery {
	return &GetAllAccountsQuery{reader: reader}
}

func (q *GetAllAccountsQuery) Query(ctx context.Context, msg GetAllAccountsMessage) ([]entity.AccountInfo, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: account reader is required")
	}
	return q.reader.GetAllAccounts(ctx, msg.Filter)
}

type GetAccountQuery struct {
	reader AccountReader
}

func NewGetAccountQuery(reader AccountReader) *GetAccountQuery {
	return &GetAccountQuery{reader: reader}
}

// Query returns nil when no account matches.
func (q *GetAccountQuery) Query(ctx context.Context, msg GetAccountMessage) (*entity.AccountInfo, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: account reader is required")
	}
	return q.reader.GetAccountInfo(ctx, msg.Filter)
}

type GetActiveAccountQuery struct {
	reader AccountReader
}

func NewGetActiveAccountQuery(reader AccountReader) *GetActiveAccountQuery {
	return &GetActiveAccountQuery{reader: reader}
}

func (q *GetActiveAccountQuery) Query(ctx context.Context, _ GetActiveAccountMessage) (*entity.AccountInfo, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: account reader is required")
	}
	return q.reader.GetActiveAccount(ctx)
}
