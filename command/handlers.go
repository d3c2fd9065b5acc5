// Package command exposes the mutating cache operations as go-command
// commands. Commands that produce a value store it in the result collector
// carried by the context.
package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-auth-cache/entity"
	"github.com/goliatone/go-auth-cache/schema"
	"github.com/goliatone/go-auth-cache/silent"
)

type TokenAcquirer interface {
	AcquireToken(ctx context.Context, req silent.Request) (*silent.Result, error)
}

type AccountMutator interface {
	RemoveAccount(ctx context.Context, account entity.AccountInfo) error
	SetActiveAccount(ctx context.Context, account *entity.AccountInfo) error
}

type CacheClearer interface {
	Clear(ctx context.Context) error
}

type SchemaMigrator interface {
	Migrate(ctx context.Context) (schema.Report, error)
}

type AcquireTokenSilentCommand struct {
	acquirer TokenAcquirer
}

func NewAcquireTokenSilentCommand(acquirer TokenAcquirer) *AcquireTokenSilentCommand {
	return &AcquireTokenSilentCommand{acquirer: acquirer}
}

func (c *AcquireTokenSilentCommand) Execute(ctx context.Context, msg AcquireTokenSilentMessage) error {
	if c == nil || c.acquirer == nil {
		return commandDependencyError("command: token acquirer is required")
	}
	out, err := c.acquirer.AcquireToken(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RemoveAccountCommand struct {
	accounts AccountMutator
}

func NewRemoveAccountCommand(accounts AccountMutator) *RemoveAccountCommand {
	return &RemoveAccountCommand{accounts: accounts}
}

func (c *RemoveAccountCommand) Execute(ctx context.Context, msg RemoveAccountMessage) error {
	if c == nil || c.accounts == nil {
		return commandDependencyError("command: account store is required")
	}
	return c.accounts.RemoveAccount(ctx, msg.Account)
}

type SetActiveAccountCommand struct {
	accounts AccountMutator
}

func NewSetActiveAccountCommand(accounts AccountMutator) *SetActiveAccountCommand {
	return &SetActiveAccountCommand{accounts: accounts}
}

func (c *SetActiveAccountCommand) Execute(ctx context.Context, msg SetActiveAccountMessage) error {
	if c == nil || c.accounts == nil {
		return commandDependencyError("command: account store is required")
	}
	return c.accounts.SetActiveAccount(ctx, msg.Account)
}

type ClearCacheCommand struct {
	cache CacheClearer
}

func NewClearCacheCommand(cache CacheClearer) *ClearCacheCommand {
	return &ClearCacheCommand{cache: cache}
}

func (c *ClearCacheCommand) Execute(ctx context.Context, _ ClearCacheMessage) error {
	if c == nil || c.cache == nil {
		return commandDependencyError("command: cache is required")
	}
	return c.cache.Clear(ctx)
}

type MigrateSchemaCommand struct {
	migrator SchemaMigrator
}

func NewMigrateSchemaCommand(migrator SchemaMigrator) *MigrateSchemaCommand {
	return &MigrateSchemaCommand{migrator: migrator}
}

func (c *MigrateSchemaCommand) Execute(ctx context.Context, _ MigrateSchemaMessage) error {
	if c == nil || c.migrator == nil {
		return commandDependencyError("command: schema migrator is required")
	}
	report, err := c.migrator.Migrate(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, report)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
