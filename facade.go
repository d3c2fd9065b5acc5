package authcache

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	job "github.com/goliatone/go-job"

	"github.com/goliatone/go-auth-cache/adapters/gocommand"
	"github.com/goliatone/go-auth-cache/adapters/gojob"
	"github.com/goliatone/go-auth-cache/adapters/gologger"
	"github.com/goliatone/go-auth-cache/cache"
	authcommand "github.com/goliatone/go-auth-cache/command"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
	authquery "github.com/goliatone/go-auth-cache/query"
	"github.com/goliatone/go-auth-cache/schema"
	"github.com/goliatone/go-auth-cache/silent"
)

type Commands struct {
	AcquireTokenSilent *authcommand.AcquireTokenSilentCommand
	RemoveAccount      *authcommand.RemoveAccountCommand
	SetActiveAccount   *authcommand.SetActiveAccountCommand
	ClearCache         *authcommand.ClearCacheCommand
	MigrateSchema      *authcommand.MigrateSchemaCommand
}

type Queries struct {
	GetAllAccounts   *authquery.GetAllAccountsQuery
	GetAccount       *authquery.GetAccountQuery
	GetActiveAccount *authquery.GetActiveAccountQuery
}

func newHandlers(c *Client) (Commands, Queries) {
	commands := Commands{
		AcquireTokenSilent: authcommand.NewAcquireTokenSilentCommand(c.coordinator),
		RemoveAccount:      authcommand.NewRemoveAccountCommand(c.cache),
		SetActiveAccount:   authcommand.NewSetActiveAccountCommand(c.cache),
		ClearCache:         authcommand.NewClearCacheCommand(c.cache),
		MigrateSchema:      authcommand.NewMigrateSchemaCommand(c.migrator),
	}
	queries := Queries{
		GetAllAccounts:   authquery.NewGetAllAccountsQuery(c.cache),
		GetAccount:       authquery.NewGetAccountQuery(c.cache),
		GetActiveAccount: authquery.NewGetActiveAccountQuery(c.cache),
	}
	return commands, queries
}

func (c *Client) Commands() Commands {
	if c == nil {
		return Commands{}
	}
	return c.commands
}

func (c *Client) Queries() Queries {
	if c == nil {
		return Queries{}
	}
	return c.queries
}

// AcquireTokenSilent returns a token for req without user interaction,
// unless the request's policy allows the interactive fallback.
func (c *Client) AcquireTokenSilent(ctx context.Context, req silent.Request) (*silent.Result, error) {
	msg := authcommand.AcquireTokenSilentMessage{Request: req}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	collector := gocmd.NewResult[*silent.Result]()
	if err := c.Commands().AcquireTokenSilent.Execute(gocmd.ContextWithResult(ctx, collector), msg); err != nil {
		return nil, core.MapError(err)
	}
	result, _ := collector.Load()
	return result, nil
}

func (c *Client) GetAllAccounts(ctx context.Context, filter cache.AccountFilter) ([]entity.AccountInfo, error) {
	msg := authquery.GetAllAccountsMessage{Filter: filter}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	accounts, err := c.Queries().GetAllAccounts.Query(ctx, msg)
	return accounts, core.MapError(err)
}

// GetAccount returns the first account matching filter, or nil.
func (c *Client) GetAccount(ctx context.Context, filter cache.AccountFilter) (*entity.AccountInfo, error) {
	msg := authquery.GetAccountMessage{Filter: filter}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	account, err := c.Queries().GetAccount.Query(ctx, msg)
	return account, core.MapError(err)
}

func (c *Client) GetActiveAccount(ctx context.Context) (*entity.AccountInfo, error) {
	account, err := c.Queries().GetActiveAccount.Query(ctx, authquery.GetActiveAccountMessage{})
	return account, core.MapError(err)
}

// SetActiveAccount stores account as the default for silent requests
// without an account. A nil account clears it.
func (c *Client) SetActiveAccount(ctx context.Context, account *entity.AccountInfo) error {
	msg := authcommand.SetActiveAccountMessage{Account: account}
	if err := msg.Validate(); err != nil {
		return err
	}
	return mapCommandError(c.Commands().SetActiveAccount.Execute(ctx, msg))
}

func (c *Client) RemoveAccount(ctx context.Context, account entity.AccountInfo) error {
	msg := authcommand.RemoveAccountMessage{Account: account}
	if err := msg.Validate(); err != nil {
		return err
	}
	return mapCommandError(c.Commands().RemoveAccount.Execute(ctx, msg))
}

func (c *Client) ClearCache(ctx context.Context) error {
	return mapCommandError(c.Commands().ClearCache.Execute(ctx, authcommand.ClearCacheMessage{}))
}

func (c *Client) MigrateSchema(ctx context.Context) (schema.Report, error) {
	collector := gocmd.NewResult[schema.Report]()
	if err := c.Commands().MigrateSchema.Execute(gocmd.ContextWithResult(ctx, collector), authcommand.MigrateSchemaMessage{}); err != nil {
		return schema.Report{}, core.MapError(err)
	}
	report, _ := collector.Load()
	return report, nil
}

// Register adds every command and query to registrar and subscribes them to
// the go-command dispatcher. On failure the registrar's subscriptions are
// closed.
func (c *Client) Register(registrar *gocommand.Registrar) error {
	if c == nil {
		return core.ConfigurationError(core.CodeInvalidConfiguration, "authcache: client is required")
	}
	if registrar == nil {
		return core.ConfigurationError(core.CodeInvalidConfiguration, "authcache: registrar is required")
	}
	commands, queries := c.Commands(), c.Queries()
	steps := []func() error{
		func() error {
			return gocommand.RegisterCommand[authcommand.AcquireTokenSilentMessage](registrar, commands.AcquireTokenSilent)
		},
		func() error {
			return gocommand.RegisterCommand[authcommand.RemoveAccountMessage](registrar, commands.RemoveAccount)
		},
		func() error {
			return gocommand.RegisterCommand[authcommand.SetActiveAccountMessage](registrar, commands.SetActiveAccount)
		},
		func() error {
			return gocommand.RegisterCommand[authcommand.ClearCacheMessage](registrar, commands.ClearCache)
		},
		func() error {
			return gocommand.RegisterCommand[authcommand.MigrateSchemaMessage](registrar, commands.MigrateSchema)
		},
		func() error {
			return gocommand.RegisterQuery[authquery.GetAllAccountsMessage, []entity.AccountInfo](registrar, queries.GetAllAccounts)
		},
		func() error {
			return gocommand.RegisterQuery[authquery.GetAccountMessage, *entity.AccountInfo](registrar, queries.GetAccount)
		},
		func() error {
			return gocommand.RegisterQuery[authquery.GetActiveAccountMessage, *entity.AccountInfo](registrar, queries.GetActiveAccount)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			registrar.Close()
			return err
		}
	}
	return nil
}

// RefreshJobHandler replays proactive refresh jobs enqueued by this client.
func (c *Client) RefreshJobHandler(opts ...gojob.RefreshOption) (*gojob.RefreshJobHandler, error) {
	if c == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "authcache: client is required")
	}
	base := []gojob.RefreshOption{
		gojob.WithLogger(gologger.Component(gologger.JobsComponent, c.loggerProvider, c.logger)),
		gojob.WithMetricsRecorder(c.metrics),
	}
	return gojob.NewRefreshJobHandler(c.coordinator, append(base, opts...)...)
}

// WorkerHook reports go-job worker events through the client's logger and
// metrics recorder.
func (c *Client) WorkerHook() *gojob.ObservingHook {
	if c == nil {
		return gojob.NewObservingHook(nil, nil)
	}
	return gojob.NewObservingHook(gologger.Component(gologger.JobsComponent, c.loggerProvider, c.logger), c.metrics)
}

// JobLoggers returns go-job loggers backed by the client's logger
// configuration, for the worker that runs refresh jobs.
func (c *Client) JobLoggers() (job.LoggerProvider, job.Logger) {
	if c == nil {
		return gologger.ForJobs(nil, nil)
	}
	return gologger.ForJobs(c.loggerProvider, c.logger)
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	return core.MapError(err)
}
