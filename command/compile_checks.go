package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[AcquireTokenSilentMessage] = (*AcquireTokenSilentCommand)(nil)
	_ gocmd.Commander[RemoveAccountMessage]      = (*RemoveAccountCommand)(nil)
	_ gocmd.Commander[SetActiveAccountMessage]   = (*SetActiveAccountCommand)(nil)
	_ gocmd.Commander[ClearCacheMessage]         = (*ClearCacheCommand)(nil)
	_ gocmd.Commander[MigrateSchemaMessage]      = (*MigrateSchemaCommand)(nil)
)
