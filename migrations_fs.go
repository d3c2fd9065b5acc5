package authcache

import (
	"io/fs"

	"github.com/goliatone/go-auth-cache/migrations"
)

// GetMigrationsFS returns the SQL migration tree of the SQL cache backend,
// including sqlite alternatives under data/sql/migrations/sqlite.
func GetMigrationsFS() fs.FS {
	return migrations.FS()
}
