package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type itemRecord struct {
	bun.BaseModel `bun:"table:authcache_items,alias:aci"`

	ID        string    `bun:"id,pk"`
	Namespace string    `bun:"namespace,notnull"`
	CacheKey  string    `bun:"cache_key,notnull"`
	Value     string    `bun:"value,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
