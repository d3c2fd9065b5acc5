// Package core holds the cache's ports, configuration, error taxonomy and
// observability helpers. Storage, transport and job adapters depend on
// core; core depends on none of them.
package core
