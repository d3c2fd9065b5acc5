// Package authority resolves OAuth endpoints and environment aliases for an
// authority URL from static configuration, the cache, well-known clouds and
// the network, in that order.
package authority

import (
	"net/url"
	"strings"

	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

// MetadataSource records which tier produced a piece of authority metadata.
type MetadataSource string

const (
	SourceConfig     MetadataSource = "config"
	SourceCache      MetadataSource = "cache"
	SourceHardcoded  MetadataSource = "hardcoded_values"
	SourceNetwork    MetadataSource = "network"
	SourceHostOnly   MetadataSource = "host_only"
	SourceUnresolved MetadataSource = ""
)

// Tenant aliases that never identify a concrete tenant.
const (
	TenantCommon        = "common"
	TenantOrganizations = "organizations"
	TenantConsumers     = "consumers"
)

// URL is a parsed, normalized authority. The canonical form is lower-cased
// with a trailing slash.
type URL struct {
	Canonical    string
	Host         string
	PathSegments []string
}

// ParseURL normalizes raw into an authority URL. Only absolute https URLs
// with at least one path segment are accepted.
func ParseURL(raw string) (URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return URL{}, core.ConfigurationError(core.CodeInvalidConfiguration, "authority: url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return URL{}, core.WrapError(err, core.KindConfiguration, core.CodeInvalidConfiguration, "authority: url is malformed", map[string]any{"authority": raw})
	}
	if !strings.EqualFold(parsed.Scheme, "https") || parsed.Host == "" {
		return URL{}, core.NewError(core.KindConfiguration, core.CodeInvalidConfiguration, "authority: url must be absolute https", map[string]any{"authority": raw})
	}
	segments := []string{}
	for _, segment := range strings.Split(parsed.Path, "/") {
		if segment = strings.TrimSpace(segment); segment != "" {
			segments = append(segments, strings.ToLower(segment))
		}
	}
	if len(segments) == 0 {
		return URL{}, core.NewError(core.KindConfiguration, core.CodeInvalidConfiguration, "authority: url must include a tenant path segment", map[string]any{"authority": raw})
	}
	host := strings.ToLower(parsed.Host)
	canonical := "https://" + host + "/" + strings.Join(segments, "/") + "/"
	return URL{Canonical: canonical, Host: host, PathSegments: segments}, nil
}

// Tenant is the first path segment.
func (u URL) Tenant() string {
	if len(u.PathSegments) == 0 {
		return ""
	}
	return u.PathSegments[0]
}

// WithHost returns the same authority path on another host.
func (u URL) WithHost(host string) URL {
	host = strings.ToLower(strings.TrimSpace(host))
	return URL{
		Canonical:    "https://" + host + "/" + strings.Join(u.PathSegments, "/") + "/",
		Host:         host,
		PathSegments: append([]string(nil), u.PathSegments...),
	}
}

// DetectType classifies the authority from its host and path shape.
func DetectType(u URL, mode core.ProtocolMode) entity.AuthorityType {
	if mode == core.ProtocolModeOIDC {
		return entity.AuthorityTypeGeneric
	}
	if u.Tenant() == "adfs" {
		return entity.AuthorityTypeADFS
	}
	if strings.HasSuffix(u.Host, ".ciamlogin.com") {
		return entity.AuthorityTypeCIAM
	}
	return entity.AuthorityTypeMSSTS
}

// IsTenantAlias reports whether tenant is one of the multi-tenant aliases.
func IsTenantAlias(tenant string) bool {
	switch strings.ToLower(tenant) {
	case TenantCommon, TenantOrganizations, TenantConsumers:
		return true
	default:
		return false
	}
}

// Authority is a resolved authority: its endpoints, aliases and the sources
// that produced them.
type Authority struct {
	URL            URL
	Type           entity.AuthorityType
	ProtocolMode   core.ProtocolMode
	Metadata       entity.AuthorityMetadata
	EndpointSource MetadataSource
	AliasSource    MetadataSource
	Region         RegionDiscovery
}

func (a *Authority) CanonicalAuthority() string { return a.URL.Canonical }
func (a *Authority) Host() string               { return a.URL.Host }
func (a *Authority) Tenant() string             { return a.URL.Tenant() }

// AuthorizationEndpoint and the other endpoint accessors return the
// tenant-templated endpoint. Only the token endpoint is regional.
func (a *Authority) AuthorizationEndpoint() string {
	return a.endpoint(a.Metadata.AuthorizationEndpoint)
}

func (a *Authority) TokenEndpoint() string {
	endpoint := a.endpoint(a.Metadata.TokenEndpoint)
	if endpoint != "" && a.Region.RegionUsed != "" {
		return withQuery(replaceHost(endpoint, a.Region.RegionalHost), "allowestsrnonmsi", "true")
	}
	return endpoint
}

func (a *Authority) EndSessionEndpoint() string {
	return a.endpoint(a.Metadata.EndSessionEndpoint)
}

func (a *Authority) Issuer() string {
	return a.Metadata.Issuer
}

func (a *Authority) JwksURI() string {
	return a.endpoint(a.Metadata.JwksURI)
}

// PreferredCache is the environment host used in cache keys.
func (a *Authority) PreferredCache() string {
	if a.Metadata.PreferredCache != "" {
		return a.Metadata.PreferredCache
	}
	return a.URL.Host
}

func (a *Authority) Aliases() []string {
	if len(a.Metadata.Aliases) == 0 {
		return []string{a.URL.Host}
	}
	return append([]string(nil), a.Metadata.Aliases...)
}

// IsAlias reports whether host is a known alias of this authority.
func (a *Authority) IsAlias(host string) bool {
	for _, alias := range a.Aliases() {
		if strings.EqualFold(alias, host) {
			return true
		}
	}
	return false
}

func (a *Authority) endpoint(raw string) string {
	if raw == "" {
		return ""
	}
	return ReplaceTenant(raw, a.URL.Tenant())
}

// ReplaceTenant fills the {tenant} and {tenantid} placeholders servers put
// in multi-tenant metadata.
func ReplaceTenant(endpoint string, tenant string) string {
	if tenant == "" {
		return endpoint
	}
	replacer := strings.NewReplacer("{tenant}", tenant, "{tenantid}", tenant, "%7Btenant%7D", tenant, "%7Btenantid%7D", tenant)
	return replacer.Replace(endpoint)
}

func replaceHost(endpoint string, host string) string {
	if host == "" {
		return endpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	parsed.Host = host
	return parsed.String()
}

func withQuery(endpoint string, key string, value string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	query := parsed.Query()
	query.Set(key, value)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// canonicalPathMatches reports whether cached metadata was resolved for the
// same path shape as u. Two authorities on one host with different tenants
// must not share endpoints.
func canonicalPathMatches(metadata *entity.AuthorityMetadata, u URL) bool {
	if metadata == nil || metadata.CanonicalAuthority == "" {
		return false
	}
	cached, err := ParseURL(metadata.CanonicalAuthority)
	if err != nil {
		return false
	}
	if len(cached.PathSegments) != len(u.PathSegments) {
		return false
	}
	for i := range cached.PathSegments {
		if cached.PathSegments[i] != u.PathSegments[i] {
			return false
		}
	}
	return true
}
