package authority

import (
	"slices"
	"strings"
)

// CloudInstance is one entry of instance discovery metadata.
type CloudInstance struct {
	PreferredNetwork string   `json:"preferred_network"`
	PreferredCache   string   `json:"preferred_cache"`
	Aliases          []string `json:"aliases"`
}

// InstanceDiscoveryResponse is the body of the instance discovery endpoint,
// also accepted verbatim as cloud discovery configuration.
type InstanceDiscoveryResponse struct {
	TenantDiscoveryEndpoint string          `json:"tenant_discovery_endpoint"`
	Metadata                []CloudInstance `json:"metadata"`
	Error                   string          `json:"error,omitempty"`
	ErrorDescription        string          `json:"error_description,omitempty"`
}

// Find returns the instance listing host among its aliases.
func (r InstanceDiscoveryResponse) Find(host string) (CloudInstance, bool) {
	for _, instance := range r.Metadata {
		for _, alias := range instance.Aliases {
			if strings.EqualFold(alias, host) {
				return instance, true
			}
		}
	}
	return CloudInstance{}, false
}

// KnownClouds are the sovereign and public clouds whose aliases never need
// network discovery.
var KnownClouds = []CloudInstance{
	{
		PreferredNetwork: "login.microsoftonline.com",
		PreferredCache:   "login.windows.net",
		Aliases:          []string{"login.microsoftonline.com", "login.windows.net", "login.microsoft.com", "sts.windows.net"},
	},
	{
		PreferredNetwork: "login.partner.microsoftonline.cn",
		PreferredCache:   "login.partner.microsoftonline.cn",
		Aliases:          []string{"login.partner.microsoftonline.cn", "login.chinacloudapi.cn"},
	},
	{
		PreferredNetwork: "login.microsoftonline.de",
		PreferredCache:   "login.microsoftonline.de",
		Aliases:          []string{"login.microsoftonline.de"},
	},
	{
		PreferredNetwork: "login.microsoftonline.us",
		PreferredCache:   "login.microsoftonline.us",
		Aliases:          []string{"login.microsoftonline.us", "login.usgovcloudapi.net"},
	},
	{
		PreferredNetwork: "login-us.microsoftonline.com",
		PreferredCache:   "login-us.microsoftonline.com",
		Aliases:          []string{"login-us.microsoftonline.com"},
	},
}

// publicCloudHosts are rewritten to <region>.login.microsoft.com for
// regional requests.
var publicCloudHosts = KnownClouds[0].Aliases

func knownCloud(host string) (CloudInstance, bool) {
	for _, instance := range KnownClouds {
		if slices.ContainsFunc(instance.Aliases, func(alias string) bool { return strings.EqualFold(alias, host) }) {
			return instance, true
		}
	}
	return CloudInstance{}, false
}

func isPublicCloudHost(host string) bool {
	return slices.ContainsFunc(publicCloudHosts, func(alias string) bool { return strings.EqualFold(alias, host) })
}

// EndpointMetadata is the subset of an OpenID configuration document the
// resolver needs.
type EndpointMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint,omitempty"`
	Issuer                string `json:"issuer"`
	JwksURI               string `json:"jwks_uri,omitempty"`
}

func (m EndpointMetadata) complete() bool {
	return m.AuthorizationEndpoint != "" && m.TokenEndpoint != "" && m.Issuer != ""
}

// hardcodedEndpoints returns the well-known v2.0 endpoints for multi-tenant
// aliases on a known cloud host.
func hardcodedEndpoints(u URL) (EndpointMetadata, bool) {
	if len(u.PathSegments) != 1 || !IsTenantAlias(u.Tenant()) {
		return EndpointMetadata{}, false
	}
	if _, ok := knownCloud(u.Host); !ok {
		return EndpointMetadata{}, false
	}
	base := "https://" + u.Host + "/" + u.Tenant()
	issuer := "https://" + u.Host + "/{tenantid}/v2.0"
	if u.Tenant() == TenantConsumers {
		issuer = "https://" + u.Host + "/9188040d-6c67-4c5b-b112-36a304b66dad/v2.0"
	}
	return EndpointMetadata{
		AuthorizationEndpoint: base + "/oauth2/v2.0/authorize",
		TokenEndpoint:         base + "/oauth2/v2.0/token",
		EndSessionEndpoint:    base + "/oauth2/v2.0/logout",
		Issuer:                issuer,
		JwksURI:               base + "/discovery/v2.0/keys",
	}, true
}
