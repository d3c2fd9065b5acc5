package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

const DefaultMetadataTTL = 24 * time.Hour

// MetadataStore persists resolved metadata per authority host. The cache
// manager implements it.
type MetadataStore interface {
	GetAuthorityMetadata(ctx context.Context, host string) (*entity.AuthorityMetadata, error)
	SetAuthorityMetadata(ctx context.Context, host string, metadata *entity.AuthorityMetadata) error
}

// Options are the authority settings taken from core.Config.
type Options struct {
	ProtocolMode           core.ProtocolMode
	KnownAuthorities       []string
	CloudDiscoveryMetadata string
	AuthorityMetadata      string
	AzureRegion            string
	MetadataTTL            time.Duration
	NetworkTimeout         time.Duration
}

func OptionsFromConfig(cfg core.Config) Options {
	return Options{
		ProtocolMode:           cfg.ProtocolMode,
		KnownAuthorities:       append([]string(nil), cfg.KnownAuthorities...),
		CloudDiscoveryMetadata: cfg.CloudDiscoveryMetadata,
		AuthorityMetadata:      cfg.AuthorityMetadata,
		AzureRegion:            cfg.AzureRegion,
		MetadataTTL:            cfg.AuthorityMetadataTTL(),
		NetworkTimeout:         cfg.NetworkTimeout(),
	}
}

type Resolver struct {
	store    MetadataStore
	network  core.NetworkClient
	options  Options
	clock    core.Clock
	logger   core.Logger
	metrics  core.MetricsRecorder
	observer *core.Observer
	region   *RegionDetector

	staticEndpoints *EndpointMetadata
	staticDiscovery *InstanceDiscoveryResponse

	group singleflight.Group

	mu      sync.RWMutex
	aliases map[string][]string

	regionMu       sync.Mutex
	regionDetected bool
	regionName     string
	regionSource   RegionSource
}

type ResolverOption func(*Resolver)

func WithLogger(logger core.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) ResolverOption {
	return func(r *Resolver) {
		r.metrics = recorder
	}
}

func WithClock(clock core.Clock) ResolverOption {
	return func(r *Resolver) {
		r.clock = core.ResolveClock(clock)
	}
}

func WithRegionDetector(detector *RegionDetector) ResolverOption {
	return func(r *Resolver) {
		r.region = detector
	}
}

func NewResolver(store MetadataStore, network core.NetworkClient, options Options, opts ...ResolverOption) (*Resolver, error) {
	if options.MetadataTTL <= 0 {
		options.MetadataTTL = DefaultMetadataTTL
	}
	if options.ProtocolMode == "" {
		options.ProtocolMode = core.ProtocolModeAAD
	}
	r := &Resolver{
		store:   store,
		network: network,
		options: options,
		clock:   core.SystemClock,
		aliases: map[string][]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.observer = core.NewObserver("authcache.authority", r.logger, r.metrics, r.clock)
	if r.region == nil {
		r.region = NewRegionDetector(network, r.observer)
	}

	if raw := strings.TrimSpace(options.AuthorityMetadata); raw != "" {
		var endpoints EndpointMetadata
		if err := json.Unmarshal([]byte(raw), &endpoints); err != nil || !endpoints.complete() {
			return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "authority: authority_metadata is not a valid openid configuration")
		}
		r.staticEndpoints = &endpoints
	}
	if raw := strings.TrimSpace(options.CloudDiscoveryMetadata); raw != "" {
		var discovery InstanceDiscoveryResponse
		if err := json.Unmarshal([]byte(raw), &discovery); err != nil {
			return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "authority: cloud_discovery_metadata is malformed")
		}
		r.staticDiscovery = &discovery
		for _, instance := range discovery.Metadata {
			r.rememberAliases(instance.Aliases)
		}
	}
	for _, instance := range KnownClouds {
		r.rememberAliases(instance.Aliases)
	}
	return r, nil
}

// Resolve returns the endpoints and aliases for raw. Concurrent calls for
// the same canonical authority share one resolution.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Authority, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	value, err, _ := r.group.Do(u.Canonical, func() (any, error) {
		return r.resolve(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	resolved := *value.(*Authority)
	return &resolved, nil
}

func (r *Resolver) resolve(ctx context.Context, u URL) (*Authority, error) {
	startedAt := r.clock()
	authorityType := DetectType(u, r.options.ProtocolMode)

	var cached *entity.AuthorityMetadata
	if r.store != nil {
		found, err := r.store.GetAuthorityMetadata(ctx, u.Host)
		if err != nil {
			r.observer.Warn(ctx, "cached authority metadata unavailable", map[string]any{"environment": u.Host, "error": err.Error()})
		}
		if found != nil && !found.IsExpired(startedAt) {
			cached = found
		}
	}

	metadata := entity.AuthorityMetadata{CanonicalAuthority: u.Canonical}
	if cached != nil {
		metadata.ExpiresAt = cached.ExpiresAt
	}
	endpointSource, err := r.resolveEndpoints(ctx, u, authorityType, cached, &metadata)
	if err == nil {
		var aliasSource MetadataSource
		aliasSource, err = r.resolveAliases(ctx, u, authorityType, cached, &metadata)
		if err == nil {
			authority := &Authority{
				URL:            u,
				Type:           authorityType,
				ProtocolMode:   r.options.ProtocolMode,
				Metadata:       metadata,
				EndpointSource: endpointSource,
				AliasSource:    aliasSource,
			}
			r.persist(ctx, u.Host, authority, startedAt)
			r.rememberAliases(metadata.Aliases)
			authority.Region = r.regionFor(ctx, authority)
			r.observer.Observe(ctx, startedAt, "resolve", nil, map[string]any{
				"environment":     u.Host,
				"source":          string(endpointSource),
				"alias_source":    string(aliasSource),
				"region_used":     authority.Region.RegionUsed,
				"region_source":   string(authority.Region.RegionSource),
				"authority_type":  string(authorityType),
				"canonical_realm": u.Tenant(),
			})
			return authority, nil
		}
	}
	r.observer.Observe(ctx, startedAt, "resolve", err, map[string]any{"environment": u.Host})
	return nil, err
}

func (r *Resolver) resolveEndpoints(ctx context.Context, u URL, authorityType entity.AuthorityType, cached *entity.AuthorityMetadata, out *entity.AuthorityMetadata) (MetadataSource, error) {
	if r.staticEndpoints != nil {
		applyEndpoints(out, *r.staticEndpoints, false)
		return SourceConfig, nil
	}
	if cached != nil && cached.HasEndpoints() && canonicalPathMatches(cached, u) {
		applyEndpoints(out, EndpointMetadata{
			AuthorizationEndpoint: cached.AuthorizationEndpoint,
			TokenEndpoint:         cached.TokenEndpoint,
			EndSessionEndpoint:    cached.EndSessionEndpoint,
			Issuer:                cached.Issuer,
			JwksURI:               cached.JwksURI,
		}, cached.EndpointsFromNetwork)
		return SourceCache, nil
	}
	if r.options.ProtocolMode != core.ProtocolModeOIDC {
		if endpoints, ok := hardcodedEndpoints(u); ok {
			applyEndpoints(out, endpoints, false)
			return SourceHardcoded, nil
		}
	}
	endpoints, err := r.fetchOpenIDConfiguration(ctx, u, authorityType)
	if err != nil {
		return SourceUnresolved, err
	}
	applyEndpoints(out, endpoints, true)
	return SourceNetwork, nil
}

func applyEndpoints(out *entity.AuthorityMetadata, endpoints EndpointMetadata, fromNetwork bool) {
	out.AuthorizationEndpoint = endpoints.AuthorizationEndpoint
	out.TokenEndpoint = endpoints.TokenEndpoint
	out.EndSessionEndpoint = endpoints.EndSessionEndpoint
	out.Issuer = endpoints.Issuer
	out.JwksURI = endpoints.JwksURI
	out.EndpointsFromNetwork = fromNetwork
}

// OpenIDConfigurationURL is the discovery document location for u.
func OpenIDConfigurationURL(u URL, authorityType entity.AuthorityType) string {
	switch authorityType {
	case entity.AuthorityTypeMSSTS, entity.AuthorityTypeCIAM:
		return u.Canonical + "v2.0/.well-known/openid-configuration"
	default:
		return u.Canonical + ".well-known/openid-configuration"
	}
}

func (r *Resolver) fetchOpenIDConfiguration(ctx context.Context, u URL, authorityType entity.AuthorityType) (EndpointMetadata, error) {
	if r.network == nil {
		return EndpointMetadata{}, core.NewError(core.KindConfiguration, core.CodeEndpointResolution, "authority: endpoints unavailable and no network client configured", map[string]any{"authority": u.Canonical})
	}
	endpoint := OpenIDConfigurationURL(u, authorityType)
	response, err := r.network.SendGetRequest(ctx, endpoint, core.NetworkRequestOptions{Timeout: r.options.NetworkTimeout})
	if err != nil {
		return EndpointMetadata{}, core.WrapError(err, core.KindNetwork, core.CodeEndpointResolution, "authority: openid configuration request failed", map[string]any{"authority": u.Canonical})
	}
	if response.Status != http.StatusOK {
		return EndpointMetadata{}, core.NewError(core.KindServer, core.CodeEndpointResolution, "authority: openid configuration request rejected", map[string]any{
			"authority": u.Canonical,
			"status":    response.Status,
		})
	}
	var endpoints EndpointMetadata
	if err := json.Unmarshal(response.Body, &endpoints); err != nil || !endpoints.complete() {
		return EndpointMetadata{}, core.NewError(core.KindServer, core.CodeEndpointResolution, "authority: openid configuration is incomplete", map[string]any{"authority": u.Canonical})
	}
	return endpoints, nil
}

func (r *Resolver) resolveAliases(ctx context.Context, u URL, authorityType entity.AuthorityType, cached *entity.AuthorityMetadata, out *entity.AuthorityMetadata) (MetadataSource, error) {
	if r.hostOnly(u, authorityType) {
		applyAliases(out, hostOnlyInstance(u.Host), false)
		return SourceHostOnly, nil
	}
	if r.staticDiscovery != nil {
		instance, ok := r.staticDiscovery.Find(u.Host)
		if !ok {
			instance = hostOnlyInstance(u.Host)
		}
		applyAliases(out, instance, false)
		return SourceConfig, nil
	}
	if cached != nil && cached.HasAliases() {
		applyAliases(out, CloudInstance{
			PreferredNetwork: cached.PreferredNetwork,
			PreferredCache:   cached.PreferredCache,
			Aliases:          cached.Aliases,
		}, cached.AliasesFromNetwork)
		return SourceCache, nil
	}
	if instance, ok := knownCloud(u.Host); ok {
		applyAliases(out, instance, false)
		return SourceHardcoded, nil
	}
	instance, err := r.fetchInstanceDiscovery(ctx, u)
	if err != nil {
		return SourceUnresolved, err
	}
	applyAliases(out, instance, true)
	return SourceNetwork, nil
}

func (r *Resolver) hostOnly(u URL, authorityType entity.AuthorityType) bool {
	if r.options.ProtocolMode == core.ProtocolModeOIDC || authorityType == entity.AuthorityTypeADFS {
		return true
	}
	return slices.ContainsFunc(r.options.KnownAuthorities, func(known string) bool {
		return strings.EqualFold(strings.TrimSpace(known), u.Host)
	})
}

func hostOnlyInstance(host string) CloudInstance {
	return CloudInstance{PreferredNetwork: host, PreferredCache: host, Aliases: []string{host}}
}

func applyAliases(out *entity.AuthorityMetadata, instance CloudInstance, fromNetwork bool) {
	out.Aliases = append([]string(nil), instance.Aliases...)
	out.PreferredCache = instance.PreferredCache
	out.PreferredNetwork = instance.PreferredNetwork
	out.AliasesFromNetwork = fromNetwork
}

// InstanceDiscoveryURL is the discovery endpoint queried for hosts that are
// neither configured nor well known.
func InstanceDiscoveryURL(u URL) string {
	query := url.Values{}
	query.Set("api-version", "1.1")
	query.Set("authorization_endpoint", u.Canonical+"oauth2/v2.0/authorize")
	return "https://" + u.Host + "/common/discovery/instance?" + query.Encode()
}

func (r *Resolver) fetchInstanceDiscovery(ctx context.Context, u URL) (CloudInstance, error) {
	if r.network == nil {
		return CloudInstance{}, core.NewError(core.KindUntrustedAuthority, core.CodeUntrustedAuthority, "authority: aliases unavailable and no network client configured", map[string]any{"authority": u.Canonical})
	}
	response, err := r.network.SendGetRequest(ctx, InstanceDiscoveryURL(u), core.NetworkRequestOptions{Timeout: r.options.NetworkTimeout})
	if err != nil {
		return CloudInstance{}, core.WrapError(err, core.KindUntrustedAuthority, core.CodeUntrustedAuthority, "authority: instance discovery failed", map[string]any{"authority": u.Canonical})
	}
	var discovery InstanceDiscoveryResponse
	if err := json.Unmarshal(response.Body, &discovery); err != nil {
		return CloudInstance{}, core.WrapError(err, core.KindUntrustedAuthority, core.CodeUntrustedAuthority, "authority: instance discovery response is malformed", map[string]any{"authority": u.Canonical})
	}
	if discovery.Error != "" {
		return CloudInstance{}, core.NewError(core.KindUntrustedAuthority, core.CodeUntrustedAuthority, "authority: instance discovery rejected the authority", map[string]any{
			"authority":  u.Canonical,
			"error_code": discovery.Error,
			"detail":     discovery.ErrorDescription,
		})
	}
	if instance, ok := discovery.Find(u.Host); ok {
		return instance, nil
	}
	return hostOnlyInstance(u.Host), nil
}

// persist writes the resolved metadata unless both parts came from the
// cache, which would only extend an entry that was not refreshed.
func (r *Resolver) persist(ctx context.Context, host string, authority *Authority, now time.Time) {
	if r.store == nil {
		return
	}
	if authority.EndpointSource == SourceCache && authority.AliasSource == SourceCache {
		return
	}
	metadata := authority.Metadata
	metadata.ExpiresAt = entity.EpochFromTime(now.Add(r.options.MetadataTTL))
	authority.Metadata.ExpiresAt = metadata.ExpiresAt
	if err := r.store.SetAuthorityMetadata(ctx, host, &metadata); err != nil {
		r.observer.Warn(ctx, "authority metadata could not be cached", map[string]any{"environment": host, "error": err.Error()})
	}
}

func (r *Resolver) regionFor(ctx context.Context, authority *Authority) RegionDiscovery {
	if r.options.AzureRegion == "" || authority.Type != entity.AuthorityTypeMSSTS {
		return RegionDiscovery{}
	}
	r.regionMu.Lock()
	if !r.regionDetected {
		r.regionName, r.regionSource = r.region.Detect(ctx, r.options.AzureRegion)
		r.regionDetected = true
	}
	region, source := r.regionName, r.regionSource
	r.regionMu.Unlock()

	return RegionDiscovery{
		RegionUsed:   region,
		RegionSource: source,
		RegionalHost: RegionalHost(region, authority.URL.Host),
	}
}

func (r *Resolver) rememberAliases(aliases []string) {
	if len(aliases) == 0 {
		return
	}
	group := make([]string, 0, len(aliases))
	for _, alias := range aliases {
		if alias = strings.ToLower(strings.TrimSpace(alias)); alias != "" {
			group = append(group, alias)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, alias := range group {
		r.aliases[alias] = group
	}
}

// EnvironmentAliases returns every known alias of environment, itself
// included.
func (r *Resolver) EnvironmentAliases(environment string) []string {
	environment = strings.ToLower(strings.TrimSpace(environment))
	r.mu.RLock()
	group, ok := r.aliases[environment]
	r.mu.RUnlock()
	if !ok {
		return []string{environment}
	}
	return append([]string(nil), group...)
}

// IsKnownAlias reports whether host belongs to a configured, cached or
// well-known cloud.
func (r *Resolver) IsKnownAlias(host string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.aliases[strings.ToLower(strings.TrimSpace(host))]
	return ok
}
