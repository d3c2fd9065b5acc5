package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed raw map, typically decoded from a
// config file by the caller.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return cloneAnyMap(l.Values), nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	// the client id commonly arrives via runtime options, so validation is
	// deferred to the resolver.
	return cfgx.Build[Config](raw, cfgx.WithDefaults(defaults))
}

// GoOptionsResolver merges defaults, loaded config and runtime overrides with
// increasing precedence.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString := func(key string, value string) {
		if includeZero || strings.TrimSpace(value) != "" {
			layer[key] = value
		}
	}
	setString("client_id", cfg.ClientID)
	setString("authority", cfg.Authority)
	setString("cloud_discovery_metadata", cfg.CloudDiscoveryMetadata)
	setString("authority_metadata", cfg.AuthorityMetadata)
	setString("protocol_mode", string(cfg.ProtocolMode))
	setString("redirect_uri", cfg.RedirectURI)
	setString("azure_region", cfg.AzureRegion)
	if includeZero || len(cfg.KnownAuthorities) > 0 {
		layer["known_authorities"] = append([]string(nil), cfg.KnownAuthorities...)
	}
	if includeZero || len(cfg.ClientCapabilities) > 0 {
		layer["client_capabilities"] = append([]string(nil), cfg.ClientCapabilities...)
	}

	cache := map[string]any{}
	if includeZero || cfg.Cache.ClaimsBasedCachingEnabled {
		cache["claims_based_caching_enabled"] = cfg.Cache.ClaimsBasedCachingEnabled
	}
	if includeZero || cfg.Cache.MaxQuotaRetries != 0 {
		cache["max_quota_retries"] = cfg.Cache.MaxQuotaRetries
	}
	if includeZero || cfg.Cache.MigrateOnStart {
		cache["migrate_on_start"] = cfg.Cache.MigrateOnStart
	}
	if len(cache) > 0 {
		layer["cache"] = cache
	}

	system := map[string]any{}
	setInt := func(key string, value int) {
		if includeZero || value != 0 {
			system[key] = value
		}
	}
	setInt("token_renewal_offset_seconds", cfg.System.TokenRenewalOffsetSeconds)
	setInt("refresh_token_expiration_offset_seconds", cfg.System.RefreshTokenExpirationOffsetSecs)
	setInt("interactive_timeout_ms", cfg.System.InteractiveTimeoutMS)
	setInt("network_timeout_ms", cfg.System.NetworkTimeoutMS)
	setInt("authority_metadata_ttl_seconds", cfg.System.AuthorityMetadataTTLSeconds)
	setInt("throttle_default_seconds", cfg.System.ThrottleDefaultSeconds)
	setInt("throttle_max_seconds", cfg.System.ThrottleMaxSeconds)
	if len(system) > 0 {
		layer["system"] = system
	}

	telemetry := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Telemetry.ApplicationName) != "" {
		telemetry["application_name"] = cfg.Telemetry.ApplicationName
	}
	if includeZero || strings.TrimSpace(cfg.Telemetry.ApplicationVersion) != "" {
		telemetry["application_version"] = cfg.Telemetry.ApplicationVersion
	}
	if len(telemetry) > 0 {
		layer["telemetry"] = telemetry
	}
	return layer
}
