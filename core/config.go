package core

import (
	"net/url"
	"strings"
	"time"
)

type ProtocolMode string

const (
	ProtocolModeAAD  ProtocolMode = "AAD"
	ProtocolModeOIDC ProtocolMode = "OIDC"
)

// RegionAutoDetect asks the authority resolver to discover the region from
// the environment before probing instance metadata.
const RegionAutoDetect = "TryAutoDetect"

type CacheConfig struct {
	ClaimsBasedCachingEnabled bool `koanf:"claims_based_caching_enabled" mapstructure:"claims_based_caching_enabled"`
	MaxQuotaRetries           int  `koanf:"max_quota_retries" mapstructure:"max_quota_retries"`
	MigrateOnStart            bool `koanf:"migrate_on_start" mapstructure:"migrate_on_start"`
}

type SystemConfig struct {
	TokenRenewalOffsetSeconds        int `koanf:"token_renewal_offset_seconds" mapstructure:"token_renewal_offset_seconds"`
	RefreshTokenExpirationOffsetSecs int `koanf:"refresh_token_expiration_offset_seconds" mapstructure:"refresh_token_expiration_offset_seconds"`
	InteractiveTimeoutMS             int `koanf:"interactive_timeout_ms" mapstructure:"interactive_timeout_ms"`
	NetworkTimeoutMS                 int `koanf:"network_timeout_ms" mapstructure:"network_timeout_ms"`
	AuthorityMetadataTTLSeconds      int `koanf:"authority_metadata_ttl_seconds" mapstructure:"authority_metadata_ttl_seconds"`
	ThrottleDefaultSeconds           int `koanf:"throttle_default_seconds" mapstructure:"throttle_default_seconds"`
	ThrottleMaxSeconds               int `koanf:"throttle_max_seconds" mapstructure:"throttle_max_seconds"`
}

type TelemetryConfig struct {
	ApplicationName    string `koanf:"application_name" mapstructure:"application_name"`
	ApplicationVersion string `koanf:"application_version" mapstructure:"application_version"`
}

type Config struct {
	ClientID               string          `koanf:"client_id" mapstructure:"client_id"`
	Authority              string          `koanf:"authority" mapstructure:"authority"`
	KnownAuthorities       []string        `koanf:"known_authorities" mapstructure:"known_authorities"`
	CloudDiscoveryMetadata string          `koanf:"cloud_discovery_metadata" mapstructure:"cloud_discovery_metadata"`
	AuthorityMetadata      string          `koanf:"authority_metadata" mapstructure:"authority_metadata"`
	ProtocolMode           ProtocolMode    `koanf:"protocol_mode" mapstructure:"protocol_mode"`
	RedirectURI            string          `koanf:"redirect_uri" mapstructure:"redirect_uri"`
	ClientCapabilities     []string        `koanf:"client_capabilities" mapstructure:"client_capabilities"`
	AzureRegion            string          `koanf:"azure_region" mapstructure:"azure_region"`
	Cache                  CacheConfig     `koanf:"cache" mapstructure:"cache"`
	System                 SystemConfig    `koanf:"system" mapstructure:"system"`
	Telemetry              TelemetryConfig `koanf:"telemetry" mapstructure:"telemetry"`
}

const DefaultAuthority = "https://login.microsoftonline.com/common/"

func DefaultConfig() Config {
	return Config{
		Authority:    DefaultAuthority,
		ProtocolMode: ProtocolModeAAD,
		Cache: CacheConfig{
			MaxQuotaRetries: 20,
			MigrateOnStart:  true,
		},
		System: SystemConfig{
			TokenRenewalOffsetSeconds:        300,
			RefreshTokenExpirationOffsetSecs: 300,
			InteractiveTimeoutMS:             10000,
			NetworkTimeoutMS:                 30000,
			AuthorityMetadataTTLSeconds:      86400,
			ThrottleDefaultSeconds:           60,
			ThrottleMaxSeconds:               3600,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return ConfigurationError(CodeInvalidConfiguration, "core: client_id is required")
	}
	authority := strings.TrimSpace(c.Authority)
	if authority == "" {
		return ConfigurationError(CodeInvalidConfiguration, "core: authority is required")
	}
	parsed, err := url.Parse(authority)
	if err != nil || parsed.Host == "" {
		return ConfigurationError(CodeInvalidConfiguration, "core: authority must be an absolute url")
	}
	if parsed.Scheme != "https" {
		return ConfigurationError(CodeInvalidConfiguration, "core: authority must use https")
	}
	switch c.ProtocolMode {
	case "", ProtocolModeAAD, ProtocolModeOIDC:
	default:
		return NewError(KindConfiguration, CodeInvalidConfiguration, "core: unsupported protocol_mode", map[string]any{"protocol_mode": string(c.ProtocolMode)})
	}
	if c.Cache.MaxQuotaRetries < 0 {
		return ConfigurationError(CodeInvalidConfiguration, "core: cache.max_quota_retries must be >= 0")
	}
	if c.System.TokenRenewalOffsetSeconds < 0 || c.System.RefreshTokenExpirationOffsetSecs < 0 {
		return ConfigurationError(CodeInvalidConfiguration, "core: token offsets must be >= 0")
	}
	if c.System.ThrottleMaxSeconds > 0 && c.System.ThrottleDefaultSeconds > c.System.ThrottleMaxSeconds {
		return ConfigurationError(CodeInvalidConfiguration, "core: system.throttle_default_seconds exceeds throttle_max_seconds")
	}
	return nil
}

func (c Config) TokenRenewalOffset() time.Duration {
	return time.Duration(c.System.TokenRenewalOffsetSeconds) * time.Second
}

func (c Config) RefreshTokenExpirationOffset() time.Duration {
	return time.Duration(c.System.RefreshTokenExpirationOffsetSecs) * time.Second
}

func (c Config) InteractiveTimeout() time.Duration {
	return time.Duration(c.System.InteractiveTimeoutMS) * time.Millisecond
}

func (c Config) NetworkTimeout() time.Duration {
	return time.Duration(c.System.NetworkTimeoutMS) * time.Millisecond
}

func (c Config) AuthorityMetadataTTL() time.Duration {
	if c.System.AuthorityMetadataTTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.System.AuthorityMetadataTTLSeconds) * time.Second
}

func (c Config) ThrottleDefault() time.Duration {
	if c.System.ThrottleDefaultSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.System.ThrottleDefaultSeconds) * time.Second
}

func (c Config) ThrottleMax() time.Duration {
	if c.System.ThrottleMaxSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.System.ThrottleMaxSeconds) * time.Second
}
