package authority

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-auth-cache/core"
)

// RegionSource records how the region used for a request was determined.
type RegionSource string

const (
	RegionConfiguredByUser    RegionSource = "configured_by_user"
	RegionEnvironmentVariable RegionSource = "environment_variable"
	RegionIMDS                RegionSource = "imds"
	RegionFailedAutoDetection RegionSource = "failed_auto_detection"
)

const (
	RegionEnvVar         = "REGION_NAME"
	DefaultIMDSEndpoint  = "http://169.254.169.254/metadata/instance/compute/location"
	DefaultIMDSVersion   = "2021-01-01"
	defaultIMDSTimeout   = 2 * time.Second
	regionalPublicSuffix = "login.microsoft.com"
)

// RegionDiscovery is the diagnostic record of region resolution.
type RegionDiscovery struct {
	RegionUsed   string
	RegionSource RegionSource
	RegionalHost string
}

// RegionDetector determines the region for regional endpoints. Detection
// failures never fail resolution; they are recorded and the global
// endpoints are kept.
type RegionDetector struct {
	network      core.NetworkClient
	getenv       func(string) string
	imdsEndpoint string
	imdsVersion  string
	timeout      time.Duration
	observer     *core.Observer
}

type RegionOption func(*RegionDetector)

func WithEnvLookup(getenv func(string) string) RegionOption {
	return func(d *RegionDetector) {
		if getenv != nil {
			d.getenv = getenv
		}
	}
}

func WithIMDSEndpoint(endpoint string, version string) RegionOption {
	return func(d *RegionDetector) {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			d.imdsEndpoint = endpoint
		}
		if version = strings.TrimSpace(version); version != "" {
			d.imdsVersion = version
		}
	}
}

func NewRegionDetector(network core.NetworkClient, observer *core.Observer, opts ...RegionOption) *RegionDetector {
	detector := &RegionDetector{
		network:      network,
		getenv:       os.Getenv,
		imdsEndpoint: DefaultIMDSEndpoint,
		imdsVersion:  DefaultIMDSVersion,
		timeout:      defaultIMDSTimeout,
		observer:     observer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(detector)
		}
	}
	return detector
}

// Detect returns the region for configured. An empty configured value
// disables regional endpoints.
func (d *RegionDetector) Detect(ctx context.Context, configured string) (string, RegionSource) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return "", ""
	}
	if configured != core.RegionAutoDetect {
		return strings.ToLower(configured), RegionConfiguredByUser
	}
	if region := strings.TrimSpace(d.getenv(RegionEnvVar)); region != "" {
		return strings.ToLower(region), RegionEnvironmentVariable
	}
	if region, err := d.probeIMDS(ctx); err == nil && region != "" {
		return strings.ToLower(region), RegionIMDS
	} else if err != nil {
		d.observer.Debug(ctx, "region auto detection failed, using global endpoints", map[string]any{"error": err.Error()})
	}
	return "", RegionFailedAutoDetection
}

func (d *RegionDetector) probeIMDS(ctx context.Context) (string, error) {
	if d.network == nil {
		return "", core.ConfigurationError(core.CodeInvalidConfiguration, "authority: network client is required for region detection")
	}
	endpoint := d.imdsEndpoint + "?format=text&api-version=" + d.imdsVersion
	response, err := d.network.SendGetRequest(ctx, endpoint, core.NetworkRequestOptions{
		Headers: map[string]string{"Metadata": "true"},
		Timeout: d.timeout,
	})
	if err != nil {
		return "", err
	}
	if response.Status != http.StatusOK {
		return "", core.NewError(core.KindNetwork, core.CodeNetworkError, "authority: region probe failed", map[string]any{"status": response.Status})
	}
	return strings.TrimSpace(string(response.Body)), nil
}

// RegionalHost is <region>.login.microsoft.com for public cloud hosts and
// <region>.<host> otherwise.
func RegionalHost(region string, host string) string {
	if region == "" {
		return ""
	}
	if isPublicCloudHost(host) {
		return region + "." + regionalPublicSuffix
	}
	return region + "." + host
}
