// Package telemetry builds the server telemetry headers sent with token
// requests and keeps the bounded history of failed requests between them.
package telemetry

import (
	"context"
	"strconv"
	"strings"

	"github.com/goliatone/go-auth-cache/authority"
	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
)

const (
	SchemaVersion      = 5
	MaxCachedErrors    = 50
	MaxLastHeaderBytes = 330

	HeaderCurrent = "x-client-current-telemetry"
	HeaderLast    = "x-client-last-telemetry"

	categorySeparator = "|"
	valueSeparator    = ","
	unknownError      = "unknown_error"
)

// CacheOutcome explains why a request went past the cache.
type CacheOutcome int

const (
	CacheOutcomeNotApplicable CacheOutcome = iota
	CacheOutcomeForceRefreshOrClaims
	CacheOutcomeNoCachedAccessToken
	CacheOutcomeCachedAccessTokenExpired
	CacheOutcomeProactivelyRefreshed
)

func (o CacheOutcome) String() string {
	switch o {
	case CacheOutcomeForceRefreshOrClaims:
		return "force_refresh_or_claims"
	case CacheOutcomeNoCachedAccessToken:
		return "no_cached_access_token"
	case CacheOutcomeCachedAccessTokenExpired:
		return "cached_access_token_expired"
	case CacheOutcomeProactivelyRefreshed:
		return "proactively_refreshed"
	default:
		return "not_applicable"
	}
}

// APIID identifies the public operation that issued a request.
type APIID int

const (
	APISilentFlow     APIID = 61
	APISSOSilent      APIID = 863
	APISilentAuthCode APIID = 864
	APIClearCache     APIID = 1001
)

// Region discovery codes reported in the current-request header.
const (
	regionSourceFailed      = "1"
	regionSourceEnvironment = "3"
	regionSourceIMDS        = "4"

	regionOutcomeConfiguredNoAutoDetection = "2"
	regionOutcomeAutoDetectionSucceeded    = "4"
	regionOutcomeAutoDetectionFailed       = "5"
)

// Store persists the last-request telemetry entry. The cache manager
// implements it.
type Store interface {
	GetServerTelemetry(ctx context.Context, key string) (*entity.ServerTelemetry, error)
	SetServerTelemetry(ctx context.Context, key string, telemetry *entity.ServerTelemetry) error
	RemoveServerTelemetry(ctx context.Context, key string) error
}

type Request struct {
	ClientID       string
	CorrelationID  string
	APIID          APIID
	WrapperSKU     string
	WrapperVersion string
}

// Manager carries the telemetry state of one request.
type Manager struct {
	store         Store
	key           string
	request       Request
	cacheOutcome  CacheOutcome
	regionUsed    string
	regionSource  string
	regionOutcome string
}

func NewManager(store Store, request Request) *Manager {
	return &Manager{
		store:   store,
		key:     cachekey.ServerTelemetryKey(request.ClientID),
		request: request,
	}
}

func (m *Manager) SetCacheOutcome(outcome CacheOutcome) {
	if m != nil {
		m.cacheOutcome = outcome
	}
}

func (m *Manager) CacheOutcome() CacheOutcome {
	if m == nil {
		return CacheOutcomeNotApplicable
	}
	return m.cacheOutcome
}

// SetRegion records the region discovery of the authority used for the
// request.
func (m *Manager) SetRegion(region authority.RegionDiscovery) {
	if m == nil {
		return
	}
	m.regionUsed = region.RegionUsed
	switch region.RegionSource {
	case authority.RegionConfiguredByUser:
		m.regionSource = ""
		m.regionOutcome = regionOutcomeConfiguredNoAutoDetection
	case authority.RegionEnvironmentVariable:
		m.regionSource = regionSourceEnvironment
		m.regionOutcome = regionOutcomeAutoDetectionSucceeded
	case authority.RegionIMDS:
		m.regionSource = regionSourceIMDS
		m.regionOutcome = regionOutcomeAutoDetectionSucceeded
	case authority.RegionFailedAutoDetection:
		m.regionSource = regionSourceFailed
		m.regionOutcome = regionOutcomeAutoDetectionFailed
	default:
		m.regionSource = ""
		m.regionOutcome = ""
	}
}

// CurrentHeader is 5|apiId,cacheOutcome,regionUsed,regionSource,regionOutcome|platformFields.
func (m *Manager) CurrentHeader() string {
	request := strings.Join([]string{
		strconv.Itoa(int(m.request.APIID)),
		strconv.Itoa(int(m.cacheOutcome)),
		m.regionUsed,
		m.regionSource,
		m.regionOutcome,
	}, valueSeparator)
	platform := strings.Join([]string{m.request.WrapperSKU, m.request.WrapperVersion}, valueSeparator)
	return strings.Join([]string{strconv.Itoa(SchemaVersion), request, platform}, categorySeparator)
}

// LastHeader is 5|cacheHits|failedRequests|errors|errorCount,overflow. Only
// as many errors as fit the header budget are sent.
func (m *Manager) LastHeader(ctx context.Context) (string, error) {
	last, err := m.lastRequests(ctx)
	if err != nil {
		return "", err
	}
	maxErrors := MaxErrorsToSend(last)
	failed := last.FailedRequests
	if len(failed) > 2*maxErrors {
		failed = failed[:2*maxErrors]
	}
	errs := last.Errors
	if len(errs) > maxErrors {
		errs = errs[:maxErrors]
	}
	overflow := "0"
	if maxErrors < len(last.Errors) {
		overflow = "1"
	}
	return strings.Join([]string{
		strconv.Itoa(SchemaVersion),
		strconv.Itoa(last.CacheHits),
		strings.Join(failed, valueSeparator),
		strings.Join(errs, valueSeparator),
		strconv.Itoa(len(last.Errors)) + valueSeparator + overflow,
	}, categorySeparator), nil
}

// Headers returns both telemetry headers for a network request.
func (m *Manager) Headers(ctx context.Context) (map[string]string, error) {
	last, err := m.LastHeader(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderCurrent: m.CurrentHeader(),
		HeaderLast:    last,
	}, nil
}

// CacheFailedRequest appends the request and its error to the history. The
// oldest entry is dropped once MaxCachedErrors is reached.
func (m *Manager) CacheFailedRequest(ctx context.Context, cause error) error {
	last, err := m.lastRequests(ctx)
	if err != nil {
		return err
	}
	if len(last.Errors) >= MaxCachedErrors {
		if len(last.FailedRequests) >= 2 {
			last.FailedRequests = last.FailedRequests[2:]
		}
		last.Errors = last.Errors[1:]
	}
	last.FailedRequests = append(last.FailedRequests, strconv.Itoa(int(m.request.APIID)), m.request.CorrelationID)
	last.Errors = append(last.Errors, errorCode(cause))
	return m.store.SetServerTelemetry(ctx, m.key, last)
}

// IncrementCacheHits counts a request served from the cache.
func (m *Manager) IncrementCacheHits(ctx context.Context) (int, error) {
	last, err := m.lastRequests(ctx)
	if err != nil {
		return 0, err
	}
	last.CacheHits++
	if err := m.store.SetServerTelemetry(ctx, m.key, last); err != nil {
		return 0, err
	}
	return last.CacheHits, nil
}

// Clear drops the history that was sent with a successful request. Errors
// that did not fit the header are kept for the next one.
func (m *Manager) Clear(ctx context.Context) error {
	last, err := m.lastRequests(ctx)
	if err != nil {
		return err
	}
	flushed := MaxErrorsToSend(last)
	if flushed >= len(last.Errors) {
		return m.store.RemoveServerTelemetry(ctx, m.key)
	}
	remaining := &entity.ServerTelemetry{
		Errors: append([]string(nil), last.Errors[flushed:]...),
	}
	if 2*flushed < len(last.FailedRequests) {
		remaining.FailedRequests = append([]string(nil), last.FailedRequests[2*flushed:]...)
	}
	return m.store.SetServerTelemetry(ctx, m.key, remaining)
}

func (m *Manager) lastRequests(ctx context.Context) (*entity.ServerTelemetry, error) {
	stored, err := m.store.GetServerTelemetry(ctx, m.key)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return &entity.ServerTelemetry{FailedRequests: []string{}, Errors: []string{}}, nil
	}
	return stored, nil
}

// MaxErrorsToSend is the number of leading errors whose request fields fit
// in MaxLastHeaderBytes.
func MaxErrorsToSend(last *entity.ServerTelemetry) int {
	if last == nil {
		return 0
	}
	maxErrors := 0
	size := 0
	for i, code := range last.Errors {
		apiID, correlationID := "", ""
		if 2*i < len(last.FailedRequests) {
			apiID = last.FailedRequests[2*i]
		}
		if 2*i+1 < len(last.FailedRequests) {
			correlationID = last.FailedRequests[2*i+1]
		}
		size += len(apiID) + len(correlationID) + len(code) + 3
		if size >= MaxLastHeaderBytes {
			break
		}
		maxErrors++
	}
	return maxErrors
}

var headerUnsafe = strings.NewReplacer(categorySeparator, " ", valueSeparator, " ")

func errorCode(err error) string {
	if err == nil {
		return unknownError
	}
	if code := core.ErrorCode(err); code != "" {
		return headerUnsafe.Replace(code)
	}
	if subError := core.SubError(err); subError != "" {
		return headerUnsafe.Replace(subError)
	}
	if message := strings.TrimSpace(err.Error()); message != "" {
		return headerUnsafe.Replace(message)
	}
	return unknownError
}
