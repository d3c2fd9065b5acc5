// Package silent acquires access tokens without user interaction. Each
// request walks the cache, the refresh token and finally a single shared
// interactive renewal, as far as its lookup policy allows.
package silent

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-auth-cache/authority"
	"github.com/goliatone/go-auth-cache/cache"
	"github.com/goliatone/go-auth-cache/cachekey"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/entity"
	"github.com/goliatone/go-auth-cache/scopes"
	"github.com/goliatone/go-auth-cache/telemetry"
	"github.com/goliatone/go-auth-cache/throttle"
)

type Coordinator struct {
	config   core.Config
	cache    *cache.Manager
	resolver *authority.Resolver
	network  core.NetworkClient
	fallback core.InteractiveFallback
	pkce     core.PKCEGenerator
	pop      core.PoPKeyManager
	throttle *throttle.Policy
	gate     *Gate
	enqueuer core.JobEnqueuer
	clock    core.Clock
	logger   core.Logger
	metrics  core.MetricsRecorder
	observer *core.Observer
	newID    func() string

	group singleflight.Group
}

type Option func(*Coordinator)

func WithLogger(logger core.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(c *Coordinator) {
		c.metrics = recorder
	}
}

func WithClock(clock core.Clock) Option {
	return func(c *Coordinator) {
		c.clock = core.ResolveClock(clock)
	}
}

func WithInteractiveFallback(fallback core.InteractiveFallback) Option {
	return func(c *Coordinator) {
		c.fallback = fallback
	}
}

func WithPKCEGenerator(generator core.PKCEGenerator) Option {
	return func(c *Coordinator) {
		if generator != nil {
			c.pkce = generator
		}
	}
}

func WithPoPKeyManager(manager core.PoPKeyManager) Option {
	return func(c *Coordinator) {
		c.pop = manager
	}
}

// WithGate replaces the process-wide DefaultGate. Tests use it to isolate
// coordinators from each other.
func WithGate(gate *Gate) Option {
	return func(c *Coordinator) {
		if gate != nil {
			c.gate = gate
		}
	}
}

// WithProactiveRefreshEnqueuer enqueues a refresh job whenever a cached
// token is returned past its refresh watermark.
func WithProactiveRefreshEnqueuer(enqueuer core.JobEnqueuer) Option {
	return func(c *Coordinator) {
		c.enqueuer = enqueuer
	}
}

func WithThrottlePolicy(policy *throttle.Policy) Option {
	return func(c *Coordinator) {
		c.throttle = policy
	}
}

func WithIDGenerator(generator func() string) Option {
	return func(c *Coordinator) {
		if generator != nil {
			c.newID = generator
		}
	}
}

func New(cfg core.Config, cacheManager *cache.Manager, resolver *authority.Resolver, network core.NetworkClient, opts ...Option) (*Coordinator, error) {
	if cacheManager == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "silent: cache manager is required")
	}
	if resolver == nil {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "silent: authority resolver is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "silent: client id is required")
	}
	c := &Coordinator{
		config:   cfg,
		cache:    cacheManager,
		resolver: resolver,
		network:  network,
		pkce:     S256Generator{},
		gate:     DefaultGate,
		clock:    core.SystemClock,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.observer = core.NewObserver("authcache.silent", c.logger, c.metrics, c.clock)
	if c.throttle == nil {
		c.throttle = throttle.NewPolicy(cacheManager,
			throttle.WithClock(c.clock),
			throttle.WithWindow(cfg.ThrottleDefault(), cfg.ThrottleMax()),
			throttle.WithLogger(c.logger),
			throttle.WithMetricsRecorder(c.metrics),
		)
	}
	return c, nil
}

// AcquireToken returns a token for req using the cheapest path its policy
// permits. Concurrent requests with the same thumbprint share one
// acquisition.
func (c *Coordinator) AcquireToken(ctx context.Context, req Request) (*Result, error) {
	startedAt := c.clock()
	p, err := c.prepare(ctx, req)
	if err != nil {
		c.observer.Observe(ctx, startedAt, "acquire_token", err, map[string]any{"policy": req.CacheLookupPolicy.String()})
		return nil, err
	}

	// The flight outlives any single caller, so one caller cancelling does
	// not fail the others. Each caller still stops waiting on its own ctx.
	flightCtx := context.WithoutCancel(ctx)
	fields := map[string]any{
		"policy":         p.CacheLookupPolicy.String(),
		"correlation_id": p.CorrelationID,
	}
	var value any
	select {
	case res := <-c.group.DoChan(c.flightKey(p), func() (any, error) {
		return c.acquire(flightCtx, p)
	}):
		value, err = res.Val, res.Err
		fields["shared"] = res.Shared
		fields["cache_outcome"] = p.telemetry.CacheOutcome().String()
	case <-ctx.Done():
		// p may still be in use by the flight.
		err = contextError(ctx.Err(), "silent: acquisition abandoned by caller")
	}
	if err != nil {
		c.observer.Observe(ctx, startedAt, "acquire_token", err, fields)
		return nil, err
	}
	result := value.(*Result).clone()
	fields["from_cache"] = result.FromCache
	c.observer.Observe(ctx, startedAt, "acquire_token", nil, fields)
	return result, nil
}

// flightKey extends the thumbprint with the fields that change the outcome
// of an otherwise identical request.
func (c *Coordinator) flightKey(p *prepared) string {
	return p.thumbprint.Hash() + "|" + p.CacheLookupPolicy.String() + "|" + strconv.FormatBool(p.ForceRefresh)
}

func (c *Coordinator) prepare(ctx context.Context, req Request) (*prepared, error) {
	if err := validateClaims(req.Claims); err != nil {
		return nil, err
	}
	p := &prepared{Request: req}

	if req.Account != nil {
		p.account = *req.Account
	} else {
		active, err := c.cache.GetActiveAccount(ctx)
		if err != nil {
			return nil, err
		}
		if active == nil {
			return nil, core.ClientError(core.CodeNoAccount, "silent: no account was provided and no active account is set")
		}
		p.account = *active
	}

	requested := scopes.FromString(strings.Join(req.Scopes, " "))
	if requested.Len() == 0 {
		requested.AppendAll(scopes.OIDCDefaultScopes)
	}
	p.scopes = requested
	p.Scopes = requested.Slice()

	if strings.TrimSpace(p.CorrelationID) == "" {
		p.CorrelationID = c.newID()
	}

	authorityURL := strings.TrimSpace(req.Authority)
	if authorityURL == "" {
		authorityURL = c.config.Authority
	}
	resolved, err := c.resolver.Resolve(ctx, authorityURL)
	if err != nil {
		return nil, err
	}
	p.authority = resolved
	p.Authority = resolved.CanonicalAuthority()

	p.realm = resolved.Tenant()
	if p.realm == "" || authority.IsTenantAlias(p.realm) {
		p.realm = p.account.TenantID
	}

	claimsForRequest, err := mergeClaims(req.Claims, c.config.ClientCapabilities)
	if err != nil {
		return nil, err
	}
	p.claimsForRequest = claimsForRequest
	if c.config.Cache.ClaimsBasedCachingEnabled && strings.TrimSpace(req.Claims) != "" {
		p.claimsHash = entity.RequestedClaimsHash(req.Claims)
	}

	switch p.scheme() {
	case cachekey.SchemeBearer:
	case cachekey.SchemePoP:
		if c.pop == nil {
			return nil, core.ConfigurationError(core.CodePoPNotConfigured, "silent: pop tokens need a key manager")
		}
		p.popRequest = core.PoPRequest{
			ResourceRequestMethod: req.ResourceRequestMethod,
			ResourceRequestURI:    req.ResourceRequestURI,
			ShrClaims:             req.ShrClaims,
			ShrNonce:              req.ShrNonce,
			CorrelationID:         p.CorrelationID,
		}
	case cachekey.SchemeSSH:
		if strings.TrimSpace(req.SSHJwk) == "" || strings.TrimSpace(req.SSHKeyID) == "" {
			return nil, core.ConfigurationError(core.CodeInvalidConfiguration, "silent: ssh-cert requests need a jwk and a key id")
		}
	default:
		return nil, core.NewError(core.KindConfiguration, core.CodeInvalidConfiguration, "silent: unsupported authentication scheme", map[string]any{"scheme": req.AuthenticationScheme})
	}

	p.thumbprint = throttle.Thumbprint{
		ClientID:              c.config.ClientID,
		Authority:             p.Authority,
		Scopes:                p.Scopes,
		HomeAccountID:         p.account.HomeAccountID,
		Claims:                req.Claims,
		AuthenticationScheme:  p.scheme(),
		ResourceRequestMethod: req.ResourceRequestMethod,
		ResourceRequestURI:    req.ResourceRequestURI,
		ShrClaims:             req.ShrClaims,
		SSHKeyID:              req.SSHKeyID,
		EmbeddedClientID:      req.EmbeddedClientID,
	}.Normalize()

	p.telemetry = telemetry.NewManager(c.cache, telemetry.Request{
		ClientID:      c.config.ClientID,
		CorrelationID: p.CorrelationID,
		APIID:         telemetry.APISilentFlow,
	})
	p.telemetry.SetRegion(resolved.Region)
	return p, nil
}

// acquire runs the policy flow for one deduplicated request.
func (c *Coordinator) acquire(ctx context.Context, p *prepared) (*Result, error) {
	policy := p.CacheLookupPolicy
	if policy == PolicySkip {
		return c.acquireWithFallback(ctx, p, nil)
	}

	if policy.usesAccessTokenCache() {
		result, err := c.fromCache(ctx, p)
		if err == nil {
			c.enqueueProactiveRefresh(ctx, p)
			return result, nil
		}
		if !isCacheMiss(err) || !policy.usesRefreshToken() {
			return nil, err
		}
	}

	result, err := c.refresh(ctx, p)
	if err == nil {
		return result, nil
	}
	if !policy.usesInteractiveFallback() || !core.IsInteractionRequired(err) {
		return nil, err
	}
	return c.acquireWithFallback(ctx, p, err)
}

// fromCache returns the cached access token, or a token_refresh_required
// error recording why the cache could not serve the request.
func (c *Coordinator) fromCache(ctx context.Context, p *prepared) (*Result, error) {
	if p.ForceRefresh || (strings.TrimSpace(p.Claims) != "" && !c.config.Cache.ClaimsBasedCachingEnabled) {
		return nil, c.cacheMiss(p, telemetry.CacheOutcomeForceRefreshOrClaims)
	}

	token, err := c.cache.GetAccessToken(ctx, p.account, cache.AccessTokenQuery{
		Scopes:              p.Scopes,
		AuthScheme:          p.scheme(),
		SSHKeyID:            p.SSHKeyID,
		RequestedClaimsHash: p.claimsHash,
	}, p.realm)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, c.cacheMiss(p, telemetry.CacheOutcomeNoCachedAccessToken)
	}
	now := c.clock()
	if token.WasClockTurnedBack(now) || token.IsExpired(now, c.config.TokenRenewalOffset()) {
		return nil, c.cacheMiss(p, telemetry.CacheOutcomeCachedAccessTokenExpired)
	}
	if token.NeedsProactiveRefresh(now) {
		c.setOutcome(p, telemetry.CacheOutcomeProactivelyRefreshed)
	}

	record := &entity.CacheRecord{AccessToken: token}
	var claims entity.IDTokenClaims
	idToken, err := c.cache.GetIDToken(ctx, p.account, token.Realm)
	if err != nil {
		return nil, err
	}
	if idToken != nil {
		record.IDToken = idToken
		if parsed, parseErr := entity.ParseIDTokenClaims(idToken.Secret); parseErr == nil {
			claims = parsed
		}
	}
	accountKey := (&entity.Account{HomeAccountID: p.account.HomeAccountID, Environment: token.Environment, Realm: p.account.TenantID}).Key()
	account, err := c.cache.ReadAccount(ctx, accountKey)
	if err != nil {
		return nil, err
	}
	record.Account = account
	if metadata, err := c.cache.ReadAppMetadata(ctx, token.Environment); err == nil && metadata != nil {
		record.AppMetadata = metadata
	}

	result, err := c.resultFromRecord(ctx, p, record, claims, true)
	if err != nil {
		return nil, err
	}
	if _, err := p.telemetry.IncrementCacheHits(ctx); err != nil {
		c.observer.Warn(ctx, "cache hit could not be recorded", map[string]any{"error": err.Error()})
	}
	c.observer.Count(ctx, "cache_hit", map[string]string{"policy": p.CacheLookupPolicy.String()})
	return result, nil
}

func (c *Coordinator) setOutcome(p *prepared, outcome telemetry.CacheOutcome) {
	p.cacheOutcome = outcome
	p.telemetry.SetCacheOutcome(outcome)
}

func (c *Coordinator) cacheMiss(p *prepared, outcome telemetry.CacheOutcome) error {
	c.setOutcome(p, outcome)
	return core.NewError(core.KindClient, core.CodeTokenRefreshRequired, "silent: cached access token cannot be used", map[string]any{
		"cache_outcome":  outcome.String(),
		"correlation_id": p.CorrelationID,
	})
}

func isCacheMiss(err error) bool {
	return core.ErrorCode(err) == core.CodeTokenRefreshRequired
}
