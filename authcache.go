// Package authcache is a client-side token cache with silent acquisition.
// New wires storage, the cache manager, authority resolution and the silent
// coordinator from one Config, and exposes them as go-command commands and
// queries.
package authcache

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/goliatone/go-auth-cache/authority"
	"github.com/goliatone/go-auth-cache/cache"
	"github.com/goliatone/go-auth-cache/core"
	"github.com/goliatone/go-auth-cache/schema"
	"github.com/goliatone/go-auth-cache/silent"
	"github.com/goliatone/go-auth-cache/storage"
	"github.com/goliatone/go-auth-cache/transport"
)

type Config = core.Config

type (
	Logger          = core.Logger
	LoggerProvider  = core.LoggerProvider
	MetricsRecorder = core.MetricsRecorder
	ConfigProvider  = core.ConfigProvider
	OptionsResolver = core.OptionsResolver
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

type Option func(*builder)

type builder struct {
	runtimeConfig   Config
	logger          core.Logger
	loggerProvider  core.LoggerProvider
	metrics         core.MetricsRecorder
	storage         core.Storage
	notifier        core.ChangeNotifier
	origin          string
	network         core.NetworkClient
	fallback        core.InteractiveFallback
	pkce            core.PKCEGenerator
	pop             core.PoPKeyManager
	clock           core.Clock
	gate            *silent.Gate
	enqueuer        core.JobEnqueuer
	configProvider  core.ConfigProvider
	optionsResolver core.OptionsResolver
}

func WithLogger(logger core.Logger) Option {
	return func(b *builder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(b *builder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(b *builder) {
		b.metrics = recorder
	}
}

// WithStorage replaces the default in-memory storage.
func WithStorage(storage core.Storage) Option {
	return func(b *builder) {
		b.storage = storage
	}
}

// WithNotifier publishes every cache write and removal. origin tags the
// changes so subscribers can skip their own; a random one is used when empty.
func WithNotifier(notifier core.ChangeNotifier, origin string) Option {
	return func(b *builder) {
		b.notifier = notifier
		b.origin = origin
	}
}

// WithNetwork replaces the default net/http network client.
func WithNetwork(network core.NetworkClient) Option {
	return func(b *builder) {
		b.network = network
	}
}

func WithInteractiveFallback(fallback core.InteractiveFallback) Option {
	return func(b *builder) {
		b.fallback = fallback
	}
}

func WithPKCEGenerator(generator core.PKCEGenerator) Option {
	return func(b *builder) {
		b.pkce = generator
	}
}

func WithPoPKeyManager(manager core.PoPKeyManager) Option {
	return func(b *builder) {
		b.pop = manager
	}
}

func WithClock(clock core.Clock) Option {
	return func(b *builder) {
		b.clock = clock
	}
}

// WithInteractionGate replaces the process-wide interactive gate.
func WithInteractionGate(gate *silent.Gate) Option {
	return func(b *builder) {
		b.gate = gate
	}
}

// WithProactiveRefreshEnqueuer opts in to background refresh jobs for tokens
// served past their refresh watermark.
func WithProactiveRefreshEnqueuer(enqueuer core.JobEnqueuer) Option {
	return func(b *builder) {
		b.enqueuer = enqueuer
	}
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(b *builder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(b *builder) {
		b.optionsResolver = resolver
	}
}

// Client owns one client id's cache and its silent acquisition flow.
type Client struct {
	config         Config
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	storage        core.Storage
	network        core.NetworkClient
	cache          *cache.Manager
	resolver       *authority.Resolver
	coordinator    *silent.Coordinator
	migrator       *schema.Migrator

	commands Commands
	queries  Queries
}

// New resolves cfg through the config provider and options resolver, builds
// every component and, when cache.migrate_on_start is set, upgrades older
// cache schemas before returning.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	b := builder{runtimeConfig: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if b.configProvider == nil {
		b.configProvider = core.NewCfgxConfigProvider(nil)
	}
	if b.optionsResolver == nil {
		b.optionsResolver = core.GoOptionsResolver{}
	}
	if b.metrics == nil {
		b.metrics = core.NopMetricsRecorder{}
	}
	b.clock = core.ResolveClock(b.clock)

	defaults := core.DefaultConfig()
	loaded, err := b.configProvider.Load(ctx, defaults)
	if err != nil {
		return nil, core.MapError(err)
	}
	finalConfig, err := b.optionsResolver.Resolve(defaults, loaded, b.runtimeConfig)
	if err != nil {
		return nil, core.MapError(err)
	}

	logger := core.ResolveLogger("authcache", b.loggerProvider, b.logger)
	if b.storage == nil {
		b.storage = storage.NewMemory()
	}
	if b.network == nil {
		b.network = transport.NewHTTPClient(
			&http.Client{Timeout: finalConfig.NetworkTimeout()},
			transport.WithObserver(core.NewObserver("authcache.transport", logger, b.metrics, b.clock)),
		)
	}

	cacheOpts := []cache.Option{
		cache.WithLogger(core.ResolveLogger("authcache.cache", b.loggerProvider, b.logger)),
		cache.WithMetricsRecorder(b.metrics),
		cache.WithClock(b.clock),
		cache.WithMaxQuotaRetries(finalConfig.Cache.MaxQuotaRetries),
	}
	if b.notifier != nil {
		if b.origin == "" {
			b.origin = uuid.NewString()
		}
		cacheOpts = append(cacheOpts, cache.WithNotifier(b.notifier, b.origin))
	}
	manager, err := cache.NewManager(b.storage, finalConfig.ClientID, cacheOpts...)
	if err != nil {
		return nil, err
	}

	resolver, err := authority.NewResolver(manager, b.network, authority.OptionsFromConfig(finalConfig),
		authority.WithLogger(core.ResolveLogger("authcache.authority", b.loggerProvider, b.logger)),
		authority.WithMetricsRecorder(b.metrics),
		authority.WithClock(b.clock),
	)
	if err != nil {
		return nil, err
	}
	manager.UseAliasResolver(resolver)

	silentOpts := []silent.Option{
		silent.WithLogger(core.ResolveLogger("authcache.silent", b.loggerProvider, b.logger)),
		silent.WithMetricsRecorder(b.metrics),
		silent.WithClock(b.clock),
		silent.WithInteractiveFallback(b.fallback),
		silent.WithPKCEGenerator(b.pkce),
		silent.WithPoPKeyManager(b.pop),
		silent.WithGate(b.gate),
		silent.WithProactiveRefreshEnqueuer(b.enqueuer),
	}
	coordinator, err := silent.New(finalConfig, manager, resolver, b.network, silentOpts...)
	if err != nil {
		return nil, err
	}

	migrator, err := schema.New(manager,
		schema.WithLogger(core.ResolveLogger("authcache.schema", b.loggerProvider, b.logger)),
		schema.WithMetricsRecorder(b.metrics),
		schema.WithClock(b.clock),
	)
	if err != nil {
		return nil, err
	}

	client := &Client{
		config:         finalConfig,
		logger:         logger,
		loggerProvider: b.loggerProvider,
		metrics:        b.metrics,
		storage:        b.storage,
		network:        b.network,
		cache:          manager,
		resolver:       resolver,
		coordinator:    coordinator,
		migrator:       migrator,
	}
	client.commands, client.queries = newHandlers(client)

	if finalConfig.Cache.MigrateOnStart {
		if _, err := migrator.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (c *Client) Config() Config {
	if c == nil {
		return Config{}
	}
	return c.config
}

func (c *Client) Cache() *cache.Manager {
	if c == nil {
		return nil
	}
	return c.cache
}

func (c *Client) Resolver() *authority.Resolver {
	if c == nil {
		return nil
	}
	return c.resolver
}

func (c *Client) Coordinator() *silent.Coordinator {
	if c == nil {
		return nil
	}
	return c.coordinator
}

func (c *Client) Storage() core.Storage {
	if c == nil {
		return nil
	}
	return c.storage
}

func (c *Client) Logger() core.Logger {
	if c == nil {
		return core.ResolveLogger("authcache", nil, nil)
	}
	return c.logger
}
