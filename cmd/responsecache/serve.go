package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/cobra"

	"github.com/always-cache/responsecache"
	"github.com/always-cache/responsecache/cache"
	identity "github.com/always-cache/responsecache/pkg/cache-identity"
	cachekey "github.com/always-cache/responsecache/pkg/cache-key"
	cachemetrics "github.com/always-cache/responsecache/pkg/cache-metrics"
	cacheprofile "github.com/always-cache/responsecache/pkg/cache-profile"
	rules "github.com/always-cache/responsecache/pkg/route-rules"
)

var (
	flagConfig         = getENVValue("RESPONSECACHE_CONFIG", "")
	flagOrigin         = getENVValue("RESPONSECACHE_ORIGIN", "")
	flagHost           = getENVValue("RESPONSECACHE_HOST", "")
	flagBaseURL        = getENVValue("RESPONSECACHE_BASE_URL", "")
	flagPort           = getENVValue("RESPONSECACHE_PORT", "8080")
	flagStore          = getENVValue("RESPONSECACHE_STORE", "sqlite")
	flagDB             = getENVValue("RESPONSECACHE_DB", "cache.db")
	flagRedis          = getENVValue("RESPONSECACHE_REDIS", "localhost:6379")
	flagLRUSize        = getENVValue("RESPONSECACHE_LRU_SIZE", "10000")
	flagNamespace      = getENVValue("RESPONSECACHE_NAMESPACE", cache.DefaultNamespace)
	flagTTL            = getENVValue("RESPONSECACHE_TTL", "")
	flagIdentityHeader = getENVValue("RESPONSECACHE_IDENTITY_HEADER", "")
	flagJWTSecret      = getENVValue("RESPONSECACHE_JWT_SECRET", "")
	flagJWTClaim       = getENVValue("RESPONSECACHE_JWT_CLAIM", "sub")
	flagAdminToken     = getENVValue("RESPONSECACHE_ADMIN_TOKEN", "")
	flagReapInterval   = getENVValue("RESPONSECACHE_REAP_INTERVAL", "1m")
	flagLogFile        = getENVValue("RESPONSECACHE_LOG_FILE", "")
	flagDisabled       = getENVValue("RESPONSECACHE_DISABLED", "0") == "1"
	flagVerbose        = false
	flagTrace          = false
)

var serveCmd *cobra.Command

func init() {
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		Run: func(c *cobra.Command, args []string) {
			opts, flagName, err := parseFlags()
			if err != nil {
				printFlagsError(c, flagName, err)
			}

			logLevel := zerolog.InfoLevel
			if flagVerbose {
				logLevel = zerolog.DebugLevel
			}
			if flagTrace {
				logLevel = zerolog.TraceLevel
			}
			logger, err := setupLogger(logLevel, flagLogFile)
			if err != nil {
				printFlagsError(c, "--log-file", err)
			}

			if err := runServe(opts, logger); err != nil {
				logger.Error().Err(err).Msg("Server stopped")
				os.Exit(1)
			}
		},
	}

	serveCmd.Flags().StringVar(&flagConfig, "config", flagConfig, "path to config file")
	serveCmd.Flags().StringVar(&flagOrigin, "origin", flagOrigin, "origin URL to proxy to (overrides config)")
	serveCmd.Flags().StringVar(&flagHost, "host", flagHost, "hostname of origin, if it differs from the origin URL")
	serveCmd.Flags().StringVar(&flagBaseURL, "base-url", flagBaseURL, "public URL that relative URIs are forgotten against")
	serveCmd.Flags().StringVar(&flagPort, "port", flagPort, "port to listen on")
	serveCmd.Flags().StringVar(&flagStore, "store", flagStore, "cache store, {sqlite, memory, lru, redis}")
	serveCmd.Flags().StringVar(&flagDB, "db", flagDB, "sqlite file name (use 'memory' for in-memory db)")
	serveCmd.Flags().StringVar(&flagRedis, "redis", flagRedis, "comma separated redis addresses")
	serveCmd.Flags().StringVar(&flagLRUSize, "lru-size", flagLRUSize, "maximum number of entries of the lru store")
	serveCmd.Flags().StringVar(&flagNamespace, "namespace", flagNamespace, "key prefix of cache entries")
	serveCmd.Flags().StringVar(&flagTTL, "ttl", flagTTL, "default lifetime of cached responses, '0' disables storage (overrides config)")
	serveCmd.Flags().StringVar(&flagIdentityHeader, "identity-header", flagIdentityHeader, "request header identifying the caller")
	serveCmd.Flags().StringVar(&flagJWTSecret, "jwt-secret", flagJWTSecret, "HMAC secret of bearer tokens identifying the caller")
	serveCmd.Flags().StringVar(&flagJWTClaim, "jwt-claim", flagJWTClaim, "token claim identifying the caller")
	serveCmd.Flags().StringVar(&flagAdminToken, "admin-token", flagAdminToken, "bearer token enabling the admin endpoints under "+adminPrefix)
	serveCmd.Flags().StringVar(&flagReapInterval, "reap-interval", flagReapInterval, "interval of purging expired entries")
	serveCmd.Flags().StringVar(&flagLogFile, "log-file", flagLogFile, "log file to use (in addition to stdout)")
	serveCmd.Flags().BoolVar(&flagDisabled, "disabled", flagDisabled, "start with the cache switched off")
	serveCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", flagVerbose, "debug logging")
	serveCmd.Flags().BoolVar(&flagTrace, "vv", flagTrace, "trace logging")

	rootCmd.AddCommand(serveCmd)
}

type options struct {
	origin       *url.URL
	host         string
	baseURL      string
	addr         string
	store        string
	db           string
	redisAddrs   []string
	lruSize      int
	namespace    string
	profile      string
	profileCfg   cacheprofile.Config
	vary         []string
	rules        rules.Rules
	identity     identity.Resolver
	adminToken   string
	disabled     bool
	reapInterval time.Duration
}

// parseFlags merges the config file and the flags.
// On error it also returns the name of the offending flag.
func parseFlags() (opts options, flagName string, err error) {
	var config Config
	if flagConfig != "" {
		if config, err = getConfig(flagConfig); err != nil {
			return opts, "--config", err
		}
	}

	origin := config.Origin
	if flagOrigin != "" {
		origin = flagOrigin
	}
	if origin == "" {
		return opts, "--origin", errors.New("please specify origin")
	}
	if opts.origin, err = url.Parse(origin); err != nil {
		return opts, "--origin", err
	} else if opts.origin.Scheme == "" || opts.origin.Host == "" {
		return opts, "--origin", fmt.Errorf("origin %q is not an absolute URL", origin)
	}

	opts.host = config.Host
	if flagHost != "" {
		opts.host = flagHost
	}
	opts.baseURL = config.BaseURL
	if flagBaseURL != "" {
		opts.baseURL = flagBaseURL
	}

	port, err := strconv.Atoi(flagPort)
	if err != nil || port <= 0 {
		return opts, "--port", fmt.Errorf("invalid port %q", flagPort)
	}
	opts.addr = fmt.Sprintf(":%d", port)

	opts.store = strings.ToLower(flagStore)
	switch opts.store {
	case "sqlite", "memory", "lru", "redis":
	default:
		return opts, "--store", fmt.Errorf("unsupported cache store: %s", flagStore)
	}
	opts.db = flagDB
	for _, addr := range strings.Split(flagRedis, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			opts.redisAddrs = append(opts.redisAddrs, addr)
		}
	}
	if opts.store == "redis" && len(opts.redisAddrs) == 0 {
		return opts, "--redis", errors.New("no redis address given")
	}
	if opts.lruSize, err = strconv.Atoi(flagLRUSize); err != nil || opts.lruSize <= 0 {
		return opts, "--lru-size", fmt.Errorf("invalid size %q", flagLRUSize)
	}
	// the namespace is also the key prefix, so Flush finds every key the cache wrote
	opts.namespace = flagNamespace
	if opts.namespace == "" {
		opts.namespace = cache.DefaultNamespace
	}

	opts.profile = config.Profile
	opts.profileCfg = cacheprofile.DefaultConfig()
	if config.TTL != 0 {
		opts.profileCfg.DefaultTTL = config.TTL
	}
	if flagTTL != "" {
		if opts.profileCfg.DefaultTTL, err = time.ParseDuration(flagTTL); err != nil {
			return opts, "--ttl", err
		}
	}
	opts.profileCfg.MaxTTL = config.MaxTTL
	if len(config.ContentTypes) > 0 {
		contentTypes := make([]string, 0, len(cacheprofile.DefaultContentTypes)+len(config.ContentTypes))
		contentTypes = append(contentTypes, cacheprofile.DefaultContentTypes...)
		opts.profileCfg.ContentTypes = append(contentTypes, config.ContentTypes...)
	}
	if _, err = cacheprofile.New(opts.profile, opts.profileCfg); err != nil {
		return opts, "--config", err
	}
	opts.vary = config.Vary
	opts.rules = config.Rules

	var resolvers []identity.Resolver
	if flagJWTSecret != "" {
		resolvers = append(resolvers, identity.JWTSubject(
			identity.JWTConfig{Claim: flagJWTClaim},
			identity.HMACKey([]byte(flagJWTSecret)),
		))
	}
	if flagIdentityHeader != "" {
		resolvers = append(resolvers, identity.Header(flagIdentityHeader))
	}
	if len(resolvers) > 0 {
		opts.identity = identity.First(resolvers...)
	}

	opts.adminToken = flagAdminToken
	opts.disabled = flagDisabled
	if opts.reapInterval, err = time.ParseDuration(flagReapInterval); err != nil || opts.reapInterval <= 0 {
		return opts, "--reap-interval", fmt.Errorf("invalid interval %q", flagReapInterval)
	}
	return opts, "", nil
}

// newStore opens the configured cache store and returns a function closing it.
func newStore(opts options) (cache.CacheProvider, func() error, error) {
	noop := func() error { return nil }
	switch opts.store {
	case "memory":
		return cache.NewMemCache(opts.namespace), noop, nil
	case "lru":
		store, err := cache.NewLRUCache(opts.lruSize, opts.namespace)
		return store, noop, err
	case "redis":
		addrs := make(map[string]string, len(opts.redisAddrs))
		for i, addr := range opts.redisAddrs {
			addrs[fmt.Sprintf("shard%d", i)] = addr
		}
		store := cache.NewRedisCache(&cache.RedisRingOptions{Addrs: addrs}, opts.namespace)
		if err := store.Ping(); err != nil {
			store.Close()
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		dbFilename := opts.db
		if dbFilename == "memory" {
			dbFilename = ""
		}
		store, err := cache.NewSQLiteCache(dbFilename, opts.namespace)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	}
}

func newResponseCache(opts options, store cache.CacheProvider, logger *zerolog.Logger) (*responsecache.ResponseCache, error) {
	profile, err := cacheprofile.New(opts.profile, opts.profileCfg)
	if err != nil {
		return nil, err
	}
	if len(opts.vary) > 0 {
		profile = cacheprofile.VaryByHeaders(profile, opts.vary...)
	}
	return responsecache.New(responsecache.Config{
		Cache:    store,
		Profile:  profile,
		Hasher:   cachekey.NewHasher(opts.namespace),
		Identity: opts.identity,
		Rules:    opts.rules,
		BaseURL:  opts.baseURL,
		Disabled: opts.disabled,
		Logger:   logger,
	}), nil
}

// newProxy forwards requests to origin, sending host as the Host header and TLS server name if set.
func newProxy(origin *url.URL, host string) *httputil.ReverseProxy {
	hostHeader := origin.Host
	transport := http.DefaultTransport
	if host != "" {
		hostHeader = host
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return &httputil.ReverseProxy{
		Director:  createDirector(origin.Scheme, origin.Host, hostHeader),
		Transport: transport,
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		req.Host = hostHeader
	}
}

// newRouter serves metrics and, with a token, the admin endpoints.
// Everything else is proxied through the response cache.
func newRouter(rc *responsecache.ResponseCache, proxy http.Handler, adminToken string, logger zerolog.Logger, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if adminToken != "" {
		r.Mount(adminPrefix, adminRouter(rc, adminToken))
	}
	r.With(rc.Middleware).Handle("/*", proxy)
	return r
}

type signalError struct {
	sig os.Signal
}

func (e signalError) Error() string {
	return fmt.Sprintf("received signal %s", e.sig)
}

func interrupt(cancel <-chan struct{}) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		return signalError{sig}
	case <-cancel:
		return errors.New("canceled")
	}
}

func runServe(opts options, logger zerolog.Logger) error {
	store, closeStore, err := newStore(opts)
	if err != nil {
		return fmt.Errorf("open %s store: %w", opts.store, err)
	}
	defer closeStore()

	rc, err := newResponseCache(opts, store, &logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := cachemetrics.New(registry)
	if err != nil {
		return err
	}
	collector.Observe(rc)

	server := &http.Server{
		Addr:              opts.addr,
		Handler:           newRouter(rc, newProxy(opts.origin, opts.host), opts.adminToken, logger, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Execution group.
	var g run.Group
	{
		g.Add(func() error {
			logger.Info().Msgf("Proxying %s to %s (with hostname '%s')", opts.addr, opts.origin, opts.host)
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			if err := rc.Reap(ctx, opts.reapInterval); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		cancel := make(chan struct{})
		g.Add(func() error {
			return interrupt(cancel)
		}, func(error) {
			close(cancel)
		})
	}

	err = g.Run()
	var sigErr signalError
	if errors.As(err, &sigErr) {
		logger.Info().Msg(sigErr.Error())
		return nil
	}
	return err
}
