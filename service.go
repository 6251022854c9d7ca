package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/qualityboard/qa-dashboard/quality"
)

type Config struct {
	ListenAddr     string
	TrustedProxies []string

	// Monitoring servers
	MonitorServers string // "name=url,name=url"
	DefaultServer  string
	Endpoints      Endpoints
	APIIdentity    string // optional login for the quality API
	APIPassword    string

	// Limits
	RateLimitRPM     int           // requests per minute per client
	RateBurst        int           // burst tokens
	RequestTimeout   time.Duration // upstream timeout
	EnableReqLogging bool          // default false
	LogLevel         string

	// Cache
	RedisURL     string
	EnableRedis  bool
	CacheTTL     time.Duration
	CacheEnabled bool

	// Snapshots
	Store                 StoreConfig
	SnapshotRetentionDays int

	// Events
	RabbitMQURL       string
	EventsExchange    string
	CPKAlertThreshold float64

	// Exports
	S3              S3Config
	ExportURLExpiry time.Duration

	// Quality defaults
	DefaultLimits    quality.Limits
	ScatterMaxPoints int
	CPKTarget        float64
	DefaultRangeDays int
	WarmupProjects   []string

	AdminPassword string // protects admin actions (cleanup)
}

func loadConfig() Config {
	if err := godotenv.Load(".env.local"); err != nil {
		log.Println("INFO: no .env.local found, using OS environment")
	}

	cfg := Config{
		ListenAddr:     env("LISTEN_ADDR", ":8080"),
		TrustedProxies: splitCSV(env("TRUSTED_PROXIES_CIDR", "")),

		MonitorServers: mustEnv("MONITOR_SERVERS"),
		DefaultServer:  env("DEFAULT_SERVER", ""),
		Endpoints: Endpoints{
			Login:      env("API_LOGIN_PATH", DefaultEndpoints.Login),
			Parameters: env("API_PARAMETERS_PATH", DefaultEndpoints.Parameters),
			CPK:        env("API_CPK_PATH", DefaultEndpoints.CPK),
			Scatter:    env("API_SCATTER_PATH", DefaultEndpoints.Scatter),
			FPY:        env("API_FPY_PATH", DefaultEndpoints.FPY),
			Pareto:     env("API_PARETO_PATH", DefaultEndpoints.Pareto),
		},
		APIIdentity: env("API_IDENTITY", ""),
		APIPassword: env("API_PASSWORD", ""),

		RateLimitRPM:     envInt("RATE_LIMIT_RPM", 120),
		RateBurst:        envInt("RATE_BURST", 40),
		RequestTimeout:   time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 60000)) * time.Millisecond,
		EnableReqLogging: envBool("ENABLE_REQUEST_LOGGING", false),
		LogLevel:         env("LOG_LEVEL", "info"),

		RedisURL:     env("REDIS_URL", ""),
		EnableRedis:  envBool("ENABLE_REDIS", false),
		CacheTTL:     time.Duration(envInt("CACHE_TTL_SECONDS", 300)) * time.Second,
		CacheEnabled: envBool("ENABLE_CACHE", true),

		Store: StoreConfig{
			Driver: env("STORE_DRIVER", "sqlite"),
			DSN:    env("STORE_DSN", "qa-dashboard.db"),
		},
		SnapshotRetentionDays: envInt("SNAPSHOT_RETENTION_DAYS", 365),

		RabbitMQURL:       env("RABBITMQ_URL", ""),
		EventsExchange:    env("EVENTS_EXCHANGE", "quality.events"),
		CPKAlertThreshold: envFloat("CPK_ALERT_THRESHOLD", 1.0),

		S3: S3Config{
			Endpoint:  env("S3_ENDPOINT", ""),
			AccessKey: env("S3_ACCESS_KEY", ""),
			SecretKey: env("S3_SECRET_KEY", ""),
			Bucket:    env("S3_BUCKET", "qa-exports"),
			UseSSL:    envBool("S3_USE_SSL", false),
		},
		ExportURLExpiry: time.Duration(envInt("EXPORT_URL_EXPIRY_MIN", 1440)) * time.Minute,

		DefaultLimits: quality.Limits{
			Lower: envFloat("DEFAULT_LOWER_LIMIT", quality.PlaceholderLimits.Lower),
			Upper: envFloat("DEFAULT_UPPER_LIMIT", quality.PlaceholderLimits.Upper),
		},
		ScatterMaxPoints: envInt("SCATTER_MAX_POINTS", quality.DefaultMaxScatterPoints),
		CPKTarget:        envFloat("CPK_TARGET", 1.33),
		DefaultRangeDays: envInt("DEFAULT_RANGE_DAYS", 7),
		WarmupProjects:   splitCSV(env("WARMUP_PROJECTS", "")),

		AdminPassword: env("ADMIN_PASSWORD", ""),
	}
	return cfg
}

func (cfg Config) ViewOptions() ViewOptions {
	return ViewOptions{
		Limits:           cfg.DefaultLimits,
		CPKTarget:        cfg.CPKTarget,
		MaxScatterPoints: cfg.ScatterMaxPoints,
		VitalFewPercent:  80,
	}
}

// openPublisher connects to RabbitMQ when configured; events are dropped otherwise.
func openPublisher(cfg Config) EventPublisher {
	if cfg.RabbitMQURL == "" {
		eventsLog.Infof("RABBITMQ_URL not set, events disabled")
		return noopPublisher{}
	}
	pub, err := NewRabbitPublisher(cfg.RabbitMQURL, cfg.EventsExchange)
	if err != nil {
		eventsLog.Warnf("%v; events disabled", err)
		return noopPublisher{}
	}
	eventsLog.Infof("publishing to exchange %s", cfg.EventsExchange)
	return pub
}

func openExporter(cfg Config) *Exporter {
	if cfg.S3.Endpoint == "" {
		exportLog.Infof("S3_ENDPOINT not set, exports disabled")
		return NewExporter(nil, cfg.ExportURLExpiry)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s3, err := NewS3Store(ctx, cfg.S3)
	if err != nil {
		exportLog.Warnf("%v; exports disabled", err)
		return NewExporter(nil, cfg.ExportURLExpiry)
	}
	return NewExporter(s3, cfg.ExportURLExpiry)
}

func main() {
	cfg := loadConfig()
	SetLogLevel(cfg.LogLevel)

	if len(os.Args) > 1 && os.Args[1] == "backfill" {
		if err := runBackfill(os.Args[2:], cfg); err != nil {
			log.Fatalf("backfill: %v", err)
		}
		return
	}

	servers, err := ParseServers(cfg.MonitorServers, cfg.DefaultServer)
	if err != nil {
		log.Fatalf("invalid MONITOR_SERVERS: %v", err)
	}
	Infof("CONFIG: %d monitoring server(s) %v, default=%s, admin password set=%v",
		len(servers.List()), servers.Names(), servers.Default().Name, cfg.AdminPassword != "")

	store, err := OpenStore(cfg.Store)
	if err != nil {
		log.Fatalf("snapshot store: %v", err)
	}
	defer store.Close()

	cache := NewCache(CacheConfig{
		RedisURL:    cfg.RedisURL,
		EnableRedis: cfg.EnableRedis,
		DefaultTTL:  cfg.CacheTTL,
	})
	defer cache.Close()

	notifier := NewNotifier(openPublisher(cfg), cfg.CPKAlertThreshold)
	defer notifier.Close()

	cleaner := NewCleaner(CleanupConfig{
		Enabled:       envBool("CLEANUP_ENABLED", true),
		RetentionDays: cfg.SnapshotRetentionDays,
		CheckInterval: time.Duration(envInt("CLEANUP_INTERVAL_HOURS", 24)) * time.Hour,
		InitialDelay:  5 * time.Minute,
	}, store)
	cleaner.Start()

	app := &App{
		cfg:      cfg,
		servers:  servers,
		client:   NewQAClient(cfg, servers),
		cache:    cache,
		store:    store,
		notifier: notifier,
		exporter: openExporter(cfg),
		cleaner:  cleaner,
		limiter:  NewRateLimiter(cfg.RateLimitRPM, cfg.RateBurst),
		now:      time.Now,
	}

	if !cfg.EnableReqLogging {
		gin.SetMode(gin.ReleaseMode)
	}
	router := NewRouter(app)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}

	// Background cache warmup job
	// - On startup: all configured projects over 1/7/30 days
	// - Every 15 min: refresh "today" only
	// - Nightly at 02:00 UTC: full warmup again
	if cfg.CacheEnabled && len(cfg.WarmupProjects) > 0 {
		go func() {
			time.Sleep(5 * time.Second)
			app.warmupCaches(false)

			todayTicker := time.NewTicker(15 * time.Minute)
			nightlyTimer := time.NewTimer(timeUntilNextUTC(2, 0))

			for {
				select {
				case <-todayTicker.C:
					app.warmupCaches(true)
				case <-nightlyTimer.C:
					cacheLog.Infof("Nightly full warmup triggered")
					app.warmupCaches(false)
					nightlyTimer.Reset(24 * time.Hour)
				}
			}
		}()
		Infof("background cache warmup enabled for %v (nightly 02:00 UTC, today refresh every 15m)", cfg.WarmupProjects)
	}

	Infof("qa-dashboard listening on %s", cfg.ListenAddr)
	log.Fatal(srv.ListenAndServe())
}

// -------- Rate limiter (token bucket / minute window, simple) --------

type bucket struct {
	tokens int
	reset  time.Time
}

type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rpm      int
	burst    int
	window   time.Duration
	cleanInt time.Duration
	now      func() time.Time
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*bucket),
		rpm:      rpm,
		burst:    burst,
		window:   time.Minute,
		cleanInt: 5 * time.Minute,
		now:      time.Now,
	}
	if rpm > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

func (r *RateLimiter) cleanupLoop() {
	t := time.NewTicker(r.cleanInt)
	defer t.Stop()
	for range t.C {
		now := r.now()
		r.mu.Lock()
		for k, b := range r.buckets {
			if now.After(b.reset.Add(2 * r.window)) {
				delete(r.buckets, k)
			}
		}
		r.mu.Unlock()
	}
}

// Allow takes one token for key and returns the tokens left.
func (r *RateLimiter) Allow(key string) (bool, int) {
	if r.rpm <= 0 {
		return true, -1
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok || now.After(b.reset) {
		b = &bucket{tokens: min(r.burst, r.rpm), reset: now.Add(r.window)}
		r.buckets[key] = b
	}
	if b.tokens <= 0 {
		return false, 0
	}
	b.tokens--
	return true, b.tokens
}

// Middleware limits per client IP; gin resolves the IP through trusted proxies.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, left := r.Allow(c.ClientIP())
		if left >= 0 {
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", min(r.burst, r.rpm)))
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", left))
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate limit exceeded",
				"rate_limit":        r.rpm,
				"rate_limit_window": r.window.String(),
			})
			return
		}
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Minimal security headers (no cookies anyway)
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

func env(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("missing env %s", k)
	}
	return v
}
func envInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var i int
	_, _ = fmt.Sscanf(v, "%d", &i)
	if i == 0 && v != "0" {
		return def
	}
	return i
}
func envBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
func envFloat(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		return def
	}
	return f
}
func splitCSV(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// timeUntilNextUTC calculates the duration until the next occurrence of hour:minute UTC
func timeUntilNextUTC(hour, minute int) time.Duration {
	now := time.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return time.Until(next)
}

// warmupCaches pre-populates CPK, FPY and Pareto views of the default server.
// If todayOnly=true, only warms days=1.
func (a *App) warmupCaches(todayOnly bool) {
	label := "full"
	if todayOnly {
		label = "today-only"
	}
	cacheLog.Infof("Starting %s cache warmup...", label)
	start := time.Now()

	dayRanges := []int{1}
	if !todayOnly {
		dayRanges = []int{1, 7, 30}
	}

	warmed, failed := 0, 0
	for _, project := range a.cfg.WarmupProjects {
		for _, days := range dayRanges {
			req := viewRequest{Project: project, Days: days}
			for _, domain := range []quality.Domain{quality.DomainCPK, quality.DomainFPY, quality.DomainPareto} {
				v, err := a.resolve(domain, req)
				if err != nil {
					cacheLog.Warnf("Warmup %s %s: %v", domain, project, err)
					failed++
					continue
				}
				if !a.cache.TryStartRefresh(v.key) {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 2*a.upstreamTimeout())
				data, err := a.fetchView(ctx, domain, v.q)
				cancel()
				a.cache.FinishRefresh(v.key)
				if err != nil {
					cacheLog.Warnf("Warmup %s failed days=%d project=%q: %v", domain, days, project, err)
					failed++
					continue
				}
				_ = a.cache.Set(context.Background(), v.key, data, v.ttl)
				warmed++
			}
		}
	}

	cacheLog.Infof("Warmup %s complete: %d warmed, %d failed (took %v)", label, warmed, failed, time.Since(start).Round(time.Second))
}
