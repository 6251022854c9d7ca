package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qualityboard/qa-dashboard/quality"
)

var errBadRequest = errors.New("bad request")

type App struct {
	cfg      Config
	servers  *ServerRegistry
	client   *QAClient
	cache    *Cache
	store    *SnapshotStore
	notifier *Notifier
	exporter *Exporter
	cleaner  *Cleaner
	limiter  *RateLimiter
	now      func() time.Time

	upstreamFailures int64
	snapshotsSaved   int64
}

func NewRouter(a *App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if a.cfg.EnableReqLogging {
		r.Use(gin.Logger())
	}
	if err := r.SetTrustedProxies(a.cfg.TrustedProxies); err != nil {
		Warnf("invalid TRUSTED_PROXIES_CIDR: %v", err)
	}
	r.Use(securityHeaders())

	r.GET("/healthz", a.handleHealth)
	r.GET("/metrics", a.handleMetrics)

	api := r.Group("/api")
	if a.limiter != nil {
		api.Use(a.limiter.Middleware())
	}
	{
		api.GET("/servers", a.handleServers)
		api.GET("/cpk/parameters", a.handleParameters)
		api.GET("/cpk", a.handleCPK)
		api.GET("/cpk/scatter", a.handleScatter)
		api.GET("/cpk/history", a.handleHistory)
		api.GET("/cpk/history/:id", a.handleSnapshot)
		api.GET("/fpy", a.handleFPY)
		api.GET("/pareto", a.handlePareto)
		api.GET("/charts/:kind", a.handleChart)
		api.POST("/export/:kind", a.handleExport)
		api.GET("/cleanup/status", a.handleCleanupStatus)
		api.POST("/cleanup/run", a.handleCleanupRun)
	}
	return r
}

func (a *App) upstreamTimeout() time.Duration {
	if a.cfg.RequestTimeout > 0 {
		return a.cfg.RequestTimeout
	}
	return 60 * time.Second
}

// statusFor maps an error to the HTTP status the dashboard expects.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, quality.ErrMissingProject),
		errors.Is(err, quality.ErrMissingParameter),
		errors.Is(err, quality.ErrInvalidRange),
		errors.Is(err, quality.ErrInvalidView):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownServer), errors.Is(err, ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNoChartData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrExporterDisabled):
		return http.StatusServiceUnavailable
	}
	// upstream errors, timeouts and transport failures
	return http.StatusBadGateway
}

func (a *App) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusBadGateway {
		atomic.AddInt64(&a.upstreamFailures, 1)
		Warnf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(status, gin.H{"error": "failed to fetch data from monitoring server"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// viewRequest is the raw query string of a chart request.
type viewRequest struct {
	Server    string
	Project   string
	Line      string
	Params    []string
	Parameter string
	From      string
	To        string
	Days      int
	View      string
	Limit     int
	MaxPoints int
}

func bindViewRequest(c *gin.Context) (viewRequest, error) {
	r := viewRequest{
		Server:    c.Query("server"),
		Project:   c.Query("project"),
		Line:      c.Query("line"),
		Params:    append(c.QueryArray("param"), splitCSV(c.Query("params"))...),
		Parameter: c.Query("parameter"),
		From:      c.Query("from"),
		To:        c.Query("to"),
		View:      c.Query("view"),
	}
	for name, dst := range map[string]*int{"days": &r.Days, "limit": &r.Limit, "max_points": &r.MaxPoints} {
		s := c.Query(name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return r, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
		}
		*dst = n
	}
	// at most a year
	if r.Days > 365 {
		r.Days = 365
	}
	return r, nil
}

var timeLayouts = []string{time.RFC3339, quality.TimeLayout, "2006-01-02T15:04", "2006-01-02"}

func parseTimeParam(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s is not a valid time", errBadRequest, name)
}

type resolvedView struct {
	q   quality.Query
	key string
	ttl time.Duration
}

// resolve normalizes the request and derives its cache key and TTL. The key
// carries the effective day range rather than the raw days parameter, so a
// request without days shares the entry warmed for the default range.
func (a *App) resolve(domain quality.Domain, r viewRequest) (resolvedView, error) {
	from, err := parseTimeParam("from", r.From)
	if err != nil {
		return resolvedView{}, err
	}
	to, err := parseTimeParam("to", r.To)
	if err != nil {
		return resolvedView{}, err
	}
	srv, err := a.servers.Lookup(r.Server)
	if err != nil {
		return resolvedView{}, err
	}
	rangeDays := r.Days
	if rangeDays <= 0 {
		rangeDays = a.cfg.DefaultRangeDays
	}
	if rangeDays <= 0 {
		rangeDays = 7
	}

	q, err := quality.Query{
		Server:     srv.Name,
		Project:    r.Project,
		Line:       r.Line,
		Parameters: r.Params,
		Parameter:  r.Parameter,
		From:       from,
		To:         to,
		View:       quality.ViewMode(strings.ToLower(strings.TrimSpace(r.View))),
		Limit:      r.Limit,
		MaxPoints:  r.MaxPoints,
	}.Normalize(domain, a.now().UTC(), rangeDays)
	if err != nil {
		return resolvedView{}, err
	}
	if domain == quality.DomainScatter && a.cfg.ScatterMaxPoints > 0 && r.MaxPoints == 0 {
		q.MaxPoints = a.cfg.ScatterMaxPoints
	}

	key := fmt.Sprintf(cacheKeyPrefix+"%s:%s:%s:%s:%s:%s:%s:%d:%d:%s|%s|%d",
		domain, q.Server, q.Project, q.Line, strings.Join(q.Parameters, ","), q.Parameter,
		q.View, q.Limit, q.MaxPoints, r.From, r.To, rangeDays)

	days := r.Days
	if days == 0 {
		days = int(math.Ceil(q.To.Sub(q.From).Hours() / 24))
	}
	return resolvedView{q: q, key: key, ttl: cacheTTLForDays(days, a.cfg.CacheTTL)}, nil
}

// cachedView serves v from cache (stale-while-revalidate) or fetches it.
func cachedView[T any](a *App, c *gin.Context, v resolvedView, fetch func(context.Context) (*T, error)) (*T, error) {
	ctx := c.Request.Context()
	if a.cfg.CacheEnabled {
		var data T
		if a.cache.Get(ctx, v.key, &data) {
			c.Header("X-Cache", "HIT")

			// If stale, trigger background refresh (non-blocking)
			if a.cache.IsStale(ctx, v.key) {
				c.Header("X-Cache", "STALE")
				if a.cache.TryStartRefresh(v.key) {
					go func() {
						defer a.cache.FinishRefresh(v.key)
						refreshCtx, cancel := context.WithTimeout(context.Background(), a.upstreamTimeout())
						defer cancel()
						fresh, err := fetch(refreshCtx)
						if err != nil {
							cacheLog.Warnf("background refresh failed for %s: %v", v.key, err)
							return
						}
						_ = a.cache.Set(context.Background(), v.key, fresh, v.ttl)
						cacheLog.Debugf("background refresh completed for %s", v.key)
					}()
				}
			}
			return &data, nil
		}
	}

	data, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if a.cfg.CacheEnabled {
		_ = a.cache.Set(ctx, v.key, data, v.ttl)
	}
	c.Header("X-Cache", "MISS")
	return data, nil
}

func (a *App) fetchCPK(ctx context.Context, q quality.Query) (*CPKData, error) {
	resp, err := a.client.CalculateCPK(ctx, q)
	if err != nil {
		return nil, err
	}
	data := BuildCPKData(q.Server, q, resp, a.cfg.ViewOptions())
	if len(data.Points) > 0 && a.store != nil {
		a.recordSnapshot(ctx, q, data)
	}
	return data, nil
}

// recordSnapshot persists a calculation and announces it. Failures are
// logged; the dashboard still gets its data.
func (a *App) recordSnapshot(ctx context.Context, q quality.Query, data *CPKData) {
	snap, err := NewSnapshot(q.Server, q, data, "dashboard")
	if err != nil {
		storeLog.Warnf("snapshot encode failed: %v", err)
		return
	}
	if err := a.store.Save(ctx, snap); err != nil {
		storeLog.Warnf("snapshot save failed: %v", err)
		return
	}
	atomic.AddInt64(&a.snapshotsSaved, 1)
	data.SnapshotID = snap.ID
	if a.notifier == nil {
		return
	}
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.notifier.SnapshotSaved(pctx, snap, data); err != nil {
			eventsLog.Warnf("%v", err)
		}
	}()
}

func (a *App) fetchFPY(ctx context.Context, q quality.Query) (*FPYData, error) {
	resp, err := a.client.FetchFPY(ctx, q)
	if err != nil {
		return nil, err
	}
	return BuildFPYData(q.Server, q, resp), nil
}

func (a *App) fetchPareto(ctx context.Context, q quality.Query) (*ParetoData, error) {
	resp, err := a.client.FetchPareto(ctx, q)
	if err != nil {
		return nil, err
	}
	return BuildParetoData(q.Server, q, resp, a.cfg.ViewOptions()), nil
}

func (a *App) fetchScatter(ctx context.Context, q quality.Query) (*ScatterData, error) {
	resp, err := a.client.FetchScatter(ctx, q)
	if err != nil {
		return nil, err
	}
	return BuildScatterData(q.Server, q, resp, a.cfg.ViewOptions()), nil
}

func (a *App) fetchView(ctx context.Context, domain quality.Domain, q quality.Query) (interface{}, error) {
	switch domain {
	case quality.DomainCPK:
		return a.fetchCPK(ctx, q)
	case quality.DomainFPY:
		return a.fetchFPY(ctx, q)
	case quality.DomainPareto:
		return a.fetchPareto(ctx, q)
	case quality.DomainScatter:
		return a.fetchScatter(ctx, q)
	}
	return nil, fmt.Errorf("%w: unknown view %q", errBadRequest, domain)
}

// loadView resolves and loads one of the four chart views for the request.
func (a *App) loadView(c *gin.Context, domain quality.Domain) (interface{}, error) {
	req, err := bindViewRequest(c)
	if err != nil {
		return nil, err
	}
	v, err := a.resolve(domain, req)
	if err != nil {
		return nil, err
	}
	switch domain {
	case quality.DomainCPK:
		return cachedView(a, c, v, func(ctx context.Context) (*CPKData, error) { return a.fetchCPK(ctx, v.q) })
	case quality.DomainFPY:
		return cachedView(a, c, v, func(ctx context.Context) (*FPYData, error) { return a.fetchFPY(ctx, v.q) })
	case quality.DomainPareto:
		return cachedView(a, c, v, func(ctx context.Context) (*ParetoData, error) { return a.fetchPareto(ctx, v.q) })
	case quality.DomainScatter:
		return cachedView(a, c, v, func(ctx context.Context) (*ScatterData, error) { return a.fetchScatter(ctx, v.q) })
	}
	return nil, fmt.Errorf("%w: unknown view %q", errBadRequest, domain)
}

func (a *App) serveView(c *gin.Context, domain quality.Domain) {
	data, err := a.loadView(c, domain)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func (a *App) handleCPK(c *gin.Context)     { a.serveView(c, quality.DomainCPK) }
func (a *App) handleFPY(c *gin.Context)     { a.serveView(c, quality.DomainFPY) }
func (a *App) handlePareto(c *gin.Context)  { a.serveView(c, quality.DomainPareto) }
func (a *App) handleScatter(c *gin.Context) { a.serveView(c, quality.DomainScatter) }

func (a *App) handleServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"servers": a.servers.List(),
		"default": a.servers.Default().Name,
	})
}

func (a *App) handleParameters(c *gin.Context) {
	srv, err := a.servers.Lookup(c.Query("server"))
	if err != nil {
		a.fail(c, err)
		return
	}
	q := quality.Query{Server: srv.Name, Project: strings.TrimSpace(c.Query("project")), Line: strings.TrimSpace(c.Query("line"))}
	if q.Project == "" {
		a.fail(c, quality.ErrMissingProject)
		return
	}
	v := resolvedView{q: q, key: fmt.Sprintf(cacheKeyPrefix+"params:%s:%s:%s", q.Server, q.Project, q.Line), ttl: 10 * time.Minute}
	type paramList struct {
		Parameters []string `json:"parameters"`
	}
	data, err := cachedView(a, c, v, func(ctx context.Context) (*paramList, error) {
		names, err := a.client.FetchParameters(ctx, q)
		if err != nil {
			return nil, err
		}
		if names == nil {
			names = []string{}
		}
		return &paramList{Parameters: names}, nil
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func (a *App) handleHistory(c *gin.Context) {
	f := SnapshotFilter{Project: strings.TrimSpace(c.Query("project"))}
	if s := c.Query("server"); s != "" {
		srv, err := a.servers.Lookup(s)
		if err != nil {
			a.fail(c, err)
			return
		}
		f.Server = srv.Name
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			a.fail(c, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		f.Limit = n
	}
	if s := c.Query("days"); s != "" {
		d, err := strconv.Atoi(s)
		if err != nil || d < 0 {
			a.fail(c, fmt.Errorf("%w: days must be a non-negative integer", errBadRequest))
			return
		}
		if d > 0 {
			f.Since = a.now().AddDate(0, 0, -d)
		}
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	snaps, err := a.store.List(ctx, f)
	if err != nil {
		storeLog.Warnf("list failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list snapshots"})
		return
	}
	if snaps == nil {
		snaps = []Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}

func (a *App) handleSnapshot(c *gin.Context) {
	snap, err := a.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			a.fail(c, err)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}
	points, err := snap.Decode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "points": points})
}

func domainForKind(kind string) (quality.Domain, error) {
	switch d := quality.Domain(strings.ToLower(kind)); d {
	case quality.DomainCPK, quality.DomainFPY, quality.DomainPareto, quality.DomainScatter:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown chart kind %q", errBadRequest, kind)
}

func renderPNG(view interface{}) ([]byte, error) {
	switch v := view.(type) {
	case *CPKData:
		return RenderCPKChart(v)
	case *FPYData:
		return RenderFPYChart(v)
	case *ParetoData:
		return RenderParetoChart(v)
	case *ScatterData:
		return RenderScatterChart(v)
	}
	return nil, ErrNoChartData
}

func renderCSV(view interface{}) ([]byte, error) {
	switch v := view.(type) {
	case *CPKData:
		return CPKCSV(v)
	case *FPYData:
		return FPYCSV(v)
	case *ParetoData:
		return ParetoCSV(v)
	case *ScatterData:
		return ScatterCSV(v)
	}
	return nil, ErrNoChartData
}

func (a *App) handleChart(c *gin.Context) {
	domain, err := domainForKind(c.Param("kind"))
	if err != nil {
		a.fail(c, err)
		return
	}
	view, err := a.loadView(c, domain)
	if err != nil {
		a.fail(c, err)
		return
	}
	png, err := renderPNG(view)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (a *App) handleExport(c *gin.Context) {
	if !a.exporter.Enabled() {
		a.fail(c, ErrExporterDisabled)
		return
	}
	domain, err := domainForKind(c.Param("kind"))
	if err != nil {
		a.fail(c, err)
		return
	}
	format := strings.ToLower(c.DefaultQuery("format", "csv"))
	if format != "csv" && format != "png" {
		a.fail(c, fmt.Errorf("%w: format must be csv or png", errBadRequest))
		return
	}
	view, err := a.loadView(c, domain)
	if err != nil {
		a.fail(c, err)
		return
	}
	var body []byte
	if format == "png" {
		body, err = renderPNG(view)
	} else {
		body, err = renderCSV(view)
	}
	if err != nil {
		a.fail(c, err)
		return
	}
	res, err := a.exporter.Publish(c.Request.Context(), string(domain), format, body)
	if err != nil {
		exportLog.Warnf("upload failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "export upload failed"})
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (a *App) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := gin.H{
		"status": "ok",
		"time":   a.now().UTC().Format(time.RFC3339),
		"cache":  a.cache.Backend(),
	}
	code := http.StatusOK
	srv := a.servers.Default()
	if err := a.client.Ping(ctx, srv); err != nil {
		status["status"] = "degraded"
		status["monitoring_server"] = "disconnected"
		code = http.StatusServiceUnavailable
	} else {
		status["monitoring_server"] = "connected"
	}
	if _, err := a.store.Count(ctx); err != nil {
		status["status"] = "degraded"
		status["store"] = "unavailable"
		code = http.StatusServiceUnavailable
	} else {
		status["store"] = "ok"
	}
	c.JSON(code, status)
}

// handleMetrics writes Prometheus text format.
func (a *App) handleMetrics(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	total, err := a.store.Count(ctx)
	if err != nil {
		c.String(http.StatusInternalServerError, "failed to fetch metrics")
		return
	}
	st := a.cache.Stats()

	var b strings.Builder
	metric := func(name, typ, help string, v interface{}) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %v\n\n", name, help, name, typ, name, v)
	}
	metric("qa_snapshots_total", "gauge", "CPK snapshots currently stored", total)
	metric("qa_snapshots_saved_total", "counter", "CPK snapshots saved since start", atomic.LoadInt64(&a.snapshotsSaved))
	metric("qa_upstream_failures_total", "counter", "Failed monitoring server requests", atomic.LoadInt64(&a.upstreamFailures))
	metric("qa_cache_hits_total", "counter", "Cache hits", st.Hits)
	metric("qa_cache_misses_total", "counter", "Cache misses", st.Misses)
	metric("qa_cache_stale_total", "counter", "Stale cache reads", st.Stale)
	metric("qa_cache_entries", "gauge", "Entries in the cache", st.Entries)
	metric("qa_monitor_servers", "gauge", "Configured monitoring servers", len(a.servers.List()))

	c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
}

func (a *App) handleCleanupStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	eligible, oldest, err := a.cleaner.GetRetentionStats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check retention"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"eligible":       eligible,
		"oldest_date":    oldest,
		"retention_days": a.cleaner.cfg.RetentionDays,
		"check_interval": a.cleaner.cfg.CheckInterval.String(),
		"enabled":        a.cleaner.cfg.Enabled,
	})
}

func (a *App) handleCleanupRun(c *gin.Context) {
	if a.cfg.AdminPassword == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin password not configured"})
		return
	}
	password := c.GetHeader("X-Admin-Password")
	if password == "" {
		var body struct {
			Password string `json:"password"`
		}
		_ = c.ShouldBindJSON(&body)
		password = body.Password
	}
	if password != a.cfg.AdminPassword {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	deleted, err := a.cleaner.RunNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted": deleted,
		"message": fmt.Sprintf("Deleted %d expired snapshots", deleted),
	})
}
