package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qualityboard/qa-dashboard/quality"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeQualityAPI answers the quality API endpoints with canned bodies.
type fakeQualityAPI struct {
	mu     sync.Mutex
	calls  map[string]int
	bodies map[string]string
	status map[string]int
	last   map[string]map[string]any
}

func newFakeQualityAPI() *fakeQualityAPI {
	return &fakeQualityAPI{
		calls:  map[string]int{},
		status: map[string]int{},
		last:   map[string]map[string]any{},
		bodies: map[string]string{
			DefaultEndpoints.Parameters: `{"data":["Height","Width"]}`,
			DefaultEndpoints.CPK:        `{"data":[{"ParameterName":"Height","CPKValue":1.8},{"ParameterName":"Width","CPKValue":0.9}]}`,
			DefaultEndpoints.FPY:        `[{"StageName":"SMT","PassCount":95,"FailCount":5},{"StageName":"AOI","PassCount":48,"FailCount":2}]`,
			DefaultEndpoints.Pareto:     `[{"DefectName":"Short","Count":7},{"DefectName":"Solder","Count":3}]`,
			DefaultEndpoints.Scatter:    `{"config":{"LowerLimit":1,"UpperLimit":2},"lstVal":[1.2,1.5,1.9]}`,
		},
	}
}

func (f *fakeQualityAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[r.URL.Path]++
	if r.Method == http.MethodGet && r.URL.Path == "/" {
		w.WriteHeader(http.StatusOK)
		return
	}
	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)
	f.last[r.URL.Path] = payload
	if st := f.status[r.URL.Path]; st != 0 {
		w.WriteHeader(st)
		_, _ = w.Write([]byte("boom"))
		return
	}
	body, ok := f.bodies[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (f *fakeQualityAPI) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeQualityAPI) fail(path string, status int) {
	f.mu.Lock()
	f.status[path] = status
	f.mu.Unlock()
}

type testEnv struct {
	app     *App
	router  *gin.Engine
	api     *fakeQualityAPI
	objects *memObjectStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	api := newFakeQualityAPI()
	upstream := httptest.NewServer(api)
	t.Cleanup(upstream.Close)

	cfg := Config{
		MonitorServers:    "plant-a=" + upstream.URL + ",plant-b=" + upstream.URL,
		Endpoints:         DefaultEndpoints,
		RequestTimeout:    5 * time.Second,
		CacheEnabled:      true,
		CacheTTL:          time.Minute,
		DefaultLimits:     quality.PlaceholderLimits,
		ScatterMaxPoints:  100,
		CPKTarget:         1.33,
		CPKAlertThreshold: 1.0,
		DefaultRangeDays:  7,
		AdminPassword:     "letmein",
	}
	servers, err := ParseServers(cfg.MonitorServers, "")
	if err != nil {
		t.Fatalf("servers: %v", err)
	}
	store := openTestStore(t)
	objects := newMemObjectStore()
	notifier := NewNotifier(&recordingPublisher{}, cfg.CPKAlertThreshold)
	notifier.retry = fastRetry

	app := &App{
		cfg:      cfg,
		servers:  servers,
		client:   NewQAClient(cfg, servers),
		cache:    NewCache(CacheConfig{DefaultTTL: cfg.CacheTTL}),
		store:    store,
		notifier: notifier,
		exporter: NewExporter(objects, time.Hour),
		cleaner:  NewCleaner(CleanupConfig{RetentionDays: 30}, store),
		limiter:  NewRateLimiter(0, 0),
		now:      func() time.Time { return time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC) },
	}
	return &testEnv{app: app, router: NewRouter(app), api: api, objects: objects}
}

func (e *testEnv) do(method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestCPKViewIsCachedAndSnapshotted(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/cpk?project=PCBA&days=7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("first request should miss, got %q", w.Header().Get("X-Cache"))
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
	var data CPKData
	if err := json.Unmarshal(w.Body.Bytes(), &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(data.Points) != 2 || data.Summary.BelowTarget != 1 || data.SnapshotID == "" || data.Server != "plant-a" {
		t.Fatalf("cpk data: %+v", data)
	}
	if !data.To.Equal(env.app.now()) || !data.From.Equal(env.app.now().AddDate(0, 0, -7)) {
		t.Fatalf("range: %v .. %v", data.From, data.To)
	}

	w = env.do(http.MethodGet, "/api/cpk?project=PCBA&days=7", nil)
	if w.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("second request should hit, got %q", w.Header().Get("X-Cache"))
	}
	if n := env.api.count(DefaultEndpoints.CPK); n != 1 {
		t.Fatalf("upstream called %d times", n)
	}

	w = env.do(http.MethodGet, "/api/cpk/history?project=PCBA", nil)
	var hist struct {
		Count     int        `json:"count"`
		Snapshots []Snapshot `json:"snapshots"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &hist)
	if hist.Count != 1 || hist.Snapshots[0].ID != data.SnapshotID {
		t.Fatalf("history: %s", w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/cpk/history/"+data.SnapshotID, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"Width"`) {
		t.Fatalf("snapshot detail %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(http.MethodGet, "/api/cpk/history/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing snapshot: %d", w.Code)
	}
}

func TestStaleEntryIsServedAndRefreshed(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(http.MethodGet, "/api/fpy?project=PCBA&days=1", nil); w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	env.app.cache.now = func() time.Time { return time.Now().Add(45 * time.Second) }

	w := env.do(http.MethodGet, "/api/fpy?project=PCBA&days=1", nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Cache") != "STALE" {
		t.Fatalf("expected stale hit, got %d %q", w.Code, w.Header().Get("X-Cache"))
	}
	deadline := time.Now().Add(2 * time.Second)
	for env.api.count(DefaultEndpoints.FPY) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("background refresh did not reach upstream")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOmittedDaysSharesDefaultRangeEntry(t *testing.T) {
	env := newTestEnv(t)

	implicit, err := env.app.resolve(quality.DomainCPK, viewRequest{Project: "PCBA"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	explicit, err := env.app.resolve(quality.DomainCPK, viewRequest{Project: "PCBA", Days: 7})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if implicit.key != explicit.key || implicit.ttl != explicit.ttl {
		t.Fatalf("keys differ: %q / %q", implicit.key, explicit.key)
	}

	env.app.cfg.WarmupProjects = []string{"PCBA"}
	env.app.warmupCaches(false)
	before := env.api.count(DefaultEndpoints.CPK)

	w := env.do(http.MethodGet, "/api/cpk?project=PCBA", nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("warmed default range should hit: %d %q", w.Code, w.Header().Get("X-Cache"))
	}
	if n := env.api.count(DefaultEndpoints.CPK); n != before {
		t.Fatalf("upstream called again: %d -> %d", before, n)
	}
}

func TestViewRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		target string
		want   int
	}{
		{"/api/cpk", http.StatusBadRequest},
		{"/api/cpk?project=P&server=plant-z", http.StatusNotFound},
		{"/api/fpy?project=P&view=hourly", http.StatusBadRequest},
		{"/api/pareto?project=P&days=abc", http.StatusBadRequest},
		{"/api/cpk?project=P&from=yesterday", http.StatusBadRequest},
		{"/api/cpk?project=P&from=2026-04-09&to=2026-04-01", http.StatusBadRequest},
		{"/api/cpk/scatter?project=P", http.StatusBadRequest},
		{"/api/charts/histogram?project=P", http.StatusBadRequest},
		{"/api/cpk/history?limit=abc", http.StatusBadRequest},
		{"/api/cpk/history?limit=-1", http.StatusBadRequest},
		{"/api/cpk/history?days=x", http.StatusBadRequest},
	}
	for _, c := range cases {
		if w := env.do(http.MethodGet, c.target, nil); w.Code != c.want {
			t.Fatalf("%s: got %d want %d (%s)", c.target, w.Code, c.want, w.Body.String())
		}
	}
}

func TestViewsAndPayloads(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/pareto?project=PCBA&server=plant-b&view=week&limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pareto %d: %s", w.Code, w.Body.String())
	}
	var pareto ParetoData
	_ = json.Unmarshal(w.Body.Bytes(), &pareto)
	if pareto.TotalDefects != 10 || pareto.Server != "plant-b" || pareto.Defects[0].Name != "Short" {
		t.Fatalf("pareto: %+v", pareto)
	}
	sent := env.api.last[DefaultEndpoints.Pareto]
	if sent["ViewMode"] != "week" || sent["TopN"] != float64(5) || sent["ProjectName"] != "PCBA" {
		t.Fatalf("pareto payload: %v", sent)
	}

	w = env.do(http.MethodGet, "/api/cpk/scatter?project=PCBA&parameter=Height&from=2026-04-01&to=2026-04-02", nil)
	var scatter ScatterData
	_ = json.Unmarshal(w.Body.Bytes(), &scatter)
	if w.Code != http.StatusOK || len(scatter.Values) != 3 || scatter.UpperLimit != 2 {
		t.Fatalf("scatter %d: %s", w.Code, w.Body.String())
	}
	if sent := env.api.last[DefaultEndpoints.Scatter]; sent["StartTime"] != "2026-04-01 00:00:00" || sent["ParameterName"] != "Height" {
		t.Fatalf("scatter payload: %v", sent)
	}

	w = env.do(http.MethodGet, "/api/cpk/parameters?project=PCBA", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"Width"`) {
		t.Fatalf("parameters %d: %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/api/servers", nil)
	if !strings.Contains(w.Body.String(), `"default":"plant-a"`) {
		t.Fatalf("servers: %s", w.Body.String())
	}
}

func TestUpstreamFailureMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.api.fail(DefaultEndpoints.FPY, http.StatusInternalServerError)

	w := env.do(http.MethodGet, "/api/fpy?project=PCBA", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Fatalf("upstream body leaked to client: %s", w.Body.String())
	}

	w = env.do(http.MethodGet, "/metrics", nil)
	if !strings.Contains(w.Body.String(), "qa_upstream_failures_total 1") {
		t.Fatalf("metrics: %s", w.Body.String())
	}
}

func TestChartAndExportEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/charts/fpy?project=PCBA", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("chart %d %q", w.Code, w.Header().Get("Content-Type"))
	}

	w = env.do(http.MethodPost, "/api/export/pareto?project=PCBA&format=csv", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("export %d: %s", w.Code, w.Body.String())
	}
	var res ExportResult
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	body, ok := env.objects.objects[res.Key]
	if !ok || !strings.HasPrefix(string(body), "defect,count") {
		t.Fatalf("uploaded export: %q", body)
	}

	if w := env.do(http.MethodPost, "/api/export/pareto?project=PCBA&format=xlsx", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad format: %d", w.Code)
	}

	env.app.exporter = NewExporter(nil, time.Hour)
	if w := env.do(http.MethodPost, "/api/export/cpk?project=PCBA", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled export: %d", w.Code)
	}
}

func TestCleanupEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(http.MethodPost, "/api/cleanup/run", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no password: %d", w.Code)
	}
	w := env.do(http.MethodPost, "/api/cleanup/run", map[string]string{"X-Admin-Password": "letmein"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deleted":0`) {
		t.Fatalf("cleanup run %d: %s", w.Code, w.Body.String())
	}
	w = env.do(http.MethodGet, "/api/cleanup/status", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"retention_days":30`) {
		t.Fatalf("cleanup status %d: %s", w.Code, w.Body.String())
	}

	env.app.cfg.AdminPassword = ""
	if w := env.do(http.MethodPost, "/api/cleanup/run", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured: %d", w.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"monitoring_server":"connected"`) {
		t.Fatalf("healthz %d: %s", w.Code, w.Body.String())
	}
}
