package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfarm/internal/collector"
	"botfarm/internal/compose"
	"botfarm/internal/config"
	"botfarm/internal/proxy"
	"botfarm/internal/runner"
	"botfarm/internal/store"
)

// fakeRuntime 与 runner 包测试同构的最小假运行时。
type fakeRuntime struct {
	mu       sync.Mutex
	aliveSet map[string]bool
	launches []runner.LaunchSpec
}

func (f *fakeRuntime) Alive(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveSet[name], nil
}

func (f *fakeRuntime) Launch(_ context.Context, spec runner.LaunchSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, spec)
	f.aliveSet[spec.Name] = true
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, name string) (runner.InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return runner.InspectResult{Exists: true, Running: f.aliveSet[name]}, nil
}

func (f *fakeRuntime) Kill(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.aliveSet, name)
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeRuntime) {
	t.Helper()
	base := t.TempDir()

	cfg := &config.Config{}
	cfg.App.Env = "dev"
	cfg.App.HTTPAddr = ":0"
	cfg.Workspace.BaseDir = filepath.Join(base, "workspaces")
	cfg.Store.Path = filepath.Join(base, "test.db")
	cfg.Runner.Image = "freqtradeorg/freqtrade:stable"
	cfg.Collector.Limit = 30

	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rt := &fakeRuntime{aliveSet: map[string]bool{}}
	composer := &compose.Composer{
		Secret:    func() string { return "test-secret-0000" },
		ProbePort: func(base int) int { return base },
	}
	collectors := collector.NewRegistry()
	t.Cleanup(collectors.Close)

	srv := NewServer(Deps{
		Config:   cfg,
		Store:    st,
		Orch:     &runner.Orchestrator{Store: st, RT: rt, Composer: composer, Image: cfg.Runner.Image, GraceWait: time.Millisecond},
		Composer: composer,
		Forwarder: proxy.New(time.Second),
		Collectors: collectors,
	})
	return srv, rt
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestTenantAndInstanceRegistration(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	w := doJSON(t, r, http.MethodPost, "/api/tenants", map[string]any{"name": "acme"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tenant := decode(t, w)
	tenantID := int64(tenant["id"].(float64))
	assert.DirExists(t, tenant["workspace_root"].(string))

	w = doJSON(t, r, http.MethodPost, "/api/tenants/"+strconv.FormatInt(tenantID, 10)+"/instances",
		map[string]any{"name": "alpha", "mode": "dryrun"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inst := decode(t, w)
	assert.DirExists(t, inst["userdir"].(string))
	assert.Equal(t, "dryrun", inst["mode"])

	// 非法模式
	w = doJSON(t, r, http.MethodPost, "/api/tenants/"+strconv.FormatInt(tenantID, 10)+"/instances",
		map[string]any{"name": "beta", "mode": "paper"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 重名
	w = doJSON(t, r, http.MethodPost, "/api/tenants/"+strconv.FormatInt(tenantID, 10)+"/instances",
		map[string]any{"name": "alpha"})
	assert.NotEqual(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/tenants", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// registerInstance 建租户+实例并写好真实策略，返回实例 id 与 userdir。
func registerInstance(t *testing.T, r http.Handler) (string, string) {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/tenants", map[string]any{"name": "acme"})
	require.Equal(t, http.StatusCreated, w.Code)
	tenantID := strconv.Itoa(int(decode(t, w)["id"].(float64)))

	w = doJSON(t, r, http.MethodPost, "/api/tenants/"+tenantID+"/instances", map[string]any{"name": "alpha"})
	require.Equal(t, http.StatusCreated, w.Code)
	inst := decode(t, w)
	instID := strconv.Itoa(int(inst["id"].(float64)))
	userDir := inst["userdir"].(string)

	src := "class SampleStrategy(IStrategy):\n    timeframe = '5m'\n"
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "strategies", "SampleStrategy.py"), []byte(src), 0o644))

	w = doJSON(t, r, http.MethodPut, "/api/instances/"+instID+"/strategy", map[string]any{"identifier": "SampleStrategy"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return instID, userDir
}

func TestValidateEndpointReportsProblems(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()
	instID, userDir := registerInstance(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/instances/"+instID+"/validate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode(t, w)
	assert.Equal(t, true, report["ok"], w.Body.String())

	// 破坏 bot 层后报告应失败（仍然 200）
	path := filepath.Join(userDir, "configs", "bot.json")
	doc := compose.LoadDocumentFile(path)
	doc["pair_whitelist"] = []any{}
	require.NoError(t, compose.WriteAtomic(path, doc))

	w = doJSON(t, r, http.MethodPost, "/api/instances/"+instID+"/validate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report = decode(t, w)
	assert.Equal(t, false, report["ok"])
}

func TestLifecycleStartStatusStop(t *testing.T) {
	srv, rt := newTestServer(t)
	r := srv.Router()
	instID, _ := registerInstance(t, r)

	w := doJSON(t, r, http.MethodPost, "/api/instances/"+instID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec := decode(t, w)
	assert.Equal(t, "running", rec["status"])
	require.Len(t, rt.launches, 1)

	// 二次启动 -> 单活冲突
	w = doJSON(t, r, http.MethodPost, "/api/instances/"+instID+"/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/instances/"+instID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", decode(t, w)["status"])

	w = doJSON(t, r, http.MethodPost, "/api/instances/"+instID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stopped", decode(t, w)["status"])

	// stop 幂等
	w = doJSON(t, r, http.MethodPost, "/api/instances/"+instID+"/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartPlaceholderStrategyRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	w := doJSON(t, r, http.MethodPost, "/api/tenants", map[string]any{"name": "acme"})
	tenantID := strconv.Itoa(int(decode(t, w)["id"].(float64)))
	w = doJSON(t, r, http.MethodPost, "/api/tenants/"+tenantID+"/instances", map[string]any{"name": "alpha"})
	instID := strconv.Itoa(int(decode(t, w)["id"].(float64)))

	w = doJSON(t, r, http.MethodPost, "/api/instances/"+instID+"/start", nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code, w.Body.String())
}

func TestProxyWithoutProcessRecordIs503(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()
	instID, _ := registerInstance(t, r)

	w := doJSON(t, r, http.MethodGet, "/api/instances/"+instID+"/api/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestConfigRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()
	instID, _ := registerInstance(t, r)

	w := doJSON(t, r, http.MethodPut, "/api/instances/"+instID+"/config/bot",
		map[string]any{"dry_run": true, "stake_amount": 42.0, "pair_whitelist": []any{"BTC/USDT"}, "strategy": "SampleStrategy"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/instances/"+instID+"/config/bot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 42.0, decode(t, w)["stake_amount"])

	// reset 回到占位脚手架
	w = doJSON(t, r, http.MethodPost, "/api/instances/"+instID+"/config/bot/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodGet, "/api/instances/"+instID+"/config/bot", nil)
	doc := decode(t, w)
	assert.Equal(t, 10.0, doc["stake_amount"])
	assert.Equal(t, "__SET_YOUR_STRATEGY__", doc["strategy"])
}

func TestPreviewRedactsPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()
	instID, _ := registerInstance(t, r)

	w := doJSON(t, r, http.MethodGet, "/api/instances/"+instID+"/config/preview?mode=dryrun", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	api := out["config"].(map[string]any)["api_server"].(map[string]any)
	assert.Equal(t, "******", api["password"])
}

// registerNamedInstance 同 registerInstance，但策略源码可定制。
func registerNamedInstance(t *testing.T, r http.Handler, tenantID, name, class, source string) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/api/tenants/"+tenantID+"/instances", map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, w.Code)
	inst := decode(t, w)
	instID := strconv.Itoa(int(inst["id"].(float64)))
	userDir := inst["userdir"].(string)

	require.NoError(t, os.WriteFile(filepath.Join(userDir, "strategies", class+".py"), []byte(source), 0o644))
	w = doJSON(t, r, http.MethodPut, "/api/instances/"+instID+"/strategy", map[string]any{"identifier": class})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return instID
}

func TestCollectorTimeframePreference(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()

	w := doJSON(t, r, http.MethodPost, "/api/tenants", map[string]any{"name": "acme"})
	require.Equal(t, http.StatusCreated, w.Code)
	tenantID := strconv.Itoa(int(decode(t, w)["id"].(float64)))

	// 策略声明 15m，压过文档里的系统默认 1m
	instID := registerNamedInstance(t, r, tenantID, "alpha", "SlowStrategy",
		"class SlowStrategy(IStrategy):\n    timeframe = '15m'\n")
	w = doJSON(t, r, http.MethodPost, "/api/instances/"+instID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	id, err := strconv.ParseInt(instID, 10, 64)
	require.NoError(t, err)
	col := srv.collectors.Get(id)
	require.NotNil(t, col)
	assert.Equal(t, "15m", col.Timeframe)

	// 策略未声明周期时退回文档周期
	bareID := registerNamedInstance(t, r, tenantID, "beta", "BareStrategy",
		"class BareStrategy(IStrategy):\n    pass\n")
	w = doJSON(t, r, http.MethodPost, "/api/instances/"+bareID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	id2, err := strconv.ParseInt(bareID, 10, 64)
	require.NoError(t, err)
	col2 := srv.collectors.Get(id2)
	require.NotNil(t, col2)
	assert.Equal(t, "1m", col2.Timeframe)
}

func TestSamplesWithoutCollectorIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()
	instID, _ := registerInstance(t, r)

	w := doJSON(t, r, http.MethodGet, "/api/instances/"+instID+"/samples", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnknownInstanceIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	r := srv.Router()
	w := doJSON(t, r, http.MethodGet, "/api/instances/424242", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
