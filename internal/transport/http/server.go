package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"botfarm/internal/collector"
	"botfarm/internal/compose"
	"botfarm/internal/config"
	"botfarm/internal/logger"
	"botfarm/internal/market"
	"botfarm/internal/proxy"
	"botfarm/internal/runner"
	"botfarm/internal/store"
)

// 中文说明：
// 管理面 HTTP 服务。路由分四块：租户/实例登记、配置 CRUD 与校验、
// 生命周期、worker 控制 API 透传。错误统一映射：冲突 409、
// 校验失败 422、占位策略 412、未找到 404、运行时故障 502。

// Server 管理面 HTTP 服务器。
type Server struct {
	cfg        *config.Config
	store      *store.Store
	orch       *runner.Orchestrator
	composer   *compose.Composer
	forwarder  *proxy.Forwarder
	collectors *collector.Registry
	candles    market.CandleSource

	httpSrv *http.Server
}

// Deps Server 的装配依赖。
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Orch       *runner.Orchestrator
	Composer   *compose.Composer
	Forwarder  *proxy.Forwarder
	Collectors *collector.Registry
	Candles    market.CandleSource
}

func NewServer(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		store:      d.Store,
		orch:       d.Orch,
		composer:   d.Composer,
		forwarder:  d.Forwarder,
		collectors: d.Collectors,
		candles:    d.Candles,
	}
	if s.cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.httpSrv = &http.Server{
		Addr:    s.cfg.App.HTTPAddr,
		Handler: s.Router(),
	}
	return s
}

// Router 组装全部路由。
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.POST("/tenants", s.createTenant)
		api.GET("/tenants", s.listTenants)
		api.GET("/tenants/:id", s.getTenant)
		api.GET("/tenants/:id/strategies", s.listTenantStrategies)
		api.GET("/tenants/:id/config/account", s.getAccountConfig)
		api.PUT("/tenants/:id/config/account", s.putAccountConfig)
		api.GET("/tenants/:id/config/meta", s.getMetaConfig)
		api.PUT("/tenants/:id/config/meta", s.putMetaConfig)
		api.POST("/tenants/:id/config/account/reset", s.resetAccountConfig)
		api.POST("/tenants/:id/config/meta/reset", s.resetMetaConfig)

		api.POST("/tenants/:id/instances", s.createInstance)
		api.GET("/tenants/:id/instances", s.listInstances)

		api.GET("/instances/:id", s.getInstance)
		api.DELETE("/instances/:id", s.deleteInstance)
		api.PUT("/instances/:id/mode", s.setInstanceMode)
		api.PUT("/instances/:id/strategy", s.setInstanceStrategy)
		api.GET("/instances/:id/config/bot", s.getBotConfig)
		api.PUT("/instances/:id/config/bot", s.putBotConfig)
		api.POST("/instances/:id/config/bot/reset", s.resetBotConfig)
		api.GET("/instances/:id/config/preview", s.previewConfig)
		api.POST("/instances/:id/validate", s.validateInstance)

		api.POST("/instances/:id/start", s.startInstance)
		api.POST("/instances/:id/stop", s.stopInstance)
		api.GET("/instances/:id/status", s.instanceStatus)
		api.POST("/instances/:id/backtest", s.backtestInstance)

		api.GET("/instances/:id/strategies", s.listInstanceStrategies)
		api.GET("/instances/:id/samples", s.collectorSamples)
		api.POST("/instances/:id/chart", s.renderChart)
		api.GET("/instances/:id/stream", s.streamSamples)

		api.Any("/instances/:id/api/*path", s.forwardControlAPI)
	}
	return r
}

// Start 启动监听并随 ctx 优雅退出。
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("✓ 管理面 HTTP 监听 %s", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Addr() string { return s.httpSrv.Addr }

// --- 公共小工具 ---

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法 id"})
		return 0, false
	}
	return id, true
}

// loadInstance 取实例及其所属租户；失败时已写响应。
func (s *Server) loadInstance(c *gin.Context) (store.Tenant, store.Instance, bool) {
	id, ok := idParam(c)
	if !ok {
		return store.Tenant{}, store.Instance{}, false
	}
	inst, err := s.store.GetInstance(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return store.Tenant{}, store.Instance{}, false
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), inst.TenantID)
	if err != nil {
		respondError(c, err)
		return store.Tenant{}, store.Instance{}, false
	}
	return tenant, inst, true
}

// respondError 统一的错误 -> HTTP 映射。
func respondError(c *gin.Context, err error) {
	var (
		conflict *runner.ConflictError
		invalid  *runner.ValidationError
		rtErr    *runner.RuntimeError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "handle": conflict.Handle})
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "report": invalid.Report})
	case errors.Is(err, runner.ErrStrategyNotSet):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
	case errors.As(err, &rtErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

var validModes = map[string]bool{"live": true, "dryrun": true, "backstage": true}
