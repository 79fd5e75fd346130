package http

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"botfarm/internal/collector"
	"botfarm/internal/compose"
	"botfarm/internal/logger"
	"botfarm/internal/market"
	"botfarm/internal/proxy"
	"botfarm/internal/runner"
	"botfarm/internal/store"
)

// 生命周期路由。start/stop 对同一实例由编排器的探测语义保证安全；
// 采集器随 start 拉起、随 stop/delete 撤掉。

func (s *Server) startInstance(c *gin.Context) {
	tenant, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	rec, err := s.orch.Start(c.Request.Context(), tenant, inst)
	if err != nil {
		respondError(c, err)
		return
	}
	if rec.Status == string(runner.StateRunning) {
		s.ensureCollector(inst, rec)
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) stopInstance(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	s.collectors.Drop(inst.ID)
	rec, err := s.orch.Stop(c.Request.Context(), inst)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) instanceStatus(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.orch.Status(c.Request.Context(), inst))
}

func (s *Server) backtestInstance(c *gin.Context) {
	tenant, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	var params runner.BacktestParams
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "非法回测参数"})
			return
		}
	}
	handle, err := s.orch.Backtest(c.Request.Context(), tenant, inst, params)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"handle": handle})
}

// forwardControlAPI 把 /instances/:id/api/* 透传到 worker 控制 API。
// 基址与凭证取自最近一次启动的合成文档；没有启动记录视同未启用。
func (s *Server) forwardControlAPI(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	rec, err := s.store.GetProcess(c.Request.Context(), inst.ID)
	if err != nil || rec.ConfigPath == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "control API not enabled"})
		return
	}
	doc := compose.LoadDocumentFile(rec.ConfigPath)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取请求体失败"})
		return
	}
	res, err := s.forwarder.Forward(c.Request.Context(), doc,
		c.Request.Method, c.Param("path"), c.Request.URL.Query(), body, c.ContentType())
	if err != nil && err != proxy.ErrNotEnabled {
		respondError(c, err)
		return
	}
	c.JSON(res.Status, res.Payload)
}

// --- 采集器装配 ---

// ensureCollector 按合成文档的交易对与周期拉起实例采集器。
// 周期优先级：策略描述的 timeframe > 文档 timeframe > "5m"。
func (s *Server) ensureCollector(inst store.Instance, rec store.ProcessRecord) {
	doc := compose.LoadDocumentFile(rec.ConfigPath)
	pairs := pairWhitelist(doc)
	if len(pairs) == 0 {
		logger.Warnf("实例 %d 无交易对白名单，跳过采集器", inst.ID)
		return
	}
	tf := runner.ParseStrategySpec(inst.ActiveStrategy).Timeframe
	if tf == "" {
		tf, _ = doc["timeframe"].(string)
	}
	if tf == "" {
		tf = "5m"
	}
	s.collectors.Ensure(inst.ID, pairs, tf, s.cfg.Collector.Limit, s.fetchFor(doc))
}

func pairWhitelist(doc compose.Document) []string {
	raw, _ := doc["pair_whitelist"].([]any)
	if raw == nil {
		if exch, _ := doc["exchange"].(map[string]any); exch != nil {
			raw, _ = exch["pair_whitelist"].([]any)
		}
	}
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// fetchFor 组合取数路径：worker 控制 API 优先，失败退交易所 REST。
func (s *Server) fetchFor(doc compose.Document) collector.FetchFunc {
	return func(ctx context.Context, pair, timeframe string, limit int) ([]market.Candle, string, error) {
		q := url.Values{
			"pair":      {pair},
			"timeframe": {timeframe},
			"limit":     {strconv.Itoa(limit)},
		}
		res, err := s.forwarder.Forward(ctx, doc, http.MethodGet, "/pair_candles", q, nil, "")
		if err == nil && res.Status == http.StatusOK {
			if candles, perr := market.ParseEngineCandles(res.Payload); perr == nil && len(candles) > 0 {
				return candles, "engine", nil
			}
		}
		if s.candles != nil && s.cfg.Collector.FallbackExchange {
			candles, ferr := s.candles.Candles(ctx, pair, timeframe, limit)
			if ferr != nil {
				return nil, "", ferr
			}
			return candles, "exchange", nil
		}
		return nil, "", fmt.Errorf("worker 无 %s 数据且未启用兜底行情源", pair)
	}
}
