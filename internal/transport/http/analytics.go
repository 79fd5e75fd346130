package http

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"botfarm/internal/analytics"
)

// 分析产物路由：缓存快照、图表渲染与可选 PNG 截图。

func (s *Server) collectorSamples(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	col := s.collectors.Get(inst.ID)
	if col == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "实例无采集器（未启动或已停止）"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": col.Snapshot(c.Query("pair"))})
}

type renderChartReq struct {
	Pair string `json:"pair" binding:"required"`
	PNG  bool   `json:"png"`
}

func (s *Server) renderChart(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	var req renderChartReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pair 必填"})
		return
	}
	col := s.collectors.Get(inst.ID)
	if col == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "实例无采集器（未启动或已停止）"})
		return
	}
	samples := col.Snapshot(req.Pair)
	if len(samples) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "尚无该交易对的采集数据: " + req.Pair})
		return
	}

	outDir := filepath.Join(inst.UserDir, "analytics")
	htmlPath, err := analytics.RenderKline(samples[0], outDir)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"html": htmlPath}
	if req.PNG {
		pngPath, err := analytics.SnapshotPNG(c.Request.Context(), htmlPath, 30*time.Second)
		if err != nil {
			// 无 headless 浏览器时 HTML 产物仍然可用
			resp["png_error"] = err.Error()
		} else {
			resp["png"] = pngPath
		}
	}
	c.JSON(http.StatusOK, resp)
}
