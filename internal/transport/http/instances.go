package http

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"botfarm/internal/runner"
	"botfarm/internal/store"
	"botfarm/internal/strategy"
	"botfarm/internal/workspace"
)

// 实例登记：创建时即播种分层配置模板，模式/策略变更只改登记与磁盘层，
// 不触碰正在运行的 worker（下次 start 生效）。

type createInstanceReq struct {
	Name string `json:"name" binding:"required"`
	Mode string `json:"mode"`
}

func (s *Server) createInstance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	var req createInstanceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name 必填"})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法实例名"})
		return
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = "dryrun"
	}
	if !validModes[mode] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode 必须是 live/dryrun/backstage"})
		return
	}

	userDir, err := workspace.CreateInstanceRoot(tenant.WorkspaceRoot, name)
	if err != nil {
		respondError(c, err)
		return
	}
	inst, err := s.store.CreateInstance(c.Request.Context(), store.Instance{
		TenantID: tenant.ID,
		Name:     name,
		UserDir:  userDir,
		Mode:     mode,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) listInstances(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	insts, err := s.store.ListInstances(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": insts})
}

func (s *Server) getInstance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	inst, err := s.store.GetInstance(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// deleteInstance 运行中的实例拒绝删除；只删登记，磁盘目录保留。
func (s *Server) deleteInstance(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	if alive, err := s.orch.RT.Alive(c.Request.Context(), runner.WorkerName(inst.ID)); err == nil && alive {
		c.JSON(http.StatusConflict, gin.H{"error": "实例仍在运行，先停止再删除"})
		return
	}
	s.collectors.Drop(inst.ID)
	if err := s.store.DeleteInstance(c.Request.Context(), inst.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": inst.ID})
}

type setModeReq struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) setInstanceMode(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	var req setModeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode 必填"})
		return
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if !validModes[mode] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode 必须是 live/dryrun/backstage"})
		return
	}
	if err := s.store.UpdateInstanceMode(c.Request.Context(), inst.ID, mode); err != nil {
		respondError(c, err)
		return
	}
	inst.Mode = mode
	c.JSON(http.StatusOK, inst)
}

type setStrategyReq struct {
	Identifier string `json:"identifier" binding:"required"`
}

// setInstanceStrategy 在可见策略目录中解析标识符，把静态描述
// 整体存进登记（启动时作为合成覆盖与 strategy_path 线索）。
func (s *Server) setInstanceStrategy(c *gin.Context) {
	tenant, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	var req setStrategyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifier 必填"})
		return
	}
	paths := []string{
		filepath.Join(inst.UserDir, "strategies"),
		filepath.Join(tenant.WorkspaceRoot, "strategies"),
	}
	desc, found, err := strategy.Lookup(paths, req.Identifier)
	if err != nil {
		respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "策略不存在: " + req.Identifier})
		return
	}
	spec := runner.StrategySpec{
		Identifier:           desc.Identifier,
		Timeframe:            desc.Timeframe,
		InformativeTimeframe: desc.InformativeTimeframe,
		SourceFile:           desc.SourceFile,
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.UpdateInstanceStrategy(c.Request.Context(), inst.ID, string(raw)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, spec)
}
