package http

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"botfarm/internal/strategy"
	"botfarm/internal/workspace"
)

// 租户登记与策略发现。

type createTenantReq struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) createTenant(c *gin.Context) {
	var req createTenantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name 必填"})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.ContainsAny(name, "/\\..") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "非法租户名"})
		return
	}

	root, err := workspace.CreateTenantRoot(s.cfg.Workspace.BaseDir, name)
	if err != nil {
		respondError(c, err)
		return
	}
	tenant, err := s.store.CreateTenant(c.Request.Context(), name, root)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tenant)
}

func (s *Server) listTenants(c *gin.Context) {
	tenants, err := s.store.ListTenants(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants})
}

func (s *Server) getTenant(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}

// listTenantStrategies 静态扫描租户共享策略目录。
func (s *Server) listTenantStrategies(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	descs, err := strategy.List([]string{filepath.Join(tenant.WorkspaceRoot, "strategies")})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": descs})
}

// listInstanceStrategies 实例私有目录优先，其次租户共享目录。
func (s *Server) listInstanceStrategies(c *gin.Context) {
	tenant, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	paths := []string{
		filepath.Join(inst.UserDir, "strategies"),
		filepath.Join(tenant.WorkspaceRoot, "strategies"),
	}
	descs, err := strategy.List(paths)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": descs})
}
