package http

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"botfarm/internal/compose"
	"botfarm/internal/validate"
)

// 配置层 CRUD。PUT 原子落盘整份文档；读写的都是分层源文件，
// 合成产物（config.generated.json）只读不可写。

func bindDocument(c *gin.Context) (compose.Document, bool) {
	var doc compose.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体必须是 JSON 对象"})
		return nil, false
	}
	return doc, true
}

func (s *Server) getAccountConfig(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, compose.LoadAccount(tenant.WorkspaceRoot))
}

func (s *Server) putAccountConfig(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	doc, ok := bindDocument(c)
	if !ok {
		return
	}
	path := filepath.Join(tenant.WorkspaceRoot, "configs", "account.json")
	if err := compose.WriteAtomic(path, doc); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": "account.json"})
}

func (s *Server) getMetaConfig(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, compose.LoadMeta(tenant.WorkspaceRoot))
}

func (s *Server) putMetaConfig(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	doc, ok := bindDocument(c)
	if !ok {
		return
	}
	path := filepath.Join(tenant.WorkspaceRoot, "configs", "meta.json")
	if err := compose.WriteAtomic(path, doc); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": "meta.json"})
}

func (s *Server) getBotConfig(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, compose.LoadBot(inst.UserDir))
}

func (s *Server) putBotConfig(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	doc, ok := bindDocument(c)
	if !ok {
		return
	}
	path := filepath.Join(inst.UserDir, "configs", "bot.json")
	if err := compose.WriteAtomic(path, doc); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": "bot.json"})
}

// resetAccountConfig 把账户层恢复为占位脚手架（凭证清空）。
func (s *Server) resetAccountConfig(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	path := filepath.Join(tenant.WorkspaceRoot, "configs", "account.json")
	if err := compose.WriteAtomic(path, validate.AccountPlaceholder()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": "account.json"})
}

func (s *Server) resetMetaConfig(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	tenant, err := s.store.GetTenant(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	path := filepath.Join(tenant.WorkspaceRoot, "configs", "meta.json")
	if err := compose.WriteAtomic(path, validate.MetaPlaceholder()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": "meta.json"})
}

func (s *Server) resetBotConfig(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	path := filepath.Join(inst.UserDir, "configs", "bot.json")
	if err := compose.WriteAtomic(path, validate.BotPlaceholder()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": "bot.json"})
}

// previewConfig 按指定（或登记）模式跑一次完整合成并返回产物文档。
// 合成会真实落盘，与 start 使用同一条路径，预览即所得。
func (s *Server) previewConfig(c *gin.Context) {
	tenant, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	mode := strings.ToLower(strings.TrimSpace(c.Query("mode")))
	if mode == "" {
		mode = strings.ToLower(inst.Mode)
	}
	if !validModes[mode] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode 必须是 live/dryrun/backstage"})
		return
	}
	cfgPath, err := s.composer.Compose(tenant.WorkspaceRoot, inst.UserDir, mode, "")
	if err != nil {
		respondError(c, err)
		return
	}
	doc := compose.LoadDocumentFile(cfgPath)
	// 预览不外泄控制 API 凭证
	if api, ok := doc["api_server"].(map[string]any); ok {
		if _, has := api["password"]; has {
			api["password"] = "******"
		}
	}
	c.JSON(http.StatusOK, gin.H{"path": cfgPath, "config": doc})
}

// validateInstance 对当前磁盘层按指定（或登记）模式出一份校验报告；
// 报告永远 200 返回，OK 字段说话。
func (s *Server) validateInstance(c *gin.Context) {
	tenant, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	mode := strings.ToLower(strings.TrimSpace(c.Query("mode")))
	if mode == "" {
		mode = strings.ToLower(inst.Mode)
	}
	if !validModes[mode] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode 必须是 live/dryrun/backstage"})
		return
	}
	report := validate.Validate(compose.LoadAccount(tenant.WorkspaceRoot), compose.LoadBot(inst.UserDir), mode)
	c.JSON(http.StatusOK, report)
}
