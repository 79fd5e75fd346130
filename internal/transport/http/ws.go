package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"botfarm/internal/logger"
)

// WebSocket 推送采集样本。慢客户端由采集器侧丢消息兜底，
// 这里只负责把订阅通道的内容序列化出去。

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 管理面服务，同源校验交给部署层
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteWait = 10 * time.Second
	wsPingEvery = 30 * time.Second
)

func (s *Server) streamSamples(c *gin.Context) {
	_, inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	col := s.collectors.Get(inst.ID)
	if col == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "实例无采集器（未启动或已停止）"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	samples, cancel := col.Subscribe()
	defer cancel()

	// 读侧只用于感知断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case sample, okCh := <-samples:
			if !okCh {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(sample); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
