package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"team-copilot-go/pkg/log"
)

// Pinger 是任何可以检查连通性的依赖，例如 DocumentRepository。
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler 提供存活与数据库健康检查。
type HealthHandler struct {
	db Pinger
}

func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) App(c *gin.Context) {
	success(c, "ok", gin.H{"status": "UP"})
}

func (h *HealthHandler) DB(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		log.Error("[HealthHandler] 数据库健康检查失败", err)
		respond(c, http.StatusServiceUnavailable, "数据库不可用", gin.H{"status": "DOWN"})
		return
	}
	success(c, "ok", gin.H{"status": "UP"})
}
