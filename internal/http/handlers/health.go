package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kaiwa-labs/kaiwa-gateway/pkg/types"
	"github.com/kaiwa-labs/kaiwa-gateway/pkg/ws"
)

type HealthHandler struct {
	Hub *ws.Hub
}

func NewHealthHandler(h *ws.Hub) *HealthHandler {
	return &HealthHandler{Hub: h}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResp{Status: "ok", Sessions: h.Hub.Len()})
}
