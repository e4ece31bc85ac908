package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/core/tts"
	"github.com/kaiwa-labs/kaiwa-gateway/pkg/types"
)

type TTSHandler struct {
	Provider tts.Provider
}

func NewTTSHandler(p tts.Provider) *TTSHandler {
	return &TTSHandler{Provider: p}
}

func (h *TTSHandler) Synthesize(c *gin.Context) {
	var req types.TTSReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	mime, audio, err := h.Provider.Synthesize(c.Request.Context(), req.Text)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tts_failed"})
		return
	}
	c.JSON(http.StatusOK, types.TTSResp{
		MIME:        mime,
		AudioBase64: base64.StdEncoding.EncodeToString(audio),
	})
}
