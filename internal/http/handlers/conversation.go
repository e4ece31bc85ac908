package handlers

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/core/speech"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/core/tts"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/repo/memory"
	"github.com/kaiwa-labs/kaiwa-gateway/pkg/types"
)

// ConversationHandler is the batch voice side channel: one buffered utterance
// in, transcript plus spoken reply out. Same backend as the gateway's batch
// path, with server-side history per session.
type ConversationHandler struct {
	Client *speech.Client
	TTS    tts.Provider
	Store  *memory.ConversationStore
}

func NewConversationHandler(sc *speech.Client, provider tts.Provider, store *memory.ConversationStore) *ConversationHandler {
	return &ConversationHandler{Client: sc, TTS: provider, Store: store}
}

func (h *ConversationHandler) Converse(c *gin.Context) {
	if h.Client == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "conversation_unavailable"})
		return
	}
	var req types.ConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request"})
		return
	}
	audio, err := base64.StdEncoding.DecodeString(req.AudioBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_audio"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = "conv_" + uuid.NewString()
	}
	if req.MimeType == "" {
		req.MimeType = "audio/webm"
	}

	history := req.Messages
	if history == nil {
		history = h.Store.History(req.SessionID)
	}

	userText, aiText, err := h.Client.Converse(c.Request.Context(), audio, req.MimeType, history)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "conversation_failed"})
		return
	}

	h.Store.Append(req.SessionID, types.Message{Role: "user", Text: userText})
	h.Store.Append(req.SessionID, types.Message{Role: "model", Text: aiText})

	resp := types.ConversationResp{
		OK:                true,
		SessionID:         req.SessionID,
		UserMessage:       userText,
		AIResponse:        aiText,
		ConversationState: h.Store.History(req.SessionID),
	}
	if h.TTS != nil {
		if mime, replyAudio, err := h.TTS.Synthesize(c.Request.Context(), aiText); err == nil {
			resp.AudioBase64 = base64.StdEncoding.EncodeToString(replyAudio)
			resp.MimeType = mime
		}
	}
	c.JSON(http.StatusOK, resp)
}
