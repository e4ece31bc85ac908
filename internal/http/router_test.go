package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/config"
	"github.com/kaiwa-labs/kaiwa-gateway/pkg/types"
)

func testRouterConfig() config.Config {
	return config.Config{
		Port:              "8080",
		WSPath:            "/v1/stream",
		AllowNoOrigin:     true,
		IdleTimeout:       time.Minute,
		MaxSessionAge:     10 * time.Minute,
		MaxMessageBytes:   1 << 20,
		MaxSessionBytes:   32 << 20,
		SilenceToFinalize: 1200 * time.Millisecond,
		KeepaliveInterval: 5 * time.Second,
	}
}

func TestRouter_Health(t *testing.T) {
	r, _ := NewRouter(testRouterConfig(), zap.NewNop())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.HealthResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Sessions)
}

func TestRouter_TTSUsesStubWithoutBackend(t *testing.T) {
	r, _ := NewRouter(testRouterConfig(), zap.NewNop())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tts",
		strings.NewReader(`{"text":"こんにちは"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.TTSResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "audio/pcm;rate=16000", resp.MIME)
	assert.NotEmpty(t, resp.AudioBase64)
}

func TestRouter_TTSRejectsMissingText(t *testing.T) {
	r, _ := NewRouter(testRouterConfig(), zap.NewNop())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tts", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_ConversationUnavailableWithoutBackend(t *testing.T) {
	r, _ := NewRouter(testRouterConfig(), zap.NewNop())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/conversation",
		strings.NewReader(`{"audioBase64":"AAAA"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_StreamRouteIsMounted(t *testing.T) {
	r, _ := NewRouter(testRouterConfig(), zap.NewNop())

	// A plain GET without upgrade headers fails the handshake, not the route.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
