package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/config"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/core/speech"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/core/tts"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/gateway"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/http/handlers"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/repo/memory"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/upstream"
	"github.com/kaiwa-labs/kaiwa-gateway/pkg/ws"
)

// NewRouter wires the whole serving surface: the voice WebSocket route plus
// the JSON side channels. The returned hub lets the caller drain live
// connections on shutdown.
func NewRouter(cfg config.Config, log *zap.Logger) (*gin.Engine, *ws.Hub) {
	if cfg.Prod {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	hub := ws.NewHub()
	store := memory.NewConversationStore(cfg.MaxSessionAge)
	provider := tts.ForBase(cfg.TTSBase, "")

	var sc *speech.Client
	if cfg.GeminiAPIKey != "" {
		var err error
		sc, err = speech.New(cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Warn("speech client unavailable", zap.Error(err))
			sc = nil
		}
	}

	var dialer gateway.UpstreamDialer
	if cfg.UpstreamURL != "" {
		ucfg := upstream.Config{
			URL:                cfg.UpstreamURL,
			Model:              cfg.UpstreamModel,
			Modalities:         cfg.UpstreamModalities,
			InputTranscription: cfg.UpstreamTranscription,
			APIKey:             cfg.UpstreamAPIKey,
			BillingProject:     cfg.UpstreamBillingProject,
			InputMIME:          "audio/pcm;rate=16000",
		}
		if ucfg.APIKey == "" {
			// No static key: take the bearer branch on ambient credentials.
			ts, err := upstream.DefaultTokenSource()
			if err != nil {
				log.Warn("live upstream disabled, no usable credentials", zap.Error(err))
			} else {
				ucfg.TokenSource = ts
			}
		}
		if ucfg.APIKey != "" || ucfg.TokenSource != nil {
			dialer = func(ctx context.Context, sessionID string) (gateway.UpstreamBridge, error) {
				return upstream.Dial(ctx, ucfg, sessionID, log)
			}
		}
	}

	var replier gateway.Replier
	if sc != nil {
		replier = &conversationReplier{sc: sc}
	}

	gw := gateway.NewHandler(gateway.Config{
		Admission: gateway.AdmissionConfig{
			Path:           cfg.WSPath,
			AllowedOrigins: cfg.AllowedOrigins,
			AllowNoOrigin:  cfg.AllowNoOrigin,
			RequireToken:   cfg.RequireToken,
			Token:          cfg.Token,
			AllowQueryAuth: cfg.AllowQueryAuth,
		},
		IdleTimeout:          cfg.IdleTimeout,
		MaxSessionAge:        cfg.MaxSessionAge,
		KeepaliveInterval:    cfg.KeepaliveInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxSessionBytes:      cfg.MaxSessionBytes,
		SilenceToFinalize:    cfg.SilenceToFinalize,
		EOUGrace:             cfg.EOUGrace,
		UpstreamReadyTimeout: cfg.UpstreamReadyTimeout,
		MaxSynthInFlight:     2,
		EarlyTriggerLen:      48,
	}, dialer, replier, provider, hub, log)

	hh := handlers.NewHealthHandler(hub)
	th := handlers.NewTTSHandler(provider)
	ch := handlers.NewConversationHandler(sc, provider, store)

	r.GET("/healthz", hh.Health)
	api := r.Group("/v1")
	api.POST("/tts", th.Synthesize)
	api.POST("/conversation", ch.Converse)
	r.GET(cfg.WSPath, gin.WrapH(gw))
	return r, hub
}

// conversationReplier adapts the batch speech client to the gateway's turn
// interface. Turns through this path are stateless; cross-turn history lives
// only on the /v1/conversation channel.
type conversationReplier struct {
	sc *speech.Client
}

func (r *conversationReplier) Reply(ctx context.Context, audio []byte, mime string) (string, string, error) {
	return r.sc.Converse(ctx, audio, mime, nil)
}
