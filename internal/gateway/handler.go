package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/upstream"
	"github.com/kaiwa-labs/kaiwa-gateway/pkg/ws"
)

// UpstreamBridge is the session's view of one outbound live connection.
type UpstreamBridge interface {
	Events() <-chan upstream.Event
	SendAudio(chunk []byte) error
	EndAudioStream() error
	Close() error
}

// UpstreamDialer opens a bridge for a session. nil means no live upstream is
// configured and turns take the batch (or echo) path.
type UpstreamDialer func(ctx context.Context, sessionID string) (UpstreamBridge, error)

// Replier is the batch conversation fallback: one buffered utterance in, one
// transcript and reply out.
type Replier interface {
	Reply(ctx context.Context, audio []byte, mime string) (userText, aiText string, err error)
}

// Config carries every per-session knob. Immutable after construction.
type Config struct {
	Admission AdmissionConfig

	IdleTimeout       time.Duration
	MaxSessionAge     time.Duration
	KeepaliveInterval time.Duration

	MaxMessageBytes int64
	MaxSessionBytes int64

	SilenceToFinalize time.Duration
	EOUGrace          time.Duration

	UpstreamReadyTimeout time.Duration

	// LocalSynth selects the text-only upstream sub-mode where sentences are
	// synthesized by the local Synthesizer instead of arriving as upstream
	// audio.
	LocalSynth       bool
	MaxSynthInFlight int

	// EarlyTriggerLen finalizes a turn early once an interim transcript
	// reaches this many runes (0 disables the length trigger).
	EarlyTriggerLen int

	InputMIME string
}

// Handler accepts WebSocket upgrades on the configured route and runs one
// Session per connection.
type Handler struct {
	cfg      Config
	dialer   UpstreamDialer
	replier  Replier
	synth    Synthesizer
	hub      *ws.Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewHandler(cfg Config, dialer UpstreamDialer, replier Replier, synth Synthesizer, hub *ws.Hub, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.InputMIME == "" {
		cfg.InputMIME = "audio/pcm;rate=16000"
	}
	return &Handler{
		cfg:     cfg,
		dialer:  dialer,
		replier: replier,
		synth:   synth,
		hub:     hub,
		log:     log,
		upgrader: websocket.Upgrader{
			// Admission (including origin) already ran before Upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if aerr := CheckAdmission(h.cfg.Admission, r); aerr != nil {
		h.log.Warn("admission rejected",
			zap.String("code", aerr.Code),
			zap.Int("status", aerr.Status),
			zap.String("path", r.URL.Path),
			zap.String("origin", r.Header.Get("Origin")))
		http.Error(w, aerr.Code, aerr.Status)
		return
	}

	var respHeader http.Header
	if proto, ok := TokenProtocol(r); ok {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	conn, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	id := "sess_" + uuid.NewString()
	s := newSession(id, conn, h)
	if h.hub != nil {
		h.hub.Add(id, conn)
		defer h.hub.Remove(id)
	}
	s.run()
}
