// Package upstream owns the per-session outbound connection to the live
// conversational speech service and translates between its wire protocol and
// the gateway's internal events.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenSource supplies a bearer token from the ambient credential provider.
type TokenSource func(ctx context.Context) (string, error)

// Config describes one upstream connection.
type Config struct {
	URL                string
	Model              string
	Modalities         []string
	InputTranscription bool

	// APIKey, when set, is attached via query parameter and header; the
	// billing project header is then never attached. When empty, a bearer
	// token is acquired from TokenSource and BillingProject (if set) is
	// attached.
	APIKey         string
	BillingProject string
	TokenSource    TokenSource

	InputMIME string // e.g. "audio/pcm;rate=16000"
}

// HandshakeError reports a non-101 upgrade response, distinguishable from
// generic socket errors.
type HandshakeError struct {
	Status     int
	StatusText string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("upstream handshake failed: %d %s", e.Status, e.StatusText)
}

var errNotStarted = errors.New("upstream: bridge not started")

// Bridge is one outbound live connection. It is exclusively owned by its
// session and never pooled or reused.
type Bridge struct {
	cfg  Config
	conn *websocket.Conn
	log  *zap.Logger

	events    chan Event
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial opens the upstream connection, sends the setup message and starts the
// read/write pumps. The first event on Events after a healthy handshake is
// EventReady.
func Dial(ctx context.Context, cfg Config, sessionID string, log *zap.Logger) (*Bridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("session_id", sessionID))

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}

	headers := http.Header{}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("key", cfg.APIKey)
		u.RawQuery = q.Encode()
		headers.Set("X-Goog-Api-Key", cfg.APIKey)
		log.Info("upstream auth", zap.String("branch", "api_key"))
	} else {
		if cfg.TokenSource == nil {
			return nil, errors.New("upstream: no api key and no token source")
		}
		token, err := cfg.TokenSource(ctx)
		if err != nil {
			return nil, fmt.Errorf("upstream token: %w", err)
		}
		headers.Set("Authorization", "Bearer "+token)
		if cfg.BillingProject != "" {
			headers.Set("X-Goog-User-Project", cfg.BillingProject)
		}
		log.Info("upstream auth", zap.String("branch", "bearer"),
			zap.Bool("billing_project", cfg.BillingProject != ""))
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HandshakeError{Status: resp.StatusCode, StatusText: http.StatusText(resp.StatusCode)}
		}
		return nil, err
	}

	b := &Bridge{
		cfg:    cfg,
		conn:   conn,
		log:    log,
		events: make(chan Event, 32),
		sendCh: make(chan []byte, 32),
		done:   make(chan struct{}),
	}

	setup := setupMessage{Setup: setupBody{
		Model:            "models/" + cfg.Model,
		GenerationConfig: &generationConfig{ResponseModalities: cfg.Modalities},
	}}
	if cfg.InputTranscription {
		setup.Setup.InputAudioTranscription = &struct{}{}
	}
	raw, err := json.Marshal(setup)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream setup: %w", err)
	}

	b.wg.Add(2)
	go b.readLoop()
	go b.writeLoop()
	go func() {
		// Either pump may emit on its way out, so the channel closes only
		// after both have returned.
		b.wg.Wait()
		close(b.events)
	}()
	return b, nil
}

// Events returns the normalized inbound event stream. Closed when the
// upstream connection dies or Close is called.
func (b *Bridge) Events() <-chan Event { return b.events }

// SendAudio forwards one audio chunk wrapped in the upstream envelope.
func (b *Bridge) SendAudio(chunk []byte) error {
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{Audio: &audioBlob{
		Data:     base64.StdEncoding.EncodeToString(chunk),
		MimeType: b.cfg.InputMIME,
	}}}
	return b.enqueue(msg)
}

// EndAudioStream signals end of the current utterance.
func (b *Bridge) EndAudioStream() error {
	return b.enqueue(realtimeInputMessage{RealtimeInput: realtimeInput{AudioStreamEnd: true}})
}

func (b *Bridge) enqueue(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case b.sendCh <- raw:
		return nil
	case <-b.done:
		return errNotStarted
	}
}

// Close tears the connection down. Safe to call more than once.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		_ = b.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		b.conn.Close()
	})
	return nil
}

// emit delivers an event unless the bridge is already closed; a consumer
// that went away must never wedge the read pump.
func (b *Bridge) emit(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

func (b *Bridge) readLoop() {
	defer b.wg.Done()
	for {
		mt, msg, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
			default:
				code := websocket.CloseAbnormalClosure
				reason := err.Error()
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					code = ce.Code
					reason = ce.Text
				}
				b.emit(Event{Kind: EventClosed, Code: code, Reason: reason, Err: err})
			}
			return
		}
		if mt == websocket.BinaryMessage {
			// Raw binary from upstream is synthesized audio.
			b.emit(Event{Kind: EventAudio, Audio: msg, MIME: "audio/pcm;rate=24000"})
			continue
		}
		b.translate(msg)
	}
}

// translate normalizes one inbound JSON frame. Unrecognized shapes pass
// through as EventInfo rather than being dropped.
func (b *Bridge) translate(msg []byte) {
	var sm serverMessage
	if err := json.Unmarshal(msg, &sm); err != nil {
		b.log.Warn("upstream sent unparseable frame", zap.Error(err))
		b.emit(Event{Kind: EventInfo, Raw: append(json.RawMessage(nil), msg...)})
		return
	}

	switch {
	case sm.SetupComplete != nil:
		b.emit(Event{Kind: EventReady})

	case sm.ServerContent != nil:
		sc := sm.ServerContent
		if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
			b.emit(Event{Kind: EventTranscript, Text: tr.Text, Final: tr.Finished})
		}
		if mt := sc.ModelTurn; mt != nil {
			for _, p := range mt.Parts {
				if p.Text != "" {
					b.emit(Event{Kind: EventTextDelta, Text: p.Text})
				}
				if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/") {
					audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
					if err != nil {
						b.log.Warn("upstream audio payload undecodable", zap.Error(err))
						continue
					}
					b.emit(Event{Kind: EventAudio, Audio: audio, MIME: p.InlineData.MimeType})
				}
			}
		}
		if sc.TurnComplete {
			b.emit(Event{Kind: EventTurnComplete})
		}

	default:
		b.emit(Event{Kind: EventInfo, Raw: append(json.RawMessage(nil), msg...)})
	}
}

func (b *Bridge) writeLoop() {
	defer b.wg.Done()
	for {
		select {
		case raw := <-b.sendCh:
			if err := b.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				b.log.Warn("upstream write failed", zap.Error(err))
				b.emit(Event{Kind: EventError, Err: err})
				return
			}
		case <-b.done:
			return
		}
	}
}
