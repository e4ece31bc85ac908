// Package callclient is the reference call-side wiring: a capture device
// feeds the VAD engine, speech segments stream to the gateway and the
// conversation flow reacts to what comes back. The browser client mirrors
// this loop; this one exists for load scripts and end-to-end checks.
package callclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/callflow"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/capture"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/gateway"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/vad"
)

type Config struct {
	URL    string
	Origin string
	Token  string

	VAD  vad.Config
	Flow callflow.Config
}

type Client struct {
	cfg    Config
	device capture.Device
	log    *zap.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	flow *callflow.Flow
	ctrl *capture.Controller

	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg Config, device capture.Device, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.VAD == (vad.Config{}) {
		cfg.VAD = vad.DefaultConfig()
	}
	return &Client{cfg: cfg, device: device, log: log, done: make(chan struct{})}
}

// Run drives one full call: dial, greet, stream speech segments, follow the
// flow until it ends or the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	dialer := *websocket.DefaultDialer
	if c.cfg.Token != "" {
		dialer.Subprotocols = []string{"token." + c.cfg.Token}
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	c.conn = conn
	defer conn.Close()

	callID := "call_" + uuid.NewString()
	c.flow = callflow.New(callID, c.cfg.Flow, callflow.Hooks{
		Speak: func(text string) {
			// A real client plays this through the speaker.
			c.log.Info("speak", zap.String("text", text))
		},
		OnStateChange: func(from, to callflow.State) {
			c.log.Debug("call state",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
		OnEnd: func(reason callflow.EndReason) {
			c.log.Info("call ended", zap.String("reason", string(reason)))
			c.sendJSON(gateway.ClientMessage{Type: gateway.TypeBye})
			c.finish()
		},
	}, c.log)

	engine, err := vad.New(c.cfg.VAD, vad.Events{
		OnSpeechStart: func(time.Time) { c.flow.OnSpeechStart() },
		OnSpeechEnd: func(_ time.Time, segment time.Duration) {
			c.log.Debug("speech segment ended", zap.Duration("segment", segment))
			c.sendJSON(gateway.ClientMessage{Type: gateway.TypeEOS})
			c.flow.OnUserAudioFinalized()
		},
		OnMaxDuration: func(time.Time) {
			c.sendJSON(gateway.ClientMessage{Type: gateway.TypeEOS})
			c.flow.OnUserAudioFinalized()
		},
		OnDeadMic: func(time.Time) {
			c.log.Warn("microphone produced no signal")
			c.flow.Terminate(callflow.EndFatal)
		},
	})
	if err != nil {
		return err
	}

	c.ctrl = capture.NewController(c.device, c.log)
	if err := c.ctrl.Start(ctx, "call-start", func(chunk []byte) {
		c.sendBinary(chunk)
		engine.Process(vad.RMSEnergy(chunk), time.Now())
	}); err != nil {
		return err
	}
	defer c.ctrl.Stop(context.Background(), "call-teardown")

	c.flow.StartCall()
	c.flow.GreetingDone()

	go c.readLoop()

	select {
	case <-ctx.Done():
		c.flow.Terminate(callflow.EndManual)
		return ctx.Err()
	case <-c.done:
		return nil
	}
}

func (c *Client) readLoop() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.flow.Terminate(callflow.EndFatal)
			c.finish()
			return
		}
		if mt == websocket.BinaryMessage {
			// Synthesized reply audio; a real client queues it for playback.
			continue
		}
		var envelope struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(data, &envelope) != nil {
			continue
		}
		switch envelope.Type {
		case gateway.TypeSTTFinal:
			c.flow.OnUserTranscript(envelope.Text)
		case gateway.TypeAISentence:
			c.flow.OnAIReply(envelope.Text)
		case gateway.TypeAIDone:
			c.flow.Listen()
		case gateway.TypeError:
			c.log.Warn("gateway error frame", zap.ByteString("frame", data))
		case gateway.TypeBye:
			c.flow.Terminate(callflow.EndAIEnded)
			c.finish()
			return
		}
	}
}

func (c *Client) sendJSON(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Debug("client send failed", zap.Error(err))
	}
}

func (c *Client) sendBinary(b []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		c.log.Debug("client audio send failed", zap.Error(err))
	}
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}
