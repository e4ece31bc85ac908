package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/upstream"
)

// openConfig admits everything; individual tests tighten what they need.
func openConfig() Config {
	return Config{
		Admission:         AdmissionConfig{Path: "/ws", AllowNoOrigin: true},
		SilenceToFinalize: 60 * time.Millisecond,
		MaxSynthInFlight:  2,
		InputMIME:         "audio/pcm;rate=16000",
	}
}

type fakeReplier struct {
	calls    atomic.Int32
	userText string
	aiText   string
	err      error
}

func (f *fakeReplier) Reply(context.Context, []byte, string) (string, string, error) {
	f.calls.Add(1)
	return f.userText, f.aiText, f.err
}

type instantSynth struct{}

func (instantSynth) Synthesize(_ context.Context, text string) (string, []byte, error) {
	return "audio/mpeg", []byte("audio:" + text), nil
}

// fakeUpstream lets a test script the bridge's event stream and observe what
// the session forwarded.
type fakeUpstream struct {
	events chan upstream.Event

	mu     sync.Mutex
	audio  [][]byte
	ended  bool
	closed bool
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan upstream.Event, 16)}
}

func (f *fakeUpstream) Events() <-chan upstream.Event { return f.events }

func (f *fakeUpstream) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeUpstream) EndAudioStream() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeUpstream) endedStream() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fakeUpstream) sentAudio() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

type clientFrame struct {
	binary bool
	data   []byte
	typ    string
}

// startGateway serves the handler and dials it, returning the connection and
// a background-pumped inbound frame stream.
func startGateway(t *testing.T, h *Handler) (*websocket.Conn, <-chan clientFrame) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	frames := make(chan clientFrame, 64)
	go func() {
		defer close(frames)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f := clientFrame{binary: mt == websocket.BinaryMessage, data: data}
			if !f.binary {
				var envelope struct {
					Type string `json:"type"`
				}
				json.Unmarshal(data, &envelope)
				f.typ = envelope.Type
			}
			frames <- f
		}
	}()
	return conn, frames
}

// waitType drains frames until one of the wanted type arrives, failing the
// test on timeout. Skipped frames are returned too.
func waitType(t *testing.T, frames <-chan clientFrame, typ string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed while waiting for %q", typ)
			}
			if !f.binary && f.typ == typ {
				var m map[string]any
				require.NoError(t, json.Unmarshal(f.data, &m))
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

// collect gathers every frame that arrives inside the window.
func collect(frames <-chan clientFrame, window time.Duration) []clientFrame {
	var out []clientFrame
	deadline := time.After(window)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			return out
		}
	}
}

func countType(frames []clientFrame, typ string) int {
	n := 0
	for _, f := range frames {
		if !f.binary && f.typ == typ {
			n++
		}
	}
	return n
}

func TestSession_SilenceFinalizesExactlyOnce(t *testing.T) {
	replier := &fakeReplier{userText: "こんにちは", aiText: "はい、こんにちは。"}
	h := NewHandler(openConfig(), nil, replier, instantSynth{}, nil, nil)
	conn, frames := startGateway(t, h)

	hello := waitType(t, frames, TypeAck, time.Second)
	assert.Equal(t, UpstreamBatch, hello["upstream"])
	waitType(t, frames, TypeStatus, time.Second)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)))

	// Let the silence timer fire, then race an explicit eos against it.
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeEOS}))

	got := collect(frames, 300*time.Millisecond)
	assert.Equal(t, 1, countType(got, TypeAIDone))
	assert.Equal(t, 1, countType(got, TypeSTTFinal))
	assert.Equal(t, int32(1), replier.calls.Load())
}

func TestSession_EOSFinalizesWithoutWaitingForSilence(t *testing.T) {
	cfg := openConfig()
	cfg.SilenceToFinalize = 10 * time.Second
	replier := &fakeReplier{userText: "テスト", aiText: "了解です。"}
	h := NewHandler(cfg, nil, replier, instantSynth{}, nil, nil)
	conn, frames := startGateway(t, h)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 160)))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeEOS}))

	waitType(t, frames, TypeSTTFinal, time.Second)
	waitType(t, frames, TypeAIDone, time.Second)
}

func TestSession_MissingOriginRejectedBeforeUpgrade(t *testing.T) {
	cfg := openConfig()
	cfg.Admission.AllowNoOrigin = false
	cfg.Admission.AllowedOrigins = []string{"https://app.example.com"}
	h := NewHandler(cfg, nil, &fakeReplier{}, instantSynth{}, nil, nil)

	srv := httptest.NewServer(h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Wrong path is a distinct status.
	_, resp, err = websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/nope",
		http.Header{"Origin": {"https://app.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSession_DialFailureFallsBackToEcho(t *testing.T) {
	dialer := func(context.Context, string) (UpstreamBridge, error) {
		return nil, errors.New("connection refused")
	}
	h := NewHandler(openConfig(), dialer, nil, instantSynth{}, nil, nil)
	conn, frames := startGateway(t, h)

	errMsg := waitType(t, frames, TypeError, time.Second)
	assert.Equal(t, "live_connect_failed", errMsg["error"])
	ack := waitType(t, frames, TypeAck, time.Second)
	assert.Equal(t, UpstreamEcho, ack["upstream"])

	// Audio is still accepted; the finalized turn gets an echo ack and no
	// reply cycle.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 160)))
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeEOS}))

	got := collect(frames, 250*time.Millisecond)
	assert.Equal(t, 0, countType(got, TypeAIDone))
	echoed := false
	for _, f := range got {
		if f.binary || f.typ != TypeAck {
			continue
		}
		var a AckMessage
		require.NoError(t, json.Unmarshal(f.data, &a))
		if a.Upstream == UpstreamEcho && strings.HasPrefix(a.CorrID, "turn_") {
			echoed = true
		}
	}
	assert.True(t, echoed, "finalized turn should be acknowledged in echo mode")
}

func TestSession_LateReadyAfterFallbackIsNoOp(t *testing.T) {
	bridge := newFakeUpstream()
	dialer := func(context.Context, string) (UpstreamBridge, error) {
		return bridge, nil
	}
	cfg := openConfig()
	cfg.UpstreamReadyTimeout = 50 * time.Millisecond
	h := NewHandler(cfg, dialer, nil, instantSynth{}, nil, nil)
	_, frames := startGateway(t, h)

	// No ready event; the timeout downgrades the session.
	errMsg := waitType(t, frames, TypeError, time.Second)
	assert.Equal(t, "live_connect_failed", errMsg["error"])

	// A straggler ready must not flip the session back.
	bridge.events <- upstream.Event{Kind: upstream.EventReady}

	got := collect(frames, 200*time.Millisecond)
	for _, f := range got {
		if f.binary {
			continue
		}
		if f.typ == TypeStatus {
			var st StatusMessage
			require.NoError(t, json.Unmarshal(f.data, &st))
			assert.NotEqual(t, StatusUpstreamReady, st.State)
		}
	}
}

func TestSession_LiveTurnRoundTrip(t *testing.T) {
	bridge := newFakeUpstream()
	dialer := func(context.Context, string) (UpstreamBridge, error) {
		return bridge, nil
	}
	cfg := openConfig()
	cfg.UpstreamReadyTimeout = 2 * time.Second
	h := NewHandler(cfg, dialer, nil, nil, nil, nil)
	conn, frames := startGateway(t, h)

	bridge.events <- upstream.Event{Kind: upstream.EventReady}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := waitType(t, frames, TypeStatus, time.Until(deadline))
		if st["state"] == StatusUpstreamReady {
			break
		}
	}

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)))
	require.Eventually(t, func() bool { return bridge.sentAudio() == 1 },
		time.Second, 5*time.Millisecond, "audio should stream to the bridge")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeEOS}))
	require.Eventually(t, bridge.endedStream, time.Second, 5*time.Millisecond)

	bridge.events <- upstream.Event{Kind: upstream.EventTranscript, Text: "こんにち"}
	bridge.events <- upstream.Event{Kind: upstream.EventTranscript, Text: "こんにちは", Final: true}
	bridge.events <- upstream.Event{Kind: upstream.EventTextDelta, Text: "はい、こんにちは。"}
	bridge.events <- upstream.Event{Kind: upstream.EventAudio, Audio: []byte("pcm"), MIME: "audio/pcm;rate=24000"}
	bridge.events <- upstream.Event{Kind: upstream.EventTurnComplete}

	waitType(t, frames, TypeSTTInterim, time.Second)
	final := waitType(t, frames, TypeSTTFinal, time.Second)
	assert.Equal(t, "こんにちは", final["text"])
	waitType(t, frames, TypeAITextDelta, time.Second)
	header := waitType(t, frames, TypeTTSChunk, time.Second)
	assert.Equal(t, float64(1), header["seq"])
	waitType(t, frames, TypeAIDone, time.Second)
}

func TestSession_CloseFinalizesOpenTurn(t *testing.T) {
	bridge := newFakeUpstream()
	dialer := func(context.Context, string) (UpstreamBridge, error) {
		return bridge, nil
	}
	cfg := openConfig()
	cfg.SilenceToFinalize = 10 * time.Second
	cfg.UpstreamReadyTimeout = 2 * time.Second
	h := NewHandler(cfg, dialer, nil, nil, nil, nil)
	conn, frames := startGateway(t, h)

	bridge.events <- upstream.Event{Kind: upstream.EventReady}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := waitType(t, frames, TypeStatus, time.Until(deadline))
		if st["state"] == StatusUpstreamReady {
			break
		}
	}

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)))
	require.Eventually(t, func() bool { return bridge.sentAudio() == 1 },
		time.Second, 5*time.Millisecond)

	// Abrupt disconnect with the turn still open: the chunks already streamed
	// upstream, so the stream must be closed out rather than abandoned.
	conn.Close()
	require.Eventually(t, bridge.endedStream, time.Second, 5*time.Millisecond)
}

func TestSession_TokenSubprotocolEchoed(t *testing.T) {
	cfg := openConfig()
	cfg.Admission.RequireToken = true
	cfg.Admission.Token = "s3cret"
	h := NewHandler(cfg, nil, &fakeReplier{}, instantSynth{}, nil, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	dialer := websocket.Dialer{Subprotocols: []string{"token.s3cret"}}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Browser clients abort the connection when a requested subprotocol is
	// not selected, so the accepted token entry must be echoed back.
	assert.Equal(t, "token.s3cret", conn.Subprotocol())

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, TypeAck, hello["type"])
}

func TestSession_JSONAudioChunksNormalize(t *testing.T) {
	replier := &fakeReplier{userText: "u", aiText: "a."}
	h := NewHandler(openConfig(), nil, replier, instantSynth{}, nil, nil)
	conn, frames := startGateway(t, h)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeAudio, Chunk: "AAAA"})) // 3 zero bytes
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeEOS}))
	waitType(t, frames, TypeAIDone, time.Second)
	assert.Equal(t, int32(1), replier.calls.Load())

	// Undecodable base64 is an in-band error, not a disconnect.
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeAudio, Chunk: "!!"}))
	errMsg := waitType(t, frames, TypeError, time.Second)
	assert.Equal(t, "bad_chunk", errMsg["error"])
}

func TestSession_SessionByteCapCloses(t *testing.T) {
	cfg := openConfig()
	cfg.MaxSessionBytes = 64
	h := NewHandler(cfg, nil, &fakeReplier{aiText: "a."}, instantSynth{}, nil, nil)
	conn, frames := startGateway(t, h)
	waitType(t, frames, TypeStatus, time.Second)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 128)))

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return // server closed the connection
			}
		case <-deadline:
			t.Fatal("expected the session to close after exceeding the byte cap")
		}
	}
}

func TestSession_PingAndBye(t *testing.T) {
	h := NewHandler(openConfig(), nil, &fakeReplier{}, instantSynth{}, nil, nil)
	conn, frames := startGateway(t, h)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypePing}))
	pong := waitType(t, frames, TypePong, time.Second)
	assert.NotZero(t, pong["ts"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeBye}))
	waitType(t, frames, TypeBye, time.Second)
}
