package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/upstream"
)

const writeWait = 5 * time.Second

// Upstream readiness states. A session starts pending and moves exactly once,
// via CAS, to live, echo or batch; a late transition attempt after the race is
// decided is a logged no-op.
const (
	upstreamPending int32 = iota
	upstreamLive
	upstreamEcho
	upstreamBatch
)

// Session owns one client WebSocket from upgrade to teardown: inbound frame
// handling, turn lifecycle, upstream wiring, timers and the ordered writer.
type Session struct {
	id   string
	conn *websocket.Conn
	cfg  Config
	log  *zap.Logger

	dialer  UpstreamDialer
	replier Replier
	synth   Synthesizer

	writeMu sync.Mutex

	mode     atomic.Int32
	bridgeMu sync.Mutex
	bridge   UpstreamBridge

	turnMu  sync.Mutex
	turn    *Turn // open turn accumulating audio, nil between turns
	last    *Turn // most recent turn, kept for transcript attachment
	silence *time.Timer

	frames   atomic.Int64
	bytes    atomic.Int64
	idle     *time.Timer
	age      *time.Timer
	readyTmr *time.Timer

	// live reply delivery state, touched only by the upstream event loop
	seq       int
	replyText strings.Builder
	deltaCh   chan string

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, h *Handler) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		conn:    conn,
		cfg:     h.cfg,
		log:     h.log.With(zap.String("session_id", id)),
		dialer:  h.dialer,
		replier: h.replier,
		synth:   h.synth,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SendJSON writes one JSON frame under the session write lock. Frame order on
// the wire is the order of Send calls.
func (s *Session) SendJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// SendBinary writes one binary frame under the session write lock.
func (s *Session) SendBinary(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (s *Session) run() {
	s.log.Info("session opened")

	if s.cfg.IdleTimeout > 0 {
		s.idle = time.AfterFunc(s.cfg.IdleTimeout, func() {
			s.closeWith(websocket.CloseGoingAway, "idle_timeout")
		})
	}
	if s.cfg.MaxSessionAge > 0 {
		s.age = time.AfterFunc(s.cfg.MaxSessionAge, func() {
			s.closeWith(websocket.CloseNormalClosure, "max_session_age")
		})
	}

	hello := AckMessage{Type: TypeAck, Hello: true, CorrID: s.id}
	switch {
	case s.dialer != nil:
		s.mode.Store(upstreamPending)
	case s.replier != nil:
		s.mode.Store(upstreamBatch)
		hello.Upstream = UpstreamBatch
	default:
		s.mode.Store(upstreamEcho)
		hello.Upstream = UpstreamEcho
	}
	s.SendJSON(hello)
	s.SendJSON(StatusMessage{Type: TypeStatus, State: StatusReady})

	if s.dialer != nil {
		s.connectUpstream()
	}

	if s.cfg.KeepaliveInterval > 0 {
		pongWait := 2*s.cfg.KeepaliveInterval + writeWait
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go s.keepaliveLoop()
	}

	s.readLoop()
}

// connectUpstream dials the live service off the read path. The readiness race
// between dial success, the ready timeout and dial failure is settled by the
// mode CAS; whoever loses becomes a no-op.
func (s *Session) connectUpstream() {
	if s.cfg.UpstreamReadyTimeout > 0 {
		s.readyTmr = time.AfterFunc(s.cfg.UpstreamReadyTimeout, func() {
			s.fallbackToEcho("ready_timeout")
		})
	}
	go func() {
		b, err := s.dialer(s.ctx, s.id)
		if err != nil {
			s.log.Warn("upstream dial failed", zap.Error(err))
			s.fallbackToEcho(err.Error())
			return
		}
		s.bridgeMu.Lock()
		if s.closed.Load() {
			s.bridgeMu.Unlock()
			b.Close()
			return
		}
		s.bridge = b
		s.bridgeMu.Unlock()
		s.SendJSON(StatusMessage{Type: TypeStatus, State: StatusUpstreamSetup})
		s.eventLoop(b)
	}()
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SendJSON(KeepaliveMessage{Type: TypeKeepalive, TS: time.Now().UnixMilli()})
			s.writeMu.Lock()
			s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) readLoop() {
	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla already sent the 1009 close frame.
				s.closeWith(0, "message_too_large")
			case s.closed.Load():
			default:
				code := websocket.CloseAbnormalClosure
				reason := "read_error"
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					code = ce.Code
					reason = "client_closed"
				}
				s.closeWith(code, reason)
			}
			return
		}
		s.touch()
		if mt == websocket.BinaryMessage {
			s.handleAudio(msg)
			continue
		}
		s.handleControl(msg)
	}
}

func (s *Session) handleControl(raw []byte) {
	var cm ClientMessage
	if err := json.Unmarshal(raw, &cm); err != nil {
		s.SendJSON(ErrorMessage{Type: TypeError, Error: "bad_message"})
		return
	}
	switch cm.Type {
	case TypeStart, TypeHello:
		ack := AckMessage{Type: TypeAck, Hello: true, CorrID: s.id}
		if mode := s.mode.Load(); mode != upstreamPending {
			ack.Upstream = modeString(mode)
		}
		s.SendJSON(ack)
	case TypeAudio:
		chunk, err := base64.StdEncoding.DecodeString(cm.Chunk)
		if err != nil {
			s.SendJSON(ErrorMessage{Type: TypeError, Error: "bad_chunk"})
			return
		}
		s.handleAudio(chunk)
	case TypeEOS, TypeEnd:
		s.finalizeAfterGrace("eos")
	case TypePing:
		s.SendJSON(PongMessage{Type: TypePong, TS: time.Now().UnixMilli()})
	case TypeBye:
		s.SendJSON(ByeMessage{Type: TypeBye})
		s.closeWith(websocket.CloseNormalClosure, "client_bye")
	default:
		s.SendJSON(ErrorMessage{Type: TypeError, Error: "unknown_type", Detail: cm.Type})
	}
}

// handleAudio is the single normalized entry for audio, whether it arrived as
// a binary frame or a base64 JSON chunk.
func (s *Session) handleAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	total := s.bytes.Add(int64(len(chunk)))
	s.frames.Add(1)
	if s.cfg.MaxSessionBytes > 0 && total > s.cfg.MaxSessionBytes {
		s.closeWith(websocket.CloseMessageTooBig, "session_byte_cap")
		return
	}

	s.turnMu.Lock()
	if s.turn == nil {
		s.turn = NewTurn()
		s.last = s.turn
		s.log.Debug("turn opened", zap.String("turn_id", s.turn.ID))
	}
	t := s.turn
	t.Append(chunk)
	if s.silence != nil {
		s.silence.Stop()
	}
	if s.cfg.SilenceToFinalize > 0 {
		s.silence = time.AfterFunc(s.cfg.SilenceToFinalize, func() {
			s.finalizeTurn(t, "silence")
		})
	}
	s.turnMu.Unlock()

	if s.mode.Load() == upstreamLive {
		if b := s.currentBridge(); b != nil {
			if err := b.SendAudio(chunk); err != nil {
				s.log.Warn("upstream audio forward failed", zap.Error(err))
			}
		}
	}
}

// finalizeAfterGrace delays an explicit end-of-stream finalize briefly so
// audio frames already in flight still land in the turn.
func (s *Session) finalizeAfterGrace(trigger string) {
	s.turnMu.Lock()
	t := s.turn
	s.turnMu.Unlock()
	if t == nil {
		return
	}
	if s.cfg.EOUGrace <= 0 {
		s.finalizeTurn(t, trigger)
		return
	}
	time.AfterFunc(s.cfg.EOUGrace, func() {
		s.finalizeTurn(t, trigger)
	})
}

// finalizeTurn forwards one turn exactly once; every trigger path funnels
// through the turn's latch, so racing triggers collapse to a single forward.
func (s *Session) finalizeTurn(t *Turn, trigger string) {
	if t == nil || s.closed.Load() {
		return
	}
	if t.Len() == 0 {
		return
	}
	if !t.TryForward() {
		return
	}

	s.turnMu.Lock()
	if s.silence != nil {
		s.silence.Stop()
		s.silence = nil
	}
	if s.turn == t {
		s.turn = nil
	}
	s.turnMu.Unlock()

	s.log.Info("turn finalized",
		zap.String("turn_id", t.ID),
		zap.String("trigger", trigger),
		zap.Int("bytes", t.Len()),
		zap.Int64("frames", t.Frames()))

	switch s.mode.Load() {
	case upstreamLive:
		if b := s.currentBridge(); b != nil {
			if err := b.EndAudioStream(); err != nil {
				s.log.Warn("upstream end-of-stream failed", zap.Error(err))
			}
		}
	case upstreamBatch:
		go s.runBatchTurn(t)
	default:
		// echo (or still pending): acknowledge the turn, no reply cycle.
		s.SendJSON(AckMessage{Type: TypeAck, Upstream: UpstreamEcho, CorrID: t.ID, Note: trigger})
	}
}

// runBatchTurn pushes one buffered utterance through the request/response
// conversation backend and streams the reply back through the pipeline.
func (s *Session) runBatchTurn(t *Turn) {
	userText, aiText, err := s.replier.Reply(s.ctx, t.Audio(), s.cfg.InputMIME)
	if err != nil {
		s.log.Warn("batch turn failed", zap.String("turn_id", t.ID), zap.Error(err))
		s.SendJSON(ErrorMessage{Type: TypeError, Error: "conversation_failed"})
		s.SendJSON(DoneMessage{Type: TypeAIDone, Error: "conversation_failed"})
		return
	}
	if userText != "" {
		t.SetFinal(userText)
		s.SendJSON(TranscriptMessage{Type: TypeSTTFinal, Text: userText})
	}
	NewReplyPipeline(s.synth, s, s.cfg.MaxSynthInFlight, s.log).RunText(s.ctx, aiText)
}

// fallbackToEcho downgrades a pending session after upstream setup fails. The
// CAS makes the downgrade idempotent and immune to a late upstream ready.
func (s *Session) fallbackToEcho(detail string) {
	if !s.mode.CompareAndSwap(upstreamPending, upstreamEcho) {
		return
	}
	if s.readyTmr != nil {
		s.readyTmr.Stop()
	}
	s.bridgeMu.Lock()
	b := s.bridge
	s.bridge = nil
	s.bridgeMu.Unlock()
	if b != nil {
		b.Close()
	}
	s.log.Warn("upstream unavailable, session running in echo mode", zap.String("detail", detail))
	s.SendJSON(ErrorMessage{Type: TypeError, Error: "live_connect_failed", Detail: detail})
	s.SendJSON(AckMessage{Type: TypeAck, Upstream: UpstreamEcho, Note: "live_connect_failed"})
}

func (s *Session) currentBridge() UpstreamBridge {
	s.bridgeMu.Lock()
	defer s.bridgeMu.Unlock()
	return s.bridge
}

// eventLoop consumes the bridge's normalized event stream for the life of the
// upstream connection.
func (s *Session) eventLoop(b UpstreamBridge) {
	for ev := range b.Events() {
		switch ev.Kind {
		case upstream.EventReady:
			if !s.mode.CompareAndSwap(upstreamPending, upstreamLive) {
				s.log.Warn("late upstream ready ignored",
					zap.String("mode", modeString(s.mode.Load())))
				continue
			}
			if s.readyTmr != nil {
				s.readyTmr.Stop()
			}
			s.log.Info("upstream ready")
			s.SendJSON(StatusMessage{Type: TypeStatus, State: StatusUpstreamReady})
			s.SendJSON(AckMessage{Type: TypeAck, Upstream: UpstreamLive, CorrID: s.id})

		case upstream.EventTranscript:
			s.handleTranscript(ev)

		case upstream.EventTextDelta:
			s.handleTextDelta(ev.Text)

		case upstream.EventAudio:
			s.seq++
			s.SendJSON(TTSChunkMessage{Type: TypeTTSChunk, Seq: s.seq, MIME: ev.MIME})
			s.SendBinary(ev.Audio)

		case upstream.EventTurnComplete:
			s.finishLiveReply()

		case upstream.EventInfo:
			s.log.Debug("upstream info frame", zap.ByteString("raw", ev.Raw))

		case upstream.EventError:
			s.log.Warn("upstream error", zap.Error(ev.Err))
			s.fallbackToEcho("upstream_error")

		case upstream.EventClosed:
			if s.mode.Load() == upstreamPending {
				s.fallbackToEcho("upstream_closed")
				return
			}
			if s.mode.Load() == upstreamLive && !s.closed.Load() {
				s.log.Warn("upstream connection lost",
					zap.Int("code", ev.Code), zap.String("reason", ev.Reason))
				s.closeWith(websocket.CloseInternalServerErr, "upstream_closed")
			}
			return
		}
	}
}

func (s *Session) handleTranscript(ev upstream.Event) {
	s.turnMu.Lock()
	t := s.last
	s.turnMu.Unlock()

	if ev.Final {
		if t != nil {
			t.SetFinal(ev.Text)
		}
		s.SendJSON(TranscriptMessage{Type: TypeSTTFinal, Text: ev.Text})
		return
	}
	if t != nil {
		t.SetInterim(ev.Text)
	}
	s.SendJSON(TranscriptMessage{Type: TypeSTTInterim, Text: ev.Text})

	// Early trigger: a sentence-final interim, or one past the length
	// threshold, means the utterance is almost certainly over.
	if t != nil && !t.Forwarded() {
		if EndsSentence(ev.Text) ||
			(s.cfg.EarlyTriggerLen > 0 && utf8.RuneCountInString(ev.Text) >= s.cfg.EarlyTriggerLen) {
			s.finalizeTurn(t, "early_transcript")
		}
	}
}

// handleTextDelta routes reply text either through the local synthesis
// pipeline (text-only upstream) or straight to the client alongside the
// upstream's own audio.
func (s *Session) handleTextDelta(text string) {
	if s.cfg.LocalSynth && s.synth != nil {
		if s.deltaCh == nil {
			s.deltaCh = make(chan string, 64)
			p := NewReplyPipeline(s.synth, s, s.cfg.MaxSynthInFlight, s.log)
			ch := s.deltaCh
			go p.Run(s.ctx, ch, nil)
		}
		s.deltaCh <- text
		return
	}
	s.SendJSON(TextDeltaMessage{Type: TypeAITextDelta, Text: text})
	s.replyText.WriteString(text)
	for {
		sentence, rest, ok := cutSentence(s.replyText.String())
		if !ok {
			break
		}
		s.replyText.Reset()
		s.replyText.WriteString(rest)
		if sentence = strings.TrimSpace(sentence); sentence != "" {
			s.SendJSON(SentenceMessage{Type: TypeAISentence, Text: sentence})
		}
	}
}

func (s *Session) finishLiveReply() {
	// Promote a dangling interim transcript so the client always gets a final
	// before the reply ends.
	s.turnMu.Lock()
	t := s.last
	s.turnMu.Unlock()
	if t != nil && t.Final() == "" && t.Interim() != "" {
		t.SetFinal(t.Interim())
		s.SendJSON(TranscriptMessage{Type: TypeSTTFinal, Text: t.Interim()})
	}

	if s.deltaCh != nil {
		// The pipeline emits ai_done after draining.
		close(s.deltaCh)
		s.deltaCh = nil
	} else {
		if tail := strings.TrimSpace(s.replyText.String()); tail != "" {
			s.SendJSON(SentenceMessage{Type: TypeAISentence, Text: tail})
		}
		s.SendJSON(DoneMessage{Type: TypeAIDone})
	}
	s.replyText.Reset()
	s.seq = 0
}

// touch resets the idle clock on any inbound frame.
func (s *Session) touch() {
	if s.idle != nil {
		s.idle.Reset(s.cfg.IdleTimeout)
	}
}

// closeWith tears the session down exactly once: stop timers, latch any open
// turn, release the upstream and close the socket with a proper close frame.
func (s *Session) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		s.turnMu.Lock()
		if s.silence != nil {
			s.silence.Stop()
		}
		t := s.turn
		s.turn = nil
		s.turnMu.Unlock()
		if s.idle != nil {
			s.idle.Stop()
		}
		if s.age != nil {
			s.age.Stop()
		}
		if s.readyTmr != nil {
			s.readyTmr.Stop()
		}

		s.bridgeMu.Lock()
		b := s.bridge
		s.bridge = nil
		s.bridgeMu.Unlock()

		// Last-resort finalize: audio that never hit a trigger is latched so
		// nothing downstream can double-forward it later. In live mode the
		// chunks already reached the upstream, so close out the stream before
		// dropping the socket.
		if t != nil && t.Len() > 0 && t.TryForward() {
			if b != nil && s.mode.Load() == upstreamLive {
				b.EndAudioStream()
			}
			s.log.Info("turn latched on close",
				zap.String("turn_id", t.ID), zap.Int("bytes", t.Len()))
		}
		if b != nil {
			b.Close()
		}

		if code > 0 {
			s.writeMu.Lock()
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			s.writeMu.Unlock()
		}
		s.conn.Close()

		s.log.Info("session closed",
			zap.Int("code", code),
			zap.String("reason", reason),
			zap.Int64("frames", s.frames.Load()),
			zap.Int64("bytes", s.bytes.Load()),
			zap.String("upstream", modeString(s.mode.Load())))
	})
}

func modeString(mode int32) string {
	switch mode {
	case upstreamLive:
		return UpstreamLive
	case upstreamEcho:
		return UpstreamEcho
	case upstreamBatch:
		return UpstreamBatch
	default:
		return "pending"
	}
}
