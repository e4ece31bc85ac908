// Package callflow orchestrates the lifecycle of one voice call:
// greeting, listening, processing, connection checks and the graceful
// ending path.
package callflow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the call lifecycle state.
type State int

const (
	StateIdle State = iota
	StateGreeting
	StateListening
	StateProcessing
	StateWaitingForResponse
	StateCheckingConnection
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateWaitingForResponse:
		return "waiting-for-response"
	case StateCheckingConnection:
		return "checking-connection"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EndReason explains why a call ended.
type EndReason string

const (
	EndNoResponse            EndReason = "no-response"
	EndNoResponseAfterPrompt EndReason = "no-response-after-prompt"
	EndUserConfirmed         EndReason = "user-confirmed-end"
	EndAIEnded               EndReason = "ai-ended"
	EndManual                EndReason = "manual"
	EndFatal                 EndReason = "fatal"
)

// Config holds the flow's timers. All are externally tunable.
type Config struct {
	// Greeting text spoken at call start.
	Greeting string

	// ConnectionCheckPrompt is synthesized locally when the caller goes
	// silent before the gateway produces anything.
	ConnectionCheckPrompt string

	// ClosingUtterance is spoken on every ending transition.
	ClosingUtterance string

	// GreetingFallback bounds the wait for greeting playback completion so
	// the flow never blocks indefinitely on a media event.
	GreetingFallback time.Duration

	// SilenceBeforeCheck arms the connection check when no user audio
	// arrives; SilenceBeforeEnd arms the hard end after a check went
	// unanswered.
	SilenceBeforeCheck time.Duration
	SilenceBeforeEnd   time.Duration

	// EndingGrace lets closing TTS audio finish before ended fires.
	EndingGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Greeting:              "お電話ありがとうございます。ご用件をどうぞ。",
		ConnectionCheckPrompt: "もしもし、聞こえていますか？",
		ClosingUtterance:      "お電話ありがとうございました。失礼いたします。",
		GreetingFallback:      6 * time.Second,
		SilenceBeforeCheck:    8 * time.Second,
		SilenceBeforeEnd:      10 * time.Second,
		EndingGrace:           2 * time.Second,
	}
}

// Event is one timeline entry; enough to reconstruct the call after the fact.
type Event struct {
	At    time.Time
	State State
	Note  string
}

// Hooks are the flow's outputs. Speak enqueues an utterance for playback
// (greeting, connection-check prompt, closing); OnEnd fires exactly once.
type Hooks struct {
	Speak         func(text string)
	OnStateChange func(from, to State)
	OnEnd         func(reason EndReason)
}

// Flow is the per-call conversation state machine. All entry points are safe
// for concurrent use; timers carry a generation stamp so a timer firing
// after teardown is a guaranteed no-op.
type Flow struct {
	callID string
	cfg    Config
	hooks  Hooks
	log    *zap.Logger

	mu    sync.Mutex
	state State
	gen   uint64 // bumped on every transition; stale timers check it

	// Conversation context
	awaitingEndConfirmation bool
	connectionChecks        int
	lastUserResponse        time.Time

	checkTimer    *time.Timer
	endTimer      *time.Timer
	greetingTimer *time.Timer
	graceTimer    *time.Timer

	timeline []Event
}

func New(callID string, cfg Config, hooks Hooks, log *zap.Logger) *Flow {
	if log == nil {
		log = zap.NewNop()
	}
	return &Flow{
		callID: callID,
		cfg:    cfg,
		hooks:  hooks,
		log:    log.With(zap.String("call_id", callID)),
		state:  StateIdle,
	}
}

// StartCall plays the greeting and waits for playback completion (or the
// fallback timer) before listening.
func (f *Flow) StartCall() {
	f.mu.Lock()
	if f.state != StateIdle {
		f.mu.Unlock()
		return
	}
	f.setStateLocked(StateGreeting, "call start")
	f.greetingTimer = time.AfterFunc(f.cfg.GreetingFallback, func() {
		f.mu.Lock()
		if f.state == StateGreeting {
			f.toListeningLocked("greeting fallback timeout")
		}
		f.mu.Unlock()
	})
	speak := f.hooks.Speak
	f.mu.Unlock()
	if speak != nil {
		speak(f.cfg.Greeting)
	}
}

// GreetingDone is called when greeting playback completes.
func (f *Flow) GreetingDone() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateGreeting {
		return
	}
	f.toListeningLocked("greeting playback complete")
}

// OnSpeechStart cancels both silence timers so a slow-starting speaker is
// never cut off mid-breath. Once the ending path has begun, talking over the
// closing message changes nothing.
func (f *Flow) OnSpeechStart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateEnding || f.state == StateEnded {
		return
	}
	f.cancelSilenceTimersLocked()
	f.note("speech start")
}

// OnUserAudioFinalized marks the hand-off of a finished utterance for
// transcription and reply.
func (f *Flow) OnUserAudioFinalized() {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateListening, StateWaitingForResponse, StateCheckingConnection:
		f.cancelSilenceTimersLocked()
		f.connectionChecks = 0
		f.lastUserResponse = time.Now()
		f.setStateLocked(StateProcessing, "user audio finalized")
	}
}

// OnUserTranscript delivers the transcribed user utterance. While the
// end-confirmation latch is armed, closing language ends the call; any other
// utterance clears the latch and the call continues.
func (f *Flow) OnUserTranscript(text string) {
	f.mu.Lock()
	if f.state == StateEnding || f.state == StateEnded {
		f.mu.Unlock()
		return
	}
	f.cancelSilenceTimersLocked()
	f.lastUserResponse = time.Now()
	f.note("user: " + text)
	if f.awaitingEndConfirmation {
		f.awaitingEndConfirmation = false
		if IsNegativeResponse(text) {
			f.beginEndingLocked(EndUserConfirmed)
			f.mu.Unlock()
			return
		}
	}
	f.mu.Unlock()
}

// OnAIReply classifies the reply and moves out of processing.
func (f *Flow) OnAIReply(text string) {
	f.mu.Lock()
	if f.state == StateEnding || f.state == StateEnded {
		f.mu.Unlock()
		return
	}
	kind := ClassifyReply(text)
	f.note("ai(" + kind.String() + "): " + text)
	switch kind {
	case ReplyClosing:
		f.beginEndingLocked(EndAIEnded)
		f.mu.Unlock()
		return
	case ReplyConnectivityCheck:
		f.connectionChecks++
		f.setStateLocked(StateCheckingConnection, "ai connectivity check")
		f.armEndTimerLocked()
	case ReplyMoreQuestions:
		f.awaitingEndConfirmation = true
		f.setStateLocked(StateWaitingForResponse, "ai asked for more questions")
		f.armCheckTimerLocked()
	default:
		f.setStateLocked(StateWaitingForResponse, "ai reply")
		f.armCheckTimerLocked()
	}
	f.mu.Unlock()
}

// Listen re-arms the flow for the next utterance (VAD speech-start arrives
// next). Valid from the waiting states.
func (f *Flow) Listen() {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case StateWaitingForResponse, StateCheckingConnection:
		f.toListeningLocked("re-armed for next utterance")
	}
}

// EndCall forces the graceful ending path from any state.
func (f *Flow) EndCall(reason EndReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateEnding || f.state == StateEnded {
		return
	}
	f.beginEndingLocked(reason)
}

// Terminate is the hard edge: straight to ended, no closing utterance.
// Used for fatal errors and manual hang-up when infrastructure is gone.
func (f *Flow) Terminate(reason EndReason) {
	f.mu.Lock()
	if f.state == StateEnded {
		f.mu.Unlock()
		return
	}
	f.cancelAllTimersLocked()
	f.setStateLocked(StateEnded, "terminated: "+string(reason))
	onEnd := f.hooks.OnEnd
	f.mu.Unlock()
	if onEnd != nil {
		onEnd(reason)
	}
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AwaitingEndConfirmation reports whether the end-confirmation latch is armed.
func (f *Flow) AwaitingEndConfirmation() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.awaitingEndConfirmation
}

// Timeline returns a copy of the timestamped call timeline.
func (f *Flow) Timeline() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.timeline))
	copy(out, f.timeline)
	return out
}

// --- internals (mu held unless noted) ---

func (f *Flow) toListeningLocked(note string) {
	if f.greetingTimer != nil {
		f.greetingTimer.Stop()
		f.greetingTimer = nil
	}
	f.setStateLocked(StateListening, note)
	f.armCheckTimerLocked()
}

// armCheckTimerLocked arms the short "no user audio yet" timer.
func (f *Flow) armCheckTimerLocked() {
	if f.checkTimer != nil {
		f.checkTimer.Stop()
	}
	gen := f.gen
	f.checkTimer = time.AfterFunc(f.cfg.SilenceBeforeCheck, func() {
		f.onTimer(gen, f.silenceCheckFiredLocked)
	})
}

// armEndTimerLocked arms the longer "no response even after a check" timer.
func (f *Flow) armEndTimerLocked() {
	if f.endTimer != nil {
		f.endTimer.Stop()
	}
	gen := f.gen
	f.endTimer = time.AfterFunc(f.cfg.SilenceBeforeEnd, func() {
		f.onTimer(gen, f.silenceEndFiredLocked)
	})
}

func (f *Flow) silenceCheckFiredLocked() {
	switch f.state {
	case StateListening, StateWaitingForResponse:
	default:
		return
	}
	f.connectionChecks++
	f.setStateLocked(StateCheckingConnection, "local silence timeout")
	f.armEndTimerLocked()
	speak := f.hooks.Speak
	if speak != nil {
		prompt := f.cfg.ConnectionCheckPrompt
		go speak(prompt)
	}
}

func (f *Flow) silenceEndFiredLocked() {
	if f.state != StateCheckingConnection {
		return
	}
	reason := EndNoResponseAfterPrompt
	if f.connectionChecks >= 2 {
		reason = EndNoResponse
	}
	f.beginEndingLocked(reason)
}

func (f *Flow) beginEndingLocked(reason EndReason) {
	f.cancelAllTimersLocked()
	f.setStateLocked(StateEnding, "ending: "+string(reason))
	speak := f.hooks.Speak
	if speak != nil {
		closing := f.cfg.ClosingUtterance
		go speak(closing)
	}
	gen := f.gen
	f.graceTimer = time.AfterFunc(f.cfg.EndingGrace, func() {
		var onEnd func(EndReason)
		f.mu.Lock()
		if f.gen == gen && f.state == StateEnding {
			f.setStateLocked(StateEnded, "grace elapsed")
			onEnd = f.hooks.OnEnd
		}
		f.mu.Unlock()
		if onEnd != nil {
			onEnd(reason)
		}
	})
}

func (f *Flow) cancelSilenceTimersLocked() {
	f.gen++ // invalidate any timer already past Stop
	if f.checkTimer != nil {
		f.checkTimer.Stop()
		f.checkTimer = nil
	}
	if f.endTimer != nil {
		f.endTimer.Stop()
		f.endTimer = nil
	}
}

func (f *Flow) cancelAllTimersLocked() {
	f.cancelSilenceTimersLocked()
	if f.greetingTimer != nil {
		f.greetingTimer.Stop()
		f.greetingTimer = nil
	}
	if f.graceTimer != nil {
		f.graceTimer.Stop()
		f.graceTimer = nil
	}
}

func (f *Flow) setStateLocked(to State, note string) {
	from := f.state
	f.state = to
	f.gen++
	f.timeline = append(f.timeline, Event{At: time.Now(), State: to, Note: note})
	f.log.Info("call state",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("note", note))
	if cb := f.hooks.OnStateChange; cb != nil && from != to {
		go cb(from, to)
	}
}

func (f *Flow) note(n string) {
	f.timeline = append(f.timeline, Event{At: time.Now(), State: f.state, Note: n})
}

// onTimer runs fn under the lock only if the generation still matches, so a
// dangling timer firing after a transition is a no-op.
func (f *Flow) onTimer(gen uint64, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen || f.state == StateEnded {
		return
	}
	fn()
}
