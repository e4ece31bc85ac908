package upstream

import "encoding/json"

// Wire envelopes for the upstream live speech service. Field names follow
// the service's JSON contract; everything local speaks the Event type below.

type setupMessage struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                   string            `json:"model"`
	GenerationConfig        *generationConfig `json:"generationConfig,omitempty"`
	InputAudioTranscription *struct{}         `json:"inputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio          *audioBlob `json:"audio,omitempty"`
	AudioStreamEnd bool       `json:"audioStreamEnd,omitempty"`
}

type audioBlob struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mimeType"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
}

type serverContent struct {
	InputTranscription *transcription `json:"inputTranscription,omitempty"`
	ModelTurn          *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete       bool           `json:"turnComplete,omitempty"`
}

type transcription struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// EventKind classifies normalized upstream events.
type EventKind int

const (
	// EventReady fires once after the setup handshake completes.
	EventReady EventKind = iota

	// EventTranscript carries input transcription progress.
	EventTranscript

	// EventTextDelta carries incremental reply text.
	EventTextDelta

	// EventAudio carries one synthesized audio chunk.
	EventAudio

	// EventTurnComplete marks the end of one reply cycle.
	EventTurnComplete

	// EventInfo passes through an unrecognized JSON frame rather than
	// dropping it silently.
	EventInfo

	// EventError reports a socket or protocol failure.
	EventError

	// EventClosed reports the upstream connection closing.
	EventClosed
)

// Event is the bridge's normalized inbound representation.
type Event struct {
	Kind   EventKind
	Text   string
	Final  bool
	Audio  []byte
	MIME   string
	Raw    json.RawMessage
	Err    error
	Code   int
	Reason string
}
