package gateway

// Client → server message types.
const (
	TypeStart = "start"
	TypeHello = "hello"
	TypeAudio = "audio"
	TypeEOS   = "eos"
	TypeEnd   = "end"
	TypeBye   = "bye"
	TypePing  = "ping"
)

// Server → client message types.
const (
	TypeAck         = "ack"
	TypePong        = "pong"
	TypeStatus      = "status"
	TypeSTTInterim  = "stt_interim"
	TypeSTTFinal    = "stt_final"
	TypeAITextDelta = "ai_text_delta"
	TypeAISentence  = "ai_sentence"
	TypeTTSChunk    = "tts_chunk"
	TypeAIDone      = "ai_done"
	TypeError       = "error"
	TypeKeepalive   = "keepalive"
)

// Status states.
const (
	StatusReady         = "ready"
	StatusUpstreamReady = "upstream_ready"
	StatusUpstreamSetup = "upstream_setup_sent"
)

// Upstream modes reported in acks.
const (
	UpstreamLive  = "live"
	UpstreamEcho  = "echo"
	UpstreamBatch = "batch"
)

// ClientMessage is the union of all JSON control frames a client may send.
// Binary frames carry raw audio and have no JSON envelope.
type ClientMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Lang       string `json:"lang,omitempty"`
	Codec      string `json:"codec,omitempty"`

	// Chunk is a base64 audio payload, the JSON-wrapped alternative to a
	// binary frame. Both normalize to the same internal representation.
	Chunk string `json:"chunk,omitempty"`
}

type AckMessage struct {
	Type     string `json:"type"`
	Hello    bool   `json:"hello,omitempty"`
	Upstream string `json:"upstream,omitempty"`
	CorrID   string `json:"corr_id,omitempty"`
	Note     string `json:"note,omitempty"`
}

type PongMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type StatusMessage struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type TranscriptMessage struct {
	Type string `json:"type"` // stt_interim or stt_final
	Text string `json:"text"`
}

type TextDeltaMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type SentenceMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TTSChunkMessage is the JSON header sent immediately before the raw binary
// audio frame it describes. Seq is monotonically increasing per turn and is
// authoritative for playback order.
type TTSChunkMessage struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
	EOS  bool   `json:"eos,omitempty"`
	MIME string `json:"mime"`
}

type DoneMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

type ErrorMessage struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type KeepaliveMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type ByeMessage struct {
	Type string `json:"type"`
}
