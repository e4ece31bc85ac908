package types

// Message is one conversation entry, oldest first in a history slice.
type Message struct {
	Role string `json:"role"` // "user" or "model"
	Text string `json:"text"`
}

type TTSReq struct {
	Text   string `json:"text" binding:"required"`
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

type TTSResp struct {
	MIME        string `json:"mime"`
	AudioBase64 string `json:"audio_base64"`
}

// ConversationReq is one buffered utterance for the batch voice endpoint.
// Messages, when present, override the server-side history for this turn.
type ConversationReq struct {
	SessionID   string    `json:"session_id"`
	AudioBase64 string    `json:"audioBase64" binding:"required"`
	MimeType    string    `json:"mimeType"`
	Messages    []Message `json:"messages"`
}

type ConversationResp struct {
	OK                bool      `json:"ok"`
	SessionID         string    `json:"session_id"`
	UserMessage       string    `json:"userMessage"`
	AIResponse        string    `json:"aiResponse"`
	AudioBase64       string    `json:"audioBase64,omitempty"`
	MimeType          string    `json:"mimeType,omitempty"`
	ConversationState []Message `json:"conversationState"`
}

type HealthResp struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}
