package tts

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
)

// Stub is a deterministic offline provider for dev and tests: the payload is
// derived from the text so callers can assert on it, sized roughly like real
// synthesized audio.
type Stub struct{}

func NewStub() *Stub { return &Stub{} }

func (*Stub) Synthesize(_ context.Context, text string) (string, []byte, error) {
	sum := sha1.Sum([]byte(text))
	// ~60ms of 16kHz mono PCM per rune, patterned from the digest.
	n := len([]rune(text)) * 1920
	if n == 0 {
		n = 1920
	}
	audio := make([]byte, n)
	for i := 0; i+1 < n; i += 2 {
		binary.LittleEndian.PutUint16(audio[i:], uint16(sum[i%len(sum)])<<4)
	}
	return "audio/pcm;rate=16000", audio, nil
}

// ForBase picks the HTTP provider when a backend is configured, the stub
// otherwise.
func ForBase(base, voice string) Provider {
	if base == "" {
		return NewStub()
	}
	return NewHTTPProvider(base, voice)
}
