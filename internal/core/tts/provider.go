// Package tts provides sentence-level speech synthesis backends for the
// reply pipeline and the /v1/tts side channel.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Provider turns one sentence of text into audio. Implementations must be
// safe for concurrent use; the reply pipeline synthesizes sentences in
// parallel.
type Provider interface {
	Synthesize(ctx context.Context, text string) (mime string, audio []byte, err error)
}

// HTTPProvider calls an external synthesis service.
type HTTPProvider struct {
	base  string
	voice string
	hc    *http.Client
}

func NewHTTPProvider(base, voice string) *HTTPProvider {
	return &HTTPProvider{
		base:  base,
		voice: voice,
		hc:    &http.Client{Timeout: 15 * time.Second},
	}
}

type synthesizeReq struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

type synthesizeResp struct {
	MIME        string `json:"mime"`
	AudioBase64 string `json:"audio_base64"`
}

func (p *HTTPProvider) Synthesize(ctx context.Context, text string) (string, []byte, error) {
	body, err := json.Marshal(synthesizeReq{Text: text, Voice: p.voice})
	if err != nil {
		return "", nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.hc.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("tts backend: %s", resp.Status)
	}

	var out synthesizeResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, err
	}
	audio, err := base64.StdEncoding.DecodeString(out.AudioBase64)
	if err != nil {
		return "", nil, fmt.Errorf("tts backend: bad audio payload: %w", err)
	}
	if out.MIME == "" {
		out.MIME = "audio/mpeg"
	}
	return out.MIME, audio, nil
}
