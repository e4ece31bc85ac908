// Package speech is the request/response conversation backend used when no
// live upstream is available: one buffered utterance in, a transcript and a
// reply out.
package speech

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/kaiwa-labs/kaiwa-gateway/pkg/types"
)

const systemPrompt = "あなたは丁寧な電話応対アシスタントです。返事は短く、話し言葉で。"

type Client struct {
	c     *genai.Client
	model string
}

func New(apiKey, model string) (*Client, error) {
	tr := &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2: false,
		MaxIdleConns:      100,
		IdleConnTimeout:   90 * time.Second,
	}
	hc := &http.Client{Transport: tr, Timeout: 30 * time.Second}
	reqTimeout := 15 * time.Second
	cl, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: hc,
		HTTPOptions: genai.HTTPOptions{
			APIVersion: "v1",
			Timeout:    &reqTimeout,
		},
	})
	if err != nil {
		return nil, err
	}
	return &Client{c: cl, model: model}, nil
}

func (g *Client) Close() error { return nil }

// turn is the structured shape Converse asks the model for.
type turn struct {
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
}

// Converse transcribes one utterance and generates the reply in a single
// call. History gives the model the earlier turns of the call.
func (g *Client) Converse(ctx context.Context, audio []byte, mime string, history []types.Message) (userText, aiText string, err error) {
	parts := []*genai.Part{
		{Text: systemPrompt + historyPrompt(history) +
			" 次の音声を文字起こしし、返事を作ってください。JSONのみ出力: {\"transcript\":\"string\",\"reply\":\"string\"}"},
		{InlineData: &genai.Blob{Data: audio, MIMEType: mime}},
	}

	cfgJSON := generationConfig()
	cfgJSON.ResponseMIMEType = "application/json"
	cfgJSON.ResponseSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"transcript": {Type: genai.TypeString},
			"reply":      {Type: genai.TypeString},
		},
		Required: []string{"transcript", "reply"},
	}

	if t, err := g.callOnce(ctx, parts, cfgJSON); err == nil && t != nil {
		return t.Transcript, t.Reply, nil
	}
	t, err := g.callOnce(ctx, parts, generationConfig())
	if err != nil {
		return "", "", err
	}
	return t.Transcript, t.Reply, nil
}

func generationConfig() *genai.GenerateContentConfig {
	temp := float32(0.4)
	topP := float32(0.9)
	return &genai.GenerateContentConfig{
		Temperature:     &temp,
		TopP:            &topP,
		MaxOutputTokens: 2048,
	}
}

func historyPrompt(history []types.Message) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(" これまでの会話:")
	for _, m := range history {
		b.WriteString(" [")
		b.WriteString(m.Role)
		b.WriteString("] ")
		b.WriteString(m.Text)
	}
	return b.String()
}

func (g *Client) callOnce(ctx context.Context, parts []*genai.Part, cfg *genai.GenerateContentConfig) (*turn, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		resp, err := g.c.Models.GenerateContent(ctx, g.model, []*genai.Content{{Parts: parts}}, cfg)
		if err != nil {
			lastErr = err
			if retriable(err) {
				time.Sleep(time.Duration(300*(i+1)) * time.Millisecond)
				continue
			}
			return nil, err
		}
		if t, ok := parseTurn(resp); ok {
			return t, nil
		}
		lastErr = errors.New("empty response")
		time.Sleep(time.Duration(300*(i+1)) * time.Millisecond)
	}
	return nil, lastErr
}

func parseTurn(resp *genai.GenerateContentResponse) (*turn, bool) {
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p.InlineData != nil && p.InlineData.MIMEType == "application/json" {
				var t turn
				if json.Unmarshal(p.InlineData.Data, &t) == nil && t.Reply != "" {
					return &t, true
				}
			}
			if p.Text != "" {
				var t turn
				if json.Unmarshal([]byte(p.Text), &t) == nil && t.Reply != "" {
					return &t, true
				}
			}
		}
	}
	if t := resp.Text(); t != "" {
		return &turn{Reply: t}, true
	}
	return nil, false
}

func retriable(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "unexpected EOF") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "RST_STREAM") ||
		strings.Contains(s, "connection reset")
}
