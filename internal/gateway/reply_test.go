package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures the exact wire order of JSON and binary frames.
type recorder struct {
	mu     sync.Mutex
	frames []recordedFrame
}

type recordedFrame struct {
	binary bool
	data   []byte
	typ    string
}

func (r *recorder) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var envelope struct {
		Type string `json:"type"`
	}
	json.Unmarshal(raw, &envelope)
	r.mu.Lock()
	r.frames = append(r.frames, recordedFrame{data: raw, typ: envelope.Type})
	r.mu.Unlock()
	return nil
}

func (r *recorder) SendBinary(b []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, recordedFrame{binary: true, data: b})
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(typ string) []recordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedFrame
	for _, f := range r.frames {
		if !f.binary && f.typ == typ {
			out = append(out, f)
		}
	}
	return out
}

// slowSynth makes the first sentence the slowest so out-of-order delivery
// would be caught.
type slowSynth struct {
	mu    sync.Mutex
	calls int
	fail  string
}

func (s *slowSynth) Synthesize(_ context.Context, text string) (string, []byte, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if s.fail != "" && strings.Contains(text, s.fail) {
		return "", nil, errors.New("synth backend down")
	}
	if n == 1 {
		time.Sleep(80 * time.Millisecond)
	}
	return "audio/mpeg", []byte("audio:" + text), nil
}

func runPipeline(t *testing.T, synth Synthesizer, deltas ...string) *recorder {
	t.Helper()
	rec := &recorder{}
	p := NewReplyPipeline(synth, rec, 2, nil)
	ch := make(chan string, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	p.Run(context.Background(), ch, nil)
	return rec
}

func TestReplyPipeline_ChunksArriveInGenerationOrder(t *testing.T) {
	rec := runPipeline(t, &slowSynth{}, "最初の文です。", "二番目です。", "三番目です。")

	var seqs []int
	var texts []string
	rec.mu.Lock()
	for i, f := range rec.frames {
		if f.binary {
			continue
		}
		switch f.typ {
		case TypeTTSChunk:
			var h TTSChunkMessage
			require.NoError(t, json.Unmarshal(f.data, &h))
			seqs = append(seqs, h.Seq)
			// Header is immediately followed by its binary payload.
			require.Less(t, i+1, len(rec.frames))
			assert.True(t, rec.frames[i+1].binary)
		case TypeAISentence:
			var m SentenceMessage
			require.NoError(t, json.Unmarshal(f.data, &m))
			texts = append(texts, m.Text)
		}
	}
	rec.mu.Unlock()

	assert.Equal(t, []int{1, 2, 3}, seqs)
	assert.Equal(t, []string{"最初の文です。", "二番目です。", "三番目です。"}, texts)

	// Binary payloads in the same order their sentences were generated.
	var audio []string
	for _, f := range rec.frames {
		if f.binary {
			audio = append(audio, string(f.data))
		}
	}
	assert.Equal(t, []string{
		"audio:最初の文です。",
		"audio:二番目です。",
		"audio:三番目です。",
	}, audio)
}

func TestReplyPipeline_SingleTerminalDone(t *testing.T) {
	rec := runPipeline(t, &slowSynth{}, "一。", "二。")

	dones := rec.ofType(TypeAIDone)
	require.Len(t, dones, 1)

	rec.mu.Lock()
	last := rec.frames[len(rec.frames)-1]
	rec.mu.Unlock()
	assert.Equal(t, TypeAIDone, last.typ)
}

func TestReplyPipeline_SynthFailureTagsDoneButKeepsGoing(t *testing.T) {
	rec := runPipeline(t, &slowSynth{fail: "壊れた"}, "壊れた文。", "無事な文。")

	dones := rec.ofType(TypeAIDone)
	require.Len(t, dones, 1)
	var done DoneMessage
	require.NoError(t, json.Unmarshal(dones[0].data, &done))
	assert.Equal(t, "tts_failed", done.Error)

	// The surviving sentence still produced audio, with seq restarting the
	// count after the dropped one.
	chunks := rec.ofType(TypeTTSChunk)
	require.Len(t, chunks, 1)
	var h TTSChunkMessage
	require.NoError(t, json.Unmarshal(chunks[0].data, &h))
	assert.Equal(t, 1, h.Seq)
}

func TestReplyPipeline_TrailingTextWithoutPunctuation(t *testing.T) {
	rec := runPipeline(t, &slowSynth{}, "句点のない返事")

	sentences := rec.ofType(TypeAISentence)
	require.Len(t, sentences, 1)
	chunks := rec.ofType(TypeTTSChunk)
	require.Len(t, chunks, 1)
	var h TTSChunkMessage
	require.NoError(t, json.Unmarshal(chunks[0].data, &h))
	assert.True(t, h.EOS)
}

func TestCutSentence(t *testing.T) {
	sentence, rest, ok := cutSentence("こんにちは。元気ですか")
	require.True(t, ok)
	assert.Equal(t, "こんにちは。", sentence)
	assert.Equal(t, "元気ですか", rest)

	_, rest, ok = cutSentence("まだ途中")
	assert.False(t, ok)
	assert.Equal(t, "まだ途中", rest)
}

func TestEndsSentence(t *testing.T) {
	assert.True(t, EndsSentence("わかりました。"))
	assert.True(t, EndsSentence("Done!"))
	assert.False(t, EndsSentence("それでは"))
	assert.False(t, EndsSentence(""))
}
