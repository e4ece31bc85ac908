package gateway

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Synthesizer turns one sentence of text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (mime string, audio []byte, err error)
}

// Sender is the session's ordered frame writer. Implementations must
// preserve call order on the wire.
type Sender interface {
	SendJSON(v any) error
	SendBinary(b []byte) error
}

// ReplyPipeline streams one AI reply to the client: text deltas verbatim as
// they arrive, completed sentences as discrete events, and per-sentence
// synthesized audio as a tts_chunk header immediately followed by its binary
// frame. Synthesis runs with bounded concurrency but chunks are delivered in
// generation order with monotone sequence numbers.
type ReplyPipeline struct {
	synth       Synthesizer
	send        Sender
	maxInFlight int
	log         *zap.Logger
}

func NewReplyPipeline(synth Synthesizer, send Sender, maxInFlight int, log *zap.Logger) *ReplyPipeline {
	if maxInFlight <= 0 {
		maxInFlight = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReplyPipeline{synth: synth, send: send, maxInFlight: maxInFlight, log: log}
}

type sentenceJob struct {
	text string
	last bool
	done chan synthResult
}

type synthResult struct {
	mime  string
	audio []byte
	err   error
}

// Run consumes the delta stream until it closes, then emits a single
// terminal ai_done (carrying an error tag if any sentence failed or
// streamErr reported a mid-reply failure). Partial output already sent is
// never retracted.
func (p *ReplyPipeline) Run(ctx context.Context, deltas <-chan string, streamErr func() error) {
	jobs := make(chan *sentenceJob, 64)
	senderDone := make(chan string, 1)

	go p.sendOrdered(jobs, senderDone)

	sem := make(chan struct{}, p.maxInFlight)
	var pending strings.Builder

	dispatch := func(text string, last bool) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		job := &sentenceJob{text: text, last: last, done: make(chan synthResult, 1)}
		jobs <- job
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			mime, audio, err := p.synth.Synthesize(ctx, job.text)
			job.done <- synthResult{mime: mime, audio: audio, err: err}
		}()
	}

	for delta := range deltas {
		if err := p.send.SendJSON(TextDeltaMessage{Type: TypeAITextDelta, Text: delta}); err != nil {
			p.log.Debug("delta send failed", zap.Error(err))
		}
		pending.WriteString(delta)
		for {
			sentence, rest, ok := cutSentence(pending.String())
			if !ok {
				break
			}
			pending.Reset()
			pending.WriteString(rest)
			dispatch(sentence, false)
		}
	}
	// Trailing text without sentence-final punctuation is still a sentence.
	dispatch(pending.String(), true)
	close(jobs)

	errTag := <-senderDone
	if errTag == "" && streamErr != nil {
		if err := streamErr(); err != nil {
			errTag = "reply_stream_failed"
		}
	}
	if err := p.send.SendJSON(DoneMessage{Type: TypeAIDone, Error: errTag}); err != nil {
		p.log.Debug("done send failed", zap.Error(err))
	}
}

// RunText runs the pipeline over a single pre-computed reply string (the
// batch path).
func (p *ReplyPipeline) RunText(ctx context.Context, text string) {
	deltas := make(chan string, 1)
	deltas <- text
	close(deltas)
	p.Run(ctx, deltas, nil)
}

// sendOrdered delivers sentence events and audio strictly in generation
// order: header immediately before its binary payload, never interleaved
// with another header.
func (p *ReplyPipeline) sendOrdered(jobs <-chan *sentenceJob, done chan<- string) {
	seq := 0
	errTag := ""
	for job := range jobs {
		if err := p.send.SendJSON(SentenceMessage{Type: TypeAISentence, Text: job.text}); err != nil {
			p.log.Debug("sentence send failed", zap.Error(err))
		}
		res := <-job.done
		if res.err != nil {
			// One failed synthesis does not kill the reply; the terminal
			// event carries the tag.
			p.log.Warn("sentence synthesis failed", zap.Error(res.err))
			errTag = "tts_failed"
			continue
		}
		seq++
		header := TTSChunkMessage{Type: TypeTTSChunk, Seq: seq, EOS: job.last, MIME: res.mime}
		if err := p.send.SendJSON(header); err != nil {
			p.log.Debug("tts header send failed", zap.Error(err))
			continue
		}
		if err := p.send.SendBinary(res.audio); err != nil {
			p.log.Debug("tts audio send failed", zap.Error(err))
		}
	}
	done <- errTag
}

// sentenceTerminators end a sentence for synthesis purposes.
const sentenceTerminators = "。．！？.!?\n"

// cutSentence splits off the first complete sentence, returning it, the
// remainder, and whether a boundary was found.
func cutSentence(s string) (sentence, rest string, ok bool) {
	for i, r := range s {
		if strings.ContainsRune(sentenceTerminators, r) {
			end := i + utf8.RuneLen(r)
			return s[:end], s[end:], true
		}
	}
	return "", s, false
}

// EndsSentence reports whether text finishes with sentence-final
// punctuation; used by the early-trigger heuristic on interim transcripts.
func EndsSentence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text)
	return strings.ContainsRune(sentenceTerminators, r)
}
