package callclient

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

// PCM framing for the synthetic sources: 16kHz mono s16le, 20ms frames.
const (
	sampleRate    = 16000
	frameInterval = 20 * time.Millisecond
	frameSamples  = sampleRate / 50
	frameBytes    = frameSamples * 2
)

// FileSource replays a raw s16le PCM file at real-time pace. It satisfies
// capture.Device, standing in for a microphone.
type FileSource struct {
	Path string
	Loop bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewFileSource(path string, loop bool) *FileSource {
	return &FileSource{Path: path, Loop: loop}
}

func (s *FileSource) Start(ctx context.Context, onChunk func([]byte)) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer f.Close()
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()
		buf := make([]byte, frameBytes)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
			n, err := io.ReadFull(f, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk)
			}
			if err != nil {
				if s.Loop && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
					if _, err := f.Seek(0, io.SeekStart); err == nil {
						continue
					}
				}
				return
			}
		}
	}()
	return nil
}

func (s *FileSource) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

// ToneSource alternates a sine burst with silence so the VAD sees clean
// speech segments without any audio file on disk.
type ToneSource struct {
	Freq    float64
	Speech  time.Duration
	Silence time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewToneSource() *ToneSource {
	return &ToneSource{Freq: 440, Speech: 2 * time.Second, Silence: 3 * time.Second}
}

func (s *ToneSource) Start(ctx context.Context, onChunk func([]byte)) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(frameInterval)
		defer ticker.Stop()
		var elapsed time.Duration
		var phase float64
		cycle := s.Speech + s.Silence
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
			speaking := elapsed%cycle < s.Speech
			chunk := make([]byte, frameBytes)
			if speaking {
				step := 2 * math.Pi * s.Freq / sampleRate
				for i := 0; i < frameSamples; i++ {
					v := int16(12000 * math.Sin(phase))
					binary.LittleEndian.PutUint16(chunk[i*2:], uint16(v))
					phase += step
				}
			}
			onChunk(chunk)
			elapsed += frameInterval
		}
	}()
	return nil
}

func (s *ToneSource) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}
