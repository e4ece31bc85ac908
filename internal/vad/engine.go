// Package vad implements adaptive-threshold voice activity detection over a
// live audio energy signal.
package vad

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"
)

// Config controls detection thresholds and hysteresis windows. Volumes are
// normalized to [0,1]. Zero values fall back to defaults; optimal values are
// environment-dependent, so everything is tunable.
type Config struct {
	// StaticVolumeThreshold is the floor below which audio is never speech.
	StaticVolumeThreshold float64

	// AdaptiveMultiplier scales the rolling-average volume to form the
	// adaptive threshold. Effective threshold is
	// max(StaticVolumeThreshold, rollingAverage*AdaptiveMultiplier).
	AdaptiveMultiplier float64

	// SilenceDuration is how long energy must stay below threshold before a
	// speech segment is considered ended.
	SilenceDuration time.Duration

	// MinSpeechDuration is the minimum segment length; shorter segments are
	// treated as dropouts and do not end the speaking state.
	MinSpeechDuration time.Duration

	// MaxSpeechDuration caps uninterrupted speech; OnMaxDuration fires once
	// per segment when exceeded.
	MaxSpeechDuration time.Duration

	// ZeroEpsilon and ZeroInputDuration drive the dead-microphone watchdog:
	// energy below ZeroEpsilon (effectively no samples at all) for
	// ZeroInputDuration fires OnDeadMic once per engine lifetime.
	ZeroEpsilon       float64
	ZeroInputDuration time.Duration

	// HistorySize bounds the rolling volume history. Capped at 100.
	HistorySize int
}

func DefaultConfig() Config {
	return Config{
		StaticVolumeThreshold: 0.02,
		AdaptiveMultiplier:    1.8,
		SilenceDuration:       1000 * time.Millisecond,
		MinSpeechDuration:     300 * time.Millisecond,
		MaxSpeechDuration:     30 * time.Second,
		ZeroEpsilon:           0.001,
		ZeroInputDuration:     5 * time.Second,
		HistorySize:           100,
	}
}

// Events holds the engine's callbacks. Nil callbacks are skipped. Callbacks
// run synchronously on the Process caller's goroutine.
type Events struct {
	OnSpeechStart func(at time.Time)
	OnSpeechEnd   func(at time.Time, segment time.Duration)
	OnMaxDuration func(at time.Time)
	OnDeadMic     func(at time.Time)
}

// Engine classifies a polled energy signal into speech segments with
// hysteresis. Feed it one normalized volume per polling tick via Process.
type Engine struct {
	cfg    Config
	events Events

	mu           sync.Mutex
	active       bool
	speaking     bool
	speechStart  time.Time
	silenceStart time.Time
	zeroStart    time.Time
	entryThresh  float64
	maxFired     bool
	deadFired    bool

	history []float64
	histSum float64
}

// New validates the configuration and returns an inactive-on-error engine.
// Callers must check the error; a nil engine never panics but does nothing.
func New(cfg Config, events Events) (*Engine, error) {
	if cfg.StaticVolumeThreshold <= 0 || cfg.StaticVolumeThreshold >= 1 {
		return nil, errors.New("vad: static volume threshold must be in (0,1)")
	}
	if cfg.AdaptiveMultiplier <= 0 {
		return nil, errors.New("vad: adaptive multiplier must be positive")
	}
	if cfg.SilenceDuration <= 0 || cfg.MinSpeechDuration < 0 || cfg.MaxSpeechDuration <= 0 {
		return nil, errors.New("vad: durations must be positive")
	}
	if cfg.HistorySize <= 0 || cfg.HistorySize > 100 {
		cfg.HistorySize = 100
	}
	return &Engine{
		cfg:     cfg,
		events:  events,
		active:  true,
		history: make([]float64, 0, cfg.HistorySize),
	}, nil
}

// Active reports whether the engine is processing. An engine whose
// construction failed is inactive; the caller may rebuild and retry.
func (e *Engine) Active() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Process consumes one normalized volume sample taken at the given instant.
// The polling cadence is owned by the caller (scheduler tick or timer).
func (e *Engine) Process(volume float64, now time.Time) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}

	if volume < 0 {
		volume = 0
	} else if volume > 1 {
		volume = 1
	}

	// Threshold is computed before the sample enters the history so the
	// current sample never counts toward its own bar.
	threshold := e.threshold()
	e.push(volume)

	var fire []func()

	// Dead-microphone watchdog. Distinct from silence: the signal is flat
	// zero, meaning the device has stopped producing real samples.
	if volume < e.cfg.ZeroEpsilon {
		if e.zeroStart.IsZero() {
			e.zeroStart = now
		} else if !e.deadFired && now.Sub(e.zeroStart) >= e.cfg.ZeroInputDuration {
			e.deadFired = true
			if cb := e.events.OnDeadMic; cb != nil {
				fire = append(fire, func() { cb(now) })
			}
		}
	} else {
		e.zeroStart = time.Time{}
	}

	if !e.speaking {
		if volume > threshold {
			e.speaking = true
			e.speechStart = now
			e.silenceStart = time.Time{}
			// The bar crossed at speech start stays the exit bar for the
			// whole segment: the segment's own energy raises the rolling
			// average and must not disqualify the speech that produced it.
			e.entryThresh = threshold
			e.maxFired = false
			if cb := e.events.OnSpeechStart; cb != nil {
				fire = append(fire, func() { cb(now) })
			}
		}
	} else {
		if volume > e.entryThresh {
			e.silenceStart = time.Time{}
			if !e.maxFired && now.Sub(e.speechStart) >= e.cfg.MaxSpeechDuration {
				e.maxFired = true
				if cb := e.events.OnMaxDuration; cb != nil {
					fire = append(fire, func() { cb(now) })
				}
			}
		} else {
			if e.silenceStart.IsZero() {
				e.silenceStart = now
			}
			if now.Sub(e.silenceStart) >= e.cfg.SilenceDuration {
				segment := e.silenceStart.Sub(e.speechStart)
				if segment >= e.cfg.MinSpeechDuration {
					e.speaking = false
					at := now
					if cb := e.events.OnSpeechEnd; cb != nil {
						fire = append(fire, func() { cb(at, segment) })
					}
				}
				// Segments shorter than MinSpeechDuration are dropouts:
				// stay in the speaking state and keep waiting.
			}
		}
	}
	e.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

// Speaking reports the current hysteresis state.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// Threshold returns the current effective threshold, for diagnostics.
func (e *Engine) Threshold() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.threshold()
}

// Reset clears all per-capture state. Called when capture stops; VAD state is
// never persisted across calls.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speaking = false
	e.speechStart = time.Time{}
	e.silenceStart = time.Time{}
	e.zeroStart = time.Time{}
	e.entryThresh = 0
	e.maxFired = false
	e.history = e.history[:0]
	e.histSum = 0
}

func (e *Engine) push(v float64) {
	if len(e.history) == cap(e.history) {
		e.histSum -= e.history[0]
		copy(e.history, e.history[1:])
		e.history = e.history[:len(e.history)-1]
	}
	e.history = append(e.history, v)
	e.histSum += v
}

func (e *Engine) threshold() float64 {
	t := e.cfg.StaticVolumeThreshold
	if len(e.history) > 0 {
		if adaptive := e.histSum / float64(len(e.history)) * e.cfg.AdaptiveMultiplier; adaptive > t {
			t = adaptive
		}
	}
	return t
}

// RMSEnergy computes root-mean-square energy for 16-bit little-endian PCM,
// normalized to [0,1].
func RMSEnergy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	samples := len(pcm) / 2
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		n := float64(s) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(samples))
}
