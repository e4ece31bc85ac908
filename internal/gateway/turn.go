package gateway

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Turn is one user-utterance-to-reply cycle. Audio chunks accumulate until a
// finalize trigger fires (silence timer, explicit eos, connection close); the
// forwarded latch guarantees at most one forward no matter how many triggers
// race.
type Turn struct {
	ID string

	forwarded atomic.Bool

	mu      sync.Mutex
	buf     bytes.Buffer
	frames  int64
	interim string
	final   string
}

func NewTurn() *Turn {
	return &Turn{ID: "turn_" + uuid.NewString()}
}

// Append adds one audio chunk. Appends after the latch is set are dropped:
// the buffer is frozen the moment the turn is forwarded.
func (t *Turn) Append(chunk []byte) {
	if t.forwarded.Load() {
		return
	}
	t.mu.Lock()
	t.buf.Write(chunk)
	t.frames++
	t.mu.Unlock()
}

// TryForward atomically claims the right to forward this turn. Exactly one
// caller wins; all later calls get false.
func (t *Turn) TryForward() bool {
	return t.forwarded.CompareAndSwap(false, true)
}

// Forwarded reports whether the latch is set.
func (t *Turn) Forwarded() bool {
	return t.forwarded.Load()
}

// Audio returns a copy of the accumulated buffer.
func (t *Turn) Audio() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, t.buf.Len())
	copy(out, t.buf.Bytes())
	return out
}

// Len returns the buffered byte count.
func (t *Turn) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}

// Frames returns the number of chunks appended.
func (t *Turn) Frames() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// SetInterim overwrites the last-seen interim transcript.
func (t *Turn) SetInterim(text string) {
	t.mu.Lock()
	t.interim = text
	t.mu.Unlock()
}

// Interim returns the last-seen interim transcript.
func (t *Turn) Interim() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interim
}

// SetFinal writes the final transcript once; later writes are ignored.
func (t *Turn) SetFinal(text string) {
	t.mu.Lock()
	if t.final == "" {
		t.final = text
	}
	t.mu.Unlock()
}

// Final returns the final transcript, if written.
func (t *Turn) Final() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}
