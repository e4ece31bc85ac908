// Package capture serializes access to the physical audio capture device.
// The Controller is the single source of truth for recorder state: every
// start/stop in the process goes through it, so overlapping requests from
// VAD callbacks, UI actions and reconnect logic cannot race the device.
package capture

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Device is the underlying capture backend. Start begins delivering audio
// chunks to onChunk until Stop; Stop must flush the final chunk before
// returning. Implementations are not required to be concurrency-safe — the
// Controller guarantees serialized calls.
type Device interface {
	Start(ctx context.Context, onChunk func([]byte)) error
	Stop(ctx context.Context) error
}

// State is the recorder state machine. Transitions:
// idle → starting → active → stopping → idle. Illegal concurrent transitions
// are structurally impossible: each request observes the state under lock and
// either proceeds or no-ops.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

var (
	// ErrDeviceUnavailable wraps device start failures; always call-ending.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
)

// Controller owns the device and the start/stop race guard.
type Controller struct {
	device Device
	log    *zap.Logger

	mu          sync.Mutex
	state       State
	stopPending bool
	settled     chan struct{} // closed when an in-flight stop fully settles
}

func NewController(device Device, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{device: device, log: log}
}

// State returns the current recorder state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins capture. It is a no-op when already active or starting;
// concurrent callers collapse to a single device start. The reason string is
// diagnostic only (vad, unmount, watchdog, manual, ...).
func (c *Controller) Start(ctx context.Context, reason string, onChunk func([]byte)) error {
	c.mu.Lock()
	switch c.state {
	case StateStarting, StateActive:
		c.mu.Unlock()
		c.log.Debug("capture start ignored", zap.String("reason", reason), zap.String("state", c.state.String()))
		return nil
	case StateStopping:
		// A stop is settling; refuse rather than queue a start behind it.
		c.mu.Unlock()
		c.log.Debug("capture start refused while stopping", zap.String("reason", reason))
		return nil
	}
	c.state = StateStarting
	c.stopPending = false
	c.mu.Unlock()

	c.log.Info("capture starting", zap.String("reason", reason))
	if err := c.device.Start(ctx, onChunk); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		c.log.Error("capture start failed", zap.String("reason", reason), zap.Error(err))
		return errors.Join(ErrDeviceUnavailable, err)
	}

	c.mu.Lock()
	if c.stopPending {
		// A stop arrived while the device was spinning up: stop wins, so the
		// last stop completes the true final payload.
		c.state = StateActive
		c.mu.Unlock()
		return c.Stop(ctx, "stop-requested-during-start")
	}
	c.state = StateActive
	c.mu.Unlock()
	return nil
}

// Stop ends capture and waits for the device stop to fully settle (final
// data callback fired) before returning, so the caller can safely read the
// final captured payload. No-op when idle; a stop racing a pending start is
// recorded and applied as soon as the start completes.
func (c *Controller) Stop(ctx context.Context, reason string) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		c.log.Debug("capture stop ignored", zap.String("reason", reason))
		return nil
	case StateStarting:
		c.stopPending = true
		c.mu.Unlock()
		c.log.Debug("capture stop deferred until start settles", zap.String("reason", reason))
		return nil
	case StateStopping:
		settled := c.settled
		c.mu.Unlock()
		// Another caller is stopping; wait for it to settle.
		if settled != nil {
			select {
			case <-settled:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	settled := make(chan struct{})
	c.state = StateStopping
	c.settled = settled
	c.mu.Unlock()

	c.log.Info("capture stopping", zap.String("reason", reason))
	err := c.device.Stop(ctx)

	c.mu.Lock()
	c.state = StateIdle
	c.settled = nil
	c.mu.Unlock()
	close(settled)

	if err != nil {
		c.log.Error("capture stop failed", zap.String("reason", reason), zap.Error(err))
		return err
	}
	return nil
}
