// internal/agent/state.go
package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle phase of an agent.
type State string

const (
	StateLoading           State = "loading"
	StateRunning           State = "running"
	StatePaused            State = "paused"
	StateAwaitingUserInput State = "awaiting_user_input"
	StateFinished          State = "finished"
	StateError             State = "error"
)

// Stops reports whether s ends a run. Such states are sticky until the next
// user turn.
func (s State) Stops() bool {
	return s == StateFinished || s == StateError || s == StateAwaitingUserInput
}

// StateChange is one transition published on the StateBus.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
}

// StateBus holds the current state and fans transitions out to subscribers.
// Delivery never blocks the publisher: a subscriber that falls behind misses
// intermediate changes, so receivers act on Current rather than on the
// payload alone.
type StateBus struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	state       State
	subscribers map[chan StateChange]struct{}
	bufferSize  int
}

// NewStateBus starts in StateLoading.
func NewStateBus(logger *zap.Logger, bufferSize int) *StateBus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &StateBus{
		logger:      logger.Named("state_bus"),
		state:       StateLoading,
		subscribers: make(map[chan StateChange]struct{}),
		bufferSize:  bufferSize,
	}
}

// Current returns the state.
func (b *StateBus) Current() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Set moves to s and notifies subscribers. Setting the current state again
// is a no-op.
func (b *StateBus) Set(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == s {
		return
	}
	change := StateChange{From: b.state, To: s, Timestamp: time.Now().UTC()}
	b.state = s
	b.logger.Info("Changing agent state.", zap.String("from", string(change.From)), zap.String("to", string(s)))
	for ch := range b.subscribers {
		select {
		case ch <- change:
		default:
			b.logger.Debug("Subscriber is behind; dropping state change.", zap.String("to", string(s)))
		}
	}
}

// Subscribe returns a channel of transitions and a func that closes it.
func (b *StateBus) Subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, b.bufferSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Wait blocks until done(Current()) holds or ctx ends.
func (b *StateBus) Wait(ctx context.Context, done func(State) bool) (State, error) {
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()
	for {
		if s := b.Current(); done(s) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return b.Current(), ctx.Err()
		case <-ch:
		}
	}
}
