package health

import (
	"sync"
	"sync/atomic"
)

const (
	liveBit uint32 = 1 << iota
	readyBit
)

// Status is a point-in-time view of both health signals.
type Status struct {
	Live  bool `json:"live"`
	Ready bool `json:"ready"`
}

// State holds the liveness and readiness signals of a process.
//
// Both signals live in a single atomic word, so a reader always observes a
// pair that was written together. Writers are serialized by a mutex that is
// held only for the duration of the store.
//
// The zero value is not-live and not-ready.
type State struct {
	bits   atomic.Uint32
	pinned bool

	mu     sync.Mutex
	notify chan struct{}
}

// NewState returns a State with the given initial signals.
//
// A service with a startup phase typically starts with NewState(true, false)
// and flips readiness once its dependencies are reachable.
func NewState(live, ready bool) *State {
	s := &State{}
	s.bits.Store(pack(live, ready))
	return s
}

// AlwaysLiveAndReady returns a State pinned to live and ready.
//
// Set, SetLive and SetReady are no-ops on a pinned state.
func AlwaysLiveAndReady() *State {
	s := NewState(true, true)
	s.pinned = true
	return s
}

// Live reports whether the process should be kept running.
func (s *State) Live() bool {
	return s.bits.Load()&liveBit != 0
}

// Ready reports whether the process should receive traffic.
func (s *State) Ready() bool {
	return s.bits.Load()&readyBit != 0
}

// Snapshot returns both signals from a single load.
func (s *State) Snapshot() Status {
	b := s.bits.Load()
	return Status{Live: b&liveBit != 0, Ready: b&readyBit != 0}
}

// Pinned reports whether the state ignores updates.
func (s *State) Pinned() bool {
	return s.pinned
}

// SetLive updates the liveness signal.
func (s *State) SetLive(live bool) {
	s.update(func(b uint32) uint32 {
		if live {
			return b | liveBit
		}
		return b &^ liveBit
	})
}

// SetReady updates the readiness signal.
func (s *State) SetReady(ready bool) {
	s.update(func(b uint32) uint32 {
		if ready {
			return b | readyBit
		}
		return b &^ readyBit
	})
}

// Set updates both signals in one step.
func (s *State) Set(live, ready bool) {
	s.update(func(uint32) uint32 { return pack(live, ready) })
}

// Changed returns a channel that is closed on the next transition.
//
// Callers re-read the state and call Changed again after each wake-up.
func (s *State) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.notify == nil {
		s.notify = make(chan struct{})
	}
	return s.notify
}

func (s *State) update(fn func(uint32) uint32) {
	if s.pinned {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.bits.Load()
	next := fn(old)
	if next == old {
		return
	}
	s.bits.Store(next)

	if s.notify != nil {
		close(s.notify)
		s.notify = nil
	}
}

func pack(live, ready bool) uint32 {
	var b uint32
	if live {
		b |= liveBit
	}
	if ready {
		b |= readyBit
	}
	return b
}
