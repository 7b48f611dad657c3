package server

import (
	"sync/atomic"
	"time"
)

// LivenessState is the heartbeat state of a connection
type LivenessState int32

const (
	Alive LivenessState = iota
	AwaitingPong
	Dead
)

func (s LivenessState) String() string {
	switch s {
	case Alive:
		return "alive"
	case AwaitingPong:
		return "awaiting_pong"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// LivenessConfig controls ping cadence and how long a peer may take to answer
type LivenessConfig struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
}

// DefaultLivenessConfig pings every 5s and gives the peer 1s to answer
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		HeartbeatInterval: 5 * time.Second,
		PongTimeout:       1 * time.Second,
	}
}

// heartbeat is the per-connection liveness state machine. Methods other than
// State are called from the owning actor only.
type heartbeat struct {
	cfg        LivenessConfig
	state      atomic.Int32
	probe      uint64
	deathTimer *time.Timer
	post       func(event) bool
}

func newHeartbeat(cfg LivenessConfig, post func(event) bool) *heartbeat {
	return &heartbeat{cfg: cfg, post: post}
}

// State is safe to call from any goroutine
func (h *heartbeat) State() LivenessState {
	return LivenessState(h.state.Load())
}

// tick sends a probe and arms the death timer. A tick while already awaiting a
// pong leaves the running timer alone.
func (h *heartbeat) tick(ping func() error) error {
	if h.State() != Alive {
		return nil
	}
	if err := ping(); err != nil {
		return err
	}

	h.probe++
	probe := h.probe
	h.state.Store(int32(AwaitingPong))
	h.deathTimer = time.AfterFunc(h.cfg.PongTimeout, func() {
		h.post(event{kind: eventProbeTimeout, probe: probe})
	})
	return nil
}

func (h *heartbeat) pong() {
	if h.State() == Dead {
		return
	}
	if h.deathTimer != nil {
		h.deathTimer.Stop()
		h.deathTimer = nil
	}
	h.state.Store(int32(Alive))
}

// expired reports whether a probe timeout is current, meaning the peer is dead.
// Timeouts from probes that were already answered are ignored.
func (h *heartbeat) expired(probe uint64) bool {
	return h.State() == AwaitingPong && probe == h.probe
}

func (h *heartbeat) stop() {
	if h.deathTimer != nil {
		h.deathTimer.Stop()
		h.deathTimer = nil
	}
	h.state.Store(int32(Dead))
}
