// Package metrics is a minimal concurrency-safe counter registry for the
// call engine. Counters are dumped through Snapshot on disconnect/shutdown;
// wiring them into a real metrics backend is a deployment concern.
package metrics

import "sync"

// Counter names used across the engine.
const (
	CallsStarted         = "calls_started"
	CallsIncoming        = "calls_incoming"
	CallsConnected       = "calls_connected"
	CallsDeclined        = "calls_declined"
	CallsEnded           = "calls_ended"
	RingTimeouts         = "ring_timeouts"
	ConnectTimeouts      = "connect_timeouts"
	SignalsSent          = "signals_sent"
	SignalsReceived      = "signals_received"
	SignalsRateLimited   = "signals_rate_limited"
	DropsSelfEcho        = "drops_self_echo"
	DropsStaleCallID     = "drops_stale_call_id"
	DropsRedundantAnswer = "drops_redundant_answer"
	DropsUnroutable      = "drops_unroutable"
	TransportReconnects  = "transport_reconnects"
	TransportLost        = "transport_lost"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
