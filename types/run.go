// Package types defines the wire and state shapes shared across the proxy:
// run phases, snapshots, deltas, the normalized request body, and the JSON
// frames exchanged with client sockets.
package types

import "encoding/json"

// Phase is the lifecycle state of a Run.
type Phase string

// Run phases. Idle is the implicit initial state; Done, Error and Evicted
// are terminal.
const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhaseDone    Phase = "done"
	PhaseError   Phase = "error"
	PhaseEvicted Phase = "evicted"
)

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError || p == PhaseEvicted
}

// Delta is one broadcast unit of streamed output: a text fragment plus any
// images that arrived with it. Seq is dense (0, 1, 2, ...) and assigned at
// flush time; once persisted a Delta is immutable.
type Delta struct {
	Seq    int64             `json:"seq"`
	Text   string            `json:"text"`
	Images []json.RawMessage `json:"images,omitempty"`
}

// Snapshot is the recoverable projection of a Run: everything except its
// transient buffers, timers, sockets, and cancellation handle. StartedAt is
// a wall-clock millisecond timestamp recorded when the run entered the
// running phase.
type Snapshot struct {
	RID       string  `json:"rid"`
	Seq       int64   `json:"seq"`
	Phase     Phase   `json:"phase"`
	Error     *string `json:"error"`
	StartedAt int64   `json:"startedAt"`
}
