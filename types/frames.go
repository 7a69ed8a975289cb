package types

import "encoding/json"

// Socket frame types.
const (
	FrameDelta = "delta"
	FrameDone  = "done"
	FrameErr   = "err"
)

// Protocol error messages sent to the offending socket. The session
// continues after any of these.
const (
	ErrBadJSON       = "bad_json"
	ErrBadType       = "bad_type"
	ErrMissingFields = "missing_fields"
	ErrBusy          = "busy"
)

// DeltaFrame carries one delta to a client socket. Seq is monotone per run.
type DeltaFrame struct {
	Type   string            `json:"type"`
	Seq    int64             `json:"seq"`
	Text   string            `json:"text"`
	Images []json.RawMessage `json:"images,omitempty"`
}

// NewDeltaFrame wraps a Delta for the wire.
func NewDeltaFrame(d *Delta) DeltaFrame {
	return DeltaFrame{Type: FrameDelta, Seq: d.Seq, Text: d.Text, Images: d.Images}
}

// DoneFrame signals terminal success.
type DoneFrame struct {
	Type string `json:"type"`
}

// NewDoneFrame returns the terminal success frame.
func NewDoneFrame() DoneFrame {
	return DoneFrame{Type: FrameDone}
}

// ErrFrame signals terminal failure, or a protocol error on the session.
type ErrFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrFrame returns an error frame with the given message.
func NewErrFrame(message string) ErrFrame {
	return ErrFrame{Type: FrameErr, Message: message}
}

// PollResponse is the snapshot view returned by the HTTP poll endpoint:
// accumulated text (persisted deltas plus the unflushed buffer), accumulated
// images, and the run's current lifecycle fields.
type PollResponse struct {
	RID    *string           `json:"rid"`
	Seq    int64             `json:"seq"`
	Phase  Phase             `json:"phase"`
	Done   bool              `json:"done"`
	Error  *string           `json:"error"`
	Text   string            `json:"text"`
	Images []json.RawMessage `json:"images"`
}

// IdlePoll is the sentinel returned when no run exists for the uid.
func IdlePoll() PollResponse {
	return PollResponse{
		Seq:    -1,
		Phase:  PhaseIdle,
		Images: []json.RawMessage{},
	}
}
