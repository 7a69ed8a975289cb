package providers

import (
	"bufio"
	"bytes"
	"io"
)

// sseMaxLineBytes bounds one SSE line. Inline-image frames put entire base64
// payloads on a single data: line, so the ceiling is generous.
const sseMaxLineBytes = 16 << 20

var dataPrefix = []byte("data:")

// EventScanner extracts data: payloads from a server-sent-event stream.
// Blank lines, comments, event names and ids are skipped; a partial trailing
// line is retained across reads until its terminator arrives.
type EventScanner struct {
	scanner *bufio.Scanner
	data    string
}

// NewEventScanner wraps r for SSE scanning.
func NewEventScanner(r io.Reader) *EventScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), sseMaxLineBytes)
	return &EventScanner{scanner: scanner}
}

// Scan advances to the next data: payload, returning false at end of stream
// or on a read error.
func (s *EventScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := line[len(dataPrefix):]
		if len(payload) > 0 && payload[0] == ' ' {
			payload = payload[1:]
		}
		s.data = string(payload)
		return true
	}
	return false
}

// Data returns the payload of the current event.
func (s *EventScanner) Data() string {
	return s.data
}

// Err returns the first error encountered while reading the stream.
func (s *EventScanner) Err() error {
	return s.scanner.Err()
}
