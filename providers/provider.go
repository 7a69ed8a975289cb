// Package providers implements the upstream streaming drivers. Every driver
// reduces its provider's wire dialect (OpenAI Responses, Anthropic Messages,
// Google GenerativeLanguage SSE, OpenRouter Chat Completions) to the same
// contract: translate the normalized body, stream the response, and hand
// text/image fragments to the caller in arrival order.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"github.com/sune-org/us.proxy.sune.chat/types"
)

// maxErrorBody bounds how much of a non-200 response is read into an error
// message.
const maxErrorBody = 32 << 10

// DriveRequest carries one upstream streaming call.
type DriveRequest struct {
	// APIKey authenticates against the upstream provider.
	APIKey string

	// Body is the normalized request. Drivers never mutate it; each builds
	// its own payload map.
	Body types.Body

	// OnDelta receives text and image fragments in arrival order. Text may
	// be empty when a fragment carries only images.
	OnDelta func(text string, images []json.RawMessage)

	// IsRunning is polled between network reads. Drivers abandon the stream
	// promptly when it reports false.
	IsRunning func() bool
}

// Driver streams one model response. Drive returns nil on a normal end of
// stream. Cancellation surfacing as an error is recognized by
// IsCancellation and is never treated as a run failure by the caller.
type Driver interface {
	Name() string
	Drive(ctx context.Context, req DriveRequest) error
}

// upstreamError is the {"message": ...} object providers embed in error
// frames.
type upstreamError struct {
	Message string `json:"message"`
}

func (e *upstreamError) text(fallback string) string {
	if e != nil && e.Message != "" {
		return e.Message
	}
	return fallback
}

// abortRe matches cancellations that transports surface as text.
var abortRe = regexp.MustCompile(`(?i)abort`)

// IsCancellation reports whether err represents a cancelled stream rather
// than an upstream failure.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return abortRe.MatchString(err.Error())
}

// reasoningGate implements the reasoning channel policy: reasoning deltas
// are forwarded unless the body excludes them, and the first content
// fragment after a reasoning burst gets a single newline separator so
// consumers see reasoning <LF> content.
type reasoningGate struct {
	exclude bool
	needSep bool
}

func newReasoningGate(body types.Body) *reasoningGate {
	return &reasoningGate{exclude: body.ReasoningExcluded()}
}

// Reasoning returns the text to forward for a reasoning fragment; empty when
// the channel is excluded.
func (g *reasoningGate) Reasoning(text string) string {
	if g.exclude || text == "" {
		return ""
	}
	g.needSep = true
	return text
}

// Content returns the text to forward for a content fragment, prefixed with
// the separator when a reasoning burst precedes it.
func (g *reasoningGate) Content(text string) string {
	if text == "" {
		return ""
	}
	if g.needSep {
		g.needSep = false
		return "\n" + text
	}
	return text
}
