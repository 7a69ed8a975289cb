// Package notify delivers fire-and-forget run notifications to an ntfy
// topic. An empty topic URL disables the sink entirely; delivery failures
// are logged and never reach the coordinator.
package notify

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sune-org/us.proxy.sune.chat/logger"
	metrics "github.com/sune-org/us.proxy.sune.chat/metrics/prometheus"
	"github.com/sune-org/us.proxy.sune.chat/types"
)

const (
	sendTimeout = 10 * time.Second

	notifyTitle = "Sune Proxy"

	// PriorityDefault and PriorityHigh are ntfy priority levels.
	PriorityDefault = 3
	PriorityHigh    = 4
)

// Default send budget. A burst rides out a storm of simultaneous run
// endings; the steady rate keeps a crash loop from flooding the topic.
const (
	defaultBurst = 5
	defaultEvery = 2 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithRateLimit overrides the default send budget.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// Client posts messages to a single ntfy topic URL.
type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds the sink. An empty url yields a client that silently
// drops every message.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		http:    &http.Client{Timeout: sendTimeout},
		limiter: rate.NewLimiter(rate.Every(defaultEvery), defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts one message with the given ntfy priority and tags. Messages
// beyond the rate budget are dropped, not queued.
func (c *Client) Send(message string, priority int, tags ...string) {
	if c.url == "" {
		return
	}
	if !c.limiter.Allow() {
		metrics.RecordNotification("dropped")
		logger.Debug("notification dropped by rate limit")
		return
	}

	req, err := http.NewRequest(http.MethodPost, c.url, strings.NewReader(message))
	if err != nil {
		metrics.RecordNotification("error")
		logger.Error("notification request build failed", "error", err)
		return
	}
	req.Header.Set("Title", notifyTitle)
	req.Header.Set("Priority", strconv.Itoa(priority))
	if len(tags) > 0 {
		req.Header.Set("Tags", strings.Join(tags, ","))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordNotification("error")
		logger.Error("notification send failed", "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		metrics.RecordNotification("error")
		logger.Warn("notification rejected", "status", resp.StatusCode)
		return
	}
	metrics.RecordNotification("sent")
}

// RunFinished implements the coordinator's notifier hook. Successful runs
// notify at default priority; failures and evictions page louder.
func (c *Client) RunFinished(uid, rid string, phase types.Phase, errMsg string) {
	switch phase {
	case types.PhaseDone:
		c.Send(fmt.Sprintf("Run %s finished for %s.", rid, uid), PriorityDefault, "white_check_mark")
	case types.PhaseError, types.PhaseEvicted:
		c.Send(fmt.Sprintf("Run %s failed for %s: %s", rid, uid, errMsg), PriorityHigh, "rotating_light")
	}
}
