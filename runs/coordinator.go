package runs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sune-org/us.proxy.sune.chat/logger"
	metrics "github.com/sune-org/us.proxy.sune.chat/metrics/prometheus"
	"github.com/sune-org/us.proxy.sune.chat/providers"
	"github.com/sune-org/us.proxy.sune.chat/statestore"
	"github.com/sune-org/us.proxy.sune.chat/types"
)

// Defaults for the coordinator's tunables.
const (
	// DefaultBatchBytes flushes the text buffer once it reaches this size.
	DefaultBatchBytes = 3400
	// DefaultBatchDelay flushes the first buffered byte after this long.
	DefaultBatchDelay = 800 * time.Millisecond
	// DefaultMaxRunDuration is the hard ceiling on a single run.
	DefaultMaxRunDuration = 9 * time.Minute
	// DefaultSweepInterval paces the background timeout/eviction pass.
	DefaultSweepInterval = 60 * time.Second
)

// ErrBusy is returned by Begin when the uid already has a different run in
// flight.
var ErrBusy = errors.New("run already in progress")

// DriverResolver picks the streaming driver for a provider name.
type DriverResolver interface {
	ForName(name string) providers.Driver
}

// Notifier receives terminal run transitions. Implementations must not
// block the caller; the coordinator already invokes them on their own
// goroutine.
type Notifier interface {
	RunFinished(uid, rid string, phase types.Phase, errMsg string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithBatchBytes(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchBytes = n
		}
	}
}

func WithBatchDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.batchDelay = d
		}
	}
}

func WithMaxRunDuration(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.maxRunDur = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// Coordinator owns the uid -> Run map and the background sweep. It is safe
// for concurrent use.
type Coordinator struct {
	log      *Log
	drivers  DriverResolver
	notifier Notifier

	batchBytes int
	batchDelay time.Duration
	maxRunDur  time.Duration
	sweepEvery time.Duration
	ttl        time.Duration

	mu   sync.RWMutex
	runs map[string]*Run

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCoordinator wires the run map on top of the given store and driver
// registry and starts the sweep loop.
func NewCoordinator(store statestore.Store, drivers DriverResolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		drivers:    drivers,
		batchBytes: DefaultBatchBytes,
		batchDelay: DefaultBatchDelay,
		maxRunDur:  DefaultMaxRunDuration,
		sweepEvery: DefaultSweepInterval,
		ttl:        statestore.DefaultTTL,
		runs:       make(map[string]*Run),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = NewLog(store, c.ttl)
	go c.sweepLoop()
	return c
}

func (c *Coordinator) lookup(uid string) *Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runs[uid]
}

func (c *Coordinator) runFor(uid string) *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[uid]
	if !ok {
		r = newRun(c, uid)
		c.runs[uid] = r
	}
	return r
}

// Attach subscribes a socket to the uid's run, creating the idle Run if
// none exists yet.
func (c *Coordinator) Attach(uid string, socket Socket) {
	c.runFor(uid).attach(socket)
}

// Detach drops a socket subscription. Unknown uids and socket IDs are
// no-ops.
func (c *Coordinator) Detach(uid, socketID string) {
	if r := c.lookup(uid); r != nil {
		r.detach(socketID)
	}
}

// BeginRequest carries one begin command.
type BeginRequest struct {
	RID      string
	APIKey   string
	Provider string
	Body     types.Body
	// After is the caller's last-seen seq; replayed deltas start past it.
	After int64
}

// Begin starts, resumes or replays the uid's run:
//
//   - running with the same rid: replay, the stream is already live
//   - running with a different rid: ErrBusy, the request body is untouched
//   - terminal with the same rid: replay the finished run
//   - otherwise a snapshot hit in the store restores the run without an
//     upstream call; a miss starts fresh
func (c *Coordinator) Begin(ctx context.Context, uid string, socket Socket, req BeginRequest) error {
	r := c.runFor(uid)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == types.PhaseRunning {
		if r.rid == req.RID {
			r.replayLocked(socket, req.After)
			return nil
		}
		return ErrBusy
	}
	if r.phase.Terminal() && r.rid == req.RID {
		r.replayLocked(socket, req.After)
		return nil
	}

	if snap, err := c.log.LoadSnapshot(ctx, req.RID); err == nil && snap.Phase != types.PhaseIdle {
		r.restoreLocked(snap)
		r.replayLocked(socket, req.After)
		return nil
	}

	r.startLocked(req)
	return nil
}

// Stop completes the uid's run early. The rid must match the live run;
// stale stops are dropped.
func (c *Coordinator) Stop(uid, rid string) {
	r := c.lookup(uid)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rid != rid {
		return
	}
	r.completeLocked()
}

// Poll reports the uid's run as one cumulative view: persisted deltas plus
// whatever is still buffered. A uid with no run, or an idle one, gets the
// idle sentinel.
func (c *Coordinator) Poll(ctx context.Context, uid string) types.PollResponse {
	metrics.RecordPoll()

	r := c.lookup(uid)
	if r == nil {
		return types.IdlePoll()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == types.PhaseIdle {
		return types.IdlePoll()
	}

	deltas, err := c.log.DeltasSince(ctx, r.rid, -1)
	if err != nil {
		logger.Error("poll read failed", "uid", uid, "rid", r.rid, "error", err)
	}
	var text strings.Builder
	images := make([]json.RawMessage, 0)
	for _, d := range deltas {
		text.WriteString(d.Text)
		images = append(images, d.Images...)
	}
	text.WriteString(r.pending.String())
	images = append(images, r.pendingImages...)

	rid := r.rid
	return types.PollResponse{
		RID:    &rid,
		Seq:    r.seq,
		Phase:  r.phase,
		Done:   r.phase.Terminal(),
		Error:  r.errMsg,
		Text:   text.String(),
		Images: images,
	}
}

func (c *Coordinator) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep force-fails runs past the duration ceiling, evicts terminal runs
// nobody is watching, and prunes expired store entries. The timeout check
// covers runs restored from a snapshot, whose timer died with the previous
// process.
func (c *Coordinator) sweep() {
	c.mu.Lock()
	for uid, r := range c.runs {
		r.mu.Lock()
		if r.phase == types.PhaseRunning && time.Since(r.startedAt) > c.maxRunDur {
			r.failLocked(timeoutMessage(c.maxRunDur))
		}
		if r.phase.Terminal() && len(r.sockets) == 0 {
			r.stopTimersLocked()
			r.abortLocked()
			delete(c.runs, uid)
			logger.Debug("🧹 Run evicted", "uid", uid, "rid", r.rid)
		}
		r.mu.Unlock()
	}
	c.mu.Unlock()

	if err := c.log.Prune(context.Background()); err != nil {
		logger.Error("prune failed", "error", err)
	}
}

// Close stops the sweep loop and tears down timers and in-flight streams.
// Pending state stays in the store for the next process to restore.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.runs {
		r.mu.Lock()
		r.stopTimersLocked()
		r.abortLocked()
		r.mu.Unlock()
	}
}
