package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sune-org/us.proxy.sune.chat/logger"
	metrics "github.com/sune-org/us.proxy.sune.chat/metrics/prometheus"
	"github.com/sune-org/us.proxy.sune.chat/providers"
	"github.com/sune-org/us.proxy.sune.chat/types"
)

// Flush triggers, recorded per flush.
const (
	triggerSize  = "size"
	triggerTimer = "timer"
	triggerImage = "image"
	triggerFinal = "final"
)

// Socket is one subscribed client session. Send errors are swallowed by the
// fan-out; a failing socket is dropped when its session closes.
type Socket interface {
	ID() string
	SendDelta(d *types.Delta) error
	SendDone() error
	SendErr(message string) error
}

// Run is the per-uid state machine. Everything below mu is guarded by it;
// adapter callbacks, timers, socket membership and control commands all
// serialize on the one lock, which is what keeps seq assignment, KV writes
// and broadcast order identical.
type Run struct {
	c   *Coordinator
	uid string

	mu            sync.Mutex
	rid           string
	seq           int64
	phase         types.Phase
	errMsg        *string
	startedAt     time.Time
	provider      string
	pending       strings.Builder
	pendingImages []json.RawMessage
	sockets       map[string]Socket
	flushTimer    *time.Timer
	timeoutTimer  *time.Timer
	cancel        context.CancelFunc
}

func newRun(c *Coordinator, uid string) *Run {
	return &Run{
		c:       c,
		uid:     uid,
		seq:     -1,
		phase:   types.PhaseIdle,
		sockets: make(map[string]Socket),
	}
}

func (r *Run) attach(socket Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[socket.ID()] = socket
	metrics.RecordSocketOpen()
	logger.SocketOpened(r.uid, socket.ID())
}

func (r *Run) detach(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sockets[socketID]; !ok {
		return
	}
	delete(r.sockets, socketID)
	metrics.RecordSocketClose()
	logger.SocketClosed(r.uid, socketID)
}

// isRunning answers the adapter's liveness poll for the stream it drives.
func (r *Run) isRunning(rid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == types.PhaseRunning && r.rid == rid
}

// startLocked resets the Run for a fresh rid and spawns the upstream stream.
func (r *Run) startLocked(req BeginRequest) {
	r.rid = req.RID
	r.seq = -1
	r.phase = types.PhaseRunning
	r.errMsg = nil
	r.startedAt = time.Now()
	r.pending.Reset()
	r.pendingImages = nil

	driver := r.c.drivers.ForName(req.Provider)
	r.provider = driver.Name()

	// The one and only body mutation: install the sanitized messages before
	// anything persists or reads them.
	sanitized := providers.SanitizeMessages(req.Body.Messages())
	req.Body.SetMessages(sanitized)
	providers.CheckResponseFormat(req.Body)

	if err := r.c.log.SavePrompt(context.Background(), r.rid, sanitized); err != nil {
		logger.Error("failed to persist prompt", "rid", r.rid, "error", err)
	}
	r.persistSnapshotLocked()

	rid := r.rid
	r.timeoutTimer = time.AfterFunc(r.c.maxRunDur, func() {
		r.timeout(rid)
	})

	driveCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.drive(driveCtx, driver, rid, req)

	logger.RunStarted(r.uid, r.rid, r.provider, req.Body.Model())
	metrics.RecordRunStart()
}

// restoreLocked rebuilds the Run from a persisted Snapshot, keeping seq
// monotone across process restarts.
func (r *Run) restoreLocked(snap *types.Snapshot) {
	r.rid = snap.RID
	r.seq = snap.Seq
	r.phase = snap.Phase
	r.errMsg = snap.Error
	r.startedAt = time.UnixMilli(snap.StartedAt)
	r.pending.Reset()
	r.pendingImages = nil
	if snap.Phase == types.PhaseRunning {
		// Restored mid-run with no live adapter; the sweep's age check fails
		// it once startedAt exceeds the ceiling.
		metrics.RecordRunStart()
	}
}

// drive runs the adapter to completion and maps its outcome onto the state
// machine. Cancellation errors never fail a run: either our own terminal
// transition raced the abort, or a spontaneous upstream abort is left to the
// timeout guard.
func (r *Run) drive(ctx context.Context, driver providers.Driver, rid string, req BeginRequest) {
	err := driver.Drive(ctx, providers.DriveRequest{
		APIKey: req.APIKey,
		Body:   req.Body,
		OnDelta: func(text string, images []json.RawMessage) {
			r.ingest(rid, text, images)
		},
		IsRunning: func() bool { return r.isRunning(rid) },
	})

	switch {
	case err == nil:
		metrics.RecordProviderCall(driver.Name(), "ok")
	case providers.IsCancellation(err):
		metrics.RecordProviderCall(driver.Name(), "cancelled")
	default:
		metrics.RecordProviderCall(driver.Name(), "error")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rid != rid || r.phase != types.PhaseRunning {
		return
	}
	if err == nil {
		r.completeLocked()
		return
	}
	if providers.IsCancellation(err) {
		return
	}
	logger.ProviderError(r.provider, err, "uid", r.uid, "rid", rid)
	r.failLocked(err.Error())
}

// ingest is the adapter's onDelta path. Images flush immediately, a full
// text buffer flushes immediately, otherwise the first byte into an empty
// buffer arms the one-shot flush timer. The timer is not re-armed while
// live and survives size flushes; it dies only on state exit.
func (r *Run) ingest(rid string, text string, images []json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rid != rid || r.phase != types.PhaseRunning {
		return
	}

	r.pending.WriteString(text)
	r.pendingImages = append(r.pendingImages, images...)

	switch {
	case len(images) > 0:
		r.flushLocked(triggerImage)
	case r.pending.Len() >= r.c.batchBytes:
		r.flushLocked(triggerSize)
	case r.flushTimer == nil && r.pending.Len() > 0:
		r.armFlushTimerLocked()
	}
}

func (r *Run) armFlushTimerLocked() {
	var t *time.Timer
	t = time.AfterFunc(r.c.batchDelay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.flushTimer != t {
			return
		}
		r.flushTimer = nil
		if r.phase == types.PhaseRunning {
			r.flushLocked(triggerTimer)
		}
	})
	r.flushTimer = t
}

// flushLocked assigns the next seq and persists and broadcasts the pending
// buffers as one delta. The Snapshot is persisted on every delta write so a
// restored seq can never regress behind the log.
func (r *Run) flushLocked(trigger string) {
	if r.pending.Len() == 0 && len(r.pendingImages) == 0 {
		return
	}

	r.seq++
	delta := &types.Delta{
		Seq:    r.seq,
		Text:   r.pending.String(),
		Images: r.pendingImages,
	}
	r.pending.Reset()
	r.pendingImages = nil

	if err := r.c.log.AppendDelta(context.Background(), r.rid, delta); err != nil {
		logger.Error("failed to persist delta", "rid", r.rid, "seq", delta.Seq, "error", err)
	}
	r.persistSnapshotLocked()

	for _, socket := range r.sockets {
		if err := socket.SendDelta(delta); err != nil {
			logger.Debug("delta send failed", "uid", r.uid, "socket", socket.ID(), "error", err)
		}
	}

	metrics.RecordFlush(trigger, len(delta.Text), len(delta.Images))
}

// completeLocked moves a running Run to done. The buffer tail is flushed
// before the phase flips so ordinary deltas are only ever assigned while
// the Run is running, then the terminal Snapshot is persisted. Completing
// an already-terminal Run is a no-op.
func (r *Run) completeLocked() {
	if r.phase != types.PhaseRunning {
		return
	}
	r.flushLocked(triggerFinal)
	r.phase = types.PhaseDone
	r.persistSnapshotLocked()
	r.stopTimersLocked()
	r.abortLocked()

	for _, socket := range r.sockets {
		if err := socket.SendDone(); err != nil {
			logger.Debug("done send failed", "uid", r.uid, "socket", socket.ID(), "error", err)
		}
	}
	r.finishLocked()
}

// failLocked moves a running Run to error. The failure trailer is appended
// to whatever is still pending and flushed as the run's last delta, so the
// cause survives in the delta log and the terminal Snapshot is persisted
// along with it, before err fans out. Failing an already-terminal Run is a
// no-op.
func (r *Run) failLocked(message string) {
	if r.phase != types.PhaseRunning {
		return
	}
	r.errMsg = &message
	r.phase = types.PhaseError
	r.pending.WriteString("\n\nRun failed: " + message)
	r.flushLocked(triggerFinal)
	r.stopTimersLocked()
	r.abortLocked()

	for _, socket := range r.sockets {
		if err := socket.SendErr(message); err != nil {
			logger.Debug("err send failed", "uid", r.uid, "socket", socket.ID(), "error", err)
		}
	}
	r.finishLocked()
}

// finishLocked records the terminal transition and hands the event to the
// notifier off the lock.
func (r *Run) finishLocked() {
	logger.RunFinished(r.uid, r.rid, string(r.phase), r.seq)
	metrics.RecordRunEnd(string(r.phase), r.provider, time.Since(r.startedAt).Seconds())
	if r.c.notifier != nil {
		msg := ""
		if r.errMsg != nil {
			msg = *r.errMsg
		}
		go r.c.notifier.RunFinished(r.uid, r.rid, r.phase, msg)
	}
}

// timeout is the hard-ceiling timer callback.
func (r *Run) timeout(rid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rid != rid {
		return
	}
	r.failLocked(timeoutMessage(r.c.maxRunDur))
}

func timeoutMessage(d time.Duration) string {
	return fmt.Sprintf("Run timed out after %d minutes.", int(d.Minutes()))
}

func (r *Run) stopTimersLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
	if r.timeoutTimer != nil {
		r.timeoutTimer.Stop()
		r.timeoutTimer = nil
	}
}

func (r *Run) abortLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// replayLocked re-delivers persisted deltas with seq > after to one socket,
// then the terminal signal if the Run is terminal. Replay runs under the
// Run lock so live fan-out cannot interleave; the socket observes strictly
// increasing seq.
func (r *Run) replayLocked(socket Socket, after int64) {
	metrics.RecordReplay()

	deltas, err := r.c.log.DeltasSince(context.Background(), r.rid, after)
	if err != nil {
		logger.Error("replay read failed", "uid", r.uid, "rid", r.rid, "error", err)
	}
	for _, d := range deltas {
		if err := socket.SendDelta(d); err != nil {
			logger.Debug("replay send failed", "uid", r.uid, "socket", socket.ID(), "error", err)
			return
		}
	}

	switch r.phase {
	case types.PhaseDone:
		if err := socket.SendDone(); err != nil {
			logger.Debug("done send failed", "uid", r.uid, "socket", socket.ID(), "error", err)
		}
	case types.PhaseError, types.PhaseEvicted:
		msg := ""
		if r.errMsg != nil {
			msg = *r.errMsg
		}
		if err := socket.SendErr(msg); err != nil {
			logger.Debug("err send failed", "uid", r.uid, "socket", socket.ID(), "error", err)
		}
	}
}

func (r *Run) persistSnapshotLocked() {
	snap := &types.Snapshot{
		RID:       r.rid,
		Seq:       r.seq,
		Phase:     r.phase,
		Error:     r.errMsg,
		StartedAt: r.startedAt.UnixMilli(),
	}
	if err := r.c.log.SaveSnapshot(context.Background(), snap); err != nil {
		logger.Error("failed to persist snapshot", "rid", r.rid, "error", err)
	}
}
