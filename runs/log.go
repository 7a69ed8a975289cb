// Package runs implements the run coordinator: the per-uid state machine,
// delta batching and sequencing, the TTL-bounded delta log, socket fan-out
// with replay, and the poll view. It drives provider adapters and owns every
// Run mutation.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sune-org/us.proxy.sune.chat/statestore"
	"github.com/sune-org/us.proxy.sune.chat/types"
)

// Key layout. Zero-padding the sequence number makes lexicographic key order
// equal numeric order, so a sorted List is already replay order.
func runKey(rid string) string {
	return "run:" + rid
}

func deltaKey(rid string, seq int64) string {
	return fmt.Sprintf("delta:%s:%010d", rid, seq)
}

func deltaPrefix(rid string) string {
	return "delta:" + rid + ":"
}

func promptKey(rid string) string {
	return "prompt:" + rid
}

// Log persists Snapshots, Deltas and prompt records in the KV store. Every
// entry carries the same TTL; nothing the coordinator needs outlives it.
type Log struct {
	store statestore.Store
	ttl   time.Duration
}

// NewLog wraps store. A non-positive ttl selects statestore.DefaultTTL.
func NewLog(store statestore.Store, ttl time.Duration) *Log {
	if ttl <= 0 {
		ttl = statestore.DefaultTTL
	}
	return &Log{store: store, ttl: ttl}
}

// SaveSnapshot writes the Run's recoverable projection under run:<rid>.
func (l *Log) SaveSnapshot(ctx context.Context, snap *types.Snapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return l.store.Set(ctx, runKey(snap.RID), blob, l.ttl)
}

// LoadSnapshot reads run:<rid>, returning statestore.ErrNotFound when the
// entry is missing or expired.
func (l *Log) LoadSnapshot(ctx context.Context, rid string) (*types.Snapshot, error) {
	blob, err := l.store.Get(ctx, runKey(rid))
	if err != nil {
		return nil, err
	}
	var snap types.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SavePrompt records the sanitized messages for a run. The record is
// informational only; nothing reads it back.
func (l *Log) SavePrompt(ctx context.Context, rid string, messages []any) error {
	blob, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}
	return l.store.Set(ctx, promptKey(rid), blob, l.ttl)
}

// AppendDelta persists one delta under its zero-padded sequence key. Keys are
// unique by construction; a delta is never rewritten.
func (l *Log) AppendDelta(ctx context.Context, rid string, d *types.Delta) error {
	blob, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	return l.store.Set(ctx, deltaKey(rid, d.Seq), blob, l.ttl)
}

// DeltasSince returns all persisted deltas with seq > after in ascending seq
// order. Entries expiring between List and Get are skipped; TTL losses are
// only ever at the head of the log.
func (l *Log) DeltasSince(ctx context.Context, rid string, after int64) ([]*types.Delta, error) {
	keys, err := l.store.List(ctx, deltaPrefix(rid))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	deltas := make([]*types.Delta, 0, len(keys))
	for _, key := range keys {
		blob, err := l.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, statestore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		var d types.Delta
		if err := json.Unmarshal(blob, &d); err != nil {
			return nil, fmt.Errorf("unmarshal delta %s: %w", key, err)
		}
		if d.Seq > after {
			deltas = append(deltas, &d)
		}
	}
	return deltas, nil
}

// Prune asks the store to drop expired entries.
func (l *Log) Prune(ctx context.Context) error {
	return l.store.Prune(ctx)
}
