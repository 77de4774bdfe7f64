// Package statsstore persists streaming statistics snapshots so a session's
// delivery history survives the process. Snapshots are keyed by the streaming
// session ID assigned by the supervisor.
package statsstore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/intervox/internal/stream"
)

// Reasons recorded with a snapshot.
const (
	ReasonInterval   = "interval"
	ReasonStall      = "stall"
	ReasonDisconnect = "disconnect"
	ReasonRecovery   = "recovery"
	ReasonFinal      = "final"
)

// ErrNoSession is returned for snapshots without a session ID.
var ErrNoSession = errors.New("statsstore: snapshot has no session id")

// Snapshot is one persisted statistics sample.
type Snapshot struct {
	SessionID  uuid.UUID         `json:"session_id"`
	RecordedAt time.Time         `json:"recorded_at"`
	Reason     string            `json:"reason"`
	Stats      stream.Statistics `json:"stats"`
}

// Store persists snapshots.
type Store interface {
	// Record stores snap. A zero RecordedAt is set to the current time.
	Record(ctx context.Context, snap Snapshot) error

	// Latest returns the most recent snapshot of a session, or (nil, nil)
	// when none exists.
	Latest(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error)

	// List returns up to limit snapshots of a session, newest first. A
	// non-positive limit returns all of them.
	List(ctx context.Context, sessionID uuid.UUID, limit int) ([]Snapshot, error)
}

// MemoryStore is an in-process [Store]. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID][]Snapshot
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[uuid.UUID][]Snapshot)}
}

// Record implements [Store].
func (m *MemoryStore) Record(_ context.Context, snap Snapshot) error {
	if snap.SessionID == uuid.Nil {
		return ErrNoSession
	}
	if snap.RecordedAt.IsZero() {
		snap.RecordedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[snap.SessionID] = append(m.sessions[snap.SessionID], snap)
	return nil
}

// Latest implements [Store].
func (m *MemoryStore) Latest(_ context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.sessions[sessionID]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

// List implements [Store].
func (m *MemoryStore) List(_ context.Context, sessionID uuid.UUID, limit int) ([]Snapshot, error) {
	m.mu.Lock()
	out := slices.Clone(m.sessions[sessionID])
	m.mu.Unlock()

	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
