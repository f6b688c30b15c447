package pipeline

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// SyncPhase is the sync-state signal of spec §4.5: a process-wide
// observable the pipeline driver writes and the transaction propagation
// manager (and anything else that cares) reads.
type SyncPhase int

const (
	// Idle means no pipeline run is active (startup, or after shutdown).
	Idle SyncPhase = iota
	// Downloading means a forward pass is in progress, with Target set to
	// the forkchoice tip the pipeline is syncing toward.
	Downloading
	// Synced means the pipeline's last forward pass reached Target
	// cleanly.
	Synced
)

func (p SyncPhase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case Downloading:
		return "Downloading"
	case Synced:
		return "Synced"
	default:
		return "Unknown"
	}
}

// SyncState is the value published on the sync-state signal: a phase plus,
// while Downloading, the tip it's downloading toward.
type SyncState struct {
	Phase  SyncPhase
	Target common.Hash
}

// SyncStateBroadcaster is a single-writer, many-reader latest-value signal,
// the same shape as consensus.ForkchoiceBroadcaster (spec §4.5 calls it "a
// simple observable, not per-peer state, because the propagation policy is
// uniformly gated" — grounded on the same tokio::watch-style idiom as the
// forkchoice channel, see consensus/forkchoice.go).
type SyncStateBroadcaster struct {
	mu      sync.RWMutex
	current SyncState
	changed chan struct{}
}

// NewSyncStateBroadcaster creates a broadcaster seeded at Idle.
func NewSyncStateBroadcaster() *SyncStateBroadcaster {
	return &SyncStateBroadcaster{changed: make(chan struct{})}
}

// Set publishes a new sync state. Only the pipeline driver calls this.
func (b *SyncStateBroadcaster) Set(state SyncState) {
	b.mu.Lock()
	b.current = state
	closed := b.changed
	b.changed = make(chan struct{})
	b.mu.Unlock()
	close(closed)
}

// Subscribe returns a new read handle.
func (b *SyncStateBroadcaster) Subscribe() *SyncStateSubscription {
	return &SyncStateSubscription{b: b}
}

// SyncStateSubscription is a read handle into a SyncStateBroadcaster.
type SyncStateSubscription struct {
	b *SyncStateBroadcaster
}

// Current returns the latest published state without blocking.
func (s *SyncStateSubscription) Current() SyncState {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return s.b.current
}

// Changed returns a channel that closes the next time Set is called.
func (s *SyncStateSubscription) Changed() <-chan struct{} {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return s.b.changed
}

// Synced is a convenience for the common "am I allowed to propagate
// transactions" check (spec §4.5).
func (s *SyncStateSubscription) Synced() bool {
	return s.Current().Phase == Synced
}
