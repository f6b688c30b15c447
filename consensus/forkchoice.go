package consensus

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ForkchoiceState is the triple the external consensus client (or a file
// import's synthetic setup) hands to the node: the current head, safe and
// finalized block hashes. It has exactly one writer at a time.
type ForkchoiceState struct {
	HeadBlockHash      common.Hash
	SafeBlockHash      common.Hash
	FinalizedBlockHash common.Hash
}

// ForkchoiceBroadcaster is a single-writer, many-reader latest-value
// channel. Unlike a queue or an event.Feed, a reader that wakes late never
// observes a backlog: intermediate values are collapsed, and Current always
// returns the most recent Send. This mirrors the teacher's description of
// a tokio watch channel (spec §4.1/§9 "Broadcast of forkchoice") — nothing
// in the example pack's stdlib-adjacent dependency set (event.Feed is a
// multi-subscriber fan-out queue, not a latest-value cell) provides this
// semantics directly, so it's implemented on sync.RWMutex plus a
// close-and-replace notification channel, a standard Go idiom for
// broadcasting "something changed" without queuing payloads.
type ForkchoiceBroadcaster struct {
	mu      sync.RWMutex
	current ForkchoiceState
	changed chan struct{}
}

// NewForkchoiceBroadcaster creates a broadcaster seeded with the zero state.
func NewForkchoiceBroadcaster() *ForkchoiceBroadcaster {
	return &ForkchoiceBroadcaster{changed: make(chan struct{})}
}

// Send publishes a new forkchoice state, waking every outstanding
// subscription. Only the engine API handler or file-import setup may call
// this.
func (b *ForkchoiceBroadcaster) Send(state ForkchoiceState) {
	b.mu.Lock()
	b.current = state
	closed := b.changed
	b.changed = make(chan struct{})
	b.mu.Unlock()
	close(closed)
}

// ForkchoiceSubscription is a read handle into a ForkchoiceBroadcaster.
type ForkchoiceSubscription struct {
	b *ForkchoiceBroadcaster
}

// Subscribe returns a new read subscription. Subscriptions are cheap and
// stateless; many can be outstanding at once.
func (b *ForkchoiceBroadcaster) Subscribe() *ForkchoiceSubscription {
	return &ForkchoiceSubscription{b: b}
}

// Current returns the latest published state without blocking.
func (s *ForkchoiceSubscription) Current() ForkchoiceState {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return s.b.current
}

// Changed returns a channel that closes the next time Send is called.
// Callers select on it to wake on update; after waking they must call
// Current again (and re-call Changed for the next wait) since the
// returned channel does not carry the value itself.
func (s *ForkchoiceSubscription) Changed() <-chan struct{} {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return s.b.changed
}
