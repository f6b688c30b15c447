package txpropagation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/sandakersmann/gosync/pipeline"
)

// maxKnownTxs is the LRU size of the per-peer seen-transaction-hash set
// (spec §4.5, §8 invariant "Peer-transaction LRUs never exceed 10240
// entries"), grounded on original_source's
// crates/net/network/src/transactions.rs PEER_TRANSACTION_CACHE_LIMIT
// (1024 * 10).
const maxKnownTxs = 1024 * 10

// maxConcurrentRequests/maxConcurrentImports bound the manager's two
// background future-sets (spec §5: "one bounded future-set (in-flight
// pool imports)"). Outbound GetPooledTransactions fetches and pool
// AddRemotes calls both run off the event loop so a slow peer or a slow
// pool can't stall message processing, but are capped so an adversarial
// flood of hash announcements can't spawn unbounded goroutines.
const (
	maxConcurrentRequests = 128
	maxConcurrentImports  = 128
)

// peerState tracks what a connected peer is known to have seen, to avoid
// re-sending and to detect a misbehaving resend (spec §4.5: "a peer
// resending a hash already known to be seen from it counts toward a
// bad-reputation event").
type peerState struct {
	peer Peer
	seen *lru.Cache
}

func newPeerState(p Peer) *peerState {
	cache, _ := lru.New(maxKnownTxs)
	return &peerState{peer: p, seen: cache}
}

func (s *peerState) markSeen(hash common.Hash) {
	s.seen.Add(hash, struct{}{})
}

func (s *peerState) hasSeen(hash common.Hash) bool {
	return s.seen.Contains(hash)
}

// Manager implements spec §4.5: it observes the pipeline's sync-state
// signal and gates gossip import/forwarding on it, multiplexing network
// events, commands, transaction events, in-flight request completions,
// pool import completions, and pool-pending notifications in that fixed
// priority order (spec §5), so a saturated pool-import stream cannot
// starve the reputation-reporting path.
type Manager struct {
	pool       Pool
	reputation Reputation
	syncState  *pipeline.SyncStateSubscription

	networkEvents <-chan NetworkEvent
	commands      <-chan Command
	txEvents      <-chan TransactionEvent
	pendingCh     <-chan struct{}

	requestResults chan requestResult
	importResults  chan importResult
	requestSem     chan struct{}
	importSem      chan struct{}

	mu    sync.Mutex
	peers map[string]*peerState

	rng *rand.Rand
}

type requestResult struct {
	peerID string
	txs    types.Transactions
	err    error
}

type importResult struct {
	peerID string
	txs    types.Transactions
	errs   []error
}

// NewManager builds a Manager. pendingCh fires whenever the pool has new
// pending transactions to gossip (spec §5 "pool-pending notifications").
func NewManager(pool Pool, reputation Reputation, syncState *pipeline.SyncStateSubscription,
	networkEvents <-chan NetworkEvent, commands <-chan Command, txEvents <-chan TransactionEvent,
	pendingCh <-chan struct{}) *Manager {
	return &Manager{
		pool:           pool,
		reputation:     reputation,
		syncState:      syncState,
		networkEvents:  networkEvents,
		commands:       commands,
		txEvents:       txEvents,
		pendingCh:      pendingCh,
		requestResults: make(chan requestResult, maxConcurrentRequests),
		importResults:  make(chan importResult, maxConcurrentImports),
		requestSem:     make(chan struct{}, maxConcurrentRequests),
		importSem:      make(chan struct{}, maxConcurrentImports),
		peers:          make(map[string]*peerState),
		rng:            rand.New(rand.NewSource(1)),
	}
}

// Run drains the manager's event sources until ctx is canceled. The
// polling order is fixed per spec §5: network, commands, transaction
// events, in-flight requests, pool imports, pending-tx drain.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.networkEvents:
			m.handleNetworkEvent(ev)
			continue
		default:
		}

		select {
		case cmd := <-m.commands:
			m.handleCommand(cmd)
			continue
		default:
		}

		select {
		case ev := <-m.txEvents:
			m.handleTransactionEvent(ev)
			continue
		default:
		}

		select {
		case res := <-m.requestResults:
			m.handleRequestResult(res)
			continue
		default:
		}

		select {
		case res := <-m.importResults:
			m.handleImportResult(res)
			continue
		default:
		}

		select {
		case <-m.pendingCh:
			m.drainPending()
			continue
		default:
		}

		// Nothing ready without blocking; block on everything at once so
		// the loop doesn't spin.
		select {
		case <-ctx.Done():
			return
		case ev := <-m.networkEvents:
			m.handleNetworkEvent(ev)
		case cmd := <-m.commands:
			m.handleCommand(cmd)
		case ev := <-m.txEvents:
			m.handleTransactionEvent(ev)
		case res := <-m.requestResults:
			m.handleRequestResult(res)
		case res := <-m.importResults:
			m.handleImportResult(res)
		case <-m.pendingCh:
			m.drainPending()
		}
	}
}

func (m *Manager) synced() bool {
	return m.syncState == nil || m.syncState.Synced()
}

func (m *Manager) handleNetworkEvent(ev NetworkEvent) {
	switch ev.Kind {
	case SessionEstablished:
		m.mu.Lock()
		m.peers[ev.PeerID] = newPeerState(ev.Peer)
		m.mu.Unlock()
		// "On session establishment, it sends a full pooled-transaction-
		// hashes message only if Synced" (spec §4.5).
		if m.synced() {
			pending := m.pool.Pending()
			if len(pending) > 0 {
				hashes := make([]common.Hash, len(pending))
				for i, tx := range pending {
					hashes[i] = tx.Hash()
				}
				if err := ev.Peer.SendPooledTransactionHashes(hashes); err != nil {
					log.Debug("txpropagation: announce to new peer failed", "peer", ev.PeerID, "err", err)
				}
			}
		}
	case SessionClosed:
		m.mu.Lock()
		delete(m.peers, ev.PeerID)
		m.mu.Unlock()
	}
}

func (m *Manager) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CommandPropagateLocal:
		tx := m.pool.Get(cmd.Hash)
		if tx == nil {
			return
		}
		m.propagate(types.Transactions{tx})
	}
}

// handleTransactionEvent implements the gating at the heart of spec §4.5:
// "While not Synced, it ignores incoming broadcast transactions and
// incoming pooled-transaction-hash announcements, and does not propagate
// pending transactions from the local pool."
func (m *Manager) handleTransactionEvent(ev TransactionEvent) {
	switch ev.Kind {
	case IncomingTransactions:
		if !m.synced() {
			return
		}
		m.markSeenFrom(ev.PeerID, ev.Transactions)
		if errs := m.pool.AddRemotes(ev.Transactions); errs != nil {
			for _, err := range errs {
				if err != nil {
					m.reputation.ReportBad(ev.PeerID, fmt.Sprintf("malformed transaction: %v", err))
				}
			}
		}
	case IncomingPooledTransactionHashes:
		if !m.synced() {
			return
		}
		m.handleAnnouncement(ev.PeerID, ev.Hashes)
	case GetPooledTransactions:
		var found types.Transactions
		for _, h := range ev.Hashes {
			if tx := m.pool.Get(h); tx != nil {
				found = append(found, tx)
			}
		}
		if ev.Reply != nil {
			ev.Reply <- found
		}
	}
}

// handleAnnouncement checks each announced hash against the sending
// peer's known-seen set: a hash already recorded as seen from that peer
// is a reputation violation (spec §4.5); a genuinely new hash is recorded
// and fetched via a bounded background GetPooledTransactions request.
func (m *Manager) handleAnnouncement(peerID string, hashes []common.Hash) {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}

	var toFetch []common.Hash
	for _, h := range hashes {
		if ps.hasSeen(h) {
			m.reputation.ReportBad(peerID, "resent already-seen transaction hash")
			continue
		}
		ps.markSeen(h)
		if m.pool.Get(h) == nil {
			toFetch = append(toFetch, h)
		}
	}
	if len(toFetch) == 0 {
		return
	}
	m.issueRequest(peerID, ps.peer, toFetch)
}

func (m *Manager) issueRequest(peerID string, peer Peer, hashes []common.Hash) {
	select {
	case m.requestSem <- struct{}{}:
	default:
		// At capacity; drop the fetch rather than block the event loop.
		// The hashes stay marked seen, so a later re-announcement from
		// another peer still triggers a fetch.
		return
	}
	go func() {
		defer func() { <-m.requestSem }()
		txs, err := peer.RequestTransactions(hashes)
		m.requestResults <- requestResult{peerID: peerID, txs: txs, err: err}
	}()
}

func (m *Manager) handleRequestResult(res requestResult) {
	if res.err != nil {
		m.reputation.ReportBad(res.peerID, fmt.Sprintf("pooled transactions request failed: %v", res.err))
		return
	}
	if len(res.txs) == 0 {
		return
	}
	m.markSeenFrom(res.peerID, res.txs)
	m.issueImport(res.peerID, res.txs)
}

func (m *Manager) issueImport(peerID string, txs types.Transactions) {
	select {
	case m.importSem <- struct{}{}:
	default:
		return
	}
	go func() {
		defer func() { <-m.importSem }()
		errs := m.pool.AddRemotes(txs)
		m.importResults <- importResult{peerID: peerID, txs: txs, errs: errs}
	}()
}

func (m *Manager) handleImportResult(res importResult) {
	for _, err := range res.errs {
		if err != nil {
			m.reputation.ReportBad(res.peerID, fmt.Sprintf("malformed transaction: %v", err))
		}
	}
}

// drainPending applies spec §4.5's sync check to outbound propagation:
// while not Synced it does nothing, since "it... does not propagate
// pending transactions from the local pool" in that state.
func (m *Manager) drainPending() {
	if !m.synced() {
		return
	}
	pending := m.pool.Pending()
	if len(pending) > 0 {
		m.propagate(pending)
	}
}

func (m *Manager) markSeenFrom(peerID string, txs types.Transactions) {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, tx := range txs {
		ps.markSeen(tx.Hash())
	}
}

// propagate implements the post-sync broadcast policy of spec §4.5: a
// random subset of size floor(sqrt(peers))+1 gets the full transaction
// body, the remainder get a hash-only announcement. The sqrt(N) count is
// grounded on eth/handler_test.go's TestBroadcastChoice ("expectedCount :=
// 7 // sqrt(49)"); the random (rather than sender-address-keyed)
// selection matches the simpler policy spec §4.5 actually describes.
func (m *Manager) propagate(txs types.Transactions) {
	m.mu.Lock()
	all := make([]*peerState, 0, len(m.peers))
	for _, ps := range m.peers {
		all = append(all, ps)
	}
	m.mu.Unlock()
	if len(all) == 0 {
		return
	}

	fullCount := int(math.Sqrt(float64(len(all)))) + 1
	if fullCount > len(all) {
		fullCount = len(all)
	}

	for _, tx := range txs {
		hash := tx.Hash()
		order := m.rng.Perm(len(all))
		for i, idx := range order {
			ps := all[idx]
			if ps.hasSeen(hash) {
				continue
			}
			ps.markSeen(hash)
			if i < fullCount {
				if err := ps.peer.SendTransactions(types.Transactions{tx}); err != nil {
					log.Debug("txpropagation: send transaction failed", "peer", ps.peer.ID(), "err", err)
				}
			} else {
				if err := ps.peer.SendPooledTransactionHashes([]common.Hash{hash}); err != nil {
					log.Debug("txpropagation: announce transaction failed", "peer", ps.peer.ID(), "err", err)
				}
			}
		}
	}
}
