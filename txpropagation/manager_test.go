package txpropagation

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/sandakersmann/gosync/pipeline"
)

type stubPeer struct {
	id string

	mu       sync.Mutex
	sent     types.Transactions
	announce []common.Hash

	requestFn func(hashes []common.Hash) (types.Transactions, error)
}

func (p *stubPeer) ID() string { return p.id }

func (p *stubPeer) SendTransactions(txs types.Transactions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, txs...)
	return nil
}

func (p *stubPeer) SendPooledTransactionHashes(hashes []common.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announce = append(p.announce, hashes...)
	return nil
}

func (p *stubPeer) RequestTransactions(hashes []common.Hash) (types.Transactions, error) {
	if p.requestFn != nil {
		return p.requestFn(hashes)
	}
	return nil, nil
}

type stubPool struct {
	mu      sync.Mutex
	byHash  map[common.Hash]*types.Transaction
	pending types.Transactions

	remotesCalls [][]error
}

func newStubPool() *stubPool {
	return &stubPool{byHash: make(map[common.Hash]*types.Transaction)}
}

func (p *stubPool) AddRemotes(txs types.Transactions) []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := make([]error, len(txs))
	for i, tx := range txs {
		p.byHash[tx.Hash()] = tx
	}
	p.remotesCalls = append(p.remotesCalls, errs)
	return errs
}

func (p *stubPool) Pending() types.Transactions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(types.Transactions{}, p.pending...)
}

func (p *stubPool) Get(hash common.Hash) *types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byHash[hash]
}

type stubReputation struct {
	mu      sync.Mutex
	reports []string
}

func (r *stubReputation) ReportBad(peerID string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, peerID+": "+reason)
}

func (r *stubReputation) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func testTx(nonce uint64) *types.Transaction {
	key, _ := crypto.GenerateKey()
	tx, _ := types.SignTx(types.NewTransaction(nonce, common.Address{}, big.NewInt(0), 21000, big.NewInt(1), nil),
		types.HomesteadSigner{}, key)
	return tx
}

func newTestManager(synced bool) (*Manager, chan NetworkEvent, chan Command, chan TransactionEvent, chan struct{}, *stubPool, *stubReputation) {
	pool := newStubPool()
	rep := &stubReputation{}
	broadcaster := pipeline.NewSyncStateBroadcaster()
	if synced {
		broadcaster.Set(pipeline.SyncState{Phase: pipeline.Synced})
	}
	netCh := make(chan NetworkEvent, 8)
	cmdCh := make(chan Command, 8)
	txCh := make(chan TransactionEvent, 8)
	pendingCh := make(chan struct{}, 8)
	m := NewManager(pool, rep, broadcaster.Subscribe(), netCh, cmdCh, txCh, pendingCh)
	return m, netCh, cmdCh, txCh, pendingCh, pool, rep
}

func runManager(t *testing.T, m *Manager) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("manager did not stop")
		}
	}
}

// TestIgnoresBroadcastsWhileNotSynced checks that a well-formed transaction
// broadcast leaves the local pool empty while the node is not Synced. The
// sync state stays at its initial Idle phase, which synced() treats the same
// as Downloading.
func TestIgnoresBroadcastsWhileNotSynced(t *testing.T) {
	m, _, _, txCh, _, pool, _ := newTestManager(false)
	stop := runManager(t, m)
	defer stop()

	tx := testTx(0)
	txCh <- TransactionEvent{Kind: IncomingTransactions, PeerID: "p1", Transactions: types.Transactions{tx}}

	time.Sleep(50 * time.Millisecond)
	if pool.Get(tx.Hash()) != nil {
		t.Fatalf("transaction reached the pool while not synced")
	}
}

func TestIncomingTransactionsAddedToPoolWhenSynced(t *testing.T) {
	m, netCh, _, txCh, _, pool, _ := newTestManager(true)
	stop := runManager(t, m)
	defer stop()

	peer := &stubPeer{id: "p1"}
	netCh <- NetworkEvent{Kind: SessionEstablished, PeerID: "p1", Peer: peer}
	time.Sleep(20 * time.Millisecond)

	tx := testTx(0)
	txCh <- TransactionEvent{Kind: IncomingTransactions, PeerID: "p1", Transactions: types.Transactions{tx}}

	deadline := time.After(time.Second)
	for pool.Get(tx.Hash()) == nil {
		select {
		case <-deadline:
			t.Fatal("transaction never reached the pool")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestResentKnownHashReportsBadReputation(t *testing.T) {
	m, netCh, _, txCh, _, _, rep := newTestManager(true)
	stop := runManager(t, m)
	defer stop()

	peer := &stubPeer{id: "p1"}
	netCh <- NetworkEvent{Kind: SessionEstablished, PeerID: "p1", Peer: peer}
	time.Sleep(20 * time.Millisecond)

	hash := common.HexToHash("0xaa")
	txCh <- TransactionEvent{Kind: IncomingPooledTransactionHashes, PeerID: "p1", Hashes: []common.Hash{hash}}
	time.Sleep(20 * time.Millisecond)
	txCh <- TransactionEvent{Kind: IncomingPooledTransactionHashes, PeerID: "p1", Hashes: []common.Hash{hash}}

	deadline := time.After(time.Second)
	for rep.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a bad-reputation report for the resent hash")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestAnnouncementFetchesAndImportsUnknownHash(t *testing.T) {
	m, netCh, _, txCh, _, pool, _ := newTestManager(true)
	stop := runManager(t, m)
	defer stop()

	tx := testTx(0)
	peer := &stubPeer{id: "p1", requestFn: func(hashes []common.Hash) (types.Transactions, error) {
		return types.Transactions{tx}, nil
	}}
	netCh <- NetworkEvent{Kind: SessionEstablished, PeerID: "p1", Peer: peer}
	time.Sleep(20 * time.Millisecond)

	txCh <- TransactionEvent{Kind: IncomingPooledTransactionHashes, PeerID: "p1", Hashes: []common.Hash{tx.Hash()}}

	deadline := time.After(time.Second)
	for pool.Get(tx.Hash()) == nil {
		select {
		case <-deadline:
			t.Fatal("announced transaction was never fetched and imported")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestPropagateSendsFullBodyToSqrtPeersPlusOne(t *testing.T) {
	m, netCh, _, _, _, _, _ := newTestManager(true)
	stop := runManager(t, m)
	defer stop()
	const n = 49
	peers := make([]*stubPeer, n)
	for i := 0; i < n; i++ {
		p := &stubPeer{id: string(rune('a' + i%26)) + string(rune('A'+i/26))}
		peers[i] = p
		netCh <- NetworkEvent{Kind: SessionEstablished, PeerID: p.id, Peer: p}
	}
	time.Sleep(50 * time.Millisecond)

	tx := testTx(0)
	m.propagate(types.Transactions{tx})

	full, hashOnly := 0, 0
	for _, p := range peers {
		p.mu.Lock()
		if len(p.sent) > 0 {
			full++
		}
		if len(p.announce) > 0 {
			hashOnly++
		}
		p.mu.Unlock()
	}
	wantFull := 8 // floor(sqrt(49)) + 1
	if full != wantFull {
		t.Fatalf("full-body sends = %d, want %d", full, wantFull)
	}
	if full+hashOnly != n {
		t.Fatalf("every peer should receive either a full body or an announcement, got %d+%d != %d", full, hashOnly, n)
	}
}
