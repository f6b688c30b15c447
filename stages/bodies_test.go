package stages

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/sandakersmann/gosync/consensus"
	"github.com/sandakersmann/gosync/consensus/beacon"
	"github.com/sandakersmann/gosync/downloader"
	"github.com/sandakersmann/gosync/rawdb"
)

type fakeHeaderSource struct {
	byNumber map[uint64]*types.Header
}

func (s *fakeHeaderSource) HeaderByNumber(number uint64) (*types.Header, bool) {
	h, ok := s.byNumber[number]
	return h, ok
}

type fakeBodyPeer struct {
	id     string
	bodies map[common.Hash]*types.Body
}

func (p *fakeBodyPeer) ID() string { return p.id }

func (p *fakeBodyPeer) RequestHeaders(common.Hash, int, bool) ([]*types.Header, error) {
	return nil, downloader.ErrRequestError
}

func (p *fakeBodyPeer) RequestBodies(hashes []common.Hash) ([]*types.Body, error) {
	out := make([]*types.Body, len(hashes))
	for i, h := range hashes {
		b, ok := p.bodies[h]
		if !ok {
			return nil, downloader.ErrRequestError
		}
		out[i] = b
	}
	return out, nil
}

// stageBodiesFixture writes a 3-block chain (genesis empty, block 1 carrying
// one transaction, block 2 empty again) with headers and total difficulty
// already on disk, as the Headers and TotalDifficulty stages would leave it.
func stageBodiesFixture(t *testing.T, tx *rawdb.Tx) (*fakeHeaderSource, *fakeBodyPeer, []*types.Header) {
	t.Helper()
	source := &fakeHeaderSource{byNumber: make(map[uint64]*types.Header)}
	peer := &fakeBodyPeer{id: "p1", bodies: make(map[common.Hash]*types.Body)}

	genesis := &types.Header{Number: big.NewInt(0), Difficulty: big.NewInt(10), TxHash: types.EmptyRootHash, UncleHash: types.EmptyUncleHash}
	tx1 := types.NewTransaction(0, common.Address{}, big.NewInt(0), 21000, big.NewInt(1), nil)
	txRoot := types.DeriveSha(types.Transactions{tx1}, trie.NewStackTrie(nil))
	block1 := &types.Header{Number: big.NewInt(1), ParentHash: genesis.Hash(), Difficulty: big.NewInt(10), TxHash: txRoot, UncleHash: types.EmptyUncleHash}
	block2 := &types.Header{Number: big.NewInt(2), ParentHash: block1.Hash(), Difficulty: big.NewInt(10), TxHash: types.EmptyRootHash, UncleHash: types.EmptyUncleHash}

	headers := []*types.Header{genesis, block1, block2}
	tds := []int64{10, 20, 30}
	for i, h := range headers {
		if err := tx.WriteHeader(h); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if err := tx.WriteCanonicalHash(h.Number.Uint64(), h.Hash()); err != nil {
			t.Fatalf("WriteCanonicalHash: %v", err)
		}
		if err := tx.WriteHeaderTD(h.Number.Uint64(), h.Hash(), big.NewInt(tds[i])); err != nil {
			t.Fatalf("WriteHeaderTD: %v", err)
		}
		source.byNumber[h.Number.Uint64()] = h
	}
	peer.bodies[block1.Hash()] = &types.Body{Transactions: types.Transactions{tx1}}

	return source, peer, headers
}

func TestBodiesStageAssignsDenseTxIDsAndTransitions(t *testing.T) {
	_, tx := newTestTx(t)
	source, peer, headers := stageBodiesFixture(t, tx)

	peers := downloader.NewPeerSet(peer)
	dl := downloader.NewBodyDownloader(peers, source, 1, 4, 10, 100)
	validator := beacon.New(&params.ChainConfig{TerminalTotalDifficulty: big.NewInt(1_000_000)}, consensus.NewForkchoiceBroadcaster())

	stage := NewBodiesStage(DefaultBodiesConfig(), dl, validator)
	out, err := stage.Execute(context.Background(), tx, ExecInput{PreviousStageProgress: 2, StageProgress: 0})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Done || out.StageProgress != 2 {
		t.Fatalf("got %+v, want progress=2 done=true", out)
	}

	meta1, ok, err := tx.ReadBodyMeta(1, headers[1].Hash())
	if err != nil || !ok {
		t.Fatalf("ReadBodyMeta(1): ok=%v err=%v", ok, err)
	}
	if meta1.StartTxID != 0 || meta1.TxCount != 1 {
		t.Fatalf("block 1 body meta = %+v, want {0 1}", meta1)
	}

	meta2, ok, err := tx.ReadBodyMeta(2, headers[2].Hash())
	if err != nil || !ok {
		t.Fatalf("ReadBodyMeta(2): ok=%v err=%v", ok, err)
	}
	if meta2.StartTxID != 1 || meta2.TxCount != 0 {
		t.Fatalf("block 2 body meta = %+v, want {1 0}", meta2)
	}

	// TTD (1_000_000) never crossed at TD 10/20/30, so every block still
	// carries a block reward transition on top of its transaction count.
	transition1, ok, err := tx.ReadBlockTransition(1)
	if err != nil || !ok || transition1 != 2 { // 0 (genesis untouched) + 1 tx + 1 reward
		t.Fatalf("block 1 transition = %v (ok=%v err=%v), want 2", transition1, ok, err)
	}
	transition2, ok, err := tx.ReadBlockTransition(2)
	if err != nil || !ok || transition2 != 3 { // prev 2 + 0 txs + 1 reward
		t.Fatalf("block 2 transition = %v (ok=%v err=%v), want 3", transition2, ok, err)
	}

	// The block 1 transaction (tx_id 0) is applied against the transition
	// counter as it stood before block 1's own reward transition, i.e. 0.
	txTransition, ok, err := tx.ReadTxTransition(0)
	if err != nil || !ok || txTransition != 0 {
		t.Fatalf("tx 0 transition = %v (ok=%v err=%v), want 0", txTransition, ok, err)
	}
}

func TestBodiesStageSkipsRewardTransitionPastTTD(t *testing.T) {
	_, tx := newTestTx(t)
	source, peer, _ := stageBodiesFixture(t, tx)

	peers := downloader.NewPeerSet(peer)
	dl := downloader.NewBodyDownloader(peers, source, 1, 4, 10, 100)
	// TTD of 15 is crossed at block 1 (cumulative TD 20), so neither block 1
	// nor block 2 should carry a reward transition.
	validator := beacon.New(&params.ChainConfig{TerminalTotalDifficulty: big.NewInt(15)}, consensus.NewForkchoiceBroadcaster())

	stage := NewBodiesStage(DefaultBodiesConfig(), dl, validator)
	if _, err := stage.Execute(context.Background(), tx, ExecInput{PreviousStageProgress: 2, StageProgress: 0}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	transition1, ok, err := tx.ReadBlockTransition(1)
	if err != nil || !ok || transition1 != 1 { // 0 + 1 tx, no reward
		t.Fatalf("block 1 transition = %v (ok=%v err=%v), want 1", transition1, ok, err)
	}
	transition2, ok, err := tx.ReadBlockTransition(2)
	if err != nil || !ok || transition2 != 1 { // unchanged: 0 txs, no reward
		t.Fatalf("block 2 transition = %v (ok=%v err=%v), want 1", transition2, ok, err)
	}
}
