package downloader

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/sandakersmann/gosync/consensus"
	"github.com/sandakersmann/gosync/consensus/beacon"
)

// chainFixture builds n+1 linked headers, numbers 0..n, genesis first.
func chainFixture(n int) []*types.Header {
	headers := make([]*types.Header, n+1)
	headers[0] = &types.Header{Number: big.NewInt(0), GasLimit: 30_000_000, BaseFee: big.NewInt(1_000_000_000), TxHash: types.EmptyRootHash, UncleHash: types.EmptyUncleHash}
	for i := 1; i <= n; i++ {
		parent := headers[i-1]
		headers[i] = &types.Header{
			Number:     big.NewInt(int64(i)),
			ParentHash: parent.Hash(),
			GasLimit:   parent.GasLimit,
			Time:       parent.Time + 12,
			BaseFee:    big.NewInt(1_000_000_000),
			TxHash:     types.EmptyRootHash,
			UncleHash:  types.EmptyUncleHash,
		}
	}
	return headers
}

// fakeHeaderPeer answers reverse header range requests directly from an
// in-memory chain slice, like the teacher's downloader_test.go testPeer.
type fakeHeaderPeer struct {
	id      string
	byHash  map[common.Hash]*types.Header
	deadIDs map[string]bool
}

func newFakeHeaderPeer(id string, headers []*types.Header) *fakeHeaderPeer {
	p := &fakeHeaderPeer{id: id, byHash: make(map[common.Hash]*types.Header)}
	for _, h := range headers {
		p.byHash[h.Hash()] = h
	}
	return p
}

func (p *fakeHeaderPeer) ID() string { return p.id }

func (p *fakeHeaderPeer) RequestHeaders(origin common.Hash, amount int, reverse bool) ([]*types.Header, error) {
	if !reverse {
		return nil, ErrRequestError
	}
	cur, ok := p.byHash[origin]
	if !ok {
		return nil, ErrRequestError
	}
	var out []*types.Header
	for i := 0; i < amount; i++ {
		out = append(out, cur)
		if cur.Number.Uint64() == 0 {
			break
		}
		next, ok := p.byHash[cur.ParentHash]
		if !ok {
			break
		}
		cur = next
	}
	return out, nil
}

func (p *fakeHeaderPeer) RequestBodies([]common.Hash) ([]*types.Body, error) {
	return nil, ErrRequestError
}

func TestHeaderDownloaderLinearChain(t *testing.T) {
	chain := chainFixture(20)
	peer := newFakeHeaderPeer("p1", chain)
	peers := NewPeerSet(peer)
	validator := beacon.New(&params.ChainConfig{TerminalTotalDifficulty: big.NewInt(0)}, consensus.NewForkchoiceBroadcaster())

	dl := NewHeaderDownloader(peers, validator, 7, 5)
	dl.SetTip(chain[20].Hash())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	batches, errc := dl.Run(ctx, LocalHead{Number: 0, Hash: chain[0].Hash()})

	var got []*types.Header
	for batch := range batches {
		got = append(got, batch...)
	}
	if err := <-errc; err != nil {
		t.Fatalf("unexpected downloader error: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("got %d headers, want 20", len(got))
	}
	for i, h := range got {
		if h.Number.Uint64() != uint64(i+1) {
			t.Fatalf("batch out of ascending order at index %d: got number %d", i, h.Number.Uint64())
		}
	}
	if dl.State() != stateDone {
		t.Fatalf("state = %v, want Done", dl.State())
	}
}

func TestHeaderDownloaderRejectsBrokenParentLink(t *testing.T) {
	chain := chainFixture(5)
	// Corrupt header 3's parent hash so it fails to parent-link to header 2.
	broken := make([]*types.Header, len(chain))
	copy(broken, chain)
	corrupt := *broken[3]
	corrupt.ParentHash = common.Hash{0xff}
	broken[3] = &corrupt

	peer := newFakeHeaderPeer("p1", broken)
	peers := NewPeerSet(peer)
	validator := beacon.New(&params.ChainConfig{TerminalTotalDifficulty: big.NewInt(0)}, consensus.NewForkchoiceBroadcaster())

	dl := NewHeaderDownloader(peers, validator, 10, 10)
	dl.SetTip(broken[5].Hash())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	batches, errc := dl.Run(ctx, LocalHead{Number: 0, Hash: chain[0].Hash()})
	for range batches {
	}
	err := <-errc
	if err == nil {
		t.Fatal("expected header validation error, got nil")
	}
}
