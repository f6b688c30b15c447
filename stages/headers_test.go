package stages

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
	"github.com/sandakersmann/gosync/downloader"
)

type fakeHeaderStagePeer struct {
	id     string
	byHash map[common.Hash]*types.Header
}

func newFakeHeaderStagePeer(id string, headers []*types.Header) *fakeHeaderStagePeer {
	p := &fakeHeaderStagePeer{id: id, byHash: make(map[common.Hash]*types.Header)}
	for _, h := range headers {
		p.byHash[h.Hash()] = h
	}
	return p
}

func (p *fakeHeaderStagePeer) ID() string { return p.id }

func (p *fakeHeaderStagePeer) RequestHeaders(origin common.Hash, amount int, reverse bool) ([]*types.Header, error) {
	if !reverse {
		return nil, downloader.ErrRequestError
	}
	cur, ok := p.byHash[origin]
	if !ok {
		return nil, downloader.ErrRequestError
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

func (p *fakeHeaderStagePeer) RequestBodies([]common.Hash) ([]*types.Body, error) {
	return nil, downloader.ErrRequestError
}

func headerChainFixture(n int) []*types.Header {
	headers := make([]*types.Header, n+1)
	headers[0] = &types.Header{Number: big.NewInt(0)}
	for i := 1; i <= n; i++ {
		headers[i] = &types.Header{Number: big.NewInt(int64(i)), ParentHash: headers[i-1].Hash(), Time: headers[i-1].Time + 12}
	}
	return headers
}

func TestHeadersStageWritesCanonicalChainAcrossCommits(t *testing.T) {
	_, tx := newTestTx(t)
	chain := headerChainFixture(20)
	mustWrite(t, tx, chain[0])

	peer := newFakeHeaderStagePeer("p1", chain)
	peers := downloader.NewPeerSet(peer)
	broadcaster := consensus.NewForkchoiceBroadcaster()
	broadcaster.Send(consensus.ForkchoiceState{HeadBlockHash: chain[20].Hash()})
	validator := beacon.New(&params.ChainConfig{TerminalTotalDifficulty: big.NewInt(0)}, broadcaster)

	dl := downloader.NewHeaderDownloader(peers, validator, 7, 5)
	stage := NewHeadersStage(HeadersConfig{CommitThreshold: 8}, dl, validator)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	progress := uint64(0)
	var out ExecOutput
	var err error
	for i := 0; i < 10; i++ {
		out, err = stage.Execute(ctx, tx, ExecInput{PreviousStageProgress: 20, StageProgress: progress})
		if err != nil {
			t.Fatalf("Execute (iteration %d): %v", i, err)
		}
		progress = out.StageProgress
		if out.Done {
			break
		}
	}
	if !out.Done || progress != 20 {
		t.Fatalf("got progress=%d done=%v, want progress=20 done=true", progress, out.Done)
	}

	for i := 1; i <= 20; i++ {
		hash, ok, err := tx.ReadCanonicalHash(uint64(i))
		if err != nil || !ok {
			t.Fatalf("ReadCanonicalHash(%d): ok=%v err=%v", i, ok, err)
		}
		if hash != chain[i].Hash() {
			t.Fatalf("canonical hash at %d mismatch", i)
		}
	}
}
