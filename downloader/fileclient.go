package downloader

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// FileClient implements Peer by answering requests out of an in-memory
// block store loaded from a file of concatenated RLP-encoded blocks. It is
// registered in a PeerSet like any peer, so a downloader that marks it bad
// excludes it from later picks. Grounded on original_source's
// bin/reth/src/chain/import.rs FileClient usage.
type FileClient struct {
	byHash   map[common.Hash]*types.Block
	byNumber map[uint64]*types.Block
	tip      common.Hash
	tipNum   uint64
}

// NewFileClient parses r as a sequence of concatenated RLP-encoded blocks
// until EOF. The highest block number encountered becomes the tip.
func NewFileClient(r io.Reader) (*FileClient, error) {
	fc := &FileClient{
		byHash:   make(map[common.Hash]*types.Block),
		byNumber: make(map[uint64]*types.Block),
	}
	stream := rlp.NewStream(r, 0)
	for {
		var block types.Block
		if err := stream.Decode(&block); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("fileclient: decode block: %w", err)
		}
		fc.byHash[block.Hash()] = &block
		fc.byNumber[block.NumberU64()] = &block
		if block.NumberU64() >= fc.tipNum || fc.tip == (common.Hash{}) {
			fc.tipNum = block.NumberU64()
			fc.tip = block.Hash()
		}
	}
	if len(fc.byHash) == 0 {
		return nil, fmt.Errorf("fileclient: no blocks found in input")
	}
	return fc, nil
}

// Tip returns the highest block number/hash seen in the file.
func (fc *FileClient) Tip() (common.Hash, uint64) { return fc.tip, fc.tipNum }

func (fc *FileClient) ID() string { return "file-client" }

func (fc *FileClient) RequestHeaders(origin common.Hash, amount int, reverse bool) ([]*types.Header, error) {
	block, ok := fc.byHash[origin]
	if !ok {
		return nil, fmt.Errorf("%w: unknown origin hash", ErrRequestError)
	}
	var headers []*types.Header
	cur := block
	for i := 0; i < amount; i++ {
		headers = append(headers, cur.Header())
		if cur.NumberU64() == 0 {
			break
		}
		next, ok := fc.byHash[cur.ParentHash()]
		if !ok {
			break
		}
		if !reverse {
			return nil, fmt.Errorf("%w: fileclient only supports reverse header requests", ErrRequestError)
		}
		cur = next
	}
	return headers, nil
}

func (fc *FileClient) RequestBodies(hashes []common.Hash) ([]*types.Body, error) {
	bodies := make([]*types.Body, len(hashes))
	for i, h := range hashes {
		block, ok := fc.byHash[h]
		if !ok {
			return nil, fmt.Errorf("%w: unknown body hash", ErrRequestError)
		}
		bodies[i] = block.Body()
	}
	return bodies, nil
}

// HeaderByNumber implements HeaderSource directly off the in-memory store,
// letting the body downloader run against a file import without consulting
// rawdb first (the headers stage will have already persisted the same
// headers by the time bodies run, but the file client can also serve them
// standalone for tests).
func (fc *FileClient) HeaderByNumber(number uint64) (*types.Header, bool) {
	block, ok := fc.byNumber[number]
	if !ok {
		return nil, false
	}
	return block.Header(), true
}
