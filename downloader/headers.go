package downloader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/sandakersmann/gosync/consensus"
)

// headerState is the header downloader's state, per spec §4.2.
type headerState int

const (
	stateIdle headerState = iota
	stateAnchored
	stateSyncing
	stateDone
)

func (s headerState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateAnchored:
		return "Anchored"
	case stateSyncing:
		return "Syncing"
	case stateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// LocalHead is the caller's view of where the on-disk canonical chain
// currently ends; the downloader fetches backwards from the tip until it
// meets this point.
type LocalHead struct {
	Number uint64
	Hash   common.Hash
}

// HeaderDownloader implements spec §4.2: reverse-order header fetching from
// a forkchoice tip toward the local head, yielding validated, ascending
// batches through a reorder buffer. Grounded on the shape of the teacher's
// eth/downloader "skeleton" (Idle/Anchored/Syncing/Done is this module's
// simplified replacement for geth's subchain-merging skeleton state
// machine — see DESIGN.md) and tested against the expectations baked into
// eth/downloader/skeleton_test.go.
type HeaderDownloader struct {
	peers        *PeerSet
	validator    consensus.Validator
	requestLimit int
	batchSize    int

	mu    sync.Mutex
	state headerState
	tip   common.Hash
	gen   int // incremented on SetTip, invalidates in-flight work

	pending map[uint64]*types.Header // reorder buffer, keyed by number
}

func NewHeaderDownloader(peers *PeerSet, validator consensus.Validator, requestLimit, batchSize int) *HeaderDownloader {
	return &HeaderDownloader{
		peers:        peers,
		validator:    validator,
		requestLimit: requestLimit,
		batchSize:    batchSize,
		state:        stateIdle,
		pending:      make(map[uint64]*types.Header),
	}
}

// SetTip announces a new forkchoice tip. If a sync is already in progress,
// it resets to Anchored and discards buffered responses (spec §4.2: "a new
// forkchoice tip during Syncing resets to Anchored and discards in-flight
// responses").
func (d *HeaderDownloader) SetTip(tip common.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tip = tip
	d.gen++
	d.state = stateAnchored
	d.pending = make(map[uint64]*types.Header)
}

func (d *HeaderDownloader) State() headerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Run drives the fetch loop until the anchor meets local and the sequence
// terminates, or ctx is canceled. It streams ascending batches on the
// returned channel and closes it on completion; a terminal error (peer set
// exhausted, stuck prefix) is sent on the error channel before closing.
func (d *HeaderDownloader) Run(ctx context.Context, local LocalHead) (<-chan []*types.Header, <-chan error) {
	out := make(chan []*types.Header)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		if err := d.run(ctx, local, out); err != nil {
			errc <- err
		}
		close(errc)
	}()
	return out, errc
}

func (d *HeaderDownloader) run(ctx context.Context, local LocalHead, out chan<- []*types.Header) error {
	d.mu.Lock()
	if d.state == stateIdle {
		d.mu.Unlock()
		return fmt.Errorf("downloader: Run called with no tip set")
	}
	myGen := d.gen
	tip := d.tip
	d.state = stateSyncing
	d.mu.Unlock()

	anchorHash := tip
	var rejected error
	for {
		select {
		case <-ctx.Done():
			return ErrCanceled
		default:
		}

		if d.generationStale(myGen) {
			return nil // superseded by a newer tip; caller will Run again
		}

		headers, fromPeer, err := d.fetchReverse(anchorHash)
		if err != nil {
			if rejected != nil {
				return fmt.Errorf("%w (last rejected batch: %v)", err, rejected)
			}
			return err
		}
		if len(headers) == 0 {
			return ErrStuckPrefix
		}
		sort.Slice(headers, func(i, j int) bool {
			return headers[i].Number.Uint64() > headers[j].Number.Uint64()
		})
		var invalid error
		for i := 0; i < len(headers)-1; i++ {
			child, parent := headers[i], headers[i+1]
			if child.ParentHash != parent.Hash() {
				invalid = fmt.Errorf("%w: batch %d does not parent-link to %d", ErrHeaderValidation, child.Number, parent.Number)
				break
			}
			if err := d.validator.PreValidateHeader(child, parent); err != nil {
				invalid = fmt.Errorf("%w: %v", ErrHeaderValidation, err)
				break
			}
		}
		if invalid != nil {
			d.peers.MarkBad(fromPeer)
			rejected = invalid
			continue
		}

		d.mu.Lock()
		for _, h := range headers {
			d.pending[h.Number.Uint64()] = h
		}
		d.mu.Unlock()

		lowest := headers[len(headers)-1]
		if lowest.ParentHash == local.Hash || lowest.Number.Uint64() <= local.Number+1 {
			d.flush(out, local.Number+1)
			d.mu.Lock()
			d.state = stateDone
			d.mu.Unlock()
			return nil
		}
		anchorHash = lowest.ParentHash

		if flushed := d.flushReady(out, local.Number+1); flushed {
			log.Debug("header downloader flushed ready prefix", "tip", tip)
		}
	}
}

func (d *HeaderDownloader) generationStale(gen int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen != gen
}

// fetchReverse issues one reverse-range request, retrying against the next
// peer on a request error or an empty response until the peer set is
// exhausted (spec §4.2 "Failure policy"). A batch that fails header
// validation is handled by run, which marks its peer bad and calls
// fetchReverse again for the same anchor.
func (d *HeaderDownloader) fetchReverse(anchor common.Hash) ([]*types.Header, string, error) {
	var lastErr error
	for {
		peer, ok := d.peers.Pick()
		if !ok {
			if lastErr != nil {
				return nil, "", fmt.Errorf("%w: %v", ErrPeersExhausted, lastErr)
			}
			return nil, "", ErrPeersExhausted
		}
		headers, err := peer.RequestHeaders(anchor, d.requestLimit, true)
		if err != nil {
			d.peers.MarkBad(peer.ID())
			lastErr = fmt.Errorf("%w: %v", ErrTimeout, err)
			continue
		}
		if len(headers) == 0 {
			d.peers.MarkBad(peer.ID())
			lastErr = ErrRequestError
			continue
		}
		return headers, peer.ID(), nil
	}
}

// flushReady emits every contiguous run starting at want that is present in
// the reorder buffer, in batches of at most d.batchSize, without requiring
// the whole gap to be filled yet.
func (d *HeaderDownloader) flushReady(out chan<- []*types.Header, want uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked(out, &want)
}

func (d *HeaderDownloader) flush(out chan<- []*types.Header, want uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked(out, &want)
}

// flushLocked must hold d.mu. It emits every contiguous run of headers
// starting at *want found in the reorder buffer, stopping at the first gap.
func (d *HeaderDownloader) flushLocked(out chan<- []*types.Header, want *uint64) bool {
	var batch []*types.Header
	flushed := false
	for {
		h, ok := d.pending[*want]
		if !ok {
			break
		}
		batch = append(batch, h)
		delete(d.pending, *want)
		*want++
		if len(batch) == d.batchSize {
			out <- batch
			batch = nil
			flushed = true
		}
	}
	if len(batch) > 0 {
		out <- batch
		flushed = true
	}
	return flushed
}
