package downloader

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
)

// HeaderSource resolves headers already on disk by number, the range the
// body downloader requests bodies for (spec §4.3: "given a contiguous range
// of headers already on disk").
type HeaderSource interface {
	HeaderByNumber(number uint64) (*types.Header, bool)
}

// BodyDownloader implements spec §4.3: forward-order body fetching with
// bounded in-flight concurrency, a bounded response buffer for backpressure,
// and reordering to a contiguous ascending prefix. Grounded on the
// teacher's eth/downloader queue (minConcurrent/maxConcurrent in-flight
// request bookkeeping), simplified to the single-resource-type case this
// module needs (bodies only, no receipts).
type BodyDownloader struct {
	peers   *PeerSet
	headers HeaderSource

	// minConcurrent is the floor on in-flight requests spec §4.3 asks for
	// ("maintain between min_concurrent_requests and
	// max_concurrent_requests"). The dispatch loop in run already acquires
	// a semaphore slot as soon as one frees up, so concurrency sits at
	// maxConcurrent whenever the job backlog allows it — minConcurrent's
	// job is making sure that ceiling can never be configured below the
	// floor, which would silently starve concurrency instead of enforcing
	// it. See NewBodyDownloader.
	minConcurrent int
	maxConcurrent int
	requestLimit  int
	maxBuffered   int
}

// NewBodyDownloader clamps maxConcurrent up to minConcurrent if the two are
// misconfigured in the wrong order, so the min..max band spec §4.3
// describes always holds once the downloader starts dispatching jobs.
func NewBodyDownloader(peers *PeerSet, headers HeaderSource, minConcurrent, maxConcurrent, requestLimit, maxBuffered int) *BodyDownloader {
	if minConcurrent < 1 {
		minConcurrent = 1
	}
	if maxConcurrent < minConcurrent {
		maxConcurrent = minConcurrent
	}
	return &BodyDownloader{
		peers:         peers,
		headers:       headers,
		minConcurrent: minConcurrent,
		maxConcurrent: maxConcurrent,
		requestLimit:  requestLimit,
		maxBuffered:   maxBuffered,
	}
}

// BodyBatch is one ascending-ordered chunk of bodies, number-aligned with
// its headers.
type BodyBatch struct {
	From, To uint64 // inclusive
	Bodies   []*types.Body
}

// Run fetches bodies for [from, to] (inclusive), emitting ascending
// contiguous batches on the returned channel. Empty-body headers (empty
// transaction list and no ommers) are synthesized locally without a
// request, per spec §4.3.
func (d *BodyDownloader) Run(ctx context.Context, from, to uint64) (<-chan BodyBatch, <-chan error) {
	out := make(chan BodyBatch)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		if err := d.run(ctx, from, to, out); err != nil {
			errc <- err
		}
		close(errc)
	}()
	return out, errc
}

func (d *BodyDownloader) run(ctx context.Context, from, to uint64, out chan<- BodyBatch) error {
	var jobs []job
	var hashes []common.Hash
	var nums []uint64
	flushJob := func() {
		if len(hashes) == 0 {
			return
		}
		jobs = append(jobs, job{hashes: hashes, nums: nums})
		hashes, nums = nil, nil
	}
	for n := from; n <= to; n++ {
		header, ok := d.headers.HeaderByNumber(n)
		if !ok {
			return fmt.Errorf("%w: header %d missing from disk", ErrBodyValidation, n)
		}
		if isEmptyBody(header) {
			continue
		}
		hashes = append(hashes, header.Hash())
		nums = append(nums, n)
		if len(hashes) == d.requestLimit {
			flushJob()
		}
	}
	flushJob()

	pending := make(map[uint64]*types.Body)
	resultCh := make(chan result, d.maxBuffered)

	var wg sync.WaitGroup
	sem := make(chan struct{}, d.maxConcurrent)
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, j := range jobs {
		select {
		case <-jobCtx.Done():
		case sem <- struct{}{}:
			wg.Add(1)
			go func(j job) {
				defer wg.Done()
				defer func() { <-sem }()
				d.fetchOne(jobCtx, j.hashes, j.nums, resultCh)
			}(j)
		}
	}
	go func() { wg.Wait(); close(resultCh) }()

	want := from
	tryFlush := func() (bool, error) {
		for want <= to {
			header, ok := d.headers.HeaderByNumber(want)
			if !ok {
				return false, nil
			}
			var body *types.Body
			if isEmptyBody(header) {
				body = &types.Body{}
			} else if b, ok := pending[want]; ok {
				body = b
				delete(pending, want)
			} else {
				return false, nil
			}
			select {
			case out <- BodyBatch{From: want, To: want, Bodies: []*types.Body{body}}:
			case <-ctx.Done():
				return false, ErrCanceled
			}
			want++
		}
		return true, nil
	}

	if done, err := tryFlush(); done || err != nil {
		return err
	}
	for res := range resultCh {
		if res.err != nil {
			cancel()
			return res.err
		}
		for i, n := range res.job.nums {
			pending[n] = res.bodies[i]
		}
		if done, err := tryFlush(); done || err != nil {
			return err
		}
	}
	if want <= to {
		return ErrStuckPrefix
	}
	return nil
}

func (d *BodyDownloader) fetchOne(ctx context.Context, hashes []common.Hash, nums []uint64, out chan<- result) {
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		peer, ok := d.peers.Pick()
		if !ok {
			out <- result{err: fmt.Errorf("%w: %v", ErrPeersExhausted, lastErr)}
			return
		}
		bodies, err := peer.RequestBodies(hashes)
		if err != nil || len(bodies) != len(hashes) {
			d.peers.MarkBad(peer.ID())
			lastErr = ErrTimeout
			continue
		}
		if err := d.validateBodies(nums, bodies); err != nil {
			d.peers.MarkBad(peer.ID())
			lastErr = err
			continue
		}
		out <- result{job: job{hashes: hashes, nums: nums}, bodies: bodies, peer: peer.ID()}
		return
	}
}

// validateBodies recomputes transactions_root and ommers_hash for each body
// and compares against the header already on disk, per spec §4.3.
func (d *BodyDownloader) validateBodies(nums []uint64, bodies []*types.Body) error {
	for i, n := range nums {
		header, ok := d.headers.HeaderByNumber(n)
		if !ok {
			return fmt.Errorf("%w: header %d vanished mid-validation", ErrBodyValidation, n)
		}
		body := bodies[i]
		gotTxRoot := types.DeriveSha(types.Transactions(body.Transactions), trie.NewStackTrie(nil))
		if gotTxRoot != header.TxHash {
			return fmt.Errorf("%w: block %d transactions-root mismatch", ErrBodyValidation, n)
		}
		gotOmmers := types.CalcUncleHash(body.Uncles)
		if gotOmmers != header.UncleHash {
			return fmt.Errorf("%w: block %d ommers-hash mismatch", ErrBodyValidation, n)
		}
	}
	return nil
}

func isEmptyBody(header *types.Header) bool {
	return header.TxHash == types.EmptyRootHash && header.UncleHash == types.EmptyUncleHash
}

type job struct {
	hashes []common.Hash
	nums   []uint64
}

type result struct {
	job    job
	bodies []*types.Body
	peer   string
	err    error
}
