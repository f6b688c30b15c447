package downloader

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Peer is the downloader's view of a remote session. Both the network
// layer's peer wrapper and FileClient (see fileclient.go, spec §6 "Block
// file import format") implement it, so a stage can be pointed at either
// without knowing the difference — exactly the role the teacher's
// lightPeer/fileClient duality plays in eth/downloader and eth/fetcher.
type Peer interface {
	ID() string

	// RequestHeaders fetches up to amount headers. If reverse is true the
	// request walks from origin toward genesis (used by the header
	// downloader, which always fetches in descending order per spec §4.2).
	RequestHeaders(origin common.Hash, amount int, reverse bool) ([]*types.Header, error)

	// RequestBodies fetches bodies for the given header hashes, in the
	// order requested.
	RequestBodies(hashes []common.Hash) ([]*types.Body, error)
}

// peerDropper marks a peer bad, dropping it from future selection. Nothing
// in this module uses it or noopDropper: the downloaders call
// PeerSet.MarkBad directly, for FileClient as for any other registered
// peer, so a FileClient marked bad is excluded from later picks.
type peerDropper interface {
	MarkBad(id string)
}

type noopDropper struct{}

func (noopDropper) MarkBad(string) {}

// PeerSet is a small round-robin pool of candidate peers, reputation-aware:
// a peer marked bad is excluded from future selection until explicitly
// re-added. Modeled on the teacher's eth/downloader peerSet, trimmed down
// to what the spec's retry policy needs (no throughput-based ranking —
// spec §4.2's failure policy only requires "retry against another peer").
type PeerSet struct {
	mu   sync.Mutex
	all  map[string]Peer
	bad  map[string]bool
	next []string // round-robin order
	pos  int
}

func NewPeerSet(peers ...Peer) *PeerSet {
	ps := &PeerSet{all: make(map[string]Peer), bad: make(map[string]bool)}
	for _, p := range peers {
		ps.Register(p)
	}
	return ps
}

func (ps *PeerSet) Register(p Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.all[p.ID()]; !exists {
		ps.next = append(ps.next, p.ID())
	}
	ps.all[p.ID()] = p
	delete(ps.bad, p.ID())
}

func (ps *PeerSet) MarkBad(id string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.bad[id] = true
}

// Pick returns the next live (non-bad) peer in round-robin order, or false
// if the set is exhausted.
func (ps *PeerSet) Pick() (Peer, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if len(ps.next) == 0 {
		return nil, false
	}
	for i := 0; i < len(ps.next); i++ {
		id := ps.next[ps.pos%len(ps.next)]
		ps.pos++
		if !ps.bad[id] {
			if p, ok := ps.all[id]; ok {
				return p, true
			}
		}
	}
	return nil, false
}
