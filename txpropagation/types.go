// Package txpropagation implements the transaction-propagation manager of
// spec §4.5: it gates gossip import/forwarding on the pipeline's
// sync-state signal and otherwise behaves like the teacher's
// eth/fetcher.TxFetcher / eth handler transaction-broadcast path (see
// DESIGN.md for the exact files this is grounded on).
package txpropagation

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Peer is the manager's view of a connected session: send-side operations
// for full transaction bodies and hash-only announcements, used by the
// propagation policy (spec §4.5).
type Peer interface {
	ID() string
	SendTransactions(txs types.Transactions) error
	SendPooledTransactionHashes(hashes []common.Hash) error
	// RequestTransactions issues a GetPooledTransactions request for the
	// given hashes, blocking until the peer replies or the request fails.
	// Called from a background goroutine, never from the manager's event
	// loop directly, so a slow peer can't stall message processing.
	RequestTransactions(hashes []common.Hash) (types.Transactions, error)
}

// Pool is the local transaction pool surface the manager needs: adding
// remotely-received transactions, and reading pending ones to gossip.
// Transaction-pool ordering policy itself is out of this spec's scope
// (spec §1 Non-goals); this interface only needs enough surface to push
// transactions in and read them back out.
type Pool interface {
	AddRemotes(txs types.Transactions) []error
	Pending() types.Transactions
	Get(hash common.Hash) *types.Transaction
}

// Reputation reports bad peer behavior to the network layer, which
// serializes updates (spec §5 "Shared resources").
type Reputation interface {
	ReportBad(peerID string, reason string)
}

// NetworkEvent carries peer session lifecycle, the first of the manager's
// four polled event sources (spec §5).
type NetworkEvent struct {
	Kind        NetworkEventKind
	PeerID      string
	Peer        Peer   // set for SessionEstablished
	CloseReason string // set for SessionClosed
}

type NetworkEventKind int

const (
	SessionEstablished NetworkEventKind = iota
	SessionClosed
)

// TransactionEvent carries wire-protocol transaction traffic, the third of
// the manager's polled event sources (spec §6 "Network event stream").
type TransactionEvent struct {
	Kind   TransactionEventKind
	PeerID string

	Transactions types.Transactions // IncomingTransactions
	Hashes       []common.Hash      // IncomingPooledTransactionHashes, GetPooledTransactions

	// Reply is set for GetPooledTransactions: the manager looks up Hashes
	// in the local pool and sends the found transactions back on Reply.
	Reply chan<- types.Transactions
}

type TransactionEventKind int

const (
	IncomingTransactions TransactionEventKind = iota
	IncomingPooledTransactionHashes
	GetPooledTransactions
)

// CommandKind discriminates the manager's command channel, the second of
// its polled event sources — used by collaborators outside the wire
// protocol (e.g. an RPC eth_sendRawTransaction handler) that need a
// locally-submitted transaction propagated immediately rather than
// waiting for the next pool-pending drain.
type CommandKind int

const (
	CommandPropagateLocal CommandKind = iota
)

type Command struct {
	Kind CommandKind
	Hash common.Hash
}
