package consensus

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// Validator is the stateless header/block check surface gated on a
// forkchoice tip, as described in spec §4.1. Implementations hold no
// mutable state beyond their forkchoice subscription.
type Validator interface {
	// PreValidateHeader performs the standalone and parent-relative
	// checks that don't require knowing total difficulty.
	PreValidateHeader(header, parent *types.Header) error

	// ValidateHeaderWithTD additionally checks the PoW-to-PoS transition
	// invariants once totalDifficulty crosses the configured terminal
	// total difficulty.
	ValidateHeaderWithTD(header *types.Header, totalDifficulty *big.Int) error

	// PreValidateBlock reconciles a sealed block's transactions-root and
	// ommers-hash against what its header commits to.
	PreValidateBlock(block *types.Block) error

	// HasBlockReward reports whether a block at the given cumulative
	// difficulty still carries a PoW block reward (false once the
	// terminal total difficulty has been crossed).
	HasBlockReward(totalDifficulty *big.Int) bool

	// ForkchoiceState hands back a read subscription to the broadcast
	// forkchoice channel.
	ForkchoiceState() *ForkchoiceSubscription
}
