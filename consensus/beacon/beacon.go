// Package beacon implements the beacon-gated consensus validator described
// in spec §4.1: a stateless header/block check surface that defers "what is
// the canonical chain" to an external consensus client's forkchoice tip,
// and otherwise only checks the things a single header or block can be
// checked for in isolation.
//
// It is grounded on original_source's crates/consensus/src/beacon/
// beacon_consensus.rs, translated from the watch-channel Rust idiom into
// the Go ForkchoiceBroadcaster in package consensus, and on the teacher's
// consensus/beacon test fixtures for naming and error conventions
// (consensus.ErrInvalidTerminalBlock, the mockChain-style ChainConfig
// plumbing).
package beacon

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/sandakersmann/gosync/consensus"
)

// emptyOmmerHash is keccak(rlp([])), the ommers hash every post-Merge
// header must carry (EIP-3675, spec §4.1).
var emptyOmmerHash = types.CalcUncleHash(nil)

// extraSeal is the length in bytes of the clique signature suffix appended
// to extra-data.
const extraSeal = crypto.SignatureLength // 65

// Validator is the beacon consensus engine described in spec §4.1. It is
// pure aside from the forkchoice broadcaster it was constructed with.
type Validator struct {
	config        *params.ChainConfig
	forkchoice    *consensus.ForkchoiceBroadcaster
	cliqueExtraFn func(header *types.Header) error // optional, set when clique rules apply
}

// New constructs a beacon Validator bound to config and fed forkchoice
// updates through broadcaster. broadcaster must not be nil; callers create
// one with consensus.NewForkchoiceBroadcaster and keep the Send side for
// themselves (the engine API handler, or file-import setup).
func New(config *params.ChainConfig, broadcaster *consensus.ForkchoiceBroadcaster) *Validator {
	v := &Validator{config: config, forkchoice: broadcaster}
	if config.Clique != nil {
		v.cliqueExtraFn = v.validateCliqueExtraData
	}
	return v
}

var _ consensus.Validator = (*Validator)(nil)

// PreValidateHeader implements consensus.Validator.
func (v *Validator) PreValidateHeader(header, parent *types.Header) error {
	if parent.Hash() != header.ParentHash {
		return consensus.NewHeaderInvalid(consensus.ErrUnknownAncestor)
	}
	if header.Number == nil || parent.Number == nil {
		return consensus.NewHeaderInvalid(consensus.ErrInvalidNumber)
	}
	if new(big.Int).Add(parent.Number, big.NewInt(1)).Cmp(header.Number) != 0 {
		return consensus.NewHeaderInvalid(consensus.ErrInvalidNumber)
	}
	if header.Time <= parent.Time {
		return consensus.NewHeaderInvalid(consensus.ErrOlderBlockTime)
	}
	if err := verifyGasLimit(header.GasLimit, parent.GasLimit); err != nil {
		return consensus.NewHeaderInvalid(err)
	}
	if v.config.IsLondon(header.Number) {
		if err := verifyBaseFee(v.config, header, parent); err != nil {
			return consensus.NewHeaderInvalid(err)
		}
	}
	if v.cliqueExtraFn != nil {
		if err := v.cliqueExtraFn(header); err != nil {
			return consensus.NewHeaderInvalid(err)
		}
	}
	return nil
}

// verifyGasLimit enforces the +-1/1024 per-block gas-limit delta band.
func verifyGasLimit(gasLimit, parentGasLimit uint64) error {
	limit := parentGasLimit / 1024
	if gasLimit > parentGasLimit && gasLimit-parentGasLimit >= limit {
		return consensus.ErrGasLimitTooHigh
	}
	if gasLimit < parentGasLimit && parentGasLimit-gasLimit >= limit {
		return consensus.ErrGasLimitTooLow
	}
	return nil
}

// verifyBaseFee recomputes the EIP-1559 base fee from the parent and
// compares it to what the header commits to.
func verifyBaseFee(config *params.ChainConfig, header, parent *types.Header) error {
	expected := calcBaseFee(config, parent)
	if header.BaseFee == nil {
		return consensus.ErrInvalidBaseFee
	}
	if header.BaseFee.Cmp(expected) != 0 {
		return consensus.ErrInvalidBaseFee
	}
	return nil
}

// calcBaseFee reproduces the EIP-1559 base fee formula. The London fork
// block itself seeds from params.InitialBaseFee; afterward it tracks
// parent gas usage against the parent gas target.
func calcBaseFee(config *params.ChainConfig, parent *types.Header) *big.Int {
	if !config.IsLondon(parent.Number) {
		return new(big.Int).SetUint64(params.InitialBaseFee)
	}
	parentGasTarget := parent.GasLimit / params.ElasticityMultiplier
	if parent.GasUsed == parentGasTarget {
		return new(big.Int).Set(parent.BaseFee)
	}

	var (
		num   = new(big.Int)
		denom = new(big.Int)
	)
	if parent.GasUsed > parentGasTarget {
		num.SetUint64(parent.GasUsed - parentGasTarget)
		num.Mul(num, parent.BaseFee)
		num.Div(num, denom.SetUint64(parentGasTarget))
		num.Div(num, denom.SetUint64(params.BaseFeeChangeDenominator))
		baseFeeDelta := math.BigMax(num, big.NewInt(1))
		return num.Add(parent.BaseFee, baseFeeDelta)
	}
	num.SetUint64(parentGasTarget - parent.GasUsed)
	num.Mul(num, parent.BaseFee)
	num.Div(num, denom.SetUint64(parentGasTarget))
	num.Div(num, denom.SetUint64(params.BaseFeeChangeDenominator))
	return math.BigMax(new(big.Int).Sub(parent.BaseFee, num), big.NewInt(0))
}

// ValidateHeaderWithTD implements consensus.Validator.
func (v *Validator) ValidateHeaderWithTD(header *types.Header, totalDifficulty *big.Int) error {
	ttd := v.config.TerminalTotalDifficulty
	if ttd == nil || totalDifficulty.Cmp(ttd) < 0 {
		// Pre-Merge proof-of-work header fields (difficulty, mix-hash,
		// nonce) are deliberately left unvalidated here: reverse sync
		// reaches them last and the operator-supplied tip is trusted for
		// now. See SPEC_FULL.md Open Questions (a).
		return nil
	}
	if header.Difficulty.Sign() != 0 {
		return consensus.ErrTheMergeDifficultyIsNotZero
	}
	if header.Nonce.Uint64() != 0 {
		return consensus.ErrTheMergeNonceIsNotZero
	}
	if header.UncleHash != emptyOmmerHash {
		return consensus.ErrTheMergeOmmerRootIsNotEmpty
	}
	return nil
}

// PreValidateBlock implements consensus.Validator.
func (v *Validator) PreValidateBlock(block *types.Block) error {
	if hash := types.DeriveSha(block.Transactions(), trie.NewStackTrie(nil)); hash != block.Header().TxHash {
		return consensus.ErrBodyRootMismatch
	}
	if hash := types.CalcUncleHash(block.Uncles()); hash != block.Header().UncleHash {
		return consensus.ErrOmmerHashMismatch
	}
	return nil
}

// HasBlockReward implements consensus.Validator.
func (v *Validator) HasBlockReward(totalDifficulty *big.Int) bool {
	ttd := v.config.TerminalTotalDifficulty
	return ttd == nil || totalDifficulty.Cmp(ttd) < 0
}

// ForkchoiceState implements consensus.Validator.
func (v *Validator) ForkchoiceState() *consensus.ForkchoiceSubscription {
	return v.forkchoice.Subscribe()
}

// validateCliqueExtraData enforces the configured clique extra-data length
// rule: vanity bytes plus an optional validator-set suffix, plus a trailing
// 65-byte seal.
func (v *Validator) validateCliqueExtraData(header *types.Header) error {
	const extraVanity = 32
	if len(header.Extra) < extraVanity+extraSeal {
		return consensus.ErrExtraDataTooLong
	}
	signersBytes := len(header.Extra) - extraVanity - extraSeal
	if header.Number.Uint64()%v.config.Clique.Epoch != 0 && signersBytes != 0 {
		return consensus.ErrExtraDataTooLong
	}
	if signersBytes%common.AddressLength != 0 {
		return consensus.ErrExtraDataTooLong
	}
	return nil
}

// EcrecoverSigner recovers the address that produced a clique header's
// seal: the last 65 bytes of extra_data are an ECDSA signature over the
// header's sealing hash (extra-data truncated before the signature). This
// is the auxiliary entry point named in spec §4.1, grounded on
// original_source's crates/consensus/src/clique/utils.rs.
func EcrecoverSigner(header *types.Header) (common.Address, error) {
	if len(header.Extra) < extraSeal {
		return common.Address{}, consensus.ErrMissingSignature
	}
	signature := header.Extra[len(header.Extra)-extraSeal:]

	pubkey, err := crypto.Ecrecover(sealHash(header).Bytes(), signature)
	if err != nil {
		log.Debug("clique signer recovery failed", "number", header.Number, "err", err)
		return common.Address{}, consensus.ErrHeaderSignerRecovery
	}
	var signer common.Address
	copy(signer[:], crypto.Keccak256(pubkey[1:])[12:])
	return signer, nil
}

// sealHash returns the hash of a header with the trailing clique seal
// stripped from extra-data, i.e. the hash the signature in EcrecoverSigner
// was computed over.
func sealHash(header *types.Header) common.Hash {
	stripped := types.CopyHeader(header)
	if len(stripped.Extra) >= extraSeal {
		stripped.Extra = stripped.Extra[:len(stripped.Extra)-extraSeal]
	}
	return stripped.Hash()
}
