package stages

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sandakersmann/gosync/consensus"
	"github.com/sandakersmann/gosync/downloader"
	"github.com/sandakersmann/gosync/rawdb"
)

// BodiesConfig mirrors original_source's BodiesConfig defaults.
type BodiesConfig struct {
	DownloaderRequestLimit         uint64
	DownloaderStreamBatchSize      int
	DownloaderMaxBufferedResponses int
	DownloaderMinConcurrent        int
	DownloaderMaxConcurrent        int
}

func DefaultBodiesConfig() BodiesConfig {
	return BodiesConfig{
		DownloaderRequestLimit:         200,
		DownloaderStreamBatchSize:      10_000,
		DownloaderMaxBufferedResponses: 30_000,
		DownloaderMinConcurrent:        5,
		DownloaderMaxConcurrent:        100,
	}
}

// BodiesStage requests a body per new canonical header from the body
// downloader, assigns it a dense tx_id range, and advances
// BlockTransitionIndex by tx_count plus one more if the block still
// carries a PoW block reward, per spec §4.4.
type BodiesStage struct {
	cfg        BodiesConfig
	downloader *downloader.BodyDownloader
	validator  consensus.Validator
}

func NewBodiesStage(cfg BodiesConfig, dl *downloader.BodyDownloader, validator consensus.Validator) *BodiesStage {
	return &BodiesStage{cfg: cfg, downloader: dl, validator: validator}
}

func (s *BodiesStage) ID() ID { return Bodies }

func (s *BodiesStage) Execute(ctx context.Context, tx *rawdb.Tx, input ExecInput) (ExecOutput, error) {
	from, to, done := ExecOrReturn(input, uint64(s.cfg.DownloaderStreamBatchSize))
	if from == to && done {
		return ExecOutput{StageProgress: input.StageProgress, Done: true}, nil
	}

	batches, errc := s.downloader.Run(ctx, from+1, to)
	progress := from
	for batch := range batches {
		hash, ok, err := tx.ReadCanonicalHash(batch.From)
		if err != nil {
			return ExecOutput{}, fmt.Errorf("bodies: read canonical %d: %w", batch.From, err)
		}
		if !ok {
			return ExecOutput{}, fmt.Errorf("%w: canonical hash missing at %d", ErrDatabaseIntegrity, batch.From)
		}
		if err := s.writeBody(tx, batch.From, hash, batch.Bodies[0]); err != nil {
			return ExecOutput{}, err
		}
		progress = batch.From
	}
	if err := <-errc; err != nil {
		return ExecOutput{}, fmt.Errorf("bodies: downloader: %w", err)
	}
	return ExecOutput{StageProgress: progress, Done: done}, nil
}

// writeBody assigns the dense tx_id range for this block starting at the
// previous block's cursor (spec §4.4, §9 "Dense id spaces"), persists the
// transactions and ommers, and advances BlockTransitionIndex by tx_count
// plus one more transition for the block reward, unless TTD has already
// been crossed at this block's total difficulty.
func (s *BodiesStage) writeBody(tx *rawdb.Tx, number uint64, hash [32]byte, body *types.Body) error {
	var prevMeta rawdb.BodyMeta
	var prevTransition uint64
	if number > 0 {
		prevHash, ok, err := tx.ReadCanonicalHash(number - 1)
		if err != nil {
			return fmt.Errorf("bodies: read prev canonical %d: %w", number-1, err)
		}
		if ok {
			if meta, ok, err := tx.ReadBodyMeta(number-1, prevHash); err != nil {
				return fmt.Errorf("bodies: read prev body meta: %w", err)
			} else if ok {
				prevMeta = meta
			}
			if t, ok, err := tx.ReadBlockTransition(number - 1); err != nil {
				return fmt.Errorf("bodies: read prev transition: %w", err)
			} else if ok {
				prevTransition = t
			}
		}
	}
	startTxID := rawdb.NextTxID(prevMeta)
	txCount := uint64(len(body.Transactions))

	for i, stx := range body.Transactions {
		txID := startTxID + uint64(i)
		if err := tx.WriteTransaction(txID, stx); err != nil {
			return fmt.Errorf("bodies: write tx %d: %w", txID, err)
		}
		// TxTransitionIndex holds the transition id in effect when this
		// transaction is applied, i.e. the running count before this tx's
		// own transition is consumed (original_source's insert_block:
		// put(TxTransitionIndex, current_tx_id, transition_id) then
		// transition_id += 1).
		if err := tx.WriteTxTransition(txID, prevTransition+uint64(i)); err != nil {
			return fmt.Errorf("bodies: write tx transition %d: %w", txID, err)
		}
	}
	if err := tx.WriteOmmers(number, hash, body.Uncles); err != nil {
		return fmt.Errorf("bodies: write ommers %d: %w", number, err)
	}
	if err := tx.WriteBodyMeta(number, hash, rawdb.BodyMeta{StartTxID: startTxID, TxCount: txCount}); err != nil {
		return fmt.Errorf("bodies: write body meta %d: %w", number, err)
	}

	td, ok, err := tx.ReadHeaderTD(number, hash)
	if err != nil {
		return fmt.Errorf("bodies: read td %d: %w", number, err)
	}
	if !ok {
		return fmt.Errorf("%w: total difficulty missing at %d (run the TotalDifficulty stage first)", ErrDatabaseIntegrity, number)
	}
	newTransition := prevTransition + txCount
	if s.validator.HasBlockReward(td) {
		newTransition++
	}
	if err := tx.WriteBlockTransition(number, newTransition); err != nil {
		return fmt.Errorf("bodies: write block transition %d: %w", number, err)
	}
	return nil
}

func (s *BodiesStage) Unwind(ctx context.Context, tx *rawdb.Tx, input UnwindInput) (UnwindOutput, error) {
	for n := input.UnwindTo + 1; ; n++ {
		hash, ok, err := tx.ReadCanonicalHash(n)
		if err != nil {
			return UnwindOutput{}, fmt.Errorf("bodies: unwind read canonical %d: %w", n, err)
		}
		if !ok {
			break
		}
		if err := tx.DeleteBodyMeta(n, hash); err != nil {
			return UnwindOutput{}, fmt.Errorf("bodies: unwind delete body meta %d: %w", n, err)
		}
		if err := tx.DeleteOmmers(n, hash); err != nil {
			return UnwindOutput{}, fmt.Errorf("bodies: unwind delete ommers %d: %w", n, err)
		}
	}
	return UnwindOutput{StageProgress: input.UnwindTo}, nil
}

var _ Stage = (*BodiesStage)(nil)
