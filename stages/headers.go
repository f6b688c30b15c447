package stages

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/sandakersmann/gosync/consensus"
	"github.com/sandakersmann/gosync/downloader"
	"github.com/sandakersmann/gosync/rawdb"
)

// HeadersConfig mirrors original_source's HeadersConfig
// (crates/staged-sync/src/config.rs) defaults.
type HeadersConfig struct {
	CommitThreshold     uint64
	DownloaderBatchSize uint64
	DownloaderRetries   int
}

func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{CommitThreshold: 10_000, DownloaderBatchSize: 1000, DownloaderRetries: 5}
}

// HeadersStage drains the header downloader's ascending batch stream into
// Headers/CanonicalHeaders/HeaderNumbers, per spec §4.4.
type HeadersStage struct {
	cfg        HeadersConfig
	downloader *downloader.HeaderDownloader
	validator  consensus.Validator

	// run state, kept across Execute calls so a single downloader.Run
	// spans however many commit-bounded Execute invocations it takes to
	// drain it (spec's "done=false means call me again").
	batches <-chan []*types.Header
	errc    <-chan error
	started bool
	done    bool
}

func NewHeadersStage(cfg HeadersConfig, dl *downloader.HeaderDownloader, validator consensus.Validator) *HeadersStage {
	return &HeadersStage{cfg: cfg, downloader: dl, validator: validator}
}

func (s *HeadersStage) ID() ID { return Headers }

func (s *HeadersStage) Execute(ctx context.Context, tx *rawdb.Tx, input ExecInput) (ExecOutput, error) {
	if s.done {
		return ExecOutput{StageProgress: input.StageProgress, Done: true}, nil
	}
	if !s.started {
		tip := s.validator.ForkchoiceState().Current().HeadBlockHash
		s.downloader.SetTip(tip)
		local := downloader.LocalHead{Number: input.StageProgress}
		if input.StageProgress > 0 {
			hash, ok, err := tx.ReadCanonicalHash(input.StageProgress)
			if err != nil {
				return ExecOutput{}, fmt.Errorf("headers: read local head: %w", err)
			}
			if !ok {
				return ExecOutput{}, fmt.Errorf("%w: canonical hash missing at %d", ErrDatabaseIntegrity, input.StageProgress)
			}
			local.Hash = hash
		}
		s.batches, s.errc = s.downloader.Run(ctx, local)
		s.started = true
	}

	progress := input.StageProgress
	written := uint64(0)
	for written < s.cfg.CommitThreshold {
		select {
		case batch, ok := <-s.batches:
			if !ok {
				if err := <-s.errc; err != nil {
					s.started = false
					return ExecOutput{}, fmt.Errorf("headers: downloader: %w", err)
				}
				s.done = true
				return ExecOutput{StageProgress: progress, Done: true}, nil
			}
			for _, header := range batch {
				if err := writeHeader(tx, header); err != nil {
					return ExecOutput{}, err
				}
				progress = header.Number.Uint64()
				written++
			}
		case <-ctx.Done():
			return ExecOutput{}, ctx.Err()
		}
	}
	log.Info("headers stage committing", "progress", progress, "written", written)
	return ExecOutput{StageProgress: progress, Done: false}, nil
}

func writeHeader(tx *rawdb.Tx, header *types.Header) error {
	if err := tx.WriteHeader(header); err != nil {
		return fmt.Errorf("headers: write header %d: %w", header.Number, err)
	}
	if err := tx.WriteCanonicalHash(header.Number.Uint64(), header.Hash()); err != nil {
		return fmt.Errorf("headers: write canonical hash %d: %w", header.Number, err)
	}
	return nil
}

// Unwind removes Headers/CanonicalHeaders/HeaderNumbers entries above the
// target. It does not check whether later stages are still ahead of the
// target; the pipeline driver unwinds later stages first (it walks stages
// backwards), and this method trusts its caller.
func (s *HeadersStage) Unwind(ctx context.Context, tx *rawdb.Tx, input UnwindInput) (UnwindOutput, error) {
	for n := input.UnwindTo + 1; ; n++ {
		hash, ok, err := tx.ReadCanonicalHash(n)
		if err != nil {
			return UnwindOutput{}, fmt.Errorf("headers: unwind read canonical %d: %w", n, err)
		}
		if !ok {
			break
		}
		if err := tx.DeleteHeader(n, hash); err != nil {
			return UnwindOutput{}, fmt.Errorf("headers: unwind delete header %d: %w", n, err)
		}
		if err := tx.DeleteCanonicalHash(n); err != nil {
			return UnwindOutput{}, fmt.Errorf("headers: unwind delete canonical %d: %w", n, err)
		}
	}
	s.started = false
	s.done = false
	return UnwindOutput{StageProgress: input.UnwindTo}, nil
}

var _ Stage = (*HeadersStage)(nil)
