package stages

import (
	"context"

	"github.com/sandakersmann/gosync/rawdb"
)

// ExecutionConfig mirrors original_source's ExecutionConfig default
// (commit_threshold: 5_000).
type ExecutionConfig struct {
	CommitThreshold uint64
}

func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{CommitThreshold: 5_000}
}

// Executor replays the transactions of a committed block range against
// state, producing (and, on unwind, reversing) state deltas. Spec §4.4
// explicitly places EVM semantics outside this spec's depth; this
// interface is the seam a real executor (e.g. github.com/ethereum/go-ethereum/core/vm,
// via core.StateProcessor) would be wired in behind. ExecutionStage itself
// only owns checkpointing and the exec_or_return contract — not executing.
type Executor interface {
	ExecuteRange(ctx context.Context, tx *rawdb.Tx, from, to uint64) error
	UnwindRange(ctx context.Context, tx *rawdb.Tx, to uint64) error
}

// ExecutionStage has the same execute/unwind/checkpoint shape as every
// other stage; per spec §4.4 its actual transaction-replay semantics are
// out of scope and delegated to an Executor implementation supplied by the
// caller.
type ExecutionStage struct {
	cfg      ExecutionConfig
	executor Executor
}

func NewExecutionStage(cfg ExecutionConfig, executor Executor) *ExecutionStage {
	return &ExecutionStage{cfg: cfg, executor: executor}
}

func (s *ExecutionStage) ID() ID { return Execution }

func (s *ExecutionStage) Execute(ctx context.Context, tx *rawdb.Tx, input ExecInput) (ExecOutput, error) {
	from, to, done := ExecOrReturn(input, s.cfg.CommitThreshold)
	if from == to && done {
		return ExecOutput{StageProgress: input.StageProgress, Done: true}, nil
	}
	if err := s.executor.ExecuteRange(ctx, tx, from, to); err != nil {
		return ExecOutput{}, err
	}
	return ExecOutput{StageProgress: to, Done: done}, nil
}

func (s *ExecutionStage) Unwind(ctx context.Context, tx *rawdb.Tx, input UnwindInput) (UnwindOutput, error) {
	if err := s.executor.UnwindRange(ctx, tx, input.UnwindTo); err != nil {
		return UnwindOutput{}, err
	}
	return UnwindOutput{StageProgress: input.UnwindTo}, nil
}

var _ Stage = (*ExecutionStage)(nil)
