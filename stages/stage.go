// Package stages implements the stage framework and concrete stages of
// spec §4.4: a stable-identifier Stage with execute/unwind operations run
// under a write transaction the pipeline driver owns.
package stages

import (
	"context"
	"errors"
	"strconv"

	"github.com/sandakersmann/gosync/rawdb"
)

// ID names a stage. Stable across restarts since it keys StageCheckpoints.
type ID string

const (
	Headers        ID = "Headers"
	TotalDiff      ID = "TotalDifficulty"
	Bodies         ID = "Bodies"
	SenderRecovery ID = "SenderRecovery"
	Execution      ID = "Execution"
)

// ExecInput carries the previous stage's progress and this stage's own
// last-committed progress (0 if never run).
type ExecInput struct {
	PreviousStageProgress uint64
	StageProgress         uint64
}

// ExecOutput carries the stage's new progress and whether it needs to be
// called again before the pipeline advances (spec §4.4 "exec_or_return").
type ExecOutput struct {
	StageProgress uint64
	Done          bool
}

// UnwindReason is structured data naming why a stage is being unwound
// (spec §3 "Unwind input"), rather than a bare string, so that logging and
// metrics can switch on it instead of string-matching.
type UnwindReason string

const (
	BadBlock        UnwindReason = "bad block"
	ForkchoiceReorg UnwindReason = "forkchoice reorg"
	OperatorCommand UnwindReason = "operator command"
)

// UnwindInput names a target block number strictly below the stage's
// current progress, with the reason it's being unwound.
type UnwindInput struct {
	UnwindTo uint64
	Reason   UnwindReason
}

type UnwindOutput struct {
	StageProgress uint64
}

// ErrUnwind is returned by Execute to request an unwind to Target. The
// pipeline driver, not the stage itself, walks the other stages backwards.
type ErrUnwind struct {
	Target uint64
	Reason UnwindReason
}

func (e *ErrUnwind) Error() string {
	return "stage requested unwind to " + strconv.FormatUint(e.Target, 10) + ": " + string(e.Reason)
}

var ErrDatabaseIntegrity = errors.New("stages: database integrity violation")

// Stage is one step of the pipeline. Execute and Unwind both run under a
// write transaction owned by the pipeline; committing and reopening it is
// the pipeline's responsibility, not the stage's.
type Stage interface {
	ID() ID
	Execute(ctx context.Context, tx *rawdb.Tx, input ExecInput) (ExecOutput, error)
	Unwind(ctx context.Context, tx *rawdb.Tx, input UnwindInput) (UnwindOutput, error)
}

// ExecOrReturn implements spec §4.4's shared contract: if the previous
// stage hasn't progressed past this stage's own progress, return
// immediately with done=true. Otherwise process
// (stageProgress, min(previousStageProgress, stageProgress+commitThreshold)]
// and report done=true only when that range reaches previousStageProgress,
// i.e. when the commit threshold did not cut it short.
func ExecOrReturn(input ExecInput, commitThreshold uint64) (from, to uint64, done bool) {
	if input.PreviousStageProgress <= input.StageProgress {
		return input.StageProgress, input.StageProgress, true
	}
	capped := input.StageProgress + commitThreshold
	to = input.PreviousStageProgress
	if capped < to {
		to = capped
	}
	return input.StageProgress, to, to == input.PreviousStageProgress
}
