// Package pipeline implements the pipeline driver of spec §4.4: a
// single-threaded cooperative loop that drives an ordered list of stages
// forward, commits after each bounded Execute call, and interprets a
// stage's unwind request by walking earlier stages backwards before
// resuming. It also owns the sync-state signal of spec §4.5.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/sandakersmann/gosync/rawdb"
	"github.com/sandakersmann/gosync/stages"
)

// unboundedPreviousProgress is the ExecInput.PreviousStageProgress value
// fed to the first stage in the pipeline (Headers): unlike every other
// stage, Headers isn't gated by a sibling stage's committed progress, it's
// gated by its own downloader reaching the forkchoice tip, so there is no
// finite "previous progress" to cap it at. Using the max uint64 value lets
// ExecOrReturn's cap-at-min logic fall through to whatever bound the stage
// enforces itself.
const unboundedPreviousProgress = ^uint64(0)

// Pipeline holds an ordered list of stages and drives them forward,
// per spec §4.4's pipeline driver. A Pipeline instance is not safe for
// concurrent Run/Loop calls — only one forward pass may be in flight at a
// time, matching spec §3's "Ownership" (one pipeline run holds exclusive
// write access to the database).
type Pipeline struct {
	db       *rawdb.Database
	stages   []stages.Stage
	maxBlock uint64 // 0 means unbounded, per spec §6 "import implies max-block=0"

	syncState *SyncStateBroadcaster
	bus       *eventBus
}

// New builds a Pipeline over stageList, run in the given order. maxBlock
// of 0 means no cutoff.
func New(db *rawdb.Database, stageList []stages.Stage, syncState *SyncStateBroadcaster, maxBlock uint64) *Pipeline {
	return &Pipeline{
		db:        db,
		stages:    stageList,
		maxBlock:  maxBlock,
		syncState: syncState,
		bus:       newEventBus(),
	}
}

// Events returns the pipeline's event stream (spec §4.4). The driver never
// logs directly; consumers of this channel derive human-readable status.
func (p *Pipeline) Events() <-chan Event { return p.bus.ch }

// Run drives every stage forward exactly once each, in order, committing
// after every bounded Execute call and cascading any unwind request a
// stage raises, until either every stage reports done=true with no more
// work, the configured max block is reached, or ctx is canceled. It
// publishes Downloading{target} on the sync-state signal at the start and
// Synced on clean completion; callers that cancel ctx are responsible for
// publishing Idle (see Loop).
func (p *Pipeline) Run(ctx context.Context, tip common.Hash) error {
	if p.syncState != nil {
		p.syncState.Set(SyncState{Phase: Downloading, Target: tip})
	}

	idx := 0
	for idx < len(p.stages) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		stage := p.stages[idx]
		progress, done, err := p.step(ctx, idx)
		if err != nil {
			var unwind *stages.ErrUnwind
			if errors.As(err, &unwind) {
				resumeIdx, uerr := p.unwindCascade(ctx, idx, unwind.Target, unwind.Reason)
				if uerr != nil {
					return fmt.Errorf("pipeline: unwind to %d: %w", unwind.Target, uerr)
				}
				idx = resumeIdx
				continue
			}
			return fmt.Errorf("pipeline: stage %s: %w", stage.ID(), err)
		}
		if p.maxBlock != 0 && progress >= p.maxBlock {
			if p.syncState != nil {
				p.syncState.Set(SyncState{Phase: Synced, Target: tip})
			}
			return nil
		}
		if !done {
			continue
		}
		idx++
	}

	if p.syncState != nil {
		p.syncState.Set(SyncState{Phase: Synced, Target: tip})
	}
	return nil
}

// step runs one bounded Execute call of stages[idx] under its own write
// transaction, committing the new progress on success. It reports whether
// the stage is done (caught up to its previous-stage bound) and the error
// observed (which may be an *stages.ErrUnwind for the caller to cascade).
func (p *Pipeline) step(ctx context.Context, idx int) (progress uint64, done bool, err error) {
	stage := p.stages[idx]

	tx, err := p.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("begin transaction: %w", err)
	}

	stageProgress, err := tx.ReadStageProgress(string(stage.ID()))
	if err != nil {
		tx.Discard()
		return 0, false, fmt.Errorf("read progress for %s: %w", stage.ID(), err)
	}
	prevProgress := unboundedPreviousProgress
	if idx > 0 {
		prevProgress, err = tx.ReadStageProgress(string(p.stages[idx-1].ID()))
		if err != nil {
			tx.Discard()
			return 0, false, fmt.Errorf("read progress for %s: %w", p.stages[idx-1].ID(), err)
		}
	}

	input := stages.ExecInput{PreviousStageProgress: prevProgress, StageProgress: stageProgress}
	p.bus.emit(Event{Kind: EventRunning, Stage: stage.ID(), From: stageProgress})

	out, err := stage.Execute(ctx, tx, input)
	if err != nil {
		tx.Discard()
		return 0, false, err
	}
	if err := tx.WriteStageProgress(string(stage.ID()), out.StageProgress); err != nil {
		tx.Discard()
		return 0, false, fmt.Errorf("write progress for %s: %w", stage.ID(), err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit %s: %w", stage.ID(), err)
	}
	p.bus.emit(Event{Kind: EventRan, Stage: stage.ID(), Result: out})
	return out.StageProgress, out.Done, nil
}

// unwindCascade walks backwards from stages[fromIdx] to stages[0],
// invoking Unwind(target) on every stage whose committed progress exceeds
// target, committing after each, per spec §4.4 step 4. It returns the
// index of the earliest stage it unwound, which is where the forward loop
// resumes; if no stage needed unwinding (target already satisfied
// everywhere) it returns fromIdx unchanged.
func (p *Pipeline) unwindCascade(ctx context.Context, fromIdx int, target uint64, reason stages.UnwindReason) (resumeIdx int, err error) {
	resumeIdx = fromIdx
	for i := fromIdx; i >= 0; i-- {
		stage := p.stages[i]
		tx, err := p.db.Begin()
		if err != nil {
			return 0, fmt.Errorf("begin unwind transaction: %w", err)
		}
		progress, err := tx.ReadStageProgress(string(stage.ID()))
		if err != nil {
			tx.Discard()
			return 0, fmt.Errorf("read progress for %s: %w", stage.ID(), err)
		}
		if progress <= target {
			tx.Discard()
			continue
		}

		p.bus.emit(Event{Kind: EventUnwinding, Stage: stage.ID(), UnwindTarget: target, UnwindReason: reason})
		out, err := stage.Unwind(ctx, tx, stages.UnwindInput{UnwindTo: target, Reason: reason})
		if err != nil {
			tx.Discard()
			return 0, fmt.Errorf("unwind %s: %w", stage.ID(), err)
		}
		if err := tx.WriteStageProgress(string(stage.ID()), out.StageProgress); err != nil {
			tx.Discard()
			return 0, fmt.Errorf("write unwound progress for %s: %w", stage.ID(), err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit unwind %s: %w", stage.ID(), err)
		}
		resumeIdx = i
	}
	return resumeIdx, nil
}

// Loop runs Run repeatedly, recovering from non-fatal errors with a
// backoff sleep instead of propagating them, honoring loopMinTime as a
// floor between iterations, and returning cleanly on context cancellation
// or once a run completes with the max-block cutoff reached. Grounded on
// the erigon turbo/stages StageLoop reference (see DESIGN.md) — this
// detail is absent from spec.md itself but is what makes the pipeline
// usable as a long-running node component rather than a one-shot call
// (SPEC_FULL.md supplement 4).
func (p *Pipeline) Loop(ctx context.Context, tipSource func() common.Hash, loopMinTime time.Duration) error {
	if p.syncState != nil {
		defer p.syncState.Set(SyncState{Phase: Idle})
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		start := time.Now()
		tip := tipSource()
		err := p.Run(ctx, tip)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error("pipeline run failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		if p.maxBlock != 0 {
			return nil
		}

		if loopMinTime > 0 {
			wait := loopMinTime - time.Since(start)
			if wait > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
		}
	}
}
