package pipeline

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sandakersmann/gosync/rawdb"
	"github.com/sandakersmann/gosync/stages"
)

// stepStage advances its own progress by step each Execute call, capped at
// target, and reports done once it reaches target — enough to exercise the
// driver's commit-and-continue loop without a real downloader.
type stepStage struct {
	id     stages.ID
	target uint64
	step   uint64

	unwindToFn func(progress uint64) (uint64, *stages.ErrUnwind) // optional, checked once per Execute
	unwound    []uint64
}

func (s *stepStage) ID() stages.ID { return s.id }

func (s *stepStage) Execute(ctx context.Context, tx *rawdb.Tx, input stages.ExecInput) (stages.ExecOutput, error) {
	if s.unwindToFn != nil {
		if target, unwind := s.unwindToFn(input.StageProgress); unwind != nil {
			_ = target
			return stages.ExecOutput{}, unwind
		}
	}
	if input.StageProgress >= s.target {
		return stages.ExecOutput{StageProgress: input.StageProgress, Done: true}, nil
	}
	next := input.StageProgress + s.step
	done := next >= s.target
	if done {
		next = s.target
	}
	return stages.ExecOutput{StageProgress: next, Done: done}, nil
}

func (s *stepStage) Unwind(ctx context.Context, tx *rawdb.Tx, input stages.UnwindInput) (stages.UnwindOutput, error) {
	s.unwound = append(s.unwound, input.UnwindTo)
	return stages.UnwindOutput{StageProgress: input.UnwindTo}, nil
}

func newTestDB(t *testing.T) *rawdb.Database {
	t.Helper()
	db, err := rawdb.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPipelineRunsStagesInOrderAcrossCommits(t *testing.T) {
	db := newTestDB(t)
	a := &stepStage{id: stages.Headers, target: 20, step: 7}
	b := &stepStage{id: stages.TotalDiff, target: 20, step: 5}

	p := New(db, []stages.Stage{a, b}, nil, 0)
	if err := p.Run(context.Background(), common.Hash{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Discard()

	for _, id := range []stages.ID{stages.Headers, stages.TotalDiff} {
		progress, err := tx.ReadStageProgress(string(id))
		if err != nil {
			t.Fatalf("ReadStageProgress(%s): %v", id, err)
		}
		if progress != 20 {
			t.Fatalf("stage %s progress = %d, want 20", id, progress)
		}
	}
}

func TestPipelineStopsAtMaxBlock(t *testing.T) {
	db := newTestDB(t)
	a := &stepStage{id: stages.Headers, target: 100, step: 10}
	b := &stepStage{id: stages.TotalDiff, target: 100, step: 10}

	p := New(db, []stages.Stage{a, b}, nil, 30)
	if err := p.Run(context.Background(), common.Hash{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Discard()

	progress, err := tx.ReadStageProgress(string(stages.Headers))
	if err != nil {
		t.Fatalf("ReadStageProgress: %v", err)
	}
	if progress < 30 {
		t.Fatalf("headers progress = %d, want >= 30 (cutoff reached)", progress)
	}
	tdProgress, err := tx.ReadStageProgress(string(stages.TotalDiff))
	if err != nil {
		t.Fatalf("ReadStageProgress: %v", err)
	}
	if tdProgress != 0 {
		t.Fatalf("TotalDifficulty stage ran (%d) even though Headers alone hit the cutoff", tdProgress)
	}
}

func TestPipelineCascadesUnwindBackwardsThenResumesForward(t *testing.T) {
	db := newTestDB(t)
	headers := &stepStage{id: stages.Headers, target: 20, step: 20}
	td := &stepStage{id: stages.TotalDiff, target: 20, step: 20}

	triggered := false
	bodies := &stepStage{id: stages.Bodies, target: 20, step: 20}
	bodies.unwindToFn = func(progress uint64) (uint64, *stages.ErrUnwind) {
		if progress == 0 && !triggered {
			triggered = true
			return 10, &stages.ErrUnwind{Target: 10, Reason: stages.BadBlock}
		}
		return 0, nil
	}

	p := New(db, []stages.Stage{headers, td, bodies}, nil, 0)
	if err := p.Run(context.Background(), common.Hash{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(headers.unwound) != 1 || headers.unwound[0] != 10 {
		t.Fatalf("headers.unwound = %v, want [10]", headers.unwound)
	}
	if len(td.unwound) != 1 || td.unwound[0] != 10 {
		t.Fatalf("td.unwound = %v, want [10]", td.unwound)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Discard()
	for _, id := range []stages.ID{stages.Headers, stages.TotalDiff, stages.Bodies} {
		progress, err := tx.ReadStageProgress(string(id))
		if err != nil {
			t.Fatalf("ReadStageProgress(%s): %v", id, err)
		}
		if progress != 20 {
			t.Fatalf("stage %s progress = %d after re-run, want 20", id, progress)
		}
	}
}

func TestPipelinePublishesSyncState(t *testing.T) {
	db := newTestDB(t)
	a := &stepStage{id: stages.Headers, target: 5, step: 5}

	broadcaster := NewSyncStateBroadcaster()
	sub := broadcaster.Subscribe()
	if sub.Current().Phase != Idle {
		t.Fatalf("initial phase = %v, want Idle", sub.Current().Phase)
	}

	tip := common.HexToHash("0x01")
	p := New(db, []stages.Stage{a}, broadcaster, 0)
	if err := p.Run(context.Background(), tip); err != nil {
		t.Fatalf("Run: %v", err)
	}

	final := sub.Current()
	if final.Phase != Synced || final.Target != tip {
		t.Fatalf("final state = %+v, want Synced/%v", final, tip)
	}
}
