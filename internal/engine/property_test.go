package engine_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"pgregory.net/rapid"

	"secflow/internal/config"
	"secflow/internal/domain"
	"secflow/internal/engine"
	"secflow/internal/repo"
)

func newMemoryEngine(rt *rapid.T) (*engine.Engine, context.Context) {
	eng := engine.New(repo.NewMemory(), config.Default("prop"))
	eng.Now = func() time.Time { return t0 }
	eng.Logger = quietLogger()
	ctx := context.Background()
	if _, err := eng.CreateTimeline(ctx, engine.OnboardOptions{ClientID: key.ClientID, ServiceID: key.ServiceID, ServiceName: "svc"}, admin); err != nil {
		rt.Fatalf("create: %v", err)
	}
	return eng, ctx
}

func checkCurrentStage(rt *rapid.T, tl domain.Timeline) {
	want := len(tl.Stages)
	for i, st := range tl.Stages {
		if st.Status != domain.StatusCompleted {
			want = i
			break
		}
	}
	if tl.CurrentStageID != want {
		rt.Fatalf("current stage %d, lowest non-completed %d", tl.CurrentStageID, want)
	}
	if tl.OverallProgress < 0 || tl.OverallProgress > 100 {
		rt.Fatalf("overall progress out of range: %d", tl.OverallProgress)
	}
}

func TestPropertyCurrentStageInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		eng, ctx := newMemoryEngine(rt)
		n := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < n; i++ {
			stageID := rapid.IntRange(0, domain.StageCount-1).Draw(rt, "stage")
			op := rapid.SampledFrom([]string{"status", "submit", "approve", "reject", "comment"}).Draw(rt, "op")
			var err error
			switch op {
			case "status":
				status := rapid.SampledFrom(domain.Statuses).Draw(rt, "status")
				_, err = eng.UpdateStageStatus(ctx, key, stageID, status, nil, admin)
			case "submit":
				_, err = eng.SubmitForReview(ctx, key, stageID, admin)
			case "approve":
				_, err = eng.ApproveStage(ctx, key, stageID, admin)
			case "reject":
				_, err = eng.RejectStage(ctx, key, stageID, "rework", admin)
			case "comment":
				_, err = eng.AddComment(ctx, key, stageID, engine.CommentInput{Content: "note"}, admin)
			}
			var terr *engine.TransitionError
			if err != nil && !errors.As(err, &terr) {
				rt.Fatalf("%s on stage %d returned untyped error %v", op, stageID, err)
			}
			tl, err := eng.Get(ctx, key)
			if err != nil {
				rt.Fatal(err)
			}
			checkCurrentStage(rt, tl)
		}
	})
}

func TestPropertyForwardProgressIsMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		eng, ctx := newMemoryEngine(rt)
		tl, _ := eng.Get(ctx, key)
		last := tl.OverallProgress
		n := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < n && tl.CurrentStageID < domain.StageCount; i++ {
			cur := tl.Stages[tl.CurrentStageID]
			var err error
			switch {
			case cur.Status == domain.StatusAwaitingApproval:
				tl, err = eng.ApproveStage(ctx, key, cur.ID, admin)
			case cur.RequiresApproval && rapid.Bool().Draw(rt, "submit"):
				tl, err = eng.SubmitForReview(ctx, key, cur.ID, admin)
			case !cur.RequiresApproval && rapid.Bool().Draw(rt, "complete"):
				tl, err = eng.UpdateStageStatus(ctx, key, cur.ID, domain.StatusCompleted, nil, admin)
			default:
				p := rapid.IntRange(cur.Progress, 100).Draw(rt, "progress")
				tl, err = eng.UpdateStageStatus(ctx, key, cur.ID, domain.StatusInProgress, &p, admin)
				if errors.Is(err, engine.ErrInvalidTransition) {
					tl, err = eng.Get(ctx, key)
				}
			}
			if err != nil {
				rt.Fatalf("forward step on stage %d: %v", cur.ID, err)
			}
			if tl.OverallProgress < last {
				rt.Fatalf("progress went from %d to %d", last, tl.OverallProgress)
			}
			last = tl.OverallProgress
			checkCurrentStage(rt, tl)
		}
	})
}

func TestPropertySkipLeavesTimelineUnchanged(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		eng, ctx := newMemoryEngine(rt)
		done := rapid.IntRange(0, 8).Draw(rt, "completed")
		for i := 0; i < done; i++ {
			if _, err := eng.UpdateStageStatus(ctx, key, i, domain.StatusCompleted, nil, admin); err != nil {
				rt.Fatalf("complete %d: %v", i, err)
			}
		}
		before, _ := eng.Get(ctx, key)
		target := rapid.IntRange(before.CurrentStageID+1, domain.StageCount-1).Draw(rt, "target")
		status := rapid.SampledFrom(domain.Statuses).Draw(rt, "status")
		_, err := eng.UpdateStageStatus(ctx, key, target, status, nil, admin)
		if !errors.Is(err, engine.ErrStageSkip) {
			rt.Fatalf("expected skip for stage %d, got %v", target, err)
		}
		after, _ := eng.Get(ctx, key)
		if !reflect.DeepEqual(before, after) {
			rt.Fatalf("timeline changed after skip")
		}
	})
}
