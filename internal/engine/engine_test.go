package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"secflow/internal/config"
	"secflow/internal/db"
	"secflow/internal/domain"
	"secflow/internal/engine"
	"secflow/internal/migrate"
	"secflow/internal/repo"
)

var (
	admin   = engine.Actor{ID: "alice", Role: domain.RoleAdmin}
	manager = engine.Actor{ID: "mike", Role: domain.RoleManager}
	tester  = engine.Actor{ID: "tara", Role: domain.RoleTester}
	client  = engine.Actor{ID: "carl", Role: domain.RoleClient}

	key = domain.Key{ClientID: "acme", ServiceID: "webapp-pentest"}
	t0  = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	Engine *engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	eng := engine.New(r, config.Default("proj-1"))
	eng.Now = func() time.Time { return t0 }
	eng.Logger = quietLogger()
	return testEnv{Engine: eng, Repo: r, Ctx: ctx}
}

func (env testEnv) onboard(t *testing.T) domain.Timeline {
	t.Helper()
	tl, err := env.Engine.CreateTimeline(env.Ctx, engine.OnboardOptions{
		ClientID:    key.ClientID,
		ClientName:  "Acme Corp",
		ServiceID:   key.ServiceID,
		ServiceName: "Web Application Pentest",
	}, admin)
	if err != nil {
		t.Fatalf("create timeline: %v", err)
	}
	return tl
}

func (env testEnv) complete(t *testing.T, stageID int, actor engine.Actor) domain.Timeline {
	t.Helper()
	tl, err := env.Engine.UpdateStageStatus(env.Ctx, key, stageID, domain.StatusCompleted, nil, actor)
	if err != nil {
		t.Fatalf("complete stage %d: %v", stageID, err)
	}
	return tl
}

// advanceTo drives a fresh timeline until stageID is the current stage.
func (env testEnv) advanceTo(t *testing.T, stageID int) domain.Timeline {
	t.Helper()
	tl := env.onboard(t)
	steps := []struct {
		id    int
		actor engine.Actor
	}{
		{0, admin}, {1, admin}, {2, manager}, {3, manager}, {4, manager},
		{5, tester}, {6, tester}, {7, tester}, {8, admin},
	}
	for _, s := range steps {
		if tl.CurrentStageID >= stageID {
			break
		}
		switch s.id {
		case 1:
			if _, err := env.Engine.AssignUser(env.Ctx, key, 1, "mike", domain.RoleManager, admin); err != nil {
				t.Fatalf("assign manager: %v", err)
			}
		case 4:
			if _, err := env.Engine.AssignUser(env.Ctx, key, 4, "tara", domain.RoleTester, manager); err != nil {
				t.Fatalf("assign tester: %v", err)
			}
		}
		if s.id == domain.StageReportGeneration {
			var err error
			if tl, err = env.Engine.GenerateReport(env.Ctx, key, tester); err != nil {
				t.Fatalf("generate report: %v", err)
			}
			continue
		}
		tl = env.complete(t, s.id, s.actor)
	}
	if tl.CurrentStageID != stageID {
		t.Fatalf("expected current stage %d, got %d", stageID, tl.CurrentStageID)
	}
	return tl
}

func TestCreateTimelineOnboarding(t *testing.T) {
	env := newTestEnv(t)
	tl := env.onboard(t)
	if tl.Stages[0].Status != domain.StatusInProgress {
		t.Fatalf("stage 0 should be in progress, got %s", tl.Stages[0].Status)
	}
	for i := 1; i < domain.StageCount; i++ {
		if tl.Stages[i].Status != domain.StatusPending {
			t.Fatalf("stage %d should be pending, got %s", i, tl.Stages[i].Status)
		}
	}
	if tl.CurrentStageID != 0 || tl.OverallProgress != 0 || tl.Version != 1 {
		t.Fatalf("unexpected derived fields: current=%d progress=%d version=%d", tl.CurrentStageID, tl.OverallProgress, tl.Version)
	}
	if len(tl.Stages[0].Comments) != 1 || !tl.Stages[0].Comments[0].IsSystem {
		t.Fatalf("expected onboarding system comment")
	}
	stored, err := env.Engine.Get(env.Ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(stored.Stages[0].Status, tl.Stages[0].Status) || stored.Version != 1 {
		t.Fatalf("stored timeline differs from returned one")
	}
	_, err = env.Engine.CreateTimeline(env.Ctx, engine.OnboardOptions{ClientID: key.ClientID, ServiceID: key.ServiceID, ServiceName: "dup"}, admin)
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("duplicate create should be invalid transition, got %v", err)
	}
}

func TestCreateTimelineRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTimeline(env.Ctx, engine.OnboardOptions{ClientID: "c", ServiceID: "s", ServiceName: "svc"}, manager)
	if !errors.Is(err, engine.ErrRoleNotPermitted) {
		t.Fatalf("expected role error, got %v", err)
	}
	_, err = env.Engine.CreateTimeline(env.Ctx, engine.OnboardOptions{ClientID: "c"}, admin)
	if !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestHappyPathToCompletion(t *testing.T) {
	env := newTestEnv(t)
	tl := env.advanceTo(t, domain.StageManagerReview)
	if tl.AssignedManager != "mike" || tl.AssignedTester != "tara" {
		t.Fatalf("assignments not recorded: manager=%q tester=%q", tl.AssignedManager, tl.AssignedTester)
	}
	var err error
	if _, err = env.Engine.SubmitForReview(env.Ctx, key, 9, manager); err != nil {
		t.Fatalf("submit 9: %v", err)
	}
	if _, err = env.Engine.ApproveStage(env.Ctx, key, 9, manager); err != nil {
		t.Fatalf("approve 9: %v", err)
	}
	if _, err = env.Engine.SubmitForReview(env.Ctx, key, 10, manager); err != nil {
		t.Fatalf("submit 10: %v", err)
	}
	tl, err = env.Engine.ClientSatisfaction(env.Ctx, key, true, "great work", client)
	if err != nil {
		t.Fatalf("client satisfaction: %v", err)
	}
	if tl.CurrentStageID != domain.StageCount || tl.OverallProgress != 100 {
		t.Fatalf("expected finished timeline, got current=%d progress=%d", tl.CurrentStageID, tl.OverallProgress)
	}
	if !tl.IsTerminal() || tl.CompletedAt == nil || tl.Satisfaction != domain.SatisfactionSatisfied {
		t.Fatalf("timeline should be terminal and satisfied")
	}
	if tl.Feedback != "great work" {
		t.Fatalf("feedback not stored: %q", tl.Feedback)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 100, repo.EventFilters{ClientID: key.ClientID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) < domain.StageCount {
		t.Fatalf("expected an audit event per step, got %d", len(evts))
	}
}

func TestCompletingAutoStartsNextStage(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	tl := env.complete(t, 0, admin)
	st := tl.Stages[1]
	if st.Status != domain.StatusInProgress || st.StartedAt == nil {
		t.Fatalf("stage 1 should auto-start, got %s", st.Status)
	}
	if st.DueDate == nil || !st.DueDate.Equal(t0.AddDate(0, 0, st.DueDays)) {
		t.Fatalf("stage 1 due date should follow due_days, got %v", st.DueDate)
	}
	if tl.CurrentStageID != 1 || tl.OverallProgress != 9 {
		t.Fatalf("expected current 1 progress 9, got %d %d", tl.CurrentStageID, tl.OverallProgress)
	}
}

func TestPartialProgress(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	half := 50
	tl, err := env.Engine.UpdateStageStatus(env.Ctx, key, 0, domain.StatusInProgress, &half, admin)
	if err != nil {
		t.Fatalf("progress update: %v", err)
	}
	if tl.Stages[0].Progress != 50 || tl.OverallProgress != 5 {
		t.Fatalf("expected partial credit, got stage=%d overall=%d", tl.Stages[0].Progress, tl.OverallProgress)
	}
	bad := 120
	if _, err := env.Engine.UpdateStageStatus(env.Ctx, key, 0, domain.StatusInProgress, &bad, admin); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input for progress 120, got %v", err)
	}
}

func TestManagerRejection(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StageManagerReview)
	if _, err := env.Engine.SubmitForReview(env.Ctx, key, 9, manager); err != nil {
		t.Fatalf("submit: %v", err)
	}
	tl, err := env.Engine.RejectStage(env.Ctx, key, 9, "incomplete evidence", manager)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	st := tl.Stages[9]
	if st.Status != domain.StatusInProgress || tl.CurrentStageID != 9 {
		t.Fatalf("stage 9 should be back in progress, got %s current=%d", st.Status, tl.CurrentStageID)
	}
	last := st.Comments[len(st.Comments)-1]
	if !last.IsSystem || !strings.Contains(last.Content, "incomplete evidence") {
		t.Fatalf("rejection comment missing reason: %+v", last)
	}
	if _, err := env.Engine.RejectStage(env.Ctx, key, 9, "", manager); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("empty reason should be invalid input, got %v", err)
	}
}

func TestApproveRejectRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StageManagerReview)
	before, err := env.Engine.SubmitForReview(env.Ctx, key, 9, manager)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	approved, err := env.Engine.ApproveStage(env.Ctx, key, 9, manager)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.CurrentStageID != 10 || approved.Stages[10].Status != domain.StatusInProgress {
		t.Fatalf("approval should advance to client review")
	}
	after, err := env.Engine.RejectStage(env.Ctx, key, 9, "reopen", manager)
	if err != nil {
		t.Fatalf("reject after approve: %v", err)
	}
	if after.CurrentStageID != 9 || after.Stages[9].Status != domain.StatusInProgress {
		t.Fatalf("stage 9 should be reopened, got %s", after.Stages[9].Status)
	}
	if after.Stages[10].Status != domain.StatusPending || after.Stages[10].StartedAt != nil {
		t.Fatalf("stage 10 should return to pending")
	}
	notes := after.Stages[9].Comments
	if len(notes) < 2 || !strings.Contains(notes[len(notes)-2].Content, "approved") || !strings.Contains(notes[len(notes)-1].Content, "rejected") {
		t.Fatalf("expected approve then reject system comments, got %+v", notes)
	}
	for i := 0; i < 9; i++ {
		if !reflect.DeepEqual(before.Stages[i], after.Stages[i]) {
			t.Fatalf("stage %d changed during round trip", i)
		}
	}
}

func TestStageSkipLeavesTimelineUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, 2)
	before, err := env.Engine.Get(env.Ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.UpdateStageStatus(env.Ctx, key, 5, domain.StatusInProgress, nil, tester)
	if !errors.Is(err, engine.ErrStageSkip) {
		t.Fatalf("expected stage skip, got %v", err)
	}
	var terr *engine.TransitionError
	if !errors.As(err, &terr) || terr.StageID != 5 {
		t.Fatalf("expected transition error for stage 5, got %#v", err)
	}
	after, err := env.Engine.Get(env.Ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, after) || !reflect.DeepEqual(before, got) {
		t.Fatalf("timeline changed after rejected skip")
	}
}

func TestRoleMismatch(t *testing.T) {
	env := newTestEnv(t)
	before := env.onboard(t)
	_, err := env.Engine.UpdateStageStatus(env.Ctx, key, 0, domain.StatusCompleted, nil, tester)
	if !errors.Is(err, engine.ErrRoleNotPermitted) {
		t.Fatalf("expected role error, got %v", err)
	}
	after, _ := env.Engine.Get(env.Ctx, key)
	if after.Version != before.Version || after.Stages[0].Status != domain.StatusInProgress {
		t.Fatalf("timeline changed after role mismatch")
	}
	if _, err := env.Engine.AssignUser(env.Ctx, key, 1, "mike", domain.RoleManager, tester); !errors.Is(err, engine.ErrRoleNotPermitted) {
		t.Fatalf("tester should not assign, got %v", err)
	}
}

func TestCompletedStageCorrectionOnly(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, 2)
	tl, err := env.Engine.UpdateStageStatus(env.Ctx, key, 0, domain.StatusCompleted, nil, admin)
	if err != nil {
		t.Fatalf("re-confirm completed: %v", err)
	}
	if tl.CurrentStageID != 2 {
		t.Fatalf("correction moved current stage to %d", tl.CurrentStageID)
	}
	if _, err := env.Engine.UpdateStageStatus(env.Ctx, key, 0, domain.StatusInProgress, nil, admin); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestGatedStageCannotCompleteDirectly(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StageManagerReview)
	_, err := env.Engine.UpdateStageStatus(env.Ctx, key, 9, domain.StatusCompleted, nil, manager)
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.ApproveStage(env.Ctx, key, 9, manager); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("approve before submit should fail, got %v", err)
	}
	if _, err := env.Engine.SubmitForReview(env.Ctx, key, 9, tester); !errors.Is(err, engine.ErrRoleNotPermitted) {
		t.Fatalf("tester submit should be rejected, got %v", err)
	}
}

func TestBlockAndResume(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	tl, err := env.Engine.UpdateStageStatus(env.Ctx, key, 0, domain.StatusBlocked, nil, admin)
	if err != nil || tl.Stages[0].Status != domain.StatusBlocked {
		t.Fatalf("block: %v", err)
	}
	if _, err := env.Engine.UpdateStageStatus(env.Ctx, key, 0, domain.StatusCompleted, nil, admin); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("blocked stage should not complete, got %v", err)
	}
	tl, err = env.Engine.UpdateStageStatus(env.Ctx, key, 0, domain.StatusInProgress, nil, admin)
	if err != nil || tl.Stages[0].Status != domain.StatusInProgress {
		t.Fatalf("resume: %v", err)
	}
}

func TestOverdueStageCompletesWithoutResume(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	if _, err := env.Engine.SetDueDate(env.Ctx, key, 0, t0.Add(-time.Hour), admin); err != nil {
		t.Fatalf("set due date: %v", err)
	}
	if _, err := env.Engine.SweepOverdue(env.Ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	tl := env.complete(t, 0, admin)
	if tl.Stages[0].Status != domain.StatusCompleted || tl.CurrentStageID != 1 {
		t.Fatalf("overdue stage should complete directly, got %s current=%d", tl.Stages[0].Status, tl.CurrentStageID)
	}
}

func TestClientDissatisfied(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StageManagerReview)
	mustOK := func(_ domain.Timeline, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	mustOK(env.Engine.SubmitForReview(env.Ctx, key, 9, manager))
	mustOK(env.Engine.ApproveStage(env.Ctx, key, 9, manager))
	if _, err := env.Engine.ClientSatisfaction(env.Ctx, key, true, "", client); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("satisfaction before submit should fail, got %v", err)
	}
	mustOK(env.Engine.SubmitForReview(env.Ctx, key, 10, manager))
	if _, err := env.Engine.ClientSatisfaction(env.Ctx, key, true, "", tester); !errors.Is(err, engine.ErrRoleNotPermitted) {
		t.Fatalf("tester cannot sign off, got %v", err)
	}
	tl, err := env.Engine.ClientSatisfaction(env.Ctx, key, false, "needs retest", client)
	if err != nil {
		t.Fatalf("dissatisfied: %v", err)
	}
	if tl.Stages[10].Status != domain.StatusInProgress || tl.Satisfaction != domain.SatisfactionDissatisfied || tl.IsTerminal() {
		t.Fatalf("client review should reopen, got %s %s", tl.Stages[10].Status, tl.Satisfaction)
	}
	if tl.Stages[9].Status != domain.StatusCompleted {
		t.Fatalf("manager review must not be touched")
	}
}

func TestCommentsAndAttachments(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	tl, err := env.Engine.AddComment(env.Ctx, key, 7, engine.CommentInput{Content: "draft notes"}, client)
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	c := tl.Stages[7].Comments[0]
	if c.Author != "carl" || c.AuthorRole != domain.RoleClient || c.IsSystem || c.ID == "" {
		t.Fatalf("unexpected comment %+v", c)
	}
	if _, err := env.Engine.AddComment(env.Ctx, key, 11, engine.CommentInput{Content: "x"}, admin); !errors.Is(err, engine.ErrUnknownEntity) {
		t.Fatalf("expected unknown stage, got %v", err)
	}
	if _, err := env.Engine.AddComment(env.Ctx, key, 0, engine.CommentInput{}, admin); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	tl, err = env.Engine.UploadAttachment(env.Ctx, key, 0, engine.AttachmentInput{Name: "scope.pdf", Type: "application/pdf", Size: 2048}, admin)
	if err != nil {
		t.Fatalf("attachment: %v", err)
	}
	if a := tl.Stages[0].Attachments[0]; a.UploadedBy != "alice" || a.Size != 2048 {
		t.Fatalf("unexpected attachment %+v", a)
	}
	if _, err := env.Engine.AddComment(env.Ctx, domain.Key{ClientID: "nobody", ServiceID: "x"}, 0, engine.CommentInput{Content: "x"}, admin); !errors.Is(err, engine.ErrUnknownEntity) {
		t.Fatalf("expected unknown timeline, got %v", err)
	}
}

func TestFindings(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, 5)
	in := engine.FindingInput{Title: "SQL injection", Severity: domain.SeverityCritical}
	if _, _, err := env.Engine.AddFinding(env.Ctx, key, in, tester); !errors.Is(err, engine.ErrStageSkip) {
		t.Fatalf("finding before execution should be skip, got %v", err)
	}
	env.complete(t, 5, tester)
	tl, f, err := env.Engine.AddFinding(env.Ctx, key, in, tester)
	if err != nil {
		t.Fatalf("add finding: %v", err)
	}
	if len(tl.Findings) != 1 || f.Status != domain.FindingOpen || f.ID == "" {
		t.Fatalf("unexpected finding %+v", f)
	}
	if _, _, err := env.Engine.AddFinding(env.Ctx, key, engine.FindingInput{Title: "x", Severity: "severe"}, tester); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("bad severity should be invalid input, got %v", err)
	}
	tl, err = env.Engine.UpdateFindingStatus(env.Ctx, key, f.ID, domain.FindingResolved, tester)
	if err != nil || tl.Findings[0].Status != domain.FindingResolved {
		t.Fatalf("resolve finding: %v", err)
	}
	if _, err := env.Engine.UpdateFindingStatus(env.Ctx, key, "missing", domain.FindingResolved, tester); !errors.Is(err, engine.ErrUnknownEntity) {
		t.Fatalf("expected unknown finding, got %v", err)
	}
}

func TestSetDueDateAndSweepOverdue(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	env.complete(t, 0, admin)
	if _, err := env.Engine.SetDueDate(env.Ctx, key, 2, t0.AddDate(0, 0, 1), tester); !errors.Is(err, engine.ErrRoleNotPermitted) {
		t.Fatalf("tester cannot schedule stage 2, got %v", err)
	}
	if _, err := env.Engine.SetDueDate(env.Ctx, key, 2, t0.AddDate(0, 0, 1), admin); err != nil {
		t.Fatalf("set due: %v", err)
	}
	env.Engine.Now = func() time.Time { return t0.AddDate(0, 0, 3) }
	n, err := env.Engine.SweepOverdue(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the started stage flagged, got %d", n)
	}
	tl, _ := env.Engine.Get(env.Ctx, key)
	if tl.Stages[1].Status != domain.StatusOverdue || tl.Stages[2].Status != domain.StatusPending {
		t.Fatalf("unexpected statuses %s %s", tl.Stages[1].Status, tl.Stages[2].Status)
	}
	version := tl.Version
	if n, _ := env.Engine.SweepOverdue(env.Ctx); n != 0 {
		t.Fatalf("second sweep flagged %d", n)
	}
	tl, _ = env.Engine.Get(env.Ctx, key)
	if tl.Version != version {
		t.Fatalf("no-op sweep bumped version")
	}
	tl = env.complete(t, 1, admin)
	if tl.CurrentStageID != 2 {
		t.Fatalf("overdue stage should still complete, current=%d", tl.CurrentStageID)
	}
}

type conflictStore struct {
	*repo.Memory
}

func (conflictStore) Save(context.Context, domain.Timeline, int, []domain.Event) error {
	return repo.ErrConflict
}

func TestVersionConflict(t *testing.T) {
	mem := repo.NewMemory()
	eng := engine.New(conflictStore{mem}, config.Default("proj-1"))
	eng.Logger = quietLogger()
	ctx := context.Background()
	if _, err := eng.CreateTimeline(ctx, engine.OnboardOptions{ClientID: "c", ServiceID: "s", ServiceName: "svc"}, admin); err != nil {
		t.Fatal(err)
	}
	_, err := eng.UpdateStageStatus(ctx, domain.Key{ClientID: "c", ServiceID: "s"}, 0, domain.StatusCompleted, nil, admin)
	if !errors.Is(err, engine.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestImport(t *testing.T) {
	env := newTestEnv(t)
	seed := domain.NewTimeline(domain.Key{ClientID: "globex", ServiceID: "audit"}, config.Default("p").Catalog(), t0)
	seed.Stages[0].Status = domain.StatusCompleted
	seed.Stages[1].Status = domain.StatusInProgress
	seed.CurrentStageID = 7
	n, err := env.Engine.Import(env.Ctx, []domain.Timeline{seed}, admin)
	if err != nil || n != 1 {
		t.Fatalf("import: %d %v", n, err)
	}
	got, err := env.Engine.Get(env.Ctx, seed.Key())
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStageID != 1 {
		t.Fatalf("derived current stage should be recomputed, got %d", got.CurrentStageID)
	}
	if _, err := env.Engine.Import(env.Ctx, []domain.Timeline{seed}, manager); !errors.Is(err, engine.ErrRoleNotPermitted) {
		t.Fatalf("manager import should be rejected, got %v", err)
	}
}

func TestImportRejectsStageAheadOfGate(t *testing.T) {
	env := newTestEnv(t)
	seed := domain.NewTimeline(domain.Key{ClientID: "globex", ServiceID: "audit"}, config.Default("p").Catalog(), t0)
	seed.Stages[0].Status = domain.StatusCompleted
	seed.Stages[1].Status = domain.StatusInProgress
	seed.Stages[5].Status = domain.StatusCompleted
	n, err := env.Engine.Import(env.Ctx, []domain.Timeline{seed}, admin)
	if !errors.Is(err, engine.ErrInvalidInput) || n != 0 {
		t.Fatalf("expected invalid input for gapped seed, got n=%d err=%v", n, err)
	}
	if _, err := env.Engine.Get(env.Ctx, seed.Key()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("gapped seed must not be stored, got %v", err)
	}
}

func TestImportIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	catalog := config.Default("p").Catalog()
	good := domain.NewTimeline(domain.Key{ClientID: "globex", ServiceID: "audit"}, catalog, t0)
	short := domain.NewTimeline(domain.Key{ClientID: "initech", ServiceID: "pentest"}, catalog[:5], t0)
	n, err := env.Engine.Import(env.Ctx, []domain.Timeline{good, short}, admin)
	if !errors.Is(err, engine.ErrInvalidInput) || n != 0 {
		t.Fatalf("expected invalid input, got n=%d err=%v", n, err)
	}
	if _, err := env.Engine.Get(env.Ctx, good.Key()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("valid item of a rejected batch must not be stored, got %v", err)
	}

	env.onboard(t)
	existing := domain.NewTimeline(key, catalog, t0)
	n, err = env.Engine.Import(env.Ctx, []domain.Timeline{good, existing}, admin)
	if !errors.Is(err, engine.ErrInvalidTransition) || n != 0 {
		t.Fatalf("expected duplicate rejection, got n=%d err=%v", n, err)
	}
	if _, err := env.Engine.Get(env.Ctx, good.Key()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("batch with a duplicate must not store anything, got %v", err)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, repo.EventFilters{ClientID: "globex"})
	if err != nil || len(evts) != 0 {
		t.Fatalf("rejected batch wrote events: %d %v", len(evts), err)
	}
}

func TestPartialProgressKeptAcrossSubmit(t *testing.T) {
	env := newTestEnv(t)
	env.advanceTo(t, domain.StageManagerReview)
	full := 100
	tl, err := env.Engine.UpdateStageStatus(env.Ctx, key, 9, domain.StatusInProgress, &full, manager)
	if err != nil {
		t.Fatalf("set progress: %v", err)
	}
	before := tl.OverallProgress
	if before != 91 {
		t.Fatalf("expected 91%% with stage 9 fully worked, got %d", before)
	}
	tl, err = env.Engine.SubmitForReview(env.Ctx, key, 9, manager)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tl.OverallProgress != before {
		t.Fatalf("submit changed progress from %d to %d", before, tl.OverallProgress)
	}
}

func TestPartialProgressKeptWhenFlaggedOverdue(t *testing.T) {
	env := newTestEnv(t)
	env.onboard(t)
	half := 50
	tl, err := env.Engine.UpdateStageStatus(env.Ctx, key, 0, domain.StatusInProgress, &half, admin)
	if err != nil {
		t.Fatalf("set progress: %v", err)
	}
	before := tl.OverallProgress
	if _, err := env.Engine.SetDueDate(env.Ctx, key, 0, t0.Add(-time.Hour), admin); err != nil {
		t.Fatalf("set due date: %v", err)
	}
	if n, err := env.Engine.SweepOverdue(env.Ctx); err != nil || n != 1 {
		t.Fatalf("sweep: %d %v", n, err)
	}
	tl, err = env.Engine.Get(env.Ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if tl.Stages[0].Status != domain.StatusOverdue || tl.OverallProgress != before {
		t.Fatalf("expected overdue with progress %d, got %s %d", before, tl.Stages[0].Status, tl.OverallProgress)
	}
}
