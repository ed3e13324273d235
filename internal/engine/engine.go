package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"secflow/internal/access"
	"secflow/internal/config"
	"secflow/internal/domain"
	"secflow/internal/events"
	"secflow/internal/repo"
)

// Store persists whole timelines. Save must reject a write whose expected
// version is stale with repo.ErrConflict.
type Store interface {
	Get(ctx context.Context, key domain.Key) (domain.Timeline, error)
	List(ctx context.Context, f repo.TimelineFilters) ([]domain.Timeline, error)
	Create(ctx context.Context, t domain.Timeline, evts []domain.Event) error
	CreateMany(ctx context.Context, items []repo.NewTimeline) error
	Save(ctx context.Context, t domain.Timeline, expected int, evts []domain.Event) error
}

type Engine struct {
	Store   Store
	Policy  access.Policy
	Catalog []domain.StageDef
	Logger  *slog.Logger
	Now     func() time.Time

	mu sync.Mutex
}

func New(store Store, cfg *config.Config) *Engine {
	catalog := cfg.Catalog()
	return &Engine{
		Store:   store,
		Policy:  access.New(catalog),
		Catalog: catalog,
		Logger:  slog.Default(),
		Now:     time.Now,
	}
}

// SystemActor is used for engine-initiated changes such as the overdue sweep.
var SystemActor = Actor{ID: "system", Role: domain.RoleAdmin}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// change collects the audit output of one mutation.
type change struct {
	now    time.Time
	actor  Actor
	events []pendingEvent
}

type pendingEvent struct {
	typ     string
	stageID int
	payload events.Payload
}

func (c *change) record(typ string, stageID int, payload events.Payload) {
	c.events = append(c.events, pendingEvent{typ: typ, stageID: stageID, payload: payload})
}

func (c *change) systemNote(st *domain.Stage, content string) {
	st.Comments = append(st.Comments, domain.Comment{
		ID:         uuid.NewString(),
		Author:     c.actor.ID,
		AuthorRole: c.actor.Role,
		Content:    content,
		Timestamp:  c.now,
		IsSystem:   true,
	})
}

var errNoChange = errors.New("no change")

// mutate loads a timeline, applies fn to a private copy and saves it with its
// events. On any error the stored timeline is left as it was and returned.
func (e *Engine) mutate(ctx context.Context, op string, key domain.Key, actor Actor, fn func(t *domain.Timeline, c *change) error) (domain.Timeline, error) {
	if err := checkInput(actor); err != nil {
		return domain.Timeline{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, err := e.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Timeline{}, fail(ErrUnknownEntity, -1, "timeline %s not found", key)
		}
		return domain.Timeline{}, err
	}
	t := cur.Clone()
	c := &change{now: e.now(), actor: actor}
	if err := fn(&t, c); err != nil {
		if errors.Is(err, errNoChange) {
			return cur, nil
		}
		e.logger().Debug("workflow operation rejected", "op", op, "timeline", key.String(), "actor", actor.ID, "role", actor.Role, "error", err)
		return cur, err
	}
	t.Version = cur.Version + 1
	t.LastUpdated = c.now
	t.Recompute()
	if t.IsTerminal() {
		if t.CompletedAt == nil {
			done := c.now
			t.CompletedAt = &done
		}
	} else {
		t.CompletedAt = nil
	}
	evts, err := e.buildEvents(key, c)
	if err != nil {
		return cur, err
	}
	if err := e.Store.Save(ctx, t, cur.Version, evts); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return cur, fail(ErrVersionConflict, -1, "timeline %s changed concurrently", key)
		}
		return cur, fmt.Errorf("save timeline %s: %w", key, err)
	}
	e.logger().Info("workflow operation applied", "op", op, "timeline", key.String(), "actor", actor.ID, "version", t.Version, "current_stage", t.CurrentStageID, "progress", t.OverallProgress)
	return t, nil
}

func (e *Engine) buildEvents(key domain.Key, c *change) ([]domain.Event, error) {
	out := make([]domain.Event, 0, len(c.events))
	for _, pe := range c.events {
		evt, err := events.New(pe.typ, key, pe.stageID, c.actor.ID, c.actor.Role, pe.payload, c.now)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

func stageOf(t *domain.Timeline, stageID int) (*domain.Stage, error) {
	st := t.Stage(stageID)
	if st == nil {
		return nil, fail(ErrUnknownEntity, stageID, "no such stage")
	}
	return st, nil
}

// Get returns a timeline by key.
func (e *Engine) Get(ctx context.Context, key domain.Key) (domain.Timeline, error) {
	t, err := e.Store.Get(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return t, fail(ErrUnknownEntity, -1, "timeline %s not found", key)
	}
	return t, err
}

func (e *Engine) List(ctx context.Context, f repo.TimelineFilters) ([]domain.Timeline, error) {
	return e.Store.List(ctx, f)
}

// CreateTimeline onboards a client with a service. Stage 0 starts in progress.
func (e *Engine) CreateTimeline(ctx context.Context, opts OnboardOptions, actor Actor) (domain.Timeline, error) {
	if err := checkInput(actor); err != nil {
		return domain.Timeline{}, err
	}
	if err := checkInput(opts); err != nil {
		return domain.Timeline{}, err
	}
	if !e.Policy.CanAccessStage(domain.StageOnboarding, actor.Role) {
		return domain.Timeline{}, fail(ErrRoleNotPermitted, domain.StageOnboarding, "role %s cannot onboard clients", actor.Role)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	key := domain.Key{ClientID: opts.ClientID, ServiceID: opts.ServiceID}
	t := domain.NewTimeline(key, e.Catalog, now)
	t.ClientName = opts.ClientName
	t.ServiceName = opts.ServiceName
	c := &change{now: now, actor: actor}
	st := &t.Stages[domain.StageOnboarding]
	applyDueDays(st, now)
	c.systemNote(st, fmt.Sprintf("Client onboarded for %s by %s", opts.ServiceName, actor.ID))
	c.record(events.TimelineCreated, -1, events.Payload{"client_name": opts.ClientName, "service_name": opts.ServiceName})
	evts, err := e.buildEvents(key, c)
	if err != nil {
		return domain.Timeline{}, err
	}
	if err := e.Store.Create(ctx, t, evts); err != nil {
		if errors.Is(err, repo.ErrExists) {
			return domain.Timeline{}, fail(ErrInvalidTransition, -1, "timeline %s already exists", key)
		}
		return domain.Timeline{}, err
	}
	e.logger().Info("timeline created", "timeline", key.String(), "actor", actor.ID)
	return t, nil
}

// Import stores externally seeded timelines after normalizing derived fields.
// Every item is checked before anything is written and the batch is stored
// atomically, so a rejected import leaves no trace.
func (e *Engine) Import(ctx context.Context, items []domain.Timeline, actor Actor) (int, error) {
	if err := checkInput(actor); err != nil {
		return 0, err
	}
	if actor.Role != domain.RoleAdmin {
		return 0, fail(ErrRoleNotPermitted, -1, "only admin can import timelines")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	batch := make([]repo.NewTimeline, 0, len(items))
	for _, item := range items {
		t, err := e.normalizeImport(item.Clone(), now)
		if err != nil {
			return 0, err
		}
		c := &change{now: now, actor: actor}
		c.record(events.TimelineCreated, -1, events.Payload{"imported": true, "service_name": t.ServiceName})
		evts, err := e.buildEvents(t.Key(), c)
		if err != nil {
			return 0, err
		}
		batch = append(batch, repo.NewTimeline{Timeline: t, Events: evts})
	}
	if err := e.Store.CreateMany(ctx, batch); err != nil {
		if errors.Is(err, repo.ErrExists) {
			return 0, fail(ErrInvalidTransition, -1, "%v", err)
		}
		return 0, err
	}
	e.logger().Info("timelines imported", "count", len(batch), "actor", actor.ID)
	return len(batch), nil
}

func (e *Engine) normalizeImport(t domain.Timeline, now time.Time) (domain.Timeline, error) {
	if t.ClientID == "" || t.ServiceID == "" {
		return t, fail(ErrInvalidInput, -1, "imported timeline needs client_id and service_id")
	}
	if len(t.Stages) != len(e.Catalog) {
		return t, fail(ErrInvalidInput, -1, "timeline %s has %d stages, want %d", t.Key(), len(t.Stages), len(e.Catalog))
	}
	for i := range t.Stages {
		st := &t.Stages[i]
		if st.ID != i {
			return t, fail(ErrInvalidInput, i, "timeline %s stages out of order", t.Key())
		}
		if !st.Status.Valid() {
			return t, fail(ErrInvalidInput, i, "timeline %s has unknown status %q", t.Key(), st.Status)
		}
		if st.Comments == nil {
			st.Comments = []domain.Comment{}
		}
		if st.Attachments == nil {
			st.Attachments = []domain.Attachment{}
		}
	}
	current := t.ComputeCurrentStageID()
	for i := current + 1; i < len(t.Stages); i++ {
		if t.Stages[i].Status != domain.StatusPending {
			return t, fail(ErrInvalidInput, i, "timeline %s: stage %d is %s while stage %d is not completed", t.Key(), i, t.Stages[i].Status, current)
		}
	}
	if t.Version < 1 {
		t.Version = 1
	}
	if t.Satisfaction == "" {
		t.Satisfaction = domain.SatisfactionPending
	}
	if t.Findings == nil {
		t.Findings = []domain.Finding{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.LastUpdated.IsZero() {
		t.LastUpdated = t.CreatedAt
	}
	t.Recompute()
	return t, nil
}

// UpdateStageStatus moves the current stage through the stage machine. A
// completed stage can only be re-confirmed as completed.
func (e *Engine) UpdateStageStatus(ctx context.Context, key domain.Key, stageID int, status domain.StageStatus, progress *int, actor Actor) (domain.Timeline, error) {
	return e.mutate(ctx, "update-stage-status", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, stageID)
		if err != nil {
			return err
		}
		if !status.Valid() {
			return fail(ErrInvalidInput, stageID, "unknown status %q", status)
		}
		if progress != nil && (*progress < 0 || *progress > 100) {
			return fail(ErrInvalidInput, stageID, "progress %d out of range 0-100", *progress)
		}
		current := t.CurrentStageID
		if stageID > current {
			return fail(ErrStageSkip, stageID, "current stage is %d", current)
		}
		if !e.Policy.CanAccessStage(stageID, actor.Role) {
			return fail(ErrRoleNotPermitted, stageID, "role %s does not work this stage", actor.Role)
		}
		if stageID < current {
			if status != domain.StatusCompleted {
				return fail(ErrInvalidTransition, stageID, "completed stage cannot move back to %s", status)
			}
			c.systemNote(st, fmt.Sprintf("Completion of %s re-confirmed by %s", st.Name, actor.ID))
			c.record(events.StageStatusChanged, stageID, events.Payload{"from": st.Status, "to": status, "correction": true})
			return nil
		}
		from := st.Status
		if status == from {
			if progress == nil || from != domain.StatusInProgress {
				return fail(ErrInvalidTransition, stageID, "stage is already %s", status)
			}
			st.Progress = *progress
			c.record(events.StageStatusChanged, stageID, events.Payload{"from": from, "to": status, "progress": *progress})
			return nil
		}
		event, ok := eventForStatus(from, status)
		if !ok {
			return fail(ErrInvalidTransition, stageID, "status %s cannot be set directly", status)
		}
		if event == evComplete && st.RequiresApproval {
			return fail(ErrInvalidTransition, stageID, "%s requires approval; submit it for review", st.Name)
		}
		next, err := nextStatus(stageID, from, event, st.RequiresApproval)
		if err != nil {
			return err
		}
		st.Status = next
		if progress != nil {
			st.Progress = *progress
		}
		switch next {
		case domain.StatusCompleted:
			completeStage(t, stageID, c.now)
		case domain.StatusInProgress:
			markStarted(st, c.now)
		}
		c.systemNote(st, fmt.Sprintf("Status changed from %s to %s by %s", from, next, actor.ID))
		payload := events.Payload{"from": from, "to": next}
		if progress != nil {
			payload["progress"] = *progress
		}
		c.record(events.StageStatusChanged, stageID, payload)
		return nil
	})
}

// AssignUser sets who works a stage. Stage 1 names the manager, stage 4 the tester.
func (e *Engine) AssignUser(ctx context.Context, key domain.Key, stageID int, userID string, role domain.Role, actor Actor) (domain.Timeline, error) {
	return e.mutate(ctx, "assign-user", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, stageID)
		if err != nil {
			return err
		}
		if userID == "" || !role.Valid() {
			return fail(ErrInvalidInput, stageID, "user id and a valid role are required")
		}
		if !e.Policy.CanAssign(stageID, actor.Role) {
			return fail(ErrRoleNotPermitted, stageID, "role %s cannot assign this stage", actor.Role)
		}
		if st.Status == domain.StatusCompleted {
			return fail(ErrInvalidTransition, stageID, "stage already completed")
		}
		st.AssignedTo = userID
		st.AssignedToRole = role
		switch stageID {
		case domain.StageManagerAssign:
			t.AssignedManager = userID
		case domain.StageTesterAssign:
			t.AssignedTester = userID
		}
		c.systemNote(st, fmt.Sprintf("Assigned to %s (%s) by %s", userID, role, actor.ID))
		c.record(events.StageAssigned, stageID, events.Payload{"user_id": userID, "role": role})
		return nil
	})
}

// SetDueDate uses the same gate as assignment.
func (e *Engine) SetDueDate(ctx context.Context, key domain.Key, stageID int, due time.Time, actor Actor) (domain.Timeline, error) {
	return e.mutate(ctx, "set-due-date", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, stageID)
		if err != nil {
			return err
		}
		if due.IsZero() {
			return fail(ErrInvalidInput, stageID, "due date required")
		}
		if !e.Policy.CanAssign(stageID, actor.Role) {
			return fail(ErrRoleNotPermitted, stageID, "role %s cannot schedule this stage", actor.Role)
		}
		if st.Status == domain.StatusCompleted {
			return fail(ErrInvalidTransition, stageID, "stage already completed")
		}
		d := due.UTC()
		st.DueDate = &d
		c.systemNote(st, fmt.Sprintf("Due date set to %s by %s", d.Format(time.DateOnly), actor.ID))
		c.record(events.StageDueSet, stageID, events.Payload{"due_date": d.Format(time.RFC3339)})
		return nil
	})
}

// AddComment appends a user comment. Commentary is never role-gated.
func (e *Engine) AddComment(ctx context.Context, key domain.Key, stageID int, in CommentInput, actor Actor) (domain.Timeline, error) {
	return e.mutate(ctx, "add-comment", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, stageID)
		if err != nil {
			return err
		}
		if err := checkInput(in); err != nil {
			return err
		}
		cm := domain.Comment{
			ID:         uuid.NewString(),
			Author:     actor.ID,
			AuthorRole: actor.Role,
			Content:    in.Content,
			Timestamp:  c.now,
		}
		st.Comments = append(st.Comments, cm)
		c.record(events.StageCommented, stageID, events.Payload{"comment_id": cm.ID})
		return nil
	})
}

// UploadAttachment records attachment metadata on a stage.
func (e *Engine) UploadAttachment(ctx context.Context, key domain.Key, stageID int, in AttachmentInput, actor Actor) (domain.Timeline, error) {
	return e.mutate(ctx, "upload-attachment", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, stageID)
		if err != nil {
			return err
		}
		if err := checkInput(in); err != nil {
			return err
		}
		att := domain.Attachment{
			ID:         uuid.NewString(),
			Name:       in.Name,
			Type:       in.Type,
			Size:       in.Size,
			UploadedBy: actor.ID,
			UploadedAt: c.now,
			URL:        in.URL,
		}
		st.Attachments = append(st.Attachments, att)
		c.record(events.StageAttachment, stageID, events.Payload{"attachment_id": att.ID, "name": att.Name, "size": att.Size})
		return nil
	})
}

// GenerateReport completes the report generation stage. The document itself
// is produced elsewhere.
func (e *Engine) GenerateReport(ctx context.Context, key domain.Key, actor Actor) (domain.Timeline, error) {
	id := domain.StageReportGeneration
	return e.mutate(ctx, "generate-report", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, id)
		if err != nil {
			return err
		}
		if t.CurrentStageID < id {
			return fail(ErrStageSkip, id, "current stage is %d", t.CurrentStageID)
		}
		if t.CurrentStageID > id {
			return fail(ErrInvalidTransition, id, "report already generated")
		}
		if !e.Policy.CanAccessStage(id, actor.Role) {
			return fail(ErrRoleNotPermitted, id, "role %s cannot generate reports", actor.Role)
		}
		next, err := nextStatus(id, st.Status, evComplete, st.RequiresApproval)
		if err != nil {
			return err
		}
		st.Status = next
		completeStage(t, id, c.now)
		c.systemNote(st, fmt.Sprintf("Report generated by %s", actor.ID))
		c.record(events.ReportGenerated, id, nil)
		return nil
	})
}

// SubmitForReview moves an approval-gated stage to awaiting approval.
func (e *Engine) SubmitForReview(ctx context.Context, key domain.Key, stageID int, actor Actor) (domain.Timeline, error) {
	return e.mutate(ctx, "submit-for-review", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, stageID)
		if err != nil {
			return err
		}
		if !st.RequiresApproval {
			return fail(ErrInvalidTransition, stageID, "%s has no approval gate", st.Name)
		}
		if stageID > t.CurrentStageID {
			return fail(ErrStageSkip, stageID, "current stage is %d", t.CurrentStageID)
		}
		if !e.Policy.CanAccessStage(stageID, actor.Role) && !e.Policy.CanAssign(stageID, actor.Role) {
			return fail(ErrRoleNotPermitted, stageID, "role %s cannot submit this stage", actor.Role)
		}
		from := st.Status
		next, err := nextStatus(stageID, from, evSubmit, true)
		if err != nil {
			return err
		}
		st.Status = next
		c.systemNote(st, fmt.Sprintf("Submitted for review by %s", actor.ID))
		c.record(events.StageSubmitted, stageID, events.Payload{"from": from})
		return nil
	})
}

// ApproveStage completes an awaiting-approval stage and advances the timeline.
func (e *Engine) ApproveStage(ctx context.Context, key domain.Key, stageID int, actor Actor) (domain.Timeline, error) {
	return e.mutate(ctx, "approve-stage", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, stageID)
		if err != nil {
			return err
		}
		if !st.RequiresApproval {
			return fail(ErrInvalidTransition, stageID, "%s has no approval gate", st.Name)
		}
		if !e.Policy.CanReview(stageID, actor.Role) {
			return fail(ErrRoleNotPermitted, stageID, "role %s cannot approve this stage", actor.Role)
		}
		next, err := nextStatus(stageID, st.Status, evApprove, true)
		if err != nil {
			return err
		}
		st.Status = next
		completeStage(t, stageID, c.now)
		if stageID == domain.StageClientReview {
			t.Satisfaction = domain.SatisfactionSatisfied
		}
		c.systemNote(st, fmt.Sprintf("Stage approved by %s", actor.ID))
		c.record(events.StageApproved, stageID, nil)
		return nil
	})
}

// RejectStage returns an approval-gated stage to in progress. Only the stage
// itself and the stage it had auto-started are touched.
func (e *Engine) RejectStage(ctx context.Context, key domain.Key, stageID int, reason string, actor Actor) (domain.Timeline, error) {
	return e.mutate(ctx, "reject-stage", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, stageID)
		if err != nil {
			return err
		}
		if reason == "" {
			return fail(ErrInvalidInput, stageID, "rejection reason required")
		}
		if !st.RequiresApproval {
			return fail(ErrInvalidTransition, stageID, "%s has no approval gate", st.Name)
		}
		if !e.Policy.CanReview(stageID, actor.Role) {
			return fail(ErrRoleNotPermitted, stageID, "role %s cannot reject this stage", actor.Role)
		}
		if err := reopen(t, stageID, c.now); err != nil {
			return err
		}
		if stageID == domain.StageClientReview {
			t.Satisfaction = domain.SatisfactionDissatisfied
		}
		c.systemNote(st, fmt.Sprintf("Stage rejected by %s: %s", actor.ID, reason))
		c.record(events.StageRejected, stageID, events.Payload{"reason": reason})
		return nil
	})
}

// ClientSatisfaction records the client review outcome. Satisfied completes
// the timeline; dissatisfied reopens client review for rework.
func (e *Engine) ClientSatisfaction(ctx context.Context, key domain.Key, satisfied bool, feedback string, actor Actor) (domain.Timeline, error) {
	id := domain.StageClientReview
	return e.mutate(ctx, "client-satisfaction", key, actor, func(t *domain.Timeline, c *change) error {
		st, err := stageOf(t, id)
		if err != nil {
			return err
		}
		if !e.Policy.CanReview(id, actor.Role) {
			return fail(ErrRoleNotPermitted, id, "role %s cannot record client satisfaction", actor.Role)
		}
		if t.CurrentStageID < id {
			return fail(ErrStageSkip, id, "current stage is %d", t.CurrentStageID)
		}
		if st.Status != domain.StatusAwaitingApproval {
			return fail(ErrInvalidTransition, id, "client review is %s, not awaiting approval", st.Status)
		}
		t.Feedback = feedback
		if satisfied {
			next, err := nextStatus(id, st.Status, evApprove, true)
			if err != nil {
				return err
			}
			st.Status = next
			completeStage(t, id, c.now)
			t.Satisfaction = domain.SatisfactionSatisfied
			c.systemNote(st, fmt.Sprintf("Client %s signed off", actor.ID))
		} else {
			next, err := nextStatus(id, st.Status, evReject, true)
			if err != nil {
				return err
			}
			st.Status = next
			st.CompletedAt = nil
			t.Satisfaction = domain.SatisfactionDissatisfied
			note := fmt.Sprintf("Client %s requested rework", actor.ID)
			if feedback != "" {
				note += ": " + feedback
			}
			c.systemNote(st, note)
		}
		c.record(events.ClientSatisfaction, id, events.Payload{"satisfied": satisfied, "feedback": feedback})
		return nil
	})
}

// AddFinding records a vulnerability against test execution once it has started.
func (e *Engine) AddFinding(ctx context.Context, key domain.Key, in FindingInput, actor Actor) (domain.Timeline, domain.Finding, error) {
	var created domain.Finding
	t, err := e.mutate(ctx, "add-finding", key, actor, func(t *domain.Timeline, c *change) error {
		if err := checkInput(in); err != nil {
			return err
		}
		id := domain.StageExecution
		if t.CurrentStageID < id {
			return fail(ErrStageSkip, id, "test execution has not started")
		}
		if !e.Policy.CanAccessStage(id, actor.Role) {
			return fail(ErrRoleNotPermitted, id, "role %s cannot record findings", actor.Role)
		}
		created = domain.Finding{
			ID:          uuid.NewString(),
			Title:       in.Title,
			Description: in.Description,
			Severity:    in.Severity,
			Status:      domain.FindingOpen,
			Evidence:    in.Evidence,
			PoC:         in.PoC,
			CreatedAt:   c.now,
			UpdatedAt:   c.now,
		}
		t.Findings = append(t.Findings, created)
		c.record(events.FindingAdded, id, events.Payload{"finding_id": created.ID, "severity": created.Severity})
		return nil
	})
	if err != nil {
		return t, domain.Finding{}, err
	}
	return t, created, nil
}

// UpdateFindingStatus changes a finding's lifecycle independently of its stage.
func (e *Engine) UpdateFindingStatus(ctx context.Context, key domain.Key, findingID string, status domain.FindingStatus, actor Actor) (domain.Timeline, error) {
	return e.mutate(ctx, "update-finding", key, actor, func(t *domain.Timeline, c *change) error {
		switch status {
		case domain.FindingOpen, domain.FindingInProgress, domain.FindingResolved:
		default:
			return fail(ErrInvalidInput, -1, "unknown finding status %q", status)
		}
		if !e.Policy.CanAccessStage(domain.StageExecution, actor.Role) {
			return fail(ErrRoleNotPermitted, domain.StageExecution, "role %s cannot update findings", actor.Role)
		}
		for i := range t.Findings {
			f := &t.Findings[i]
			if f.ID != findingID {
				continue
			}
			if f.Status == status {
				return fail(ErrInvalidTransition, -1, "finding already %s", status)
			}
			from := f.Status
			f.Status = status
			f.UpdatedAt = c.now
			c.record(events.FindingUpdated, domain.StageExecution, events.Payload{"finding_id": f.ID, "from": from, "to": status})
			return nil
		}
		return fail(ErrUnknownEntity, -1, "finding %s not found", findingID)
	})
}

// SweepOverdue flags every unfinished stage whose due date has passed.
// It returns the number of stages flagged.
func (e *Engine) SweepOverdue(ctx context.Context) (int, error) {
	items, err := e.Store.List(ctx, repo.TimelineFilters{})
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, item := range items {
		n := 0
		_, err := e.mutate(ctx, "sweep-overdue", item.Key(), SystemActor, func(t *domain.Timeline, c *change) error {
			for i := range t.Stages {
				st := &t.Stages[i]
				if !st.Status.Started() || st.DueDate == nil || !st.DueDate.Before(c.now) {
					continue
				}
				next, err := nextStatus(i, st.Status, evFlagOverdue, st.RequiresApproval)
				if err != nil {
					continue
				}
				from := st.Status
				st.Status = next
				c.systemNote(st, fmt.Sprintf("Stage overdue since %s", st.DueDate.Format(time.DateOnly)))
				c.record(events.StageOverdue, i, events.Payload{"from": from, "due_date": st.DueDate.Format(time.RFC3339)})
				n++
			}
			if n == 0 {
				return errNoChange
			}
			return nil
		})
		if err != nil {
			return flagged, err
		}
		flagged += n
	}
	return flagged, nil
}

func markStarted(st *domain.Stage, now time.Time) {
	if st.StartedAt == nil {
		started := now
		st.StartedAt = &started
	}
	applyDueDays(st, now)
}

func applyDueDays(st *domain.Stage, now time.Time) {
	if st.DueDate == nil && st.DueDays > 0 {
		due := now.AddDate(0, 0, st.DueDays)
		st.DueDate = &due
	}
}

// completeStage stamps completion and auto-starts the following stage.
func completeStage(t *domain.Timeline, stageID int, now time.Time) {
	st := &t.Stages[stageID]
	st.Status = domain.StatusCompleted
	st.Progress = 100
	done := now
	st.CompletedAt = &done
	if next := t.Stage(stageID + 1); next != nil && next.Status == domain.StatusPending {
		next.Status = domain.StatusInProgress
		markStarted(next, now)
	}
}

// reopen sends a gated stage back to in progress, either from awaiting
// approval or after it was approved, as long as nothing later completed.
func reopen(t *domain.Timeline, stageID int, now time.Time) error {
	st := &t.Stages[stageID]
	wasCompleted := st.Status == domain.StatusCompleted
	if wasCompleted {
		for i := stageID + 1; i < len(t.Stages); i++ {
			if t.Stages[i].Status == domain.StatusCompleted {
				return fail(ErrInvalidTransition, stageID, "stage %d already completed", i)
			}
		}
	}
	next, err := nextStatus(stageID, st.Status, evReject, st.RequiresApproval)
	if err != nil {
		return err
	}
	st.Status = next
	st.CompletedAt = nil
	if st.Progress == 100 {
		st.Progress = 0
	}
	if wasCompleted {
		if after := t.Stage(stageID + 1); after != nil && after.Status != domain.StatusPending {
			after.Status = domain.StatusPending
			after.StartedAt = nil
			after.Progress = 0
		}
	}
	return nil
}
