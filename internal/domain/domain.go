package domain

import (
	"math"
	"time"
)

// StageCount is the fixed length of every pipeline.
const StageCount = 11

// Well-known stage ids referenced by engine operations.
const (
	StageOnboarding       = 0
	StageManagerAssign    = 1
	StageTesterAssign     = 4
	StageExecution        = 6
	StageReportGeneration = 7
	StageManagerReview    = 9
	StageClientReview     = 10
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleTester  Role = "tester"
	RoleClient  Role = "client"
)

var Roles = []Role{RoleAdmin, RoleManager, RoleTester, RoleClient}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleTester, RoleClient:
		return true
	}
	return false
}

type StageStatus string

const (
	StatusPending          StageStatus = "pending"
	StatusInProgress       StageStatus = "in-progress"
	StatusAwaitingApproval StageStatus = "awaiting-approval"
	StatusCompleted        StageStatus = "completed"
	StatusBlocked          StageStatus = "blocked"
	StatusOverdue          StageStatus = "overdue"
)

var Statuses = []StageStatus{
	StatusPending, StatusInProgress, StatusAwaitingApproval,
	StatusCompleted, StatusBlocked, StatusOverdue,
}

func (s StageStatus) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Started reports whether work on the stage has begun.
func (s StageStatus) Started() bool {
	return s != StatusPending && s != ""
}

type Satisfaction string

const (
	SatisfactionPending      Satisfaction = "pending"
	SatisfactionSatisfied    Satisfaction = "satisfied"
	SatisfactionDissatisfied Satisfaction = "dissatisfied"
)

// StageDef is one entry of the static stage catalog.
type StageDef struct {
	ID               int    `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	Description      string `json:"description,omitempty" yaml:"description"`
	Icon             string `json:"icon,omitempty" yaml:"icon"`
	AssignedToRole   Role   `json:"assigned_to_role" yaml:"assigned_to_role"`
	AssignedBy       Role   `json:"assigned_by,omitempty" yaml:"assigned_by"`
	ReviewedBy       Role   `json:"reviewed_by,omitempty" yaml:"reviewed_by"`
	RequiresApproval bool   `json:"requires_approval" yaml:"requires_approval"`
	IsRecurring      bool   `json:"is_recurring" yaml:"is_recurring"`
	DueDays          int    `json:"due_days,omitempty" yaml:"due_days"`
}

type Comment struct {
	ID         string    `json:"id"`
	Author     string    `json:"author"`
	AuthorRole Role      `json:"author_role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp" format:"date-time"`
	IsSystem   bool      `json:"is_system"`
}

type Attachment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Size       int64     `json:"size"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at" format:"date-time"`
	URL        string    `json:"url,omitempty"`
}

type Stage struct {
	StageDef
	Status      StageStatus  `json:"status" enum:"pending,in-progress,awaiting-approval,completed,blocked,overdue"`
	Progress    int          `json:"progress,omitempty"`
	AssignedTo  string       `json:"assigned_to,omitempty"`
	DueDate     *time.Time   `json:"due_date,omitempty" format:"date-time"`
	StartedAt   *time.Time   `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *time.Time   `json:"completed_at,omitempty" format:"date-time"`
	Comments    []Comment    `json:"comments"`
	Attachments []Attachment `json:"attachments"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

type FindingStatus string

const (
	FindingOpen       FindingStatus = "open"
	FindingInProgress FindingStatus = "in-progress"
	FindingResolved   FindingStatus = "resolved"
)

type Finding struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Severity    Severity      `json:"severity" enum:"low,medium,high,critical"`
	Status      FindingStatus `json:"status" enum:"open,in-progress,resolved"`
	Evidence    string        `json:"evidence,omitempty"`
	PoC         string        `json:"poc,omitempty"`
	CreatedAt   time.Time     `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time     `json:"updated_at" format:"date-time"`
}

// Key identifies a Timeline.
type Key struct {
	ClientID  string `json:"client_id"`
	ServiceID string `json:"service_id"`
}

func (k Key) String() string { return k.ClientID + "/" + k.ServiceID }

type Timeline struct {
	ClientID        string       `json:"client_id"`
	ClientName      string       `json:"client_name,omitempty"`
	ServiceID       string       `json:"service_id"`
	ServiceName     string       `json:"service_name,omitempty"`
	Stages          []Stage      `json:"stages"`
	CurrentStageID  int          `json:"current_stage_id"`
	OverallProgress int          `json:"overall_progress"`
	Version         int          `json:"version"`
	AssignedManager string       `json:"assigned_manager,omitempty"`
	AssignedTester  string       `json:"assigned_tester,omitempty"`
	Satisfaction    Satisfaction `json:"satisfaction" enum:"pending,satisfied,dissatisfied"`
	Feedback        string       `json:"feedback,omitempty"`
	Findings        []Finding    `json:"findings"`
	CreatedAt       time.Time    `json:"created_at" format:"date-time"`
	LastUpdated     time.Time    `json:"last_updated" format:"date-time"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty" format:"date-time"`
}

func (t Timeline) Key() Key { return Key{ClientID: t.ClientID, ServiceID: t.ServiceID} }

// Stage returns a pointer into t.Stages, or nil when id is out of range.
func (t *Timeline) Stage(id int) *Stage {
	if id < 0 || id >= len(t.Stages) {
		return nil
	}
	return &t.Stages[id]
}

// ComputeCurrentStageID returns the lowest id not completed, or len(stages)
// when every stage is completed.
func (t Timeline) ComputeCurrentStageID() int {
	for i, s := range t.Stages {
		if s.Status != StatusCompleted {
			return i
		}
	}
	return len(t.Stages)
}

// ProgressRatio is the unrounded completion fraction in [0,1]. The current
// stage contributes its partial progress once started, including while it
// awaits approval or is flagged blocked or overdue.
func (t Timeline) ProgressRatio() float64 {
	if len(t.Stages) == 0 {
		return 0
	}
	done := 0.0
	for _, s := range t.Stages {
		if s.Status == StatusCompleted {
			done++
		}
	}
	if cur := t.ComputeCurrentStageID(); cur < len(t.Stages) {
		s := t.Stages[cur]
		if s.Status.Started() && s.Progress > 0 {
			done += float64(clamp(s.Progress, 0, 100)) / 100
		}
	}
	return done / float64(len(t.Stages))
}

// Recompute refreshes derived fields. Callers never set them directly.
func (t *Timeline) Recompute() {
	t.CurrentStageID = t.ComputeCurrentStageID()
	t.OverallProgress = int(math.Round(t.ProgressRatio() * 100))
}

// IsTerminal reports whether client review completed with satisfaction.
func (t Timeline) IsTerminal() bool {
	if len(t.Stages) <= StageClientReview {
		return false
	}
	return t.Stages[StageClientReview].Status == StatusCompleted && t.Satisfaction == SatisfactionSatisfied
}

// HasStatus reports whether any stage currently carries status s.
func (t Timeline) HasStatus(s StageStatus) bool {
	for _, st := range t.Stages {
		if st.Status == s {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (t Timeline) Clone() Timeline {
	out := t
	out.Stages = make([]Stage, len(t.Stages))
	for i, s := range t.Stages {
		c := s
		c.Comments = append([]Comment{}, s.Comments...)
		c.Attachments = append([]Attachment{}, s.Attachments...)
		c.DueDate = cloneTime(s.DueDate)
		c.StartedAt = cloneTime(s.StartedAt)
		c.CompletedAt = cloneTime(s.CompletedAt)
		out.Stages[i] = c
	}
	out.Findings = append([]Finding{}, t.Findings...)
	out.CompletedAt = cloneTime(t.CompletedAt)
	return out
}

// NewTimeline builds the onboarding state from a catalog: stage 0 in
// progress, the rest pending.
func NewTimeline(key Key, catalog []StageDef, now time.Time) Timeline {
	t := Timeline{
		ClientID:     key.ClientID,
		ServiceID:    key.ServiceID,
		Stages:       make([]Stage, len(catalog)),
		Version:      1,
		Satisfaction: SatisfactionPending,
		Findings:     []Finding{},
		CreatedAt:    now,
		LastUpdated:  now,
	}
	for i, def := range catalog {
		t.Stages[i] = Stage{
			StageDef:    def,
			Status:      StatusPending,
			Comments:    []Comment{},
			Attachments: []Attachment{},
		}
	}
	if len(t.Stages) > 0 {
		t.Stages[0].Status = StatusInProgress
		started := now
		t.Stages[0].StartedAt = &started
	}
	t.Recompute()
	return t
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ClientID  string `json:"client_id"`
	ServiceID string `json:"service_id"`
	StageID   *int   `json:"stage_id,omitempty"`
	ActorID   string `json:"actor_id"`
	ActorRole Role   `json:"actor_role,omitempty"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
