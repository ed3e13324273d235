package server

import (
	"encoding/json"
	"time"

	"secflow/internal/access"
	"secflow/internal/config"
	"secflow/internal/domain"
	"secflow/internal/metrics"
)

// Request payloads

type CreateTimelineRequest struct {
	ClientID    string `json:"client_id" minLength:"1"`
	ClientName  string `json:"client_name,omitempty"`
	ServiceID   string `json:"service_id" minLength:"1"`
	ServiceName string `json:"service_name" minLength:"1"`
}

type UpdateStatusRequest struct {
	Status   domain.StageStatus `json:"status" enum:"pending,in-progress,awaiting-approval,completed,blocked,overdue"`
	Progress *int               `json:"progress,omitempty" minimum:"0" maximum:"100"`
}

type AssignRequest struct {
	UserID string      `json:"user_id" minLength:"1"`
	Role   domain.Role `json:"role" enum:"admin,manager,tester,client"`
}

type DueDateRequest struct {
	DueDate time.Time `json:"due_date" format:"date-time"`
}

type CommentRequest struct {
	Content string `json:"content" minLength:"1"`
}

type AttachmentRequest struct {
	Name string `json:"name" minLength:"1"`
	Type string `json:"type" minLength:"1"`
	Size int64  `json:"size" minimum:"0"`
	URL  string `json:"url,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason" minLength:"1"`
}

type SatisfactionRequest struct {
	Satisfied bool   `json:"satisfied"`
	Feedback  string `json:"feedback,omitempty"`
}

type FindingRequest struct {
	Title       string          `json:"title" minLength:"1"`
	Description string          `json:"description,omitempty"`
	Severity    domain.Severity `json:"severity" enum:"low,medium,high,critical"`
	Evidence    string          `json:"evidence,omitempty"`
	PoC         string          `json:"poc,omitempty"`
}

type FindingStatusRequest struct {
	Status domain.FindingStatus `json:"status" enum:"open,in-progress,resolved"`
}

type TickerRequest struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message" minLength:"1"`
}

type DevLoginRequest struct {
	ActorID string      `json:"actor_id" minLength:"1"`
	Role    domain.Role `json:"role" enum:"admin,manager,tester,client"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ImportResponse struct {
	Imported int `json:"imported"`
}

type FindingResponse struct {
	Finding  domain.Finding  `json:"finding"`
	Timeline domain.Timeline `json:"timeline"`
}

type StageView struct {
	domain.StageDef
	CanAct    bool `json:"can_act"`
	CanAssign bool `json:"can_assign"`
	CanReview bool `json:"can_review"`
}

type StagesResponse struct {
	Role   domain.Role `json:"role"`
	Stages []StageView `json:"stages"`
}

type MetricsResponse struct {
	Overall      metrics.Overall         `json:"overall"`
	Distribution []metrics.StatusCount   `json:"distribution"`
	Clients      []metrics.ClientStats   `json:"clients"`
	Services     []metrics.ServiceStats  `json:"services"`
	Trends       []metrics.TrendPoint    `json:"trends"`
	Workload     []metrics.RoleWorkload  `json:"workload"`
	Findings     []metrics.SeverityCount `json:"findings"`
}

type NavigationResponse struct {
	Page      string           `json:"page"`
	ClientID  string           `json:"client_id,omitempty"`
	ServiceID string           `json:"service_id,omitempty"`
	StageID   *int             `json:"stage_id,omitempty"`
	FindingID string           `json:"finding_id,omitempty"`
	Timeline  *domain.Timeline `json:"timeline,omitempty"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	ClientID  string         `json:"client_id"`
	ServiceID string         `json:"service_id"`
	StageID   *int           `json:"stage_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	ActorRole domain.Role    `json:"actor_role,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type TickerResponse struct {
	Items []config.NewsItem `json:"items"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		ClientID:  e.ClientID,
		ServiceID: e.ServiceID,
		StageID:   e.StageID,
		ActorID:   e.ActorID,
		ActorRole: e.ActorRole,
		Payload:   decodeJSONMap(e.Payload),
	}
}

func stageViews(p access.Policy, role domain.Role) []StageView {
	defs := p.StagesForRole(role)
	out := make([]StageView, 0, len(defs))
	for _, def := range defs {
		out = append(out, StageView{
			StageDef:  def,
			CanAct:    p.CanAccessStage(def.ID, role),
			CanAssign: p.CanAssign(def.ID, role),
			CanReview: p.CanReview(def.ID, role),
		})
	}
	return out
}

func metricsResponse(a metrics.Aggregator) MetricsResponse {
	return MetricsResponse{
		Overall:      a.OverallMetrics(),
		Distribution: nonNilSlice(a.StageStatusDistribution()),
		Clients:      nonNilSlice(a.ClientPerformance()),
		Services:     nonNilSlice(a.ServiceTypeAnalysis()),
		Trends:       nonNilSlice(a.TimelineTrends()),
		Workload:     nonNilSlice(a.TeamWorkload()),
		Findings:     nonNilSlice(a.FindingsBySeverity()),
	}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}
