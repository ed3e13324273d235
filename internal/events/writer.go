package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"secflow/internal/domain"
)

// Event types written to the audit log.
const (
	TimelineCreated    = "timeline.created"
	StageStatusChanged = "stage.status"
	StageAssigned      = "stage.assigned"
	StageDueSet        = "stage.due"
	StageCommented     = "stage.comment"
	StageAttachment    = "stage.attachment"
	StageSubmitted     = "stage.submitted"
	StageApproved      = "stage.approved"
	StageRejected      = "stage.rejected"
	StageOverdue       = "stage.overdue"
	ReportGenerated    = "report.generated"
	ClientSatisfaction = "client.satisfaction"
	FindingAdded       = "finding.added"
	FindingUpdated     = "finding.updated"
)

type Payload map[string]any

// New builds an event row for a timeline. stageID < 0 means timeline-level.
func New(evtType string, key domain.Key, stageID int, actorID string, role domain.Role, payload Payload, now time.Time) (domain.Event, error) {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:        now.UTC().Format(time.RFC3339),
		Type:      evtType,
		ClientID:  key.ClientID,
		ServiceID: key.ServiceID,
		ActorID:   actorID,
		ActorRole: role,
		Payload:   string(data),
	}
	if stageID >= 0 {
		id := stageID
		evt.StageID = &id
	}
	return evt, nil
}

// Writer appends events inside the caller's transaction.
type Writer struct{}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.Event) (int64, error) {
	var stage any
	if evt.StageID != nil {
		stage = *evt.StageID
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,client_id,service_id,stage_id,actor_id,actor_role,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.ClientID, evt.ServiceID, stage, evt.ActorID, nullable(string(evt.ActorRole)), evt.Payload)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
