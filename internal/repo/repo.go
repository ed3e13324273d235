package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"secflow/internal/domain"
	"secflow/internal/events"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrConflict = errors.New("version conflict")
)

// Repo is the SQLite-backed timeline store and event log. Timelines are
// stored as whole JSON snapshots so a save is atomic.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

type TimelineFilters struct {
	ClientID    string
	ServiceID   string
	ServiceName string
}

type EventFilters struct {
	ClientID  string
	ServiceID string
	Type      string
	// BeforeID restricts results to ids strictly below it when > 0.
	BeforeID int64
}

func scanTimeline(data string) (domain.Timeline, error) {
	var t domain.Timeline
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return t, fmt.Errorf("decode timeline snapshot: %w", err)
	}
	t.Recompute()
	return t, nil
}

func (r Repo) Get(ctx context.Context, key domain.Key) (domain.Timeline, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT snapshot_json FROM timelines WHERE client_id=? AND service_id=?`,
		key.ClientID, key.ServiceID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Timeline{}, fmt.Errorf("timeline %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return domain.Timeline{}, err
	}
	return scanTimeline(data)
}

func (r Repo) List(ctx context.Context, f TimelineFilters) ([]domain.Timeline, error) {
	var (
		where []string
		args  []any
	)
	if f.ClientID != "" {
		where = append(where, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.ServiceID != "" {
		where = append(where, "service_id=?")
		args = append(args, f.ServiceID)
	}
	if f.ServiceName != "" {
		where = append(where, "service_name=?")
		args = append(args, f.ServiceName)
	}
	query := `SELECT snapshot_json FROM timelines`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY client_id, service_id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Timeline
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := scanTimeline(data)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// NewTimeline pairs a timeline with the events recorded for its creation.
type NewTimeline struct {
	Timeline domain.Timeline
	Events   []domain.Event
}

// Create inserts a new timeline together with its creation events.
func (r Repo) Create(ctx context.Context, t domain.Timeline, evts []domain.Event) error {
	return r.CreateMany(ctx, []NewTimeline{{Timeline: t, Events: evts}})
}

// CreateMany inserts every timeline in one transaction. Nothing is stored if
// any key already exists.
func (r Repo) CreateMany(ctx context.Context, items []NewTimeline) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, item := range items {
		if err := r.insertTimeline(ctx, tx, item.Timeline); err != nil {
			return err
		}
		if err := r.appendEvents(ctx, tx, item.Events); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) insertTimeline(ctx context.Context, tx *sql.Tx, t domain.Timeline) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM timelines WHERE client_id=? AND service_id=?`, t.ClientID, t.ServiceID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("timeline %s: %w", t.Key(), ErrExists)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO timelines(client_id,service_id,client_name,service_name,version,current_stage,progress,snapshot_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ClientID, t.ServiceID, nullable(t.ClientName), nullable(t.ServiceName), t.Version, t.CurrentStageID, t.OverallProgress, string(data),
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.LastUpdated.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert timeline: %w", err)
	}
	return nil
}

// Save replaces a timeline snapshot if the stored version equals expected.
func (r Repo) Save(ctx context.Context, t domain.Timeline, expected int, evts []domain.Event) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE timelines SET client_name=?, service_name=?, version=?, current_stage=?, progress=?, snapshot_json=?, updated_at=? WHERE client_id=? AND service_id=? AND version=?`,
		nullable(t.ClientName), nullable(t.ServiceName), t.Version, t.CurrentStageID, t.OverallProgress, string(data),
		t.LastUpdated.UTC().Format(time.RFC3339Nano), t.ClientID, t.ServiceID, expected)
	if err != nil {
		return fmt.Errorf("update timeline: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM timelines WHERE client_id=? AND service_id=?`, t.ClientID, t.ServiceID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("timeline %s: %w", t.Key(), ErrNotFound)
		}
		return fmt.Errorf("timeline %s at version %d: %w", t.Key(), expected, ErrConflict)
	}
	if err := r.appendEvents(ctx, tx, evts); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) appendEvents(ctx context.Context, tx *sql.Tx, evts []domain.Event) error {
	for _, evt := range evts {
		if _, err := r.Events.Append(ctx, tx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		where []string
		args  []any
	)
	if f.ClientID != "" {
		where = append(where, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.ServiceID != "" {
		where = append(where, "service_id=?")
		args = append(args, f.ServiceID)
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	if f.BeforeID > 0 {
		where = append(where, "id<?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id,ts,type,client_id,service_id,stage_id,actor_id,COALESCE(actor_role,''),payload_json FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id > cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,client_id,service_id,stage_id,actor_id,COALESCE(actor_role,''),payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e     domain.Event
			stage sql.NullInt64
			role  string
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ClientID, &e.ServiceID, &stage, &e.ActorID, &role, &e.Payload); err != nil {
			return nil, err
		}
		if stage.Valid {
			v := int(stage.Int64)
			e.StageID = &v
		}
		e.ActorRole = domain.Role(role)
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
