package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secflow/internal/config"
	"secflow/internal/db"
	"secflow/internal/domain"
	"secflow/internal/events"
	"secflow/internal/migrate"
)

type store interface {
	Get(ctx context.Context, key domain.Key) (domain.Timeline, error)
	List(ctx context.Context, f TimelineFilters) ([]domain.Timeline, error)
	Create(ctx context.Context, t domain.Timeline, evts []domain.Event) error
	CreateMany(ctx context.Context, items []NewTimeline) error
	Save(ctx context.Context, t domain.Timeline, expected int, evts []domain.Event) error
	LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error)
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

var now = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return New(conn)
}

func stores(t *testing.T) map[string]store {
	return map[string]store{
		"sqlite": openSQLite(t),
		"memory": NewMemory(),
	}
}

func sample(clientID, serviceID, serviceName string) domain.Timeline {
	t := domain.NewTimeline(domain.Key{ClientID: clientID, ServiceID: serviceID}, config.Default("repo").Catalog(), now)
	t.ServiceName = serviceName
	return t
}

func event(t *testing.T, typ string, tl domain.Timeline) domain.Event {
	t.Helper()
	evt, err := events.New(typ, tl.Key(), 0, "alice", domain.RoleAdmin, events.Payload{"k": "v"}, now)
	require.NoError(t, err)
	return evt
}

func TestCreateGetSave(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tl := sample("acme", "pentest", "Pentest")
			require.NoError(t, s.Create(ctx, tl, []domain.Event{event(t, events.TimelineCreated, tl)}))
			err := s.Create(ctx, tl, nil)
			assert.True(t, errors.Is(err, ErrExists), "got %v", err)

			got, err := s.Get(ctx, tl.Key())
			require.NoError(t, err)
			assert.Equal(t, tl.Stages[0].Status, got.Stages[0].Status)
			assert.Equal(t, 1, got.Version)

			got.Stages[0].Status = domain.StatusCompleted
			got.Stages[1].Status = domain.StatusInProgress
			got.Version = 2
			got.Recompute()
			require.NoError(t, s.Save(ctx, got, 1, []domain.Event{event(t, events.StageStatusChanged, got)}))

			err = s.Save(ctx, got, 1, nil)
			assert.True(t, errors.Is(err, ErrConflict), "stale save should conflict, got %v", err)

			again, err := s.Get(ctx, tl.Key())
			require.NoError(t, err)
			assert.Equal(t, 2, again.Version)
			assert.Equal(t, 1, again.CurrentStageID)

			_, err = s.Get(ctx, domain.Key{ClientID: "nope", ServiceID: "x"})
			assert.True(t, errors.Is(err, ErrNotFound))
			err = s.Save(ctx, sample("nope", "x", "y"), 1, nil)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestCreateManyIsAtomic(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			taken := sample("acme", "pentest", "Pentest")
			require.NoError(t, s.Create(ctx, taken, nil))

			fresh := sample("globex", "audit", "Audit")
			err := s.CreateMany(ctx, []NewTimeline{
				{Timeline: fresh, Events: []domain.Event{event(t, events.TimelineCreated, fresh)}},
				{Timeline: taken},
			})
			assert.True(t, errors.Is(err, ErrExists), "got %v", err)
			_, err = s.Get(ctx, fresh.Key())
			assert.True(t, errors.Is(err, ErrNotFound), "fresh timeline stored from a failed batch: %v", err)
			evts, err := s.LatestEvents(ctx, 10, EventFilters{ClientID: "globex"})
			require.NoError(t, err)
			assert.Empty(t, evts)

			dup := sample("initech", "scan", "Scan")
			err = s.CreateMany(ctx, []NewTimeline{{Timeline: dup}, {Timeline: dup}})
			assert.True(t, errors.Is(err, ErrExists), "duplicate inside a batch: %v", err)

			other := sample("initech", "review", "Review")
			require.NoError(t, s.CreateMany(ctx, []NewTimeline{{Timeline: fresh}, {Timeline: other}}))
			items, err := s.List(ctx, TimelineFilters{})
			require.NoError(t, err)
			assert.Len(t, items, 3)
		})
	}
}

func TestListFilters(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, tl := range []domain.Timeline{
				sample("globex", "audit", "Audit"),
				sample("acme", "pentest", "Pentest"),
				sample("acme", "audit", "Audit"),
			} {
				require.NoError(t, s.Create(ctx, tl, nil))
			}
			all, err := s.List(ctx, TimelineFilters{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, domain.Key{ClientID: "acme", ServiceID: "audit"}, all[0].Key())

			acme, err := s.List(ctx, TimelineFilters{ClientID: "acme"})
			require.NoError(t, err)
			assert.Len(t, acme, 2)

			audits, err := s.List(ctx, TimelineFilters{ServiceName: "Audit"})
			require.NoError(t, err)
			assert.Len(t, audits, 2)
		})
	}
}

func TestEventCursor(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tl := sample("acme", "pentest", "Pentest")
			evts := []domain.Event{
				event(t, events.TimelineCreated, tl),
				event(t, events.StageCommented, tl),
				event(t, events.StageAssigned, tl),
			}
			require.NoError(t, s.Create(ctx, tl, evts))

			latest, err := s.LatestEventID(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(3), latest)

			after, err := s.EventsAfter(ctx, 1, 10)
			require.NoError(t, err)
			require.Len(t, after, 2)
			assert.Equal(t, events.StageCommented, after[0].Type)
			require.NotNil(t, after[0].StageID)
			assert.Equal(t, 0, *after[0].StageID)

			recent, err := s.LatestEvents(ctx, 10, EventFilters{Type: events.StageAssigned})
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, domain.RoleAdmin, recent[0].ActorRole)
			assert.JSONEq(t, `{"k":"v"}`, recent[0].Payload)

			older, err := s.LatestEvents(ctx, 10, EventFilters{BeforeID: 3})
			require.NoError(t, err)
			require.Len(t, older, 2)
			assert.Equal(t, int64(2), older[0].ID)
		})
	}
}

func TestAPIKeys(t *testing.T) {
	r := openSQLite(t)
	ctx := context.Background()
	key := domain.APIKey{ID: "k1", ActorID: "carl", Role: domain.RoleClient, Name: "portal", KeyHash: HashAPIKey("secret ")}
	require.NoError(t, r.InsertAPIKey(ctx, key))
	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey("secret"))
	require.NoError(t, err)
	assert.Equal(t, "carl", got.ActorID)
	assert.Equal(t, domain.RoleClient, got.Role)

	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey("other"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Error(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "k2", ActorID: "x", Role: "root", KeyHash: "h"}))

	keys, err := r.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].KeyHash)
}
