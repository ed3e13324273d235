package engine

import (
	"context"

	"secflow/internal/domain"
	"secflow/internal/intent"
	"secflow/internal/repo"
)

// Session is per-user navigation state. It selects which timeline later
// operations target and never mutates a timeline.
type Session struct {
	Actor     Actor
	ClientID  string
	ServiceID string
	StageID   int
	FindingID string
	Page      intent.Kind

	engine *Engine
}

func (e *Engine) NewSession(actor Actor) *Session {
	return &Session{Actor: actor, StageID: -1, Page: intent.KindDashboard, engine: e}
}

// Key is the selected timeline, if both parts are set.
func (s *Session) Key() (domain.Key, bool) {
	if s.ClientID == "" || s.ServiceID == "" {
		return domain.Key{}, false
	}
	return domain.Key{ClientID: s.ClientID, ServiceID: s.ServiceID}, true
}

// SelectClient reports false and changes nothing when no timeline exists for id.
func (s *Session) SelectClient(ctx context.Context, clientID string) bool {
	items, err := s.engine.Store.List(ctx, repo.TimelineFilters{ClientID: clientID})
	if err != nil || len(items) == 0 || clientID == "" {
		return false
	}
	if s.ClientID != clientID {
		s.ServiceID = ""
	}
	s.ClientID = clientID
	return true
}

// SelectService needs a selected client first.
func (s *Session) SelectService(ctx context.Context, serviceID string) bool {
	if s.ClientID == "" || serviceID == "" {
		return false
	}
	if _, err := s.engine.Store.Get(ctx, domain.Key{ClientID: s.ClientID, ServiceID: serviceID}); err != nil {
		return false
	}
	s.ServiceID = serviceID
	return true
}

// Apply resolves a navigation intent against stored timelines and updates
// the selection. On error the session is unchanged.
func (s *Session) Apply(ctx context.Context, in intent.Intent) error {
	next := *s
	switch v := in.(type) {
	case intent.Dashboard:
		next.StageID, next.FindingID = -1, ""
	case intent.ClientDetail:
		if !next.SelectClient(ctx, v.ClientID) {
			return fail(ErrUnknownEntity, -1, "client %s not found", v.ClientID)
		}
		next.ServiceID, next.StageID, next.FindingID = "", -1, ""
	case intent.ServiceTimeline:
		if _, err := s.resolve(ctx, &next, v.Key); err != nil {
			return err
		}
		next.StageID, next.FindingID = -1, ""
	case intent.StageDetail:
		t, err := s.resolve(ctx, &next, v.Key)
		if err != nil {
			return err
		}
		if t.Stage(v.StageID) == nil {
			return fail(ErrUnknownEntity, v.StageID, "no such stage")
		}
		if !s.visible(v.StageID) {
			return fail(ErrRoleNotPermitted, v.StageID, "stage not visible to role %s", s.Actor.Role)
		}
		next.StageID, next.FindingID = v.StageID, ""
	case intent.FindingDetail:
		t, err := s.resolve(ctx, &next, v.Key)
		if err != nil {
			return err
		}
		found := false
		for _, f := range t.Findings {
			if f.ID == v.FindingID {
				found = true
				break
			}
		}
		if !found {
			return fail(ErrUnknownEntity, -1, "finding %s not found", v.FindingID)
		}
		next.StageID, next.FindingID = domain.StageExecution, v.FindingID
	default:
		return fail(ErrInvalidInput, -1, "unsupported intent %T", in)
	}
	next.Page = in.Kind()
	*s = next
	return nil
}

func (s *Session) resolve(ctx context.Context, next *Session, key domain.Key) (domain.Timeline, error) {
	t, err := s.engine.Get(ctx, key)
	if err != nil {
		return t, err
	}
	next.ClientID, next.ServiceID = key.ClientID, key.ServiceID
	return t, nil
}

func (s *Session) visible(stageID int) bool {
	for _, st := range s.engine.Policy.StagesForRole(s.Actor.Role) {
		if st.ID == stageID {
			return true
		}
	}
	return false
}
