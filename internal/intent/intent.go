// Package intent describes navigation targets. Each variant carries only
// what its page needs.
package intent

import (
	"fmt"

	"secflow/internal/domain"
)

type Kind string

const (
	KindDashboard       Kind = "dashboard"
	KindClientDetail    Kind = "client-detail"
	KindServiceTimeline Kind = "service-timeline"
	KindStageDetail     Kind = "stage-detail"
	KindFindingDetail   Kind = "finding-detail"
)

// Intent is implemented only by the types in this package.
type Intent interface {
	Kind() Kind
	isIntent()
}

type Dashboard struct{}

type ClientDetail struct {
	ClientID string
}

type ServiceTimeline struct {
	Key domain.Key
}

type StageDetail struct {
	Key     domain.Key
	StageID int
}

type FindingDetail struct {
	Key       domain.Key
	FindingID string
}

func (Dashboard) Kind() Kind       { return KindDashboard }
func (ClientDetail) Kind() Kind    { return KindClientDetail }
func (ServiceTimeline) Kind() Kind { return KindServiceTimeline }
func (StageDetail) Kind() Kind     { return KindStageDetail }
func (FindingDetail) Kind() Kind   { return KindFindingDetail }

func (Dashboard) isIntent()       {}
func (ClientDetail) isIntent()    {}
func (ServiceTimeline) isIntent() {}
func (StageDetail) isIntent()     {}
func (FindingDetail) isIntent()   {}

// Parse builds an intent from a kind and loosely typed route parameters,
// as they arrive from a query string or CLI flags.
func Parse(kind Kind, clientID, serviceID string, stageID int, findingID string) (Intent, error) {
	key := domain.Key{ClientID: clientID, ServiceID: serviceID}
	switch kind {
	case KindDashboard, "":
		return Dashboard{}, nil
	case KindClientDetail:
		if clientID == "" {
			return nil, fmt.Errorf("%s: client id required", kind)
		}
		return ClientDetail{ClientID: clientID}, nil
	case KindServiceTimeline:
		if clientID == "" || serviceID == "" {
			return nil, fmt.Errorf("%s: client and service id required", kind)
		}
		return ServiceTimeline{Key: key}, nil
	case KindStageDetail:
		if clientID == "" || serviceID == "" || stageID < 0 {
			return nil, fmt.Errorf("%s: client, service and stage id required", kind)
		}
		return StageDetail{Key: key, StageID: stageID}, nil
	case KindFindingDetail:
		if clientID == "" || serviceID == "" || findingID == "" {
			return nil, fmt.Errorf("%s: client, service and finding id required", kind)
		}
		return FindingDetail{Key: key, FindingID: findingID}, nil
	}
	return nil, fmt.Errorf("unknown intent %q", kind)
}
