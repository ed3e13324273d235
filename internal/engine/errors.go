package engine

import (
	"errors"
	"fmt"
)

// Failure kinds. Every rejected operation leaves the timeline unchanged and
// returns a *TransitionError whose kind matches one of these via errors.Is.
var (
	ErrStageSkip         = errors.New("stage skip violation")
	ErrRoleNotPermitted  = errors.New("role not permitted")
	ErrUnknownEntity     = errors.New("unknown entity")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidInput      = errors.New("invalid input")
)

// TransitionError reports why an operation was rejected.
type TransitionError struct {
	Kind    error
	StageID int
	Msg     string
}

func (e *TransitionError) Error() string {
	if e.StageID >= 0 {
		return fmt.Sprintf("%s: stage %d: %s", e.Kind, e.StageID, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *TransitionError) Unwrap() error { return e.Kind }

func fail(kind error, stageID int, format string, args ...any) error {
	return &TransitionError{Kind: kind, StageID: stageID, Msg: fmt.Sprintf(format, args...)}
}
