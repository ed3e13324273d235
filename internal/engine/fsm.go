package engine

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"

	"secflow/internal/domain"
)

// State ids for statekit; kept as untyped constants so they convert to
// statekit.StateID. Values mirror domain.StageStatus.
const (
	statePending          = "pending"
	stateInProgress       = "in-progress"
	stateAwaitingApproval = "awaiting-approval"
	stateCompleted        = "completed"
	stateBlocked          = "blocked"
	stateOverdue          = "overdue"
)

const (
	evStart       = "start"
	evComplete    = "complete"
	evSubmit      = "submit"
	evApprove     = "approve"
	evReject      = "reject"
	evBlock       = "block"
	evFlagOverdue = "flag-overdue"
	evResume      = "resume"
)

func init() {
	pairs := map[string]domain.StageStatus{
		statePending:          domain.StatusPending,
		stateInProgress:       domain.StatusInProgress,
		stateAwaitingApproval: domain.StatusAwaitingApproval,
		stateCompleted:        domain.StatusCompleted,
		stateBlocked:          domain.StatusBlocked,
		stateOverdue:          domain.StatusOverdue,
	}
	for st, status := range pairs {
		if st != string(status) {
			panic(fmt.Sprintf("stage machine state %q does not match status %q", st, status))
		}
	}
}

type stageContext struct {
	RequiresApproval bool
}

func buildStageMachine(initial domain.StageStatus, requiresApproval bool) (*statekit.Interpreter[stageContext], error) {
	builder := statekit.NewMachine[stageContext]("stage-machine").
		WithInitial(statekit.StateID(string(initial))).
		WithContext(stageContext{RequiresApproval: requiresApproval}).
		WithGuard("direct", func(ctx stageContext, _ statekit.Event) bool {
			return !ctx.RequiresApproval
		}).
		WithGuard("gated", func(ctx stageContext, _ statekit.Event) bool {
			return ctx.RequiresApproval
		})

	builder.State(statePending).
		On(evStart).Target(stateInProgress).
		On(evComplete).Target(stateCompleted).Guard("direct").
		On(evBlock).Target(stateBlocked).
		On(evFlagOverdue).Target(stateOverdue).
		Done()

	builder.State(stateInProgress).
		On(evComplete).Target(stateCompleted).Guard("direct").
		On(evSubmit).Target(stateAwaitingApproval).Guard("gated").
		On(evBlock).Target(stateBlocked).
		On(evFlagOverdue).Target(stateOverdue).
		Done()

	builder.State(stateAwaitingApproval).
		On(evApprove).Target(stateCompleted).
		On(evReject).Target(stateInProgress).
		On(evBlock).Target(stateBlocked).
		On(evFlagOverdue).Target(stateOverdue).
		Done()

	// blocked halts work and must resume first; overdue only flags a missed
	// deadline, so the work can still be finished directly
	builder.State(stateBlocked).
		On(evResume).Target(stateInProgress).
		On(evFlagOverdue).Target(stateOverdue).
		Done()

	builder.State(stateOverdue).
		On(evResume).Target(stateInProgress).
		On(evComplete).Target(stateCompleted).Guard("direct").
		On(evBlock).Target(stateBlocked).
		Done()

	// approved gates can be sent back by their reviewer
	builder.State(stateCompleted).
		On(evReject).Target(stateInProgress).Guard("gated").
		Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build stage machine: %w", err)
	}
	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}

// nextStatus fires event against a stage in status from and returns the
// resulting status, or ErrInvalidTransition when the machine refuses it.
func nextStatus(stageID int, from domain.StageStatus, event string, requiresApproval bool) (domain.StageStatus, error) {
	interp, err := buildStageMachine(from, requiresApproval)
	if err != nil {
		return from, err
	}
	interp.Send(statekit.Event{Type: statekit.EventType(event)})
	after := domain.StageStatus(interp.State().Value)
	if after == from {
		return from, fail(ErrInvalidTransition, stageID, "%s is not allowed while the stage is %s", event, from)
	}
	return after, nil
}

// eventForStatus maps a requested target status onto a machine event.
func eventForStatus(from, to domain.StageStatus) (string, bool) {
	switch to {
	case domain.StatusCompleted:
		return evComplete, true
	case domain.StatusBlocked:
		return evBlock, true
	case domain.StatusOverdue:
		return evFlagOverdue, true
	case domain.StatusInProgress:
		if from == domain.StatusPending {
			return evStart, true
		}
		return evResume, true
	}
	return "", false
}
