// Package access decides which role may see or act on which pipeline stage.
// It is advisory: it drives what callers enable, it is not a trust boundary.
package access

import (
	"fmt"

	"secflow/internal/domain"
)

// ForbiddenError indicates the acting role may not perform an action on a stage.
type ForbiddenError struct {
	StageID int
	Role    domain.Role
	Action  string
}

func (e ForbiddenError) Error() string {
	if e.StageID < 0 {
		return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
	}
	return fmt.Sprintf("role %s may not %s stage %d", e.Role, e.Action, e.StageID)
}

// Policy is built from the stage catalog and holds no other state.
type Policy struct {
	stages []domain.StageDef
}

func New(catalog []domain.StageDef) Policy {
	return Policy{stages: append([]domain.StageDef(nil), catalog...)}
}

func (p Policy) stage(id int) (domain.StageDef, bool) {
	if id < 0 || id >= len(p.stages) {
		return domain.StageDef{}, false
	}
	return p.stages[id], true
}

// CanAccessStage reports whether role works the stage. Admin always passes.
func (p Policy) CanAccessStage(stageID int, role domain.Role) bool {
	st, ok := p.stage(stageID)
	if !ok {
		return false
	}
	return role == domain.RoleAdmin || role == st.AssignedToRole
}

// CanAssign reports whether role may assign people or due dates on the stage.
func (p Policy) CanAssign(stageID int, role domain.Role) bool {
	st, ok := p.stage(stageID)
	if !ok {
		return false
	}
	if role == domain.RoleAdmin {
		return true
	}
	by := st.AssignedBy
	if by == "" {
		by = domain.RoleAdmin
	}
	return role == by
}

// CanReview reports whether role may approve or reject an approval-gated stage.
func (p Policy) CanReview(stageID int, role domain.Role) bool {
	st, ok := p.stage(stageID)
	if !ok || !st.RequiresApproval {
		return false
	}
	return role == domain.RoleAdmin || role == st.ReviewedBy
}

// StagesForRole returns the stages a role sees, in pipeline order.
func (p Policy) StagesForRole(role domain.Role) []domain.StageDef {
	var out []domain.StageDef
	for _, st := range p.stages {
		switch role {
		case domain.RoleAdmin:
			out = append(out, st)
		case domain.RoleManager:
			// manager review is shown even if the catalog moves its owner
			if st.AssignedToRole == domain.RoleManager || st.ID == domain.StageManagerReview {
				out = append(out, st)
			}
		case domain.RoleTester:
			if st.AssignedToRole == domain.RoleTester {
				out = append(out, st)
			}
		case domain.RoleClient:
			if st.ID == domain.StageClientReview {
				out = append(out, st)
			}
		}
	}
	return out
}
