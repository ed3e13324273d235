package access_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"secflow/internal/access"
	"secflow/internal/config"
	"secflow/internal/domain"
)

func newPolicy() access.Policy {
	return access.New(config.Default("test").Catalog())
}

func ids(defs []domain.StageDef) []int {
	out := make([]int, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}

func TestCanAccessStage(t *testing.T) {
	p := newPolicy()
	for id := 0; id < domain.StageCount; id++ {
		assert.True(t, p.CanAccessStage(id, domain.RoleAdmin), "admin stage %d", id)
	}
	assert.True(t, p.CanAccessStage(6, domain.RoleTester))
	assert.False(t, p.CanAccessStage(6, domain.RoleManager))
	assert.True(t, p.CanAccessStage(10, domain.RoleClient))
	assert.False(t, p.CanAccessStage(9, domain.RoleClient))
	assert.False(t, p.CanAccessStage(11, domain.RoleAdmin))
	assert.False(t, p.CanAccessStage(-1, domain.RoleAdmin))
}

func TestStagesForRole(t *testing.T) {
	p := newPolicy()
	assert.Len(t, p.StagesForRole(domain.RoleAdmin), domain.StageCount)
	assert.Equal(t, []int{2, 3, 4, 9}, ids(p.StagesForRole(domain.RoleManager)))
	assert.Equal(t, []int{5, 6, 7}, ids(p.StagesForRole(domain.RoleTester)))
	assert.Equal(t, []int{10}, ids(p.StagesForRole(domain.RoleClient)))
	assert.Empty(t, p.StagesForRole("auditor"))
}

func TestManagerSeesReviewGateWhenOwnedElsewhere(t *testing.T) {
	catalog := config.Default("test").Catalog()
	catalog[9].AssignedToRole = domain.RoleAdmin
	p := access.New(catalog)
	assert.Contains(t, ids(p.StagesForRole(domain.RoleManager)), 9)
}

func TestAssignAndReviewGates(t *testing.T) {
	p := newPolicy()
	assert.True(t, p.CanAssign(1, domain.RoleAdmin))
	assert.False(t, p.CanAssign(1, domain.RoleManager))
	assert.True(t, p.CanAssign(4, domain.RoleManager))
	assert.False(t, p.CanAssign(4, domain.RoleTester))

	assert.True(t, p.CanReview(9, domain.RoleManager))
	assert.False(t, p.CanReview(9, domain.RoleTester))
	assert.True(t, p.CanReview(10, domain.RoleClient))
	assert.True(t, p.CanReview(10, domain.RoleAdmin))
	assert.False(t, p.CanReview(6, domain.RoleAdmin), "stage without approval gate")
}

func TestForbiddenErrorMessage(t *testing.T) {
	err := access.ForbiddenError{StageID: 4, Role: domain.RoleTester, Action: "assign"}
	assert.Equal(t, "role tester may not assign stage 4", err.Error())
}

func TestForbiddenErrorWithoutStage(t *testing.T) {
	err := access.ForbiddenError{StageID: -1, Role: domain.RoleClient, Action: "manage the ticker"}
	assert.Equal(t, "role client may not manage the ticker", err.Error())
}
