package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/orchestrator/pkg/model"
)

func TestFirstNonConflicting_SkipsConflictingCandidates(t *testing.T) {
	candidates := []*model.Task{
		{ID: "a", AffectedFiles: []string{"pkg/foo.go"}},
		{ID: "b", AffectedFiles: []string{"pkg/bar.go"}},
	}
	got := firstNonConflicting(candidates, []string{"pkg/foo.go"})
	assert.Equal(t, "b", got.ID)
}

func TestFirstNonConflicting_NoExclusionsReturnsFirst(t *testing.T) {
	candidates := []*model.Task{{ID: "a"}}
	got := firstNonConflicting(candidates, nil)
	assert.Equal(t, "a", got.ID)
}

func TestFirstNonConflicting_AllConflictingReturnsNil(t *testing.T) {
	candidates := []*model.Task{{ID: "a", AffectedFiles: []string{"x"}}}
	got := firstNonConflicting(candidates, []string{"x"})
	assert.Nil(t, got)
}
