package reviewer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/orchestrator/pkg/model"
)

func TestAllChildrenCompleted_TrueWhenAllCompleted(t *testing.T) {
	children := []*model.Task{
		{Status: model.StatusCompleted},
		{Status: model.StatusCompleted},
	}
	assert.True(t, AllChildrenCompleted(children))
}

func TestAllChildrenCompleted_FalseWhenOneIncomplete(t *testing.T) {
	children := []*model.Task{
		{Status: model.StatusCompleted},
		{Status: model.StatusInProgress},
	}
	assert.False(t, AllChildrenCompleted(children))
}

func TestAllChildrenCompleted_TrueForNoChildren(t *testing.T) {
	assert.True(t, AllChildrenCompleted(nil))
}

func TestNew_DefaultsMaxReviewWhenNonPositive(t *testing.T) {
	r := New(nil, 0)
	assert.Equal(t, 3, r.maxReview)

	r2 := New(nil, -5)
	assert.Equal(t, 3, r2.maxReview)

	r3 := New(nil, 5)
	assert.Equal(t, 5, r3.maxReview)
}
