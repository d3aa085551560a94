package delegator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/model"
)

func TestDelegate_RejectsNonRootParent(t *testing.T) {
	d := New(nil)
	parent := &model.Agent{ID: "a1", Depth: 1}
	_, err := d.Delegate(context.Background(), parent, &model.Task{ID: "t1"}, []SubtaskSpec{{Title: "x"}})
	require.Error(t, err)
}

func TestDelegate_RejectsEmptySpecs(t *testing.T) {
	d := New(nil)
	parent := &model.Agent{ID: "a1", Depth: 0}
	_, err := d.Delegate(context.Background(), parent, &model.Task{ID: "t1"}, nil)
	require.Error(t, err)
}

func TestAllSubtasksTerminal_TrueWhenAllTerminal(t *testing.T) {
	subtasks := []*model.Task{
		{Status: model.StatusCompleted},
		{Status: model.StatusFailed},
		{Status: model.StatusCancelled},
	}
	assert.True(t, AllSubtasksTerminal(subtasks))
}

func TestAllSubtasksTerminal_FalseWhenOneActive(t *testing.T) {
	subtasks := []*model.Task{
		{Status: model.StatusCompleted},
		{Status: model.StatusInProgress},
	}
	assert.False(t, AllSubtasksTerminal(subtasks))
}

func TestMatchRole_FindsByName(t *testing.T) {
	roles := []*model.Role{{ID: "r1", Name: "backend"}, {ID: "r2", Name: "frontend"}}
	got := matchRole(roles, "frontend")
	require.NotNil(t, got)
	assert.Equal(t, "r2", got.ID)
}

func TestMatchRole_NilWhenNoMatch(t *testing.T) {
	roles := []*model.Role{{ID: "r1", Name: "backend"}}
	assert.Nil(t, matchRole(roles, "frontend"))
}

func TestShortSuffix_TruncatesLongIDs(t *testing.T) {
	assert.Equal(t, "abcdefgh", shortSuffix("abcdefghijk"))
	assert.Equal(t, "short", shortSuffix("short"))
}
