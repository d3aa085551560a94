package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/reviewer"
)

func TestShouldDelegate_TriggersOnLongDescription(t *testing.T) {
	c := &Cycle{cfg: Config{ComplexityTokenThreshold: 10}}
	task := &model.Task{Description: "this description is long enough to exceed forty characters easily"}
	assert.True(t, c.shouldDelegate(task))
}

func TestShouldDelegate_TriggersOnDecomposeTag(t *testing.T) {
	c := &Cycle{cfg: Config{ComplexityTokenThreshold: 10000}}
	task := &model.Task{Description: "short", Tags: []string{"decompose"}}
	assert.True(t, c.shouldDelegate(task))
}

func TestShouldDelegate_FalseForSimpleTask(t *testing.T) {
	c := &Cycle{cfg: Config{ComplexityTokenThreshold: 10000}}
	task := &model.Task{Description: "short"}
	assert.False(t, c.shouldDelegate(task))
}

func TestDecisionFromJSON_ParsesActionAndTargets(t *testing.T) {
	m := map[string]any{
		"action":    "rework",
		"reasoning": "needs more tests",
		"targets":   []any{"t1", "t2"},
	}
	d := decisionFromJSON(m)
	require.Equal(t, reviewer.ActionRework, d.Action)
	assert.Equal(t, "needs more tests", d.Reasoning)
	assert.Equal(t, []string{"t1", "t2"}, d.Targets)
}

func TestDecisionFromJSON_ParsesNewTasks(t *testing.T) {
	m := map[string]any{
		"action": "add_tasks",
		"newTasks": []any{
			map[string]any{"title": "new subtask", "description": "do it", "type": "standard", "priority": "P2"},
		},
	}
	d := decisionFromJSON(m)
	require.Len(t, d.NewTasks, 1)
	assert.Equal(t, "new subtask", d.NewTasks[0].Title)
	assert.Equal(t, model.TaskPriority("P2"), d.NewTasks[0].Priority)
}
