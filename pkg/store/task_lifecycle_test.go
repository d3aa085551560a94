package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/store"
)

func seedRoleAndAgent(t *testing.T, s *store.Store, orgID string, teamID *string) *model.Agent {
	t.Helper()
	ctx := context.Background()
	role, err := s.CreateRole(ctx, &model.Role{
		Name:         "engineer-" + uuid.NewString()[:8],
		Capabilities: []string{"engineer"},
	})
	require.NoError(t, err)
	agent, err := s.CreateAgent(ctx, &model.Agent{
		OrganizationID: orgID,
		TeamID:         teamID,
		Name:           "agent-" + uuid.NewString()[:8],
		Status:         model.AgentIdle,
		Lifecycle:      model.LifecyclePermanent,
		RoleID:         role.ID,
	})
	require.NoError(t, err)
	return agent
}

func orgForProject(t *testing.T, s *store.Store, projectID string) string {
	t.Helper()
	p, err := s.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	return p.OrganizationID
}

// TestClaimThenRelease_RoundTrip proves the pull/release round-trip: claiming
// a task and releasing it returns the system to its pre-claim state modulo
// timestamps — status ready, no agent assignment, the claiming agent's team
// back as owner.
func TestClaimThenRelease_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedOrgAndProject(t, s)
	orgID := orgForProject(t, s, projectID)

	team, err := s.CreateTeam(ctx, &model.Team{OrganizationID: orgID, Name: "platform"})
	require.NoError(t, err)
	agent := seedRoleAndAgent(t, s, orgID, &team.ID)

	task := seedReadyTask(t, s, projectID)

	claimed, err := s.ClaimSpecificTask(ctx, task.ID, agent.ID, model.StatusReady)
	require.NoError(t, err)
	require.Equal(t, model.StatusInProgress, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	require.NoError(t, s.ReleaseTask(ctx, task.ID))

	released, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, released.Status)
	assert.Nil(t, released.AssignedAgentID)
	assert.Nil(t, released.StartedAt)
	require.NotNil(t, released.AssignedTeamID)
	assert.Equal(t, team.ID, *released.AssignedTeamID)
	assert.Equal(t, task.RetryCount, released.RetryCount)
}

// TestScheduleTaskRetry_DefersClaimUntilBackoffElapses proves a retry
// scheduled in the future is invisible to the claim path, and becomes
// claimable again once next_attempt_at has passed.
func TestScheduleTaskRetry_DefersClaimUntilBackoffElapses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedOrgAndProject(t, s)
	orgID := orgForProject(t, s, projectID)
	claimant := seedRoleAndAgent(t, s, orgID, nil)
	task := seedReadyTask(t, s, projectID)

	require.NoError(t, s.ScheduleTaskRetry(ctx, task.ID, time.Now().Add(time.Hour)))

	scheduled, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, scheduled.Status)
	assert.Equal(t, 1, scheduled.RetryCount)
	require.NotNil(t, scheduled.NextAttemptAt)

	_, err = s.ClaimNextTask(ctx, claimant.ID, nil)
	require.ErrorIs(t, err, store.ErrNoTaskAvailable)

	require.NoError(t, s.ScheduleTaskRetry(ctx, task.ID, time.Now().Add(-time.Minute)))
	claimed, err := s.ClaimNextTask(ctx, claimant.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, 2, claimed.RetryCount)
}

// TestRaiseUnblockedTasks_PromotesOnceDependenciesComplete covers the
// pending→ready promotion a distributed subtask undergoes when the tasks in
// its blocked_by list finish.
func TestRaiseUnblockedTasks_PromotesOnceDependenciesComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedOrgAndProject(t, s)

	dep, err := s.CreateTask(ctx, &model.Task{
		Title: "dependency", Type: model.TaskStandard,
		Status: model.StatusInProgress, Priority: model.PriorityP2, ProjectID: projectID,
	})
	require.NoError(t, err)

	parent, err := s.CreateTask(ctx, &model.Task{
		Title: "parent epic", Type: model.TaskEpic,
		Status: model.StatusInProgress, Priority: model.PriorityP2, ProjectID: projectID,
	})
	require.NoError(t, err)

	blocked, err := s.CreateTask(ctx, &model.Task{
		Title: "blocked subtask", Type: model.TaskStandard,
		Status: model.StatusPending, Priority: model.PriorityP2, ProjectID: projectID,
		Depth: 1, ParentTaskID: &parent.ID, BlockedBy: []string{dep.ID},
	})
	require.NoError(t, err)

	raised, err := s.RaiseUnblockedTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, raised)

	require.NoError(t, s.CompleteTask(ctx, dep.ID))

	raised, err = s.RaiseUnblockedTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, raised)

	got, err := s.GetTask(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
}

// TestCreateSubtasksAndStartEpic_RollsBackOnLostRace proves the atomicity
// guarantee: if the epic is not in the expected status, no subtask survives.
func TestCreateSubtasksAndStartEpic_RollsBackOnLostRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedOrgAndProject(t, s)
	orgID := orgForProject(t, s, projectID)

	team, err := s.CreateTeam(ctx, &model.Team{OrganizationID: orgID, Name: "delivery"})
	require.NoError(t, err)

	epic, err := s.CreateTask(ctx, &model.Task{
		Title: "big epic", Type: model.TaskTeamEpic,
		Status: model.StatusPending, Priority: model.PriorityP2,
		ProjectID: projectID, AssignedTeamID: &team.ID,
	})
	require.NoError(t, err)

	subtaskID := uuid.NewString()
	subtasks := []*model.Task{{
		ID: subtaskID, Title: "child", Type: model.TaskStandard,
		Status: model.StatusReady, Priority: model.PriorityP2,
		Depth: 1, ProjectID: projectID, ParentTaskID: &epic.ID,
	}}

	err = s.CreateSubtasksAndStartEpic(ctx, epic.ID, model.StatusReady /* wrong */, subtasks)
	require.Error(t, err)

	_, err = s.GetTask(ctx, subtaskID)
	require.ErrorIs(t, err, store.ErrNotFound)

	unchanged, err := s.GetTask(ctx, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, unchanged.Status)

	// Correct expected status applies the whole batch.
	require.NoError(t, s.CreateSubtasksAndStartEpic(ctx, epic.ID, model.StatusPending, subtasks))
	started, err := s.GetTask(ctx, epic.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, started.Status)
	child, err := s.GetTask(ctx, subtaskID)
	require.NoError(t, err)
	assert.Equal(t, epic.ID, *child.ParentTaskID)
}

// TestCountTasksByStatus aggregates the Progress-report payload.
func TestCountTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	projectID := seedOrgAndProject(t, s)
	orgID := orgForProject(t, s, projectID)

	seedReadyTask(t, s, projectID)
	seedReadyTask(t, s, projectID)
	_, err := s.CreateTask(ctx, &model.Task{
		Title: "queued", Type: model.TaskStandard,
		Status: model.StatusPending, Priority: model.PriorityP3, ProjectID: projectID,
	})
	require.NoError(t, err)

	counts, err := s.CountTasksByStatus(ctx, orgID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusReady])
	assert.Equal(t, 1, counts[model.StatusPending])
}
