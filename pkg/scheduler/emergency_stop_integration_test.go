package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentmesh/orchestrator/pkg/database"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/process"
	"github.com/agentmesh/orchestrator/pkg/scheduler"
	"github.com/agentmesh/orchestrator/pkg/store"
)

func newSchedulerStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("orchestrator_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "test",
		Password:        "test",
		Database:        "orchestrator_test",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return store.New(client.Pool)
}

// TestEmergencyStopAndResume covers the stop/resume pair end to end: three
// agents are executing;
// stop reverts their tasks to pending, pauses the agents, and hides the
// organization from every driver's selection; resume flips the agents back
// to idle and leaves no task in_progress.
func TestEmergencyStopAndResume(t *testing.T) {
	s := newSchedulerStore(t)
	ctx := context.Background()

	org, err := s.CreateOrganization(ctx, &model.Organization{
		Name: "stop-org", AutonomousExecutionEnabled: true,
		MaxConcurrentAgents: 10, AlertPercent: 80, StopPercent: 100,
	})
	require.NoError(t, err)
	project, err := s.CreateProject(ctx, &model.Project{
		OrganizationID: org.ID, Name: "stop-project", WorkingDirectory: "/tmp/stop-project",
	})
	require.NoError(t, err)
	role, err := s.CreateRole(ctx, &model.Role{Name: "stop-role"})
	require.NoError(t, err)

	var taskIDs []string
	for _, name := range []string{"one", "two", "three"} {
		agent, err := s.CreateAgent(ctx, &model.Agent{
			OrganizationID: org.ID, Name: name,
			Status: model.AgentWorking, Lifecycle: model.LifecyclePermanent, RoleID: role.ID,
		})
		require.NoError(t, err)

		task, err := s.CreateTask(ctx, &model.Task{
			Title: "live-" + name, Type: model.TaskStandard,
			Status: model.StatusPending, Priority: model.PriorityP2, ProjectID: project.ID,
		})
		require.NoError(t, err)
		require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, model.StatusPending, model.StatusReady))
		_, err = s.ClaimSpecificTask(ctx, task.ID, agent.ID, model.StatusReady)
		require.NoError(t, err)
		taskIDs = append(taskIDs, task.ID)
	}

	runner := process.NewRunner()
	sch := scheduler.New(s, nil, nil, runner, nil, nil, scheduler.DefaultConfig(), nil)

	require.NoError(t, sch.EmergencyStop(ctx, org.ID, "operator pulled the cord"))

	for _, id := range taskIDs {
		task, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.StatusPending, task.Status)
		require.Nil(t, task.AssignedAgentID)
	}

	paused, err := s.ListAgentsByStatuses(ctx, org.ID, model.AgentPaused)
	require.NoError(t, err)
	require.Len(t, paused, 3)

	// The next driver tick sees no autonomous organization at all.
	orgs, err := s.ListAutonomousOrganizations(ctx)
	require.NoError(t, err)
	require.Empty(t, orgs)

	stopped, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.NotNil(t, stopped.EmergencyStopReason)

	require.NoError(t, sch.Resume(ctx, org.ID))

	idle, err := s.ListAgentsByStatuses(ctx, org.ID, model.AgentIdle)
	require.NoError(t, err)
	require.Len(t, idle, 3)

	resumed, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	require.Nil(t, resumed.EmergencyStopReason)

	counts, err := s.CountTasksByStatus(ctx, org.ID)
	require.NoError(t, err)
	require.Zero(t, counts[model.StatusInProgress])
}
