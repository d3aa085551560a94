package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentmesh/orchestrator/pkg/database"
	"github.com/agentmesh/orchestrator/pkg/delegator"
	"github.com/agentmesh/orchestrator/pkg/distributor"
	"github.com/agentmesh/orchestrator/pkg/escalator"
	"github.com/agentmesh/orchestrator/pkg/knowledge"
	"github.com/agentmesh/orchestrator/pkg/llmprovider"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orchestrator"
	"github.com/agentmesh/orchestrator/pkg/pool"
	"github.com/agentmesh/orchestrator/pkg/process"
	"github.com/agentmesh/orchestrator/pkg/prompt"
	"github.com/agentmesh/orchestrator/pkg/reviewer"
	"github.com/agentmesh/orchestrator/pkg/store"
	"github.com/agentmesh/orchestrator/pkg/vcsprovider"
	"github.com/agentmesh/orchestrator/pkg/workspace"
)

// newIntegrationStore spins up a throwaway Postgres container and returns a
// Store wired to it, mirroring pkg/store/claim_race_test.go's fixture.
func newIntegrationStore(t *testing.T) *store.Store {
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

	cfg := database.Config{
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
	}

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return store.New(client.Pool)
}

// initGitRepo creates a throwaway local git repository with one commit on
// main, standing in for a project's real working directory — the Workspace
// Manager shells out to `git worktree add` against it.
func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "integration@example.com")
	run("config", "user.name", "integration")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "seed")
	return dir
}

// fakePullRequestClient stands in for the GitHub-backed PullRequestClient so
// this test never reaches the network.
type fakePullRequestClient struct{}

func (fakePullRequestClient) Create(_ context.Context, _, _, branch, _, _, _ string) (*model.PullRequest, error) {
	return &model.PullRequest{PRID: "1", Branch: branch, Status: model.PRStatusOpen}, nil
}

func (fakePullRequestClient) Get(_ context.Context, _, _, _ string) (*model.PullRequest, error) {
	return nil, nil
}

func (fakePullRequestClient) SubmitReview(_ context.Context, _, _, _ string, _ vcsprovider.ReviewDecision, _ string) error {
	return nil
}

func (fakePullRequestClient) Merge(_ context.Context, _, _, _ string) error {
	return nil
}

// TestCycleRun_ExecutesTaskEndToEnd drives a full Orchestrator Cycle turn —
// pull, workspace creation, LLM invocation, quality gate, PR creation — with
// a real store, a real git-backed workspace, and a real ProcessProvider
// shelling out to `sh`. Before LLMCommand/TimeoutMs were threaded through
// every Invoke call site, this failed immediately with process.Run's
// "timeoutMs must be positive" KindFatal error.
func TestCycleRun_ExecutesTaskEndToEnd(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	org, err := s.CreateOrganization(ctx, &model.Organization{
		Name:                       "integration-org",
		AutonomousExecutionEnabled: true,
		MaxConcurrentAgents:        10,
		AlertPercent:               80,
		StopPercent:                100,
	})
	require.NoError(t, err)

	repoDir := initGitRepo(t)
	project, err := s.CreateProject(ctx, &model.Project{
		OrganizationID:    org.ID,
		Name:              "integration-project",
		WorkingDirectory:  repoDir,
		IntegrationBranch: "main",
	})
	require.NoError(t, err)

	role, err := s.CreateRole(ctx, &model.Role{
		Name:         "engineer",
		Capabilities: []string{"engineer"},
		SystemPrompt: "You are an engineer.",
	})
	require.NoError(t, err)

	agent, err := s.CreateAgent(ctx, &model.Agent{
		OrganizationID: org.ID,
		Name:           "agent-1",
		Status:         model.AgentIdle,
		Lifecycle:      model.LifecyclePermanent,
		RoleID:         role.ID,
	})
	require.NoError(t, err)

	task, err := s.CreateTask(ctx, &model.Task{
		Title:       "implement thing",
		Description: "do the thing",
		Type:        model.TaskStandard,
		Status:      model.StatusPending,
		Priority:    model.PriorityP2,
		ProjectID:   project.ID,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, model.StatusPending, model.StatusReady))
	_, err = s.AssignTask(ctx, task.ID, agent.ID)
	require.NoError(t, err)

	p := pool.New(s, time.Hour, 5)
	workspaces := workspace.NewManager()
	prompts := prompt.NewComposer()
	knowledgeInjector := knowledge.NewInjector(5)
	runner := process.NewRunner()
	llm := llmprovider.NewProcessProvider(runner)
	dist := distributor.New(s)
	rev := reviewer.New(s, 3)
	esc := escalator.New(s, nil, "", 3, 24*time.Hour)
	del := delegator.New(s)

	cycle := orchestrator.New(s, p, workspaces, prompts, knowledgeInjector, llm, fakePullRequestClient{}, dist, rev, esc, del, nil, orchestrator.Config{
		MaxRetry:                 3,
		ComplexityTokenThreshold: 4000,
		LLMCommand:               "sh",
		LLMArgs:                  []string{"-c", "echo ok"},
		LLMTimeoutMs:             5000,
		QualityGateCommand:       "sh",
		QualityGateArgs:          []string{"-c", "exit 0"},
		QualityGateTimeoutMs:     5000,
	})

	result := cycle.Run(ctx, agent.ID)
	require.NoError(t, result.Err)
	require.True(t, result.Success)
	require.Equal(t, task.ID, result.TaskID)

	final, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusInReview, final.Status)

	pr, err := s.GetPullRequestByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, task.ID, pr.TaskID)

	finalAgent, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, model.AgentIdle, finalAgent.Status)
}

// newCycle wires a Cycle against s with the given LLM and quality-gate
// shell commands, standing in for the real external programs.
func newCycle(s *store.Store, llmScript, gateScript string) *orchestrator.Cycle {
	runner := process.NewRunner()
	return orchestrator.New(
		s,
		pool.New(s, time.Hour, 5),
		workspace.NewManager(),
		prompt.NewComposer(),
		knowledge.NewInjector(5),
		llmprovider.NewProcessProvider(runner),
		fakePullRequestClient{},
		distributor.New(s),
		reviewer.New(s, 3),
		escalator.New(s, nil, "", 3, 24*time.Hour),
		delegator.New(s),
		nil,
		orchestrator.Config{
			MaxRetry:                 3,
			ComplexityTokenThreshold: 4000,
			LLMCommand:               "sh",
			LLMArgs:                  []string{"-c", llmScript},
			LLMTimeoutMs:             5000,
			QualityGateCommand:       "sh",
			QualityGateArgs:          []string{"-c", gateScript},
			QualityGateTimeoutMs:     5000,
		},
	)
}

// TestDistributeEpic_CeilingRejectionHoldsEpicPending covers the distribution
// ceiling: the
// manager's LLM proposes 9 subtasks for a team_epic; the decomposition is
// rejected, the epic stays pending with no children, and a quality-kind
// ApprovalRequest is recorded.
func TestDistributeEpic_CeilingRejectionHoldsEpicPending(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	org, err := s.CreateOrganization(ctx, &model.Organization{
		Name: "dist-org", AutonomousExecutionEnabled: true,
		MaxConcurrentAgents: 10, AlertPercent: 80, StopPercent: 100,
	})
	require.NoError(t, err)
	project, err := s.CreateProject(ctx, &model.Project{
		OrganizationID: org.ID, Name: "dist-project", WorkingDirectory: "/tmp/dist-project",
	})
	require.NoError(t, err)
	team, err := s.CreateTeam(ctx, &model.Team{OrganizationID: org.ID, Name: "dist-team"})
	require.NoError(t, err)
	role, err := s.CreateRole(ctx, &model.Role{
		Name: "lead", Capabilities: []string{"lead"}, SystemPrompt: "You lead.",
	})
	require.NoError(t, err)
	manager, err := s.CreateAgent(ctx, &model.Agent{
		OrganizationID: org.ID, TeamID: &team.ID, Name: "mgr",
		Status: model.AgentIdle, Lifecycle: model.LifecyclePermanent, RoleID: role.ID,
	})
	require.NoError(t, err)
	require.NoError(t, s.SetTeamManager(ctx, team.ID, manager.ID))

	epic, err := s.CreateTask(ctx, &model.Task{
		Title: "giant epic", Type: model.TaskTeamEpic,
		Status: model.StatusPending, Priority: model.PriorityP2,
		ProjectID: project.ID, AssignedTeamID: &team.ID,
	})
	require.NoError(t, err)

	entries := make([]string, 9)
	for i := range entries {
		entries[i] = fmt.Sprintf(`{"title":"sub %d","description":"d","type":"standard","roleId":"lead"}`, i)
	}
	script := `echo '{"subtasks":[` + strings.Join(entries, ",") + `]}'`

	cycle := newCycle(s, script, "exit 0")
	result := cycle.DistributeEpic(ctx, epic.ID)
	require.Error(t, result.Err)

	after, err := s.GetTask(ctx, epic.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, after.Status)
	require.True(t, after.RequiresHumanApproval)

	children, err := s.ListChildTasks(ctx, epic.ID)
	require.NoError(t, err)
	require.Empty(t, children)

	approvals, err := s.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	require.Equal(t, model.ApprovalQuality, approvals[0].Kind)
	require.Equal(t, epic.ID, approvals[0].TaskID)
}

// TestCycleRun_ReviewReworkResetsTargetedChild covers the rework decision:
// parent P
// with completed children S1, S2 gets a rework decision targeting S1. S1
// returns to ready with appended guidance, S2 is untouched, P stays pending
// with reviewCount 1.
func TestCycleRun_ReviewReworkResetsTargetedChild(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	org, err := s.CreateOrganization(ctx, &model.Organization{
		Name: "review-org", AutonomousExecutionEnabled: true,
		MaxConcurrentAgents: 10, AlertPercent: 80, StopPercent: 100,
	})
	require.NoError(t, err)
	project, err := s.CreateProject(ctx, &model.Project{
		OrganizationID: org.ID, Name: "review-project", WorkingDirectory: "/tmp/review-project",
	})
	require.NoError(t, err)
	role, err := s.CreateRole(ctx, &model.Role{Name: "reviewer-role", SystemPrompt: "You review."})
	require.NoError(t, err)
	agent, err := s.CreateAgent(ctx, &model.Agent{
		OrganizationID: org.ID, Name: "parent-agent",
		Status: model.AgentIdle, Lifecycle: model.LifecyclePermanent, RoleID: role.ID,
	})
	require.NoError(t, err)

	parent, err := s.CreateTask(ctx, &model.Task{
		Title: "parent", Type: model.TaskEpic,
		Status: model.StatusPending, Priority: model.PriorityP2,
		ProjectID: project.ID, AssignedAgentID: &agent.ID,
	})
	require.NoError(t, err)

	newChild := func(title string) *model.Task {
		child, err := s.CreateTask(ctx, &model.Task{
			Title: title, Type: model.TaskStandard,
			Status: model.StatusPending, Priority: model.PriorityP2,
			Depth: 1, ProjectID: project.ID, ParentTaskID: &parent.ID,
			AssignedAgentID: &agent.ID,
		})
		require.NoError(t, err)
		require.NoError(t, s.CompleteTask(ctx, child.ID))
		return child
	}
	s1 := newChild("S1")
	s2 := newChild("S2")

	require.NoError(t, s.UpdateTaskStatus(ctx, parent.ID, model.StatusPending, model.StatusReadyForReview))

	script := fmt.Sprintf(`echo '{"action":"rework","reasoning":"tighten tests","targets":["%s"]}'`, s1.ID)
	cycle := newCycle(s, script, "exit 0")

	result := cycle.Run(ctx, agent.ID)
	require.NoError(t, result.Err)
	require.True(t, result.Success)
	require.Equal(t, parent.ID, result.TaskID)

	s1After, err := s.GetTask(ctx, s1.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, s1After.Status)
	require.Contains(t, s1After.Description, "tighten tests")

	s2After, err := s.GetTask(ctx, s2.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, s2After.Status)

	parentAfter, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, parentAfter.Status)
	require.Equal(t, 1, parentAfter.ReviewCount)

	agentAfter, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, model.AgentIdle, agentAfter.Status)
}

// TestCycleRun_QualityGateFailureReleasesWithBackoff covers the quality gate's
// retry path: a failing gate bumps retryCount, releases the task with a
// scheduled next attempt, removes the worktree, and idles the agent.
func TestCycleRun_QualityGateFailureReleasesWithBackoff(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	org, err := s.CreateOrganization(ctx, &model.Organization{
		Name: "gate-org", AutonomousExecutionEnabled: true,
		MaxConcurrentAgents: 10, AlertPercent: 80, StopPercent: 100,
	})
	require.NoError(t, err)
	repoDir := initGitRepo(t)
	project, err := s.CreateProject(ctx, &model.Project{
		OrganizationID: org.ID, Name: "gate-project",
		WorkingDirectory: repoDir, IntegrationBranch: "main",
	})
	require.NoError(t, err)
	role, err := s.CreateRole(ctx, &model.Role{Name: "builder", SystemPrompt: "You build."})
	require.NoError(t, err)
	agent, err := s.CreateAgent(ctx, &model.Agent{
		OrganizationID: org.ID, Name: "gate-agent",
		Status: model.AgentIdle, Lifecycle: model.LifecyclePermanent, RoleID: role.ID,
	})
	require.NoError(t, err)

	task, err := s.CreateTask(ctx, &model.Task{
		Title: "gated", Type: model.TaskStandard,
		Status: model.StatusPending, Priority: model.PriorityP2,
		ProjectID: project.ID, AssignedAgentID: &agent.ID,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, model.StatusPending, model.StatusReady))

	cycle := newCycle(s, "echo ok", "exit 1")
	result := cycle.Run(ctx, agent.ID)
	require.NoError(t, result.Err)
	require.False(t, result.Success)

	after, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusReady, after.Status)
	require.Equal(t, 1, after.RetryCount)
	require.NotNil(t, after.NextAttemptAt)
	require.Nil(t, after.AssignedAgentID)

	agentAfter, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, model.AgentIdle, agentAfter.Status)
}

// TestCycleRun_DelegatesComplexTask covers delegation: a task carrying an explicit
// decomposition hint spawns one temporary agent per proposed subtask, each
// at depth 1 with createdByAgentId set, and leaves the parent in_progress
// awaiting its children.
func TestCycleRun_DelegatesComplexTask(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	org, err := s.CreateOrganization(ctx, &model.Organization{
		Name: "delegate-org", AutonomousExecutionEnabled: true,
		MaxConcurrentAgents: 10, AlertPercent: 80, StopPercent: 100,
	})
	require.NoError(t, err)
	project, err := s.CreateProject(ctx, &model.Project{
		OrganizationID: org.ID, Name: "delegate-project", WorkingDirectory: "/tmp/delegate-project",
	})
	require.NoError(t, err)
	_, err = s.CreateRole(ctx, &model.Role{
		Name: "specialist", Capabilities: []string{"specialist"},
		AvailableForTemporaryAgent: true, SystemPrompt: "You specialize.",
	})
	require.NoError(t, err)
	parentRole, err := s.CreateRole(ctx, &model.Role{Name: "generalist", SystemPrompt: "You generalize."})
	require.NoError(t, err)
	agent, err := s.CreateAgent(ctx, &model.Agent{
		OrganizationID: org.ID, Name: "root-agent",
		Status: model.AgentIdle, Lifecycle: model.LifecyclePermanent, RoleID: parentRole.ID,
	})
	require.NoError(t, err)

	task, err := s.CreateTask(ctx, &model.Task{
		Title: "sprawling feature", Description: "touches everything",
		Type: model.TaskStandard, Status: model.StatusPending, Priority: model.PriorityP2,
		ProjectID: project.ID, AssignedAgentID: &agent.ID,
		Tags: []string{"decompose"},
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(ctx, task.ID, model.StatusPending, model.StatusReady))

	script := `echo '{"subtasks":[{"title":"part one","description":"a","type":"standard","role":"specialist"},{"title":"part two","description":"b","type":"standard","role":"specialist"}]}'`
	cycle := newCycle(s, script, "exit 0")

	result := cycle.Run(ctx, agent.ID)
	require.NoError(t, result.Err)
	require.True(t, result.Success)

	children, err := s.ListChildTasks(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		require.Equal(t, 1, child.Depth)
		require.Equal(t, model.StatusReady, child.Status)
		require.NotNil(t, child.AssignedAgentID)

		temp, err := s.GetAgent(ctx, *child.AssignedAgentID)
		require.NoError(t, err)
		require.Equal(t, model.LifecycleTemporary, temp.Lifecycle)
		require.Equal(t, 1, temp.Depth)
		require.NotNil(t, temp.CreatedByAgentID)
		require.Equal(t, agent.ID, *temp.CreatedByAgentID)
	}

	parentAfter, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusInProgress, parentAfter.Status)
}
