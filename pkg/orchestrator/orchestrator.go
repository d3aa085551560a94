// Package orchestrator implements the Orchestrator Cycle, the
// single-agent run loop: one pull, one route, one execution, one
// outcome. It is the composition root for the Task Pool, Workspace Manager,
// Prompt Composer, Knowledge Injector, Process Runner, response parser,
// Distributor, Reviewer, Escalator, and Delegator — the single place a
// turn's steps are sequenced.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh/orchestrator/pkg/bus"
	"github.com/agentmesh/orchestrator/pkg/cost"
	"github.com/agentmesh/orchestrator/pkg/delegator"
	"github.com/agentmesh/orchestrator/pkg/distributor"
	"github.com/agentmesh/orchestrator/pkg/escalator"
	"github.com/agentmesh/orchestrator/pkg/knowledge"
	"github.com/agentmesh/orchestrator/pkg/llmprovider"
	"github.com/agentmesh/orchestrator/pkg/llmresponse"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/obs"
	"github.com/agentmesh/orchestrator/pkg/orcherr"
	"github.com/agentmesh/orchestrator/pkg/pool"
	"github.com/agentmesh/orchestrator/pkg/prompt"
	"github.com/agentmesh/orchestrator/pkg/reviewer"
	"github.com/agentmesh/orchestrator/pkg/store"
	"github.com/agentmesh/orchestrator/pkg/vcsprovider"
	"github.com/agentmesh/orchestrator/pkg/workspace"
)

// CycleResult is the output of one Orchestrator Cycle invocation.
type CycleResult struct {
	Success         bool
	TaskID          string
	Duration        time.Duration
	Err             error
	NoTaskAvailable bool
}

// Config carries the tunables the cycle consults directly.
type Config struct {
	MaxRetry                 int
	ComplexityTokenThreshold int
	MaxTaskDepth             int

	// FileAffinityWindow is the lookback over a roster member's completed
	// tasks when the Distributor tie-breaks assignment by file overlap,
	// matching the Task Pool's affinity window.
	FileAffinityWindow time.Duration

	// LLMCommand/LLMArgs/LLMTimeoutMs populate every agent-turn Invoke call
	// (distribute, delegate, execute, review) — without a positive
	// LLMTimeoutMs the Process Runner rejects the request outright.
	LLMCommand   string
	LLMArgs      []string
	LLMTimeoutMs int

	// QualityGateCommand/Args/TimeoutMs populate the step-9 quality-gate
	// Invoke call, a distinct external command from the agent's own LLM
	// turn (step 9 of the run loop).
	QualityGateCommand   string
	QualityGateArgs      []string
	QualityGateTimeoutMs int
}

// Cycle wires every collaborator the single-agent run loop needs.
type Cycle struct {
	store       *store.Store
	pool        *pool.Pool
	workspaces  *workspace.Manager
	prompts     *prompt.Composer
	knowledge   *knowledge.Injector
	llm         llmprovider.Provider
	vcs         vcsprovider.PullRequestClient
	distributor *distributor.Distributor
	reviewer    *reviewer.Reviewer
	escalator   *escalator.Escalator
	delegator   *delegator.Delegator
	bus         bus.Bus
	cfg         Config
}

// New returns a Cycle with every collaborator wired. messageBus may be nil,
// in which case ready_for_review transitions are not announced on the bus
// and only the Scheduler's polling Review driver picks them up.
func New(
	s *store.Store,
	p *pool.Pool,
	w *workspace.Manager,
	pr *prompt.Composer,
	k *knowledge.Injector,
	llm llmprovider.Provider,
	vcs vcsprovider.PullRequestClient,
	dist *distributor.Distributor,
	rev *reviewer.Reviewer,
	esc *escalator.Escalator,
	del *delegator.Delegator,
	messageBus bus.Bus,
	cfg Config,
) *Cycle {
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.ComplexityTokenThreshold <= 0 {
		cfg.ComplexityTokenThreshold = 4000
	}
	if cfg.MaxTaskDepth <= 0 {
		cfg.MaxTaskDepth = model.MaxTaskDepth
	}
	if cfg.FileAffinityWindow <= 0 {
		cfg.FileAffinityWindow = 24 * time.Hour
	}
	if cfg.LLMCommand == "" {
		cfg.LLMCommand = "claude"
	}
	if cfg.LLMTimeoutMs <= 0 {
		cfg.LLMTimeoutMs = 600000
	}
	if cfg.QualityGateCommand == "" {
		cfg.QualityGateCommand = "make"
	}
	if len(cfg.QualityGateArgs) == 0 {
		cfg.QualityGateArgs = []string{"verify"}
	}
	if cfg.QualityGateTimeoutMs <= 0 {
		cfg.QualityGateTimeoutMs = 600000
	}
	return &Cycle{
		store: s, pool: p, workspaces: w, prompts: pr, knowledge: k,
		llm: llm, vcs: vcs, distributor: dist, reviewer: rev, escalator: esc, delegator: del,
		bus: messageBus, cfg: cfg,
	}
}

// llmRequest builds the Invoke request for an agent-turn LLM call, carrying
// the configured command/args/timeout every call site needs so the Process
// Runner's TimeoutMs guard is always satisfied.
func (c *Cycle) llmRequest(dir, input string) llmprovider.Request {
	return llmprovider.Request{
		Command:   c.cfg.LLMCommand,
		Args:      c.cfg.LLMArgs,
		Dir:       dir,
		TimeoutMs: c.cfg.LLMTimeoutMs,
		Input:     input,
	}
}

// qualityGateRequest builds the Invoke request for the step-9 quality gate,
// a distinct external command from the agent's own LLM turn.
func (c *Cycle) qualityGateRequest(dir string) llmprovider.Request {
	return llmprovider.Request{
		Command:   c.cfg.QualityGateCommand,
		Args:      c.cfg.QualityGateArgs,
		Dir:       dir,
		TimeoutMs: c.cfg.QualityGateTimeoutMs,
	}
}

// Run executes one cycle for agentID (steps 1-11 below; step 12 is
// SweepMergedPulls, which the Scheduler's Review driver calls).
func (c *Cycle) Run(ctx context.Context, agentID string) *CycleResult {
	start := time.Now()
	ctx, span := obs.StartCycleSpan(ctx, agentID)
	defer func() { obs.EndSpan(span, nil) }()

	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("fetching agent %s: %w", agentID, err), Duration: time.Since(start)}
	}

	// Step 1: scheduler permission (emergency stop) is enforced by the
	// caller before invoking Run; the cycle re-checks the
	// organization flag defensively.
	org, err := c.store.GetOrganization(ctx, agent.OrganizationID)
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("fetching organization %s: %w", agent.OrganizationID, err), Duration: time.Since(start)}
	}
	if !org.AutonomousExecutionEnabled || org.EmergencyStopReason != nil {
		return &CycleResult{Err: orcherr.New(orcherr.KindFatal, "orchestrator.Run", "organization is not accepting autonomous work"), Duration: time.Since(start)}
	}

	// Step 2: pull next task.
	view := pool.AgentView{AgentID: agentID, TeamID: agent.TeamID}
	if role, err := c.store.GetRole(ctx, agent.RoleID); err == nil {
		view.Capabilities = role.Capabilities
	}
	task, err := c.pool.PullNext(ctx, view)
	if err != nil {
		if err == store.ErrNoTaskAvailable {
			return &CycleResult{NoTaskAvailable: true, Duration: time.Since(start)}
		}
		return &CycleResult{Err: fmt.Errorf("pulling next task: %w", err), Duration: time.Since(start)}
	}

	// Step 3: route ready_for_review tasks to the Reviewer.
	if task.Status == model.StatusReadyForReview {
		return c.runReview(ctx, org, agent, task, start)
	}

	// Step 4: claim into working (pool.PullNext already transitioned the
	// task to in_progress; mirror the agent-side transition).
	if err := c.store.SetAgentStatus(ctx, agentID, model.AgentWorking, &task.ID); err != nil {
		return &CycleResult{Err: fmt.Errorf("transitioning agent to working: %w", err), TaskID: task.ID, Duration: time.Since(start)}
	}

	// Step 5: team_epic routed to the Distributor when the agent manages
	// the task's team.
	if task.Type == model.TaskTeamEpic {
		if routed, res := c.maybeRouteToDistributor(ctx, agent, task, start); routed {
			return res
		}
	}

	// Step 6: complexity-triggered delegation.
	if c.shouldDelegate(task) && task.Depth < c.cfg.MaxTaskDepth && agent.Depth == 0 {
		return c.runDelegate(ctx, agent, task, start)
	}

	return c.execute(ctx, org, agent, task, start)
}

// maybeRouteToDistributor routes task to the Distributor if agent manages
// its team; the second return value is only meaningful when the first is
// true. In practice a team_epic can never be pulled by its manager through
// the Task Pool (the assignment XOR invariant forbids assignedAgentId on a
// team_epic, so it never matches any of pullNextTask's five classes) — this
// stays as a defensive path, while DistributeEpic
// below is the one the Scheduler's team-distribute driver actually calls.
func (c *Cycle) maybeRouteToDistributor(ctx context.Context, agent *model.Agent, task *model.Task, start time.Time) (bool, *CycleResult) {
	if task.AssignedTeamID == nil {
		return false, nil
	}
	team, err := c.store.GetTeam(ctx, *task.AssignedTeamID)
	if err != nil {
		return true, &CycleResult{Err: fmt.Errorf("fetching team %s: %w", *task.AssignedTeamID, err), TaskID: task.ID, Duration: time.Since(start)}
	}
	if team.ManagerAgentID == nil || *team.ManagerAgentID != agent.ID {
		return false, nil
	}

	role, err := c.store.GetRole(ctx, agent.RoleID)
	if err != nil {
		return true, &CycleResult{Err: fmt.Errorf("fetching role %s: %w", agent.RoleID, err), TaskID: task.ID, Duration: time.Since(start)}
	}
	res := c.distribute(ctx, task, team, role, start)
	c.idleAgent(ctx, agent.ID)
	return true, res
}

// DistributeEpic runs the Distributor for epicID directly, without an
// agent pull. team_epic tasks carry assignedTeamId, never assignedAgentId
// (the assignment XOR invariant), so pullNextTask's five priority classes never
// surface one to its manager — the Scheduler's team-distribute driver
// calls this instead for every pending team_epic whose team has a
// manager.
func (c *Cycle) DistributeEpic(ctx context.Context, epicID string) *CycleResult {
	start := time.Now()
	epic, err := c.store.GetTask(ctx, epicID)
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("fetching epic %s: %w", epicID, err), Duration: time.Since(start)}
	}
	if epic.AssignedTeamID == nil {
		return &CycleResult{Err: orcherr.New(orcherr.KindFatal, "orchestrator.DistributeEpic", "team_epic has no assigned team"), TaskID: epic.ID, Duration: time.Since(start)}
	}
	team, err := c.store.GetTeam(ctx, *epic.AssignedTeamID)
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("fetching team %s: %w", *epic.AssignedTeamID, err), TaskID: epic.ID, Duration: time.Since(start)}
	}
	if team.ManagerAgentID == nil {
		return &CycleResult{Err: orcherr.New(orcherr.KindFatal, "orchestrator.DistributeEpic", "team has no manager"), TaskID: epic.ID, Duration: time.Since(start)}
	}
	manager, err := c.store.GetAgent(ctx, *team.ManagerAgentID)
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("fetching manager %s: %w", *team.ManagerAgentID, err), TaskID: epic.ID, Duration: time.Since(start)}
	}
	role, err := c.store.GetRole(ctx, manager.RoleID)
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("fetching role %s: %w", manager.RoleID, err), TaskID: epic.ID, Duration: time.Since(start)}
	}
	return c.distribute(ctx, epic, team, role, start)
}

// distribute composes the distribution prompt, invokes the LLM, and applies
// the parsed proposal through the Distributor — the shared core of
// maybeRouteToDistributor and DistributeEpic. A rejected proposal (wrong
// subtask count, cyclic dependency graph, non-JSON output) leaves the epic
// pending and surfaces a quality-kind ApprovalRequest instead of walking the
// ladder — a team_epic has no individual assignee for levels 1-3 to act on.
func (c *Cycle) distribute(ctx context.Context, epic *model.Task, team *model.Team, role *model.Role, start time.Time) *CycleResult {
	mission := ""
	if org, err := c.store.GetOrganization(ctx, team.OrganizationID); err == nil {
		mission = org.Mission
	}
	promptText := c.prompts.Compose(mission, team.Charter, role.SystemPrompt, "", "", prompt.TaskInput{
		Title: epic.Title, Description: epic.Description, AffectedFiles: epic.AffectedFiles,
	})
	resp, err := c.llm.Invoke(ctx, c.llmRequest("", promptText))
	if err != nil {
		// Provider failure: the epic stays pending and the team-distribute
		// driver retries on its next tick; provider failures never escalate.
		return &CycleResult{Err: fmt.Errorf("invoking distribution LLM: %w", err), TaskID: epic.ID, Duration: time.Since(start)}
	}
	parsed := llmresponse.Parse(resp.Stdout)
	if !parsed.HasJSON {
		return c.qualityHold(ctx, epic, start, orcherr.New(orcherr.KindParseError,
			"orchestrator.distribute", "decomposition response was not JSON"))
	}

	roster, err := c.buildRoster(ctx, team.ID)
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("building team roster: %w", err), TaskID: epic.ID, Duration: time.Since(start)}
	}
	if _, err := c.distributor.Decompose(ctx, epic, roster, subtasksFromJSON(parsed.JSON)); err != nil {
		return c.qualityHold(ctx, epic, start, err)
	}
	return &CycleResult{Success: true, TaskID: epic.ID, Duration: time.Since(start)}
}

// qualityHold records a quality ApprovalRequest against task without
// changing its status (a rejected decomposition leaves the epic
// pending, no subtasks created).
func (c *Cycle) qualityHold(ctx context.Context, task *model.Task, start time.Time, err error) *CycleResult {
	if holdErr := c.escalator.QualityHold(ctx, task, escalator.ApprovalKindForError(err), err.Error()); holdErr != nil {
		return &CycleResult{Err: holdErr, TaskID: task.ID, Duration: time.Since(start)}
	}
	return &CycleResult{Err: err, TaskID: task.ID, Duration: time.Since(start)}
}

// buildRoster assembles the Distributor's candidate list from a team's
// agents, reading role capabilities, current workload, and the recently
// touched files that feed the assignment tie-break for each.
func (c *Cycle) buildRoster(ctx context.Context, teamID string) ([]distributor.RosterMember, error) {
	agents, err := c.store.ListAgentsByTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	roster := make([]distributor.RosterMember, 0, len(agents))
	for _, a := range agents {
		member := distributor.RosterMember{AgentID: a.ID, Name: a.Name}
		if role, err := c.store.GetRole(ctx, a.RoleID); err == nil {
			member.Capabilities = role.Capabilities
		}
		if n, err := c.store.CountInProgressTasksForAgent(ctx, a.ID); err == nil {
			member.InProgressCount = n
		}
		if files, err := c.store.RecentlyCompletedAffectedFiles(ctx, a.ID, c.cfg.FileAffinityWindow); err == nil {
			member.RecentFiles = files
		}
		roster = append(roster, member)
	}
	return roster, nil
}

func subtasksFromJSON(m map[string]any) []distributor.ProposedSubtask {
	raw, _ := m["subtasks"].([]any)
	out := make([]distributor.ProposedSubtask, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, distributor.ProposedSubtask{
			Title:         stringField(entry, "title"),
			Description:   stringField(entry, "description"),
			Type:          model.TaskType(stringField(entry, "type")),
			RoleID:        stringField(entry, "roleId"),
			Dependencies:  stringSliceField(entry, "dependencies"),
			Priority:      model.TaskPriority(stringField(entry, "priority")),
			AffectedFiles: stringSliceField(entry, "affectedFiles"),
		})
	}
	return out
}

// shouldDelegate detects complexity: the Cost Estimator's
// pre-execution token estimate against the configured threshold, or an
// explicit decomposition hint tag on the task.
func (c *Cycle) shouldDelegate(task *model.Task) bool {
	if cost.Estimate(task.Description, "").InputTokens > c.cfg.ComplexityTokenThreshold {
		return true
	}
	for _, tag := range task.Tags {
		if strings.EqualFold(tag, "decompose") || strings.EqualFold(tag, "multi-domain") {
			return true
		}
	}
	return false
}

func (c *Cycle) runDelegate(ctx context.Context, agent *model.Agent, task *model.Task, start time.Time) *CycleResult {
	role, err := c.store.GetRole(ctx, agent.RoleID)
	if err != nil {
		return c.fail(ctx, task, start, fmt.Errorf("fetching role %s: %w", agent.RoleID, err))
	}
	promptText := c.prompts.Compose("", "", role.SystemPrompt, "", "", prompt.TaskInput{
		Title: task.Title, Description: task.Description, AffectedFiles: task.AffectedFiles,
	})
	resp, err := c.llm.Invoke(ctx, c.llmRequest("", promptText))
	if err != nil {
		return c.escalate(ctx, task, start, fmt.Errorf("invoking delegation LLM: %w", err))
	}
	parsed := llmresponse.Parse(resp.Stdout)
	if !parsed.HasJSON {
		return c.escalate(ctx, task, start, orcherr.New(orcherr.KindParseError,
			"orchestrator.runDelegate", "delegation response was not JSON"))
	}

	if _, err := c.delegator.Delegate(ctx, agent, task, delegateSpecsFromJSON(parsed.JSON)); err != nil {
		return c.escalate(ctx, task, start, err)
	}
	c.idleAgent(ctx, agent.ID)
	return &CycleResult{Success: true, TaskID: task.ID, Duration: time.Since(start)}
}

func delegateSpecsFromJSON(m map[string]any) []delegator.SubtaskSpec {
	raw, _ := m["subtasks"].([]any)
	out := make([]delegator.SubtaskSpec, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, delegator.SubtaskSpec{
			Title:         stringField(entry, "title"),
			Description:   stringField(entry, "description"),
			Type:          model.TaskType(stringField(entry, "type")),
			RoleName:      stringField(entry, "role"),
			Priority:      model.TaskPriority(stringField(entry, "priority")),
			AffectedFiles: stringSliceField(entry, "affectedFiles"),
		})
	}
	return out
}

// execute runs steps 7-11 of the cycle: workspace creation, prompt composition,
// process invocation, response parsing, the quality gate, PR creation, and
// parent sibling-completion bookkeeping.
func (c *Cycle) execute(ctx context.Context, org *model.Organization, agent *model.Agent, task *model.Task, start time.Time) *CycleResult {
	project, err := c.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return c.fail(ctx, task, start, fmt.Errorf("fetching project %s: %w", task.ProjectID, err))
	}

	wt, err := c.workspaces.Create(ctx, project.WorkingDirectory, project.IntegrationBranch, agent.ID, agent.Name, task.ID)
	if err != nil {
		return c.fail(ctx, task, start, fmt.Errorf("creating workspace: %w", err))
	}

	teamCharter := ""
	if agent.TeamID != nil {
		if team, err := c.store.GetTeam(ctx, *agent.TeamID); err == nil {
			teamCharter = team.Charter
		}
	}
	knowledgeBlock := knowledge.Format(c.knowledge.Select(
		c.gatherDocuments(ctx, org.ID, agent, task),
		knowledge.TaskKeywords(task.Title, task.Description, task.RequiredSkills, task.Tags),
	))

	role, err := c.store.GetRole(ctx, agent.RoleID)
	if err != nil {
		return c.fail(ctx, task, start, fmt.Errorf("fetching role %s: %w", agent.RoleID, err))
	}
	persona := ""
	if agent.Persona != nil {
		persona = *agent.Persona
	}
	promptText := c.prompts.Compose(org.Mission, teamCharter, role.SystemPrompt, persona, knowledgeBlock, prompt.TaskInput{
		Title:         task.Title,
		Description:   task.Description,
		AffectedFiles: task.AffectedFiles,
		Dependencies:  task.BlockedBy,
	})

	resp, err := c.llm.Invoke(ctx, c.llmRequest(wt.Path, promptText))
	if err != nil {
		_ = c.workspaces.Cleanup(ctx, wt)
		return c.escalate(ctx, task, start, fmt.Errorf("invoking LLM: %w", err))
	}

	parsed := llmresponse.Parse(resp.Stdout)
	if parsed.HasError || resp.ExitCode != 0 {
		_ = c.workspaces.Cleanup(ctx, wt)
		return c.escalate(ctx, task, start, orcherr.New(orcherr.KindProvider, "orchestrator.execute",
			"LLM response reported an error or non-zero exit"))
	}

	// Step 9: quality gate is invoked as an external program in the
	// workspace; a non-nil err here is the gate failing, not a transport
	// error, since Invoke already reports its own transport failures above.
	gateResp, gateErr := c.llm.Invoke(ctx, c.qualityGateRequest(wt.Path))
	if gateErr != nil || (gateResp != nil && gateResp.ExitCode != 0) {
		_ = c.workspaces.Cleanup(ctx, wt)
		if task.RetryCount < c.cfg.MaxRetry {
			if err := c.store.ReleaseTaskForRetry(ctx, task.ID, time.Now().Add(escalator.Backoff(task.RetryCount))); err != nil {
				return c.fail(ctx, task, start, fmt.Errorf("releasing task after quality-gate failure: %w", err))
			}
			c.idleAgent(ctx, agent.ID)
			return &CycleResult{TaskID: task.ID, Duration: time.Since(start)}
		}
		return c.escalateAt(ctx, task, start, escalator.LevelTeamCollaboration, model.ApprovalQuality, "quality gate failed beyond retry budget")
	}

	pr, err := c.vcs.Create(ctx, project.RepoOwner, project.RepoName, wt.Branch, project.IntegrationBranch, task.Title, task.Description)
	if err != nil {
		_ = c.workspaces.Cleanup(ctx, wt)
		return c.fail(ctx, task, start, fmt.Errorf("creating pull request: %w", err))
	}
	pr.TaskID = task.ID
	if _, err := c.store.CreatePullRequest(ctx, pr); err != nil {
		return c.fail(ctx, task, start, fmt.Errorf("recording pull request: %w", err))
	}
	if err := c.store.UpdateTaskStatus(ctx, task.ID, model.StatusInProgress, model.StatusInReview); err != nil {
		return c.fail(ctx, task, start, fmt.Errorf("transitioning task to in_review: %w", err))
	}

	if task.ParentTaskID != nil {
		if err := c.maybeMarkParentReadyForReview(ctx, *task.ParentTaskID); err != nil {
			return c.fail(ctx, task, start, fmt.Errorf("checking sibling completion: %w", err))
		}
	}

	if err := c.store.SetAgentStatus(ctx, agent.ID, model.AgentIdle, nil); err != nil {
		return c.fail(ctx, task, start, fmt.Errorf("returning agent to idle: %w", err))
	}

	return &CycleResult{Success: true, TaskID: task.ID, Duration: time.Since(start)}
}

// gatherDocuments collects the documents visible at every level of the
// agent's hierarchy — organization, team, project, agent — for the Knowledge
// Injector to rank.
func (c *Cycle) gatherDocuments(ctx context.Context, orgID string, agent *model.Agent, task *model.Task) []*model.Document {
	var docs []*model.Document
	if batch, err := c.store.ListDocumentsForScope(ctx, model.ScopeOrganization, orgID); err == nil {
		docs = append(docs, batch...)
	}
	if agent.TeamID != nil {
		if batch, err := c.store.ListDocumentsForScope(ctx, model.ScopeTeam, *agent.TeamID); err == nil {
			docs = append(docs, batch...)
		}
	}
	if batch, err := c.store.ListDocumentsForScope(ctx, model.ScopeProject, task.ProjectID); err == nil {
		docs = append(docs, batch...)
	}
	if batch, err := c.store.ListDocumentsForScope(ctx, model.ScopeAgent, agent.ID); err == nil {
		docs = append(docs, batch...)
	}
	return docs
}

// idleAgent best-effort returns an agent to idle after a cycle outcome;
// failures here are not surfaced since the cycle result already carries the
// primary error.
func (c *Cycle) idleAgent(ctx context.Context, agentID string) {
	_ = c.store.SetAgentStatus(ctx, agentID, model.AgentIdle, nil)
}

// maybeMarkParentReadyForReview implements the atomic sibling-completion
// check: a parent only moves to ready_for_review once every child has
// reached completed.
func (c *Cycle) maybeMarkParentReadyForReview(ctx context.Context, parentID string) error {
	children, err := c.store.ListChildTasks(ctx, parentID)
	if err != nil {
		return err
	}
	if !reviewer.AllChildrenCompleted(children) {
		return nil
	}
	parent, err := c.store.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	if err := c.store.UpdateTaskStatus(ctx, parentID, parent.Status, model.StatusReadyForReview); err != nil {
		return err
	}
	c.announceReviewDue(ctx, parent)
	return nil
}

// announceReviewDue publishes a REVIEW_REQUEST on the message bus so a
// subscribed Scheduler can dispatch the review cycle immediately rather
// than waiting for its next poll. A nil bus or publish failure is not
// fatal — the periodic Review driver is the fallback path.
func (c *Cycle) announceReviewDue(ctx context.Context, task *model.Task) {
	if c.bus == nil || task.AssignedAgentID == nil {
		return
	}
	_ = c.bus.Send(ctx, bus.Message{
		Type:      bus.ReviewRequest,
		TaskID:    task.ID,
		AgentID:   *task.AssignedAgentID,
		EmittedAt: time.Now(),
	})
}

func (c *Cycle) runReview(ctx context.Context, org *model.Organization, agent *model.Agent, task *model.Task, start time.Time) *CycleResult {
	if err := c.store.SetAgentStatus(ctx, agent.ID, model.AgentReviewing, &task.ID); err != nil {
		return &CycleResult{Err: fmt.Errorf("transitioning agent to reviewing: %w", err), TaskID: task.ID, Duration: time.Since(start)}
	}
	defer c.idleAgent(ctx, agent.ID)

	children, err := c.store.ListChildTasks(ctx, task.ID)
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("listing children for review: %w", err), TaskID: task.ID, Duration: time.Since(start)}
	}

	role, err := c.store.GetRole(ctx, agent.RoleID)
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("fetching role %s: %w", agent.RoleID, err), TaskID: task.ID, Duration: time.Since(start)}
	}
	teamCharter := ""
	if agent.TeamID != nil {
		if team, err := c.store.GetTeam(ctx, *agent.TeamID); err == nil {
			teamCharter = team.Charter
		}
	}
	summaries := make([]prompt.ChildSummary, len(children))
	for i, ch := range children {
		summaries[i] = prompt.ChildSummary{TaskID: ch.ID, Status: ch.Status, Summary: ch.Title}
	}
	reviewPrompt := c.prompts.ComposeReview(org.Mission, teamCharter, role.SystemPrompt, "", "", summaries)

	resp, err := c.llm.Invoke(ctx, c.llmRequest("", reviewPrompt))
	if err != nil {
		return &CycleResult{Err: fmt.Errorf("invoking review LLM: %w", err), TaskID: task.ID, Duration: time.Since(start)}
	}
	parsed := llmresponse.Parse(resp.Stdout)
	if !parsed.HasJSON {
		// ParseError policy: escalate immediately at level 2, kind quality.
		return c.escalateAt(ctx, task, start, escalator.LevelTeamCollaboration, model.ApprovalQuality,
			"review response was not JSON")
	}

	decision := decisionFromJSON(parsed.JSON)
	completed, err := c.reviewer.Apply(ctx, task, decision)
	if err != nil {
		// A blown review budget or unknown action forces escalation with
		// kind quality instead of applying the decision.
		return c.escalateAt(ctx, task, start, escalator.LevelHumanApproval, model.ApprovalQuality, err.Error())
	}
	if completed {
		// A completed parent may itself be somebody's last outstanding child.
		if task.ParentTaskID != nil {
			if err := c.maybeMarkParentReadyForReview(ctx, *task.ParentTaskID); err != nil {
				return &CycleResult{Err: fmt.Errorf("checking grandparent completion: %w", err), TaskID: task.ID, Duration: time.Since(start)}
			}
		}
	} else {
		if err := c.store.UpdateTaskStatus(ctx, task.ID, task.Status, model.StatusPending); err != nil {
			return &CycleResult{Err: fmt.Errorf("returning parent to pending: %w", err), TaskID: task.ID, Duration: time.Since(start)}
		}
	}
	return &CycleResult{Success: true, TaskID: task.ID, Duration: time.Since(start)}
}

func decisionFromJSON(m map[string]any) reviewer.Decision {
	d := reviewer.Decision{Action: reviewer.Action(stringField(m, "action"))}
	d.Reasoning = stringField(m, "reasoning")
	d.Targets = stringSliceField(m, "targets")
	if rawTasks, ok := m["newTasks"].([]any); ok {
		for _, raw := range rawTasks {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			d.NewTasks = append(d.NewTasks, reviewer.NewTaskSpec{
				Title:       stringField(entry, "title"),
				Description: stringField(entry, "description"),
				Type:        model.TaskType(stringField(entry, "type")),
				Priority:    model.TaskPriority(stringField(entry, "priority")),
			})
		}
	}
	return d
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// fail releases task back to ready, returns its agent to idle, and reports
// the failure.
func (c *Cycle) fail(ctx context.Context, task *model.Task, start time.Time, err error) *CycleResult {
	_ = c.pool.Release(ctx, task.ID)
	if task.AssignedAgentID != nil {
		c.idleAgent(ctx, *task.AssignedAgentID)
	}
	return &CycleResult{Err: err, TaskID: task.ID, Duration: time.Since(start)}
}

// escalate routes a failure through the Escalator starting at the level its
// task state determines, recording the ApprovalRequest kind its
// orcherr.Kind maps to if escalation reaches level 5.
func (c *Cycle) escalate(ctx context.Context, task *model.Task, start time.Time, err error) *CycleResult {
	return c.escalateAt(ctx, task, start, escalator.StartingLevel(task), escalator.ApprovalKindForError(err), err.Error())
}

func (c *Cycle) escalateAt(ctx context.Context, task *model.Task, start time.Time, level escalator.Level, kind model.ApprovalKind, reason string) *CycleResult {
	if task.AssignedAgentID != nil {
		defer c.idleAgent(ctx, *task.AssignedAgentID)
	}
	if _, escErr := c.escalator.Escalate(ctx, task, level, kind, reason); escErr != nil {
		return &CycleResult{Err: escErr, TaskID: task.ID, Duration: time.Since(start)}
	}
	return &CycleResult{TaskID: task.ID, Duration: time.Since(start)}
}

// SweepMergedPulls polls every open pull request against the VCS provider
// and finalizes merged ones: the PR record is marked merged, the task
// completed, its worktree removed, its temporary assignee retired, and the
// parent's sibling-completion check re-run — step 12 of the cycle, driven by the
// Scheduler rather than the cycle that opened the PR. Returns the number of
// tasks finalized.
func (c *Cycle) SweepMergedPulls(ctx context.Context) (int, error) {
	prs, err := c.store.ListOpenPullRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing open pull requests: %w", err)
	}

	finalized := 0
	for _, pr := range prs {
		task, err := c.store.GetTask(ctx, pr.TaskID)
		if err != nil {
			continue
		}
		project, err := c.store.GetProject(ctx, task.ProjectID)
		if err != nil {
			continue
		}
		remote, err := c.vcs.Get(ctx, project.RepoOwner, project.RepoName, pr.PRID)
		if err != nil || remote == nil {
			continue
		}

		switch remote.Status {
		case model.PRStatusMerged:
			if err := c.store.SetPullRequestStatus(ctx, pr.ID, model.PRStatusMerged); err != nil {
				continue
			}
			if err := c.store.CompleteTask(ctx, task.ID); err != nil {
				continue
			}
			if task.AssignedAgentID != nil {
				_ = c.workspaces.CleanupFor(ctx, project.WorkingDirectory, *task.AssignedAgentID, task.ID)
				if agent, err := c.store.GetAgent(ctx, *task.AssignedAgentID); err == nil && agent.IsTemporary() {
					_ = c.store.RetireAgent(ctx, agent.ID)
				}
			}
			if task.ParentTaskID != nil {
				_ = c.maybeMarkParentReadyForReview(ctx, *task.ParentTaskID)
			}
			finalized++
		case model.PRStatusClosed:
			// Closed without merging: the work was rejected outright; the
			// task goes back to the pool for another attempt.
			if err := c.store.SetPullRequestStatus(ctx, pr.ID, model.PRStatusClosed); err != nil {
				continue
			}
			if task.AssignedAgentID != nil {
				_ = c.workspaces.CleanupFor(ctx, project.WorkingDirectory, *task.AssignedAgentID, task.ID)
			}
			_ = c.store.ReleaseTask(ctx, task.ID)
		}
	}
	return finalized, nil
}

// ReEscalateStuckReview re-drives task through the escalator starting at
// level 3, the Stuck-sweep driver's hook for the ladder's "leader inaction beyond
// timeout" — a task already in_review past the level-3 timeout promotes to
// level 4 instead of sitting at level 3 forever.
func (c *Cycle) ReEscalateStuckReview(ctx context.Context, task *model.Task) *CycleResult {
	return c.escalateAt(ctx, task, time.Now(), escalator.LevelTeamLeader, model.ApprovalEscalation, "team leader inaction beyond level-3 timeout")
}
