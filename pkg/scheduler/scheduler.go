// Package scheduler runs the six periodic drivers — Decompose, Execute,
// Review, Stuck-sweep, Team-distribute, and Progress-report — each on its
// own ticker: one goroutine per driver, a stop channel plus WaitGroup for
// graceful shutdown, and an in-memory dedup set so an agent never runs two
// cycles at once.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/pkg/bus"
	"github.com/agentmesh/orchestrator/pkg/goal"
	"github.com/agentmesh/orchestrator/pkg/model"
	"github.com/agentmesh/orchestrator/pkg/orchestrator"
	"github.com/agentmesh/orchestrator/pkg/process"
	"github.com/agentmesh/orchestrator/pkg/store"
	"github.com/agentmesh/orchestrator/pkg/workspace"
)

// Config holds the six driver cadences and the concurrency cap.
type Config struct {
	DecomposePeriod         time.Duration
	ExecutePeriod           time.Duration
	ReviewPeriod            time.Duration
	StuckThreshold          time.Duration
	StuckSweepPeriod        time.Duration
	TeamDistributePeriod    time.Duration
	ProgressReportPeriod    time.Duration
	MaxConcurrentAgents     int
	OrphanSweepThreshold    time.Duration
	EscalationLevel3Timeout time.Duration
}

// DefaultConfig returns the default driver cadences.
func DefaultConfig() Config {
	return Config{
		DecomposePeriod:         60 * time.Second,
		ExecutePeriod:           120 * time.Second,
		ReviewPeriod:            180 * time.Second,
		StuckThreshold:          2 * time.Hour,
		StuckSweepPeriod:        30 * time.Minute,
		TeamDistributePeriod:    30 * time.Second,
		ProgressReportPeriod:    30 * time.Minute,
		MaxConcurrentAgents:     10,
		OrphanSweepThreshold:    24 * time.Hour,
		EscalationLevel3Timeout: 24 * time.Hour,
	}
}

// ProgressSink receives the aggregate counts the Progress-report driver
// emits.
type ProgressSink interface {
	ReportProgress(ctx context.Context, organizationID string, counts map[model.TaskStatus]int)
}

// Scheduler drives the six periodic loops against every autonomous
// organization.
type Scheduler struct {
	store       *store.Store
	cycle       *orchestrator.Cycle
	goalRunner  *goal.Runner
	runner      *process.Runner
	workspaces  *workspace.Manager
	bus         bus.Bus
	cfg         Config
	sink        ProgressSink

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu        sync.Mutex
	executing map[string]struct{}
}

// New returns a Scheduler. goalRunner, workspaces, sink, and messageBus may
// all be nil — a nil goalRunner skips the Decompose driver's LLM invocation
// (selection still logs due goals), a nil workspaces skips the Stuck-sweep
// driver's orphan-worktree pass, a nil sink drops progress reports, and a
// nil bus falls back to pure polling for review dispatch.
func New(s *store.Store, cycle *orchestrator.Cycle, goalRunner *goal.Runner, runner *process.Runner, workspaces *workspace.Manager, messageBus bus.Bus, cfg Config, sink ProgressSink) *Scheduler {
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 10
	}
	if cfg.OrphanSweepThreshold <= 0 {
		cfg.OrphanSweepThreshold = 24 * time.Hour
	}
	if cfg.EscalationLevel3Timeout <= 0 {
		cfg.EscalationLevel3Timeout = 24 * time.Hour
	}
	return &Scheduler{
		store: s, cycle: cycle, goalRunner: goalRunner, runner: runner, workspaces: workspaces,
		bus: messageBus, cfg: cfg, sink: sink,
		stopCh: make(chan struct{}), executing: make(map[string]struct{}),
	}
}

// Start launches all six driver loops in their own goroutines, and — when a
// message bus is configured — subscribes to REVIEW_REQUEST for immediate
// dispatch alongside the polling Review driver.
func (sch *Scheduler) Start(ctx context.Context) {
	drivers := []struct {
		period time.Duration
		run    func(context.Context)
	}{
		{sch.cfg.DecomposePeriod, sch.runDecompose},
		{sch.cfg.ExecutePeriod, sch.runExecute},
		{sch.cfg.ReviewPeriod, sch.runReview},
		{sch.cfg.StuckSweepPeriod, sch.runStuckSweep},
		{sch.cfg.TeamDistributePeriod, sch.runTeamDistribute},
		{sch.cfg.ProgressReportPeriod, sch.runProgressReport},
	}
	for _, d := range drivers {
		sch.wg.Add(1)
		go sch.loop(ctx, d.period, d.run)
	}

	if sch.bus != nil {
		if _, err := sch.bus.Subscribe(ctx, bus.ReviewRequest, func(msg bus.Message) {
			sch.dispatch(ctx, msg.AgentID)
		}); err != nil {
			slog.Error("scheduler: subscribing to review requests failed", "error", err)
		}
	}
}

// Stop signals every driver loop to exit and waits for them to finish.
func (sch *Scheduler) Stop() {
	sch.once.Do(func() { close(sch.stopCh) })
	sch.wg.Wait()
}

func (sch *Scheduler) loop(ctx context.Context, period time.Duration, run func(context.Context)) {
	defer sch.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-sch.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// autonomousOrgs lists organizations the emergency-stop flag allows drivers
// to act on.
func (sch *Scheduler) autonomousOrgs(ctx context.Context) []*model.Organization {
	orgs, err := sch.store.ListAutonomousOrganizations(ctx)
	if err != nil {
		slog.Error("scheduler: listing autonomous organizations failed", "error", err)
		return nil
	}
	return orgs
}

// runExecute first raises any pending tasks whose dependency lists have been
// satisfied (the pending→ready promotion), then dispatches an Orchestrator
// Cycle for every idle agent in every autonomous organization, subject to the
// concurrency cap and dedup set.
func (sch *Scheduler) runExecute(ctx context.Context) {
	if raised, err := sch.store.RaiseUnblockedTasks(ctx); err != nil {
		slog.Error("scheduler: raising unblocked tasks failed", "error", err)
	} else if raised > 0 {
		slog.Info("scheduler: raised unblocked tasks to ready", "count", raised)
	}

	for _, org := range sch.autonomousOrgs(ctx) {
		if sch.atCapacity(ctx, org) {
			continue
		}
		agents, err := sch.store.ListIdleAgents(ctx, org.ID)
		if err != nil {
			slog.Error("scheduler: listing idle agents failed", "org_id", org.ID, "error", err)
			continue
		}
		for _, agent := range agents {
			sch.dispatch(ctx, agent.ID)
		}
	}
}

// runReview finalizes merged pull requests (the cycle's asynchronous
// PR-merge cleanup), then dispatches an Orchestrator Cycle for every agent with a
// ready_for_review task — the cycle's own step 3 routes it to the Reviewer.
func (sch *Scheduler) runReview(ctx context.Context) {
	if sch.cycle != nil {
		if finalized, err := sch.cycle.SweepMergedPulls(ctx); err != nil {
			slog.Error("scheduler: merged pull-request sweep failed", "error", err)
		} else if finalized > 0 {
			slog.Info("scheduler: finalized merged pull requests", "count", finalized)
		}
	}

	for _, org := range sch.autonomousOrgs(ctx) {
		agentIDs, err := sch.store.ListReviewDueAgentIDs(ctx, org.ID)
		if err != nil {
			slog.Error("scheduler: listing review-due agents failed", "org_id", org.ID, "error", err)
			continue
		}
		for _, id := range agentIDs {
			sch.dispatch(ctx, id)
		}
	}
}

// runDecompose invokes the Goal Decomposer for every goal due for
// expansion; a nil goalRunner (LLM not configured) degrades to logging the
// backlog so the selection itself is still observable.
func (sch *Scheduler) runDecompose(ctx context.Context) {
	for _, org := range sch.autonomousOrgs(ctx) {
		goals, err := sch.store.ListUndecomposedGoals(ctx, org.ID)
		if err != nil {
			slog.Error("scheduler: listing undecomposed goals failed", "org_id", org.ID, "error", err)
			continue
		}
		if len(goals) == 0 {
			continue
		}
		if sch.goalRunner == nil {
			slog.Info("scheduler: goals due for decomposition, no goal runner configured", "org_id", org.ID, "count", len(goals))
			continue
		}
		for _, g := range goals {
			if _, err := sch.goalRunner.Run(ctx, g); err != nil {
				slog.Warn("scheduler: goal decomposition failed, will retry next tick", "goal_id", g.ID, "error", err)
			}
		}
	}
}

// runTeamDistribute invokes the Distributor for every pending
// team_epic whose team has a manager, via the Orchestrator Cycle's
// DistributeEpic — the path team_epics actually reach the Distributor
// through, since they never surface via pullNextTask.
func (sch *Scheduler) runTeamDistribute(ctx context.Context) {
	for _, org := range sch.autonomousOrgs(ctx) {
		epics, err := sch.store.ListPendingTeamEpics(ctx, org.ID)
		if err != nil {
			slog.Error("scheduler: listing pending team epics failed", "org_id", org.ID, "error", err)
			continue
		}
		for _, epic := range epics {
			if epic.AssignedTeamID == nil {
				continue
			}
			team, err := sch.store.GetTeam(ctx, *epic.AssignedTeamID)
			if err != nil || team.ManagerAgentID == nil {
				continue
			}
			result := sch.cycle.DistributeEpic(ctx, epic.ID)
			if result.Err != nil {
				slog.Warn("scheduler: team epic distribution failed", "epic_id", epic.ID, "error", result.Err)
			}
		}
	}
}

// runStuckSweep moves tasks stuck in_progress past the threshold to blocked,
// then piggybacks the Workspace Manager's orphan-worktree sweep on
// the same cadence — it has no period key of its own.
func (sch *Scheduler) runStuckSweep(ctx context.Context) {
	tasks, err := sch.store.ListStuckInProgressTasks(ctx, sch.cfg.StuckThreshold)
	if err != nil {
		slog.Error("scheduler: listing stuck tasks failed", "error", err)
		return
	}
	for _, t := range tasks {
		if err := sch.store.BlockTask(ctx, t.ID, "stuck in_progress beyond threshold"); err != nil {
			slog.Error("scheduler: blocking stuck task failed", "task_id", t.ID, "error", err)
		}
	}

	sch.reEscalateStuckReviews(ctx)
	sch.sweepOrphanWorktrees(ctx)
}

// reEscalateStuckReviews re-drives tasks that have sat in_review past the
// level-3 escalation timeout through the Orchestrator Cycle's Escalator hook,
// promoting them to level 4 instead of leaving them waiting on a team leader
// decision indefinitely.
func (sch *Scheduler) reEscalateStuckReviews(ctx context.Context) {
	if sch.cycle == nil {
		return
	}
	tasks, err := sch.store.ListStuckInReviewTasks(ctx, sch.cfg.EscalationLevel3Timeout)
	if err != nil {
		slog.Error("scheduler: listing stuck in_review tasks failed", "error", err)
		return
	}
	for _, t := range tasks {
		if result := sch.cycle.ReEscalateStuckReview(ctx, t); result.Err != nil {
			slog.Error("scheduler: re-escalating stuck in_review task failed", "task_id", t.ID, "error", result.Err)
		}
	}
}

// sweepOrphanWorktrees removes worktrees older than OrphanSweepThreshold
// rooted alongside every known project's working directory.
func (sch *Scheduler) sweepOrphanWorktrees(ctx context.Context) {
	if sch.workspaces == nil {
		return
	}
	projects, err := sch.store.ListAllProjects(ctx)
	if err != nil {
		slog.Error("scheduler: listing projects for orphan sweep failed", "error", err)
		return
	}
	for _, p := range projects {
		swept, err := sch.workspaces.SweepOrphans(ctx, p.WorkingDirectory, sch.cfg.OrphanSweepThreshold)
		if err != nil {
			slog.Error("scheduler: orphan sweep failed", "project_id", p.ID, "error", err)
			continue
		}
		if len(swept) > 0 {
			slog.Info("scheduler: swept orphaned worktrees", "project_id", p.ID, "count", len(swept))
		}
	}
}

// runProgressReport emits aggregate task-status counts per organization.
func (sch *Scheduler) runProgressReport(ctx context.Context) {
	if sch.sink == nil {
		return
	}
	for _, org := range sch.autonomousOrgs(ctx) {
		counts, err := sch.store.CountTasksByStatus(ctx, org.ID)
		if err != nil {
			slog.Error("scheduler: counting tasks for progress report failed", "org_id", org.ID, "error", err)
			continue
		}
		sch.sink.ReportProgress(ctx, org.ID, counts)
	}
}

// LogSink is the default ProgressSink: one structured log line per
// organization per report tick.
type LogSink struct{}

// ReportProgress logs counts keyed by task status.
func (LogSink) ReportProgress(_ context.Context, organizationID string, counts map[model.TaskStatus]int) {
	attrs := []any{"org_id", organizationID}
	for status, n := range counts {
		attrs = append(attrs, string(status), n)
	}
	slog.Info("scheduler: progress report", attrs...)
}

// atCapacity counts agents with status in {working, blocked} for org and
// compares against the organization's own cap, falling back to the
// Scheduler-wide default when the organization hasn't set one.
func (sch *Scheduler) atCapacity(ctx context.Context, org *model.Organization) bool {
	busy, err := sch.store.ListAgentsByStatuses(ctx, org.ID, model.AgentWorking, model.AgentBlocked)
	if err != nil {
		slog.Error("scheduler: counting busy agents failed", "org_id", org.ID, "error", err)
		return true
	}
	limit := org.MaxConcurrentAgents
	if limit <= 0 {
		limit = sch.cfg.MaxConcurrentAgents
	}
	return len(busy) >= limit
}

// dispatch runs an Orchestrator Cycle for agentID unless it is already
// executing; a launch failure removes the dedup entry so the next tick
// retries.
func (sch *Scheduler) dispatch(ctx context.Context, agentID string) {
	if !sch.tryMark(agentID) {
		return
	}
	go func() {
		defer sch.unmark(agentID)
		result := sch.cycle.Run(ctx, agentID)
		if result.Err != nil {
			slog.Warn("scheduler: cycle failed", "agent_id", agentID, "error", result.Err)
		}
	}()
}

func (sch *Scheduler) tryMark(agentID string) bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if _, busy := sch.executing[agentID]; busy {
		return false
	}
	sch.executing[agentID] = struct{}{}
	return true
}

func (sch *Scheduler) unmark(agentID string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	delete(sch.executing, agentID)
}

// EmergencyStop implements the emergency-stop semantics: sets the organization's
// stop flag, pauses every working/reviewing agent, resets every in_progress
// task to pending, and kills every live child process the Process Runner
// tracks.
func (sch *Scheduler) EmergencyStop(ctx context.Context, organizationID, reason string) error {
	if err := sch.store.SetEmergencyStop(ctx, organizationID, &reason); err != nil {
		return err
	}
	if err := sch.store.PauseOrganizationAgents(ctx, organizationID, model.AgentWorking, model.AgentReviewing); err != nil {
		return err
	}
	if err := sch.store.ResetInProgressTasksForOrg(ctx, organizationID); err != nil {
		return err
	}

	killed := sch.runner.KillAll()
	slog.Info("scheduler: emergency stop", "org_id", organizationID, "processes_killed", killed)
	return nil
}

// Resume clears the emergency-stop flag and returns paused agents to idle.
func (sch *Scheduler) Resume(ctx context.Context, organizationID string) error {
	if err := sch.store.SetEmergencyStop(ctx, organizationID, nil); err != nil {
		return err
	}
	return sch.store.ResumeOrganizationAgents(ctx, organizationID)
}
