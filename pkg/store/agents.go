package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmesh/orchestrator/pkg/model"
)

const agentColumns = `id, organization_id, team_id, name, status, lifecycle, depth,
	manager_id, role_id, current_task_id, persona, created_by_agent_id, created_at, updated_at`

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	if err := row.Scan(
		&a.ID, &a.OrganizationID, &a.TeamID, &a.Name, &a.Status, &a.Lifecycle, &a.Depth,
		&a.ManagerID, &a.RoleID, &a.CurrentTaskID, &a.Persona, &a.CreatedByAgentID, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, mapNotFound(err, "scanning agent")
	}
	return &a, nil
}

// CreateAgent inserts a new agent, grounded on the Delegator's spawn
// path for temporary agents and on organization bootstrap for permanent ones.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) (*model.Agent, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO agents (id, organization_id, team_id, name, status, lifecycle, depth,
			manager_id, role_id, current_task_id, persona, created_by_agent_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+agentColumns,
		a.ID, a.OrganizationID, a.TeamID, a.Name, a.Status, a.Lifecycle, a.Depth,
		a.ManagerID, a.RoleID, a.CurrentTaskID, a.Persona, a.CreatedByAgentID,
	)
	return scanAgent(row)
}

// GetAgent fetches an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// SetAgentStatus updates an agent's status and, when assigning work, its
// current task pointer.
func (s *Store) SetAgentStatus(ctx context.Context, id string, status model.AgentStatus, currentTaskID *string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE agents SET status = $1, current_task_id = $2, updated_at = now() WHERE id = $3`,
		status, currentTaskID, id,
	)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	return nil
}

// ListIdleAgents returns idle, permanent-or-temporary agents belonging to an
// organization, for the Distributor assignment scan.
func (s *Store) ListIdleAgents(ctx context.Context, organizationID string) ([]*model.Agent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE organization_id = $1 AND status = $2`,
		organizationID, model.AgentIdle,
	)
	if err != nil {
		return nil, fmt.Errorf("querying idle agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListAgentsByTeam returns every agent belonging to teamID, for the
// Distributor's roster build.
func (s *Store) ListAgentsByTeam(ctx context.Context, teamID string) ([]*model.Agent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, fmt.Errorf("querying team agents: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListAgentsByStatuses returns every agent in an organization whose status
// is one of statuses, used by the Scheduler's concurrency cap and
// by emergency stop to find agents that need pausing.
func (s *Store) ListAgentsByStatuses(ctx context.Context, organizationID string, statuses ...model.AgentStatus) ([]*model.Agent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE organization_id = $1 AND status = ANY($2)`,
		organizationID, statuses,
	)
	if err != nil {
		return nil, fmt.Errorf("querying agents by status: %w", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// PauseOrganizationAgents pauses every agent in organizationID currently in
// one of fromStatuses, used by EmergencyStop to halt in-flight work.
func (s *Store) PauseOrganizationAgents(ctx context.Context, organizationID string, fromStatuses ...model.AgentStatus) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE agents SET status = $1, updated_at = now()
		WHERE organization_id = $2 AND status = ANY($3)`,
		model.AgentPaused, organizationID, fromStatuses,
	)
	return err
}

// ResumeOrganizationAgents flips every paused agent in organizationID back
// to idle, the counterpart to PauseOrganizationAgents on emergency resume.
func (s *Store) ResumeOrganizationAgents(ctx context.Context, organizationID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE agents SET status = $1, updated_at = now()
		WHERE organization_id = $2 AND status = $3`,
		model.AgentIdle, organizationID, model.AgentPaused,
	)
	return err
}

// CountInProgressTasksForAgent counts an agent's current in_progress tasks,
// the workload figure the Distributor's assignment tie-break reads.
func (s *Store) CountInProgressTasksForAgent(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM tasks WHERE assigned_agent_id = $1 AND status = $2`,
		agentID, model.StatusInProgress,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting in-progress tasks: %w", err)
	}
	return count, nil
}

// CountActiveTemporaryAgents counts a manager's temporary agents in any
// status other than error, used by the Delegator to enforce spawn limits.
func (s *Store) CountActiveTemporaryAgents(ctx context.Context, managerID string) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM agents
		WHERE manager_id = $1 AND lifecycle = $2 AND status <> $3`,
		managerID, model.LifecycleTemporary, model.AgentError,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting temporary agents: %w", err)
	}
	return count, nil
}

// RetireAgent marks a temporary agent as no longer available, once the
// Delegator's spawned task completes.
func (s *Store) RetireAgent(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE agents SET status = $1, current_task_id = NULL, updated_at = now() WHERE id = $2`,
		model.AgentPaused, id,
	)
	return err
}
