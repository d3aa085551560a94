package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmesh/orchestrator/pkg/model"
)

const teamColumns = `id, organization_id, name, charter, manager_agent_id, parent_team_id, created_at`

func scanTeam(row pgx.Row) (*model.Team, error) {
	var t model.Team
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.Name, &t.Charter, &t.ManagerAgentID, &t.ParentTeamID, &t.CreatedAt); err != nil {
		return nil, mapNotFound(err, "scanning team")
	}
	return &t, nil
}

// CreateTeam inserts a new team.
func (s *Store) CreateTeam(ctx context.Context, t *model.Team) (*model.Team, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO teams (id, organization_id, name, charter, manager_agent_id, parent_team_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING `+teamColumns,
		t.ID, t.OrganizationID, t.Name, t.Charter, t.ManagerAgentID, t.ParentTeamID,
	)
	return scanTeam(row)
}

// GetTeam fetches a team by ID.
func (s *Store) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id)
	return scanTeam(row)
}

// SetTeamManager designates an agent as the team's distribution authority
// for team_epic tasks. The manager must be created after the team,
// so this is a separate step from CreateTeam.
func (s *Store) SetTeamManager(ctx context.Context, teamID, agentID string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE teams SET manager_agent_id = $1 WHERE id = $2`, agentID, teamID)
	if err != nil {
		return fmt.Errorf("setting team manager: %w", err)
	}
	return nil
}

// ListChildTeams returns teams whose parent_team_id is id, for team_epic
// fan-out decisions in the Distributor.
func (s *Store) ListChildTeams(ctx context.Context, id string) ([]*model.Team, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+teamColumns+` FROM teams WHERE parent_team_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("querying child teams: %w", err)
	}
	defer rows.Close()

	var teams []*model.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

const roleColumns = `id, name, capabilities, available_for_temporary_agent, system_prompt`

func scanRole(row pgx.Row) (*model.Role, error) {
	var r model.Role
	if err := row.Scan(&r.ID, &r.Name, &r.Capabilities, &r.AvailableForTemporaryAgent, &r.SystemPrompt); err != nil {
		return nil, mapNotFound(err, "scanning role")
	}
	return &r, nil
}

// CreateRole inserts a new role.
func (s *Store) CreateRole(ctx context.Context, r *model.Role) (*model.Role, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO roles (id, name, capabilities, available_for_temporary_agent, system_prompt)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING `+roleColumns,
		r.ID, r.Name, r.Capabilities, r.AvailableForTemporaryAgent, r.SystemPrompt,
	)
	return scanRole(row)
}

// GetRole fetches a role by ID.
func (s *Store) GetRole(ctx context.Context, id string) (*model.Role, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

// ListTemporaryCapableRoles returns roles the Delegator may assign to
// a freshly spawned temporary agent.
func (s *Store) ListTemporaryCapableRoles(ctx context.Context) ([]*model.Role, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE available_for_temporary_agent = true`)
	if err != nil {
		return nil, fmt.Errorf("querying temporary-capable roles: %w", err)
	}
	defer rows.Close()

	var roles []*model.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
