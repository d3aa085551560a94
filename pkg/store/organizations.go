package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmesh/orchestrator/pkg/model"
)

const orgColumns = `id, name, mission, autonomous_execution_enabled, emergency_stop_reason,
	max_concurrent_agents, daily_budget_cents, monthly_budget_cents, alert_percent,
	stop_percent, created_at, updated_at`

func scanOrganization(row pgx.Row) (*model.Organization, error) {
	var o model.Organization
	if err := row.Scan(
		&o.ID, &o.Name, &o.Mission, &o.AutonomousExecutionEnabled, &o.EmergencyStopReason,
		&o.MaxConcurrentAgents, &o.DailyBudgetCents, &o.MonthlyBudgetCents, &o.AlertPercent,
		&o.StopPercent, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, mapNotFound(err, "scanning organization")
	}
	return &o, nil
}

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(ctx context.Context, o *model.Organization) (*model.Organization, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO organizations (id, name, mission, autonomous_execution_enabled, max_concurrent_agents,
			daily_budget_cents, monthly_budget_cents, alert_percent, stop_percent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+orgColumns,
		o.ID, o.Name, o.Mission, o.AutonomousExecutionEnabled, o.MaxConcurrentAgents,
		o.DailyBudgetCents, o.MonthlyBudgetCents, o.AlertPercent, o.StopPercent,
	)
	return scanOrganization(row)
}

// GetOrganization fetches an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id)
	return scanOrganization(row)
}

// SetEmergencyStop sets or clears the emergency-stop reason. A nil reason
// clears the stop.
func (s *Store) SetEmergencyStop(ctx context.Context, id string, reason *string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE organizations SET emergency_stop_reason = $1, updated_at = now() WHERE id = $2`,
		reason, id,
	)
	if err != nil {
		return fmt.Errorf("setting emergency stop: %w", err)
	}
	return nil
}

// ListAutonomousOrganizations returns organizations eligible for scheduler
// drivers: autonomous execution enabled and no emergency stop in effect.
func (s *Store) ListAutonomousOrganizations(ctx context.Context) ([]*model.Organization, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orgColumns+` FROM organizations
		WHERE autonomous_execution_enabled = true AND emergency_stop_reason IS NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying autonomous organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*model.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}
