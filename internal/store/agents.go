package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/theteta/controltower/internal/model"
)

func (s *Store) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, active) VALUES ($1, $2, $3)`,
		a.ID, a.Name, a.Active,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	var a model.Agent
	err := s.db.QueryRow(ctx, `SELECT id, name, active FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name, active FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Active); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
