package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/theteta/controltower/internal/model"
	"github.com/theteta/controltower/internal/wasender"
)

// UpsertClientByPhone finds the client for a normalized wa_id, creating a
// placeholder record on first contact.
func (s *Store) UpsertClientByPhone(ctx context.Context, waID string, now time.Time) (*model.Client, error) {
	phone := wasender.NormalizeWaID(waID)
	if phone == "" {
		return nil, fmt.Errorf("invalid wa_id %q", waID)
	}

	client, err := s.findClientByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if client != nil {
		return client, nil
	}

	suffix := phone
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	client = &model.Client{
		ID:        uuid.New(),
		Name:      "Cliente " + suffix,
		Phone:     phone,
		City:      "Cucuta",
		CreatedAt: now,
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO clients (id, name, phone, company, city, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone) DO NOTHING`,
		client.ID, client.Name, client.Phone, client.Company, client.City, client.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert client: %w", err)
	}

	// A concurrent insert may have won the conflict; read back the row.
	return s.findClientByPhone(ctx, phone)
}

func (s *Store) findClientByPhone(ctx context.Context, phone string) (*model.Client, error) {
	var c model.Client
	err := s.db.QueryRow(ctx, `
		SELECT id, name, phone, company, city, created_at
		FROM clients WHERE phone = $1`, phone,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.Company, &c.City, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find client by phone: %w", err)
	}
	return &c, nil
}

func (s *Store) GetClient(ctx context.Context, id uuid.UUID) (*model.Client, error) {
	var c model.Client
	err := s.db.QueryRow(ctx, `
		SELECT id, name, phone, company, city, created_at
		FROM clients WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Phone, &c.Company, &c.City, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]model.Client, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, phone, company, city, created_at
		FROM clients ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []model.Client
	for rows.Next() {
		var c model.Client
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Company, &c.City, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// CreateClient inserts a fully specified client (seeding path).
func (s *Store) CreateClient(ctx context.Context, c *model.Client) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO clients (id, name, phone, company, city, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Name, c.Phone, c.Company, c.City, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}
