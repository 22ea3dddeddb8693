package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenModbusSim/internal/scenario"
	"github.com/jackc/pgx/v5"
)

var _ scenario.Store = (*PostgresClient)(nil)

// List returns every stored scenario ordered by name.
func (p *PostgresClient) List(ctx context.Context) ([]scenario.Info, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT name, description, version, device_count, updated_at
		FROM scenarios
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	infos := make([]scenario.Info, 0)
	for rows.Next() {
		var info scenario.Info
		if err := rows.Scan(&info.Name, &info.Description, &info.Version, &info.Devices, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Get parses the stored YAML, so a scenario comes back exactly as saved
// and is validated again.
func (p *PostgresClient) Get(ctx context.Context, name string) (*scenario.Scenario, error) {
	var raw string
	err := p.pool.QueryRow(ctx, `SELECT raw_yaml FROM scenarios WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", scenario.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scenario %s: %w", name, err)
	}
	return scenario.Parse([]byte(raw))
}

// Put validates s and upserts it by name.
func (p *PostgresClient) Put(ctx context.Context, s *scenario.Scenario) error {
	if !scenario.ValidName(s.Name) {
		return fmt.Errorf("%w: %q", scenario.ErrInvalidName, s.Name)
	}
	if err := scenario.Validate(s); err != nil {
		return err
	}

	raw, err := scenario.Marshal(s)
	if err != nil {
		return err
	}
	document, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal scenario document: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO scenarios (name, description, version, device_count, document, raw_yaml)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name)
		DO UPDATE SET
			description = EXCLUDED.description,
			version = EXCLUDED.version,
			device_count = EXCLUDED.device_count,
			document = EXCLUDED.document,
			raw_yaml = EXCLUDED.raw_yaml,
			updated_at = NOW()
	`, s.Name, s.Description, s.Version, len(s.Devices), document, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save scenario %s: %w", s.Name, err)
	}
	return nil
}

func (p *PostgresClient) Delete(ctx context.Context, name string) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM scenarios WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete scenario: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", scenario.ErrNotFound, name)
	}
	return nil
}
