package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// SpecRepo implements [domain.SpecRepository] backed by SQLite. Put is
// an upsert: the current desired spec is a single row per deployment.
type SpecRepo struct {
	DB *sql.DB
}

func (r *SpecRepo) Put(ctx context.Context, spec domain.DeploymentSpec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO specs (name, spec) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET spec = excluded.spec`,
		string(spec.Name), string(payload),
	)
	if err != nil {
		return fmt.Errorf("upsert spec: %w", err)
	}
	return nil
}

func (r *SpecRepo) Get(ctx context.Context, name domain.DeploymentName) (domain.DeploymentSpec, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx,
		`SELECT spec FROM specs WHERE name = ?`, string(name),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeploymentSpec{}, fmt.Errorf("spec %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DeploymentSpec{}, fmt.Errorf("get spec: %w", err)
	}
	var spec domain.DeploymentSpec
	if err := json.Unmarshal([]byte(payload), &spec); err != nil {
		return domain.DeploymentSpec{}, fmt.Errorf("unmarshal spec: %w", err)
	}
	return spec, nil
}

func (r *SpecRepo) List(ctx context.Context) ([]domain.DeploymentSpec, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT spec FROM specs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list specs: %w", err)
	}
	defer rows.Close()

	var specs []domain.DeploymentSpec
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan spec: %w", err)
		}
		var spec domain.DeploymentSpec
		if err := json.Unmarshal([]byte(payload), &spec); err != nil {
			return nil, fmt.Errorf("unmarshal spec: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func (r *SpecRepo) Delete(ctx context.Context, name domain.DeploymentName) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM specs WHERE name = ?`, string(name))
	if err != nil {
		return fmt.Errorf("delete spec: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("spec %q: %w", name, domain.ErrNotFound)
	}
	return nil
}
