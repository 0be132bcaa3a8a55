package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// StatusRepo implements [domain.StatusRepository] backed by SQLite. One
// row per deployment, replaced whole on every successful write. Put is
// a compare-and-swap on the generation column so a reconcile tick and
// an operator command can never silently overwrite each other.
type StatusRepo struct {
	DB *sql.DB
}

func (r *StatusRepo) Put(ctx context.Context, status domain.RolloutStatus) error {
	expected := status.Generation
	status.Generation = expected + 1
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	res, err := r.DB.ExecContext(ctx,
		`UPDATE statuses SET status = ?, generation = ? WHERE name = ? AND generation = ?`,
		string(payload), status.Generation, string(status.Deployment), expected,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("update status: %w", err)
	} else if n == 1 {
		return nil
	}

	if expected != 0 {
		return fmt.Errorf("status %q at generation %d: %w", status.Deployment, expected, domain.ErrConflict)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO statuses (name, status, generation) VALUES (?, ?, ?)`,
		string(status.Deployment), string(payload), status.Generation,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("status %q at generation %d: %w", status.Deployment, expected, domain.ErrConflict)
		}
		return fmt.Errorf("insert status: %w", err)
	}
	return nil
}

func (r *StatusRepo) Get(ctx context.Context, name domain.DeploymentName) (domain.RolloutStatus, error) {
	var (
		payload    string
		generation int64
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT status, generation FROM statuses WHERE name = ?`, string(name),
	).Scan(&payload, &generation)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RolloutStatus{}, fmt.Errorf("status %q: %w", name, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RolloutStatus{}, fmt.Errorf("get status: %w", err)
	}
	var status domain.RolloutStatus
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		return domain.RolloutStatus{}, fmt.Errorf("unmarshal status: %w", err)
	}
	status.Generation = generation
	return status, nil
}
