package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// RecordingRuntime implements [domain.InstanceRuntime] by recording
// instances in SQLite. This is the local-development implementation used
// until a real container runtime binding is available: instances "start"
// by aging through inspections rather than by running anything.
type RecordingRuntime struct {
	DB *sql.DB
	// StartupInspects is how many Inspect calls an instance stays
	// Starting before it reports Running. Zero means 1.
	StartupInspects int
	Now             func() time.Time
}

func (r *RecordingRuntime) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *RecordingRuntime) startupInspects() int {
	if r.StartupInspects > 0 {
		return r.StartupInspects
	}
	return 1
}

func (r *RecordingRuntime) Create(ctx context.Context, id domain.InstanceID, template domain.InstanceTemplate) error {
	payload, err := json.Marshal(template)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO runtime_instances (id, template, phase, inspects, created_at) VALUES (?, ?, ?, 0, ?)`,
		string(id), string(payload), string(domain.RuntimeStarting), r.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("instance %s: %w", id, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// Terminate is idempotent: terminating an unknown instance is a no-op.
func (r *RecordingRuntime) Terminate(ctx context.Context, id domain.InstanceID) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM runtime_instances WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

// Inspect reports the instance phase, advancing Starting to Running
// after the configured number of inspections to simulate startup.
func (r *RecordingRuntime) Inspect(ctx context.Context, id domain.InstanceID) (domain.RuntimePhase, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin inspect: %w", err)
	}
	defer tx.Rollback()

	var phase string
	var inspects int
	err = tx.QueryRowContext(ctx,
		`SELECT phase, inspects FROM runtime_instances WHERE id = ?`, string(id),
	).Scan(&phase, &inspects)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("instance %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get instance: %w", err)
	}

	inspects++
	next := domain.RuntimePhase(phase)
	if next == domain.RuntimeStarting && inspects >= r.startupInspects() {
		next = domain.RuntimeRunning
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runtime_instances SET phase = ?, inspects = ? WHERE id = ?`,
		string(next), inspects, string(id),
	)
	if err != nil {
		return "", fmt.Errorf("update instance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit inspect: %w", err)
	}
	return next, nil
}
