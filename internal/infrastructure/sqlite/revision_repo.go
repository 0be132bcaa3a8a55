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

// RevisionRepo implements [domain.RevisionRepository] backed by SQLite.
// Sequence numbers are assigned inside a transaction so concurrent
// appends for one deployment serialize.
type RevisionRepo struct {
	DB *sql.DB
	// Now is the clock, injectable for tests.
	Now func() time.Time
}

func (r *RevisionRepo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *RevisionRepo) Append(ctx context.Context, name domain.DeploymentName, template domain.InstanceTemplate) (domain.Revision, error) {
	payload, err := json.Marshal(template)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("marshal template: %w", err)
	}
	createdAt := r.now().UTC()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var sequence int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM revisions WHERE name = ?`,
		string(name),
	).Scan(&sequence)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO revisions (name, sequence, template, created_at) VALUES (?, ?, ?, ?)`,
		string(name), sequence, string(payload), createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("insert revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Revision{}, fmt.Errorf("commit append: %w", err)
	}

	return domain.Revision{
		Deployment: name,
		Sequence:   sequence,
		Template:   template,
		CreatedAt:  createdAt,
	}, nil
}

func (r *RevisionRepo) Get(ctx context.Context, name domain.DeploymentName, sequence int64) (domain.Revision, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT name, sequence, template, created_at FROM revisions WHERE name = ? AND sequence = ?`,
		string(name), sequence,
	)
	return scanRevision(row)
}

func (r *RevisionRepo) Latest(ctx context.Context, name domain.DeploymentName) (domain.Revision, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT name, sequence, template, created_at FROM revisions
		 WHERE name = ? ORDER BY sequence DESC LIMIT 1`,
		string(name),
	)
	return scanRevision(row)
}

func (r *RevisionRepo) List(ctx context.Context, name domain.DeploymentName) ([]domain.Revision, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT name, sequence, template, created_at FROM revisions
		 WHERE name = ? ORDER BY sequence ASC`,
		string(name),
	)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var revisions []domain.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revisions = append(revisions, rev)
	}
	return revisions, rows.Err()
}

func (r *RevisionRepo) Delete(ctx context.Context, name domain.DeploymentName, sequence int64) error {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM revisions WHERE name = ? AND sequence = ?`,
		string(name), sequence,
	)
	if err != nil {
		return fmt.Errorf("delete revision: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("revision %d of %q: %w", sequence, name, domain.ErrNotFound)
	}
	return nil
}

func scanRevision(s scanner) (domain.Revision, error) {
	var rev domain.Revision
	var name, payload, createdAt string
	if err := s.Scan(&name, &rev.Sequence, &payload, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rev, fmt.Errorf("revision: %w", domain.ErrNotFound)
		}
		return rev, fmt.Errorf("scan revision: %w", err)
	}
	rev.Deployment = domain.DeploymentName(name)
	if err := json.Unmarshal([]byte(payload), &rev.Template); err != nil {
		return rev, fmt.Errorf("unmarshal template: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return rev, fmt.Errorf("parse created_at: %w", err)
	}
	rev.CreatedAt = t
	return rev, nil
}
