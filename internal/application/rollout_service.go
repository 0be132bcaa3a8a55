package application

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fleetshift/rollout-controller/internal/domain"
)

// Notifier wakes the control loop of one deployment. The manager
// implements it; a nil notifier leaves the loop to its fallback resync.
type Notifier interface {
	Notify(name domain.DeploymentName)
}

// RolloutService is the operator-facing surface: spec submission,
// pause/resume, rollback, abort, and status queries. All desired-state
// mutation funnels through it into the store; the control loop picks the
// changes up on its next wake.
type RolloutService struct {
	Specs     domain.SpecRepository
	Revisions domain.RevisionRepository
	Statuses  domain.StatusRepository
	Notifier  Notifier
	// Retention prunes revision history after submissions. Zero keeps
	// everything.
	Retention domain.RevisionRetention
	Now       func() time.Time
}

func (s *RolloutService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *RolloutService) notify(name domain.DeploymentName) {
	if s.Notifier != nil {
		s.Notifier.Notify(name)
	}
}

// Submit validates and records a desired spec. A changed template mints
// a new revision; a replicas- or strategy-only change keeps the current
// revision and lets the loop re-plan against it.
func (s *RolloutService) Submit(ctx context.Context, spec domain.DeploymentSpec) (domain.Revision, error) {
	if err := spec.Validate(); err != nil {
		return domain.Revision{}, err
	}

	latest, err := s.Revisions.Latest(ctx, spec.Name)
	var newRevision bool
	switch {
	case errors.Is(err, domain.ErrNotFound):
		newRevision = true
	case err != nil:
		return domain.Revision{}, fmt.Errorf("load latest revision: %w", err)
	default:
		newRevision = !reflect.DeepEqual(latest.Template, spec.Template)
	}

	if err := s.Specs.Put(ctx, spec); err != nil {
		return domain.Revision{}, fmt.Errorf("put spec: %w", err)
	}

	desired := latest
	if newRevision {
		desired, err = s.Revisions.Append(ctx, spec.Name, spec.Template)
		if err != nil {
			return domain.Revision{}, fmt.Errorf("append revision: %w", err)
		}
		if err := s.resetStatus(ctx, spec.Name, desired.Sequence); err != nil {
			return domain.Revision{}, err
		}
		s.prune(ctx, spec.Name)
	}

	s.notify(spec.Name)
	return desired, nil
}

// resetStatus points the persisted status at a new desired revision. A
// paused rollout stays paused; everything else restarts progressing with
// a fresh progress window.
func (s *RolloutService) resetStatus(ctx context.Context, name domain.DeploymentName, desired int64) error {
	err := s.writeStatus(ctx, name, true, func(prev *domain.RolloutStatus) bool {
		state := domain.RolloutProgressing
		if prev.State == domain.RolloutPaused {
			state = domain.RolloutPaused
		}
		*prev = domain.RolloutStatus{
			Deployment:      name,
			DesiredRevision: desired,
			State:           state,
			LastComplete:    prev.LastComplete,
			LastProgress:    s.now(),
			UpdatedAt:       s.now(),
			Generation:      prev.Generation,
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("reset status: %w", err)
	}
	return nil
}

// writeStatus applies mutate to the current status and writes it back.
// A concurrent tick can win the compare-and-swap; the write is then
// retried against the fresh status so operator commands never lose the
// race. init starts from a zero status when none is stored; mutate
// returning false skips the write.
func (s *RolloutService) writeStatus(ctx context.Context, name domain.DeploymentName, init bool, mutate func(*domain.RolloutStatus) bool) error {
	for attempt := 0; ; attempt++ {
		status, err := s.Statuses.Get(ctx, name)
		switch {
		case errors.Is(err, domain.ErrNotFound) && init:
			status = domain.RolloutStatus{Deployment: name}
		case err != nil:
			return err
		}
		if !mutate(&status) {
			return nil
		}
		err = s.Statuses.Put(ctx, status)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= 5 {
			return err
		}
	}
}

// Pause suspends scaling for a deployment. The loop keeps observing and
// refreshing counts but applies nothing until Resume.
func (s *RolloutService) Pause(ctx context.Context, name domain.DeploymentName) error {
	err := s.writeStatus(ctx, name, false, func(status *domain.RolloutStatus) bool {
		if status.State == domain.RolloutPaused {
			return false
		}
		status.State = domain.RolloutPaused
		status.UpdatedAt = s.now()
		return true
	})
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	s.notify(name)
	return nil
}

// Resume lifts a pause. The progress window restarts so time spent
// paused does not count against the deadline.
func (s *RolloutService) Resume(ctx context.Context, name domain.DeploymentName) error {
	err := s.writeStatus(ctx, name, false, func(status *domain.RolloutStatus) bool {
		if status.State != domain.RolloutPaused {
			return false
		}
		status.State = domain.RolloutProgressing
		status.LastProgress = s.now()
		status.UpdatedAt = s.now()
		return true
	})
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	s.notify(name)
	return nil
}

// RollbackTo re-submits the template of an earlier revision as a new
// revision, preserving forward-only history. The replicas and strategy
// of the current spec are kept.
func (s *RolloutService) RollbackTo(ctx context.Context, name domain.DeploymentName, sequence int64) (domain.Revision, error) {
	rev, err := s.Revisions.Get(ctx, name, sequence)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("rollback target revision %d: %w", sequence, err)
	}
	spec, err := s.Specs.Get(ctx, name)
	if err != nil {
		return domain.Revision{}, fmt.Errorf("load spec: %w", err)
	}
	spec.Template = rev.Template
	return s.Submit(ctx, spec)
}

// Abort gives up on the active rollout. With a previously completed
// revision on record it rolls back to it; otherwise the rollout is
// marked Failed and left for the operator.
func (s *RolloutService) Abort(ctx context.Context, name domain.DeploymentName) error {
	status, err := s.Statuses.Get(ctx, name)
	if err != nil {
		return err
	}
	if status.LastComplete > 0 && status.LastComplete != status.DesiredRevision {
		_, err := s.RollbackTo(ctx, name, status.LastComplete)
		return err
	}
	err = s.writeStatus(ctx, name, false, func(st *domain.RolloutStatus) bool {
		st.State = domain.RolloutFailed
		st.Message = "rollout aborted by operator"
		st.UpdatedAt = s.now()
		return true
	})
	if err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	s.notify(name)
	return nil
}

// Status returns the last persisted rollout status.
func (s *RolloutService) Status(ctx context.Context, name domain.DeploymentName) (domain.RolloutStatus, error) {
	return s.Statuses.Get(ctx, name)
}

// prune applies the retention policy. Pruning is best-effort; a failure
// never blocks the submission that triggered it.
func (s *RolloutService) prune(ctx context.Context, name domain.DeploymentName) {
	if s.Retention.KeepCount <= 0 && s.Retention.KeepAge <= 0 {
		return
	}
	history, err := s.Revisions.List(ctx, name)
	if err != nil {
		return
	}
	status, _ := s.Statuses.Get(ctx, name)
	for _, seq := range s.Retention.Prunable(history, status.DesiredRevision, status.LastComplete, s.now()) {
		_ = s.Revisions.Delete(ctx, name, seq)
	}
}
