package domain

import "errors"

var (
	// ErrNotFound indicates that a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidSpec indicates that a submitted deployment spec violates
	// a precondition and was rejected before entering the control loop.
	ErrInvalidSpec = errors.New("invalid spec")

	// ErrRolloutFailed indicates that a rollout has failed permanently
	// and requires operator action (new revision or rollback).
	ErrRolloutFailed = errors.New("rollout failed")

	// ErrDeadlineExceeded indicates that a rollout made no forward
	// progress within the configured progress deadline.
	ErrDeadlineExceeded = errors.New("progress deadline exceeded")

	// ErrConflict indicates that a compare-and-swap write lost to a
	// concurrent writer. The caller must re-read before retrying.
	ErrConflict = errors.New("write conflict")

	// ErrPlannerInvariant indicates that a computed plan would violate
	// the surge or unavailability budget. The tick that produced it is
	// aborted without applying anything.
	ErrPlannerInvariant = errors.New("planner invariant violation")
)
