package engine

import (
	"errors"
	"fmt"

	"queueline/internal/repo"
)

// ErrNoEligibleAgent is returned when a strategy finds nobody to take the ticket.
// It is NotFound-class and is the only error that triggers overflow.
var ErrNoEligibleAgent = errors.New("no eligible agent")

// NotFoundError reports a missing entity. It matches repo.ErrNotFound.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e NotFoundError) Is(target error) bool {
	return target == repo.ErrNotFound
}

type BadRequestError struct {
	Reason string
}

func (e BadRequestError) Error() string {
	return e.Reason
}

func badRequest(format string, args ...any) error {
	return BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// IsNotFound reports missing entities and the no-eligible-agent outcome.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, ErrNoEligibleAgent)
}

func IsBadRequest(err error) bool {
	var br BadRequestError
	return errors.As(err, &br)
}

// lookupErr turns a store miss into a NotFoundError and wraps anything else.
func lookupErr(entity, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Entity: entity, ID: id}
	}
	return fmt.Errorf("load %s %s: %w", entity, id, err)
}
