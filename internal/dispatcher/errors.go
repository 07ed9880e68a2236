package dispatcher

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotInitialized is returned before the trial config was set.
	ErrNotInitialized = errors.New("trial config is not initialized")
	// ErrNotBound is returned when a trial needs an environment but has none.
	ErrNotBound = errors.New("trial is not bound to an environment")
	// ErrTrialNotFound is returned for unknown trial ids.
	ErrTrialNotFound = errors.New("trial not found")
	// ErrPrecondition marks a broken invariant. It aborts the dispatcher.
	ErrPrecondition = errors.New("precondition violated")
	// ErrResourceNotAvailable is returned when no environment can ever satisfy a trial.
	ErrResourceNotAvailable = errors.New("resource not available")
)
