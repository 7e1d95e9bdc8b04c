package provision

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EnvironmentError reports missing host tooling. It is never retried.
type EnvironmentError struct {
	Tool string
	Err  error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment: %s unavailable: %v", e.Tool, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// CreateError reports that the guest could not be created. Nothing exists to
// roll back.
type CreateError struct {
	Distribution string
	Err          error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create guest %s: %v", e.Distribution, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// TimeoutError reports a guest that never answered within the allotted time.
type TimeoutError struct {
	Guest   string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("guest %s not responsive after %s", e.Guest, e.Timeout)
	if e.Err != nil {
		msg += fmt.Sprintf(" (last error: %v)", e.Err)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// SnapshotError reports a failure to capture the rollback baseline.
type SnapshotError struct {
	Err error
}

func (e *SnapshotError) Error() string { return fmt.Sprintf("snapshot guest state: %v", e.Err) }

func (e *SnapshotError) Unwrap() error { return e.Err }

// InstallError reports a failed package manager transaction.
type InstallError struct {
	Packages []string
	ExitCode int
	Err      error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %d package(s) (exit code %d): %v", len(e.Packages), e.ExitCode, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// BuildError identifies the build item that failed. Later items are not attempted.
type BuildError struct {
	Item     string
	ExitCode int
	Err      error
}

func (e *BuildError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("build %s (exit code %d): %v", e.Item, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("build %s: %v", e.Item, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// RepositoryError reports a failure while assembling or registering the local
// repository outside of an individual item build.
type RepositoryError struct {
	Step string
	Err  error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("local repository %s: %v", e.Step, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// UserError reports a failure to create or configure the administrative user.
type UserError struct {
	User string
	Err  error
}

func (e *UserError) Error() string { return fmt.Sprintf("configure user %s: %v", e.User, e.Err) }

func (e *UserError) Unwrap() error { return e.Err }

// RollbackError collects the rollback steps that failed. Any RollbackError
// leads to guest destruction.
type RollbackError struct {
	Errs []error
}

func (e *RollbackError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return "rollback: " + strings.Join(msgs, "; ")
}

func (e *RollbackError) Unwrap() []error { return e.Errs }

// DestroyError is final: the guest may be in any state and needs an operator.
type DestroyError struct {
	Guest string
	Err   error
}

func (e *DestroyError) Error() string { return fmt.Sprintf("destroy guest %s: %v", e.Guest, e.Err) }

func (e *DestroyError) Unwrap() error { return e.Err }

var (
	errNoSnapshot           = errors.New("no snapshot has been taken")
	errRollbackNotAttempted = errors.New("refusing to destroy guest before rollback has been attempted")
	errGuestNotBound        = errors.New("guest has not become responsive yet")
)
