package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// Process exit codes
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitReload     = 2
	ExitConfig     = 3
	ExitRepository = 4
)

var (
	// ErrReloadRequested is returned when the reload control is set
	ErrReloadRequested = errors.New("reload requested")

	// ErrConfiguration marks errors caused by the configuration, such as a
	// published activity without a registered processor
	ErrConfiguration = errors.New("configuration error")

	// ErrRepository marks unrecoverable repository failures
	ErrRepository = errors.New("repository failure")
)

// ExitError carries the process exit code for an orchestrator error
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps an error returned by Run to a process exit code
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch {
	case errors.Is(err, ErrReloadRequested):
		return ExitReload
	case errors.Is(err, ErrConfiguration):
		return ExitConfig
	case errors.Is(err, ErrRepository):
		return ExitRepository
	}
	return ExitFailure
}
