package cmd

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/webfarm/internal/harvest"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitBlocked = 3
)

// ExitError carries the process exit code for a command outcome.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// outcome maps a run status and error to the command result. Blocked wins
// over the error text so a blocked run always exits 3.
func outcome(status harvest.RunStatus, err error) error {
	switch {
	case errors.Is(err, harvest.ErrBlocked) || status == harvest.RunStatusBlocked:
		if err == nil {
			err = harvest.ErrBlocked
		}
		return &ExitError{Code: ExitBlocked, Err: err}
	case err != nil:
		return &ExitError{Code: ExitFailed, Err: err}
	case status == harvest.RunStatusCompleted || status == harvest.RunStatusRunning:
		return nil
	default:
		return &ExitError{Code: ExitFailed, Err: fmt.Errorf("run finished with status %s", status)}
	}
}

// exitCode resolves the process exit code for err.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailed
}
