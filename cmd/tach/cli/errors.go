package cli

import "fmt"

// SilentError wraps an error whose message the command already printed.
// main exits non-zero without printing it again.
type SilentError struct {
	Err error
}

// NewSilentError wraps err.
func NewSilentError(err error) *SilentError {
	return &SilentError{Err: err}
}

func (e *SilentError) Error() string {
	return e.Err.Error()
}

func (e *SilentError) Unwrap() error {
	return e.Err
}

// ExitError carries the test runner's exit code to main.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("tests exited with code %d", e.Code)
}
