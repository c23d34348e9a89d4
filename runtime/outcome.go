package runtime

import (
	"errors"

	"github.com/pithecene-io/oaiharvest/types"
)

// Process exit codes.
const (
	ExitCodeSuccess = 0 // verdict success; the supervisor keeps scheduling
	ExitCodeFailure = 1 // verdict failure; the supervisor must halt
	ExitCodeConfig  = 2 // configuration error, nothing was touched
	ExitCodeStopped = 3 // stopped by the supervisor at a checkpoint
)

// ExitCode maps a finished run to the process exit code.
// A fatal source outranks a stop: the supervisor must halt until an
// operator intervenes. Otherwise a stop wins because the remaining sources
// were never attempted.
func ExitCode(result *RunResult) int {
	switch {
	case result == nil:
		return ExitCodeFailure
	case result.Verdict.Level == types.LevelFatal:
		return ExitCodeFailure
	case result.Stopped:
		return ExitCodeStopped
	case result.Verdict.Success:
		return ExitCodeSuccess
	default:
		return ExitCodeFailure
	}
}

// ExitCodeForError maps an error returned before the run started.
func ExitCodeForError(err error) int {
	var cfgErr *types.ConfigurationError
	if errors.As(err, &cfgErr) {
		return ExitCodeConfig
	}
	if errors.Is(err, types.ErrStopRequested) {
		return ExitCodeStopped
	}
	return ExitCodeFailure
}
