package cli

import "errors"

// Sentinel errors for exit code classification.
var (
	// ErrUsage indicates invalid command usage, flags, or arguments.
	ErrUsage = errors.New("usage error")

	// ErrIntegrity indicates a ledger or journal that failed verification.
	ErrIntegrity = errors.New("integrity error")

	// ErrRuntime indicates runtime execution failures.
	ErrRuntime = errors.New("runtime error")
)

// ExitCode maps an Execute error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrUsage):
		return 2
	case errors.Is(err, ErrIntegrity):
		return 3
	default:
		return 1
	}
}
