package commands

import (
	"errors"

	"github.com/SpatiumPortae/sship/internal/agreement"
	"github.com/SpatiumPortae/sship/internal/code"
	"github.com/SpatiumPortae/sship/internal/conn"
	"github.com/SpatiumPortae/sship/internal/discovery"
	"github.com/SpatiumPortae/sship/internal/transfer"
)

// Exit codes of the sship binary.
const (
	ExitOK = iota
	ExitFailure
	ExitMalformedCode
	ExitAuthenticationFailed
	ExitNotFound
	ExitIntegrity
	ExitExpiredCode
	ExitAmbiguousMatch
	ExitTransport
)

// ExitCode maps the error a command failed with to the exit code of the process.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, code.ErrMalformedCode):
		return ExitMalformedCode
	case errors.Is(err, agreement.ErrAuthenticationFailed):
		return ExitAuthenticationFailed
	case errors.Is(err, code.ErrExpiredCode):
		return ExitExpiredCode
	case errors.Is(err, discovery.ErrAmbiguousMatch):
		return ExitAmbiguousMatch
	case errors.Is(err, discovery.ErrNotFound), errors.Is(err, discovery.ErrTimeout):
		return ExitNotFound
	// A tampered frame surfaces as an integrity failure even though the link carried it.
	case errors.Is(err, transfer.ErrIntegrity), errors.Is(err, conn.ErrTampered):
		return ExitIntegrity
	case errors.Is(err, conn.ErrTransport):
		return ExitTransport
	default:
		return ExitFailure
	}
}
