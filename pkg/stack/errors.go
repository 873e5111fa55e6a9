package stack

import (
	"errors"
	"fmt"
)

// Error kinds. Every typed error below unwraps to one of these.
var (
	ErrMissingVPC         = errors.New("vpc id is required")
	ErrEmptyCandidateSet  = errors.New("no candidate subnets")
	ErrOutOfRange         = errors.New("subnet index out of range")
	ErrInvalidCIDR        = errors.New("invalid cidr")
	ErrUnrestrictedAccess = errors.New("unrestricted inbound access")
	ErrAssembly           = errors.New("plan assembly failed")
	ErrProvisioning       = errors.New("provisioning failed")
)

// ResolutionError reports why no subnet could be selected.
type ResolutionError struct {
	Source     CandidateSource
	Index      int
	Candidates int
	Err        error
}

func (e *ResolutionError) Error() string {
	switch {
	case errors.Is(e.Err, ErrOutOfRange):
		return fmt.Sprintf("resolve subnet: index %d out of range for %d candidates from %s",
			e.Index, e.Candidates, e.Source)
	case errors.Is(e.Err, ErrEmptyCandidateSet):
		return fmt.Sprintf("resolve subnet: no candidates from %s", e.Source)
	default:
		return fmt.Sprintf("resolve subnet: %v", e.Err)
	}
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// RuleError reports an unsafe or malformed CIDR input.
type RuleError struct {
	Purpose Purpose
	CIDR    string
	Err     error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s cidr %q: %v", e.Purpose, e.CIDR, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// AssemblyError reports a failed cross-field precondition.
type AssemblyError struct {
	Field  string
	Reason string
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble plan: %s: %s", e.Field, e.Reason)
}

func (e *AssemblyError) Is(target error) bool { return target == ErrAssembly }

// AssemblyErrors collects every failed precondition of one assembly attempt.
type AssemblyErrors []*AssemblyError

func (es AssemblyErrors) Error() string {
	if len(es) == 1 {
		return es[0].Error()
	}
	msg := fmt.Sprintf("assemble plan: %d preconditions failed", len(es))
	for _, e := range es {
		msg += "; " + e.Field + ": " + e.Reason
	}
	return msg
}

func (es AssemblyErrors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// ProvisioningError wraps a failure surfaced by the provisioning engine.
// The engine message is kept verbatim.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ProvisioningError) Is(target error) bool { return target == ErrProvisioning }
