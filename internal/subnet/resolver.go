// Package subnet picks the subnet an instance is launched into.
//
// Candidate sources are evaluated in a fixed order and the first non-empty one
// wins: an explicit id list, then a single explicit id, then the ids returned
// by network discovery. Sources are never merged.
package subnet

import (
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/keel/pkg/stack"
)

// NeedsDiscovery reports whether the selector falls through to discovery.
func NeedsDiscovery(sel stack.NetworkSelector) bool {
	return len(sel.SubnetIDs) == 0 && sel.SubnetID == ""
}

// Candidates returns the candidate list for the selector and where it came from.
// The returned slice never aliases the inputs.
func Candidates(sel stack.NetworkSelector, discovered []string) ([]string, stack.CandidateSource) {
	switch {
	case len(sel.SubnetIDs) > 0:
		return clone(sel.SubnetIDs), stack.SourceSubnetIDs
	case sel.SubnetID != "":
		return []string{sel.SubnetID}, stack.SourceSubnetID
	default:
		return clone(discovered), stack.SourceDiscovery
	}
}

// Resolve selects the subnet at the selector's index.
func Resolve(sel stack.NetworkSelector, discovered []string) (stack.Resolution, error) {
	if err := sel.Validate(); err != nil {
		return stack.Resolution{}, err
	}

	candidates, source := Candidates(sel, discovered)

	if len(candidates) == 0 {
		return stack.Resolution{}, &stack.ResolutionError{
			Source: source,
			Index:  sel.Index,
			Err:    stack.ErrEmptyCandidateSet,
		}
	}

	if sel.Index < 0 || sel.Index >= len(candidates) {
		return stack.Resolution{}, &stack.ResolutionError{
			Source:     source,
			Index:      sel.Index,
			Candidates: len(candidates),
			Err:        stack.ErrOutOfRange,
		}
	}

	res := stack.Resolution{
		SubnetID:       candidates[sel.Index],
		Index:          sel.Index,
		CandidateCount: len(candidates),
		Source:         source,
	}

	log.Debug().
		Str("vpc_id", sel.VPCID).
		Str("source", string(source)).
		Int("candidates", len(candidates)).
		Int("index", sel.Index).
		Str("subnet_id", res.SubnetID).
		Msg("subnet resolved")

	return res, nil
}

func clone(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
