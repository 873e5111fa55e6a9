// Package assembler composes resolved inputs into one validated provisioning plan.
//
// Assembly is all-or-nothing: every precondition is checked and any failure
// returns no plan at all.
package assembler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/keel/internal/keys"
	"github.com/yairfalse/keel/pkg/stack"
)

// PolicyEvaluator returns deny messages for a candidate plan.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, plan stack.Summary) ([]string, error)
}

// Input is everything a plan is built from.
type Input struct {
	StackName    string
	Region       string
	VPCID        string
	Image        stack.Image
	InstanceType string
	Subnet       stack.Resolution
	Candidates   []string // the list Subnet was resolved from
	Rules        stack.RuleSet
	Key          stack.KeyMaterial
	KeyName      string
	Hardening    stack.Hardening
	Tags         map[string]string
}

// Assembler builds plans.
type Assembler struct {
	policy PolicyEvaluator
	now    func() time.Time
	newID  func() string
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithPolicy adds a policy check after the structural preconditions.
func WithPolicy(p PolicyEvaluator) Option {
	return func(a *Assembler) { a.policy = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// New creates an assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble checks every precondition and returns the plan.
func (a *Assembler) Assemble(ctx context.Context, in Input) (stack.Plan, error) {
	if errs := check(in); len(errs) > 0 {
		return stack.Plan{}, errs
	}

	plan := stack.Plan{
		ID:           a.newID(),
		StackName:    in.StackName,
		Region:       in.Region,
		VPCID:        in.VPCID,
		Image:        in.Image,
		InstanceType: in.InstanceType,
		Subnet:       in.Subnet,
		Rules:        stack.NewRuleSet(in.Rules.Rules()),
		Key:          in.Key,
		KeyName:      in.KeyName,
		Hardening:    in.Hardening,
		Tags:         copyTags(in.Tags),
		CreatedAt:    a.now().UTC(),
	}

	if a.policy != nil {
		denies, err := a.policy.Evaluate(ctx, plan.Summarize())
		if err != nil {
			return stack.Plan{}, stack.AssemblyErrors{{Field: "policy", Reason: err.Error()}}
		}
		if len(denies) > 0 {
			errs := make(stack.AssemblyErrors, len(denies))
			for i, d := range denies {
				errs[i] = &stack.AssemblyError{Field: "policy", Reason: d}
			}
			return stack.Plan{}, errs
		}
	}

	log.Info().
		Str("plan_id", plan.ID).
		Str("stack", plan.StackName).
		Str("image_id", plan.Image.ID).
		Str("instance_type", plan.InstanceType).
		Str("subnet_id", plan.Subnet.SubnetID).
		Int("rules", plan.Rules.Len()).
		Str("key_fingerprint", plan.Key.Fingerprint).
		Msg("plan assembled")

	return plan, nil
}

func check(in Input) stack.AssemblyErrors {
	var errs stack.AssemblyErrors
	fail := func(field, reason string) {
		errs = append(errs, &stack.AssemblyError{Field: field, Reason: reason})
	}

	if in.StackName == "" {
		fail("stack_name", "is empty")
	}
	if in.VPCID == "" {
		fail("vpc_id", "is empty")
	}
	if in.Image.ID == "" {
		fail("image", "no image id")
	}
	if in.InstanceType == "" {
		fail("instance_type", "is empty")
	}

	switch {
	case in.Subnet.SubnetID == "":
		fail("subnet", "no subnet resolved")
	case len(in.Candidates) == 0:
		fail("subnet", "no candidate list")
	case in.Subnet.CandidateCount != len(in.Candidates):
		fail("subnet", fmt.Sprintf("resolved from %d candidates but the list has %d",
			in.Subnet.CandidateCount, len(in.Candidates)))
	case in.Subnet.Index < 0 || in.Subnet.Index >= len(in.Candidates):
		fail("subnet", fmt.Sprintf("index %d outside the %d candidates", in.Subnet.Index, len(in.Candidates)))
	case in.Candidates[in.Subnet.Index] != in.Subnet.SubnetID:
		fail("subnet", fmt.Sprintf("%s is not candidate %d (%s)",
			in.Subnet.SubnetID, in.Subnet.Index, in.Candidates[in.Subnet.Index]))
	}

	if !in.Rules.Validated() {
		fail("rules", "rule set was not produced by the rule builder")
	} else if len(in.Rules.Ingress()) == 0 {
		fail("rules", "no ingress rules")
	}

	if in.Key.IsZero() {
		fail("key", "no key material")
	} else if err := keys.Verify(in.Key); err != nil {
		fail("key", err.Error())
	}
	if in.KeyName == "" {
		fail("key_name", "is empty")
	}

	if in.Hardening.RootVolumeSizeGiB < 1 {
		fail("hardening", "root volume size must be positive")
	}

	return errs
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
