// Package pipeline runs the planning and provisioning steps in order:
// resolve subnet, build rules, generate keys, assemble the plan, persist the
// key, submit, record state and compose outputs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/keel/internal/assembler"
	"github.com/yairfalse/keel/internal/config"
	"github.com/yairfalse/keel/internal/journal"
	"github.com/yairfalse/keel/internal/keystore"
	"github.com/yairfalse/keel/internal/output"
	"github.com/yairfalse/keel/internal/rules"
	"github.com/yairfalse/keel/internal/state"
	"github.com/yairfalse/keel/internal/subnet"
	"github.com/yairfalse/keel/internal/telemetry"
	"github.com/yairfalse/keel/pkg/stack"
)

// ErrAlreadyApplied is returned by Apply when state already holds a
// provisioned stack of the same name.
var ErrAlreadyApplied = errors.New("stack already applied")

// provisioned is the journal payload of a successful apply. It carries
// identifiers only, never key material or the private key path.
type provisioned struct {
	InstanceID      string `json:"instance_id"`
	PublicIP        string `json:"public_ip"`
	PublicDNS       string `json:"public_dns"`
	SecurityGroupID string `json:"security_group_id"`
	KeyPairName     string `json:"key_pair_name"`
	KeyInfoPath     string `json:"key_info_path"`
}

// Discoverer answers read-only questions about the target account.
type Discoverer interface {
	LookupVPC(ctx context.Context, vpcID string) error
	DiscoverSubnets(ctx context.Context, vpcID string, tagFilters map[string]string) ([]string, error)
	LookupImage(ctx context.Context, q stack.ImageQuery) (stack.Image, error)
}

// Engine materializes and tears down plans.
type Engine interface {
	Submit(ctx context.Context, plan stack.Plan) (stack.Result, error)
	Destroy(ctx context.Context, result stack.Result) error
}

// KeyGenerator produces key material.
type KeyGenerator interface {
	Generate(algorithm string, bits int) (stack.KeyMaterial, error)
}

// Deps are the collaborators a pipeline runs against.
type Deps struct {
	Discoverer Discoverer
	Engine     Engine
	Keys       KeyGenerator
	Assembler  *assembler.Assembler
	KeyStore   *keystore.Store
	State      *state.Store
	Journal    *journal.Journal
	Telemetry  *telemetry.Provider
	Now        func() time.Time
}

// Pipeline runs plan, apply, outputs and destroy for one configured stack.
type Pipeline struct {
	cfg  *config.Config
	deps Deps
}

// New creates a pipeline.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: nil config")
	}
	if deps.Keys == nil || deps.Assembler == nil || deps.Telemetry == nil {
		return nil, fmt.Errorf("pipeline: keys, assembler and telemetry are required")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// Plan assembles a validated plan without creating anything.
func (p *Pipeline) Plan(ctx context.Context) (stack.Plan, error) {
	ctx, span := p.deps.Telemetry.StartSpan(ctx, "pipeline.plan",
		attribute.String("stack", p.cfg.StackName),
		attribute.String("region", p.cfg.Region),
	)
	defer span.End()

	plan, err := p.plan(ctx)
	if err != nil {
		fail(span, err)
		p.deps.Telemetry.RecordPlan(ctx, p.cfg.StackName, telemetry.OutcomeRejected)
		p.record(journal.EntryRejected, "", nil, err)
		log.Warn().Ctx(ctx).Err(err).Str("stack", p.cfg.StackName).Msg("plan rejected")
		return stack.Plan{}, err
	}

	p.deps.Telemetry.RecordPlan(ctx, p.cfg.StackName, telemetry.OutcomeAccepted)
	p.record(journal.EntryPlanned, plan.ID, plan.Summarize(), nil)
	span.SetAttributes(attribute.String("plan_id", plan.ID))
	return plan, nil
}

func (p *Pipeline) plan(ctx context.Context) (stack.Plan, error) {
	if p.deps.Discoverer == nil {
		return stack.Plan{}, fmt.Errorf("pipeline: no discoverer configured")
	}

	sel := p.cfg.Selector()
	if err := sel.Validate(); err != nil {
		return stack.Plan{}, err
	}
	if err := p.deps.Discoverer.LookupVPC(ctx, sel.VPCID); err != nil {
		return stack.Plan{}, fmt.Errorf("lookup vpc: %w", err)
	}

	var discovered []string
	if subnet.NeedsDiscovery(sel) {
		ids, err := p.deps.Discoverer.DiscoverSubnets(ctx, sel.VPCID, sel.TagFilters)
		if err != nil {
			return stack.Plan{}, fmt.Errorf("discover subnets: %w", err)
		}
		discovered = ids
	}

	resolution, err := subnet.Resolve(sel, discovered)
	if err != nil {
		return stack.Plan{}, err
	}
	candidates, _ := subnet.Candidates(sel, discovered)

	ruleSet, err := rules.BuildWithPorts(p.cfg.Access.SSHCIDR, p.cfg.Access.HTTPCIDR, p.cfg.Ports())
	if err != nil {
		return stack.Plan{}, err
	}

	key, err := p.deps.Keys.Generate(p.cfg.Key.Algorithm, p.cfg.Key.Bits)
	if err != nil {
		return stack.Plan{}, fmt.Errorf("generate key: %w", err)
	}

	image, err := p.deps.Discoverer.LookupImage(ctx, stack.ImageQuery{
		ID:           p.cfg.Image.ID,
		Owners:       p.cfg.Image.Owners,
		NamePattern:  p.cfg.Image.NamePattern,
		Architecture: p.cfg.Image.Architecture,
	})
	if err != nil {
		return stack.Plan{}, fmt.Errorf("lookup image: %w", err)
	}

	return p.deps.Assembler.Assemble(ctx, assembler.Input{
		StackName:    p.cfg.StackName,
		Region:       p.cfg.Region,
		VPCID:        sel.VPCID,
		Image:        image,
		InstanceType: p.cfg.InstanceType,
		Subnet:       resolution,
		Candidates:   candidates,
		Rules:        ruleSet,
		Key:          key,
		KeyName:      p.cfg.Key.Name,
		Hardening:    p.cfg.HardeningOptions(),
		Tags:         p.cfg.Tags,
	})
}

// Apply plans and then provisions the stack. A plan that fails any
// precondition never reaches the engine.
func (p *Pipeline) Apply(ctx context.Context) (stack.Outputs, error) {
	if p.deps.Engine == nil || p.deps.KeyStore == nil || p.deps.State == nil {
		return stack.Outputs{}, fmt.Errorf("pipeline: engine, key store and state are required to apply")
	}

	// A failed record still points at partially created resources, so it
	// blocks a new apply just like a provisioned one.
	rec, err := p.deps.State.Get(p.cfg.StackName)
	switch {
	case err == nil && rec.Status == state.StatusFailed:
		return stack.Outputs{}, fmt.Errorf("%s: %w with status %s (security group %q, instance %q); run destroy first",
			p.cfg.StackName, ErrAlreadyApplied, rec.Status, rec.Result.SecurityGroupID, rec.Result.InstanceID)
	case err == nil:
		return stack.Outputs{}, fmt.Errorf("%s: %w (instance %s); run destroy first",
			p.cfg.StackName, ErrAlreadyApplied, rec.Result.InstanceID)
	case !errors.Is(err, state.ErrNotFound):
		return stack.Outputs{}, err
	}

	plan, err := p.Plan(ctx)
	if err != nil {
		return stack.Outputs{}, err
	}

	ctx, span := p.deps.Telemetry.StartSpan(ctx, "pipeline.apply",
		attribute.String("stack", plan.StackName),
		attribute.String("plan_id", plan.ID),
	)
	defer span.End()

	keyPath, err := p.deps.KeyStore.WritePrivateKey(p.cfg.PrivateKeyFileName(), plan.Key.PrivateKey)
	if err != nil {
		fail(span, err)
		return stack.Outputs{}, err
	}
	infoPath, err := p.deps.KeyStore.Path(p.cfg.InfoFileName())
	if err != nil {
		fail(span, err)
		return stack.Outputs{}, err
	}

	p.record(journal.EntrySubmitted, plan.ID, plan.Summarize(), nil)
	start := p.deps.Now()
	result, err := p.deps.Engine.Submit(ctx, plan)
	elapsed := p.deps.Now().Sub(start)

	record := state.Record{
		StackName:      plan.StackName,
		PlanID:         plan.ID,
		Result:         result,
		Key:            plan.Key,
		PrivateKeyPath: keyPath,
		KeyInfoPath:    infoPath,
		SSHUser:        p.cfg.SSHUser,
		AppliedAt:      p.deps.Now().UTC(),
	}

	if err != nil {
		fail(span, err)
		p.deps.Telemetry.RecordProvision(ctx, plan.Region, telemetry.OutcomeFailure, elapsed)
		var pe *stack.ProvisioningError
		if errors.As(err, &pe) {
			p.deps.Telemetry.RecordProvisionFailure(ctx, plan.Region, pe.Op)
		}
		p.record(journal.EntryFailed, plan.ID, result, err)

		// Keep what was created so destroy can find it.
		record.Status = state.StatusFailed
		record.Error = err.Error()
		if _, perr := p.deps.State.Put(record); perr != nil {
			log.Error().Ctx(ctx).Err(perr).Msg("failed to record partial result")
		}
		return stack.Outputs{}, err
	}

	// Record the live resources before touching any more local files so a
	// later failure can never hide them from destroy.
	record.Status = state.StatusProvisioned
	if _, err := p.deps.State.Put(record); err != nil {
		fail(span, err)
		log.Error().Ctx(ctx).Err(err).
			Str("instance_id", result.InstanceID).
			Str("security_group_id", result.SecurityGroupID).
			Str("key_name", result.KeyName).
			Msg("stack provisioned but not recorded; remove these resources by hand")
		return stack.Outputs{}, fmt.Errorf("record state: %w", err)
	}

	outputs := output.Compose(result, plan.Key, keyPath, infoPath, p.cfg.SSHUser, record.AppliedAt)
	if _, err := p.deps.KeyStore.WriteKeyInfo(p.cfg.InfoFileName(), outputs.KeyInfo); err != nil {
		log.Warn().Ctx(ctx).Err(err).Msg("key info not written; the outputs command still shows it")
		record.Error = err.Error()
		if _, perr := p.deps.State.Put(record); perr != nil {
			log.Warn().Ctx(ctx).Err(perr).Msg("failed to record key info error")
		}
	}

	p.deps.Telemetry.RecordProvision(ctx, plan.Region, telemetry.OutcomeSuccess, elapsed)
	p.record(journal.EntryProvisioned, plan.ID, provisioned{
		InstanceID:      result.InstanceID,
		PublicIP:        result.PublicIP,
		PublicDNS:       result.PublicDNS,
		SecurityGroupID: result.SecurityGroupID,
		KeyPairName:     result.KeyName,
		KeyInfoPath:     infoPath,
	}, nil)

	log.Info().Ctx(ctx).
		Str("stack", plan.StackName).
		Str("instance_id", result.InstanceID).
		Str("public_ip", result.PublicIP).
		Dur("elapsed", elapsed).
		Msg("stack provisioned")

	return outputs, nil
}

// Outputs rebuilds the output bundle of an applied stack from state.
func (p *Pipeline) Outputs(stackName string) (stack.Outputs, error) {
	if p.deps.State == nil {
		return stack.Outputs{}, fmt.Errorf("pipeline: no state store configured")
	}
	rec, err := p.deps.State.Get(stackName)
	if err != nil {
		return stack.Outputs{}, err
	}
	if rec.Status != state.StatusProvisioned {
		return stack.Outputs{}, fmt.Errorf("stack %s is %s: %s", stackName, rec.Status, rec.Error)
	}
	return output.Compose(rec.Result, rec.Key, rec.PrivateKeyPath, rec.KeyInfoPath, rec.SSHUser, rec.AppliedAt), nil
}

// Destroy tears down everything recorded for the configured stack and
// removes the local key files.
func (p *Pipeline) Destroy(ctx context.Context) error {
	if p.deps.Engine == nil || p.deps.State == nil {
		return fmt.Errorf("pipeline: engine and state are required to destroy")
	}

	ctx, span := p.deps.Telemetry.StartSpan(ctx, "pipeline.destroy",
		attribute.String("stack", p.cfg.StackName),
	)
	defer span.End()

	rec, err := p.deps.State.Get(p.cfg.StackName)
	if err != nil {
		fail(span, err)
		return err
	}

	if err := p.deps.Engine.Destroy(ctx, rec.Result); err != nil {
		fail(span, err)
		p.deps.Telemetry.RecordDestroy(ctx, rec.StackName, telemetry.OutcomeFailure)
		p.record(journal.EntryFailed, rec.PlanID, rec.Result, err)
		return err
	}

	if p.deps.KeyStore != nil {
		if err := p.deps.KeyStore.Remove(rec.PrivateKeyPath, rec.KeyInfoPath); err != nil {
			log.Warn().Ctx(ctx).Err(err).Msg("failed to remove local key files")
		}
	}
	if err := p.deps.State.Delete(rec.StackName); err != nil {
		fail(span, err)
		return err
	}

	p.deps.Telemetry.RecordDestroy(ctx, rec.StackName, telemetry.OutcomeSuccess)
	p.record(journal.EntryDestroyed, rec.PlanID, rec.Result, nil)
	log.Info().Ctx(ctx).Str("stack", rec.StackName).Msg("stack destroyed")
	return nil
}

func (p *Pipeline) record(t journal.EntryType, planID string, data any, cause error) {
	if p.deps.Journal == nil {
		return
	}
	var err error
	if cause != nil {
		err = p.deps.Journal.AppendError(t, p.cfg.StackName, planID, data, cause)
	} else {
		err = p.deps.Journal.Append(t, p.cfg.StackName, planID, data)
	}
	if err != nil {
		log.Warn().Err(err).Str("type", string(t)).Msg("journal append failed")
	}
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
