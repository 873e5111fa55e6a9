// Package policy evaluates rego policies against a candidate plan before it
// can be handed to the provisioning engine.
//
// Policies live in package keel and add messages to the deny set. A plan is
// accepted only when the set is empty.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/keel/pkg/stack"
)

//go:embed default.rego
var defaultPolicy string

const query = "data.keel.deny"

// Guard holds the compiled deny query.
type Guard struct {
	prepared rego.PreparedEvalQuery
	modules  []string
	tracer   trace.Tracer
}

// New compiles the built-in policy plus every .rego file under dir.
// An empty dir loads only the built-in policy.
func New(ctx context.Context, dir string) (*Guard, error) {
	modules := map[string]string{"builtin/default.rego": defaultPolicy}

	if dir != "" {
		extra, err := readDir(dir)
		if err != nil {
			return nil, err
		}
		for name, src := range extra {
			modules[name] = src
		}
	}

	return compile(ctx, modules)
}

// NewFromSource compiles the built-in policy plus the given modules.
func NewFromSource(ctx context.Context, modules map[string]string) (*Guard, error) {
	all := map[string]string{"builtin/default.rego": defaultPolicy}
	for name, src := range modules {
		all[name] = src
	}
	return compile(ctx, all)
}

func compile(ctx context.Context, modules map[string]string) (*Guard, error) {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(query)}
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}

	log.Debug().Strs("modules", names).Msg("policies compiled")

	return &Guard{
		prepared: prepared,
		modules:  names,
		tracer:   otel.Tracer("keel/policy"),
	}, nil
}

func readDir(dir string) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		out[path] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load policies from %s: %w", dir, err)
	}
	return out, nil
}

// Modules returns the loaded module names.
func (g *Guard) Modules() []string {
	return append([]string(nil), g.modules...)
}

// Evaluate returns the sorted deny messages for a plan summary.
func (g *Guard) Evaluate(ctx context.Context, plan stack.Summary) ([]string, error) {
	ctx, span := g.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(attribute.String("plan.id", plan.ID)))
	defer span.End()

	rs, err := g.prepared.Eval(ctx, rego.EvalInput(plan))
	if err != nil {
		return nil, fmt.Errorf("evaluate policies: %w", err)
	}

	var denies []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, v := range values {
				if msg, ok := v.(string); ok {
					denies = append(denies, msg)
				}
			}
		}
	}
	sort.Strings(denies)

	span.SetAttributes(attribute.Int("policy.denies", len(denies)))
	return denies, nil
}
