// Package plugin defines the cloud provider interface for keel.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yairfalse/keel/pkg/stack"
)

// ErrUnknownProvider is returned by New for a name nothing registered.
var ErrUnknownProvider = errors.New("unknown provider")

// Provider is what a cloud plugin must implement: read-only discovery for
// planning plus submit and teardown of an assembled plan.
type Provider interface {
	// Name returns the plugin identifier (e.g., "aws")
	Name() string

	LookupVPC(ctx context.Context, vpcID string) error
	DiscoverSubnets(ctx context.Context, vpcID string, tagFilters map[string]string) ([]string, error)
	LookupImage(ctx context.Context, q stack.ImageQuery) (stack.Image, error)

	// Submit materializes the plan. On failure it returns whatever was
	// created so far alongside the error.
	Submit(ctx context.Context, plan stack.Plan) (stack.Result, error)
	Destroy(ctx context.Context, result stack.Result) error
}

// Options are passed to a provider factory.
type Options struct {
	Region string
}

// Factory builds a provider.
type Factory func(ctx context.Context, opts Options) (Provider, error)

// Registry holds registered factories.
var (
	registry = make(map[string]Factory)
	mu       sync.RWMutex
)

// Register adds a factory under name, replacing any earlier one.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// New builds the provider registered under name.
func New(ctx context.Context, name string, opts Options) (Provider, error) {
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownProvider, name, strings.Join(Names(), ", "))
	}
	p, err := f(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", name, err)
	}
	return p, nil
}

// Names returns all registered provider names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all factories from the registry. Used for testing.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]Factory)
}
