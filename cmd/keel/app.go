package main

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/keel/internal/assembler"
	"github.com/yairfalse/keel/internal/config"
	"github.com/yairfalse/keel/internal/journal"
	"github.com/yairfalse/keel/internal/keys"
	"github.com/yairfalse/keel/internal/keystore"
	"github.com/yairfalse/keel/internal/pipeline"
	"github.com/yairfalse/keel/internal/plugin"
	_ "github.com/yairfalse/keel/internal/plugin/aws"
	"github.com/yairfalse/keel/internal/policy"
	"github.com/yairfalse/keel/internal/state"
	"github.com/yairfalse/keel/internal/telemetry"
)

// newCloud is replaced in tests.
var newCloud = func(ctx context.Context, cfg *config.Config) (plugin.Provider, error) {
	return plugin.New(ctx, cfg.Provider, plugin.Options{Region: cfg.Region})
}

// app owns the long-lived resources of one command run.
type app struct {
	pipeline  *pipeline.Pipeline
	state     *state.Store
	journal   *journal.Journal
	telemetry *telemetry.Provider
}

type appOptions struct {
	cloud bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{}

	tel, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, err
	}
	a.telemetry = tel

	if a.state, err = state.Open(cfg.State.Dir); err != nil {
		a.Close()
		return nil, err
	}
	if a.journal, err = journal.Open(filepath.Join(cfg.State.Dir, "journal")); err != nil {
		a.Close()
		return nil, err
	}

	guard, err := policy.New(ctx, cfg.Policy.Dir)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps := pipeline.Deps{
		Keys:      keys.NewGenerator(keys.WithComment(cfg.Key.Name)),
		Assembler: assembler.New(assembler.WithPolicy(guard)),
		KeyStore:  keystore.New(cfg.Key.Dir),
		State:     a.state,
		Journal:   a.journal,
		Telemetry: tel,
	}
	if opts.cloud {
		c, err := newCloud(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Discoverer = c
		deps.Engine = c
	}

	if a.pipeline, err = pipeline.New(cfg, deps); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases everything newApp opened.
func (a *app) Close() {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.state != nil {
		errs = append(errs, a.state.Close())
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
}
