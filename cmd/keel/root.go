package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/keel/internal/config"
	"github.com/yairfalse/keel/internal/telemetry"
)

var version = "0.1.0"

const defaultConfigPath = "keel.toml"

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "keel",
		Short: "Plan and provision a single hardened EC2 instance",
		Long: `Keel - single-instance provisioning planner

Keel resolves a subnet, builds restricted security rules, generates an SSH
key pair and assembles a validated plan before anything is created. Apply
materializes the plan on EC2 and records it locally so outputs can be read
back and the stack destroyed later.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("Keel {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to the TOML config file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newPlanCmd(opts),
		newApplyCmd(opts),
		newOutputsCmd(opts),
		newDestroyCmd(opts),
		newKeygenCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and sets up logging. A missing default
// file is allowed when optional is set, in which case defaults apply.
func (o *rootOptions) loadConfig(cmd *cobra.Command, optional bool) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if !optional || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if cfg, err = config.Parse(nil); err != nil {
			return nil, err
		}
	}
	if err := telemetry.SetupLogger(cfg.Log, o.debug, cmd.ErrOrStderr()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the keel version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Keel %s\n", version)
		},
	}
}
