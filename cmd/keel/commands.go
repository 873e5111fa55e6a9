package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yairfalse/keel/internal/config"
	"github.com/yairfalse/keel/internal/keys"
	"github.com/yairfalse/keel/internal/keystore"
	"github.com/yairfalse/keel/internal/output"
	"github.com/yairfalse/keel/pkg/stack"
)

var validOutputs = []string{output.FormatText, output.FormatJSON, output.FormatYAML}

func checkFormat(format string) error {
	for _, f := range validOutputs {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("invalid output format: %s (must be one of: %s)",
		format, strings.Join(validOutputs, ", "))
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

func loadValidated(o *rootOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := o.loadConfig(cmd, false)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newPlanCmd(o *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Assemble and validate a plan without creating anything",
		Example: `  keel plan
  keel plan --config prod.toml --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			cfg, err := loadValidated(o, cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cfg, appOptions{cloud: true})
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.pipeline.Plan(ctx)
			if err != nil {
				return err
			}
			text, err := output.RenderSummary(plan.Summarize(), format)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", output.FormatText, "Output format: text, json, yaml")
	return cmd
}

func newApplyCmd(o *rootOptions) *cobra.Command {
	var (
		format        string
		showSensitive bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan and provision the stack",
		Long: `Apply assembles a plan and, only if every check passes, creates the key
pair, security group and instance. The private key is written with mode 0600.
On failure the resources created so far are recorded so destroy can remove
them; nothing is rolled back automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			cfg, err := loadValidated(o, cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cfg, appOptions{cloud: true})
			if err != nil {
				return err
			}
			defer a.Close()

			outputs, err := a.pipeline.Apply(ctx)
			if err != nil {
				return err
			}
			return printOutputs(cmd, outputs, format, showSensitive)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", output.FormatText, "Output format: text, json, yaml")
	cmd.Flags().BoolVar(&showSensitive, "show-sensitive", false, "Print sensitive values such as the private key path")
	return cmd
}

func newOutputsCmd(o *rootOptions) *cobra.Command {
	var (
		format        string
		showSensitive bool
		stackName     string
	)

	cmd := &cobra.Command{
		Use:   "outputs",
		Short: "Show the outputs of an applied stack",
		Example: `  keel outputs
  keel outputs --show-sensitive
  keel outputs --stack rolling --output yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			cfg, err := o.loadConfig(cmd, true)
			if err != nil {
				return err
			}
			if stackName == "" {
				stackName = cfg.StackName
			}

			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			outputs, err := a.pipeline.Outputs(stackName)
			if err != nil {
				return err
			}
			return printOutputs(cmd, outputs, format, showSensitive)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", output.FormatText, "Output format: text, json, yaml")
	cmd.Flags().BoolVar(&showSensitive, "show-sensitive", false, "Print sensitive values such as the private key path")
	cmd.Flags().StringVar(&stackName, "stack", "", "Stack name (defaults to the configured stack_name)")
	return cmd
}

func newDestroyCmd(o *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Terminate the instance and delete the security group and key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to destroy without --yes")
			}
			cfg, err := o.loadConfig(cmd, false)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()

			a, err := newApp(ctx, cfg, appOptions{cloud: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pipeline.Destroy(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Destroyed %s\n", cfg.StackName)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm destruction")
	return cmd
}

func newKeygenCmd(o *rootOptions) *cobra.Command {
	var (
		algorithm     string
		bits          int
		name          string
		dir           string
		showSensitive bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an SSH key pair locally without touching the cloud",
		Example: `  keel keygen
  keel keygen --algorithm ed25519 --name bastion --dir ./keys`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.loadConfig(cmd, true)
			if err != nil {
				return err
			}
			if algorithm != "" && algorithm != cfg.Key.Algorithm {
				cfg.Key.Algorithm = algorithm
				cfg.Key.Bits = 0
			}
			if bits != 0 {
				cfg.Key.Bits = bits
			}
			if name != "" {
				cfg.Key.Name = name
			}
			if dir != "" {
				cfg.Key.Dir = dir
			}

			km, err := keys.NewGenerator(keys.WithComment(cfg.Key.Name)).Generate(cfg.Key.Algorithm, cfg.Key.Bits)
			if err != nil {
				return err
			}
			path, err := keystore.New(cfg.Key.Dir).WritePrivateKey(cfg.PrivateKeyFileName(), km.PrivateKey)
			if err != nil {
				return err
			}

			shown := stack.Sensitive(path).String()
			if showSensitive {
				shown = path
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key: %s\n", shown)
			fmt.Fprintf(out, "Fingerprint: %s\n", km.Fingerprint)
			fmt.Fprint(out, km.PublicKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Key algorithm: rsa or ed25519")
	cmd.Flags().IntVar(&bits, "bits", 0, "RSA key size")
	cmd.Flags().StringVar(&name, "name", "", "Key name (defaults to key.name)")
	cmd.Flags().StringVar(&dir, "dir", "", "Directory to write the private key to")
	cmd.Flags().BoolVar(&showSensitive, "show-sensitive", false, "Print the private key path")
	return cmd
}

func printOutputs(cmd *cobra.Command, outputs stack.Outputs, format string, showSensitive bool) error {
	text, err := output.Render(outputs, format, showSensitive)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}
