// Package config handles TOML configuration for keel.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/yairfalse/keel/internal/rules"
	"github.com/yairfalse/keel/internal/subnet"
	"github.com/yairfalse/keel/pkg/stack"
)

// Config is the root configuration structure.
type Config struct {
	StackName    string            `toml:"stack_name"`
	Provider     string            `toml:"provider"`
	Region       string            `toml:"region"`
	InstanceType string            `toml:"instance_type"`
	SSHUser      string            `toml:"ssh_user"`
	Network      NetworkConfig     `toml:"network"`
	Access       AccessConfig      `toml:"access"`
	Key          KeyConfig         `toml:"key"`
	Image        ImageConfig       `toml:"image"`
	Hardening    HardeningConfig   `toml:"hardening"`
	Policy       PolicyConfig      `toml:"policy"`
	State        StateConfig       `toml:"state"`
	OTEL         OTELConfig        `toml:"otel"`
	Log          LogConfig         `toml:"log"`
	Tags         map[string]string `toml:"tags"`
}

// NetworkConfig selects the VPC and subnet.
type NetworkConfig struct {
	VPCID       string            `toml:"vpc_id"`
	SubnetID    string            `toml:"subnet_id"`
	SubnetIDs   []string          `toml:"subnet_ids"`
	TagFilters  map[string]string `toml:"tag_filters"`
	SubnetIndex int               `toml:"subnet_index"`
}

// AccessConfig holds the CIDRs allowed to reach the instance.
type AccessConfig struct {
	SSHCIDR  string `toml:"ssh_cidr"`
	HTTPCIDR string `toml:"http_cidr"`
	SSHPort  int32  `toml:"ssh_port"`
	HTTPPort int32  `toml:"http_port"`
}

// KeyConfig controls key generation and where key files land.
type KeyConfig struct {
	Name           string `toml:"name"`
	Algorithm      string `toml:"algorithm"`
	Bits           int    `toml:"bits"`
	Dir            string `toml:"dir"`
	PrivateKeyFile string `toml:"private_key_file"`
	InfoFile       string `toml:"info_file"`
}

// ImageConfig selects the AMI. ID wins over the lookup fields.
type ImageConfig struct {
	ID           string   `toml:"id"`
	Owners       []string `toml:"owners"`
	NamePattern  string   `toml:"name_pattern"`
	Architecture string   `toml:"architecture"`
}

// HardeningConfig holds instance safety settings.
// Pointers distinguish "unset" from an explicit false.
type HardeningConfig struct {
	EncryptedRootVolume *bool `toml:"encrypted_root_volume"`
	RequireIMDSv2       *bool `toml:"require_imdsv2"`
	RootVolumeSize      int32 `toml:"root_volume_size"`
	AllowInsecure       bool  `toml:"allow_insecure"`
}

// PolicyConfig points at extra rego policies.
type PolicyConfig struct {
	Dir string `toml:"dir"`
}

// StateConfig holds where state and the journal live.
type StateConfig struct {
	Dir string `toml:"dir"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled  bool   `toml:"enabled"`
	Textfile string `toml:"textfile"` // Prometheus textfile, written on exit
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML, applies environment overrides and defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parse config: unknown keys: %s", strings.Join(keys, ", "))
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// KEEL_REGION always wins; the AWS variables only fill a missing region.
	if v := os.Getenv("KEEL_REGION"); v != "" {
		cfg.Region = v
	}
	for _, name := range []string{"AWS_REGION", "AWS_DEFAULT_REGION"} {
		if cfg.Region != "" {
			break
		}
		cfg.Region = os.Getenv(name)
	}
	if v := os.Getenv("KEEL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.StackName == "" {
		cfg.StackName = "keel"
	}
	if cfg.Provider == "" {
		cfg.Provider = "aws"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.InstanceType == "" {
		cfg.InstanceType = "t3.micro"
	}
	if cfg.SSHUser == "" {
		cfg.SSHUser = "ubuntu"
	}
	if cfg.Access.SSHPort == 0 {
		cfg.Access.SSHPort = rules.DefaultSSHPort
	}
	if cfg.Access.HTTPPort == 0 {
		cfg.Access.HTTPPort = rules.DefaultHTTPPort
	}
	if cfg.Key.Name == "" {
		cfg.Key.Name = cfg.StackName + "-key"
	}
	if cfg.Key.Algorithm == "" {
		cfg.Key.Algorithm = stack.AlgorithmRSA
	}
	if cfg.Key.Bits == 0 && cfg.Key.Algorithm == stack.AlgorithmRSA {
		cfg.Key.Bits = 4096
	}
	if cfg.Key.Dir == "" {
		cfg.Key.Dir = "keys"
	}
	if cfg.Key.PrivateKeyFile == "" {
		cfg.Key.PrivateKeyFile = "{name}.pem"
	}
	if cfg.Key.InfoFile == "" {
		cfg.Key.InfoFile = "{name}-info.txt"
	}
	if cfg.Image.ID == "" {
		if len(cfg.Image.Owners) == 0 {
			cfg.Image.Owners = []string{"099720109477"} // Canonical
		}
		if cfg.Image.NamePattern == "" {
			cfg.Image.NamePattern = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"
		}
		if cfg.Image.Architecture == "" {
			cfg.Image.Architecture = "x86_64"
		}
	}
	def := stack.DefaultHardening()
	if cfg.Hardening.EncryptedRootVolume == nil {
		cfg.Hardening.EncryptedRootVolume = &def.EncryptedRootVolume
	}
	if cfg.Hardening.RequireIMDSv2 == nil {
		cfg.Hardening.RequireIMDSv2 = &def.RequireIMDSv2
	}
	if cfg.Hardening.RootVolumeSize == 0 {
		cfg.Hardening.RootVolumeSize = def.RootVolumeSizeGiB
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = ".keel"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "keel"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate checks the static constraints. CIDRs are checked with the same
// rules the security rule builder applies, so an unsafe file fails early.
func (c *Config) Validate() error {
	if c.Network.VPCID == "" {
		return fmt.Errorf("network: vpc_id is required")
	}
	if c.Network.SubnetIndex < 0 {
		return fmt.Errorf("network: subnet_index must be >= 0 (got %d)", c.Network.SubnetIndex)
	}
	for i, id := range c.Network.SubnetIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("network: subnet_ids[%d] is empty", i)
		}
	}
	if c.Network.SubnetID != "" && strings.TrimSpace(c.Network.SubnetID) == "" {
		return fmt.Errorf("network: subnet_id is blank")
	}
	if _, err := rules.BuildWithPorts(c.Access.SSHCIDR, c.Access.HTTPCIDR, c.Ports()); err != nil {
		return fmt.Errorf("access: %w", err)
	}
	if c.Key.Name == "" {
		return fmt.Errorf("key: name is required")
	}
	if c.Image.ID == "" && (len(c.Image.Owners) == 0 || c.Image.NamePattern == "") {
		return fmt.Errorf("image: set id or owners and name_pattern")
	}
	if c.Hardening.RootVolumeSize < 1 {
		return fmt.Errorf("hardening: root_volume_size must be positive (got %d)", c.Hardening.RootVolumeSize)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log: format must be console or json (got %q)", c.Log.Format)
	}
	return nil
}

// Selector returns the network selector for the subnet resolver.
func (c *Config) Selector() stack.NetworkSelector {
	return stack.NetworkSelector{
		VPCID:      c.Network.VPCID,
		SubnetID:   c.Network.SubnetID,
		SubnetIDs:  c.Network.SubnetIDs,
		TagFilters: c.Network.TagFilters,
		Index:      c.Network.SubnetIndex,
	}
}

// NeedsDiscovery reports whether subnet discovery will be consulted.
func (c *Config) NeedsDiscovery() bool {
	return subnet.NeedsDiscovery(c.Selector())
}

// Ports returns the configured ingress ports.
func (c *Config) Ports() rules.Ports {
	return rules.Ports{SSH: c.Access.SSHPort, HTTP: c.Access.HTTPPort}
}

// HardeningOptions returns the plan hardening settings.
func (c *Config) HardeningOptions() stack.Hardening {
	h := stack.DefaultHardening()
	if c.Hardening.EncryptedRootVolume != nil {
		h.EncryptedRootVolume = *c.Hardening.EncryptedRootVolume
	}
	if c.Hardening.RequireIMDSv2 != nil {
		h.RequireIMDSv2 = *c.Hardening.RequireIMDSv2
	}
	if c.Hardening.RootVolumeSize > 0 {
		h.RootVolumeSizeGiB = c.Hardening.RootVolumeSize
	}
	h.AllowInsecure = c.Hardening.AllowInsecure
	return h
}

// PrivateKeyFileName expands the private key file pattern.
func (c *Config) PrivateKeyFileName() string {
	return expand(c.Key.PrivateKeyFile, c.Key.Name)
}

// InfoFileName expands the key info file pattern.
func (c *Config) InfoFileName() string {
	return expand(c.Key.InfoFile, c.Key.Name)
}

func expand(pattern, name string) string {
	return strings.ReplaceAll(pattern, "{name}", name)
}
