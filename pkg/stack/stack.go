// Package stack defines the provisioning model shared by every keel component.
package stack

import (
	"strconv"
	"time"
)

// NetworkSelector describes where the instance may be placed.
type NetworkSelector struct {
	VPCID      string            `json:"vpc_id"`
	SubnetID   string            `json:"subnet_id,omitempty"`  // Empty means unset
	SubnetIDs  []string          `json:"subnet_ids,omitempty"` // Wins over SubnetID when non-empty
	TagFilters map[string]string `json:"tag_filters,omitempty"`
	Index      int               `json:"subnet_index"`
}

// Validate checks the selector invariants.
func (s NetworkSelector) Validate() error {
	if s.VPCID == "" {
		return &ResolutionError{Err: ErrMissingVPC}
	}
	return nil
}

// CandidateSource names the input a candidate list was taken from.
type CandidateSource string

const (
	SourceSubnetIDs CandidateSource = "subnet_ids"
	SourceSubnetID  CandidateSource = "subnet_id"
	SourceDiscovery CandidateSource = "discovery"
)

// Resolution is the subnet chosen for a plan.
type Resolution struct {
	SubnetID       string          `json:"subnet_id"`
	Index          int             `json:"index"`
	CandidateCount int             `json:"candidate_count"`
	Source         CandidateSource `json:"source"`
}

// Purpose tags what an ingress CIDR protects.
type Purpose string

const (
	PurposeSSH  Purpose = "ssh"
	PurposeHTTP Purpose = "http"
)

// CIDRConstraint is an operator supplied CIDR for one purpose.
type CIDRConstraint struct {
	Purpose Purpose `json:"purpose"`
	CIDR    string  `json:"cidr"`
}

// Direction of a security rule.
type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
)

// ProtocolAll matches every IP protocol.
const ProtocolAll = "-1"

// SecurityRule is a single security group permission.
type SecurityRule struct {
	Direction   Direction `json:"direction"`
	Protocol    string    `json:"protocol"`
	FromPort    int32     `json:"from_port"`
	ToPort      int32     `json:"to_port"`
	CIDR        string    `json:"cidr"`
	Description string    `json:"description"`
}

// Key identifies the rule for idempotent replanning.
func (r SecurityRule) Key() string {
	return string(r.Direction) + "/" + r.Protocol + "/" +
		strconv.Itoa(int(r.FromPort)) + "-" + strconv.Itoa(int(r.ToPort)) + "/" + r.CIDR
}

// RuleSet is an ordered, immutable set of security rules.
// Only the rule builder produces validated sets.
type RuleSet struct {
	rules     []SecurityRule
	validated bool
}

// NewRuleSet wraps already validated rules. Callers outside the rule builder
// should not need it.
func NewRuleSet(rules []SecurityRule) RuleSet {
	cp := make([]SecurityRule, len(rules))
	copy(cp, rules)
	return RuleSet{rules: cp, validated: true}
}

// Rules returns a copy of the rules in insertion order.
func (rs RuleSet) Rules() []SecurityRule {
	cp := make([]SecurityRule, len(rs.rules))
	copy(cp, rs.rules)
	return cp
}

// Ingress returns the inbound rules.
func (rs RuleSet) Ingress() []SecurityRule {
	return rs.filter(Ingress)
}

// Egress returns the outbound rules.
func (rs RuleSet) Egress() []SecurityRule {
	return rs.filter(Egress)
}

func (rs RuleSet) filter(d Direction) []SecurityRule {
	var out []SecurityRule
	for _, r := range rs.rules {
		if r.Direction == d {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of rules.
func (rs RuleSet) Len() int { return len(rs.rules) }

// Validated reports whether the set came from the rule builder.
func (rs RuleSet) Validated() bool { return rs.validated }

// Key algorithms.
const (
	AlgorithmRSA     = "rsa"
	AlgorithmED25519 = "ed25519"
)

// KeyMaterial is a generated key pair held in memory.
type KeyMaterial struct {
	Algorithm   string    `json:"algorithm"`
	Bits        int       `json:"bits"`
	PublicKey   string    `json:"public_key"` // authorized_keys format
	PrivateKey  Sensitive `json:"private_key"`
	Fingerprint string    `json:"fingerprint"`
}

// IsZero reports whether no key was generated.
func (k KeyMaterial) IsZero() bool {
	return k.PublicKey == "" && k.PrivateKey.Reveal() == ""
}

// Hardening holds safety settings attached to a plan.
type Hardening struct {
	EncryptedRootVolume bool  `json:"encrypted_root_volume"`
	RequireIMDSv2       bool  `json:"require_imdsv2"`
	RootVolumeSizeGiB   int32 `json:"root_volume_size_gib"`
	AllowInsecure       bool  `json:"allow_insecure"`
}

// DefaultHardening returns the settings used when none are configured.
func DefaultHardening() Hardening {
	return Hardening{
		EncryptedRootVolume: true,
		RequireIMDSv2:       true,
		RootVolumeSizeGiB:   8,
	}
}

// Image is the machine image the instance boots from.
type Image struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	RootDeviceName string `json:"root_device_name,omitempty"`
	CreationDate   string `json:"creation_date,omitempty"`
}

// ImageQuery selects an image either by explicit id or by owner and name
// pattern, in which case the newest match wins.
type ImageQuery struct {
	ID           string
	Owners       []string
	NamePattern  string
	Architecture string
}

// Plan is a fully validated description of the resources to create.
type Plan struct {
	ID           string            `json:"id"`
	StackName    string            `json:"stack_name"`
	Region       string            `json:"region"`
	VPCID        string            `json:"vpc_id"`
	Image        Image             `json:"image"`
	InstanceType string            `json:"instance_type"`
	Subnet       Resolution        `json:"subnet"`
	Rules        RuleSet           `json:"-"`
	Key          KeyMaterial       `json:"key"`
	KeyName      string            `json:"key_name"`
	Hardening    Hardening         `json:"hardening"`
	Tags         map[string]string `json:"tags,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Summary is the loggable part of a plan.
type Summary struct {
	ID           string          `json:"id"`
	StackName    string          `json:"stack_name"`
	Region       string          `json:"region"`
	VPCID        string          `json:"vpc_id"`
	ImageID      string          `json:"image_id"`
	InstanceType string          `json:"instance_type"`
	SubnetID     string          `json:"subnet_id"`
	SubnetSource CandidateSource `json:"subnet_source"`
	Rules        []SecurityRule  `json:"rules"`
	KeyName      string          `json:"key_name"`
	Fingerprint  string          `json:"fingerprint"`
	Hardening    Hardening       `json:"hardening"`
}

// Summarize returns the plan without key material.
func (p Plan) Summarize() Summary {
	return Summary{
		ID:           p.ID,
		StackName:    p.StackName,
		Region:       p.Region,
		VPCID:        p.VPCID,
		ImageID:      p.Image.ID,
		InstanceType: p.InstanceType,
		SubnetID:     p.Subnet.SubnetID,
		SubnetSource: p.Subnet.Source,
		Rules:        p.Rules.Rules(),
		KeyName:      p.KeyName,
		Fingerprint:  p.Key.Fingerprint,
		Hardening:    p.Hardening,
	}
}

// Result holds what the provisioning engine created.
type Result struct {
	InstanceID      string `json:"instance_id"`
	PublicIP        string `json:"public_ip"`
	PublicDNS       string `json:"public_dns"`
	SecurityGroupID string `json:"security_group_id"`
	KeyPairID       string `json:"key_pair_id"`
	KeyName         string `json:"key_name"`
	SubnetID        string `json:"subnet_id"`
	Region          string `json:"region"`
}

// Outputs are the connection and identification values shown to operators.
type Outputs struct {
	InstanceID        string    `json:"instance_id" yaml:"instance_id"`
	PublicIP          string    `json:"public_ip" yaml:"public_ip"`
	PublicDNS         string    `json:"public_dns" yaml:"public_dns"`
	SecurityGroupID   string    `json:"security_group_id" yaml:"security_group_id"`
	KeyPairName       string    `json:"key_pair_name" yaml:"key_pair_name"`
	PrivateKeyPath    Sensitive `json:"private_key_path" yaml:"private_key_path"`
	ConnectionCommand string    `json:"connection_command" yaml:"connection_command"`
	KeyInfo           string    `json:"key_info" yaml:"key_info"`
	KeyInfoPath       string    `json:"key_info_path" yaml:"key_info_path"`
}
