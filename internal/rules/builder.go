// Package rules builds the instance's security group rules from operator CIDRs.
package rules

import (
	"fmt"
	"net/netip"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/keel/pkg/stack"
)

// Default ports.
const (
	DefaultSSHPort  int32 = 22
	DefaultHTTPPort int32 = 5001
)

// Ports selects the ingress ports.
type Ports struct {
	SSH  int32
	HTTP int32
}

// DefaultPorts returns 22 for ssh and 5001 for http.
func DefaultPorts() Ports {
	return Ports{SSH: DefaultSSHPort, HTTP: DefaultHTTPPort}
}

// Build validates both CIDRs and returns the rule set on the default ports.
func Build(sshCIDR, httpCIDR string) (stack.RuleSet, error) {
	return BuildWithPorts(sshCIDR, httpCIDR, DefaultPorts())
}

// BuildWithPorts validates both CIDRs and returns one ingress rule per CIDR
// followed by a single open egress rule. The ssh CIDR is checked first.
func BuildWithPorts(sshCIDR, httpCIDR string, ports Ports) (stack.RuleSet, error) {
	if err := validPort(ports.SSH); err != nil {
		return stack.RuleSet{}, fmt.Errorf("ssh port: %w", err)
	}
	if err := validPort(ports.HTTP); err != nil {
		return stack.RuleSet{}, fmt.Errorf("http port: %w", err)
	}

	constraints := []stack.CIDRConstraint{
		{Purpose: stack.PurposeSSH, CIDR: sshCIDR},
		{Purpose: stack.PurposeHTTP, CIDR: httpCIDR},
	}
	portFor := map[stack.Purpose]int32{
		stack.PurposeSSH:  ports.SSH,
		stack.PurposeHTTP: ports.HTTP,
	}

	rules := make([]stack.SecurityRule, 0, len(constraints)+1)
	for _, c := range constraints {
		prefix, err := Validate(c)
		if err != nil {
			return stack.RuleSet{}, err
		}
		port := portFor[c.Purpose]
		rules = append(rules, stack.SecurityRule{
			Direction:   stack.Ingress,
			Protocol:    "tcp",
			FromPort:    port,
			ToPort:      port,
			CIDR:        prefix.String(),
			Description: describe(c.Purpose),
		})
	}

	rules = append(rules, stack.SecurityRule{
		Direction:   stack.Egress,
		Protocol:    stack.ProtocolAll,
		FromPort:    0,
		ToPort:      0,
		CIDR:        "0.0.0.0/0",
		Description: "All outbound traffic",
	})

	return stack.NewRuleSet(rules), nil
}

// Validate parses a constraint and rejects the open internet.
// The returned prefix is masked to its network address.
func Validate(c stack.CIDRConstraint) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(c.CIDR)
	if err != nil {
		return netip.Prefix{}, &stack.RuleError{
			Purpose: c.Purpose,
			CIDR:    c.CIDR,
			Err:     fmt.Errorf("%w: %v", stack.ErrInvalidCIDR, err),
		}
	}

	// Any /0 covers the whole address family.
	if prefix.Bits() == 0 {
		return netip.Prefix{}, &stack.RuleError{
			Purpose: c.Purpose,
			CIDR:    c.CIDR,
			Err:     stack.ErrUnrestrictedAccess,
		}
	}

	masked := prefix.Masked()
	if masked != prefix {
		log.Debug().
			Str("purpose", string(c.Purpose)).
			Str("cidr", c.CIDR).
			Str("normalized", masked.String()).
			Msg("cidr normalized to network address")
	}
	return masked, nil
}

func validPort(p int32) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d outside 1-65535", p)
	}
	return nil
}

func describe(p stack.Purpose) string {
	switch p {
	case stack.PurposeSSH:
		return "SSH access"
	case stack.PurposeHTTP:
		return "HTTP application access"
	default:
		return string(p)
	}
}
