// Package output derives connection and identification values from a
// materialized stack.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/keel/pkg/stack"
)

// KeyInfo describes the key pair without its private half.
type KeyInfo struct {
	KeyPairName    string
	Algorithm      string
	Bits           int
	Fingerprint    string
	PublicKey      string
	PrivateKeyPath string
	Connection     string
	GeneratedAt    time.Time
}

// Compose builds the output bundle. The private key path is kept but marked
// sensitive; the private key content never enters the bundle.
func Compose(result stack.Result, key stack.KeyMaterial, privateKeyPath, keyInfoPath, sshUser string, generatedAt time.Time) stack.Outputs {
	conn := ConnectionCommand(privateKeyPath, sshUser, result.PublicIP)

	info := KeyInfo{
		KeyPairName:    result.KeyName,
		Algorithm:      key.Algorithm,
		Bits:           key.Bits,
		Fingerprint:    key.Fingerprint,
		PublicKey:      strings.TrimSpace(key.PublicKey),
		PrivateKeyPath: privateKeyPath,
		Connection:     conn,
		GeneratedAt:    generatedAt,
	}

	return stack.Outputs{
		InstanceID:        result.InstanceID,
		PublicIP:          result.PublicIP,
		PublicDNS:         result.PublicDNS,
		SecurityGroupID:   result.SecurityGroupID,
		KeyPairName:       result.KeyName,
		PrivateKeyPath:    stack.Sensitive(privateKeyPath),
		ConnectionCommand: conn,
		KeyInfo:           info.Document(),
		KeyInfoPath:       keyInfoPath,
	}
}

// ConnectionCommand returns a ready to paste ssh command.
func ConnectionCommand(privateKeyPath, user, host string) string {
	if host == "" {
		host = "<pending-public-ip>"
	}
	return shellquote.Join("ssh", "-i", privateKeyPath, user+"@"+host)
}

// Document renders the human readable key information file.
func (k KeyInfo) Document() string {
	var b strings.Builder
	b.WriteString("SSH key pair information\n")
	b.WriteString("========================\n\n")

	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Key pair name:\t%s\n", k.KeyPairName)
	fmt.Fprintf(w, "Algorithm:\t%s (%d bits)\n", strings.ToUpper(k.Algorithm), k.Bits)
	fmt.Fprintf(w, "Fingerprint:\t%s\n", k.Fingerprint)
	fmt.Fprintf(w, "Private key file:\t%s\n", k.PrivateKeyPath)
	if !k.GeneratedAt.IsZero() {
		fmt.Fprintf(w, "Generated at:\t%s\n", k.GeneratedAt.UTC().Format(time.RFC3339))
	}
	_ = w.Flush()

	b.WriteString("\nPublic key:\n")
	b.WriteString(k.PublicKey)
	b.WriteString("\n\nConnect with:\n")
	b.WriteString(k.Connection)
	b.WriteString("\n\nThe private key file is readable by its owner only (mode 0600).\n")
	b.WriteString("Do not commit it or share it.\n")
	return b.String()
}

// Formats accepted by Render.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Render formats outputs for the terminal. The key information document is
// left out; it lives in its own file.
func Render(o stack.Outputs, format string, showSensitive bool) (string, error) {
	view := newView(o, showSensitive)

	switch format {
	case "", FormatText:
		var buf bytes.Buffer
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		for _, row := range view.rows() {
			fmt.Fprintf(w, "%s\t= %s\n", row[0], row[1])
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("render text: %w", err)
		}
		return buf.String(), nil
	case FormatJSON:
		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return "", fmt.Errorf("render json: %w", err)
		}
		return string(data) + "\n", nil
	case FormatYAML:
		data, err := yaml.Marshal(view)
		if err != nil {
			return "", fmt.Errorf("render yaml: %w", err)
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// RenderSummary formats a plan summary for review before apply.
func RenderSummary(s stack.Summary, format string) (string, error) {
	switch format {
	case "", FormatText:
		var buf bytes.Buffer
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "plan_id\t= %s\n", s.ID)
		fmt.Fprintf(w, "stack\t= %s\n", s.StackName)
		fmt.Fprintf(w, "region\t= %s\n", s.Region)
		fmt.Fprintf(w, "vpc_id\t= %s\n", s.VPCID)
		fmt.Fprintf(w, "subnet_id\t= %s (from %s)\n", s.SubnetID, s.SubnetSource)
		fmt.Fprintf(w, "image_id\t= %s\n", s.ImageID)
		fmt.Fprintf(w, "instance_type\t= %s\n", s.InstanceType)
		fmt.Fprintf(w, "key_name\t= %s\n", s.KeyName)
		fmt.Fprintf(w, "fingerprint\t= %s\n", s.Fingerprint)
		fmt.Fprintf(w, "root_volume\t= %d GiB, encrypted=%t\n", s.Hardening.RootVolumeSizeGiB, s.Hardening.EncryptedRootVolume)
		fmt.Fprintf(w, "imds_tokens_required\t= %t\n", s.Hardening.RequireIMDSv2)
		for _, r := range s.Rules {
			fmt.Fprintf(w, "rule\t= %s\t%s\n", r.Key(), r.Description)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("render text: %w", err)
		}
		return buf.String(), nil
	case FormatJSON:
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return "", fmt.Errorf("render json: %w", err)
		}
		return string(data) + "\n", nil
	case FormatYAML:
		// Round trip through JSON so the yaml keys match the json tags.
		data, err := json.Marshal(s)
		if err != nil {
			return "", fmt.Errorf("render yaml: %w", err)
		}
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			return "", fmt.Errorf("render yaml: %w", err)
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return "", fmt.Errorf("render yaml: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

type view struct {
	InstanceID        string `json:"instance_id" yaml:"instance_id"`
	PublicIP          string `json:"public_ip" yaml:"public_ip"`
	PublicDNS         string `json:"public_dns" yaml:"public_dns"`
	SecurityGroupID   string `json:"security_group_id" yaml:"security_group_id"`
	KeyPairName       string `json:"key_pair_name" yaml:"key_pair_name"`
	PrivateKeyPath    string `json:"private_key_path" yaml:"private_key_path"`
	ConnectionCommand string `json:"connection_command" yaml:"connection_command"`
	KeyInfoPath       string `json:"key_info_path" yaml:"key_info_path"`
}

func newView(o stack.Outputs, showSensitive bool) view {
	path := o.PrivateKeyPath.String()
	if showSensitive {
		path = o.PrivateKeyPath.Reveal()
	}
	return view{
		InstanceID:        o.InstanceID,
		PublicIP:          o.PublicIP,
		PublicDNS:         o.PublicDNS,
		SecurityGroupID:   o.SecurityGroupID,
		KeyPairName:       o.KeyPairName,
		PrivateKeyPath:    path,
		ConnectionCommand: o.ConnectionCommand,
		KeyInfoPath:       o.KeyInfoPath,
	}
}

func (v view) rows() [][2]string {
	return [][2]string{
		{"instance_id", v.InstanceID},
		{"public_ip", v.PublicIP},
		{"public_dns", v.PublicDNS},
		{"security_group_id", v.SecurityGroupID},
		{"key_pair_name", v.KeyPairName},
		{"private_key_path", v.PrivateKeyPath},
		{"connection_command", v.ConnectionCommand},
		{"key_info_path", v.KeyInfoPath},
	}
}
