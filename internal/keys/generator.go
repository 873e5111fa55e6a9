// Package keys generates the SSH key pair bound to the instance.
//
// Keys live only in memory here. Writing the private key to disk and
// registering the public key are done by the caller.
package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/yairfalse/keel/pkg/stack"
)

// RSA bounds.
const (
	DefaultRSABits = 4096
	MinRSABits     = 2048
	MaxRSABits     = 16384
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported key algorithm")
	ErrKeySize              = errors.New("unsupported key size")
	ErrKeyMismatch          = errors.New("public key does not match private key")
)

// Generator creates key pairs from a random source.
type Generator struct {
	random  io.Reader
	comment string
}

// Option configures a Generator.
type Option func(*Generator)

// WithRandom replaces crypto/rand. Only tests should need it.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

// WithComment sets the comment embedded in the private key.
func WithComment(c string) Option {
	return func(g *Generator) { g.comment = c }
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{random: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate creates a key pair. bits of 0 picks the algorithm default.
func (g *Generator) Generate(algorithm string, bits int) (stack.KeyMaterial, error) {
	algorithm = strings.ToLower(algorithm)
	if algorithm == "" {
		algorithm = stack.AlgorithmRSA
	}

	var (
		priv crypto.Signer
		err  error
	)
	switch algorithm {
	case stack.AlgorithmRSA:
		if bits == 0 {
			bits = DefaultRSABits
		}
		if bits < MinRSABits || bits > MaxRSABits {
			return stack.KeyMaterial{}, fmt.Errorf("%w: rsa %d bits (want %d-%d)", ErrKeySize, bits, MinRSABits, MaxRSABits)
		}
		priv, err = rsa.GenerateKey(g.random, bits)
	case stack.AlgorithmED25519:
		if bits != 0 && bits != 256 {
			return stack.KeyMaterial{}, fmt.Errorf("%w: ed25519 is fixed at 256 bits, got %d", ErrKeySize, bits)
		}
		bits = 256
		priv, err = ed25519Key(g.random)
	default:
		return stack.KeyMaterial{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
	if err != nil {
		return stack.KeyMaterial{}, fmt.Errorf("generate %s key: %w", algorithm, err)
	}

	return encode(algorithm, bits, priv, g.comment)
}

func ed25519Key(r io.Reader) (crypto.Signer, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func encode(algorithm string, bits int, priv crypto.Signer, comment string) (stack.KeyMaterial, error) {
	pub, err := ssh.NewPublicKey(priv.Public())
	if err != nil {
		return stack.KeyMaterial{}, fmt.Errorf("convert public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return stack.KeyMaterial{}, fmt.Errorf("marshal private key: %w", err)
	}
	encoded := pem.EncodeToMemory(block)
	if encoded == nil {
		return stack.KeyMaterial{}, errors.New("pem encode private key")
	}

	return stack.KeyMaterial{
		Algorithm:   algorithm,
		Bits:        bits,
		PublicKey:   string(ssh.MarshalAuthorizedKey(pub)),
		PrivateKey:  stack.Sensitive(encoded),
		Fingerprint: ssh.FingerprintSHA256(pub),
	}, nil
}

// Verify checks that the private key parses and matches the public key.
func Verify(km stack.KeyMaterial) error {
	signer, err := ssh.ParsePrivateKey([]byte(km.PrivateKey.Reveal()))
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(km.PublicKey))
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	if ssh.FingerprintSHA256(signer.PublicKey()) != ssh.FingerprintSHA256(pub) {
		return ErrKeyMismatch
	}
	if km.Fingerprint != "" && km.Fingerprint != ssh.FingerprintSHA256(pub) {
		return fmt.Errorf("%w: fingerprint %s", ErrKeyMismatch, km.Fingerprint)
	}
	return nil
}
