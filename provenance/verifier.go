package provenance

import (
	"bytes"
	"crypto"
	"fmt"
	"os"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/sigstore/sigstore/pkg/signature/dsse"
)

// EnvelopeVerifier checks DSSE envelope signatures.
type EnvelopeVerifier interface {
	// Verify returns an error unless the envelope carries a valid signature.
	Verify(envelope []byte) error
}

// keyVerifier verifies envelopes against a single fixed public key, the way
// a cluster-wide signing key (e.g. Tekton Chains' x509 key) is deployed.
type keyVerifier struct {
	verifier signature.Verifier
}

// NewKeyVerifier builds an EnvelopeVerifier from a PEM-encoded public key.
func NewKeyVerifier(pemBytes []byte) (EnvelopeVerifier, error) {
	pub, err := cryptoutils.UnmarshalPEMToPublicKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	verifier, err := signature.LoadVerifier(pub, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to load verifier: %w", err)
	}

	return &keyVerifier{verifier: dsse.WrapVerifier(verifier)}, nil
}

// NewKeyVerifierFromFile builds an EnvelopeVerifier from a PEM file on disk.
func NewKeyVerifierFromFile(path string) (EnvelopeVerifier, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key %s: %w", path, err)
	}
	return NewKeyVerifier(pemBytes)
}

func (kv *keyVerifier) Verify(envelope []byte) error {
	// The DSSE wrapper reads the whole envelope from the signature argument;
	// the message argument is unused.
	if err := kv.verifier.VerifySignature(bytes.NewReader(envelope), nil); err != nil {
		return fmt.Errorf("envelope signature invalid: %w", err)
	}
	return nil
}

// NoopVerifier accepts every envelope. Only for deployments that explicitly
// disable verification (verify_attestations=false).
type NoopVerifier struct{}

func (NoopVerifier) Verify([]byte) error { return nil }
