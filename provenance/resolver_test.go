package provenance

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"
	sigdsse "github.com/sigstore/sigstore/pkg/signature/dsse"
)

var testKeys = AnnotationKeys{
	RepoURL:   "build.appstudio.openshift.io/repo-url",
	CommitSHA: "build.appstudio.openshift.io/commit-sha",
}

// taskWith builds a task whose environment carries the given annotations.
func taskWith(name string, annotations map[string]string) Task {
	return Task{
		Name: name,
		Invocation: Invocation{
			Environment: Environment{Annotations: annotations},
		},
	}
}

func statementWith(tasks ...Task) Statement {
	return Statement{
		PredicateType: "https://slsa.dev/provenance/v0.2",
		Predicate: Predicate{
			BuildConfig: BuildConfig{Tasks: tasks},
		},
	}
}

func TestExtractSource(t *testing.T) {
	repo := "https://example.com/org/repo"
	sha := "abc123"

	tests := []struct {
		name      string
		statement Statement
		want      ResolvedSource
		wantErr   error
	}{
		{
			name: "single qualifying task",
			statement: statementWith(
				taskWith("build", map[string]string{
					testKeys.RepoURL:   repo,
					testKeys.CommitSHA: sha,
				}),
			),
			want: ResolvedSource{RepositoryURL: repo, CommitSHA: sha},
		},
		{
			name: "qualifying task among unrelated tasks",
			statement: statementWith(
				taskWith("init", map[string]string{"unrelated": "x"}),
				taskWith("build", map[string]string{
					testKeys.RepoURL:   repo,
					testKeys.CommitSHA: sha,
					"extra-key":        "ignored",
				}),
				taskWith("push", nil),
			),
			want: ResolvedSource{RepositoryURL: repo, CommitSHA: sha},
		},
		{
			name: "no qualifying tasks",
			statement: statementWith(
				taskWith("init", map[string]string{"unrelated": "x"}),
				taskWith("push", nil),
			),
			wantErr: ErrProvenanceIncomplete,
		},
		{
			name: "task with only one key does not qualify",
			statement: statementWith(
				taskWith("build", map[string]string{testKeys.RepoURL: repo}),
			),
			wantErr: ErrProvenanceIncomplete,
		},
		{
			name: "agreeing tasks are not ambiguous",
			statement: statementWith(
				taskWith("build-amd64", map[string]string{
					testKeys.RepoURL:   repo,
					testKeys.CommitSHA: sha,
				}),
				taskWith("build-arm64", map[string]string{
					testKeys.RepoURL:   repo,
					testKeys.CommitSHA: sha,
				}),
			),
			want: ResolvedSource{RepositoryURL: repo, CommitSHA: sha},
		},
		{
			name: "conflicting commits are ambiguous",
			statement: statementWith(
				taskWith("build-1", map[string]string{
					testKeys.RepoURL:   repo,
					testKeys.CommitSHA: "abc123",
				}),
				taskWith("build-2", map[string]string{
					testKeys.RepoURL:   repo,
					testKeys.CommitSHA: "def456",
				}),
			),
			wantErr: ErrProvenanceAmbiguous,
		},
		{
			name: "conflicting repositories are ambiguous",
			statement: statementWith(
				taskWith("build-1", map[string]string{
					testKeys.RepoURL:   "https://example.com/org/a",
					testKeys.CommitSHA: sha,
				}),
				taskWith("build-2", map[string]string{
					testKeys.RepoURL:   "https://example.com/org/b",
					testKeys.CommitSHA: sha,
				}),
			),
			wantErr: ErrProvenanceAmbiguous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractSource([]Statement{tt.statement}, testKeys)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractSource failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

// ExtractSource is pure: same record in, same answer out.
func TestExtractSourceDeterministic(t *testing.T) {
	statement := statementWith(
		taskWith("build", map[string]string{
			testKeys.RepoURL:   "https://example.com/org/repo",
			testKeys.CommitSHA: "abc123",
		}),
	)

	first, err := ExtractSource([]Statement{statement}, testKeys)
	if err != nil {
		t.Fatalf("ExtractSource failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := ExtractSource([]Statement{statement}, testKeys)
		if err != nil {
			t.Fatalf("ExtractSource failed on repeat: %v", err)
		}
		if again != first {
			t.Fatalf("Expected identical result on repeat, got %+v vs %+v", again, first)
		}
	}
}

// newSignedEnvelope signs an in-toto statement with a fresh ECDSA key and
// returns the envelope bytes together with the PEM public key.
func newSignedEnvelope(t *testing.T, statement Statement) ([]byte, []byte) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	payload, err := json.Marshal(statement)
	if err != nil {
		t.Fatalf("Failed to marshal statement: %v", err)
	}

	sv, err := signature.LoadECDSASignerVerifier(priv, crypto.SHA256)
	if err != nil {
		t.Fatalf("Failed to load signer: %v", err)
	}

	envelope, err := sigdsse.WrapSigner(sv, "application/vnd.in-toto+json").SignMessage(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to sign envelope: %v", err)
	}

	pemBytes, err := cryptoutils.MarshalPublicKeyToPEM(priv.Public())
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}

	return envelope, pemBytes
}

func TestKeyVerifier(t *testing.T) {
	statement := statementWith(
		taskWith("build", map[string]string{
			testKeys.RepoURL:   "https://example.com/org/repo",
			testKeys.CommitSHA: "abc123",
		}),
	)
	envelope, pemBytes := newSignedEnvelope(t, statement)

	verifier, err := NewKeyVerifier(pemBytes)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	if err := verifier.Verify(envelope); err != nil {
		t.Errorf("Expected valid envelope to verify: %v", err)
	}

	// Tamper with the payload; the signature must no longer match.
	var env Envelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		t.Fatalf("Failed to parse envelope: %v", err)
	}
	env.Payload = base64.StdEncoding.EncodeToString([]byte(`{"tampered":true}`))
	tampered, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal tampered envelope: %v", err)
	}

	if err := verifier.Verify(tampered); err == nil {
		t.Error("Expected tampered envelope to fail verification")
	}
}

func TestKeyVerifierRejectsWrongKey(t *testing.T) {
	statement := statementWith(taskWith("build", nil))
	envelope, _ := newSignedEnvelope(t, statement)

	otherPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	otherPEM, err := cryptoutils.MarshalPublicKeyToPEM(otherPriv.Public())
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}

	verifier, err := NewKeyVerifier(otherPEM)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	if err := verifier.Verify(envelope); err == nil {
		t.Error("Expected envelope signed by a different key to fail verification")
	}
}

// pushImageWithAttestation pushes a minimal image plus its attestation under
// the cosign tag convention and returns the image reference.
func pushImageWithAttestation(t *testing.T, registryURL string, envelope []byte) string {
	t.Helper()

	u, err := url.Parse(registryURL)
	if err != nil {
		t.Fatalf("Failed to parse registry URL: %v", err)
	}

	img, err := mutate.Append(empty.Image, mutate.Addendum{
		Layer: static.NewLayer([]byte("app-layer"), types.MediaType("application/vnd.oci.image.layer.v1.tar")),
	})
	if err != nil {
		t.Fatalf("Failed to build image: %v", err)
	}

	imageRef := fmt.Sprintf("%s/org/app:latest", u.Host)
	tag, err := name.ParseReference(imageRef)
	if err != nil {
		t.Fatalf("Failed to parse image reference: %v", err)
	}
	if err := remote.Write(tag, img); err != nil {
		t.Fatalf("Failed to push image: %v", err)
	}

	digest, err := img.Digest()
	if err != nil {
		t.Fatalf("Failed to compute digest: %v", err)
	}

	att, err := mutate.Append(empty.Image, mutate.Addendum{
		Layer: static.NewLayer(envelope, types.MediaType("application/vnd.dsse.envelope.v1+json")),
	})
	if err != nil {
		t.Fatalf("Failed to build attestation: %v", err)
	}

	attRef := fmt.Sprintf("%s/org/app:%s-%s.att", u.Host, digest.Algorithm, digest.Hex)
	attTag, err := name.ParseReference(attRef)
	if err != nil {
		t.Fatalf("Failed to parse attestation reference: %v", err)
	}
	if err := remote.Write(attTag, att); err != nil {
		t.Fatalf("Failed to push attestation: %v", err)
	}

	return imageRef
}

func TestResolveFromRegistry(t *testing.T) {
	server := httptest.NewServer(registry.New())
	defer server.Close()

	statement := statementWith(
		taskWith("build", map[string]string{
			testKeys.RepoURL:   "https://example.com/org/repo",
			testKeys.CommitSHA: "abc123",
		}),
	)
	envelope, pemBytes := newSignedEnvelope(t, statement)
	imageRef := pushImageWithAttestation(t, server.URL, envelope)

	verifier, err := NewKeyVerifier(pemBytes)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	source, err := NewResolver(testKeys, verifier).Resolve(context.Background(), imageRef)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := ResolvedSource{RepositoryURL: "https://example.com/org/repo", CommitSHA: "abc123"}
	if source != want {
		t.Errorf("Expected %+v, got %+v", want, source)
	}
}

func TestResolveUntrustedAttestation(t *testing.T) {
	server := httptest.NewServer(registry.New())
	defer server.Close()

	statement := statementWith(
		taskWith("build", map[string]string{
			testKeys.RepoURL:   "https://example.com/org/repo",
			testKeys.CommitSHA: "abc123",
		}),
	)
	envelope, _ := newSignedEnvelope(t, statement)
	imageRef := pushImageWithAttestation(t, server.URL, envelope)

	// Verifier holds a key that did not sign the envelope.
	otherPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	otherPEM, err := cryptoutils.MarshalPublicKeyToPEM(otherPriv.Public())
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	verifier, err := NewKeyVerifier(otherPEM)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	_, err = NewResolver(testKeys, verifier).Resolve(context.Background(), imageRef)
	if !errors.Is(err, ErrAttestationUntrusted) {
		t.Errorf("Expected ErrAttestationUntrusted, got %v", err)
	}
}

func TestResolveIncompleteProvenance(t *testing.T) {
	server := httptest.NewServer(registry.New())
	defer server.Close()

	// Attestation with no source annotations in any task.
	statement := statementWith(
		taskWith("init", map[string]string{"unrelated": "x"}),
	)
	envelope, pemBytes := newSignedEnvelope(t, statement)
	imageRef := pushImageWithAttestation(t, server.URL, envelope)

	verifier, err := NewKeyVerifier(pemBytes)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	_, err = NewResolver(testKeys, verifier).Resolve(context.Background(), imageRef)
	if !errors.Is(err, ErrProvenanceIncomplete) {
		t.Errorf("Expected ErrProvenanceIncomplete, got %v", err)
	}
}

func TestResolveMissingAttestation(t *testing.T) {
	server := httptest.NewServer(registry.New())
	defer server.Close()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("Failed to parse registry URL: %v", err)
	}

	img, err := mutate.Append(empty.Image, mutate.Addendum{
		Layer: static.NewLayer([]byte("app-layer"), types.MediaType("application/vnd.oci.image.layer.v1.tar")),
	})
	if err != nil {
		t.Fatalf("Failed to build image: %v", err)
	}
	imageRef := fmt.Sprintf("%s/org/app:latest", u.Host)
	tag, err := name.ParseReference(imageRef)
	if err != nil {
		t.Fatalf("Failed to parse image reference: %v", err)
	}
	if err := remote.Write(tag, img); err != nil {
		t.Fatalf("Failed to push image: %v", err)
	}

	_, err = NewResolver(testKeys, NoopVerifier{}).Resolve(context.Background(), imageRef)
	if err == nil {
		t.Error("Expected error when image has no attestation")
	}
}
