// Package provenance resolves the source repository and commit behind a
// container image from its signed build attestation.
package provenance

import "errors"

// Resolution errors. Incomplete and ambiguous provenance are distinct from
// "not found" on purpose: they indicate a data-integrity problem that must
// never be papered over by guessing.
var (
	// ErrAttestationUntrusted indicates the attestation could not be
	// cryptographically verified. Fatal, no fallback.
	ErrAttestationUntrusted = errors.New("attestation verification failed")

	// ErrProvenanceIncomplete indicates no build task carried both the
	// repository URL and commit SHA annotations.
	ErrProvenanceIncomplete = errors.New("provenance has no source annotations")

	// ErrProvenanceAmbiguous indicates multiple build tasks reported
	// conflicting source locations.
	ErrProvenanceAmbiguous = errors.New("provenance reports conflicting source locations")
)

// AnnotationKeys names the two build-environment annotations that carry the
// source location. The exact key names are build-system configuration, not
// hardcoded logic.
type AnnotationKeys struct {
	RepoURL   string
	CommitSHA string
}

// ResolvedSource is the repository and commit a build attestation points at.
// Immutable once resolved; downstream steps treat it as a fact.
type ResolvedSource struct {
	RepositoryURL string
	CommitSHA     string
}

// Envelope is a DSSE envelope as stored in an attestation layer.
// The payload is base64-encoded JSON.
type Envelope struct {
	Payload     string      `json:"payload"`
	PayloadType string      `json:"payloadType"`
	Signatures  []Signature `json:"signatures"`
}

// Signature is a single envelope signature.
type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"`
}

// Statement is the decoded attestation payload. Only the fields this system
// reads are modeled; everything else in the predicate is ignored.
type Statement struct {
	PredicateType string    `json:"predicateType"`
	Predicate     Predicate `json:"predicate"`
}

// Predicate holds the build configuration of the attested image build.
type Predicate struct {
	BuildConfig BuildConfig `json:"buildConfig"`
}

// BuildConfig lists the tasks executed by the build.
type BuildConfig struct {
	Tasks []Task `json:"tasks"`
}

// Task is one step of the attested build.
type Task struct {
	Name       string     `json:"name"`
	Invocation Invocation `json:"invocation"`
}

// Invocation carries the environment a task ran with.
type Invocation struct {
	Environment Environment `json:"environment"`
}

// Environment holds the task's annotations, a free-form string mapping of
// which exactly two keys are meaningful here.
type Environment struct {
	Annotations map[string]string `json:"annotations"`
}
