package provenance

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Resolver fetches and verifies build attestations and extracts the source
// location from their build-task annotations.
type Resolver struct {
	keys     AnnotationKeys
	verifier EnvelopeVerifier
}

// NewResolver creates a resolver using the given annotation keys and
// envelope verifier.
func NewResolver(keys AnnotationKeys, verifier EnvelopeVerifier) *Resolver {
	return &Resolver{
		keys:     keys,
		verifier: verifier,
	}
}

// Resolve produces the ResolvedSource for a container image reference.
//
// The image digest is resolved first, then the attestation stored next to the
// image under the cosign tag convention (sha256-<hex>.att) is pulled. Every
// envelope that verifies contributes its build tasks; the annotation scan
// then applies the strict policy: no qualifying task fails with
// ErrProvenanceIncomplete, conflicting tasks fail with
// ErrProvenanceAmbiguous.
func (r *Resolver) Resolve(ctx context.Context, imageRef string) (ResolvedSource, error) {
	var source ResolvedSource

	envelopes, err := r.fetchEnvelopes(ctx, imageRef)
	if err != nil {
		return source, err
	}

	statements, err := r.verifyAndDecode(envelopes)
	if err != nil {
		return source, err
	}

	return ExtractSource(statements, r.keys)
}

// fetchEnvelopes pulls the attestation artifact for an image and returns the
// raw DSSE envelopes it carries, one per layer.
func (r *Resolver) fetchEnvelopes(ctx context.Context, imageRef string) ([][]byte, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %s: %w", imageRef, err)
	}

	// Resolve the image digest so the attestation tag can be derived.
	desc, err := remote.Head(ref, remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve digest for %s: %w", imageRef, err)
	}

	attTag := ref.Context().Tag(fmt.Sprintf("%s-%s.att", desc.Digest.Algorithm, desc.Digest.Hex))
	log.Printf("Fetching attestation: %s", attTag.Name())

	img, err := remote.Image(attTag, remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to pull attestation for %s: %w", imageRef, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation layers for %s: %w", imageRef, err)
	}

	var envelopes [][]byte
	for _, layer := range layers {
		reader, err := layer.Uncompressed()
		if err != nil {
			return nil, fmt.Errorf("failed to read attestation layer: %w", err)
		}
		data, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read attestation layer: %w", err)
		}
		envelopes = append(envelopes, data)
	}

	if len(envelopes) == 0 {
		return nil, fmt.Errorf("%w: attestation for %s has no envelopes", ErrAttestationUntrusted, imageRef)
	}

	return envelopes, nil
}

// verifyAndDecode checks each envelope signature and decodes the payloads of
// the ones that verify. If none verifies the attestation is untrusted.
func (r *Resolver) verifyAndDecode(envelopes [][]byte) ([]Statement, error) {
	var statements []Statement
	var lastErr error

	for _, raw := range envelopes {
		if err := r.verifier.Verify(raw); err != nil {
			lastErr = err
			log.Printf("Rejecting attestation envelope: %v", err)
			continue
		}

		statement, err := decodeEnvelope(raw)
		if err != nil {
			lastErr = err
			log.Printf("Rejecting attestation envelope: %v", err)
			continue
		}
		statements = append(statements, statement)
	}

	if len(statements) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrAttestationUntrusted, lastErr)
	}

	return statements, nil
}

// decodeEnvelope parses a DSSE envelope and its base64 payload into a
// Statement.
func decodeEnvelope(raw []byte) (Statement, error) {
	var statement Statement

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return statement, fmt.Errorf("malformed envelope: %w", err)
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return statement, fmt.Errorf("malformed envelope payload: %w", err)
	}

	if err := json.Unmarshal(payload, &statement); err != nil {
		return statement, fmt.Errorf("malformed attestation statement: %w", err)
	}

	return statement, nil
}

// ExtractSource scans the build tasks of the given statements in order and
// collects tasks that carry both source annotations non-empty.
//
// Policy: zero qualifying tasks is incomplete provenance; differing pairs
// across qualifying tasks is ambiguous provenance; identical pairs across
// multiple tasks count as one answer. This function is pure.
func ExtractSource(statements []Statement, keys AnnotationKeys) (ResolvedSource, error) {
	var found []ResolvedSource

	for _, statement := range statements {
		for _, task := range statement.Predicate.BuildConfig.Tasks {
			annotations := task.Invocation.Environment.Annotations
			repoURL := annotations[keys.RepoURL]
			commitSHA := annotations[keys.CommitSHA]
			if repoURL == "" || commitSHA == "" {
				continue
			}
			found = append(found, ResolvedSource{RepositoryURL: repoURL, CommitSHA: commitSHA})
		}
	}

	if len(found) == 0 {
		return ResolvedSource{}, ErrProvenanceIncomplete
	}

	first := found[0]
	for _, pair := range found[1:] {
		if pair != first {
			return ResolvedSource{}, fmt.Errorf("%w: %s@%s vs %s@%s",
				ErrProvenanceAmbiguous,
				first.RepositoryURL, first.CommitSHA,
				pair.RepositoryURL, pair.CommitSHA)
		}
	}

	return first, nil
}
