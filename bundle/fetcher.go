package bundle

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// titleAnnotation names a layer's file inside an OCI artifact.
// Tools that push file bundles (oras and friends) set this annotation.
const titleAnnotation = "org.opencontainers.image.title"

// Fetcher downloads coverage bundles from an OCI registry.
type Fetcher struct{}

// NewFetcher creates a new bundle fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{}
}

// Fetch pulls the coverage bundle at the given registry reference and
// extracts its files into destDir. The layer title annotation decides each
// file's name; counter and meta files keep the GOCOVERDIR names they were
// collected under, since covdata pairs them by name. On success destDir
// holds at least one counter file, exactly one meta file and the manifest,
// all non-empty; anything else fails with ErrArtifactIncomplete.
func (f *Fetcher) Fetch(ctx context.Context, reference string, destDir string) (*CoverageBundle, error) {
	ref, err := name.ParseReference(reference)
	if err != nil {
		return nil, fmt.Errorf("invalid bundle reference %s: %w", reference, err)
	}

	log.Printf("Fetching coverage bundle: %s", reference)

	img, err := remote.Image(ref, remote.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to pull bundle %s: %w", reference, err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle manifest for %s: %w", reference, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("failed to get bundle layers for %s: %w", reference, err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: artifact %s has no layers", ErrArtifactIncomplete, reference)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}

	// Extract each titled layer under its original name. Untitled layers
	// are skipped; extra files beyond the bundle contents are harmless.
	for i, layer := range layers {
		var title string
		if i < len(manifest.Layers) {
			title = manifest.Layers[i].Annotations[titleAnnotation]
		}
		if title == "" {
			log.Printf("Skipping untitled layer %d in %s", i, reference)
			continue
		}

		// Layer titles come from the registry; never let them escape destDir.
		if filepath.Base(title) != title {
			log.Printf("Skipping layer with suspicious title %q in %s", title, reference)
			continue
		}

		if err := extractLayer(layer, filepath.Join(destDir, title)); err != nil {
			return nil, fmt.Errorf("failed to extract %s from %s: %w", title, reference, err)
		}
	}

	bundleManifest, err := validateBundleDir(destDir)
	if err != nil {
		return nil, err
	}

	log.Printf("Bundle fetched: image=%s, pod=%s/%s, test=%s",
		bundleManifest.Container.Image, bundleManifest.Namespace, bundleManifest.PodName, bundleManifest.TestName)

	return &CoverageBundle{Dir: destDir, Manifest: bundleManifest}, nil
}

// extractLayer writes a layer's uncompressed content to path.
func extractLayer(layer v1.Layer, path string) error {
	reader, err := layer.Uncompressed()
	if err != nil {
		return fmt.Errorf("failed to read layer: %w", err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}
