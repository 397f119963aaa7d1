// Package bundle retrieves coverage bundles from an OCI registry.
// A bundle is a single artifact holding the binary coverage counters and
// metadata collected inside a container, plus a manifest describing the
// originating pod and image.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrArtifactIncomplete indicates that the fetched artifact does not hold a
// decodable bundle: counter files, one meta file and the manifest, all
// non-empty.
var ErrArtifactIncomplete = errors.New("coverage artifact is incomplete")

// Well-known file names inside a coverage bundle. Counter and meta files are
// the ones the Go runtime writes under GOCOVERDIR: covmeta.<hash> and
// covcounters.<hash>.<pid>.<time>. The hash in the name is how covdata pairs
// counters with their metadata, so the original names must survive all the
// way to decoding; only the manifest has a fixed name.
const (
	CountersPrefix = "covcounters."
	MetaPrefix     = "covmeta."
	ManifestFile   = "metadata.json"
)

// Manifest describes the collection run that produced a coverage bundle.
// It is stored as metadata.json inside the bundle.
type Manifest struct {
	PodName     string    `json:"pod_name"`
	Namespace   string    `json:"namespace"`
	Container   Container `json:"container"`
	CollectedAt time.Time `json:"collected_at"`
	TestName    string    `json:"test_name"`
}

// Container identifies the container the coverage was collected from.
// Image is the join key used to look up build provenance.
type Container struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// CoverageBundle is a fetched bundle on disk. Once returned by a Fetcher the
// directory holds at least one counter file, exactly one meta file and the
// manifest, all non-empty and under their original GOCOVERDIR names.
type CoverageBundle struct {
	// Dir holds the extracted bundle files. It is handed to covdata as-is.
	Dir      string
	Manifest Manifest
}

// validateBundleDir checks that the directory holds a decodable set of
// GOCOVERDIR files plus the manifest, and parses the manifest.
func validateBundleDir(dir string) (Manifest, error) {
	var manifest Manifest

	entries, err := os.ReadDir(dir)
	if err != nil {
		return manifest, fmt.Errorf("failed to read bundle directory: %w", err)
	}

	var counters, metas int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		isCounters := strings.HasPrefix(name, CountersPrefix)
		isMeta := strings.HasPrefix(name, MetaPrefix)
		if !isCounters && !isMeta {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return manifest, fmt.Errorf("failed to stat bundle file %s: %w", name, err)
		}
		if info.Size() == 0 {
			return manifest, fmt.Errorf("%w: %s is empty", ErrArtifactIncomplete, name)
		}
		if isCounters {
			counters++
		} else {
			metas++
		}
	}

	if counters == 0 {
		return manifest, fmt.Errorf("%w: no %s* counter file", ErrArtifactIncomplete, CountersPrefix)
	}
	if metas == 0 {
		return manifest, fmt.Errorf("%w: no %s* meta file", ErrArtifactIncomplete, MetaPrefix)
	}
	if metas > 1 {
		return manifest, fmt.Errorf("%w: %d %s* meta files, want exactly one", ErrArtifactIncomplete, metas, MetaPrefix)
	}

	info, err := os.Stat(filepath.Join(dir, ManifestFile))
	if err != nil {
		return manifest, fmt.Errorf("%w: missing %s", ErrArtifactIncomplete, ManifestFile)
	}
	if info.Size() == 0 {
		return manifest, fmt.Errorf("%w: %s is empty", ErrArtifactIncomplete, ManifestFile)
	}

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return manifest, fmt.Errorf("failed to read bundle manifest: %w", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("%w: malformed manifest: %v", ErrArtifactIncomplete, err)
	}
	if manifest.Container.Image == "" {
		return manifest, fmt.Errorf("%w: manifest has no container image", ErrArtifactIncomplete)
	}

	return manifest, nil
}
