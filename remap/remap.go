// Package remap converts binary coverage data collected inside a container
// into a text coverage profile whose paths are relative to a source tree.
package remap

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/tools/cover"
)

// Report is the outcome of a remap: a text profile on disk plus bookkeeping
// about paths that could not be resolved against the source tree.
type Report struct {
	// Path is the location of the written coverage profile.
	Path string

	// Files is the number of distinct files in the profile.
	Files int

	// Unresolvable lists remapped paths with no corresponding file under
	// the source tree. They stay in the report; the backend ignores them.
	Unresolvable []string
}

// Remapper converts and remaps coverage bundles.
type Remapper struct {
	goBinary string
}

// NewRemapper creates a remapper that shells out to the given go binary for
// decoding binary coverage data.
func NewRemapper(goBinary string) *Remapper {
	if goBinary == "" {
		goBinary = "go"
	}
	return &Remapper{goBinary: goBinary}
}

// Remap converts the binary counters/metadata in bundleDir into a text
// profile, rewrites every file path relative to treeRoot and writes the
// result to outPath. Output is byte-for-byte deterministic for identical
// inputs.
func (r *Remapper) Remap(ctx context.Context, bundleDir, treeRoot, outPath string) (*Report, error) {
	rawProfile := filepath.Join(filepath.Dir(outPath), "raw-profile.txt")
	if err := r.ConvertBinary(ctx, bundleDir, rawProfile); err != nil {
		return nil, err
	}

	profiles, err := cover.ParseProfiles(rawProfile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse coverage profile: %w", err)
	}

	remapped, unresolvable := RemapProfiles(profiles, treeRoot)
	for _, path := range unresolvable {
		log.Printf("Unresolvable coverage path (kept in report): %s", path)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create report file: %w", err)
	}
	defer func() { _ = out.Close() }()

	if err := WriteProfiles(remapped, out); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}

	return &Report{
		Path:         outPath,
		Files:        len(remapped),
		Unresolvable: unresolvable,
	}, nil
}

// ConvertBinary decodes the GOCOVERDIR-style binary counters and metadata in
// bundleDir into a text profile at outPath using "go tool covdata".
// The binary coverage format has no public decoding API, so the go tool is
// the one supported decoder.
func (r *Remapper) ConvertBinary(ctx context.Context, bundleDir, outPath string) error {
	cmd := exec.CommandContext(ctx, r.goBinary, "tool", "covdata", "textfmt",
		"-i="+bundleDir, "-o="+outPath)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("covdata textfmt failed: %w: %s", err, strings.TrimSpace(string(output)))
	}

	return nil
}

// RemapProfiles rewrites each profile's file path relative to treeRoot and
// returns the profiles in a total order (lexicographic by remapped path).
// Paths with no matching file under the tree are kept and reported as
// unresolvable. The input profiles are not modified.
func RemapProfiles(profiles []*cover.Profile, treeRoot string) ([]*cover.Profile, []string) {
	var remapped []*cover.Profile
	var unresolvable []string

	for _, profile := range profiles {
		path, resolved := resolvePath(profile.FileName, treeRoot)
		if !resolved {
			unresolvable = append(unresolvable, path)
		}

		clone := &cover.Profile{
			FileName: path,
			Mode:     profile.Mode,
			Blocks:   append([]cover.ProfileBlock(nil), profile.Blocks...),
		}
		sort.Slice(clone.Blocks, func(i, j int) bool {
			a, b := clone.Blocks[i], clone.Blocks[j]
			if a.StartLine != b.StartLine {
				return a.StartLine < b.StartLine
			}
			return a.StartCol < b.StartCol
		})
		remapped = append(remapped, clone)
	}

	sort.Slice(remapped, func(i, j int) bool {
		return remapped[i].FileName < remapped[j].FileName
	})
	sort.Strings(unresolvable)

	return remapped, unresolvable
}

// resolvePath maps a coverage path recorded at build time (an absolute build
// root like /app/main.go, or a module import path) onto a path relative to
// the source tree. It trims leading path components until the remainder
// exists under treeRoot, preferring the longest remainder. When nothing
// matches, the cleaned path is returned with resolved=false.
func resolvePath(recorded, treeRoot string) (string, bool) {
	trimmed := strings.TrimPrefix(filepath.ToSlash(recorded), "/")
	segments := strings.Split(trimmed, "/")

	for i := 0; i < len(segments); i++ {
		candidate := strings.Join(segments[i:], "/")
		if fileExists(filepath.Join(treeRoot, filepath.FromSlash(candidate))) {
			return candidate, true
		}
	}

	return trimmed, false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// WriteProfiles dumps profiles in go coverage text format. Profiles must
// already be ordered; the writer adds nothing nondeterministic.
func WriteProfiles(profiles []*cover.Profile, w io.Writer) error {
	if len(profiles) == 0 {
		return fmt.Errorf("can't write an empty profile")
	}

	if _, err := fmt.Fprintf(w, "mode: %s\n", profiles[0].Mode); err != nil {
		return err
	}
	for _, profile := range profiles {
		for _, block := range profile.Blocks {
			if _, err := fmt.Fprintf(w, "%s:%d.%d,%d.%d %d %d\n",
				profile.FileName,
				block.StartLine, block.StartCol,
				block.EndLine, block.EndCol,
				block.NumStmt, block.Count); err != nil {
				return err
			}
		}
	}

	return nil
}
