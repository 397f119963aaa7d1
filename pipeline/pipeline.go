// Package pipeline sequences a coverage-processing run: fetch the bundle,
// resolve its build provenance, materialize the source, remap the coverage
// and upload the report. Steps run strictly in order, every failure is
// run-fatal and nothing is uploaded on partial failure.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/psturc/coverage-processor/bundle"
	"github.com/psturc/coverage-processor/credentials"
	"github.com/psturc/coverage-processor/gitsource"
	"github.com/psturc/coverage-processor/provenance"
	"github.com/psturc/coverage-processor/remap"
	"github.com/psturc/coverage-processor/upload"
)

// Step names a pipeline stage for error reporting and metrics.
type Step string

const (
	StepFetch       Step = "fetch"
	StepResolve     Step = "resolve"
	StepMaterialize Step = "materialize"
	StepRemap       Step = "remap"
	StepUpload      Step = "upload"
)

// StepError wraps a failure with the stage it happened in, giving the
// embedding substrate enough context to log and re-trigger a fresh run.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// The five collaborators, satisfied by the concrete implementations in
// bundle, provenance, gitsource, remap and upload.
type (
	Fetcher interface {
		Fetch(ctx context.Context, reference, destDir string) (*bundle.CoverageBundle, error)
	}
	Resolver interface {
		Resolve(ctx context.Context, imageRef string) (provenance.ResolvedSource, error)
	}
	Materializer interface {
		Materialize(ctx context.Context, repositoryURL, commitSHA, destDir string) (*gitsource.MaterializedTree, error)
	}
	Remapper interface {
		Remap(ctx context.Context, bundleDir, treeRoot, outPath string) (*remap.Report, error)
	}
	Uploader interface {
		Upload(ctx context.Context, cred upload.Credential, req upload.Request) error
	}
)

// Pipeline executes runs. It holds no per-run state; runs only share the
// read-only credential lookup.
type Pipeline struct {
	fetcher      Fetcher
	resolver     Resolver
	materializer Materializer
	remapper     Remapper
	uploader     Uploader
	creds        credentials.Lookup
	projectKey   string
}

// New assembles a pipeline from its collaborators.
func New(fetcher Fetcher, resolver Resolver, materializer Materializer,
	remapper Remapper, uploader Uploader, creds credentials.Lookup, projectKey string) *Pipeline {
	return &Pipeline{
		fetcher:      fetcher,
		resolver:     resolver,
		materializer: materializer,
		remapper:     remapper,
		uploader:     uploader,
		creds:        creds,
		projectKey:   projectKey,
	}
}

// Result summarizes a successful run.
type Result struct {
	Reference    string
	Image        string
	TestName     string
	Source       provenance.ResolvedSource
	ReportPath   string
	Files        int
	Unresolvable []string
	Duration     time.Duration
}

// Run processes one coverage artifact inside workDir. The workspace layout
// is bundle/, src/ and report/; the caller owns creation and cleanup of
// workDir itself.
func (p *Pipeline) Run(ctx context.Context, reference, workDir string) (*Result, error) {
	started := time.Now()

	// 1. Fetch the coverage bundle
	bundleDir := filepath.Join(workDir, "bundle")
	fetched, err := p.fetcher.Fetch(ctx, reference, bundleDir)
	if err != nil {
		return nil, &StepError{Step: StepFetch, Err: err}
	}

	// 2. Resolve the source location from the image's build attestation
	source, err := p.resolver.Resolve(ctx, fetched.Manifest.Container.Image)
	if err != nil {
		return nil, &StepError{Step: StepResolve, Err: err}
	}
	log.Printf("Resolved source: %s@%s", source.RepositoryURL, source.CommitSHA)

	// 3. Materialize the source tree at the exact commit
	srcDir := filepath.Join(workDir, "src")
	tree, err := p.materializer.Materialize(ctx, source.RepositoryURL, source.CommitSHA, srcDir)
	if err != nil {
		return nil, &StepError{Step: StepMaterialize, Err: err}
	}

	// 4. Remap the coverage onto the source tree
	reportDir := filepath.Join(workDir, "report")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, &StepError{Step: StepRemap, Err: fmt.Errorf("failed to create report directory: %w", err)}
	}
	reportPath := filepath.Join(reportDir, "coverage.txt")
	report, err := p.remapper.Remap(ctx, bundleDir, tree.Root, reportPath)
	if err != nil {
		return nil, &StepError{Step: StepRemap, Err: err}
	}

	// 5. Upload, tagged with the resolved commit
	cred, err := p.creds.Credential(ctx)
	if err != nil {
		return nil, &StepError{Step: StepUpload, Err: err}
	}
	uploadReq := upload.Request{
		ReportPath:  report.Path,
		ProjectKey:  p.projectKey,
		SCMRevision: source.CommitSHA,
	}
	if err := p.uploader.Upload(ctx, cred, uploadReq); err != nil {
		return nil, &StepError{Step: StepUpload, Err: err}
	}

	return &Result{
		Reference:    reference,
		Image:        fetched.Manifest.Container.Image,
		TestName:     fetched.Manifest.TestName,
		Source:       source,
		ReportPath:   report.Path,
		Files:        report.Files,
		Unresolvable: report.Unresolvable,
		Duration:     time.Since(started),
	}, nil
}
