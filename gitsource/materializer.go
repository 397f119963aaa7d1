// Package gitsource materializes a resolved source revision on disk.
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"log"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrRepositoryUnreachable indicates the repository could not be cloned.
	ErrRepositoryUnreachable = errors.New("repository unreachable")

	// ErrCommitNotFound indicates the resolved commit is absent from the
	// cloned history.
	ErrCommitNotFound = errors.New("commit not found in repository")
)

// MaterializedTree is a checked-out repository at an exact commit.
// Read-only once produced; it lives inside the run's scratch workspace and is
// destroyed with it.
type MaterializedTree struct {
	Root      string
	CommitSHA string
}

// Materializer clones repositories into scratch space.
type Materializer struct{}

// NewMaterializer creates a new source materializer.
func NewMaterializer() *Materializer {
	return &Materializer{}
}

// Materialize clones repositoryURL into destDir and checks out commitSHA
// exactly. A full clone is used so any reachable commit can be checked out.
// No partial or best-effort checkout: downstream path remapping assumes a
// complete tree.
func (m *Materializer) Materialize(ctx context.Context, repositoryURL, commitSHA, destDir string) (*MaterializedTree, error) {
	log.Printf("Cloning %s into %s", repositoryURL, destDir)

	repo, err := git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{
		URL: repositoryURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: clone of %s failed: %v", ErrRepositoryUnreachable, repositoryURL, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}

	hash := plumbing.NewHash(commitSHA)
	if _, err := repo.CommitObject(hash); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s not in %s", ErrCommitNotFound, commitSHA, repositoryURL)
		}
		return nil, fmt.Errorf("failed to look up commit %s: %w", commitSHA, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Hash: hash}); err != nil {
		return nil, fmt.Errorf("failed to check out %s: %w", commitSHA, err)
	}

	log.Printf("Checked out %s at %s", repositoryURL, commitSHA)

	return &MaterializedTree{Root: destDir, CommitSHA: commitSHA}, nil
}
