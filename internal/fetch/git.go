package fetch

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"envy/internal/recipespec"
)

// GitFetcher retrieves SourceGit descriptors by cloning the ref into the
// recipe's tmp/ directory at the requested commit or tag.
type GitFetcher struct{}

func NewGitFetcher() *GitFetcher { return &GitFetcher{} }

func (f *GitFetcher) Fetch(ctx context.Context, source recipespec.SourceSpec, destDir string) (Result, error) {
	if source.Kind != recipespec.SourceGit {
		return Result{}, fmt.Errorf("fetch: GitFetcher given source kind %s", source.Kind)
	}

	checkoutDir := filepath.Join(destDir, "src")

	repo, err := git.PlainCloneContext(ctx, checkoutDir, false, &git.CloneOptions{
		URL:          source.GitURL,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.AllTags,
	})
	if err != nil {
		return Result{}, fmt.Errorf("fetch: clone %s: %w", source.GitURL, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return Result{}, fmt.Errorf("fetch: worktree for %s: %w", source.GitURL, err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(source.Ref)}); err != nil {
		if err := wt.Checkout(&git.CheckoutOptions{
			Branch: plumbing.NewTagReferenceName(source.Ref),
		}); err != nil {
			return Result{}, fmt.Errorf("fetch: checkout %s@%s: %w", source.GitURL, source.Ref, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return Result{}, fmt.Errorf("fetch: resolve HEAD for %s: %w", source.GitURL, err)
	}

	return Result{TmpPath: checkoutDir, Digest: head.Hash().String()}, nil
}
