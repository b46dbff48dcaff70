package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"envy/internal/recipespec"
)

// LocalFetcher "fetches" a SourceLocal descriptor by copying it into the
// recipe's tmp/ directory, so downstream phases treat local and remote
// sources uniformly.
type LocalFetcher struct{}

func NewLocalFetcher() *LocalFetcher { return &LocalFetcher{} }

func (f *LocalFetcher) Fetch(_ context.Context, source recipespec.SourceSpec, destDir string) (Result, error) {
	if source.Kind != recipespec.SourceLocal {
		return Result{}, fmt.Errorf("fetch: LocalFetcher given source kind %s", source.Kind)
	}

	info, err := os.Stat(source.Path)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: stat %s: %w", source.Path, err)
	}
	if info.IsDir() {
		dest := filepath.Join(destDir, filepath.Base(source.Path))
		if err := copyTree(source.Path, dest); err != nil {
			return Result{}, fmt.Errorf("fetch: copy %s: %w", source.Path, err)
		}
		return Result{TmpPath: dest}, nil
	}

	dest := filepath.Join(destDir, filepath.Base(source.Path))
	in, err := os.Open(source.Path)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: open %s: %w", source.Path, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return Result{}, fmt.Errorf("fetch: copy %s: %w", source.Path, err)
	}

	return Result{TmpPath: dest}, nil
}

// copyTree recursively copies srcDir into destDir, preserving file modes
// and symlinks. Used instead of handing back the source directory's own
// path, since phaseFetch's subsequent move would otherwise rename the
// recipe's original source directory into the cache on same-filesystem
// runs.
func copyTree(srcDir, destDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, 0o755)
		default:
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
			if err != nil {
				return err
			}
			defer out.Close()
			_, err = io.Copy(out, in)
			return err
		}
	})
}
