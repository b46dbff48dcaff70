package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"envy/internal/recipespec"
)

// HTTPFetcher retrieves SourceRemote descriptors over HTTPS, with
// automatic retry on transient failures and SHA-256 digest verification
// against the source descriptor's expected value.
type HTTPFetcher struct {
	client *retryablehttp.Client
}

// NewHTTPFetcher builds an HTTPFetcher with retryablehttp's default
// exponential backoff policy, logging suppressed (the engine's own
// logging categories cover fetch activity instead).
func NewHTTPFetcher() *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.Logger = nil
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source recipespec.SourceSpec, destDir string) (Result, error) {
	if source.Kind != recipespec.SourceRemote {
		return Result{}, fmt.Errorf("fetch: HTTPFetcher given source kind %s", source.Kind)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: build request for %s: %w", source.URL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: GET %s: %w", source.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch: GET %s: status %d", source.URL, resp.StatusCode)
	}

	filename := source.Filename
	if filename == "" {
		filename = filepath.Base(source.URL)
	}
	tmpPath := filepath.Join(destDir, filename)

	out, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: create %s: %w", tmpPath, err)
	}
	defer out.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), resp.Body); err != nil {
		return Result{}, fmt.Errorf("fetch: write %s: %w", tmpPath, err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	if source.SHA256 != "" && digest != source.SHA256 {
		return Result{TmpPath: tmpPath, Digest: digest}, &DigestMismatchError{
			URL:      source.URL,
			Expected: source.SHA256,
			Actual:   digest,
		}
	}

	return Result{TmpPath: tmpPath, Digest: digest}, nil
}

// DigestMismatchError reports a downloaded artifact whose SHA-256 does not
// match the source descriptor's expected value. The engine wraps this as
// its own DigestMismatchError with recipe-key context.
type DigestMismatchError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("fetch: %s: expected sha256 %s, got %s", e.URL, e.Expected, e.Actual)
}
