// Package main implements the envy CLI: a thin cobra front end wiring
// resolve/build/status onto the engine's ResolveGraph and RunFull.
//
// This file is the entry point and global flag/logger setup: a
// PersistentPreRunE that stands up a zap logger plus the internal
// file-based logging system, and a PersistentPostRun that flushes both
// on the way out.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"envy/internal/config"
	"envy/internal/engine"
	"envy/internal/extract"
	"envy/internal/fetch"
	"envy/internal/logging"
	"envy/internal/manifest"
	"envy/internal/recipespec"
	"envy/internal/runner"
	"envy/internal/scripting"
)

var (
	verbose   bool
	workspace string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "envy",
	Short: "envy - a project-local toolchain provisioner",
	Long: `envy resolves and builds project-local toolchain recipes through a
concurrent, phase-structured, content-addressed execution engine.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		lcfg, err := config.Load(filepath.Join(ws, ".envy", "config.yaml"))
		if err != nil {
			return err
		}
		if err := logging.Initialize(ws, lcfg.Logging); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: current)")

	rootCmd.AddCommand(resolveCmd, buildCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newEngine builds an Engine wired with the default fetcher registry,
// extractor, shell runner, and project config, rooted at workspace's
// .envy/ directory.
func newEngine(ws string) (*engine.Engine, error) {
	cfg, err := config.Load(filepath.Join(ws, ".envy", "config.yaml"))
	if err != nil {
		return nil, err
	}

	cacheRoot := resolveCacheRoot(ws, cfg.Cache.RootOverride)

	trace, err := logging.NewTrace(ws, cfg.Logging.DebugMode)
	if err != nil {
		return nil, fmt.Errorf("envy: trace log: %w", err)
	}

	fetchers := fetch.NewRegistry(map[recipespec.SourceKind]fetch.Fetcher{
		recipespec.SourceLocal: fetch.NewLocalFetcher(),
		recipespec.SourceRemote: fetch.NewHTTPFetcher(),
		recipespec.SourceGit:   fetch.NewGitFetcher(),
	})

	return engine.New(cacheRoot, scripting.NewYaegiFactory(), fetchers, extract.DefaultExtractor{}, runner.DefaultRunner{}, cfg, trace)
}

// resolveCacheRoot picks the cache root per config.CacheConfig's documented
// precedence: an explicit override, then ENVY_CACHE_ROOT, then
// <workspace>/.envy/cache.
func resolveCacheRoot(ws, override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv("ENVY_CACHE_ROOT"); env != "" {
		return env
	}
	return filepath.Join(ws, ".envy", "cache")
}

func currentWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = os.Getwd()
		if err != nil {
			return "", fmt.Errorf("envy: getwd: %w", err)
		}
		return ws, nil
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", fmt.Errorf("envy: resolve workspace %q: %w", ws, err)
	}
	return abs, nil
}

func loadManifests(paths []string) ([]recipespec.RecipeSpec, error) {
	specs := make([]recipespec.RecipeSpec, len(paths))
	for i, p := range paths {
		spec, err := manifest.Load(p)
		if err != nil {
			return nil, err
		}
		specs[i] = spec
	}
	return specs, nil
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <manifest.toml>...",
	Short: "Resolve one or more recipe manifests into a dependency graph without building",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := currentWorkspace()
		if err != nil {
			return err
		}
		e, err := newEngine(ws)
		if err != nil {
			return err
		}
		defer e.Shutdown()

		specs, err := loadManifests(args)
		if err != nil {
			return err
		}
		roots, err := e.ResolveGraph(specs)
		if err != nil {
			return err
		}
		for _, r := range roots {
			fmt.Println(r.Key.Canonical())
		}
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build <manifest.toml>...",
	Short: "Resolve and build one or more recipe manifests",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := currentWorkspace()
		if err != nil {
			return err
		}
		e, err := newEngine(ws)
		if err != nil {
			return err
		}
		defer e.Shutdown()

		specs, err := loadManifests(args)
		if err != nil {
			return err
		}
		results, err := e.RunFull(specs)
		if err != nil {
			return err
		}
		for key, res := range results {
			fmt.Printf("%s\tasset=%s\tresult_hash=%s\n", key, res.AssetPath, res.ResultHash)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <manifest.toml>... -- <query>",
	Short: "Resolve a set of manifests and report the phase reached by recipes matching query",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := args[len(args)-1]
		manifestPaths := args[:len(args)-1]

		ws, err := currentWorkspace()
		if err != nil {
			return err
		}
		e, err := newEngine(ws)
		if err != nil {
			return err
		}
		defer e.Shutdown()

		specs, err := loadManifests(manifestPaths)
		if err != nil {
			return err
		}
		if _, err := e.ResolveGraph(specs); err != nil {
			return err
		}

		matches := e.FindMatches(query)
		if len(matches) == 0 {
			fmt.Printf("no recipe matches %q\n", query)
			return nil
		}
		for _, r := range matches {
			phase, ok := e.PhaseOf(r)
			if !ok {
				fmt.Printf("%s\tunknown\n", r.Key.Canonical())
				continue
			}
			fmt.Printf("%s\t%s\n", r.Key.Canonical(), phase)
		}
		return nil
	},
}
