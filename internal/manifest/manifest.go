// Package manifest reads a recipe's on-disk TOML description into a
// recipespec.RecipeSpec. It is a minimal stand-in for the out-of-scope
// production parser: it exists so cmd/envy has a concrete file format to
// load rather than building RecipeSpec values by hand, and it only supports
// the subset a demo recipe needs.
// Strong dependencies (an inline child RecipeSpec under Source) are not
// representable here, the same limitation internal/scripting.ScriptDep
// documents for its own surface — only bare and weak-with-fallback
// dependency queries round-trip through TOML.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"envy/internal/key"
	"envy/internal/recipespec"
)

// sourceTOML is the [source] or [dependencies.fallback] table shape.
type sourceTOML struct {
	Kind     string `toml:"kind"` // "local", "remote", "git", or "" (no source)
	Path     string `toml:"path,omitempty"`
	URL      string `toml:"url,omitempty"`
	SHA256   string `toml:"sha256,omitempty"`
	Filename string `toml:"filename,omitempty"`
	GitURL   string `toml:"git_url,omitempty"`
	Ref      string `toml:"ref,omitempty"`
	Strip    *int   `toml:"strip,omitempty"` // leading path components phase 3 strips; unset means recipespec.DefaultStripComponents
}

func (s sourceTOML) resolve(baseDir string) (recipespec.SourceSpec, error) {
	switch s.Kind {
	case "", "none":
		return recipespec.SourceSpec{}, nil
	case "local":
		path := s.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return recipespec.SourceSpec{}, fmt.Errorf("manifest: stat local source %s: %w", path, err)
		}
		return recipespec.SourceSpec{Kind: recipespec.SourceLocal, Path: path, MTimeUnixNano: info.ModTime().UnixNano(), Strip: s.Strip}, nil
	case "remote":
		return recipespec.SourceSpec{Kind: recipespec.SourceRemote, URL: s.URL, SHA256: s.SHA256, Filename: s.Filename, Strip: s.Strip}, nil
	case "git":
		return recipespec.SourceSpec{Kind: recipespec.SourceGit, GitURL: s.GitURL, Ref: s.Ref, Strip: s.Strip}, nil
	default:
		return recipespec.SourceSpec{}, fmt.Errorf("manifest: unknown source kind %q", s.Kind)
	}
}

// dependencyTOML is one [[dependencies]] table entry.
type dependencyTOML struct {
	Query                     string      `toml:"query"`
	Weak                      bool        `toml:"weak,omitempty"`
	Fallback                  *string     `toml:"fallback,omitempty"` // path to a fallback manifest, resolved recursively
	Product                   string      `toml:"product,omitempty"`
	NeededBy                  string      `toml:"needed_by,omitempty"`
	AllowProgrammaticProvider bool   `toml:"allow_programmatic_provider,omitempty"`
}

// recipeTOML is the [recipe] table: identity plus where the script lives.
type recipeTOML struct {
	Namespace string `toml:"namespace"`
	Name      string `toml:"name"`
	Revision  string `toml:"revision"`
	Alias     string `toml:"alias,omitempty"`
	Script    string `toml:"script"` // path to the script file, relative to the manifest
}

// manifestTOML is the full on-disk document shape.
type manifestTOML struct {
	Recipe       recipeTOML        `toml:"recipe"`
	Source       sourceTOML        `toml:"source"`
	Dependencies []dependencyTOML  `toml:"dependencies"`
	Options      map[string]any    `toml:"options"`
}

// Load parses the manifest at path into a recipespec.RecipeSpec, resolving
// the script path and any local [source] path relative to the manifest's
// own directory.
func Load(path string) (recipespec.RecipeSpec, error) {
	var doc manifestTOML
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return recipespec.RecipeSpec{}, fmt.Errorf("manifest: decode %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	if doc.Recipe.Namespace == "" || doc.Recipe.Name == "" || doc.Recipe.Revision == "" {
		return recipespec.RecipeSpec{}, fmt.Errorf("manifest: %s: [recipe] requires namespace, name, and revision", path)
	}
	if doc.Recipe.Script == "" {
		return recipespec.RecipeSpec{}, fmt.Errorf("manifest: %s: [recipe] requires a script path", path)
	}

	scriptPath := doc.Recipe.Script
	if !filepath.IsAbs(scriptPath) {
		scriptPath = filepath.Join(baseDir, scriptPath)
	}
	info, err := os.Stat(scriptPath)
	if err != nil {
		return recipespec.RecipeSpec{}, fmt.Errorf("manifest: stat script %s: %w", scriptPath, err)
	}

	source, err := doc.Source.resolve(baseDir)
	if err != nil {
		return recipespec.RecipeSpec{}, err
	}

	spec := recipespec.RecipeSpec{
		Namespace:    doc.Recipe.Namespace,
		Name:         doc.Recipe.Name,
		Revision:     doc.Recipe.Revision,
		Alias:        doc.Recipe.Alias,
		Options:      doc.Options,
		ScriptSource: recipespec.SourceSpec{Kind: recipespec.SourceLocal, Path: scriptPath, MTimeUnixNano: info.ModTime().UnixNano()},
		Source:       source,
	}

	for _, d := range doc.Dependencies {
		dep := recipespec.DependencySpec{
			Query:                     d.Query,
			Weak:                      d.Weak,
			Product:                   d.Product,
			AllowProgrammaticProvider: d.AllowProgrammaticProvider,
		}
		if d.NeededBy != "" {
			phase, err := recipespec.ParsePhase(d.NeededBy)
			if err != nil {
				return recipespec.RecipeSpec{}, fmt.Errorf("manifest: %s: dependency %q: %w", path, d.Query, err)
			}
			dep.NeededBy = phase
		}
		if d.Fallback != nil {
			fallbackPath := *d.Fallback
			if !filepath.IsAbs(fallbackPath) {
				fallbackPath = filepath.Join(baseDir, fallbackPath)
			}
			fallbackSpec, err := Load(fallbackPath)
			if err != nil {
				return recipespec.RecipeSpec{}, fmt.Errorf("manifest: %s: dependency %q fallback: %w", path, d.Query, err)
			}
			dep.Fallback = &fallbackSpec
		}
		dep.Normalize()
		spec.Dependencies = append(spec.Dependencies, dep)
	}

	return spec, nil
}

// Canonical returns path's recipe's canonical key without fully resolving
// its dependency graph, for quick manifest listing/display use.
func Canonical(path string) (string, error) {
	spec, err := Load(path)
	if err != nil {
		return "", err
	}
	k, err := key.From(spec)
	if err != nil {
		return "", fmt.Errorf("manifest: %s: %w", path, err)
	}
	return k.Canonical(), nil
}
