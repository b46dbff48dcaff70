package scripting

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"envy/internal/recipespec"
)

// callTimeout bounds a single hook invocation.
const callTimeout = 5 * time.Minute

// ScriptDep is the yaegi-visible shape of one declared dependency. Recipe
// scripts build a []envy.Dep for the top-level Dependencies var.
// This reference adapter only supports bare and weak-by-query dependency
// declarations; a strong dependency with a fully inline child RecipeSpec
// is expressible through the engine's Go API but not yet through this
// scripting surface, since that would require exposing SourceSpec's full
// tagged union to interpreted code.
type ScriptDep struct {
	Query                     string
	Weak                      bool
	Product                   string
	NeededBy                  string
	AllowProgrammaticProvider bool
}

// Binder is the single package-level value recipe scripts call through
// (`envy.B.Package(...)`, etc). YaegiHandle rebinds its current field to
// the live Bindings immediately before invoking each hook, since the
// Bindings implementation differs per phase-function call but the
// interpreter instance is fixed for the script's lifetime.
type Binder struct {
	current Bindings
}

func (b *Binder) Package(identity string) (string, error)  { return b.current.Package(identity) }
func (b *Binder) Asset(identity string) (string, error)    { return b.current.Asset(identity) }
func (b *Binder) Product(name string) (string, error)      { return b.current.Product(name) }
func (b *Binder) Template(text string, vars map[string]string) (string, error) {
	return b.current.Template(text, vars)
}
func (b *Binder) CommitFetch(tmpName, declaredFilename string) error {
	return b.current.CommitFetch(tmpName, declaredFilename)
}
func (b *Binder) Run(script string, opts RunOptions) (RunResult, error) {
	return b.current.Run(script, opts)
}
func (b *Binder) Fetch(url, sha256 string) (string, error) { return b.current.Fetch(url, sha256) }
func (b *Binder) VerifyHash(tmpName, sha256 string) error  { return b.current.VerifyHash(tmpName, sha256) }
func (b *Binder) Extract(archiveName, destRelative string, strip int) error {
	return b.current.Extract(archiveName, destRelative, strip)
}
func (b *Binder) ExtractAll(destRelative string) error { return b.current.ExtractAll(destRelative) }
func (b *Binder) Copy(src, dst string) error           { return b.current.Copy(src, dst) }
func (b *Binder) Move(src, dst string) error           { return b.current.Move(src, dst) }
func (b *Binder) Remove(path string) error             { return b.current.Remove(path) }
func (b *Binder) Exists(path string) bool              { return b.current.Exists(path) }
func (b *Binder) IsFile(path string) bool              { return b.current.IsFile(path) }
func (b *Binder) IsDir(path string) bool               { return b.current.IsDir(path) }

// Path is the package-level value behind `envy.Path.*`: pure string
// helpers over archive/install-tree paths, needing no Bindings
// delegation since they touch no engine state.
type Path struct{}

func (Path) Join(elems ...string) string  { return filepath.Join(elems...) }
func (Path) Basename(p string) string     { return filepath.Base(p) }
func (Path) Dirname(p string) string      { return filepath.Dir(p) }
func (Path) Extension(p string) string    { return filepath.Ext(p) }
func (Path) Stem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// YaegiHandle is the default Handle adapter, interpreting recipe scripts
// with traefik/yaegi instead of compiling them: no toolchain, no
// compilation hangs, no version-mismatch crashes, just an in-process
// interpreter.
type YaegiHandle struct {
	interp *interp.Interpreter
	binder *Binder
	source []byte
	decls  *Declarations
}

// NewYaegiHandle constructs an unloaded handle; call Load before any Call*
// method.
func NewYaegiHandle() *YaegiHandle {
	return &YaegiHandle{binder: &Binder{}}
}

// NewYaegiFactory returns a Factory producing fresh YaegiHandles, for
// wiring into the engine as its default scripting.Factory.
func NewYaegiFactory() Factory {
	return func() Handle { return NewYaegiHandle() }
}

func (h *YaegiHandle) ScriptBytes() []byte { return h.source }

// Load compiles source in a fresh yaegi interpreter, exposes the envy
// binder package, and reads the script's top-level declarations.
func (h *YaegiHandle) Load(source []byte) (*Declarations, error) {
	h.source = append([]byte(nil), source...)

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("scripting: load stdlib symbols: %w", err)
	}
	if err := i.Use(envySymbols(h.binder)); err != nil {
		return nil, fmt.Errorf("scripting: load envy symbols: %w", err)
	}
	h.interp = i

	if _, err := i.Eval(wrapAsMain(string(source))); err != nil {
		return nil, fmt.Errorf("scripting: compile recipe script: %w", err)
	}

	decls := &Declarations{}

	if v, err := i.Eval("main.Identity"); err == nil {
		if s, ok := v.Interface().(string); ok {
			decls.Identity = s
		}
	}
	if v, err := i.Eval("main.Alias"); err == nil {
		if s, ok := v.Interface().(string); ok {
			decls.Alias = s
		}
	}
	if v, err := i.Eval("main.Dependencies"); err == nil {
		if deps, ok := v.Interface().([]ScriptDep); ok {
			converted, err := convertDeps(deps)
			if err != nil {
				return nil, err
			}
			decls.Dependencies = converted
		}
	}
	if v, err := i.Eval("main.Products"); err == nil {
		if m, ok := v.Interface().(map[string]string); ok {
			decls.Products = m
		}
	}
	if _, err := i.Eval("main.ProductsFn"); err == nil {
		decls.HasProductsCallback = true
	}

	decls.HasValidate = h.hasFunc("main.Validate")
	decls.HasCheck = h.hasFunc("main.Check")
	decls.HasFetch = h.hasFunc("main.Fetch")
	decls.HasStage = h.hasFunc("main.Stage")
	decls.HasBuild = h.hasFunc("main.Build")
	decls.HasInstall = h.hasFunc("main.Install")

	h.decls = decls
	return decls, nil
}

func (h *YaegiHandle) hasFunc(name string) bool {
	_, err := h.interp.Eval(name)
	return err == nil
}

func convertDeps(deps []ScriptDep) ([]recipespec.DependencySpec, error) {
	out := make([]recipespec.DependencySpec, 0, len(deps))
	for _, d := range deps {
		spec := recipespec.DependencySpec{
			Query:                     d.Query,
			Weak:                      d.Weak,
			Product:                   d.Product,
			AllowProgrammaticProvider: d.AllowProgrammaticProvider,
		}
		if d.NeededBy != "" {
			phase, err := recipespec.ParsePhase(d.NeededBy)
			if err != nil {
				return nil, fmt.Errorf("scripting: dependency %q: %w", d.Query, err)
			}
			spec.NeededBy = phase
		}
		spec.Normalize()
		out = append(out, spec)
	}
	return out, nil
}

// CallValidate invokes the optional Validate(map[string]string) error hook.
// Recipe options are stringified for the interpreted script surface; the
// engine's own option handling elsewhere is not constrained to strings.
func (h *YaegiHandle) CallValidate(options map[string]recipespec.OptionValue) error {
	if !h.decls.HasValidate {
		return nil
	}
	strOpts := make(map[string]string, len(options))
	for k, v := range options {
		strOpts[k] = fmt.Sprintf("%v", v)
	}
	fn, err := h.funcValue("main.Validate")
	if err != nil {
		return err
	}
	f, ok := fn.Interface().(func(map[string]string) error)
	if !ok {
		return fmt.Errorf("scripting: Validate has wrong signature (want func(map[string]string) error)")
	}
	return h.invoke(func() error { return f(strOpts) })
}

func (h *YaegiHandle) CallCheck(b Bindings) (bool, error) {
	if !h.decls.HasCheck {
		return false, nil
	}
	h.binder.current = b
	fn, err := h.funcValue("main.Check")
	if err != nil {
		return false, err
	}
	f, ok := fn.Interface().(func() (bool, error))
	if !ok {
		return false, fmt.Errorf("scripting: Check has wrong signature (want func() (bool, error))")
	}
	var satisfied bool
	err = h.invoke(func() error {
		var e error
		satisfied, e = f()
		return e
	})
	return satisfied, err
}

func (h *YaegiHandle) callVoidHook(name string, b Bindings) error {
	fn, err := h.funcValue(name)
	if err != nil {
		return err
	}
	f, ok := fn.Interface().(func() error)
	if !ok {
		return fmt.Errorf("scripting: %s has wrong signature (want func() error)", name)
	}
	h.binder.current = b
	return h.invoke(f)
}

func (h *YaegiHandle) CallFetch(b Bindings) error {
	if !h.decls.HasFetch {
		return nil
	}
	return h.callVoidHook("main.Fetch", b)
}

func (h *YaegiHandle) CallStage(b Bindings) error {
	if !h.decls.HasStage {
		return nil
	}
	return h.callVoidHook("main.Stage", b)
}

func (h *YaegiHandle) CallBuild(b Bindings) error {
	if !h.decls.HasBuild {
		return nil
	}
	return h.callVoidHook("main.Build", b)
}

func (h *YaegiHandle) CallInstall(b Bindings) error {
	if !h.decls.HasInstall {
		return nil
	}
	return h.callVoidHook("main.Install", b)
}

func (h *YaegiHandle) CallProducts(b Bindings) (map[string]string, error) {
	if !h.decls.HasProductsCallback {
		return h.decls.Products, nil
	}
	h.binder.current = b
	fn, err := h.funcValue("main.ProductsFn")
	if err != nil {
		return nil, err
	}
	f, ok := fn.Interface().(func() map[string]string)
	if !ok {
		return nil, fmt.Errorf("scripting: ProductsFn has wrong signature (want func() map[string]string)")
	}
	var result map[string]string
	err = h.invoke(func() error { result = f(); return nil })
	return result, err
}

// invoke runs fn on a goroutine and enforces callTimeout via a
// select-on-channels-or-ctx-done pattern.
func (h *YaegiHandle) invoke(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("scripting: hook timed out: %w", ctx.Err())
	}
}

func (h *YaegiHandle) funcValue(name string) (reflect.Value, error) {
	v, err := h.interp.Eval(name)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("scripting: %s not found: %w", name, err)
	}
	return v, nil
}

func wrapAsMain(code string) string {
	return "package main\n\n" + code
}

func envySymbols(binder *Binder) interp.Exports {
	return interp.Exports{
		"envy/envy": {
			"B":          reflect.ValueOf(binder),
			"Dep":        reflect.ValueOf((*ScriptDep)(nil)),
			"RunOptions": reflect.ValueOf((*RunOptions)(nil)),
			"RunResult":  reflect.ValueOf((*RunResult)(nil)),
			// Path is the value behind `envy.Path.*`: recipe scripts call
			// envy.Path.Join(...), envy.Path.Basename(...), etc.
			"Path": reflect.ValueOf(Path{}),
		},
	}
}
