// Package key implements envy's canonical recipe identity key: parsing,
// canonical rendering, and query matching.
package key

import (
	"fmt"
	"sort"
	"strings"

	"envy/internal/recipespec"
)

// escaper backslash-escapes the four characters that are structurally
// significant in the canonical option-table rendering: '{', '}', '=', ','.
var escaper = strings.NewReplacer(
	`\`, `\\`,
	`{`, `\{`,
	`}`, `\}`,
	`=`, `\=`,
	`,`, `\,`,
)

func escape(s string) string { return escaper.Replace(s) }

// Key is a recipe's canonical identity: a deterministic string of the form
// `<namespace>.<name>@<revision>{k=v,k=v,...}` with options sorted
// lexicographically by key. Two recipe specs collide if and only if their
// canonical strings are equal.
type Key struct {
	namespace string
	name      string
	revision  string

	canonical string
	identity  string
}

// Namespace returns the key's namespace substring.
func (k Key) Namespace() string { return k.namespace }

// Name returns the key's bare name substring.
func (k Key) Name() string { return k.name }

// Revision returns the key's revision substring.
func (k Key) Revision() string { return k.revision }

// Identity returns `namespace.name@revision`, without the option table.
func (k Key) Identity() string { return k.identity }

// Canonical returns the full canonical string, including the sorted,
// escaped option table. This is what equality and hashing are defined over.
func (k Key) Canonical() string { return k.canonical }

// String implements fmt.Stringer as the canonical form.
func (k Key) String() string { return k.canonical }

// Equal reports whether two keys have identical canonical strings.
func (k Key) Equal(other Key) bool { return k.canonical == other.canonical }

// From validates spec's namespace/name/revision shape and renders the
// canonical key. Failure returns an *InvalidIdentityError.
func From(spec recipespec.RecipeSpec) (Key, error) {
	if spec.Namespace == "" {
		return Key{}, &InvalidIdentityError{Reason: "empty namespace"}
	}
	if spec.Name == "" {
		return Key{}, &InvalidIdentityError{Reason: "empty name"}
	}
	if spec.Revision == "" {
		return Key{}, &InvalidIdentityError{Reason: "empty revision"}
	}
	if strings.ContainsAny(spec.Namespace, ".@{}") {
		return Key{}, &InvalidIdentityError{Reason: fmt.Sprintf("namespace %q contains reserved characters", spec.Namespace)}
	}
	if strings.ContainsAny(spec.Name, ".@{}") {
		return Key{}, &InvalidIdentityError{Reason: fmt.Sprintf("name %q contains reserved characters", spec.Name)}
	}

	identity := spec.Namespace + "." + spec.Name + "@" + spec.Revision

	k := Key{
		namespace: spec.Namespace,
		name:      spec.Name,
		revision:  spec.Revision,
		identity:  identity,
	}
	k.canonical = identity + renderOptions(spec.Options)
	return k, nil
}

// renderOptions renders a recipe's option map as `{k=v,k=v,...}` with keys
// sorted lexicographically and reserved characters in keys/values escaped.
// Nested tables render their values via fmt's default formatting, which is
// deterministic for the scalar/map/slice shapes the out-of-scope parser
// produces.
func renderOptions(opts map[string]recipespec.OptionValue) string {
	if len(opts) == 0 {
		return "{}"
	}
	names := make([]string, 0, len(opts))
	for k := range opts {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(escape(name))
		b.WriteByte('=')
		b.WriteString(escape(renderValue(opts[name])))
	}
	b.WriteByte('}')
	return b.String()
}

func renderValue(v recipespec.OptionValue) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Matches reports whether query succeeds against k: a query succeeds
// when it equals the full canonical string, the identity, `namespace.name`,
// or the bare name.
func (k Key) Matches(query string) bool {
	switch query {
	case k.canonical, k.identity, k.namespace+"."+k.name, k.name:
		return true
	default:
		return false
	}
}

// InvalidIdentityError reports a recipe spec whose namespace/name/revision
// does not fit the `<namespace>.<name>@<revision>` shape.
type InvalidIdentityError struct {
	Reason string
}

func (e *InvalidIdentityError) Error() string {
	return fmt.Sprintf("key: invalid identity: %s", e.Reason)
}
