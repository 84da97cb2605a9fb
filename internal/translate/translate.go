// Package translate maps abstract verbs and extension names to the concrete
// command each platform runs. Nothing here executes a process.
package translate

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/platform"
)

// Command is a concrete, platform-specific invocation.
type Command struct {
	Name string
	Args []string
	// Builtin commands only exist inside the platform shell (cmd.exe builtins such as
	// dir or copy) and must be run through it.
	Builtin bool
}

// String renders the audit form of the command, e.g. "ls /tmp".
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"'") {
		return strconv.Quote(s)
	}
	return s
}

// rule describes how one verb or extension is rendered on a platform.
type rule struct {
	min, max int // max < 0 means unbounded
	requires string
	build    func(args []string, pm string) (Command, error)
}

func (r rule) arityOK(n int) bool {
	return n >= r.min && (r.max < 0 || n <= r.max)
}

// Translator renders verbs for one platform and package manager.
type Translator struct {
	platform       platform.Platform
	packageManager string
}

// New returns a translator bound to the host platform.
func New(p platform.Platform, packageManager string) *Translator {
	return &Translator{platform: p, packageManager: packageManager}
}

// Platform returns the platform this translator renders for.
func (t *Translator) Platform() platform.Platform { return t.platform }

// Translate renders a core verb.
func (t *Translator) Translate(verb string, args []string) (Command, error) {
	return TranslateFor(verb, args, t.platform, t.packageManager)
}

// Extension renders a platform-only extension.
func (t *Translator) Extension(name string, args []string) (Command, error) {
	return ExtensionFor(name, args, t.platform)
}

// TranslateFor is the pure form of Translate: the same inputs always yield the same
// command. Verbs missing from the platform table fail with ErrUnsupportedVerb.
func TranslateFor(verb string, args []string, p platform.Platform, pm string) (Command, error) {
	r, ok := verbTables[p][verb]
	if !ok {
		return Command{}, errdefs.New(errdefs.ErrUnsupportedVerb, "translate", verb, string(p), nil)
	}
	return render(r, "translate", verb, args, p, pm)
}

// ExtensionFor renders an extension. Extensions the platform has no table entry for
// fail with ErrCapabilityNotSupported.
func ExtensionFor(name string, args []string, p platform.Platform) (Command, error) {
	r, ok := extensionTables[p][name]
	if !ok {
		return Command{}, errdefs.New(errdefs.ErrCapabilityNotSupported, "extension", name, string(p), nil)
	}
	return render(r, "extension", name, args, p, "")
}

func render(r rule, op, name string, args []string, p platform.Platform, pm string) (Command, error) {
	if !r.arityOK(len(args)) {
		return Command{}, errdefs.New(errdefs.ErrInvalidArgs, op, name, string(p),
			fmt.Errorf("got %d args, want %s", len(args), arity(r)))
	}
	for i, a := range args {
		if strings.TrimSpace(a) == "" {
			return Command{}, errdefs.New(errdefs.ErrInvalidArgs, op, name, string(p),
				fmt.Errorf("arg %d is empty", i))
		}
	}
	cmd, err := r.build(append([]string(nil), args...), pm)
	if err != nil {
		var e *errdefs.Error
		if errors.As(err, &e) {
			e.Op, e.Verb, e.Platform = op, name, string(p)
			return Command{}, e
		}
		return Command{}, errdefs.New(errdefs.ErrInvalidArgs, op, name, string(p), err)
	}
	return cmd, nil
}

func arity(r rule) string {
	switch {
	case r.max < 0:
		return fmt.Sprintf("at least %d", r.min)
	case r.min == r.max:
		return strconv.Itoa(r.min)
	default:
		return fmt.Sprintf("%d to %d", r.min, r.max)
	}
}

// RequiredCapability returns the capability marker a verb depends on, or "" when the
// verb only needs the platform table entry.
func RequiredCapability(p platform.Platform, verb string) string {
	return verbTables[p][verb].requires
}

// Verbs lists the core verbs supported on p, sorted.
func Verbs(p platform.Platform) []string { return keys(verbTables[p]) }

// Extensions lists the extensions known on p, sorted.
func Extensions(p platform.Platform) []string { return keys(extensionTables[p]) }

func keys(m map[string]rule) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
