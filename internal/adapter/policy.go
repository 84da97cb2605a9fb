package adapter

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Policy rejects concrete commands matching any deny pattern. Patterns are globs over
// the audit string, e.g. "rm -rf /" or "* /etc/shadow*".
type Policy struct {
	patterns []string
	globs    []glob.Glob
}

// NewPolicy compiles the deny patterns.
func NewPolicy(deny []string) (*Policy, error) {
	p := &Policy{}
	for _, pat := range deny {
		if pat == "" {
			continue
		}
		g, err := glob.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", pat, err)
		}
		p.patterns = append(p.patterns, pat)
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// Denied returns the first pattern matching command.
func (p *Policy) Denied(command string) (string, bool) {
	if p == nil {
		return "", false
	}
	for i, g := range p.globs {
		if g.Match(command) {
			return p.patterns[i], true
		}
	}
	return "", false
}
