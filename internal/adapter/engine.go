// Package adapter is the local engine: it owns the environment descriptor and the
// single active provider, gates verbs and extensions on the capability set, and runs
// translated commands.
package adapter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/platform"
	"github.com/3cpo-dev/ladapter/internal/provider"
	"github.com/3cpo-dev/ladapter/internal/translate"
)

// PlatformAuto targets the host platform.
const PlatformAuto = "auto"

// DefaultTimeout applies when neither the request nor the options set one.
const DefaultTimeout = 300 * time.Second

// Request is one command invocation.
type Request struct {
	Verb     string
	Args     []string
	Platform string // "auto", "" or an explicit platform name
	Timeout  time.Duration
	Dir      string
}

// Options configure an Engine.
type Options struct {
	DefaultTimeout time.Duration
	Deny           []string
}

// Status reports the engine's identity and activity.
type Status struct {
	EnvironmentID   string     `json:"environment_id"`
	EnvironmentType string     `json:"environment_type"`
	Platform        string     `json:"platform"`
	Architecture    string     `json:"architecture"`
	PackageManager  string     `json:"package_manager,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	Uptime          string     `json:"uptime"`
	LastCommandAt   *time.Time `json:"last_command_at,omitempty"`
	Commands        int64      `json:"commands"`
	Errors          int64      `json:"errors"`
	Capabilities    int        `json:"capabilities"`
}

// Engine executes verbs and extensions on the host. Calls are independent and may
// run concurrently.
type Engine struct {
	desc           *platform.Descriptor
	translator     *translate.Translator
	provider       provider.Provider
	policy         *Policy
	defaultTimeout time.Duration
	metrics        *Metrics
	startedAt      time.Time
	lastCommand    atomic.Int64 // unix nanos, zero when no command ran yet
}

// New builds an engine around a detected descriptor and the provider for its platform.
// Core verbs whose requirements are met are added to the capability set.
func New(desc *platform.Descriptor, prov provider.Provider, opts Options) (*Engine, error) {
	if prov.Platform() != desc.Platform {
		return nil, errdefs.New(errdefs.ErrPlatformMismatch, "engine", "", string(prov.Platform()),
			fmt.Errorf("provider does not match host platform %s", desc.Platform))
	}
	policy, err := NewPolicy(opts.Deny)
	if err != nil {
		return nil, err
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}

	for _, verb := range translate.Verbs(desc.Platform) {
		req := translate.RequiredCapability(desc.Platform, verb)
		if req == "" || desc.Capabilities.Has(req) {
			desc.Capabilities.Add(verb)
		}
	}

	return &Engine{
		desc:           desc,
		translator:     translate.New(desc.Platform, desc.PackageManager),
		provider:       prov,
		policy:         policy,
		defaultTimeout: opts.DefaultTimeout,
		metrics:        NewMetrics(),
		startedAt:      time.Now(),
	}, nil
}

// Descriptor returns the environment descriptor.
func (e *Engine) Descriptor() *platform.Descriptor { return e.desc }

// Capabilities returns the sorted capability set.
func (e *Engine) Capabilities() []string { return e.desc.Capabilities.List() }

// Rediscover re-runs extension discovery and returns how many capabilities were added.
func (e *Engine) Rediscover(p platform.Probe) int {
	n := e.desc.Capabilities.Add(platform.DiscoverExtensions(p, e.desc.Platform)...)
	if n > 0 {
		log.Info().Int("added", n).Msg("Discovered new capabilities")
	}
	return n
}

// Execute translates and runs a core verb. A timeout returns both the result and an
// error matching errdefs.ErrTimedOut.
func (e *Engine) Execute(ctx context.Context, req Request) (*provider.Result, error) {
	if err := e.checkPlatform(req.Verb, req.Platform); err != nil {
		return nil, e.fail(err)
	}
	if need := translate.RequiredCapability(e.desc.Platform, req.Verb); need != "" && !e.desc.Capabilities.Has(need) {
		return nil, e.fail(errdefs.New(errdefs.ErrCapabilityNotSupported, "execute", req.Verb, string(e.desc.Platform),
			fmt.Errorf("requires %s", need)))
	}
	cmd, err := e.translator.Translate(req.Verb, req.Args)
	if err != nil {
		return nil, e.fail(err)
	}
	return e.run(ctx, req.Verb, cmd, req.Timeout, req.Dir)
}

// InvokeExtension runs a platform-only extension. Extensions absent from the capability
// set fail with errdefs.ErrCapabilityNotSupported before anything is spawned.
func (e *Engine) InvokeExtension(ctx context.Context, name string, args []string, timeout time.Duration) (*provider.Result, error) {
	if !e.desc.Capabilities.Has(name) || isCoreVerb(e.desc.Platform, name) {
		return nil, e.fail(errdefs.New(errdefs.ErrCapabilityNotSupported, "extension", name, string(e.desc.Platform), nil))
	}
	cmd, err := e.translator.Extension(name, args)
	if err != nil {
		return nil, e.fail(err)
	}
	return e.run(ctx, name, cmd, timeout, "")
}

func isCoreVerb(p platform.Platform, name string) bool {
	for _, v := range translate.Verbs(p) {
		if v == name {
			return true
		}
	}
	return false
}

func (e *Engine) checkPlatform(verb, target string) error {
	if target == "" || target == PlatformAuto || target == string(e.desc.Platform) {
		return nil
	}
	var cause error
	if _, ok := platform.Parse(target); !ok {
		cause = fmt.Errorf("unknown platform %q", target)
	} else {
		cause = fmt.Errorf("requested %s, host is %s", target, e.desc.Platform)
	}
	return errdefs.New(errdefs.ErrPlatformMismatch, "execute", verb, string(e.desc.Platform), cause)
}

func (e *Engine) run(ctx context.Context, name string, cmd translate.Command, timeout time.Duration, dir string) (*provider.Result, error) {
	audit := cmd.String()
	if pattern, denied := e.policy.Denied(audit); denied {
		log.Warn().Str("audit", audit).Str("pattern", pattern).Msg("Command denied by policy")
		return nil, e.fail(errdefs.New(errdefs.ErrPolicyDenied, "execute", name, string(e.desc.Platform),
			fmt.Errorf("%q matches %q", audit, pattern)))
	}
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	e.lastCommand.Store(time.Now().UnixNano())
	res, err := e.provider.Execute(ctx, cmd, provider.ExecOptions{Timeout: timeout, Dir: dir})
	if res != nil {
		e.metrics.RecordRequest(time.Duration(res.DurationMS) * time.Millisecond)
	}
	if err != nil {
		e.metrics.RecordError()
	}
	return res, err
}

func (e *Engine) fail(err error) error {
	e.metrics.RecordError()
	return err
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	stats := e.metrics.Stats()
	s := Status{
		EnvironmentID:   e.desc.EnvironmentID,
		EnvironmentType: e.desc.EnvironmentType(),
		Platform:        string(e.desc.Platform),
		Architecture:    string(e.desc.Architecture),
		PackageManager:  e.desc.PackageManager,
		StartedAt:       e.startedAt,
		Uptime:          time.Since(e.startedAt).Round(time.Second).String(),
		Commands:        stats.Requests,
		Errors:          stats.Errors,
		Capabilities:    e.desc.Capabilities.Len(),
	}
	if ns := e.lastCommand.Load(); ns != 0 {
		t := time.Unix(0, ns)
		s.LastCommandAt = &t
	}
	return s
}
