package platform

import (
	"sort"
	"sync"
)

// Platform identifies the host operating system family.
type Platform string

const (
	MacOS   Platform = "macos"
	Windows Platform = "windows"
	Linux   Platform = "linux"
	WSL     Platform = "wsl"
)

// All lists every platform the adapter knows how to drive.
var All = []Platform{MacOS, Windows, Linux, WSL}

// Parse validates a platform name.
func Parse(s string) (Platform, bool) {
	for _, p := range All {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// POSIX reports whether the platform runs POSIX userland tools.
func (p Platform) POSIX() bool { return p != Windows }

// EnvironmentType is the orchestrator-facing environment classification.
func (p Platform) EnvironmentType() string {
	switch p {
	case MacOS:
		return "mac_local"
	case Windows:
		return "windows_local"
	case WSL:
		return "wsl_local"
	default:
		return "linux_local"
	}
}

// Architecture identifies the CPU architecture.
type Architecture string

const (
	X64   Architecture = "x64"
	ARM64 Architecture = "arm64"
)

// Capability markers that gate core verbs.
const (
	CapPackageManager = "package_manager"
	CapServiceControl = "service_control"
)

// Descriptor is the environment identity produced once at startup.
// Everything except Capabilities is fixed after Detect returns.
type Descriptor struct {
	EnvironmentID  string
	Platform       Platform
	Architecture   Architecture
	PackageManager string
	InitSystem     string
	KernelRelease  string
	Capabilities   *CapabilitySet
}

// EnvironmentType returns the orchestrator-facing type of the environment.
func (d *Descriptor) EnvironmentType() string { return d.Platform.EnvironmentType() }

// CapabilitySet is a grow-only set of capability names, safe for concurrent use.
type CapabilitySet struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

// NewCapabilitySet returns a set seeded with names.
func NewCapabilitySet(names ...string) *CapabilitySet {
	s := &CapabilitySet{names: make(map[string]struct{}, len(names))}
	s.Add(names...)
	return s
}

// Add inserts names and returns how many were new.
func (s *CapabilitySet) Add(names ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := s.names[n]; !ok {
			s.names[n] = struct{}{}
			added++
		}
	}
	return added
}

// Has reports whether name is in the set.
func (s *CapabilitySet) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.names[name]
	return ok
}

// List returns the names in sorted order.
func (s *CapabilitySet) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of capabilities.
func (s *CapabilitySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names)
}
