// Package platform identifies the host environment: operating system family,
// architecture, package manager, init system and the platform-only extensions that
// are actually usable on this machine.
package platform

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
)

// Probe is the read-only view of the host used by Detect.
type Probe struct {
	GOOS          string
	GOARCH        string
	ReadFile      func(path string) ([]byte, error)
	Getenv        func(key string) string
	LookPath      func(file string) (string, error)
	Exists        func(path string) bool
	KernelRelease func() string
}

// DefaultProbe inspects the real host.
func DefaultProbe() Probe {
	return Probe{
		GOOS:     runtime.GOOS,
		GOARCH:   runtime.GOARCH,
		ReadFile: os.ReadFile,
		Getenv:   os.Getenv,
		LookPath: exec.LookPath,
		Exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		KernelRelease: kernelRelease,
	}
}

// Detect builds the environment descriptor. An empty environmentID is replaced with a
// generated one. Unknown operating systems or architectures return
// errdefs.ErrUnrecognizedPlatform; callers treat that as fatal.
func Detect(p Probe, environmentID string) (*Descriptor, error) {
	p = p.withDefaults()

	plat, err := detectPlatform(p)
	if err != nil {
		return nil, err
	}
	arch, err := detectArch(p.GOARCH)
	if err != nil {
		return nil, err
	}
	if environmentID == "" {
		environmentID = "ladapter-" + uuid.New().String()
	}

	d := &Descriptor{
		EnvironmentID:  environmentID,
		Platform:       plat,
		Architecture:   arch,
		PackageManager: detectPackageManager(p, plat),
		InitSystem:     detectInitSystem(p, plat),
		KernelRelease:  p.KernelRelease(),
		Capabilities:   NewCapabilitySet(),
	}
	if d.PackageManager != "" {
		d.Capabilities.Add(CapPackageManager)
	}
	if d.InitSystem != "" {
		d.Capabilities.Add(CapServiceControl)
	}
	d.Capabilities.Add(DiscoverExtensions(p, plat)...)

	log.Info().
		Str("environment_id", d.EnvironmentID).
		Str("platform", string(d.Platform)).
		Str("arch", string(d.Architecture)).
		Str("package_manager", d.PackageManager).
		Str("init_system", d.InitSystem).
		Msg("Detected platform")
	return d, nil
}

func (p Probe) withDefaults() Probe {
	if p.ReadFile == nil {
		p.ReadFile = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	}
	if p.Getenv == nil {
		p.Getenv = func(string) string { return "" }
	}
	if p.LookPath == nil {
		p.LookPath = func(f string) (string, error) { return "", exec.ErrNotFound }
	}
	if p.Exists == nil {
		p.Exists = func(string) bool { return false }
	}
	if p.KernelRelease == nil {
		p.KernelRelease = func() string { return "" }
	}
	return p
}

func detectPlatform(p Probe) (Platform, error) {
	switch p.GOOS {
	case "darwin":
		return MacOS, nil
	case "windows":
		return Windows, nil
	case "linux":
		if isWSL(p) {
			return WSL, nil
		}
		return Linux, nil
	}
	return "", errdefs.New(errdefs.ErrUnrecognizedPlatform, "detect", "", p.GOOS, nil)
}

func isWSL(p Probe) bool {
	if p.Getenv("WSL_DISTRO_NAME") != "" {
		return true
	}
	if mentionsWSL(p.KernelRelease()) {
		return true
	}
	for _, path := range []string{"/proc/version", "/proc/sys/kernel/osrelease"} {
		if data, err := p.ReadFile(path); err == nil && mentionsWSL(string(data)) {
			return true
		}
	}
	return false
}

func mentionsWSL(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "microsoft") || strings.Contains(s, "wsl")
}

func detectArch(goarch string) (Architecture, error) {
	switch goarch {
	case "amd64":
		return X64, nil
	case "arm64":
		return ARM64, nil
	}
	return "", errdefs.New(errdefs.ErrUnrecognizedPlatform, "detect", "", goarch,
		fmt.Errorf("unsupported architecture"))
}

// packageManagers lists candidates in preference order per platform.
var packageManagers = map[Platform][]string{
	Linux:   {"apt-get", "dnf", "yum", "pacman", "zypper", "apk"},
	WSL:     {"apt-get", "dnf", "yum", "pacman", "zypper", "apk"},
	MacOS:   {"brew"},
	Windows: {"winget", "choco"},
}

func detectPackageManager(p Probe, plat Platform) string {
	for _, pm := range packageManagers[plat] {
		if _, err := p.LookPath(pm); err == nil {
			return pm
		}
	}
	return ""
}

func detectInitSystem(p Probe, plat Platform) string {
	switch plat {
	case Linux, WSL:
		if p.Exists("/run/systemd/system") {
			return "systemd"
		}
	case MacOS:
		if _, err := p.LookPath("launchctl"); err == nil {
			return "launchd"
		}
	case Windows:
		if _, err := p.LookPath("sc.exe"); err == nil {
			return "scm"
		}
	}
	return ""
}

// DiscoverExtensions returns the platform-only extensions usable on this host.
// The engine may call it again later to grow the capability set.
func DiscoverExtensions(p Probe, plat Platform) []string {
	p = p.withDefaults()
	onPath := func(bin string) bool {
		_, err := p.LookPath(bin)
		return err == nil
	}
	var ext []string
	switch plat {
	case MacOS:
		if onPath("codesign") {
			ext = append(ext, "codesign")
		}
		if onPath("mdfind") {
			ext = append(ext, "spotlight_search")
		}
	case Windows:
		if onPath("reg.exe") {
			ext = append(ext, "registry_read")
		}
		if onPath("wsl.exe") {
			ext = append(ext, "wsl_exec")
		}
	case Linux, WSL:
		if p.Exists("/run/systemd/system") {
			ext = append(ext, "systemd_enable", "systemd_disable")
		}
		if onPath("docker") {
			ext = append(ext, "docker_ps")
		}
		if plat == WSL {
			if p.Exists("/mnt/c") {
				ext = append(ext, "path_bridge")
			}
			if onPath("cmd.exe") {
				ext = append(ext, "windows_exec")
			}
		}
	}
	return ext
}
