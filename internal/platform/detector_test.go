package platform

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
)

// fakeHost builds a Probe from static tables.
func fakeHost(goos, goarch string, files map[string]string, env map[string]string, bins []string, paths []string) Probe {
	return Probe{
		GOOS:   goos,
		GOARCH: goarch,
		ReadFile: func(path string) ([]byte, error) {
			if s, ok := files[path]; ok {
				return []byte(s), nil
			}
			return nil, os.ErrNotExist
		},
		Getenv: func(k string) string { return env[k] },
		LookPath: func(f string) (string, error) {
			for _, b := range bins {
				if b == f {
					return "/usr/bin/" + f, nil
				}
			}
			return "", exec.ErrNotFound
		},
		Exists: func(p string) bool {
			for _, x := range paths {
				if x == p {
					return true
				}
			}
			return false
		},
	}
}

func TestDetectLinux(t *testing.T) {
	p := fakeHost("linux", "amd64",
		map[string]string{"/proc/version": "Linux version 6.1.0-generic"},
		nil, []string{"dnf", "docker"}, []string{"/run/systemd/system"})
	d, err := Detect(p, "env-1")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if d.Platform != Linux || d.Architecture != X64 {
		t.Fatalf("got %s/%s", d.Platform, d.Architecture)
	}
	if d.EnvironmentID != "env-1" {
		t.Fatalf("environment id %q", d.EnvironmentID)
	}
	if d.PackageManager != "dnf" || d.InitSystem != "systemd" {
		t.Fatalf("pm=%q init=%q", d.PackageManager, d.InitSystem)
	}
	for _, c := range []string{CapPackageManager, CapServiceControl, "systemd_enable", "docker_ps"} {
		if !d.Capabilities.Has(c) {
			t.Errorf("missing capability %s", c)
		}
	}
	if d.Capabilities.Has("path_bridge") {
		t.Errorf("path_bridge must be WSL only")
	}
}

func TestDetectWSLMarkers(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		env   map[string]string
	}{
		{"proc version", map[string]string{"/proc/version": "Linux version 5.15.90.1-microsoft-standard-WSL2"}, nil},
		{"osrelease", map[string]string{"/proc/sys/kernel/osrelease": "5.10.16.3-microsoft-standard"}, nil},
		{"env", nil, map[string]string{"WSL_DISTRO_NAME": "Ubuntu"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := fakeHost("linux", "arm64", tc.files, tc.env, []string{"apt-get", "cmd.exe"}, []string{"/mnt/c"})
			d, err := Detect(p, "")
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if d.Platform != WSL {
				t.Fatalf("expected wsl, got %s", d.Platform)
			}
			if !d.Capabilities.Has("path_bridge") || !d.Capabilities.Has("windows_exec") {
				t.Fatalf("missing wsl extensions: %v", d.Capabilities.List())
			}
			if !strings.HasPrefix(d.EnvironmentID, "ladapter-") {
				t.Fatalf("generated id %q", d.EnvironmentID)
			}
		})
	}
}

func TestDetectMacAndWindows(t *testing.T) {
	mac, err := Detect(fakeHost("darwin", "arm64", nil, nil, []string{"brew", "codesign", "launchctl"}, nil), "m")
	if err != nil {
		t.Fatalf("detect mac: %v", err)
	}
	if mac.Platform != MacOS || mac.PackageManager != "brew" || !mac.Capabilities.Has("codesign") {
		t.Fatalf("unexpected mac descriptor: %+v %v", mac, mac.Capabilities.List())
	}
	if mac.EnvironmentType() != "mac_local" {
		t.Fatalf("environment type %q", mac.EnvironmentType())
	}

	win, err := Detect(fakeHost("windows", "amd64", nil, nil, []string{"choco", "sc.exe", "reg.exe"}, nil), "w")
	if err != nil {
		t.Fatalf("detect windows: %v", err)
	}
	if win.Platform != Windows || win.PackageManager != "choco" || win.InitSystem != "scm" {
		t.Fatalf("unexpected windows descriptor: %+v", win)
	}
	if !win.Capabilities.Has("registry_read") || win.Capabilities.Has("codesign") {
		t.Fatalf("unexpected windows capabilities: %v", win.Capabilities.List())
	}
}

func TestDetectUnrecognized(t *testing.T) {
	_, err := Detect(fakeHost("plan9", "amd64", nil, nil, nil, nil), "")
	if !errors.Is(err, errdefs.ErrUnrecognizedPlatform) {
		t.Fatalf("expected ErrUnrecognizedPlatform, got %v", err)
	}
	_, err = Detect(fakeHost("linux", "mips", nil, nil, nil, nil), "")
	if !errors.Is(err, errdefs.ErrUnrecognizedPlatform) {
		t.Fatalf("expected ErrUnrecognizedPlatform for arch, got %v", err)
	}
}

func TestCapabilitySetGrowOnly(t *testing.T) {
	s := NewCapabilitySet("b", "a")
	if n := s.Add("a", "c", ""); n != 1 {
		t.Fatalf("added %d", n)
	}
	if got := strings.Join(s.List(), ","); got != "a,b,c" {
		t.Fatalf("list %q", got)
	}
}
