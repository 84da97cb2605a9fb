package translate

import (
	"errors"
	"strings"
	"testing"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/platform"
)

// sampleArgs returns an argument list of valid arity for r.
func sampleArgs(r rule) []string {
	args := make([]string, r.min)
	for i := range args {
		args[i] = "arg" + string(rune('a'+i))
	}
	return args
}

func pmFor(p platform.Platform) string {
	switch p {
	case platform.MacOS:
		return "brew"
	case platform.Windows:
		return "winget"
	default:
		return "apt-get"
	}
}

func TestTranslateDeterministic(t *testing.T) {
	for _, p := range platform.All {
		for _, verb := range Verbs(p) {
			args := sampleArgs(verbTables[p][verb])
			a, errA := TranslateFor(verb, args, p, pmFor(p))
			b, errB := TranslateFor(verb, args, p, pmFor(p))
			if errA != nil || errB != nil {
				t.Fatalf("%s/%s: unexpected errors %v %v", p, verb, errA, errB)
			}
			if a.String() != b.String() || a.Builtin != b.Builtin {
				t.Fatalf("%s/%s: %q != %q", p, verb, a, b)
			}
		}
		for _, name := range Extensions(p) {
			args := sampleArgs(extensionTables[p][name])
			a, _ := ExtensionFor(name, args, p)
			b, _ := ExtensionFor(name, args, p)
			if a.String() != b.String() {
				t.Fatalf("%s/%s: %q != %q", p, name, a, b)
			}
		}
	}
}

func TestTranslateDoesNotAliasArgs(t *testing.T) {
	args := []string{"/tmp/a", "/tmp/b"}
	cmd, err := TranslateFor(Copy, args, platform.Linux, "")
	if err != nil {
		t.Fatal(err)
	}
	args[0] = "/etc/passwd"
	if got := cmd.String(); got != "cp -r /tmp/a /tmp/b" {
		t.Fatalf("command changed with caller args: %q", got)
	}
}

func TestUnsupportedVerbRejected(t *testing.T) {
	cases := []struct {
		verb string
		p    platform.Platform
	}{
		{"format_disk", platform.Linux},
		{"", platform.MacOS},
		{ChangeMode, platform.Windows},
		{"LIST_FILES", platform.WSL},
	}
	for _, tc := range cases {
		_, err := TranslateFor(tc.verb, []string{"x", "y"}, tc.p, "apt-get")
		if !errors.Is(err, errdefs.ErrUnsupportedVerb) {
			t.Fatalf("%s on %s: expected ErrUnsupportedVerb, got %v", tc.verb, tc.p, err)
		}
		var e *errdefs.Error
		if !errors.As(err, &e) || e.Verb != tc.verb || e.Platform != string(tc.p) {
			t.Fatalf("error does not name verb and platform: %v", err)
		}
	}
}

func TestListFilesLinux(t *testing.T) {
	cmd, err := New(platform.Linux, "apt-get").Translate(ListFiles, []string{"/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.String() != "ls /tmp" || cmd.Builtin {
		t.Fatalf("got %q builtin=%v", cmd, cmd.Builtin)
	}
}

func TestListFilesWindows(t *testing.T) {
	cmd, err := New(platform.Windows, "winget").Translate(ListFiles, []string{`C:\Temp`})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.String() != `dir C:\Temp` || !cmd.Builtin {
		t.Fatalf("got %q builtin=%v", cmd, cmd.Builtin)
	}
}

func TestArity(t *testing.T) {
	_, err := TranslateFor(Copy, []string{"only-one"}, platform.Linux, "")
	if !errors.Is(err, errdefs.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
	_, err = TranslateFor(ReadFile, []string{"  "}, platform.MacOS, "")
	if !errors.Is(err, errdefs.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs for blank arg, got %v", err)
	}
	cmd, err := TranslateFor(ListFiles, nil, platform.MacOS, "")
	if err != nil || cmd.String() != "ls ." {
		t.Fatalf("default list_files: %q %v", cmd, err)
	}
}

func TestPackageCommands(t *testing.T) {
	cases := []struct {
		p    platform.Platform
		pm   string
		verb string
		want string
	}{
		{platform.Linux, "apt-get", InstallPackage, "apt-get install -y curl"},
		{platform.Linux, "pacman", RemovePackage, "pacman -R --noconfirm curl"},
		{platform.WSL, "apk", InstallPackage, "apk add curl"},
		{platform.MacOS, "brew", RemovePackage, "brew uninstall curl"},
		{platform.Windows, "choco", InstallPackage, "choco install curl -y"},
		{platform.Windows, "winget", RemovePackage, "winget uninstall --id curl -e --silent"},
	}
	for _, tc := range cases {
		cmd, err := TranslateFor(tc.verb, []string{"curl"}, tc.p, tc.pm)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.pm, tc.verb, err)
		}
		if cmd.String() != tc.want {
			t.Errorf("%s %s: got %q want %q", tc.pm, tc.verb, cmd, tc.want)
		}
	}

	_, err := TranslateFor(InstallPackage, []string{"curl"}, platform.Linux, "")
	if !errors.Is(err, errdefs.ErrCapabilityNotSupported) {
		t.Fatalf("expected ErrCapabilityNotSupported without a package manager, got %v", err)
	}
	if !strings.Contains(err.Error(), `"install_package" on linux`) {
		t.Fatalf("error lacks context: %v", err)
	}
}

func TestServiceCommands(t *testing.T) {
	cases := map[platform.Platform]string{
		platform.Linux:   "systemctl restart nginx",
		platform.WSL:     "systemctl restart nginx",
		platform.MacOS:   "launchctl kickstart -k system/nginx",
		platform.Windows: "powershell -NoProfile -NonInteractive -Command Restart-Service -Name nginx",
	}
	for p, want := range cases {
		cmd, err := TranslateFor(ServiceRestart, []string{"nginx"}, p, "")
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if cmd.String() != want {
			t.Errorf("%s: got %q want %q", p, cmd, want)
		}
		if RequiredCapability(p, ServiceRestart) != platform.CapServiceControl {
			t.Errorf("%s: service verbs must require service_control", p)
		}
	}
}

func TestExtensions(t *testing.T) {
	cmd, err := ExtensionFor(ExtCodesign, []string{"Developer ID", "/Applications/App.app"}, platform.MacOS)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.String() != `codesign --force --sign "Developer ID" /Applications/App.app` {
		t.Fatalf("codesign: %q", cmd)
	}

	_, err = ExtensionFor(ExtCodesign, []string{"/bin/ls"}, platform.Linux)
	if !errors.Is(err, errdefs.ErrCapabilityNotSupported) {
		t.Fatalf("expected ErrCapabilityNotSupported, got %v", err)
	}

	if got := Extensions(platform.WSL); len(got) != 5 {
		t.Fatalf("wsl extensions: %v", got)
	}
	for _, name := range Extensions(platform.Windows) {
		if r := extensionTables[platform.Windows][name]; r.requires != name {
			t.Errorf("extension %s must require its own capability", name)
		}
	}
}

func TestVerbTablesCoverEveryPlatform(t *testing.T) {
	for _, p := range platform.All {
		verbs := Verbs(p)
		if len(verbs) == 0 {
			t.Fatalf("no verbs for %s", p)
		}
		has := func(v string) bool {
			for _, x := range verbs {
				if x == v {
					return true
				}
			}
			return false
		}
		if has(ChangeMode) != p.POSIX() {
			t.Errorf("%s: change_mode must exist only on POSIX platforms", p)
		}
		for _, v := range []string{ListFiles, Copy, InstallPackage, ServiceStart, Shell} {
			if !has(v) {
				t.Errorf("%s: missing %s", p, v)
			}
		}
	}
}
