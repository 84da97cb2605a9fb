package translate

import (
	"fmt"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/platform"
)

// Core verb names.
const (
	ListFiles      = "list_files"
	Copy           = "copy"
	Move           = "move"
	Delete         = "delete"
	MakeDir        = "make_dir"
	ReadFile       = "read_file"
	ChangeMode     = "change_mode"
	InstallPackage = "install_package"
	RemovePackage  = "remove_package"
	ServiceStart   = "service_start"
	ServiceStop    = "service_stop"
	ServiceRestart = "service_restart"
	ServiceStatus  = "service_status"
	Shell          = "shell"
)

func fixed(name string, prefix ...string) func([]string, string) (Command, error) {
	return func(args []string, _ string) (Command, error) {
		return Command{Name: name, Args: append(append([]string(nil), prefix...), args...)}, nil
	}
}

func builtin(name string, prefix ...string) func([]string, string) (Command, error) {
	return func(args []string, _ string) (Command, error) {
		return Command{Name: name, Args: append(append([]string(nil), prefix...), args...), Builtin: true}, nil
	}
}

// listDir defaults to the working directory when no path is given.
func listDir(name string, isBuiltin bool) func([]string, string) (Command, error) {
	return func(args []string, _ string) (Command, error) {
		if len(args) == 0 {
			args = []string{"."}
		}
		return Command{Name: name, Args: args, Builtin: isBuiltin}, nil
	}
}

type pkgCommands struct {
	install, remove func(pkg string) []string
}

var packageCommands = map[string]pkgCommands{
	"apt-get": {
		install: func(p string) []string { return []string{"install", "-y", p} },
		remove:  func(p string) []string { return []string{"remove", "-y", p} },
	},
	"dnf": {
		install: func(p string) []string { return []string{"install", "-y", p} },
		remove:  func(p string) []string { return []string{"remove", "-y", p} },
	},
	"yum": {
		install: func(p string) []string { return []string{"install", "-y", p} },
		remove:  func(p string) []string { return []string{"remove", "-y", p} },
	},
	"pacman": {
		install: func(p string) []string { return []string{"-S", "--noconfirm", p} },
		remove:  func(p string) []string { return []string{"-R", "--noconfirm", p} },
	},
	"zypper": {
		install: func(p string) []string { return []string{"--non-interactive", "install", p} },
		remove:  func(p string) []string { return []string{"--non-interactive", "remove", p} },
	},
	"apk": {
		install: func(p string) []string { return []string{"add", p} },
		remove:  func(p string) []string { return []string{"del", p} },
	},
	"brew": {
		install: func(p string) []string { return []string{"install", p} },
		remove:  func(p string) []string { return []string{"uninstall", p} },
	},
	"winget": {
		install: func(p string) []string {
			return []string{"install", "--id", p, "-e", "--silent", "--accept-package-agreements", "--accept-source-agreements"}
		},
		remove: func(p string) []string { return []string{"uninstall", "--id", p, "-e", "--silent"} },
	},
	"choco": {
		install: func(p string) []string { return []string{"install", p, "-y"} },
		remove:  func(p string) []string { return []string{"uninstall", p, "-y"} },
	},
}

func pkg(install bool) func([]string, string) (Command, error) {
	return func(args []string, pm string) (Command, error) {
		cmds, ok := packageCommands[pm]
		if !ok {
			if pm == "" {
				return Command{}, errdefs.New(errdefs.ErrCapabilityNotSupported, "", "", "",
					fmt.Errorf("no package manager detected"))
			}
			return Command{}, errdefs.New(errdefs.ErrCapabilityNotSupported, "", "", "",
				fmt.Errorf("package manager %q is not supported", pm))
		}
		if install {
			return Command{Name: pm, Args: cmds.install(args[0])}, nil
		}
		return Command{Name: pm, Args: cmds.remove(args[0])}, nil
	}
}

func systemctl(action string) rule {
	return rule{min: 1, max: 1, requires: platform.CapServiceControl, build: fixed("systemctl", action)}
}

func one(build func([]string, string) (Command, error)) rule {
	return rule{min: 1, max: 1, build: build}
}

func two(build func([]string, string) (Command, error)) rule {
	return rule{min: 2, max: 2, build: build}
}

func posixFiles() map[string]rule {
	return map[string]rule{
		ListFiles:      {min: 0, max: 1, build: listDir("ls", false)},
		Copy:           two(fixed("cp", "-r")),
		Move:           two(fixed("mv")),
		Delete:         one(fixed("rm", "-rf")),
		MakeDir:        one(fixed("mkdir", "-p")),
		ReadFile:       one(fixed("cat")),
		ChangeMode:     two(fixed("chmod")),
		InstallPackage: {min: 1, max: 1, requires: platform.CapPackageManager, build: pkg(true)},
		RemovePackage:  {min: 1, max: 1, requires: platform.CapPackageManager, build: pkg(false)},
		Shell:          one(fixed("sh", "-c")),
	}
}

func linuxTable() map[string]rule {
	t := posixFiles()
	t[ServiceStart] = systemctl("start")
	t[ServiceStop] = systemctl("stop")
	t[ServiceRestart] = systemctl("restart")
	t[ServiceStatus] = systemctl("status")
	return t
}

func macTable() map[string]rule {
	t := posixFiles()
	launchctl := func(build func([]string, string) (Command, error)) rule {
		return rule{min: 1, max: 1, requires: platform.CapServiceControl, build: build}
	}
	t[ServiceStart] = launchctl(fixed("launchctl", "start"))
	t[ServiceStop] = launchctl(fixed("launchctl", "stop"))
	t[ServiceRestart] = launchctl(func(args []string, _ string) (Command, error) {
		return Command{Name: "launchctl", Args: []string{"kickstart", "-k", "system/" + args[0]}}, nil
	})
	t[ServiceStatus] = launchctl(fixed("launchctl", "list"))
	return t
}

func windowsTable() map[string]rule {
	sc := func(build func([]string, string) (Command, error)) rule {
		return rule{min: 1, max: 1, requires: platform.CapServiceControl, build: build}
	}
	return map[string]rule{
		ListFiles:      {min: 0, max: 1, build: listDir("dir", true)},
		Copy:           two(builtin("copy", "/Y")),
		Move:           two(builtin("move", "/Y")),
		Delete:         one(builtin("del", "/F", "/Q")),
		MakeDir:        one(builtin("mkdir")),
		ReadFile:       one(builtin("type")),
		InstallPackage: {min: 1, max: 1, requires: platform.CapPackageManager, build: pkg(true)},
		RemovePackage:  {min: 1, max: 1, requires: platform.CapPackageManager, build: pkg(false)},
		ServiceStart:   sc(fixed("sc.exe", "start")),
		ServiceStop:    sc(fixed("sc.exe", "stop")),
		ServiceRestart: sc(func(args []string, _ string) (Command, error) {
			return Command{Name: "powershell", Args: []string{"-NoProfile", "-NonInteractive", "-Command", "Restart-Service", "-Name", args[0]}}, nil
		}),
		ServiceStatus: sc(fixed("sc.exe", "query")),
		Shell:         one(fixed("cmd", "/C")),
	}
}

var verbTables = map[platform.Platform]map[string]rule{
	platform.Linux:   linuxTable(),
	platform.WSL:     linuxTable(),
	platform.MacOS:   macTable(),
	platform.Windows: windowsTable(),
}

// Extension names.
const (
	ExtCodesign        = "codesign"
	ExtSpotlightSearch = "spotlight_search"
	ExtRegistryRead    = "registry_read"
	ExtWSLExec         = "wsl_exec"
	ExtSystemdEnable   = "systemd_enable"
	ExtSystemdDisable  = "systemd_disable"
	ExtDockerPS        = "docker_ps"
	ExtPathBridge      = "path_bridge"
	ExtWindowsExec     = "windows_exec"
)

func ext(name string, min, max int, build func([]string, string) (Command, error)) rule {
	return rule{min: min, max: max, requires: name, build: build}
}

func linuxExtensions() map[string]rule {
	return map[string]rule{
		ExtSystemdEnable:  ext(ExtSystemdEnable, 1, 1, fixed("systemctl", "enable")),
		ExtSystemdDisable: ext(ExtSystemdDisable, 1, 1, fixed("systemctl", "disable")),
		ExtDockerPS:       ext(ExtDockerPS, 0, 0, fixed("docker", "ps", "--all")),
	}
}

func wslExtensions() map[string]rule {
	t := linuxExtensions()
	t[ExtPathBridge] = ext(ExtPathBridge, 1, 1, fixed("wslpath", "-u"))
	t[ExtWindowsExec] = ext(ExtWindowsExec, 1, 1, fixed("cmd.exe", "/C"))
	return t
}

var extensionTables = map[platform.Platform]map[string]rule{
	platform.MacOS: {
		// One arg verifies a signature, two args (identity, path) sign.
		ExtCodesign: ext(ExtCodesign, 1, 2, func(args []string, _ string) (Command, error) {
			if len(args) == 1 {
				return Command{Name: "codesign", Args: []string{"--verify", "--verbose=2", args[0]}}, nil
			}
			return Command{Name: "codesign", Args: []string{"--force", "--sign", args[0], args[1]}}, nil
		}),
		ExtSpotlightSearch: ext(ExtSpotlightSearch, 1, 1, fixed("mdfind")),
	},
	platform.Windows: {
		ExtRegistryRead: ext(ExtRegistryRead, 1, 2, func(args []string, _ string) (Command, error) {
			if len(args) == 1 {
				return Command{Name: "reg.exe", Args: []string{"query", args[0]}}, nil
			}
			return Command{Name: "reg.exe", Args: []string{"query", args[0], "/v", args[1]}}, nil
		}),
		ExtWSLExec: ext(ExtWSLExec, 1, -1, fixed("wsl.exe", "-e")),
	},
	platform.Linux: linuxExtensions(),
	platform.WSL:   wslExtensions(),
}
