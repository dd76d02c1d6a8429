package session

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// buildAgentPathEnv extends the current process's PATH with the directories
// package managers commonly install CLI binaries into, so a child agent
// binary installed via npm/cargo/mise/nvm/homebrew is found even when the
// daemon itself was launched from a minimal shell (e.g. a login item or
// service manager with a stripped PATH). When binaryPath names an explicit
// executable, its parent directory is appended last.
func buildAgentPathEnv(binaryPath string) string {
	existing := filepath.SplitList(os.Getenv("PATH"))
	seen := make(map[string]struct{}, len(existing))
	var entries []string

	add := func(dir string) {
		if dir == "" {
			return
		}
		if _, ok := seen[dir]; ok {
			return
		}
		seen[dir] = struct{}{}
		entries = append(entries, dir)
	}

	for _, dir := range existing {
		add(dir)
	}

	home, _ := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		localAppData := os.Getenv("LOCALAPPDATA")
		programData := os.Getenv("PROGRAMDATA")
		add(filepath.Join(appData, "npm"))
		add(filepath.Join(localAppData, "Microsoft", "WindowsApps"))
		if home != "" {
			add(filepath.Join(home, ".cargo", "bin"))
			add(filepath.Join(home, "scoop", "shims"))
		}
		add(filepath.Join(programData, "chocolatey", "bin"))
	} else {
		add("/opt/homebrew/bin")
		add("/usr/local/bin")
		add("/usr/bin")
		add("/bin")
		add("/usr/sbin")
		add("/sbin")
		if home != "" {
			add(filepath.Join(home, ".local", "bin"))
			add(filepath.Join(home, ".local", "share", "mise", "shims"))
			add(filepath.Join(home, ".cargo", "bin"))
			add(filepath.Join(home, ".bun", "bin"))
			nvmRoot := filepath.Join(home, ".nvm", "versions", "node")
			if versions, err := os.ReadDir(nvmRoot); err == nil {
				for _, version := range versions {
					if version.IsDir() {
						add(filepath.Join(nvmRoot, version.Name(), "bin"))
					}
				}
			}
		}
	}

	if binaryPath != "" {
		if dir := filepath.Dir(binaryPath); dir != "." {
			add(dir)
		}
	}

	return strings.Join(entries, string(os.PathListSeparator))
}
