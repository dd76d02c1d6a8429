package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const installationCheckTimeout = 5 * time.Second

// defaultAgentBinary is used when no explicit binary path is configured.
const defaultAgentBinary = "codex"

// buildCommand constructs the exec.Cmd used to spawn the agent child
// process, resolving the binary name/path, the extra PATH entries, and the
// fixed "app-server" subcommand plus any operator-configured extra args.
func buildCommand(ctx context.Context, binaryPath string, extraArgs []string, cwd string, codexHome string) *exec.Cmd {
	bin := binaryPath
	if bin == "" {
		bin = defaultAgentBinary
	}

	args := append([]string{"app-server"}, extraArgs...)

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" && (strings.HasSuffix(strings.ToLower(bin), ".cmd") || strings.HasSuffix(strings.ToLower(bin), ".bat")) {
		shellArgs := append([]string{"/D", "/S", "/C", bin}, args...)
		cmd = exec.CommandContext(ctx, "cmd", shellArgs...)
	} else {
		cmd = exec.CommandContext(ctx, bin, args...)
	}

	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "PATH="+buildAgentPathEnv(binaryPath))
	if codexHome != "" {
		cmd.Env = append(cmd.Env, "CODEX_HOME="+codexHome)
	}
	return cmd
}

// checkInstallation runs `<bin> --version` to preflight that the agent
// binary is installed and executable before spawning a long-lived session
// against it. It returns the trimmed version string on success.
func checkInstallation(binaryPath string) (string, error) {
	bin := binaryPath
	if bin == "" {
		bin = defaultAgentBinary
	}

	ctx, cancel := context.WithTimeout(context.Background(), installationCheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, "--version")
	cmd.Env = append(os.Environ(), "PATH="+buildAgentPathEnv(binaryPath))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("agent binary %q was not found on PATH; install it or set an explicit binary path", bin)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("agent binary %q exited with %s: %s", bin, exitErr.String(), strings.TrimSpace(string(output)))
		}
		return "", fmt.Errorf("agent binary %q failed to start: %w", bin, err)
	}

	version := strings.TrimSpace(string(output))
	if version == "" {
		return "", nil
	}
	return version, nil
}
