package ncutils

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/gravitl/tunlink/logger"
)

// LINUX_APP_DATA_PATH - default directory for node config and certificates
const LINUX_APP_DATA_PATH = "/etc/tunlink"

// DEFAULT_TUNNEL_PORT - default local bind port for tunnel attempts
const DEFAULT_TUNNEL_PORT = 18180

// DEFAULT_GC_PERCENT - garbage collection percent for the daemon
const DEFAULT_GC_PERCENT = 10

// ErrEmptyCommand - returned when asked to run a blank command
var ErrEmptyCommand = errors.New("empty command")

// IsLinux - checks if os is linux
func IsLinux() bool {
	return runtime.GOOS == "linux"
}

// GetHostname - returns the host name or "tunlink" when unknown
func GetHostname() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "tunlink"
	}
	if len(hostname) > 64 {
		hostname = hostname[:64]
	}
	return hostname
}

// RunCmd - runs a local command
func RunCmd(command string, printerr bool) (string, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return "", ErrEmptyCommand
	}
	cmd := exec.Command(args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil && printerr {
		logger.Log(0, "error running command:", command)
		logger.Log(0, strings.TrimSuffix(string(out), "\n"))
	}
	return string(out), err
}

// RunCmds - runs cmds sequentially, every command is attempted
func RunCmds(commands []string, printerr bool) error {
	var failed []string
	for _, command := range commands {
		if _, err := RunCmd(command, printerr); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", command, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d commands failed: %s", len(failed), len(commands), strings.Join(failed, "; "))
	}
	return nil
}

// CheckUID - exits when not running as root on linux
func CheckUID() {
	if IsLinux() && os.Geteuid() != 0 {
		logger.FatalLog("tunlink must be run as root to manage the tun device")
	}
}
