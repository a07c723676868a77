package tun

import (
	"errors"
	"strings"

	"github.com/gravitl/tunlink/metrics"
	"github.com/gravitl/tunlink/ncutils"
)

// Host - the host network configuration backend the device drives
type Host interface {
	// Run executes one configuration command and returns its combined output
	Run(command string) (string, error)
	// LinkExists reports whether the named interface is present
	LinkExists(name string) bool
	// DefaultInterface returns the egress interface of the default route
	DefaultInterface() (string, error)
}

// ErrNoDefaultRoute - the host has no default route to template NAT rules with
var ErrNoDefaultRoute = errors.New("no default route")

// SystemHost - runs commands on the local machine
type SystemHost struct {
	// PrintErr logs failed command output
	PrintErr bool
}

// Run - ncutils.RunCmd
func (h SystemHost) Run(command string) (string, error) {
	out, err := ncutils.RunCmd(command, h.PrintErr)
	if err != nil {
		metrics.HostCommandFailures.Inc()
	}
	return out, err
}

// parseDefaultDev - the word after "dev" on the first "default via" line of `ip route show default`
func parseDefaultDev(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "default") {
			continue
		}
		fields := strings.Fields(line)
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "dev" {
				return fields[i+1]
			}
		}
	}
	return ""
}

// commandDefaultInterface - default route egress parsed from the ip tool
func commandDefaultInterface(h Host) (string, error) {
	out, err := h.Run("ip route show default")
	if err != nil {
		return "", err
	}
	if dev := parseDefaultDev(out); dev != "" {
		return dev, nil
	}
	return "", ErrNoDefaultRoute
}
