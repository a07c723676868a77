// Package nodecfg resolves node settings from the environment, then the config file,
// then defaults
package nodecfg

import (
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gravitl/tunlink/config"
	"github.com/gravitl/tunlink/ncutils"
	"github.com/gravitl/tunlink/sysctl"
	"github.com/gravitl/tunlink/tls"
	"github.com/gravitl/tunlink/tun"
	"github.com/gravitl/tunlink/tunnel"
)

const (
	// DefaultRouteLevel - hop count to the first public router when unknown
	DefaultRouteLevel = 8
	// DefaultAPIListen - local HTTP listen address
	DefaultAPIListen = "127.0.0.1:8092"
	// DefaultBroker - MQTT broker when none is configured
	DefaultBroker = "tcp://127.0.0.1:1883"
)

// GetMachineName - the name this node signals under
func GetMachineName() string {
	if os.Getenv("MACHINE_NAME") != "" {
		return os.Getenv("MACHINE_NAME")
	} else if config.Config.Node.MachineName != "" {
		return config.Config.Node.MachineName
	}
	return ncutils.GetHostname()
}

// GetCertificatePath - location of the tunnel certificate
func GetCertificatePath() string {
	if os.Getenv("CERT_PATH") != "" {
		return os.Getenv("CERT_PATH")
	} else if config.Config.Node.Certificate != "" {
		return config.Config.Node.Certificate
	}
	return filepath.Join(ncutils.LINUX_APP_DATA_PATH, tls.CERT_PEM_NAME)
}

// GetCertificatePassword - password of a PKCS#12 certificate
func GetCertificatePassword() string {
	if os.Getenv("CERT_PASSWORD") != "" {
		return os.Getenv("CERT_PASSWORD")
	}
	return config.Config.Node.CertPassword
}

// GetTunnelPort - fixed local port every tunnel socket binds
func GetTunnelPort() uint16 {
	if p, err := strconv.ParseUint(os.Getenv("TUNNEL_PORT"), 10, 16); err == nil && p != 0 {
		return uint16(p)
	} else if config.Config.Node.Port != 0 {
		return config.Config.Node.Port
	}
	return ncutils.DEFAULT_TUNNEL_PORT
}

// GetRouteLevel - hops to the first public router, used as the IPv4 probe TTL
func GetRouteLevel() int {
	level := DefaultRouteLevel
	if l, err := strconv.Atoi(os.Getenv("ROUTE_LEVEL")); err == nil {
		level = l
	} else if config.Config.Node.RouteLevel != 0 {
		level = config.Config.Node.RouteLevel
	}
	if level < 1 || level > 255 {
		level = DefaultRouteLevel
	}
	return level
}

// GetStunServer - STUN server for WAN discovery, empty disables discovery
func GetStunServer() string {
	if os.Getenv("STUN_SERVER") != "" {
		return os.Getenv("STUN_SERVER")
	}
	return config.Config.Node.StunServer
}

// GetStunListen - address of the local STUN responder, empty disables it
func GetStunListen() string {
	if os.Getenv("STUN_LISTEN") != "" {
		return os.Getenv("STUN_LISTEN")
	}
	return config.Config.Node.StunListen
}

// GetBeginLimit - per peer begin rate and burst, zero rate disables the limit
func GetBeginLimit() (float64, int) {
	rate := config.Config.Node.BeginRate
	if r, err := strconv.ParseFloat(os.Getenv("BEGIN_RATE"), 64); err == nil {
		rate = r
	}
	burst := config.Config.Node.BeginBurst
	if burst <= 0 {
		burst = 1
	}
	return rate, burst
}

// GetTunnelConfig - tunnel timings with env overrides of the wait timeouts
func GetTunnelConfig() tunnel.Config {
	cfg := config.Config.Tunnel
	if d, err := time.ParseDuration(os.Getenv("REVERSE_TIMEOUT")); err == nil {
		cfg.ReverseTimeout = d
	}
	if d, err := time.ParseDuration(os.Getenv("GRACE_DELAY")); err == nil {
		cfg.GraceDelay = d
	}
	if os.Getenv("DISABLE_IPV6") == "true" {
		cfg.DisableIPv6 = true
	}
	return cfg
}

// IsDeviceEnabled - whether the node runs a virtual interface
func IsDeviceEnabled() bool {
	if os.Getenv("DEVICE_ENABLED") != "" {
		return os.Getenv("DEVICE_ENABLED") == "true"
	}
	return config.Config.Device.Enabled
}

// GetDeviceName - virtual interface name
func GetDeviceName() string {
	if os.Getenv("DEVICE_NAME") != "" {
		return os.Getenv("DEVICE_NAME")
	} else if config.Config.Device.Name != "" {
		return config.Config.Device.Name
	}
	return tun.DefaultName
}

// GetDeviceAddress - virtual interface address and prefix length
func GetDeviceAddress() (netip.Addr, int) {
	raw := config.Config.Device.Address
	if os.Getenv("DEVICE_ADDRESS") != "" {
		raw = os.Getenv("DEVICE_ADDRESS")
	}
	prefix := config.Config.Device.Prefix
	if p, err := netip.ParsePrefix(raw); err == nil {
		return p.Addr(), p.Bits()
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, 0
	}
	if prefix <= 0 || prefix > 32 {
		prefix = 24
	}
	return addr, prefix
}

// GetDeviceMTU - interface MTU, 0 keeps the kernel default
func GetDeviceMTU() int {
	if m, err := strconv.Atoi(os.Getenv("DEVICE_MTU")); err == nil {
		return m
	}
	return config.Config.Device.MTU
}

// IsNatEnabled - whether masquerade rules are installed
func IsNatEnabled() bool {
	if os.Getenv("DEVICE_NAT") != "" {
		return os.Getenv("DEVICE_NAT") == "true"
	}
	return config.Config.Device.Nat
}

// GetIPTables - rule tool binary
func GetIPTables() string {
	if os.Getenv("IPTABLES") != "" {
		return os.Getenv("IPTABLES")
	} else if config.Config.Device.IPTables != "" {
		return config.Config.Device.IPTables
	}
	return tun.DefaultIPTables
}

// GetSysctlDir - where persistent forwarding settings are written, "off" disables it
func GetSysctlDir() string {
	if os.Getenv("SYSCTL_DIR") != "" {
		return os.Getenv("SYSCTL_DIR")
	} else if config.Config.Device.SysctlDir != "" {
		return config.Config.Device.SysctlDir
	}
	return sysctl.DefaultDir
}

// GetBrokerEndpoint - MQTT broker url
func GetBrokerEndpoint() string {
	endpoint := DefaultBroker
	if os.Getenv("BROKER_ENDPOINT") != "" {
		endpoint = os.Getenv("BROKER_ENDPOINT")
	} else if config.Config.Broker.Endpoint != "" {
		endpoint = config.Config.Broker.Endpoint
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "tcp://" + endpoint
	}
	return endpoint
}

// GetBrokerCredentials - MQTT username and password
func GetBrokerCredentials() (string, string) {
	user, pass := config.Config.Broker.Username, config.Config.Broker.Password
	if os.Getenv("MQ_USERNAME") != "" {
		user = os.Getenv("MQ_USERNAME")
	}
	if os.Getenv("MQ_PASSWORD") != "" {
		pass = os.Getenv("MQ_PASSWORD")
	}
	return user, pass
}

// GetAPIListen - local HTTP listen address, "off" disables the API
func GetAPIListen() string {
	if os.Getenv("API_LISTEN") != "" {
		return os.Getenv("API_LISTEN")
	} else if config.Config.API.Listen != "" {
		return config.Config.API.Listen
	}
	return DefaultAPIListen
}

// GetVerbosity - log verbosity 0-4
func GetVerbosity() int32 {
	var verbosity = 0
	var err error
	if os.Getenv("VERBOSITY") != "" {
		verbosity, err = strconv.Atoi(os.Getenv("VERBOSITY"))
		if err != nil {
			verbosity = 0
		}
	} else if config.Config.Node.Verbosity != 0 {
		verbosity = int(config.Config.Node.Verbosity)
	}
	if verbosity < 0 || verbosity > 4 {
		verbosity = 0
	}
	return int32(verbosity)
}
