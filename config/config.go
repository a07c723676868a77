// Package config reads the node's YAML environment file.
// Reads from environments/<TUNLINK_ENV>.yaml, dev by default
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gravitl/tunlink/models"
	"github.com/gravitl/tunlink/tunnel"
	"gopkg.in/yaml.v3"
)

// setting dev by default
func getEnv() string {
	env := os.Getenv("TUNLINK_ENV")
	if len(env) == 0 {
		return "dev"
	}
	return env
}

// Config : application config stored as global variable
var Config *EnvironmentConfig = &EnvironmentConfig{}

// EnvironmentConfig - environment conf struct
type EnvironmentConfig struct {
	Node   NodeConfig    `yaml:"node"`
	Tunnel tunnel.Config `yaml:"tunnel"`
	Device DeviceConfig  `yaml:"device"`
	Broker BrokerConfig  `yaml:"broker"`
	API    APIConfig     `yaml:"api"`
}

// NodeConfig - identity and endpoint settings of this node
type NodeConfig struct {
	MachineName  string  `yaml:"machinename"`
	Certificate  string  `yaml:"certificate"`
	CertPassword string  `yaml:"certpassword"`
	Port         uint16  `yaml:"port"`
	RouteLevel   int     `yaml:"routelevel"`
	StunServer   string  `yaml:"stunserver"`
	StunListen   string  `yaml:"stunlisten"`
	Verbosity    int32   `yaml:"verbosity"`
	// BeginRate - begin requests allowed per peer and second, 0 disables the limit
	BeginRate    float64 `yaml:"beginrate"`
	BeginBurst   int     `yaml:"beginburst"`
}

// DeviceConfig - virtual interface settings
type DeviceConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	Name      string               `yaml:"name"`
	Address   string               `yaml:"address"`
	Prefix    int                  `yaml:"prefix"`
	MTU       int                  `yaml:"mtu"`
	Nat       bool                 `yaml:"nat"`
	IPTables  string               `yaml:"iptables"`
	SysctlDir string               `yaml:"sysctldir"`
	Routes    []models.RouteEntry  `yaml:"routes"`
	Forwards  []models.ForwardRule `yaml:"forwards"`
}

// BrokerConfig - MQTT signaling broker
type BrokerConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// APIConfig - local HTTP surface
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// ReadConfig - reading in the env file; a missing default file yields an empty config
func ReadConfig(absolutePath string) (*EnvironmentConfig, error) {
	explicit := len(absolutePath) != 0
	if !explicit {
		absolutePath = fmt.Sprintf("environments/%s.yaml", getEnv())
	}
	var cfg EnvironmentConfig
	f, err := os.Open(absolutePath)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return &cfg, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return &cfg, fmt.Errorf("decode %s: %w", absolutePath, err)
	}
	return &cfg, nil
}
