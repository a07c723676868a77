// Package sysctl persists kernel settings the tun device relies on
package sysctl

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TUNLINK_SYSCTL_CONF - file written under the sysctl.d directory
const TUNLINK_SYSCTL_CONF = "99-tunlink.conf"

// DefaultDir - sysctl.d directory read at boot
const DefaultDir = "/usr/local/lib/sysctl.d"

const ipForwardKey = "net.ipv4.ip_forward"

type sysctl struct {
	path   string
	config map[string]string
}

func (s *sysctl) set(key, value string) {
	s.config[key] = value
}

func (s *sysctl) get(key string) (val string) {
	val = s.config[key]
	return
}

func (s *sysctl) delete(key string) {
	delete(s.config, key)
}

// update - rewrites the file with every key in sorted order
func (s *sysctl) update() error {
	keys := make([]string, 0, len(s.config))
	for k := range s.config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteString("# managed by tunlink\n")
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s\n", strings.Join([]string{k, s.config[k]}, "="))
	}
	return os.WriteFile(s.path, buf.Bytes(), 0644)
}

func load(dir string) (*sysctl, error) {
	s := &sysctl{
		path:   filepath.Join(dir, TUNLINK_SYSCTL_CONF),
		config: make(map[string]string),
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return s, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return s, err
	}
	defer f.Close()

	for sc := bufio.NewScanner(f); sc.Scan(); {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if kvpair := bytes.SplitN(line, []byte{'='}, 2); len(kvpair) == 2 {
			s.config[string(bytes.TrimSpace(kvpair[0]))] = string(bytes.TrimSpace(kvpair[1]))
		}
	}
	return s, nil
}

// SetIPForwarding - persists net.ipv4.ip_forward=1 in dir, the file is left as is when already set
func SetIPForwarding(dir string) error {
	conf, err := load(dir)
	if err != nil {
		return err
	}
	if conf.get(ipForwardKey) == "1" {
		return nil
	}
	conf.set(ipForwardKey, "1")
	return conf.update()
}

// ClearIPForwarding - drops the persisted forwarding key from dir, a file without it is not rewritten
func ClearIPForwarding(dir string) error {
	conf, err := load(dir)
	if err != nil {
		return err
	}
	if conf.get(ipForwardKey) == "" {
		return nil
	}
	conf.delete(ipForwardKey)
	return conf.update()
}
