package tun

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// fakeHost - records commands and emulates the subset of iptables the device uses
type fakeHost struct {
	mu       sync.Mutex
	commands []string
	links    map[string]bool
	egress   string
	// tables maps "table chain" to rule specs in order
	tables map[string][]string
	fail   map[string]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		links:  make(map[string]bool),
		egress: "eth0",
		tables: map[string][]string{
			"nat POSTROUTING": {"-s 192.168.50.0/24 -j MASQUERADE"},
			"filter FORWARD":  {"-i docker0 -j ACCEPT"},
		},
		fail: make(map[string]bool),
	}
}

func (h *fakeHost) Run(command string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)
	for prefix := range h.fail {
		if strings.HasPrefix(command, prefix) {
			return "boom", errors.New("exit status 1")
		}
	}
	fields := strings.Fields(command)
	switch {
	case strings.HasPrefix(command, "ip tuntap add mode tun dev "):
		h.links[fields[len(fields)-1]] = true
	case strings.HasPrefix(command, "ip link del "):
		delete(h.links, fields[len(fields)-1])
	case strings.HasPrefix(fields[0], "iptables"):
		return h.iptables(fields[1:])
	}
	return "", nil
}

func (h *fakeHost) iptables(args []string) (string, error) {
	table := "filter"
	if len(args) > 1 && args[0] == "-t" {
		table, args = args[1], args[2:]
	}
	if len(args) < 2 {
		return "", errors.New("bad iptables invocation")
	}
	op, chain := args[0], args[1]
	key := table + " " + chain
	spec := strings.Join(args[2:], " ")
	rules := h.tables[key]
	index := -1
	for i, r := range rules {
		if r == spec {
			index = i
			break
		}
	}
	switch op {
	case "-A":
		h.tables[key] = append(rules, spec)
	case "-C":
		if index < 0 {
			return "iptables: Bad rule", errors.New("exit status 1")
		}
	case "-D":
		if num, err := strconv.Atoi(spec); err == nil {
			if num < 1 || num > len(rules) {
				return "index of deletion too big", errors.New("exit status 1")
			}
			index = num - 1
		}
		if index < 0 {
			return "iptables: Bad rule", errors.New("exit status 1")
		}
		h.tables[key] = append(rules[:index:index], rules[index+1:]...)
	case "-L":
		var b strings.Builder
		fmt.Fprintf(&b, "Chain %s (policy ACCEPT)\nnum  target     prot opt source               destination\n", chain)
		for i, r := range rules {
			src := "0.0.0.0/0"
			f := strings.Fields(r)
			for j := 0; j < len(f)-1; j++ {
				if f[j] == "-s" {
					src = f[j+1]
				}
			}
			fmt.Fprintf(&b, "%-4d MASQUERADE  all  --  %-20s 0.0.0.0/0\n", i+1, src)
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("unsupported op %s", op)
	}
	return "", nil
}

func (h *fakeHost) LinkExists(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[name]
}

func (h *fakeHost) DefaultInterface() (string, error) {
	if h.egress == "" {
		return "", ErrNoDefaultRoute
	}
	return h.egress, nil
}

func (h *fakeHost) history() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

func (h *fakeHost) snapshot() map[string][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]string, len(h.tables))
	for k, v := range h.tables {
		if len(v) > 0 {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

// pipeStream - one end of an in-memory packet pipe standing in for /dev/net/tun
type pipeStream struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closed bool
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) Close() error {
	p.closed = true
	p.r.Close()
	return p.w.Close()
}

// streamPair - a and b, what one writes the other reads
func streamPair() (*pipeStream, *pipeStream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipeStream{r: ar, w: aw}, &pipeStream{r: br, w: bw}
}
