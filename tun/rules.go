package tun

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/gravitl/tunlink/logger"
	"github.com/gravitl/tunlink/models"
)

// routeMetric - keeps virtual LAN routes ahead of default routes to the same destination
const routeMetric = 1

// rule - one firewall rule, an empty table means filter
type rule struct {
	table string
	chain string
	spec  string
}

func (r rule) command(bin, op string) string {
	var b strings.Builder
	b.WriteString(bin)
	if r.table != "" {
		b.WriteString(" -t " + r.table)
	}
	b.WriteString(" " + op + " " + r.chain + " " + r.spec)
	return b.String()
}

// ensure - appends r unless an identical rule is present
func (d *Device) ensure(r rule) error {
	if _, err := d.host.Run(r.command(d.iptables, "-C")); err == nil {
		return nil
	}
	out, err := d.host.Run(r.command(d.iptables, "-A"))
	if err != nil {
		return fmt.Errorf("%s: %w %s", r.command(d.iptables, "-A"), err, strings.TrimSpace(out))
	}
	return nil
}

// remove - deletes r when present
func (d *Device) remove(r rule) error {
	if _, err := d.host.Run(r.command(d.iptables, "-C")); err != nil {
		return nil
	}
	out, err := d.host.Run(r.command(d.iptables, "-D"))
	if err != nil {
		return fmt.Errorf("%s: %w %s", r.command(d.iptables, "-D"), err, strings.TrimSpace(out))
	}
	return nil
}

func (d *Device) enableForwarding() error {
	if _, err := d.host.Run("sysctl -w net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("enable ip forwarding: %w", err)
	}
	return nil
}

// interfaceRules - masquerade and forward accepts between the device and the egress, d.mu held
func (d *Device) interfaceRules() []rule {
	name, egress := d.name, d.egress
	rules := []rule{{"nat", "POSTROUTING", "-o " + name + " -j MASQUERADE"}}
	if egress != "" {
		rules = append(rules,
			rule{"", "FORWARD", "-i " + egress + " -o " + name + " -j ACCEPT"},
			rule{"", "FORWARD", "-i " + name + " -o " + egress + " -m state --state ESTABLISHED,RELATED -j ACCEPT"},
		)
	}
	return append(rules,
		rule{"", "FORWARD", "-i " + name + " -j ACCEPT"},
		rule{"", "FORWARD", "-o " + name + " -m state --state ESTABLISHED,RELATED -j ACCEPT"},
	)
}

// networkRule - masquerade for virtual LAN sources leaving through any other interface
func (d *Device) networkRule() rule {
	return rule{"nat", "POSTROUTING", "! -o " + d.name + " -s " + d.network.String() + " -j MASQUERADE"}
}

// SetNat enables forwarding and installs the masquerade and forward rules between
// the device and the recorded egress interface. Rules already present are kept, so
// repeated calls do not stack duplicates.
func (d *Device) SetNat() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Running {
		return ErrNotRunning
	}
	if d.egress == "" {
		return ErrNoDefaultRoute
	}
	var errs []error
	if err := d.enableForwarding(); err != nil {
		errs = append(errs, err)
	}
	for _, r := range append(d.interfaceRules(), d.networkRule()) {
		if err := d.ensure(r); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Log(0, "nat on", d.name, "partially applied:", err.Error())
		return err
	}
	logger.Log(1, "nat enabled for", d.network.String(), "via", d.egress)
	return nil
}

// RemoveNat deletes the interface rules, then every nat POSTROUTING rule naming the
// device network, by line number from the highest down.
func (d *Device) RemoveNat() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.network.IsValid() {
		return ErrNotRunning
	}
	var errs []error
	for _, r := range d.interfaceRules() {
		if err := d.remove(r); err != nil {
			errs = append(errs, err)
		}
	}
	list := d.iptables + " -t nat -L POSTROUTING --line-numbers -n"
	out, err := d.host.Run(list)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", list, err))
	} else {
		for _, num := range lineNumbers(out, d.network.String()) {
			cmd := d.iptables + " -t nat -D POSTROUTING " + strconv.Itoa(num)
			if _, err := d.host.Run(cmd); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", cmd, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Log(0, "nat removal on", d.name, "incomplete:", err.Error())
		return err
	}
	logger.Log(1, "nat removed for", d.network.String())
	return nil
}

// lineNumbers - rule numbers of a --line-numbers listing whose fields include match, descending
func lineNumbers(listing, match string) []int {
	var nums []int
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		for _, f := range fields[1:] {
			if f == match {
				nums = append(nums, num)
				break
			}
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(nums)))
	return nums
}

// forwardRules - DNAT and masquerade pairs for tcp and udp
func forwardRules(f models.ForwardRule) []rule {
	listen := ""
	if f.ListenAddr.IsValid() && !f.ListenAddr.IsUnspecified() {
		listen = "-d " + f.ListenAddr.String() + " "
	}
	target := netip.AddrPortFrom(f.ConnectAddr, f.ConnectPort).String()
	rules := make([]rule, 0, 4)
	for _, proto := range []string{"tcp", "udp"} {
		rules = append(rules,
			rule{"nat", "PREROUTING", fmt.Sprintf("-p %s %s--dport %d -j DNAT --to-destination %s", proto, listen, f.ListenPort, target)},
			rule{"nat", "POSTROUTING", fmt.Sprintf("-p %s -d %s --dport %d -j MASQUERADE", proto, f.ConnectAddr, f.ConnectPort)},
		)
	}
	return rules
}

// AddForward installs the port forwards of every enabled rule as one batch. Every
// command is attempted; the failures are returned together.
func (d *Device) AddForward(forwards []models.ForwardRule) error {
	var errs []error
	var batch []rule
	for _, f := range forwards {
		if !f.Enable {
			continue
		}
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("forward %d: %w", f.ListenPort, err))
			continue
		}
		batch = append(batch, forwardRules(f)...)
	}
	if len(batch) == 0 {
		return errors.Join(errs...)
	}
	if err := d.enableForwarding(); err != nil {
		errs = append(errs, err)
	}
	for _, r := range batch {
		if err := d.ensure(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveForward deletes the port forwards of every enabled rule
func (d *Device) RemoveForward(forwards []models.ForwardRule) error {
	var errs []error
	for _, f := range forwards {
		if !f.Enable || f.Validate() != nil {
			continue
		}
		for _, r := range forwardRules(f) {
			if err := d.remove(r); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// AddRoute routes the network of each entry through the device with next hop via,
// the device address when via is unset
func (d *Device) AddRoute(entries []models.RouteEntry, via netip.Addr) error {
	if !via.IsValid() {
		via, _ = d.Address()
	}
	if !via.IsValid() {
		return ErrNotRunning
	}
	var errs []error
	for _, entry := range entries {
		network, err := entry.Network()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cmd := fmt.Sprintf("ip route add %s via %s dev %s metric %d", network, via, d.name, routeMetric)
		if _, err := d.host.Run(cmd); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cmd, err))
		}
	}
	return errors.Join(errs...)
}

// DelRoute removes the route to the network of each entry
func (d *Device) DelRoute(entries []models.RouteEntry) error {
	var errs []error
	for _, entry := range entries {
		network, err := entry.Network()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cmd := fmt.Sprintf("ip route del %s", network)
		if _, err := d.host.Run(cmd); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cmd, err))
		}
	}
	return errors.Join(errs...)
}
