//go:build !linux

package ncutils

import "syscall"

// ReuseControl - port sharing and hop limits are only wired on linux
func ReuseControl(ttl int) func(network, address string, c syscall.RawConn) error {
	return nil
}
