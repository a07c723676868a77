//go:build linux

package tun

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

// openTun - attaches to the named tun interface without packet information headers
func openTun(name string) (io.ReadWriteCloser, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", cloneDevice)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "interface name %s", name)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "TUNSETIFF %s", name)
	}
	// non-blocking so the runtime poller owns it and Close unblocks a pending Read
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set nonblock")
	}
	return os.NewFile(uintptr(fd), cloneDevice), nil
}
