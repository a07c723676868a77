//go:build !linux

package tun

import (
	"errors"
	"io"
)

func openTun(name string) (io.ReadWriteCloser, error) {
	return nil, errors.New("tun devices are only supported on linux")
}
