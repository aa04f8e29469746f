//go:build !linux

package tun

import "errors"

// Device is a stub on non-Linux platforms; /dev/net/tun is Linux-specific.
type Device struct{}

// Config selects the device name to open or create.
type Config struct {
	Name string
}

// Open always fails on non-Linux platforms.
func Open(cfg Config) (*Device, error) {
	return nil, errors.ErrUnsupported
}

func (d *Device) Name() string { return "" }

func (d *Device) Recv(buf []byte) (int, error) {
	return 0, errors.ErrUnsupported
}

func (d *Device) Send(buf []byte) error {
	return errors.ErrUnsupported
}

func (d *Device) Close() error {
	return errors.ErrUnsupported
}
