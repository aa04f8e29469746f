//go:build linux

// Package tun opens a Linux /dev/net/tun character device in TUN mode and
// exposes it as a pump.Device: Recv/Send move whole IPv4 datagrams with no
// link-layer framing, matching IFF_NO_PI.
package tun

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Device is a /dev/net/tun handle opened in IFF_TUN|IFF_NO_PI mode.
type Device struct {
	fd   int
	name string
}

// Config selects the device name to open or create. An empty Name defaults
// to "tun0".
type Config struct {
	Name string
}

// Open creates (or attaches to) a tun interface and returns a Device ready
// for Recv/Send. The caller is responsible for bringing the interface up
// and assigning it an address (e.g. via "ip link"/"ip addr"), which this
// package deliberately does not do: the stack above it owns addressing.
func Open(cfg Config) (*Device, error) {
	name := cfg.Name
	if name == "" {
		name = "tun0"
	}
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("tun: name %q too long", name)
	}

	fd, err := unix.Open("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: invalid name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun: TUNSETIFF %q: %w", name, err)
	}

	return &Device{fd: fd, name: ifr.Name()}, nil
}

// Name reports the kernel-assigned interface name (may differ from the
// requested name if it was empty or a template such as "tun%d").
func (d *Device) Name() string { return d.name }

// Recv reads exactly one IPv4 datagram into buf, blocking until one arrives.
func (d *Device) Recv(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return 0, fmt.Errorf("tun: read: %w", err)
	}
	return n, nil
}

// Send writes one IPv4 datagram to the device.
func (d *Device) Send(buf []byte) error {
	_, err := unix.Write(d.fd, buf)
	if err != nil {
		return fmt.Errorf("tun: write: %w", err)
	}
	return nil
}

// Close releases the underlying file descriptor, unblocking any pending
// Recv with an error.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}
