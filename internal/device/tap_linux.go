//go:build linux

package device

import (
	"fmt"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"
)

func platformConfig(cfg Config) water.Config {
	return water.Config{
		DeviceType: water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	}
}

// configureLink sets the MTU of the interface and optionally marks it up,
// using the SIOCSIFMTU/SIOCSIFFLAGS ioctls on a throwaway datagram socket.
func configureLink(name string, mtu int, up bool) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	ifr.SetUint32(uint32(mtu))
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFMTU, ifr); err != nil {
		return fmt.Errorf("setting MTU %d: %w", mtu, err)
	}

	if !up {
		return nil
	}

	flags, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, flags); err != nil {
		return fmt.Errorf("reading interface flags: %w", err)
	}
	flags.SetUint16(flags.Uint16() | uint16(unix.IFF_UP))
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, flags); err != nil {
		return fmt.Errorf("bringing interface up: %w", err)
	}
	return nil
}
