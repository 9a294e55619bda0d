//go:build !linux

package device

import "github.com/songgao/water"

func platformConfig(cfg Config) water.Config {
	return water.Config{DeviceType: water.TAP}
}

// configureLink is a no-op outside of Linux; the interface has to be set up
// with the platform's own tooling.
func configureLink(name string, mtu int, up bool) error {
	return nil
}
