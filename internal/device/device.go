// Package device defines the virtual network device the bridge reads frames
// from and writes frames to, together with a TAP implementation backed by
// github.com/songgao/water and an in-memory loopback device.
package device

import (
	"errors"
	"time"
)

const (
	// DefaultMTU is the MTU used when none is configured.
	DefaultMTU = 1500
	// MaxHeaderSize is the largest link-layer header that can precede a
	// payload of MTU bytes (Ethernet header, 802.1Q tag and FCS).
	MaxHeaderSize = 22
)

var (
	// ErrWouldBlock is returned by ReadFrame when no frame became available
	// before the timeout expired.
	ErrWouldBlock = errors.New("device: no frame available")
	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("device: closed")
)

// Device is a handle to a virtual network interface that exchanges whole
// link-layer frames.
//
// ReadFrame is called from a single goroutine and WriteFrame from a single
// (possibly different) goroutine.
type Device interface {
	// ReadFrame reads one frame into buf and returns its length. It waits at
	// most timeout for a frame and returns ErrWouldBlock if none arrived.
	ReadFrame(buf []byte, timeout time.Duration) (int, error)

	// WriteFrame writes one complete frame to the interface.
	WriteFrame(frame []byte) error

	// MTU returns the payload MTU of the interface.
	MTU() int
}

// FrameSize returns the size of a buffer able to hold any frame of a device
// with the given MTU.
func FrameSize(mtu int) int {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return mtu + MaxHeaderSize
}
