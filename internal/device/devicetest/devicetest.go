// Package devicetest provides a scriptable in-memory device.Device for tests.
package devicetest

import (
	"sync"
	"time"

	"github.com/dcrodman/tapserver/internal/device"
)

// Device is a device.Device whose readable frames are supplied by the test
// through Inject and whose written frames are observed through Written.
type Device struct {
	mtu     int
	inbound chan []byte
	written chan []byte

	mu       sync.Mutex
	readErr  error
	writeErr error
	writes   int

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a Device with the given MTU (device.DefaultMTU when zero).
func New(mtu int) *Device {
	if mtu <= 0 {
		mtu = device.DefaultMTU
	}
	return &Device{
		mtu:     mtu,
		inbound: make(chan []byte, 1024),
		written: make(chan []byte, 4096),
		closed:  make(chan struct{}),
	}
}

// Inject queues frame to be returned by a later ReadFrame.
func (d *Device) Inject(frame []byte) {
	d.inbound <- append([]byte(nil), frame...)
}

// Written returns the frames passed to WriteFrame, in call order.
func (d *Device) Written() <-chan []byte { return d.written }

// FailReads makes every following ReadFrame return err.
func (d *Device) FailReads(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
}

// FailWrites makes every following WriteFrame return err.
func (d *Device) FailWrites(err error) {
	d.mu.Lock()
	d.writeErr = err
	d.mu.Unlock()
}

// Writes returns the number of successful WriteFrame calls.
func (d *Device) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// MTU implements device.Device.
func (d *Device) MTU() int { return d.mtu }

// ReadFrame implements device.Device.
func (d *Device) ReadFrame(buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	err := d.readErr
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-d.inbound:
		return copy(buf, frame), nil
	case <-d.closed:
		return 0, device.ErrClosed
	case <-timer.C:
		return 0, device.ErrWouldBlock
	}
}

// WriteFrame implements device.Device.
func (d *Device) WriteFrame(frame []byte) error {
	d.mu.Lock()
	err := d.writeErr
	if err == nil {
		d.writes++
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case d.written <- append([]byte(nil), frame...):
		return nil
	case <-d.closed:
		return device.ErrClosed
	}
}

// Close unblocks pending calls; later calls return device.ErrClosed.
func (d *Device) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}
