package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const loopbackQueueSize = 256

// Loopback is an in-memory Device on which every written frame becomes
// readable again, like a cable plugged back into its own port. It lets the
// server run without a kernel interface (and without privileges).
type Loopback struct {
	mtu     int
	frames  chan []byte
	dropped atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLoopback returns a Loopback device with the given MTU.
func NewLoopback(mtu int) *Loopback {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Loopback{
		mtu:    mtu,
		frames: make(chan []byte, loopbackQueueSize),
		closed: make(chan struct{}),
	}
}

// MTU implements Device.
func (l *Loopback) MTU() int { return l.mtu }

// Dropped returns the number of written frames discarded because the
// read side was not keeping up.
func (l *Loopback) Dropped() uint64 { return l.dropped.Load() }

// ReadFrame implements Device.
func (l *Loopback) ReadFrame(buf []byte, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-l.frames:
		if len(frame) > len(buf) {
			return 0, fmt.Errorf("loopback: %d byte frame does not fit in %d byte buffer", len(frame), len(buf))
		}
		return copy(buf, frame), nil
	case <-l.closed:
		return 0, ErrClosed
	case <-timer.C:
		return 0, ErrWouldBlock
	}
}

// WriteFrame implements Device. It never blocks: when the queue is full the
// frame is dropped, as a saturated NIC would.
func (l *Loopback) WriteFrame(frame []byte) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	if len(frame) > FrameSize(l.mtu) {
		return fmt.Errorf("loopback: %d byte frame exceeds MTU %d", len(frame), l.mtu)
	}

	select {
	case l.frames <- append([]byte(nil), frame...):
	default:
		l.dropped.Add(1)
	}
	return nil
}

// Close implements io.Closer.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
