package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/songgao/water"
)

// pumpQueueSize is the number of frames buffered by the read pump of a TAP
// whose descriptor does not support read deadlines.
const pumpQueueSize = 64

// Config describes the TAP interface to create.
type Config struct {
	// Name of the interface. Blank lets the kernel pick one (tap0, tap1, ...).
	Name string
	// MTU of the interface. Zero keeps DefaultMTU.
	MTU int
	// BringUp sets the interface administratively up after creation.
	BringUp bool
}

type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// TAP is a Device backed by a kernel TAP interface.
type TAP struct {
	name string
	mtu  int
	rwc  io.ReadWriteCloser

	// useDeadlines is only touched by the reading goroutine.
	useDeadlines bool

	pumpOnce sync.Once
	frames   chan []byte
	readErrs chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenTAP creates (or attaches to) a TAP interface and configures its MTU.
func OpenTAP(cfg Config) (*TAP, error) {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	ifce, err := water.New(platformConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("error creating TAP device: %w", err)
	}

	if err := configureLink(ifce.Name(), mtu, cfg.BringUp); err != nil {
		ifce.Close()
		return nil, fmt.Errorf("error configuring %s: %w", ifce.Name(), err)
	}

	return newTAP(ifce.ReadWriteCloser, ifce.Name(), mtu), nil
}

func newTAP(rwc io.ReadWriteCloser, name string, mtu int) *TAP {
	_, canDeadline := rwc.(deadlineReader)
	return &TAP{
		name:         name,
		mtu:          mtu,
		rwc:          rwc,
		useDeadlines: canDeadline,
		frames:       make(chan []byte, pumpQueueSize),
		readErrs:     make(chan error, 1),
		closed:       make(chan struct{}),
	}
}

// Name returns the name of the interface, e.g. tap0.
func (t *TAP) Name() string { return t.name }

// MTU implements Device.
func (t *TAP) MTU() int { return t.mtu }

// ReadFrame implements Device. Descriptors that support deadlines are read
// directly; otherwise a background pump feeds frames through a channel.
func (t *TAP) ReadFrame(buf []byte, timeout time.Duration) (int, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	default:
	}

	if t.useDeadlines {
		dr := t.rwc.(deadlineReader)
		if err := dr.SetReadDeadline(time.Now().Add(timeout)); err == nil {
			n, err := t.rwc.Read(buf)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return 0, ErrWouldBlock
			}
			return n, err
		}
		// Regular files and some character devices refuse deadlines.
		t.useDeadlines = false
	}

	t.pumpOnce.Do(func() { go t.pump() })

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-t.frames:
		if len(frame) > len(buf) {
			return 0, io.ErrShortBuffer
		}
		return copy(buf, frame), nil
	case err := <-t.readErrs:
		return 0, err
	case <-t.closed:
		return 0, ErrClosed
	case <-timer.C:
		return 0, ErrWouldBlock
	}
}

// pump performs blocking reads until the device fails or is closed.
func (t *TAP) pump() {
	for {
		buf := make([]byte, FrameSize(t.mtu))
		n, err := t.rwc.Read(buf)
		if err != nil {
			select {
			case t.readErrs <- err:
			case <-t.closed:
			}
			return
		}

		select {
		case t.frames <- buf[:n]:
		case <-t.closed:
			return
		}
	}
}

// WriteFrame implements Device.
func (t *TAP) WriteFrame(frame []byte) error {
	n, err := t.rwc.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// Close releases the interface. Non-persistent interfaces disappear.
func (t *TAP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.rwc.Close()
	})
	return err
}
