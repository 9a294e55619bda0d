// Package server bridges a TAP device and any number of TCP clients. Every
// frame read from the device is sent to every client and every frame read
// from a client is written to the device.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tapserver/internal/core/client"
	"github.com/dcrodman/tapserver/internal/core/wire"
	"github.com/dcrodman/tapserver/internal/device"
)

const (
	// DefaultQueueSize is the number of wire units buffered per client.
	DefaultQueueSize = 64
	// minWait bounds how often the bridge loop wakes up when idle.
	minWait = time.Millisecond
)

// SessionRecorder receives a summary of every client session that ends.
// RecordSession is called from the bridge loop and must not block.
type SessionRecorder interface {
	RecordSession(s client.Summary)
}

// Options tunes a Server. The zero value is usable.
type Options struct {
	// Largest frame a client may declare. Zero derives it from the device MTU.
	MaxFrameSize int
	// Wire units held per client before new ones are dropped. Zero means
	// DefaultQueueSize.
	QueueSize int
	// Maximum number of registered clients. Zero means unlimited.
	MaxClients int
	// How long connections from an address that violated the framing
	// protocol are refused by the listener. Zero disables quarantine.
	QuarantineDuration time.Duration
	// Log every frame that passes through the bridge at debug level.
	PacketLogging bool
	// Optional sink for finished client sessions.
	Sessions SessionRecorder
	// Defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

// Stats holds server wide traffic totals.
type Stats struct {
	FramesFromDevice uint64
	FramesToDevice   uint64
	// Wire units dropped because a client's queue was full.
	Dropped uint64
	// Connections accepted and refused by the listener.
	Accepted uint64
	Refused  uint64
	// Client sessions that have ended.
	Disconnected uint64
}

type stats struct {
	framesFromDevice atomic.Uint64
	framesToDevice   atomic.Uint64
	dropped          atomic.Uint64
	accepted         atomic.Uint64
	refused          atomic.Uint64
	disconnected     atomic.Uint64
}

// Server owns a device, an optional TCP listener, and the set of
// registered clients. All methods are safe for concurrent use.
type Server struct {
	device       device.Device
	wait         time.Duration
	maxFrameSize int
	queueSize    int
	opts         Options
	logger       logrus.FieldLogger

	registry   *registry
	quarantine *quarantine
	stats      stats
	listen     func(port uint16, backlog int) (net.Listener, error)

	mu      sync.Mutex
	state   State
	current *run
	lastErr error
}

// New creates a stopped server around dev. waitMillis is the longest the
// bridge waits for activity before re-checking for new clients and
// shutdown requests; values below one millisecond are raised to one.
func New(dev device.Device, waitMillis int, opts Options) (*Server, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrInvalidArgument)
	}
	if waitMillis < 0 {
		return nil, fmt.Errorf("%w: negative wait interval %d", ErrInvalidArgument, waitMillis)
	}
	if opts.MaxFrameSize < 0 || opts.MaxFrameSize > wire.MaxFrameSize {
		return nil, fmt.Errorf("%w: max frame size %d outside [0, %d]",
			ErrInvalidArgument, opts.MaxFrameSize, wire.MaxFrameSize)
	}
	if opts.QueueSize < 0 || opts.MaxClients < 0 || opts.QuarantineDuration < 0 {
		return nil, fmt.Errorf("%w: negative queue size, client limit or quarantine", ErrInvalidArgument)
	}

	wait := time.Duration(waitMillis) * time.Millisecond
	if wait < minWait {
		wait = minWait
	}

	// Anything larger than the device accepts would fail the device write
	// and end the bridge for every client.
	maxFrameSize := opts.MaxFrameSize
	if limit := deviceFrameSize(dev); maxFrameSize == 0 {
		maxFrameSize = limit
	} else if maxFrameSize > limit {
		return nil, fmt.Errorf("%w: max frame size %d exceeds the %d bytes the device accepts",
			ErrInvalidArgument, maxFrameSize, limit)
	}
	queueSize := opts.QueueSize
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Server{
		device:       dev,
		wait:         wait,
		maxFrameSize: maxFrameSize,
		queueSize:    queueSize,
		opts:         opts,
		logger:       logger,
		registry:     newRegistry(opts.MaxClients),
		quarantine:   newQuarantine(opts.QuarantineDuration),
		listen:       listenTCP,
		state:        Stopped,
	}, nil
}

// deviceFrameSize is the largest frame dev can produce that still fits in
// a single wire unit.
func deviceFrameSize(dev device.Device) int {
	size := device.FrameSize(dev.MTU())
	if size > wire.MaxFrameSize {
		size = wire.MaxFrameSize
	}
	return size
}

// Start launches the bridge. When port is non-zero and backlog positive a
// listener is bound on all interfaces and accepted connections are
// registered automatically; otherwise only clients passed to AddClient
// take part. Starting a running server reports StatusAlreadyRunning.
func (s *Server) Start(port uint16, backlog int) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Let a concurrent Stop finish before starting over.
	for s.state == Stopping {
		r := s.current
		s.mu.Unlock()
		<-r.done
		s.mu.Lock()
	}

	switch s.state {
	case Destroyed:
		return 0, ErrDestroyed
	case Running:
		return StatusAlreadyRunning, nil
	}

	var listener net.Listener
	if port != 0 && backlog > 0 {
		var err error
		if listener, err = s.listen(port, backlog); err != nil {
			return 0, fmt.Errorf("%w: listening on port %d: %w", ErrResource, port, err)
		}
	}

	r := newRun(listener)
	s.current = r
	s.state = Running
	s.lastErr = nil

	r.wg.Add(1)
	go s.readDevice(r)
	if listener != nil {
		r.wg.Add(1)
		go s.acceptConnections(r, listener)
		s.logger.Infof("bridge listening on %s", listener.Addr())
	}
	go s.loop(r)

	s.logger.WithField("wait", s.wait).Info("bridge started")
	return StatusStarted, nil
}

// AddClient registers an established connection. It is valid in any state
// but Destroyed; clients added while the server is stopped join the bridge
// on the next Start. On success the server owns conn; on error the caller
// keeps it.
func (s *Server) AddClient(conn net.Conn) error {
	if conn == nil {
		return fmt.Errorf("%w: nil connection", ErrInvalidArgument)
	}

	// Held across the add so that Destroy cannot drain the registry in
	// between.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Destroyed {
		return ErrDestroyed
	}

	c := client.NewClient(conn, s.maxFrameSize, s.queueSize)
	if err := s.registry.add(c); err != nil {
		return err
	}
	s.logger.WithFields(c.LogFields()).Debug("client registered")
	return nil
}

// Stop ends the bridge, closes the listener and every client connection,
// and returns once all of the server's goroutines have exited. Stopping a
// server that is not running does nothing.
func (s *Server) Stop() {
	s.mu.Lock()
	r := s.current
	if r == nil {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.mu.Unlock()

	r.requestStop()
	<-r.done
}

// Destroy stops the server if needed and releases it. Every call made
// afterwards, including another Destroy, returns ErrDestroyed.
func (s *Server) Destroy() error {
	for {
		s.mu.Lock()
		if s.state == Destroyed {
			s.mu.Unlock()
			return ErrDestroyed
		}
		if s.current == nil {
			break
		}
		s.mu.Unlock()
		s.Stop()
	}
	defer s.mu.Unlock()

	s.state = Destroyed
	for _, c := range s.registry.drain() {
		c.Close()
	}
	s.logger.Info("bridge destroyed")
	return nil
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the address of the listener of a running server.
func (s *Server) Addr() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Destroyed {
		return nil, ErrDestroyed
	}
	if s.current == nil || s.current.listener == nil {
		return nil, ErrNotRunning
	}
	return s.current.listener.Addr(), nil
}

// Clients returns the number of registered clients.
func (s *Server) Clients() int { return s.registry.len() }

// Done returns a channel that is closed when the current run of the bridge
// ends, either through Stop or because the device failed. It is already
// closed when the server is not running.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.current.done
}

// Err returns the error that ended the last run, nil when it was stopped.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stats returns a snapshot of the server's traffic totals.
func (s *Server) Stats() Stats {
	return Stats{
		FramesFromDevice: s.stats.framesFromDevice.Load(),
		FramesToDevice:   s.stats.framesToDevice.Load(),
		Dropped:          s.stats.dropped.Load(),
		Accepted:         s.stats.accepted.Load(),
		Refused:          s.stats.refused.Load(),
		Disconnected:     s.stats.disconnected.Load(),
	}
}

// finish records the end of run r. It is the last thing the loop does.
func (s *Server) finish(r *run) {
	s.mu.Lock()
	if s.current == r {
		s.current = nil
		s.lastErr = r.err
		if s.state != Destroyed {
			s.state = Stopped
		}
	}
	s.mu.Unlock()
	close(r.done)
}
