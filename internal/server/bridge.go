package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tapserver/internal/core/client"
	frames "github.com/dcrodman/tapserver/internal/core/debug"
	"github.com/dcrodman/tapserver/internal/core/wire"
	"github.com/dcrodman/tapserver/internal/device"
)

// Disconnect reasons recorded in logs and session summaries.
const (
	reasonPeerClosed        = "peer closed"
	reasonPeerClosedMidUnit = "peer closed mid-frame"
	reasonProtocolViolation = "protocol violation"
	reasonConnectionError   = "connection error"
	reasonServerStopped     = "server stopped"
)

const deviceQueueSize = 64

// clientEvent is sent by a client's goroutines to the bridge loop. Frames
// and the final disconnect of a client travel through the same channel so
// that the loop sees them in the order they happened.
type clientEvent struct {
	client *client.Client
	frame  []byte
	// Set when the client is finished, err says why.
	done bool
	err  error
}

// run holds the channels and goroutines of one Start..Stop cycle.
type run struct {
	listener net.Listener

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	deviceFrames chan []byte
	events       chan clientEvent
	fatal        chan error

	// Clients taking part in the bridge. Only the loop touches it.
	active map[*client.Client]struct{}
	// Why the run ended, nil for a requested stop.
	err error
}

func newRun(listener net.Listener) *run {
	return &run{
		listener:     listener,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		deviceFrames: make(chan []byte, deviceQueueSize),
		events:       make(chan clientEvent, deviceQueueSize),
		fatal:        make(chan error, 1),
		active:       make(map[*client.Client]struct{}),
	}
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// loop is the only goroutine that writes to the device and the only one
// that changes the set of active clients.
func (s *Server) loop(r *run) {
	defer s.finish(r)

	ticker := time.NewTicker(s.wait)
	defer ticker.Stop()

	for {
		s.activatePending(r)

		select {
		case <-r.stop:
			s.shutdown(r, nil)
			return
		case err := <-r.fatal:
			s.shutdown(r, err)
			return
		case frame := <-r.deviceFrames:
			s.broadcast(r, frame)
		case ev := <-r.events:
			if err := s.handleEvent(r, ev); err != nil {
				s.shutdown(r, err)
				return
			}
		case <-s.registry.wake:
		case <-ticker.C:
		}
	}
}

// activatePending starts the goroutines of clients registered since the
// last iteration.
func (s *Server) activatePending(r *run) {
	for _, c := range s.registry.takePending() {
		r.active[c] = struct{}{}
		r.wg.Add(2)
		go s.readClient(r, c)
		go s.writeClient(r, c)
		s.logger.WithFields(c.LogFields()).Info("client joined the bridge")
	}
}

// broadcast queues a device frame for every active client. A client whose
// queue is full loses this frame and nobody else is affected.
func (s *Server) broadcast(r *run, frame []byte) {
	s.stats.framesFromDevice.Add(1)
	if s.opts.PacketLogging {
		s.logger.Debug(frames.FormatFrame(frames.DeviceToClients, frame))
	}

	unit, err := wire.Encode(frame)
	if err != nil {
		s.logger.WithError(err).Warn("discarding device frame")
		return
	}
	for c := range r.active {
		if !c.Enqueue(unit) {
			s.stats.dropped.Add(1)
			s.logger.WithFields(c.LogFields()).Debug("client queue full, dropped frame")
		}
	}
}

// handleEvent writes a client's frame to the device or retires a finished
// client. A device write failure is returned and ends the run.
func (s *Server) handleEvent(r *run, ev clientEvent) error {
	if _, ok := r.active[ev.client]; !ok {
		return nil
	}
	if ev.done {
		s.disconnect(r, ev.client, ev.err)
		return nil
	}

	if s.opts.PacketLogging {
		s.logger.WithFields(ev.client.LogFields()).Debug(frames.FormatFrame(frames.ClientToDevice, ev.frame))
	}
	if err := s.device.WriteFrame(ev.frame); err != nil {
		return fmt.Errorf("writing frame to device: %w", err)
	}
	s.stats.framesToDevice.Add(1)
	return nil
}

// disconnect removes c from the bridge and closes its connection.
func (s *Server) disconnect(r *run, c *client.Client, err error) {
	delete(r.active, c)
	s.registry.remove(c)
	c.Close()

	reason := disconnectReason(err)
	entry := s.logger.WithFields(c.LogFields()).WithFields(logrus.Fields{
		"reason":    reason,
		"err_class": errclass.New(err),
	})
	if reason == reasonProtocolViolation {
		s.quarantine.add(c.IPAddr())
		entry.WithError(err).Warn("disconnected client")
	} else if reason == reasonConnectionError {
		entry.WithError(err).Info("disconnected client")
	} else {
		entry.Info("client disconnected")
	}
	s.endSession(c, reason, err)
}

func (s *Server) endSession(c *client.Client, reason string, err error) {
	s.stats.disconnected.Add(1)
	if s.opts.Sessions != nil {
		s.opts.Sessions.RecordSession(c.Summary(reason, err))
	}
}

func disconnectReason(err error) string {
	switch {
	case err == nil:
		return reasonServerStopped
	case errors.Is(err, wire.ErrFrameTooLarge):
		return reasonProtocolViolation
	case errors.Is(err, io.ErrUnexpectedEOF):
		return reasonPeerClosedMidUnit
	case errors.Is(err, io.EOF):
		return reasonPeerClosed
	default:
		return reasonConnectionError
	}
}

// shutdown ends the run: it stops every goroutine, closes the listener and
// all client connections, and waits for everything to exit.
func (s *Server) shutdown(r *run, err error) {
	r.err = err
	r.requestStop()
	if err != nil {
		s.logger.WithError(err).WithField("err_class", errclass.New(err)).Error("bridge failed")
	}

	if r.listener != nil {
		r.listener.Close()
	}
	for c := range r.active {
		delete(r.active, c)
		c.Close()
		s.endSession(c, reasonServerStopped, nil)
	}
	r.wg.Wait()

	// The acceptor may have registered a connection after the loop last
	// looked, so the registry is only emptied once it has exited.
	for _, c := range s.registry.drain() {
		c.Close()
	}
	s.logger.Info("bridge stopped")
}

// readDevice forwards device frames to the loop until the run stops or
// the device fails.
func (s *Server) readDevice(r *run) {
	defer r.wg.Done()

	buf := make([]byte, deviceFrameSize(s.device))
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		n, err := s.device.ReadFrame(buf, s.wait)
		if errors.Is(err, device.ErrWouldBlock) {
			continue
		} else if err != nil {
			select {
			case r.fatal <- fmt.Errorf("reading frame from device: %w", err):
			default:
			}
			return
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case r.deviceFrames <- frame:
		case <-r.stop:
			return
		}
	}
}

// readClient passes the frames of c to the loop followed by a final event
// carrying the reason the connection ended.
func (s *Server) readClient(r *run, c *client.Client) {
	defer r.wg.Done()

	err := s.readFramesAndRecover(r, c)
	s.sendEvent(r, clientEvent{client: c, done: true, err: err})
}

// readFramesAndRecover keeps a panic while handling one client from taking
// the rest of the server down with it.
func (s *Server) readFramesAndRecover(r *run, c *client.Client) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.WithFields(c.LogFields()).Errorf("error in client communication: %v\n%s\n", p, debug.Stack())
			err = fmt.Errorf("panic reading from client: %v", p)
		}
	}()

	return c.ReadFrames(func(frame []byte) bool {
		return s.sendEvent(r, clientEvent{client: c, frame: frame})
	})
}

// writeClient delivers the queued units of c until it is closed. A write
// failure ends the client.
func (s *Server) writeClient(r *run, c *client.Client) {
	defer r.wg.Done()

	if err := c.WriteQueued(); err != nil {
		s.sendEvent(r, clientEvent{client: c, done: true, err: err})
	}
}

func (s *Server) sendEvent(r *run, ev clientEvent) bool {
	select {
	case <-r.stop:
		return false
	default:
	}
	select {
	case r.events <- ev:
		return true
	case <-r.stop:
		return false
	}
}
