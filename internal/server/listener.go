package server

import (
	"errors"
	"net"
	"time"

	"github.com/rbmk-project/common/errclass"

	"github.com/dcrodman/tapserver/internal/core/client"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// acceptConnections registers every connection accepted by listener until
// the listener is closed.
func (s *Server) acceptConnections(r *run, listener net.Listener) {
	defer r.wg.Done()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-r.stop:
				return
			default:
			}

			backoff = nextBackoff(backoff)
			s.logger.WithField("err_class", errclass.New(err)).
				Warnf("failed to accept connection: %s; retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-r.stop:
				return
			}
			continue
		}

		backoff = 0
		s.admit(r, conn)
	}
}

// admit registers conn unless the run is stopping, its address is
// quarantined or the server is full, in which case the connection is closed.
func (s *Server) admit(r *run, conn net.Conn) {
	c := client.NewClient(conn, s.maxFrameSize, s.queueSize)
	logger := s.logger.WithFields(c.LogFields())

	select {
	case <-r.stop:
		logger.Debug("closing connection accepted during shutdown")
		c.Close()
		return
	default:
	}

	if s.quarantine.has(c.IPAddr()) {
		s.stats.refused.Add(1)
		logger.Info("refused connection from quarantined address")
		c.Close()
		return
	}
	if err := s.registry.add(c); err != nil {
		s.stats.refused.Add(1)
		logger.WithError(err).Info("refused connection")
		c.Close()
		return
	}

	s.stats.accepted.Add(1)
	logger.Debug("accepted connection")
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	if next := current * 2; next < maxAcceptBackoff {
		return next
	}
	return maxAcceptBackoff
}
