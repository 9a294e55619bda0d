package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tapserver/internal/core/wire"
)

// Counters holds the traffic totals of one client.
type Counters struct {
	FramesIn  uint64
	FramesOut uint64
	BytesIn   uint64
	BytesOut  uint64
	// Wire units discarded because the outbound queue was full.
	Dropped uint64
}

// Summary describes a finished client session.
type Summary struct {
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	Counters
	// Reason is a short human readable cause of the disconnect.
	Reason string
	// ErrClass is the errclass classification of the error that ended the
	// session, empty when it ended without one.
	ErrClass string
}

// Client represents a remote peer connected to the bridge.
type Client struct {
	connection net.Conn
	ipAddr     string
	port       string

	// ConnectedAt is when the client was registered.
	ConnectedAt time.Time

	// Accumulates partial wire units between reads. Only the reading
	// goroutine touches it.
	decoder *wire.Decoder
	// Encoded wire units waiting to be written to the connection.
	outbound chan []byte

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	dropped   atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an established connection. Declared frame lengths above
// maxFrameSize are treated as protocol violations and at most queueSize wire
// units are held for a slow reader.
func NewClient(connection net.Conn, maxFrameSize, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 1
	}
	ip, port := splitAddr(connection.RemoteAddr())

	return &Client{
		connection:  connection,
		ipAddr:      ip,
		port:        port,
		ConnectedAt: time.Now(),
		decoder:     wire.NewDecoder(maxFrameSize),
		outbound:    make(chan []byte, queueSize),
		closed:      make(chan struct{}),
	}
}

func splitAddr(addr net.Addr) (string, string) {
	if addr == nil {
		return "", ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), ""
	}
	return host, port
}

func (c *Client) IPAddr() string { return c.ipAddr }
func (c *Client) Port() string   { return c.port }

// Conn returns the underlying connection.
func (c *Client) Conn() net.Conn { return c.connection }

// RemoteAddr returns the peer address in host:port form when it has one.
func (c *Client) RemoteAddr() string {
	if c.port == "" {
		return c.ipAddr
	}
	return net.JoinHostPort(c.ipAddr, c.port)
}

// LogFields returns the fields identifying the client in log entries.
func (c *Client) LogFields() logrus.Fields {
	return logrus.Fields{"client": c.RemoteAddr()}
}

// Enqueue queues an encoded wire unit for delivery without blocking. When
// the queue is full the unit is dropped, counted, and false is returned.
func (c *Client) Enqueue(unit []byte) bool {
	select {
	case c.outbound <- unit:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Pending returns the number of wire units waiting to be written.
func (c *Client) Pending() int { return len(c.outbound) }

// ReadFrames is a blocking loop that reads from the connection and passes
// every complete frame to emit in the order it was received. It returns
// io.EOF when the peer closed the connection on a unit boundary,
// io.ErrUnexpectedEOF when it closed mid-unit, and the read or protocol
// error otherwise. It returns nil as soon as emit returns false.
func (c *Client) ReadFrames(emit func(frame []byte) bool) error {
	for {
		n, err := c.decoder.Fill(c.connection)
		c.bytesIn.Add(uint64(n))

		for {
			frame, decodeErr := c.decoder.Next()
			if errors.Is(decodeErr, wire.ErrIncomplete) {
				break
			} else if decodeErr != nil {
				return decodeErr
			}

			c.framesIn.Add(1)
			if !emit(frame) {
				return nil
			}
		}

		if err == io.EOF && c.decoder.Buffered() > 0 {
			return fmt.Errorf("peer closed with %d bytes of a partial unit: %w",
				c.decoder.Buffered(), io.ErrUnexpectedEOF)
		} else if err != nil {
			return err
		}
	}
}

// WriteQueued is a blocking loop that writes queued wire units to the
// connection until the client is closed or a write fails.
func (c *Client) WriteQueued() error {
	for {
		select {
		case <-c.closed:
			return nil
		case unit := <-c.outbound:
			if err := c.transmit(unit); err != nil {
				return err
			}
		}
	}
}

// transmit writes the contents of data to the connection, resuming after
// short writes until every byte has been sent.
func (c *Client) transmit(data []byte) error {
	bytesSent := 0

	for bytesSent < len(data) {
		n, err := c.connection.Write(data[bytesSent:])
		bytesSent += n
		if err != nil {
			return fmt.Errorf("failed to send to client %v: %w", c.RemoteAddr(), err)
		}
	}

	c.framesOut.Add(1)
	c.bytesOut.Add(uint64(bytesSent))
	return nil
}

// Counters returns a snapshot of the client's traffic totals.
func (c *Client) Counters() Counters {
	return Counters{
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// Summary describes the session as of now, ended for reason by err.
func (c *Client) Summary(reason string, err error) Summary {
	return Summary{
		RemoteAddr:     c.RemoteAddr(),
		ConnectedAt:    c.ConnectedAt,
		DisconnectedAt: time.Now(),
		Counters:       c.Counters(),
		Reason:         reason,
		ErrClass:       errclass.New(err),
	}
}

// Closed returns a channel that is closed once Close has been called.
func (c *Client) Closed() <-chan struct{} { return c.closed }

// Close the connection and stop the write loop. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.connection.Close()
	})
	return err
}
