package server

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/dcrodman/tapserver/internal/core/client"
	"github.com/dcrodman/tapserver/internal/core/wire"
	"github.com/dcrodman/tapserver/internal/device/devicetest"
)

const testTimeout = 5 * time.Second

type sessionRecorder struct {
	mu       sync.Mutex
	sessions []client.Summary
}

func (r *sessionRecorder) RecordSession(s client.Summary) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
}

func (r *sessionRecorder) recorded() []client.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]client.Summary(nil), r.sessions...)
}

func newTestServer(t *testing.T, opts Options) (*Server, *devicetest.Device, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	if opts.Logger == nil {
		opts.Logger = logger
	}

	dev := devicetest.New(0)
	s, err := New(dev, 5, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Destroy()
		dev.Close()
	})
	return s, dev, hook
}

// newConnPair returns both ends of a loopback TCP connection.
func newConnPair(t *testing.T) (serverSide, peer net.Conn) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	peer, err = net.Dial("tcp4", listener.Addr().String())
	require.NoError(t, err)
	serverSide, err = listener.Accept()
	require.NoError(t, err)

	t.Cleanup(func() {
		peer.Close()
		serverSide.Close()
	})
	return serverSide, peer
}

func startTestServer(t *testing.T, s *Server) {
	status, err := s.Start(0, 0)
	require.NoError(t, err)
	require.Equal(t, StatusStarted, status)
}

// readUnit reads one wire unit from conn and returns its frame.
func readUnit(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	header := make([]byte, wire.HeaderSize)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err, "error reading unit header")

	frame := make([]byte, binary.BigEndian.Uint16(header))
	_, err = io.ReadFull(conn, frame)
	require.NoError(t, err, "error reading unit body")
	return frame
}

func sendFrames(t *testing.T, conn net.Conn, frames ...[]byte) {
	t.Helper()
	var stream []byte
	for _, f := range frames {
		var err error
		stream, err = wire.AppendEncode(stream, f)
		require.NoError(t, err)
	}
	_, err := conn.Write(stream)
	require.NoError(t, err)
}

func nextWritten(t *testing.T, dev *devicetest.Device) []byte {
	t.Helper()
	select {
	case frame := <-dev.Written():
		return frame
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a frame to be written to the device")
		return nil
	}
}

// expectClosed waits for the server to close the peer's connection.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, err := io.Copy(io.Discard, conn)
	if err != nil {
		var netErr net.Error
		require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection was not closed by the server")
	}
}

func eventually(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, testTimeout, 5*time.Millisecond, msg)
}

func makeFrame(size int, fill byte) []byte {
	frame := make([]byte, size)
	for i := range frame {
		frame[i] = fill
	}
	return frame
}

func TestNew(t *testing.T) {
	dev := devicetest.New(0)

	tests := []struct {
		name       string
		waitMillis int
		opts       Options
		nilDevice  bool
		wantErr    bool
	}{
		{name: "defaults", waitMillis: 10},
		{name: "zero wait", waitMillis: 0},
		{name: "nil device", waitMillis: 10, nilDevice: true, wantErr: true},
		{name: "negative wait", waitMillis: -1, wantErr: true},
		{name: "frame size too large", waitMillis: 10, opts: Options{MaxFrameSize: wire.MaxFrameSize + 1}, wantErr: true},
		{name: "frame size at device limit", waitMillis: 10, opts: Options{MaxFrameSize: 1522}},
		{name: "frame size above device limit", waitMillis: 10, opts: Options{MaxFrameSize: 4000}, wantErr: true},
		{name: "negative queue", waitMillis: 10, opts: Options{QueueSize: -1}, wantErr: true},
		{name: "negative client limit", waitMillis: 10, opts: Options{MaxClients: -3}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s *Server
			var err error
			if tt.nilDevice {
				s, err = New(nil, tt.waitMillis, tt.opts)
			} else {
				s, err = New(dev, tt.waitMillis, tt.opts)
			}

			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidArgument)
				require.True(t, IsConfigError(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, Stopped, s.State())
			require.GreaterOrEqual(t, s.wait, minWait)
			require.Equal(t, 1522, s.maxFrameSize)
			require.Equal(t, DefaultQueueSize, s.queueSize)
		})
	}
}

func TestServer_DeviceFrameIsBroadcast(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{})

	var peers []net.Conn
	for i := 0; i < 2; i++ {
		serverSide, peer := newConnPair(t)
		require.NoError(t, s.AddClient(serverSide))
		peers = append(peers, peer)
	}
	startTestServer(t, s)

	frame := makeFrame(60, 0xab)
	dev.Inject(frame)

	for i, peer := range peers {
		peer.SetReadDeadline(time.Now().Add(testTimeout))
		header := make([]byte, 2)
		_, err := io.ReadFull(peer, header)
		require.NoError(t, err, "peer %d", i)
		require.Equal(t, []byte{0x00, 0x3C}, header, "peer %d", i)

		body := make([]byte, 60)
		_, err = io.ReadFull(peer, body)
		require.NoError(t, err, "peer %d", i)
		if diff := cmp.Diff(frame, body); diff != "" {
			t.Errorf("peer %d received an unexpected frame; diff:\n%s", i, diff)
		}
	}

	require.Equal(t, uint64(1), s.Stats().FramesFromDevice)
}

func TestServer_ClientFramesReachDeviceInOrder(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{})

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	var want [][]byte
	for i := 0; i < 100; i++ {
		want = append(want, makeFrame(i%40+1, byte(i)))
	}
	sendFrames(t, peer, want...)

	var got [][]byte
	for range want {
		got = append(got, nextWritten(t, dev))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames written to the device did not match; diff:\n%s", diff)
	}
	eventually(t, func() bool { return s.Stats().FramesToDevice == 100 }, "FramesToDevice was not updated")
}

func TestServer_EmptyFrameIsForwarded(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{})

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	_, err := peer.Write([]byte{0x00, 0x00})
	require.NoError(t, err)
	require.Empty(t, nextWritten(t, dev))
}

func TestServer_TwoClients(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{})

	serverA, peerA := newConnPair(t)
	serverB, peerB := newConnPair(t)
	require.NoError(t, s.AddClient(serverA))
	require.NoError(t, s.AddClient(serverB))
	startTestServer(t, s)

	fromA := makeFrame(10, 0x0a)
	sendFrames(t, peerA, fromA)
	if diff := cmp.Diff(fromA, nextWritten(t, dev)); diff != "" {
		t.Errorf("frame from client A did not reach the device; diff:\n%s", diff)
	}

	// Frames from one client are not echoed to the others.
	peerB.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := peerB.Read(make([]byte, 1))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "client B received data: %v", err)
	require.Equal(t, 1, dev.Writes())

	reply := makeFrame(64, 0x0b)
	dev.Inject(reply)
	for _, peer := range []net.Conn{peerA, peerB} {
		if diff := cmp.Diff(reply, readUnit(t, peer)); diff != "" {
			t.Errorf("device frame did not reach a client; diff:\n%s", diff)
		}
	}
}

func TestServer_SixtyByteFrame(t *testing.T) {
	dev := devicetest.New(0)
	logger, _ := logtest.NewNullLogger()
	s, err := New(dev, 50, Options{Logger: logger})
	require.NoError(t, err)
	defer s.Destroy()

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	frame := makeFrame(60, 0x3c)
	dev.Inject(frame)

	want := append([]byte{0x00, 0x3C}, frame...)
	got := make([]byte, len(want))
	peer.SetReadDeadline(time.Now().Add(testTimeout))
	_, err = io.ReadFull(peer, got)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("client received unexpected bytes; diff:\n%s", diff)
	}

	start := time.Now()
	s.Stop()
	require.Less(t, time.Since(start), time.Second, "Stop() took longer than a wait interval plus overhead")
	require.Equal(t, Stopped, s.State())
	require.Zero(t, s.Clients())
}

func TestServer_AddClient(t *testing.T) {
	s, _, _ := newTestServer(t, Options{MaxClients: 2})

	first, _ := newConnPair(t)
	require.NoError(t, s.AddClient(first))
	require.ErrorIs(t, s.AddClient(first), ErrAlreadyRegistered)
	require.Equal(t, 1, s.Clients())

	second, _ := newConnPair(t)
	require.NoError(t, s.AddClient(second))

	third, _ := newConnPair(t)
	require.ErrorIs(t, s.AddClient(third), ErrServerFull)

	err := s.AddClient(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, 2, s.Clients())
}

func TestServer_OversizedLengthDisconnectsClient(t *testing.T) {
	recorder := &sessionRecorder{}
	s, dev, hook := newTestServer(t, Options{Sessions: recorder})

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	// 0x05F3 = 1523, one byte over the limit for a 1500 byte MTU.
	_, err := peer.Write([]byte{0x05, 0xF3})
	require.NoError(t, err)

	expectClosed(t, peer)
	eventually(t, func() bool { return len(recorder.recorded()) == 1 }, "session was not recorded")
	require.Zero(t, s.Clients())
	require.Zero(t, dev.Writes())

	sessions := recorder.recorded()
	require.Equal(t, reasonProtocolViolation, sessions[0].Reason)

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["reason"] == reasonProtocolViolation {
			warned = true
		}
	}
	require.True(t, warned, "expected a warning for the protocol violation")
	require.Equal(t, Running, s.State())
}

func TestServer_PeerClosedMidFrame(t *testing.T) {
	recorder := &sessionRecorder{}
	s, dev, _ := newTestServer(t, Options{Sessions: recorder})

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	unit, err := wire.Encode(makeFrame(60, 0x01))
	require.NoError(t, err)
	_, err = peer.Write(unit[:30])
	require.NoError(t, err)
	peer.Close()

	eventually(t, func() bool { return s.Clients() == 0 }, "client was not removed")
	require.Zero(t, dev.Writes())

	eventually(t, func() bool { return len(recorder.recorded()) == 1 }, "session was not recorded")
	require.Equal(t, reasonPeerClosedMidUnit, recorder.recorded()[0].Reason)
}

func TestServer_ClientDisconnectLeavesOthersConnected(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{})

	serverA, peerA := newConnPair(t)
	serverB, peerB := newConnPair(t)
	require.NoError(t, s.AddClient(serverA))
	require.NoError(t, s.AddClient(serverB))
	startTestServer(t, s)

	peerA.Close()
	eventually(t, func() bool { return s.Clients() == 1 }, "closed client was not removed")

	frame := makeFrame(20, 0x42)
	dev.Inject(frame)
	if diff := cmp.Diff(frame, readUnit(t, peerB)); diff != "" {
		t.Errorf("remaining client did not receive the frame; diff:\n%s", diff)
	}
}

func TestServer_StartAndStop(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	// Stopping a stopped server does nothing.
	s.Stop()
	require.Equal(t, Stopped, s.State())

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))

	startTestServer(t, s)
	status, err := s.Start(0, 0)
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyRunning, status)
	require.Equal(t, Running, s.State())

	_, err = s.Addr()
	require.ErrorIs(t, err, ErrNotRunning, "no listener without a port")

	s.Stop()
	require.Equal(t, Stopped, s.State())
	require.Zero(t, s.Clients())
	require.NoError(t, s.Err())
	expectClosed(t, peer)

	select {
	case <-s.Done():
	default:
		t.Errorf("Done() should be closed on a stopped server")
	}

	// The server can be started again.
	startTestServer(t, s)
	s.Stop()
}

func TestServer_ConcurrentStartAndStop(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Start(0, 0)
		}()
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()

	s.Stop()
	require.Equal(t, Stopped, s.State())
	require.Zero(t, s.Clients())
}

func TestServer_Destroy(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	require.NoError(t, s.Destroy())
	require.Equal(t, Destroyed, s.State())
	expectClosed(t, peer)

	_, err := s.Start(0, 0)
	require.ErrorIs(t, err, ErrDestroyed)

	other, _ := newConnPair(t)
	require.ErrorIs(t, s.AddClient(other), ErrDestroyed)
	require.ErrorIs(t, s.Destroy(), ErrDestroyed)

	_, err = s.Addr()
	require.ErrorIs(t, err, ErrDestroyed)

	// Stop on a destroyed server is a no-op.
	s.Stop()
	require.Equal(t, Destroyed, s.State())
}

func TestServer_DestroyClosesPendingClients(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))

	require.NoError(t, s.Destroy())
	require.Zero(t, s.Clients())
	expectClosed(t, peer)
}

func TestServer_DeviceReadFailureStopsBridge(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{})

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	linkDown := errors.New("link down")
	dev.FailReads(linkDown)

	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatalf("bridge did not stop after the device failed")
	}
	require.ErrorIs(t, s.Err(), linkDown)
	require.Equal(t, Stopped, s.State())
	expectClosed(t, peer)
}

func TestServer_DeviceWriteFailureStopsBridge(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{})

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	noBuffers := errors.New("no buffer space available")
	dev.FailWrites(noBuffers)
	sendFrames(t, peer, makeFrame(60, 0x01))

	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatalf("bridge did not stop after the device failed")
	}
	require.ErrorIs(t, s.Err(), noBuffers)
}

func freePort(t *testing.T) uint16 {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()
	return uint16(port)
}

func dialServer(t *testing.T, port uint16) net.Conn {
	conn, err := net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", itoa(port)), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func itoa(port uint16) string {
	return strconv.Itoa(int(port))
}

func TestServer_Listener(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{})

	port := freePort(t)
	status, err := s.Start(port, 16)
	require.NoError(t, err)
	require.Equal(t, StatusStarted, status)

	addr, err := s.Addr()
	require.NoError(t, err)
	require.Equal(t, int(port), addr.(*net.TCPAddr).Port)

	conn := dialServer(t, port)
	eventually(t, func() bool { return s.Clients() == 1 }, "accepted connection was not registered")

	frame := makeFrame(60, 0x5a)
	sendFrames(t, conn, frame)
	if diff := cmp.Diff(frame, nextWritten(t, dev)); diff != "" {
		t.Errorf("frame from an accepted client did not reach the device; diff:\n%s", diff)
	}
	eventually(t, func() bool { return s.Stats().Accepted == 1 }, "accepted connection was not counted")

	s.Stop()
	expectClosed(t, conn)
	_, err = net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", itoa(port)), time.Second)
	require.Error(t, err, "listener should be closed after Stop")
}

func TestServer_ListenerPortInUse(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	listener, err := net.Listen("tcp4", "0.0.0.0:0")
	require.NoError(t, err)
	defer listener.Close()

	_, err = s.Start(uint16(listener.Addr().(*net.TCPAddr).Port), 16)
	require.ErrorIs(t, err, ErrResource)
	require.True(t, IsConfigError(err))
	require.Equal(t, Stopped, s.State())
}

func TestServer_QuarantinesProtocolViolators(t *testing.T) {
	s, _, _ := newTestServer(t, Options{QuarantineDuration: time.Minute})

	port := freePort(t)
	_, err := s.Start(port, 16)
	require.NoError(t, err)

	offender := dialServer(t, port)
	_, err = offender.Write([]byte{0xff, 0xff})
	require.NoError(t, err)
	expectClosed(t, offender)
	eventually(t, func() bool { return s.quarantine.has("127.0.0.1") }, "address was not quarantined")

	again := dialServer(t, port)
	expectClosed(t, again)
	eventually(t, func() bool { return s.Stats().Refused == 1 }, "connection from a quarantined address was not refused")
	require.Zero(t, s.Clients())
}

func TestServer_SessionsRecordedOnStop(t *testing.T) {
	recorder := &sessionRecorder{}
	s, _, _ := newTestServer(t, Options{Sessions: recorder})

	serverSide, _ := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	// Clients registered before Start join on the first pass of the loop.
	s.Stop()
	sessions := recorder.recorded()
	require.Len(t, sessions, 1)
	require.Equal(t, reasonServerStopped, sessions[0].Reason)
	require.Empty(t, sessions[0].ErrClass)
}

func TestServer_PacketLogging(t *testing.T) {
	s, dev, hook := newTestServer(t, Options{PacketLogging: true})

	serverSide, peer := newConnPair(t)
	require.NoError(t, s.AddClient(serverSide))
	startTestServer(t, s)

	sendFrames(t, peer, makeFrame(14, 0xff))
	nextWritten(t, dev)

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.DebugLevel && len(entry.Message) > 0 && entry.Message[0] == '[' {
			logged = true
		}
	}
	require.True(t, logged, "expected the frame to be logged")
}

func Test_disconnectReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: reasonServerStopped},
		{err: io.EOF, want: reasonPeerClosed},
		{err: io.ErrUnexpectedEOF, want: reasonPeerClosedMidUnit},
		{err: &wire.ProtocolError{Declared: 1523, Max: 1522}, want: reasonProtocolViolation},
		{err: errors.New("connection reset by peer"), want: reasonConnectionError},
	}
	for _, tt := range tests {
		if got := disconnectReason(tt.err); got != tt.want {
			t.Errorf("disconnectReason(%v) want = %q, got = %q", tt.err, tt.want, got)
		}
	}
}

func Test_nextBackoff(t *testing.T) {
	var got []time.Duration
	backoff := time.Duration(0)
	for i := 0; i < 10; i++ {
		backoff = nextBackoff(backoff)
		got = append(got, backoff)
	}

	want := []time.Duration{
		5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 160 * time.Millisecond, 320 * time.Millisecond, 640 * time.Millisecond,
		time.Second, time.Second,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("nextBackoff() sequence did not match; diff:\n%s", diff)
	}
}

func TestServer_OversizedFrameOnlyAffectsSender(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{MaxFrameSize: 1522})

	serverA, peerA := newConnPair(t)
	serverB, peerB := newConnPair(t)
	require.NoError(t, s.AddClient(serverA))
	require.NoError(t, s.AddClient(serverB))
	startTestServer(t, s)

	sendFrames(t, peerA, makeFrame(2000, 0x07))
	expectClosed(t, peerA)
	eventually(t, func() bool { return s.Clients() == 1 }, "offending client was not removed")
	require.Zero(t, dev.Writes())
	require.Equal(t, Running, s.State())

	frame := makeFrame(1500, 0x08)
	dev.Inject(frame)
	if diff := cmp.Diff(frame, readUnit(t, peerB)); diff != "" {
		t.Errorf("remaining client did not receive the frame; diff:\n%s", diff)
	}
}

// A client that stops reading loses frames once its queue is full while
// the other clients keep receiving every frame.
func TestServer_SlowClientDoesNotStallOthers(t *testing.T) {
	s, dev, _ := newTestServer(t, Options{QueueSize: 2})

	slowServer, slowPeer := newConnPair(t)
	healthyServer, healthyPeer := newConnPair(t)
	// Small socket buffers so the slow connection backs up quickly.
	require.NoError(t, slowServer.(*net.TCPConn).SetWriteBuffer(4096))
	require.NoError(t, slowPeer.(*net.TCPConn).SetReadBuffer(4096))

	require.NoError(t, s.AddClient(slowServer))
	require.NoError(t, s.AddClient(healthyServer))
	startTestServer(t, s)

	const count = 1000
	for i := 0; i < count; i++ {
		frame := makeFrame(1000, byte(i))
		binary.BigEndian.PutUint16(frame, uint16(i))
		dev.Inject(frame)

		if diff := cmp.Diff(frame, readUnit(t, healthyPeer)); diff != "" {
			t.Fatalf("healthy client received frame %d out of order; diff:\n%s", i, diff)
		}
	}

	stats := s.Stats()
	require.Equal(t, uint64(count), stats.FramesFromDevice)
	require.NotZero(t, stats.Dropped, "frames for the slow client should have been dropped")
	require.Zero(t, stats.Disconnected)
	require.Equal(t, 2, s.Clients(), "slow client should stay registered")
}

// slowAcceptListener holds on to every accepted connection for delay
// before handing it to the server.
type slowAcceptListener struct {
	net.Listener
	delay    time.Duration
	accepted chan struct{}
}

func (l *slowAcceptListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		l.accepted <- struct{}{}
		time.Sleep(l.delay)
	}
	return conn, err
}

func TestServer_StopClosesConnectionsAcceptedDuringShutdown(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	accepted := make(chan struct{}, 1)
	s.listen = func(port uint16, backlog int) (net.Listener, error) {
		listener, err := listenTCP(port, backlog)
		if err != nil {
			return nil, err
		}
		return &slowAcceptListener{Listener: listener, delay: 100 * time.Millisecond, accepted: accepted}, nil
	}

	port := freePort(t)
	_, err := s.Start(port, 16)
	require.NoError(t, err)

	conn := dialServer(t, port)
	select {
	case <-accepted:
	case <-time.After(testTimeout):
		t.Fatalf("connection was not accepted")
	}

	s.Stop()
	require.Zero(t, s.Clients(), "no client may stay registered after Stop")
	expectClosed(t, conn)
	require.Zero(t, s.Stats().Accepted)
}

func TestServer_AddClientRacingDestroy(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	startTestServer(t, s)

	const count = 20
	var peers []net.Conn
	var serverSides []net.Conn
	for i := 0; i < count; i++ {
		serverSide, peer := newConnPair(t)
		serverSides = append(serverSides, serverSide)
		peers = append(peers, peer)
	}

	errs := make([]error, count)
	var wg sync.WaitGroup
	for i := range serverSides {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.AddClient(serverSides[i])
		}(i)
	}
	require.NoError(t, s.Destroy())
	wg.Wait()

	require.Zero(t, s.Clients())
	for i, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrDestroyed, "client %d", i)
			continue
		}
		expectClosed(t, peers[i])
	}
}
