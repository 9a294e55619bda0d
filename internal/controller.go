package internal

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/tapserver/internal/core"
	"github.com/dcrodman/tapserver/internal/core/debug"
	"github.com/dcrodman/tapserver/internal/device"
	"github.com/dcrodman/tapserver/internal/server"
	"github.com/dcrodman/tapserver/internal/sessions"
)

// Controller is the main entrypoint for tapserver. It's responsible for
// initializing any shared resources (logging, the device and the session
// log), starting the bridge, and tearing everything down again.
type Controller struct {
	Config *core.Config

	logger   *logrus.Logger
	device   device.Device
	closers  []io.Closer
	sessions *sessions.Store
	server   *server.Server
}

// Start runs the bridge until ctx is cancelled, in which case ctx.Err() is
// returned, or until the bridge fails.
func (c *Controller) Start(ctx context.Context) error {
	defer c.Shutdown()

	var err error
	// Set up the logger, which will be used by every component.
	if c.logger, err = core.NewLogger(c.Config); err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		debug.StartPprofServer(c.logger, c.Config.Debugging.PprofPort)
	}

	if err := c.openDevice(); err != nil {
		return err
	}
	if err := c.openSessionLog(); err != nil {
		return err
	}

	opts := server.Options{
		MaxFrameSize:       c.Config.Server.MaxFrameSize,
		QueueSize:          c.Config.Server.QueueSize,
		MaxClients:         c.Config.Server.MaxClients,
		QuarantineDuration: c.Config.QuarantineDuration(),
		PacketLogging:      c.Config.Debugging.PacketLoggingEnabled,
		Logger:             c.logger,
	}
	if c.sessions != nil {
		opts.Sessions = c.sessions
	}

	c.server, err = server.New(c.device, c.Config.Server.WaitMillis, opts)
	if err != nil {
		return fmt.Errorf("error initializing bridge: %w", err)
	}
	if _, err := c.server.Start(uint16(c.Config.Server.Port), c.Config.Server.Backlog); err != nil {
		return fmt.Errorf("error starting bridge: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.server.Done():
		return fmt.Errorf("bridge stopped: %w", c.server.Err())
	}
}

func (c *Controller) openDevice() error {
	if c.Config.Device.Loopback {
		loopback := device.NewLoopback(c.Config.Device.MTU)
		c.device = loopback
		c.closers = append(c.closers, loopback)
		c.logger.Info("using loopback device")
		return nil
	}

	tap, err := device.OpenTAP(device.Config{
		Name:    c.Config.Device.Name,
		MTU:     c.Config.Device.MTU,
		BringUp: true,
	})
	if err != nil {
		return fmt.Errorf("error opening device: %w", err)
	}
	c.device = tap
	c.closers = append(c.closers, tap)
	c.logger.Infof("bridging TAP device %s (mtu %d)", tap.Name(), tap.MTU())
	return nil
}

func (c *Controller) openSessionLog() error {
	if !c.Config.SessionLog.Enabled {
		return nil
	}

	store, err := sessions.Open(sessions.Config{
		Engine:     c.Config.SessionLog.Engine,
		Filename:   c.Config.SessionLog.Filename,
		DataSource: c.Config.DatabaseURL(),
		LogQueries: c.Config.Debugging.DatabaseLoggingEnabled,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("error opening session log: %w", err)
	}
	c.sessions = store
	return nil
}

// Shutdown releases everything Start acquired. The bridge is stopped before
// the session log so that the final sessions are written out.
func (c *Controller) Shutdown() {
	if c.server != nil {
		c.server.Destroy()
		c.server = nil
	}
	if c.sessions != nil {
		if err := c.sessions.Close(); err != nil {
			c.logger.Errorf("error closing session log: %v", err)
		}
		c.sessions = nil
	}
	for _, closer := range c.closers {
		closer.Close()
	}
	c.closers = nil
}
