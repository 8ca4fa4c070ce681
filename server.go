package usbip

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultAddr is the registered USB/IP TCP port.
const DefaultAddr = ":3240"

// Keep-alive tuning applied to accepted sockets.
const (
	keepAliveIdle     = 10
	keepAliveInterval = 1
	keepAliveProbes   = 5
)

// Server accepts USB/IP clients and serves the shared devices of a
// Registry. The zero value is not usable; Registry must be set.
type Server struct {
	// Addr is the listen address; DefaultAddr when empty.
	Addr string

	// Registry provides the shared-device set and attach bookkeeping.
	Registry Registry

	// OpenDriver opens the stub driver for a reserved device.
	// OpenStubDriver when nil.
	OpenDriver func(*DeviceRecord) (Driver, error)

	// Capture receives diagnostic copies of the attached-phase
	// traffic. Disabled when nil.
	Capture CaptureSink

	// Log is the root logger. The standard logrus logger when nil.
	Log *logrus.Logger
}

func (s *Server) registry() Registry {
	return s.Registry
}

func (s *Server) openDriver(rec *DeviceRecord) (Driver, error) {
	if s.OpenDriver != nil {
		return s.OpenDriver(rec)
	}
	return OpenStubDriver(rec)
}

func (s *Server) captureSink() CaptureSink {
	if s.Capture != nil {
		return s.Capture
	}
	return NopCapture{}
}

func (s *Server) logger() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// ListenAndServe listens on Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled. Each
// client runs its own handshake and, after a successful import, its
// own session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger().WithField("addr", ln.Addr().String()).Info("usbip server listening")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go func() {
			defer conn.Close()
			log := s.logger().WithField("peer", conn.RemoteAddr().String())
			if tc, ok := conn.(*net.TCPConn); ok {
				if err := tuneConn(tc); err != nil {
					log.WithError(err).Warn("socket tuning failed")
				}
			}
			if err := s.handshake(ctx, conn, log); err != nil {
				log.WithError(err).Warn("connection closed")
			}
		}()
	}
}

// tuneConn disables Nagle and arms the aggressive keep-alive the
// protocol expects, so a vanished client releases its device quickly.
func tuneConn(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		for _, opt := range []struct{ name, value int }{
			{unix.TCP_KEEPIDLE, keepAliveIdle},
			{unix.TCP_KEEPINTVL, keepAliveInterval},
			{unix.TCP_KEEPCNT, keepAliveProbes},
		} {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt.name, opt.value); err != nil {
				sockErr = err
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
