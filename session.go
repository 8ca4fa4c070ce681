package usbip

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Session is the attached-phase engine for one client: it multiplexes
// concurrent URB submissions and cancellations between the TCP stream
// and the stub driver, preserving per-endpoint reply order.
//
// One goroutine reads requests, one goroutine owns the outbound stream,
// one worker per raw endpoint serializes that endpoint's replies, and
// each in-flight URB blocks its own goroutine in the driver ioctl.
type Session struct {
	conn    io.ReadWriter
	drv     Driver
	record  *DeviceRecord
	tree    *ConfigTree
	capture CaptureSink
	log     *logrus.Entry

	pending *pendingTable
	out     *queue[[]byte]

	mu  sync.Mutex
	eps map[RawEndpoint]*queue[replyFuture]

	// In-flight SendURB calls. Waited on during teardown so that every
	// pinned buffer outlives its ioctl.
	urbs sync.WaitGroup

	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	failOnce sync.Once
	failErr  error
}

func NewSession(conn io.ReadWriter, drv Driver, h *AttachedHandle, capture CaptureSink, log *logrus.Entry) *Session {
	if capture == nil {
		capture = NopCapture{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		conn:    conn,
		drv:     drv,
		record:  h.Record,
		tree:    h.Tree,
		capture: capture,
		log:     log,
		pending: newPendingTable(),
		out:     newQueue[[]byte](),
		eps:     make(map[RawEndpoint]*queue[replyFuture]),
	}
}

// Run drives the session until the peer disconnects, a fatal error
// occurs, or ctx is cancelled. Cancellation does not abort in-flight
// ioctls; Run waits for them to resolve so that their buffers drain,
// then discards their results.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	s.log.WithField("device", s.record.String()).Debug("attached phase started")

	g, gctx := errgroup.WithContext(ctx)
	s.g = g
	s.ctx = gctx

	// Socket reads do not observe the context; closing the connection
	// is what unblocks the reader on teardown.
	g.Go(func() error {
		<-gctx.Done()
		if c, ok := s.conn.(io.Closer); ok {
			c.Close()
		}
		return nil
	})
	g.Go(s.writeLoop)
	g.Go(s.readLoop)
	err := g.Wait()

	cancel()
	s.urbs.Wait()
	s.closeQueues()

	if s.failErr != nil {
		return s.failErr
	}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, context.Canceled),
		errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		// Peer closed or administrative shutdown; orderly.
		err = nil
	}
	return err
}

// fail records the first connection-fatal error raised outside the
// reader (URB completion goroutines) and tears the session down.
func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.failErr = err
		s.log.WithError(err).Error("session failed")
		s.cancel()
	})
}

func (s *Session) closeQueues() {
	s.out.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.eps {
		q.close()
	}
}

// endpointQueue returns the reply FIFO of a raw endpoint, lazily
// creating the queue and its worker.
func (s *Session) endpointQueue(ep RawEndpoint) *queue[replyFuture] {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, exist := s.eps[ep]
	if !exist {
		q = newQueue[replyFuture]()
		s.eps[ep] = q
		s.g.Go(func() error {
			return s.endpointWorker(q)
		})
	}
	return q
}

// endpointWorker awaits each reply future in FIFO order and hands the
// resolved bytes to the outbound channel. This keeps one endpoint's
// replies in submit order while different endpoints interleave freely.
func (s *Session) endpointWorker(q *queue[replyFuture]) error {
	for {
		fut, ok := q.pop(s.ctx)
		if !ok {
			return nil
		}
		select {
		case b := <-fut:
			if len(b) > 0 {
				s.out.push(b)
			}
		case <-s.ctx.Done():
			return nil
		}
	}
}

// writeLoop is the only writer of the TCP stream. Replies are complete
// byte arrays, so a partially written reply is impossible short of a
// socket failure, which is fatal anyway.
func (s *Session) writeLoop() error {
	for {
		b, ok := s.out.pop(s.ctx)
		if !ok {
			// Flush whatever was queued before shutdown.
			for {
				b, ok := s.out.tryPop()
				if !ok {
					return nil
				}
				if _, err := s.conn.Write(b); err != nil {
					return nil
				}
			}
		}
		if _, err := s.conn.Write(b); err != nil {
			return errors.Wrap(err, "write reply")
		}
	}
}

// readLoop dispatches incoming requests. CMD_SUBMIT and CMD_UNLINK
// schedule work and return quickly, except for trapped setups, which
// complete against the driver before the next request is read.
func (s *Session) readLoop() error {
	hdrBuf := make([]byte, headerLen)
	for {
		if _, err := io.ReadFull(s.conn, hdrBuf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return errors.Wrap(ErrProtocol, "truncated header")
			}
			return err
		}
		hdr, err := DecodeHeader(hdrBuf)
		if err != nil {
			return err
		}
		switch hdr.Command {
		case CmdSubmitCode:
			err = s.handleSubmit(hdr, hdrBuf)
		case CmdUnlinkCode:
			err = s.handleUnlink(hdr, hdrBuf)
		default:
			err = errors.Wrapf(ErrProtocol, "unexpected command 0x%.8x from client", hdr.Command)
		}
		if err != nil {
			return err
		}
	}
}
