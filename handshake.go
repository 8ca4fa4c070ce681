package usbip

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func readOpHeader(r io.Reader) (OpHeader, error) {
	buf := make([]byte, opHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return OpHeader{}, err
	}
	return DecodeOpHeader(buf)
}

func readBusID(r io.Reader) (string, error) {
	buf := make([]byte, busIDLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(ErrProtocol, "truncated bus id")
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// handshake drives the pre-attach phase of one accepted connection: an
// 8-byte operation header followed by either a device-list request
// (reply, then the connection closes) or an import negotiation, which
// on success runs the attached phase until the client goes away.
func (s *Server) handshake(ctx context.Context, conn io.ReadWriter, log *logrus.Entry) error {
	op, err := readOpHeader(conn)
	if err != nil {
		return err
	}
	if op.Version != ProtocolVersion {
		return errors.Wrapf(ErrProtocol, "unsupported version 0x%.4x", op.Version)
	}
	switch op.Opcode {
	case OpReqDevlist:
		return s.serveDevlist(conn)
	case OpReqImport:
		return s.serveImport(ctx, conn, log)
	}
	return errors.Wrapf(ErrProtocol, "unknown opcode 0x%.4x", op.Opcode)
}

// serveDevlist answers OP_REQ_DEVLIST: a status header, a 4-byte
// device count, then one full record per shared device including its
// interface tuples.
func (s *Server) serveDevlist(conn io.Writer) error {
	records, err := s.registry().ListShared()
	if err != nil {
		return errors.Wrap(err, "list shared devices")
	}
	b := &bytes.Buffer{}
	b.Write(EncodeOpHeader(OpHeader{Version: ProtocolVersion, Opcode: OpRepDevlist, Status: StOK}))
	mustWrite(b, uint32(len(records)))
	for _, rec := range records {
		b.Write(rec.Encode(true))
	}
	_, err = conn.Write(b.Bytes())
	return err
}

// serveImport answers OP_REQ_IMPORT. The device is reserved, its stub
// driver is opened and the device is put in the unconfigured state
// before the success reply, so the remote host starts from a known
// point. Any failure replies with a specific status and closes.
func (s *Server) serveImport(ctx context.Context, conn io.ReadWriter, log *logrus.Entry) error {
	busID, err := readBusID(conn)
	if err != nil {
		return err
	}
	log = log.WithField("busid", busID)

	refuse := func(status uint32) error {
		reply := EncodeOpHeader(OpHeader{Version: ProtocolVersion, Opcode: OpRepImport, Status: status})
		_, err := conn.Write(reply)
		return err
	}

	h, err := s.registry().TryReserve(busID)
	if err != nil {
		log.WithError(err).Info("import refused")
		switch {
		case errors.Is(err, ErrUnknownDevice):
			return refuse(StNoDev)
		case errors.Is(err, ErrDeviceBusy):
			return refuse(StDevBusy)
		}
		return refuse(StNA)
	}
	defer s.registry().MarkDetached(h)

	drv, err := s.openDriver(h.Record)
	if err != nil {
		log.WithError(err).Error("stub driver unavailable")
		return refuse(StNA)
	}
	defer drv.Close()

	if err := drv.SetConfig(ctx, 0); err != nil {
		log.WithError(err).Error("device refused power-on reset")
		return refuse(StDevErr)
	}
	_ = h.Tree.SetConfiguration(0)

	b := &bytes.Buffer{}
	b.Write(EncodeOpHeader(OpHeader{Version: ProtocolVersion, Opcode: OpRepImport, Status: StOK}))
	b.Write(h.Record.Encode(false))
	if _, err := conn.Write(b.Bytes()); err != nil {
		return err
	}

	log.WithField("device", h.Record.String()).Info("device attached")
	sess := NewSession(conn, drv, h, s.captureSink(), log)
	err = sess.Run(ctx)
	log.Info("device detached")
	return err
}
