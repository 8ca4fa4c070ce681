package usbip

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

const setupLen = 8

// handleSubmit processes one CMD_SUBMIT. raw is the full 48-byte
// header as read from the wire. Isochronous submits are routed to the
// iso pipeline; trapped control setups act on the driver directly;
// everything else is forwarded as a single URB.
func (s *Session) handleSubmit(hdr Header, raw []byte) error {
	cmd, err := DecodeCmdSubmit(raw)
	if err != nil {
		return err
	}
	typ := ClassifyTransfer(hdr.Endpoint, cmd.NumberOfPackets, cmd.Interval)
	if typ == TransferTypeIsochronous {
		return s.handleIsoSubmit(hdr, cmd, raw)
	}
	ep := NewRawEndpoint(hdr.Endpoint, hdr.Direction)

	if typ == TransferTypeControl {
		handled, err := s.interceptSetup(hdr, cmd, raw)
		if handled || err != nil {
			return err
		}
	}

	// For control transfers the pinned buffer holds the setup packet
	// followed by the data stage; the driver reports an actual length
	// that includes the setup.
	dataLen := int(cmd.TransferBufferLength)
	off := 0
	if typ == TransferTypeControl {
		off = setupLen
	}
	buf := make([]byte, off+dataLen)
	if typ == TransferTypeControl {
		copy(buf, cmd.Setup[:])
	}
	var outData []byte
	if hdr.Direction == DirOut && dataLen > 0 {
		if _, err := io.ReadFull(s.conn, buf[off:]); err != nil {
			return errors.Wrap(ErrProtocol, "truncated OUT payload")
		}
		outData = buf[off:]
	}
	s.capture.SubmitURB(raw, outData)

	if err := s.pending.insert(hdr.Seqnum, ep); err != nil {
		return err
	}
	fut := make(replyFuture, 1)
	s.endpointQueue(ep).push(fut)

	urb := &URB{
		Endpoint: ep,
		Type:     typ,
		Flags:    cmd.TransferFlags,
		Interval: cmd.Interval,
		Buffer:   buf,
	}
	s.urbs.Add(1)
	go func() {
		defer s.urbs.Done()
		s.completeSubmit(hdr, cmd, urb, fut)
	}()
	return nil
}

// completeSubmit runs on the URB's own goroutine: it blocks in the
// driver ioctl, then races the unlink handler for the pending entry.
// Losing the race drops the reply. The buffer reference is held until
// SendURB has returned, whatever the outcome.
func (s *Session) completeSubmit(hdr Header, cmd CmdSubmit, urb *URB, fut replyFuture) {
	err := s.drv.SendURB(s.ctx, urb)
	if _, won := s.pending.remove(hdr.Seqnum); !won {
		fut <- nil
		return
	}
	if err != nil {
		fut <- nil
		s.fail(errors.Wrap(ErrDriver, err.Error()))
		return
	}

	actual := urb.ActualLength
	off := uint32(0)
	if urb.Type == TransferTypeControl {
		off = setupLen
		if actual >= setupLen {
			actual -= setupLen
		} else {
			actual = 0
		}
	}
	if off+actual > uint32(len(urb.Buffer)) {
		actual = uint32(len(urb.Buffer)) - off
	}

	var data []byte
	if hdr.Direction == DirIn {
		data = urb.Buffer[off : off+actual]
		maskRemoteWakeup(cmd.Setup, data)
	}

	ret := RetSubmit{
		Status:          urb.Status,
		ActualLength:    actual,
		NumberOfPackets: noPackets,
	}
	b := EncodeRetSubmit(hdr.Seqnum, ret, data, nil)
	s.capture.ReplyURB(b[:headerLen], data)
	fut <- b
}

// maskRemoteWakeup clears the remote-wakeup bit in the bmAttributes of
// a returned configuration descriptor, so that hosts cannot arm
// remote wake on a proxied device.
func maskRemoteWakeup(setup SetupPacket, data []byte) {
	if setup.RequestType() != RequestDirectionIn|RequestTypeStandard|RequestRecipientDevice {
		return
	}
	if setup.Request() != ReqGetDescriptor {
		return
	}
	if DescriptorType(setup.Value()>>8) != DescriptorTypeConfig {
		return
	}
	if len(data) > 7 {
		data[7] &^= remoteWakeupBit
	}
}

// interceptSetup handles the three setup packets that must act on the
// driver instead of being forwarded, keeping the driver's endpoint
// table coherent with what the remote host believes. Trapped submits
// are not entered in the pending table; they complete synchronously
// before the next request is read.
func (s *Session) interceptSetup(hdr Header, cmd CmdSubmit, raw []byte) (bool, error) {
	setup := cmd.Setup
	var call func(ctx context.Context) error

	switch {
	case setup.RequestType() == RequestDirectionOut|RequestTypeStandard|RequestRecipientDevice &&
		setup.Request() == ReqSetConfiguration:
		value := uint8(setup.Value())
		call = func(ctx context.Context) error {
			if err := s.drv.SetConfig(ctx, value); err != nil {
				return err
			}
			if err := s.tree.SetConfiguration(value); err != nil {
				s.log.WithError(err).Warn("configuration tree out of sync")
			}
			return nil
		}
	case setup.RequestType() == RequestDirectionOut|RequestTypeStandard|RequestRecipientInterface &&
		setup.Request() == ReqSetInterface:
		iface, alt := uint8(setup.Index()), uint8(setup.Value())
		call = func(ctx context.Context) error {
			if err := s.drv.SelectInterface(ctx, iface, alt); err != nil {
				return err
			}
			if err := s.tree.SetInterface(iface, alt); err != nil {
				s.log.WithError(err).Warn("configuration tree out of sync")
			}
			return nil
		}
	case setup.RequestType() == RequestDirectionOut|RequestTypeStandard|RequestRecipientEndpoint &&
		setup.Request() == ReqClearFeature && setup.Value() == FeatureEndpointHalt:
		ep := RawEndpoint(setup.Index())
		call = func(ctx context.Context) error {
			return s.drv.ClearEndpoint(ctx, ep)
		}
	default:
		return false, nil
	}

	// Keep the stream framed even if the host attached a data stage.
	if hdr.Direction == DirOut && cmd.TransferBufferLength > 0 {
		if _, err := io.CopyN(io.Discard, s.conn, int64(cmd.TransferBufferLength)); err != nil {
			return true, errors.Wrap(ErrProtocol, "truncated OUT payload")
		}
	}
	s.capture.SubmitURB(raw, nil)

	if err := call(s.ctx); err != nil {
		return true, errors.Wrap(ErrDriver, err.Error())
	}

	b := EncodeRetSubmit(hdr.Seqnum, RetSubmit{NumberOfPackets: noPackets}, nil, nil)
	s.capture.ReplyURB(b, nil)
	s.endpointQueue(0).push(resolvedFuture(b))
	return true, nil
}
