package usbip

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// handleUnlink cancels a pending submit. Removing the pending entry
// here steals the right to reply from the completion path; the driver
// only supports endpoint-level abort, which cancels every in-flight
// URB on that endpoint. The unlink acknowledgement is queued on the
// same endpoint FIFO as the aborted request, behind any replies that
// raced to completion.
func (s *Session) handleUnlink(hdr Header, raw []byte) error {
	cmd, err := DecodeCmdUnlink(raw)
	if err != nil {
		return err
	}
	ep, won := s.pending.remove(cmd.Seqnum)
	if !won {
		// Already completed (or never existed); the reply may go
		// straight to the outbound channel.
		s.out.push(EncodeRetUnlink(hdr.Seqnum, 0))
		return nil
	}
	if err := s.drv.AbortEndpoint(s.ctx, ep); err != nil {
		return errors.Wrap(ErrDriver, err.Error())
	}
	b := EncodeRetUnlink(hdr.Seqnum, -int32(unix.ECONNRESET))
	s.endpointQueue(ep).push(resolvedFuture(b))
	return nil
}
