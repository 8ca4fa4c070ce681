package usbip

import (
	"io"
	"sync"

	"github.com/daedaluz/gousbip/stubfs"
	"github.com/pkg/errors"
)

// isoChunk is one driver URB's slice of an isochronous submit: at most
// stubfs.MaxIsoPackets packets and stubfs.MaxTransferLength bytes, so
// that every packet's URB-relative offset fits the driver's 16-bit
// field.
type isoChunk struct {
	first   int
	count   int
	byteOff uint32
	byteLen uint32
}

func splitIsoPackets(packets []IsoPacketDescriptor) []isoChunk {
	var chunks []isoChunk
	cur := isoChunk{}
	for i := range packets {
		length := packets[i].Length
		if cur.count == stubfs.MaxIsoPackets || cur.byteLen+length > stubfs.MaxTransferLength {
			chunks = append(chunks, cur)
			cur = isoChunk{first: i, byteOff: cur.byteOff + cur.byteLen}
		}
		cur.count++
		cur.byteLen += length
	}
	if cur.count > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// handleIsoSubmit processes one isochronous CMD_SUBMIT: reads payload
// and packet descriptors, validates them against the driver limits,
// splits the transfer into driver URBs and issues them in parallel.
func (s *Session) handleIsoSubmit(hdr Header, cmd CmdSubmit, raw []byte) error {
	ep := NewRawEndpoint(hdr.Endpoint, hdr.Direction)
	total := cmd.TransferBufferLength

	if cmd.NumberOfPackets > 0xffff {
		return errors.Wrapf(ErrProtocol, "implausible iso packet count %d", cmd.NumberOfPackets)
	}

	buf := make([]byte, total)
	if hdr.Direction == DirOut && total > 0 {
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			return errors.Wrap(ErrProtocol, "truncated OUT payload")
		}
	}
	descBytes := make([]byte, int(cmd.NumberOfPackets)*isoDescriptorLen)
	if _, err := io.ReadFull(s.conn, descBytes); err != nil {
		return errors.Wrap(ErrProtocol, "truncated isochronous packet descriptors")
	}
	packets, err := DecodeIsoPacketDescriptors(descBytes, cmd.NumberOfPackets)
	if err != nil {
		return err
	}

	// The transfer must tile the buffer exactly: no packet over the
	// driver's per-URB limit, no padding between packets.
	sum := uint32(0)
	for i := range packets {
		if packets[i].Length > stubfs.MaxTransferLength {
			return errors.Wrapf(ErrProtocol, "iso packet %d length %d exceeds driver limit", i, packets[i].Length)
		}
		packets[i].Offset = sum
		sum += packets[i].Length
	}
	if sum != total {
		return errors.Wrapf(ErrProtocol, "iso packet lengths sum to %d, buffer is %d", sum, total)
	}

	var outData []byte
	if hdr.Direction == DirOut {
		outData = buf
	}
	s.capture.SubmitIso(raw, outData)

	if err := s.pending.insert(hdr.Seqnum, ep); err != nil {
		return err
	}
	fut := make(replyFuture, 1)
	s.endpointQueue(ep).push(fut)

	chunks := splitIsoPackets(packets)
	s.urbs.Add(1)
	go func() {
		defer s.urbs.Done()
		s.completeIsoSubmit(hdr, cmd, buf, packets, chunks, fut)
	}()
	return nil
}

// completeIsoSubmit issues every chunk URB in parallel against one
// shared pinned buffer, merges the per-packet results, and composes a
// single RET_SUBMIT. The buffer is released only after every sub-URB
// has resolved.
func (s *Session) completeIsoSubmit(hdr Header, cmd CmdSubmit, buf []byte, packets []IsoPacketDescriptor, chunks []isoChunk, fut replyFuture) {
	var wg sync.WaitGroup
	errs := make([]error, len(chunks))
	for ci := range chunks {
		wg.Add(1)
		go func(ci int) {
			defer wg.Done()
			chunk := chunks[ci]
			urb := &URB{
				Endpoint:   NewRawEndpoint(hdr.Endpoint, hdr.Direction),
				Type:       TransferTypeIsochronous,
				Flags:      cmd.TransferFlags,
				StartFrame: cmd.StartFrame,
				Buffer:     buf[chunk.byteOff : chunk.byteOff+chunk.byteLen],
				Packets:    make([]IsoPacketDescriptor, chunk.count),
			}
			for i := 0; i < chunk.count; i++ {
				urb.Packets[i].Length = packets[chunk.first+i].Length
			}
			if err := s.drv.SendURB(s.ctx, urb); err != nil {
				errs[ci] = err
				return
			}
			// Each chunk owns a disjoint range of the shared
			// descriptor array.
			for i := 0; i < chunk.count; i++ {
				packets[chunk.first+i].ActualLength = urb.Packets[i].ActualLength
				packets[chunk.first+i].Status = urb.Packets[i].Status
			}
		}(ci)
	}
	wg.Wait()

	if _, won := s.pending.remove(hdr.Seqnum); !won {
		fut <- nil
		return
	}
	for _, err := range errs {
		if err != nil {
			fut <- nil
			s.fail(errors.Wrap(ErrDriver, err.Error()))
			return
		}
	}

	errorCount := uint32(0)
	sumActual := uint32(0)
	for i := range packets {
		if packets[i].Status != 0 {
			errorCount++
		}
		sumActual += packets[i].ActualLength
	}

	var data []byte
	if hdr.Direction == DirIn {
		data = buf
		if sumActual != cmd.TransferBufferLength {
			// Short reads leave gaps between packets; the reply data
			// is the concatenation of each packet's actual bytes.
			compact := make([]byte, 0, sumActual)
			for i := range packets {
				off := packets[i].Offset
				compact = append(compact, buf[off:off+packets[i].ActualLength]...)
			}
			data = compact
		}
	}

	ret := RetSubmit{
		Status:          0,
		ActualLength:    sumActual,
		StartFrame:      cmd.StartFrame,
		NumberOfPackets: cmd.NumberOfPackets,
		ErrorCount:      errorCount,
	}
	b := EncodeRetSubmit(hdr.Seqnum, ret, data, packets)
	s.capture.ReplyIso(b[:headerLen], data)
	fut <- b
}
