package stubfs

import "golang.org/x/sys/unix"

const (
	stubDevPath = "/dev/usbip-stub"
)

// Driver limits for a single URB.
const (
	MaxIsoPackets     = 8
	MaxTransferLength = 65535
)

// URB types, as expected in stub_urb.Type.
const (
	URBTypeIsochronous = uint8(0)
	URBTypeInterrupt   = uint8(1)
	URBTypeControl     = uint8(2)
	URBTypeBulk        = uint8(3)
)

// TransferError is the transfer-result enum reported by the driver for
// a completed URB and for each isochronous packet.
type TransferError uint16

const (
	TransferOK = TransferError(iota)
	TransferStall
	TransferDNR
	TransferCRC
	TransferNAC
	TransferUnderrun
	TransferOverrun
)

// Errno translates a driver transfer error to the negative errno
// expected in USB/IP status fields, following the kernel USB
// error-code table.
func (e TransferError) Errno() int32 {
	switch e {
	case TransferOK:
		return 0
	case TransferStall:
		return -int32(unix.EPIPE)
	case TransferDNR:
		return -int32(unix.ETIME)
	case TransferCRC:
		return -int32(unix.EILSEQ)
	case TransferNAC:
		return -int32(unix.EPROTO)
	case TransferUnderrun:
		return -int32(unix.EREMOTEIO)
	case TransferOverrun:
		return -int32(unix.EOVERFLOW)
	}
	return -int32(unix.EPROTO)
}

func (e TransferError) String() string {
	switch e {
	case TransferOK:
		return "OK"
	case TransferStall:
		return "STALL"
	case TransferDNR:
		return "DNR"
	case TransferCRC:
		return "CRC"
	case TransferNAC:
		return "NAC"
	case TransferUnderrun:
		return "UNDERRUN"
	case TransferOverrun:
		return "OVERRUN"
	}
	return "UNKNOWN"
}
