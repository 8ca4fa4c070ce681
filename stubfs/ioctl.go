package stubfs

// ioctl surface of the usbip-stub filter driver.

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

var (
	ctl_stub_setconfiguration = ioctl.IOR('s', 0, unsafe.Sizeof(uint32(0)))
	ctl_stub_setinterface     = ioctl.IOR('s', 1, unsafe.Sizeof(stub_setinterface{}))
	ctl_stub_clearendpoint    = ioctl.IOR('s', 2, unsafe.Sizeof(uint32(0)))
	ctl_stub_abortendpoint    = ioctl.IOR('s', 3, unsafe.Sizeof(uint32(0)))
	ctl_stub_submiturb        = ioctl.IOWR('s', 4, unsafe.Sizeof(stub_urb{}))
)

type (
	stub_setinterface struct {
		Interface  uint32
		AltSetting uint32
	}

	stub_urb struct {
		Type            uint8
		Endpoint        uint8
		Error           uint16 /* TransferError, set on completion */
		Flags           uint32
		Buffer          uintptr
		BufferLength    int32
		ActualLength    int32
		StartFrame      int32
		NumberOfPackets int32
		Interval        int32
		Setup           [8]byte
		/* stub_iso_packet... */
	}

	stub_iso_packet struct {
		Offset       uint16
		Length       uint16
		ActualLength uint16
		Status       uint16
	}
)

func slicePtr(s []byte) uintptr {
	return uintptr(unsafe.Pointer(&s[0]))
}
