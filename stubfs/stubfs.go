package stubfs

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"
)

// IsoPacket is one isochronous sub-packet of a URB. Length is bounded
// by MaxTransferLength; the driver fills ActualLength and Status.
type IsoPacket struct {
	Length       uint16
	ActualLength uint16
	Status       TransferError
}

// URB is the Go-side view of one stub_urb. Buffer is referenced by
// address for the whole SubmitURB call and must not be moved or freed
// until it returns.
type URB struct {
	Type       uint8
	Endpoint   uint8
	Flags      uint32
	Interval   int32
	StartFrame int32
	Setup      [8]byte
	Buffer     []byte
	Packets    []IsoPacket

	// Set on completion.
	Error        TransferError
	ActualLength int32
}

// Device is an opened handle of the stub filter driver that owns a
// claimed device.
type Device struct {
	fd int
}

// OpenDevice opens the driver node of a claimed device.
func OpenDevice(busNumber, deviceNumber int) (*Device, error) {
	devPath := fmt.Sprintf("%s/%.3d-%.3d", stubDevPath, busNumber, deviceNumber)
	fd, err := syscall.Open(devPath, syscall.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Device{fd: fd}, nil
}

func (d *Device) ioctl(ioc uintptr, arg unsafe.Pointer) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(d.fd), ioc, uintptr(arg))
	if e != syscall.Errno(0) {
		return e
	}
	return nil
}

func (d *Device) SetConfiguration(value uint32) error {
	return d.ioctl(ctl_stub_setconfiguration, unsafe.Pointer(&value))
}

func (d *Device) SetInterface(iface, setting uint32) error {
	data := stub_setinterface{
		Interface:  iface,
		AltSetting: setting,
	}
	return d.ioctl(ctl_stub_setinterface, unsafe.Pointer(&data))
}

func (d *Device) ClearEndpoint(endpoint uint8) error {
	ep := uint32(endpoint)
	return d.ioctl(ctl_stub_clearendpoint, unsafe.Pointer(&ep))
}

// AbortEndpoint cancels every in-flight URB on the endpoint. The driver
// has no per-request cancellation.
func (d *Device) AbortEndpoint(endpoint uint8) error {
	ep := uint32(endpoint)
	return d.ioctl(ctl_stub_abortendpoint, unsafe.Pointer(&ep))
}

// SubmitURB issues one URB and blocks until the driver completes it.
// The driver delivers at most one completion per ioctl.
func (d *Device) SubmitURB(u *URB) error {
	size := unsafe.Sizeof(stub_urb{}) + uintptr(len(u.Packets))*unsafe.Sizeof(stub_iso_packet{})
	raw := make([]byte, size)
	su := (*stub_urb)(unsafe.Pointer(&raw[0]))
	su.Type = u.Type
	su.Endpoint = u.Endpoint
	su.Flags = u.Flags
	su.Interval = u.Interval
	su.StartFrame = u.StartFrame
	su.Setup = u.Setup
	if len(u.Buffer) > 0 {
		su.Buffer = slicePtr(u.Buffer)
	}
	su.BufferLength = int32(len(u.Buffer))
	su.NumberOfPackets = int32(len(u.Packets))

	var packets []stub_iso_packet
	if len(u.Packets) > 0 {
		packets = unsafe.Slice((*stub_iso_packet)(unsafe.Pointer(&raw[unsafe.Sizeof(stub_urb{})])), len(u.Packets))
		offset := uint16(0)
		for i := range u.Packets {
			packets[i] = stub_iso_packet{
				Offset: offset,
				Length: u.Packets[i].Length,
			}
			offset += u.Packets[i].Length
		}
	}

	err := d.ioctl(ctl_stub_submiturb, unsafe.Pointer(su))
	runtime.KeepAlive(u.Buffer)
	runtime.KeepAlive(raw)
	if err != nil {
		return err
	}
	u.Error = TransferError(su.Error)
	u.ActualLength = su.ActualLength
	for i := range u.Packets {
		u.Packets[i].ActualLength = packets[i].ActualLength
		u.Packets[i].Status = TransferError(packets[i].Status)
	}
	return nil
}

func (d *Device) Close() error {
	e := syscall.Close(d.fd)
	d.fd = -1
	return e
}
