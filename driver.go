package usbip

import "context"

// URB is one USB request block exchanged with the stub driver. For
// control transfers Buffer holds the 8-byte setup packet followed by
// the data stage, and ActualLength on completion includes the setup.
// The buffer is pinned: it is allocated once and referenced by address
// for the lifetime of every ioctl that touches it.
type URB struct {
	Endpoint RawEndpoint
	Type     TransferType
	Flags    uint32
	Interval int32
	Buffer   []byte

	// Isochronous submits only. The driver fills ActualLength and
	// Status of each packet on completion.
	StartFrame int32
	Packets    []IsoPacketDescriptor

	// Filled on completion. Status is 0 or a negative errno.
	Status       int32
	ActualLength uint32
}

// Driver is the typed surface of the kernel filter driver that owns the
// stubbed device. Each operation wraps a single ioctl and blocks until
// the driver completes it; callers provide the concurrency. In-flight
// operations are not aborted by ctx cancellation: they run to
// completion and the caller discards the result.
type Driver interface {
	SetConfig(ctx context.Context, value uint8) error
	SelectInterface(ctx context.Context, iface, alt uint8) error
	ClearEndpoint(ctx context.Context, ep RawEndpoint) error
	AbortEndpoint(ctx context.Context, ep RawEndpoint) error
	SendURB(ctx context.Context, urb *URB) error
	Close() error
}
