package usbip

import "github.com/pkg/errors"

// Connection-fatal and registry error kinds. Transfer failures reported
// by the driver for an individual URB are not Go errors; they surface
// as a negative-errno status inside a normal RET_SUBMIT.
var (
	// ErrProtocol marks a protocol violation by the peer: bad framing,
	// wrong version, unknown opcode or command, duplicate seqnum, or
	// invalid isochronous packet descriptors. Fatal to the connection.
	ErrProtocol = errors.New("protocol violation")

	// ErrDriver marks an ioctl failure not tied to a single URB. Fatal
	// to the connection.
	ErrDriver = errors.New("driver failure")

	// ErrUnknownDevice is returned by a registry when no shared device
	// matches the requested bus id.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrDeviceBusy is returned by a registry when the device is
	// already attached to another client.
	ErrDeviceBusy = errors.New("device busy")
)
