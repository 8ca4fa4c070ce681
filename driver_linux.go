package usbip

import (
	"context"

	"github.com/daedaluz/gousbip/stubfs"
	"github.com/pkg/errors"
)

// stubDriver adapts an opened stubfs device to the Driver surface.
type stubDriver struct {
	dev *stubfs.Device
}

// OpenStubDriver opens the stub filter driver node that owns the
// claimed device behind a registry record.
func OpenStubDriver(rec *DeviceRecord) (Driver, error) {
	dev, err := stubfs.OpenDevice(int(rec.BusNum), int(rec.DevNum))
	if err != nil {
		return nil, errors.Wrapf(err, "open stub device %s", rec.BusID)
	}
	return &stubDriver{dev: dev}, nil
}

func (d *stubDriver) SetConfig(_ context.Context, value uint8) error {
	return d.dev.SetConfiguration(uint32(value))
}

func (d *stubDriver) SelectInterface(_ context.Context, iface, alt uint8) error {
	return d.dev.SetInterface(uint32(iface), uint32(alt))
}

func (d *stubDriver) ClearEndpoint(_ context.Context, ep RawEndpoint) error {
	return d.dev.ClearEndpoint(uint8(ep))
}

func (d *stubDriver) AbortEndpoint(_ context.Context, ep RawEndpoint) error {
	return d.dev.AbortEndpoint(uint8(ep))
}

func urbType(t TransferType) uint8 {
	switch t {
	case TransferTypeIsochronous:
		return stubfs.URBTypeIsochronous
	case TransferTypeInterrupt:
		return stubfs.URBTypeInterrupt
	case TransferTypeControl:
		return stubfs.URBTypeControl
	}
	return stubfs.URBTypeBulk
}

func (d *stubDriver) SendURB(_ context.Context, urb *URB) error {
	su := stubfs.URB{
		Type:       urbType(urb.Type),
		Endpoint:   uint8(urb.Endpoint),
		Flags:      urb.Flags,
		Interval:   urb.Interval,
		StartFrame: urb.StartFrame,
		Buffer:     urb.Buffer,
	}
	if urb.Type == TransferTypeControl && len(urb.Buffer) >= 8 {
		copy(su.Setup[:], urb.Buffer[:8])
	}
	for i := range urb.Packets {
		su.Packets = append(su.Packets, stubfs.IsoPacket{Length: uint16(urb.Packets[i].Length)})
	}
	if err := d.dev.SubmitURB(&su); err != nil {
		return err
	}
	urb.Status = su.Error.Errno()
	urb.ActualLength = uint32(su.ActualLength)
	for i := range urb.Packets {
		urb.Packets[i].ActualLength = uint32(su.Packets[i].ActualLength)
		urb.Packets[i].Status = su.Packets[i].Status.Errno()
	}
	return nil
}

func (d *stubDriver) Close() error {
	return d.dev.Close()
}
