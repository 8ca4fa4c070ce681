package usbip

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	sysfsDeviceDir = "/sys/bus/usb/devices"
)

// Registry is the device-registry collaborator of the wire engine: the
// set of shared devices, and the attach bookkeeping that makes an
// import exclusive.
type Registry interface {
	ListShared() ([]*DeviceRecord, error)
	// TryReserve atomically marks the device attached. It fails with
	// ErrUnknownDevice for an unshared bus id and ErrDeviceBusy when
	// the device is already attached elsewhere.
	TryReserve(busID string) (*AttachedHandle, error)
	MarkDetached(h *AttachedHandle)
}

// AttachedHandle represents one exclusive attachment of a shared
// device.
type AttachedHandle struct {
	Record *DeviceRecord
	Tree   *ConfigTree
	busID  string
}

// SysfsRegistry enumerates shared devices from /sys/bus/usb/devices.
// The shared set is keyed by bus id (the sysfs device directory name,
// "bus-port"). Records are rebuilt from sysfs on every call so that
// re-plugged devices show their current device number.
type SysfsRegistry struct {
	mu       sync.Mutex
	shared   map[string]bool
	attached map[string]bool
}

func NewSysfsRegistry(busIDs []string) *SysfsRegistry {
	r := &SysfsRegistry{
		shared:   make(map[string]bool, len(busIDs)),
		attached: make(map[string]bool),
	}
	for _, id := range busIDs {
		r.shared[id] = true
	}
	return r
}

func readSysfsAttr(devName, attrName string) (string, error) {
	fileName := fmt.Sprintf("%s/%s/%s", sysfsDeviceDir, devName, attrName)
	data, err := os.ReadFile(fileName)
	if err != nil {
		return "", err
	}
	return strings.Trim(string(data), "\n"), nil
}

func readSysfsAttrInt(devName, attrName string) (int, error) {
	strData, err := readSysfsAttr(devName, attrName)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseInt(strData, 10, 64)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}

// sysfs reports the speed attribute in Mbit/s.
func parseSpeed(attr string) Speed {
	switch attr {
	case "1.5":
		return SpeedLow
	case "12":
		return SpeedFull
	case "480":
		return SpeedHigh
	case "53.3-480":
		return SpeedWireless
	case "5000":
		return SpeedSuper
	case "10000", "20000":
		return SpeedSuperPlus
	}
	return SpeedUnknown
}

func readDevice(busID string) (*DeviceRecord, *ConfigTree, error) {
	busNum, err := readSysfsAttrInt(busID, "busnum")
	if err != nil {
		return nil, nil, err
	}
	devNum, err := readSysfsAttrInt(busID, "devnum")
	if err != nil {
		return nil, nil, err
	}
	speedAttr, err := readSysfsAttr(busID, "speed")
	if err != nil {
		return nil, nil, err
	}
	// Empty when the device is unconfigured.
	cfgValue, _ := readSysfsAttrInt(busID, "bConfigurationValue")

	raw, err := os.ReadFile(fmt.Sprintf("%s/%s/descriptors", sysfsDeviceDir, busID))
	if err != nil {
		return nil, nil, err
	}
	tree, err := ParseConfigTree(raw)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "device %s", busID)
	}
	if cfgValue > 0 {
		if err := tree.SetConfiguration(uint8(cfgValue)); err != nil {
			return nil, nil, errors.Wrapf(err, "device %s", busID)
		}
	}

	dev := tree.Device()
	rec := &DeviceRecord{
		Path:               fmt.Sprintf("%s/%s", sysfsDeviceDir, busID),
		BusID:              busID,
		BusNum:             uint32(busNum),
		DevNum:             uint32(devNum),
		Speed:              parseSpeed(speedAttr),
		IDVendor:           dev.IDVendor,
		IDProduct:          dev.IDProduct,
		BcdDevice:          dev.BcdDevice,
		DeviceClass:        dev.BDeviceClass,
		DeviceSubClass:     dev.BDeviceSubClass,
		DeviceProtocol:     dev.BDeviceProtocol,
		ConfigurationValue: uint8(cfgValue),
		NumConfigurations:  dev.BNumConfigurations,
	}
	for _, iface := range tree.Interfaces() {
		rec.Interfaces = append(rec.Interfaces, InterfaceRecord{
			Class:    iface.BInterfaceClass,
			SubClass: iface.BInterfaceSubClass,
			Protocol: iface.BInterfaceProtocol,
		})
	}
	return rec, tree, nil
}

func (r *SysfsRegistry) ListShared() ([]*DeviceRecord, error) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.shared))
	for id := range r.shared {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	res := make([]*DeviceRecord, 0, len(ids))
	for _, id := range ids {
		rec, _, err := readDevice(id)
		if err != nil {
			// A shared device that is currently unplugged is simply
			// absent from the list.
			continue
		}
		res = append(res, rec)
	}
	return res, nil
}

func (r *SysfsRegistry) TryReserve(busID string) (*AttachedHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.shared[busID] {
		return nil, errors.Wrap(ErrUnknownDevice, busID)
	}
	if r.attached[busID] {
		return nil, errors.Wrap(ErrDeviceBusy, busID)
	}
	rec, tree, err := readDevice(busID)
	if err != nil {
		return nil, errors.Wrap(ErrUnknownDevice, busID)
	}
	r.attached[busID] = true
	return &AttachedHandle{Record: rec, Tree: tree, busID: busID}, nil
}

func (r *SysfsRegistry) MarkDetached(h *AttachedHandle) {
	r.mu.Lock()
	delete(r.attached, h.busID)
	r.mu.Unlock()
}
