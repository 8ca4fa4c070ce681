package usbip

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

type DescriptorType uint8

const (
	DescriptorTypeDevice = DescriptorType(iota + 1)
	DescriptorTypeConfig
	DescriptorTypeString
	DescriptorTypeInterface
	DescriptorTypeEndpoint
)

type (
	// DeviceDescriptor describes general information about a device.
	// A device has exactly one.
	DeviceDescriptor struct {
		BcdUSB             uint16
		BDeviceClass       ClassCode
		BDeviceSubClass    SubClass
		BDeviceProtocol    uint8
		BMaxPacketSize0    uint8
		IDVendor           uint16
		IDProduct          uint16
		BcdDevice          uint16
		BNumConfigurations uint8
	}

	// ConfigurationDescriptor heads one configuration; its interface
	// and endpoint descriptors follow it in the descriptor stream.
	ConfigurationDescriptor struct {
		WTotalLength        uint16
		BNumInterfaces      uint8
		BConfigurationValue uint8
		BmAttributes        uint8
		BMaxPower           uint8
	}

	// InterfaceDescriptor describes one alternate setting of an
	// interface within a configuration.
	InterfaceDescriptor struct {
		BInterfaceNumber   uint8
		BAlternateSetting  uint8
		BNumEndpoints      uint8
		BInterfaceClass    ClassCode
		BInterfaceSubClass SubClass
		BInterfaceProtocol uint8
	}

	// EndpointDescriptor describes one endpoint of an alternate
	// setting. There is never an endpoint descriptor for endpoint 0.
	EndpointDescriptor struct {
		BEndpointAddress uint8
		BmAttributes     uint8
		WMaxPacketSize   uint16
		BInterval        uint8
	}
)

func (ep *EndpointDescriptor) TransferType() TransferType {
	return TransferType(ep.BmAttributes & 0b00000011)
}

type (
	// ConfigTree is the parsed configuration-descriptor view of an
	// attached device. It is read-only except for SetConfiguration and
	// SetInterface, which are invoked only by the trapped-setup handler
	// of the submit pipeline, strictly between socket reads.
	ConfigTree struct {
		device  DeviceDescriptor
		configs []*configuration
		active  *configuration
		alts    map[uint8]uint8
	}

	configuration struct {
		desc       ConfigurationDescriptor
		interfaces []*interfaceSetting
	}

	interfaceSetting struct {
		desc      InterfaceDescriptor
		endpoints []EndpointDescriptor
	}
)

// ParseConfigTree parses a raw descriptor stream (the layout of the
// sysfs "descriptors" attribute: the device descriptor followed by each
// full configuration set, fields little-endian). Unknown descriptor
// types are skipped. The tree starts in the unconfigured state.
func ParseConfigTree(data []byte) (*ConfigTree, error) {
	t := &ConfigTree{alts: make(map[uint8]uint8)}
	var cfg *configuration
	var iface *interfaceSetting
	seenDevice := false

	for off := 0; off < len(data); {
		if len(data)-off < 2 {
			return nil, errors.New("truncated descriptor header")
		}
		length := int(data[off])
		typ := DescriptorType(data[off+1])
		if length < 2 || off+length > len(data) {
			return nil, errors.Errorf("bad descriptor length %d at offset %d", length, off)
		}
		d := data[off : off+length]

		switch typ {
		case DescriptorTypeDevice:
			if length < 18 {
				return nil, errors.New("short device descriptor")
			}
			t.device = DeviceDescriptor{
				BcdUSB:             binary.LittleEndian.Uint16(d[2:4]),
				BDeviceClass:       ClassCode(d[4]),
				BDeviceSubClass:    SubClass(d[5]),
				BDeviceProtocol:    d[6],
				BMaxPacketSize0:    d[7],
				IDVendor:           binary.LittleEndian.Uint16(d[8:10]),
				IDProduct:          binary.LittleEndian.Uint16(d[10:12]),
				BcdDevice:          binary.LittleEndian.Uint16(d[12:14]),
				BNumConfigurations: d[17],
			}
			seenDevice = true
		case DescriptorTypeConfig:
			if length < 9 {
				return nil, errors.New("short configuration descriptor")
			}
			cfg = &configuration{desc: ConfigurationDescriptor{
				WTotalLength:        binary.LittleEndian.Uint16(d[2:4]),
				BNumInterfaces:      d[4],
				BConfigurationValue: d[5],
				BmAttributes:        d[7],
				BMaxPower:           d[8],
			}}
			t.configs = append(t.configs, cfg)
			iface = nil
		case DescriptorTypeInterface:
			if length < 9 {
				return nil, errors.New("short interface descriptor")
			}
			if cfg == nil {
				return nil, errors.New("interface descriptor outside a configuration")
			}
			iface = &interfaceSetting{desc: InterfaceDescriptor{
				BInterfaceNumber:   d[2],
				BAlternateSetting:  d[3],
				BNumEndpoints:      d[4],
				BInterfaceClass:    ClassCode(d[5]),
				BInterfaceSubClass: SubClass(d[6]),
				BInterfaceProtocol: d[7],
			}}
			cfg.interfaces = append(cfg.interfaces, iface)
		case DescriptorTypeEndpoint:
			if length < 7 {
				return nil, errors.New("short endpoint descriptor")
			}
			if iface == nil {
				return nil, errors.New("endpoint descriptor outside an interface")
			}
			iface.endpoints = append(iface.endpoints, EndpointDescriptor{
				BEndpointAddress: d[2],
				BmAttributes:     d[3],
				WMaxPacketSize:   binary.LittleEndian.Uint16(d[4:6]),
				BInterval:        d[6],
			})
		}
		off += length
	}
	if !seenDevice {
		return nil, errors.New("missing device descriptor")
	}
	return t, nil
}

func (t *ConfigTree) Device() DeviceDescriptor {
	return t.device
}

func (t *ConfigTree) NumConfigurations() uint8 {
	return uint8(len(t.configs))
}

// ActiveConfiguration returns the bConfigurationValue of the selected
// configuration, or 0 when the device is unconfigured.
func (t *ConfigTree) ActiveConfiguration() uint8 {
	if t.active == nil {
		return 0
	}
	return t.active.desc.BConfigurationValue
}

// SetConfiguration selects the configuration with the given value, or
// returns the device to the unconfigured state for value 0. All
// alternate-setting selections reset to 0.
func (t *ConfigTree) SetConfiguration(value uint8) error {
	t.alts = make(map[uint8]uint8)
	if value == 0 {
		t.active = nil
		return nil
	}
	for _, cfg := range t.configs {
		if cfg.desc.BConfigurationValue == value {
			t.active = cfg
			return nil
		}
	}
	return errors.Errorf("no configuration with value %d", value)
}

// SetInterface selects an alternate setting of an interface in the
// active configuration.
func (t *ConfigTree) SetInterface(iface, alt uint8) error {
	if t.active == nil {
		return errors.New("device is not configured")
	}
	for _, setting := range t.active.interfaces {
		if setting.desc.BInterfaceNumber == iface && setting.desc.BAlternateSetting == alt {
			t.alts[iface] = alt
			return nil
		}
	}
	return errors.Errorf("no interface %d alternate %d", iface, alt)
}

// Interfaces returns one descriptor per interface of the active
// configuration, at its currently selected alternate setting.
func (t *ConfigTree) Interfaces() []InterfaceDescriptor {
	if t.active == nil {
		return nil
	}
	res := make([]InterfaceDescriptor, 0, len(t.active.interfaces))
	for _, setting := range t.active.interfaces {
		if setting.desc.BAlternateSetting == t.alts[setting.desc.BInterfaceNumber] {
			res = append(res, setting.desc)
		}
	}
	return res
}

// TransferType reports the transfer type of a raw endpoint in the
// active configuration.
func (t *ConfigTree) TransferType(ep RawEndpoint) (TransferType, bool) {
	if ep.Number() == 0 {
		return TransferTypeControl, true
	}
	if t.active == nil {
		return 0, false
	}
	for _, setting := range t.active.interfaces {
		if setting.desc.BAlternateSetting != t.alts[setting.desc.BInterfaceNumber] {
			continue
		}
		for i := range setting.endpoints {
			if setting.endpoints[i].BEndpointAddress == uint8(ep) {
				return setting.endpoints[i].TransferType(), true
			}
		}
	}
	return 0, false
}
