package usbip

import "fmt"

// From https://www.usb.org/defined-class-codes

type (
	ClassCode uint8
	SubClass  uint8
)

const (
	ClassCodePerInterface   = ClassCode(0x00)
	ClassCodeAudio          = ClassCode(0x01)
	ClassCodeCDCControl     = ClassCode(0x02)
	ClassCodeHID            = ClassCode(0x03)
	ClassCodePhysical       = ClassCode(0x05)
	ClassCodeImage          = ClassCode(0x06)
	ClassCodePrinter        = ClassCode(0x07)
	ClassCodeMassStorage    = ClassCode(0x08)
	ClassCodeHub            = ClassCode(0x09)
	ClassCodeCDCData        = ClassCode(0x0A)
	ClassCodeSmartCard      = ClassCode(0x0B)
	ClassCodeVideo          = ClassCode(0x0E)
	ClassCodeAudioVideo     = ClassCode(0x10)
	ClassCodeWireless       = ClassCode(0xE0)
	ClassCodeMisc           = ClassCode(0xEF)
	ClassCodeApplication    = ClassCode(0xFE)
	ClassCodeVendorSpecific = ClassCode(0xFF)
)

func (code ClassCode) String() string {
	switch code {
	case ClassCodePerInterface:
		return "UseInterfaceDescriptors"
	case ClassCodeAudio:
		return "Audio"
	case ClassCodeCDCControl:
		return "CDCControl"
	case ClassCodeHID:
		return "HID"
	case ClassCodePhysical:
		return "Physical"
	case ClassCodeImage:
		return "Image"
	case ClassCodePrinter:
		return "Printer"
	case ClassCodeMassStorage:
		return "MassStorage"
	case ClassCodeHub:
		return "Hub"
	case ClassCodeCDCData:
		return "CDCData"
	case ClassCodeSmartCard:
		return "SmartCard"
	case ClassCodeVideo:
		return "Video"
	case ClassCodeAudioVideo:
		return "AudioVideo"
	case ClassCodeWireless:
		return "WirelessController"
	case ClassCodeMisc:
		return "Misc"
	case ClassCodeApplication:
		return "ApplicationSpecific"
	case ClassCodeVendorSpecific:
		return "VendorSpecific"
	}
	return fmt.Sprintf("Unknown(%.2X)", uint8(code))
}
