package usbip

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// All USB/IP integers are big-endian on the wire. Encoding failures are
// programmer errors; decoding failures are protocol violations.

func mustWrite(b *bytes.Buffer, v any) {
	if err := binary.Write(b, binary.BigEndian, v); err != nil {
		panic(err)
	}
}

func EncodeOpHeader(op OpHeader) []byte {
	b := &bytes.Buffer{}
	mustWrite(b, op)
	return b.Bytes()
}

func DecodeOpHeader(data []byte) (OpHeader, error) {
	var op OpHeader
	if len(data) < opHeaderLen {
		return op, errors.Wrap(ErrProtocol, "short operation header")
	}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &op); err != nil {
		return op, errors.Wrap(ErrProtocol, err.Error())
	}
	return op, nil
}

func decodeBasicHeader(data []byte) Header {
	return Header{
		Command:   binary.BigEndian.Uint32(data[0:4]),
		Seqnum:    binary.BigEndian.Uint32(data[4:8]),
		Devid:     binary.BigEndian.Uint32(data[8:12]),
		Direction: binary.BigEndian.Uint32(data[12:16]),
		Endpoint:  binary.BigEndian.Uint32(data[16:20]),
	}
}

func encodeBasicHeader(b *bytes.Buffer, hdr Header) {
	mustWrite(b, hdr)
}

// DecodeHeader decodes the 48-byte USB/IP header of the attached phase.
// The trailer interpretation depends on Command.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < headerLen {
		return Header{}, errors.Wrap(ErrProtocol, "short message header")
	}
	hdr := decodeBasicHeader(data)
	switch hdr.Command {
	case CmdSubmitCode, CmdUnlinkCode, RetSubmitCode, RetUnlinkCode:
		return hdr, nil
	}
	return Header{}, errors.Wrapf(ErrProtocol, "unknown command 0x%.8x", hdr.Command)
}

func EncodeCmdSubmit(hdr Header, cmd CmdSubmit) []byte {
	b := &bytes.Buffer{}
	hdr.Command = CmdSubmitCode
	encodeBasicHeader(b, hdr)
	mustWrite(b, cmd)
	return b.Bytes()
}

func DecodeCmdSubmit(data []byte) (CmdSubmit, error) {
	var cmd CmdSubmit
	if len(data) < headerLen {
		return cmd, errors.Wrap(ErrProtocol, "short CMD_SUBMIT")
	}
	if err := binary.Read(bytes.NewReader(data[basicHeaderLen:headerLen]), binary.BigEndian, &cmd); err != nil {
		return cmd, errors.Wrap(ErrProtocol, err.Error())
	}
	return cmd, nil
}

func EncodeCmdUnlink(hdr Header, cmd CmdUnlink) []byte {
	b := &bytes.Buffer{}
	hdr.Command = CmdUnlinkCode
	encodeBasicHeader(b, hdr)
	mustWrite(b, cmd)
	b.Write(make([]byte, trailerLen-4))
	return b.Bytes()
}

func DecodeCmdUnlink(data []byte) (CmdUnlink, error) {
	if len(data) < headerLen {
		return CmdUnlink{}, errors.Wrap(ErrProtocol, "short CMD_UNLINK")
	}
	return CmdUnlink{Seqnum: binary.BigEndian.Uint32(data[basicHeaderLen : basicHeaderLen+4])}, nil
}

// EncodeRetSubmit builds a complete RET_SUBMIT message. The basic
// devid, direction and ep fields are zeroed; the client correlates by
// seqnum alone. data is appended verbatim (IN transfers only), followed
// by re-serialized packet descriptors for isochronous replies.
func EncodeRetSubmit(seqnum uint32, ret RetSubmit, data []byte, packets []IsoPacketDescriptor) []byte {
	b := &bytes.Buffer{}
	encodeBasicHeader(b, Header{Command: RetSubmitCode, Seqnum: seqnum})
	mustWrite(b, ret)
	b.Write(make([]byte, headerLen-b.Len()))
	b.Write(data)
	for i := range packets {
		mustWrite(b, packets[i])
	}
	return b.Bytes()
}

func DecodeRetSubmit(data []byte) (Header, RetSubmit, error) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return Header{}, RetSubmit{}, err
	}
	var ret RetSubmit
	if err := binary.Read(bytes.NewReader(data[basicHeaderLen:headerLen]), binary.BigEndian, &ret); err != nil {
		return Header{}, RetSubmit{}, errors.Wrap(ErrProtocol, err.Error())
	}
	return hdr, ret, nil
}

// EncodeRetUnlink builds a complete RET_UNLINK message, padded to the
// fixed 48-byte header size.
func EncodeRetUnlink(seqnum uint32, status int32) []byte {
	b := &bytes.Buffer{}
	encodeBasicHeader(b, Header{Command: RetUnlinkCode, Seqnum: seqnum})
	mustWrite(b, RetUnlink{Status: status})
	b.Write(make([]byte, trailerLen-4))
	return b.Bytes()
}

func DecodeRetUnlink(data []byte) (Header, RetUnlink, error) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return Header{}, RetUnlink{}, err
	}
	status := int32(binary.BigEndian.Uint32(data[basicHeaderLen : basicHeaderLen+4]))
	return hdr, RetUnlink{Status: status}, nil
}

func DecodeIsoPacketDescriptors(data []byte, count uint32) ([]IsoPacketDescriptor, error) {
	if uint32(len(data)) < count*isoDescriptorLen {
		return nil, errors.Wrap(ErrProtocol, "short isochronous packet descriptors")
	}
	r := bytes.NewReader(data)
	packets := make([]IsoPacketDescriptor, count)
	if err := binary.Read(r, binary.BigEndian, packets); err != nil {
		return nil, errors.Wrap(ErrProtocol, err.Error())
	}
	return packets, nil
}

func EncodeIsoPacketDescriptors(packets []IsoPacketDescriptor) []byte {
	b := &bytes.Buffer{}
	for i := range packets {
		mustWrite(b, packets[i])
	}
	return b.Bytes()
}
