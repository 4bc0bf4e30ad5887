// Package mrfproto encodes and decodes the 12-byte UDP packets understood by
// network-attached MRF timing devices.
//
// Layout (multi-byte fields in network byte order unless noted):
//
//	offset 0  access type  1 = read, 2 = write
//	offset 1  status       0 = ok, negative = error (signed)
//	offset 2  data         16-bit register value
//	offset 4  address      32-bit absolute device address
//	offset 8  reference    opaque 32-bit value echoed by the device
package mrfproto

import (
	"encoding/binary"
	"fmt"
)

// PacketSize is the exact size of every request and reply.
const PacketSize = 12

// AccessType selects the operation.
type AccessType uint8

const (
	AccessRead  AccessType = 1
	AccessWrite AccessType = 2
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	}
	return fmt.Sprintf("access(%d)", uint8(a))
}

// Status values reported by the device.
const (
	StatusOK             int8 = 0
	StatusInvalidAddress int8 = -1
	StatusFPGATimeout    int8 = -2
	StatusInvalidCommand int8 = -3
)

// Base addresses of the register windows in the device address space.
const (
	BaseVMEEVGCRCSR  uint32 = 0x00000000
	BaseEVGRegisters uint32 = 0x80000000
	BaseVMEEVRCRCSR  uint32 = 0x78000000
	BaseEVRRegisters uint32 = 0x7a000000
)

// Packet is one request or reply.
type Packet struct {
	AccessType AccessType
	Status     int8
	Data       uint16
	Address    uint32
	// Reference is copied verbatim, so its byte order does not matter as
	// long as encoding and decoding agree.
	Reference uint32
}

// Marshal encodes p into a new PacketSize-byte slice.
func (p Packet) Marshal() []byte {
	b := make([]byte, PacketSize)
	p.MarshalTo(b)
	return b
}

// MarshalTo encodes p into b, which must hold at least PacketSize bytes.
func (p Packet) MarshalTo(b []byte) {
	_ = b[PacketSize-1]
	b[0] = byte(p.AccessType)
	b[1] = byte(p.Status)
	binary.BigEndian.PutUint16(b[2:4], p.Data)
	binary.BigEndian.PutUint32(b[4:8], p.Address)
	binary.LittleEndian.PutUint32(b[8:12], p.Reference)
}

// Unmarshal decodes b, which must be exactly PacketSize bytes long.
func Unmarshal(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("invalid packet size %d, want %d", len(b), PacketSize)
	}
	return Packet{
		AccessType: AccessType(b[0]),
		Status:     int8(b[1]),
		Data:       binary.BigEndian.Uint16(b[2:4]),
		Address:    binary.BigEndian.Uint32(b[4:8]),
		Reference:  binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

func (p Packet) String() string {
	return fmt.Sprintf("%v addr=0x%08x data=0x%04x status=%d ref=%d", p.AccessType, p.Address, p.Data, p.Status, p.Reference)
}
