// Package mac holds the protocol vocabulary shared by every part of the
// base-station MAC engine: connection identifiers, management message types,
// service classes, QoS parameters and confirmation codes.
package mac

import "fmt"

// CID is a connection identifier.
type CID uint16

// BasicCIDBlock is the size of the basic CID range. Primary CIDs are offset
// from their basic CID by the same amount.
const BasicCIDBlock = 200

const (
	InitialRangingCID     CID = 0x0000
	BasicCIDFirst         CID = 0x0001
	BasicCIDLast          CID = BasicCIDBlock
	PrimaryCIDFirst       CID = BasicCIDBlock + 1
	PrimaryCIDLast        CID = 2 * BasicCIDBlock
	TransportCIDFirst     CID = 2*BasicCIDBlock + 1
	TransportCIDLast      CID = 0xFEFE
	AASInitialRangingCID  CID = 0xFEFF
	MulticastPollingFirst CID = 0xFF00
	MulticastPollingLast  CID = 0xFFFC
	AllSSMulticastCID     CID = 0xFFFD
	PaddingCID            CID = 0xFFFE
	BroadcastCID          CID = 0xFFFF
)

// CIDClass partitions the CID space.
type CIDClass int

const (
	ClassInitialRanging CIDClass = iota
	ClassBasic
	ClassPrimary
	ClassTransport
	ClassReserved
)

func (c CIDClass) String() string {
	switch c {
	case ClassInitialRanging:
		return "initial-ranging"
	case ClassBasic:
		return "basic"
	case ClassPrimary:
		return "primary"
	case ClassTransport:
		return "transport"
	default:
		return "reserved"
	}
}

// Class reports which range c falls in.
func (c CID) Class() CIDClass {
	switch {
	case c == InitialRangingCID:
		return ClassInitialRanging
	case c >= BasicCIDFirst && c <= BasicCIDLast:
		return ClassBasic
	case c >= PrimaryCIDFirst && c <= PrimaryCIDLast:
		return ClassPrimary
	case c >= TransportCIDFirst && c <= TransportCIDLast:
		return ClassTransport
	default:
		return ClassReserved
	}
}

// IsBasic reports whether c is a basic management CID.
func (c CID) IsBasic() bool { return c.Class() == ClassBasic }

// IsPrimary reports whether c is a primary management CID.
func (c CID) IsPrimary() bool { return c.Class() == ClassPrimary }

// IsTransport reports whether c is a transport or secondary management CID.
func (c CID) IsTransport() bool { return c.Class() == ClassTransport }

// IsBroadcast reports whether c addresses every station.
func (c CID) IsBroadcast() bool { return c == BroadcastCID || c == AllSSMulticastCID }

// PrimaryFor returns the primary CID paired with a basic CID.
func PrimaryFor(basic CID) CID { return basic + BasicCIDBlock }

// BasicFor returns the basic CID paired with a primary CID.
func BasicFor(primary CID) CID { return primary - BasicCIDBlock }

func (c CID) String() string { return fmt.Sprintf("0x%04x", uint16(c)) }

// MACAddress is a 48-bit station address.
type MACAddress [6]byte

func (m MACAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses the colon separated hex form produced by String.
func ParseMAC(s string) (MACAddress, error) {
	var m MACAddress
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != 6 {
		return MACAddress{}, fmt.Errorf("parse mac %q: invalid format", s)
	}
	return m, nil
}
