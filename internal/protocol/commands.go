package protocol

import "time"

// Micronucleus USB identifiers (MCS Digistump).
const (
	DefaultVendorID  = 0x16D0
	DefaultProductID = 0x0753
)

// Vendor requests understood by the bootloader
const (
	CmdInfo     = 0
	CmdTransfer = 1
	CmdErase    = 2
	CmdProgram  = 3
	CmdStart    = 4
)

// MaxMajorVersion is the newest bootloader generation this package speaks.
const MaxMajorVersion = 2

// Info block sizes per protocol generation
const (
	InfoSizeV1 = 4
	InfoSizeV2 = 6
)

// Timing
const (
	DefaultTimeout   = 500 * time.Millisecond
	ConnectWait      = 100 * time.Millisecond
	ReconnectRetries = 25
)

// Signature byte 0 of every Atmel AVR part
const SignatureAtmel = 0x1E

// Variant is the wire protocol generation.
type Variant int

const (
	V1 Variant = 1
	V2 Variant = 2
)

// VariantFor selects the protocol generation from the bootloader major
// version read from the USB device descriptor.
func VariantFor(major uint8) Variant {
	if major >= 2 {
		return V2
	}
	return V1
}

// InfoSize returns the size of the info block for v.
func (v Variant) InfoSize() int {
	if v == V2 {
		return InfoSizeV2
	}
	return InfoSizeV1
}

func (v Variant) String() string {
	switch v {
	case V1:
		return "V1"
	case V2:
		return "V2"
	default:
		return "unknown"
	}
}

// PartName returns the part a signature belongs to, for diagnostics only.
func PartName(sig1, sig2 byte) string {
	switch {
	case sig1 == 0x94 && sig2 == 0x87:
		return "ATtiny167"
	case sig1 == 0x93 && sig2 == 0x0B:
		return "ATtiny85"
	case sig1 == 0x92 && sig2 == 0x06:
		return "ATtiny45"
	case sig1 == 0x93 && sig2 == 0x15:
		return "ATtiny841"
	case sig1 == 0x92 && sig2 == 0x15:
		return "ATtiny441"
	case sig1 == 0x93 && sig2 == 0x0C:
		return "ATtiny84"
	case sig1 == 0x95 && sig2 == 0x0F:
		return "ATmega328P"
	default:
		return "unknown"
	}
}
