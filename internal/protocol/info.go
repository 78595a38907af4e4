package protocol

import (
	"encoding/binary"
	"fmt"
)

// Info is the bootloader geometry decoded from the info block.
type Info struct {
	FlashSize       uint16 // programmable flash in bytes
	PageSize        uint8  // device page size in bytes
	Pages           uint32
	BootloaderStart uint32 // first byte after the last application page
	WriteSleep      uint8  // milliseconds per page write
	EraseSleep      uint32 // milliseconds for a chip erase
	Signature1      byte
	Signature2      byte
}

const (
	sleepMask     = 0x7F
	quadEraseFlag = 0x80
)

// DecodeInfo decodes the info block returned by CmdInfo for the given
// protocol generation.
func DecodeInfo(v Variant, block []byte) (*Info, error) {
	if len(block) < v.InfoSize() {
		return nil, fmt.Errorf("info block too short: %d bytes, want %d", len(block), v.InfoSize())
	}

	info := &Info{
		FlashSize: binary.BigEndian.Uint16(block[0:2]),
		PageSize:  block[2],
	}
	if info.PageSize == 0 {
		return nil, fmt.Errorf("info block reports zero page size")
	}

	if v == V2 {
		info.WriteSleep = (block[3] & sleepMask) + 2
		info.Signature1 = block[4]
		info.Signature2 = block[5]
	} else {
		info.WriteSleep = block[3] & sleepMask
		info.Signature1, info.Signature2 = GuessSignature(info.PageSize, info.FlashSize)
	}

	// a flash size close to 64 KiB rounds up past the 16 bit range
	flashSize, pageSize := uint32(info.FlashSize), uint32(info.PageSize)
	info.Pages = (flashSize + pageSize - 1) / pageSize
	info.BootloaderStart = info.Pages * pageSize
	info.EraseSleep = uint32(info.WriteSleep) * info.Pages

	// ATtiny441/841 erase four pages at once
	if v == V2 && block[3]&quadEraseFlag != 0 {
		info.EraseSleep /= 4
	}

	return info, nil
}

// GuessSignature derives the part signature from the geometry reported by a
// V1 bootloader, which does not report it. Parts sharing a geometry are
// indistinguishable; 0, 0 means unknown.
//
// A 4 KiB ATtiny45 never reports 4096 bytes of application flash since the
// bootloader occupies part of it, so 4096 already selects the ATtiny85.
func GuessSignature(pageSize uint8, flashSize uint16) (byte, byte) {
	switch pageSize {
	case 128:
		return 0x94, 0x87 // ATtiny167
	case 64:
		if flashSize >= 4096 {
			return 0x93, 0x0B // ATtiny85
		}
		return 0x92, 0x06 // ATtiny45
	case 16:
		return 0x93, 0x15 // ATtiny841
	default:
		return 0, 0
	}
}

// LastPage returns the address of the page preceding the bootloader.
func (i *Info) LastPage() uint32 {
	return i.BootloaderStart - uint32(i.PageSize)
}

// Signature returns the three signature bytes as read by the host.
func (i *Info) Signature() [3]byte {
	return [3]byte{SignatureAtmel, i.Signature1, i.Signature2}
}
