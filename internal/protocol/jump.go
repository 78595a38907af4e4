package protocol

import "encoding/binary"

// AVR branch encodings used to hand control between bootloader and
// application.
//
//	jmp  k: 1001 010k kkkk 110k  kkkk kkkk kkkk kkkk  (two words)
//	rjmp k: 1100 kkkk kkkk kkkk                       (k: 12 bit word offset)
//
// Only the 16 bit absolute form of jmp is produced, which covers every part
// a Micronucleus bootloader runs on.
const (
	OpcodeJmp  = 0x940C
	OpcodeRjmp = 0xC000

	rjmpOpcodeMask = 0xF000
	rjmpOffsetMask = 0x0FFF

	// LongJumpThreshold is the highest byte address still reached with rjmp.
	LongJumpThreshold = 0x2000
)

// UseLongJump reports whether a branch placed at or aimed at byte address
// addr needs the two-word jmp encoding.
func UseLongJump(addr uint32) bool {
	return addr > LongJumpThreshold
}

// DecodeJump decodes the branch stored at the start of code, located at word
// address wordAddr, and returns its target word address. ok is false when
// the instruction is neither jmp nor rjmp.
func DecodeJump(code []byte, wordAddr uint16) (target uint16, ok bool) {
	if len(code) < 2 {
		return 0, false
	}

	word0 := binary.LittleEndian.Uint16(code[0:2])
	if word0 == OpcodeJmp {
		if len(code) < 4 {
			return 0, false
		}
		return binary.LittleEndian.Uint16(code[2:4]), true
	}

	if word0&rjmpOpcodeMask == OpcodeRjmp {
		// rjmp encodes target - pc - 1 and wraps within 4K words
		return (wordAddr + word0&rjmpOffsetMask + 1) & rjmpOffsetMask, true
	}

	return 0, false
}

// EncodeJump writes a branch to target at the start of code, located at
// word address wordAddr. The long form stores target verbatim in the second
// word; the short form only touches the first word.
func EncodeJump(code []byte, wordAddr, target uint16, long bool) {
	if long {
		binary.LittleEndian.PutUint16(code[0:2], OpcodeJmp)
		binary.LittleEndian.PutUint16(code[2:4], target)
		return
	}

	binary.LittleEndian.PutUint16(code[0:2], OpcodeRjmp|((target-wordAddr-1)&rjmpOffsetMask))
}

// PatchResetVector captures the application reset vector from page 0 and
// replaces it with a branch into the bootloader. It returns the captured
// target word address; ok is false if page 0 does not start with a branch.
func PatchResetVector(page []byte, bootloaderStart uint32) (userVector uint16, ok bool) {
	if len(page) < 4 {
		return 0, false
	}

	userVector, ok = DecodeJump(page, 0)
	if !ok {
		return 0, false
	}

	if UseLongJump(bootloaderStart) {
		EncodeJump(page, 0, uint16(bootloaderStart), true)
	} else {
		EncodeJump(page, 0, uint16(bootloaderStart/2), false)
	}

	return userVector, true
}

// UserVectorAddr returns the byte address where the bootloader expects the
// branch back into the application.
func UserVectorAddr(bootloaderStart uint32) uint32 {
	return bootloaderStart - 4
}

// PatchUserVector writes the branch to userVector into the last application
// page, which starts at byte address pageAddr. It returns false if the
// vector slot does not fall inside page.
func PatchUserVector(page []byte, pageAddr, bootloaderStart uint32, userVector uint16) bool {
	vectorAddr := UserVectorAddr(bootloaderStart)
	if vectorAddr < pageAddr {
		return false
	}

	offset := vectorAddr - pageAddr
	if len(page) < 4 || offset > uint32(len(page)-4) {
		return false
	}

	EncodeJump(page[offset:], uint16(vectorAddr/2), userVector, UseLongJump(vectorAddr))
	return true
}
