package micronucleus

import (
	"encoding/binary"
	"fmt"

	"github.com/bigbag/tinyflash/internal/page"
	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/protocol"
	"github.com/bigbag/tinyflash/internal/usb"
)

// PagedWrite writes n bytes of mem.Buf starting at addr. The range is split
// into pages of the size reported by the bootloader, which may be smaller
// than pageSize.
func (p *Programmer) PagedWrite(mem *programmer.Memory, pageSize, addr, n uint32) error {
	p.log.Tracef("paged_write(page_size=0x%X, addr=0x%X, n_bytes=0x%X)", pageSize, addr, n)

	if !mem.IsFlash() {
		p.log.Errorf("unsupported memory %s", mem.Name)
		return opError("write", fmt.Errorf("%s memory: %w", mem.Name, programmer.ErrUnsupported))
	}

	s, err := p.initialized("write")
	if err != nil {
		return err
	}

	if n > pageSize {
		return opError("write", &programmer.SizeError{What: "buffer size", Size: uint64(n), Limit: uint64(pageSize)})
	}
	// end is computed in 64 bits so addr+n cannot wrap
	end := uint64(addr) + uint64(n)
	if end > uint64(s.info.FlashSize) {
		return opError("write", &programmer.SizeError{What: "program size", Size: end, Limit: uint64(s.info.FlashSize)})
	}
	if end > uint64(len(mem.Buf)) {
		return opError("write", &programmer.SizeError{What: "memory range", Size: end, Limit: uint64(len(mem.Buf))})
	}

	for _, chunk := range page.Split(mem.Buf[addr:addr+n], int(s.info.PageSize)) {
		if err := p.writePage(uint16(addr)+uint16(chunk.Offset), chunk.Data); err != nil {
			return err
		}
	}

	return nil
}

// writePage transmits one device page and waits for the flash write. Under
// protocol V2 page 0 and the last page are patched on the way.
func (p *Programmer) writePage(addr uint16, buf []byte) error {
	p.log.Tracef("write_page(address=0x%04X, size=%d)", addr, len(buf))

	s := p.sess
	v2 := s.variant == protocol.V2

	if addr == 0 {
		if v2 {
			vector, ok := protocol.PatchResetVector(buf, s.info.BootloaderStart)
			if !ok {
				var word uint16
				if len(buf) >= 2 {
					word = binary.LittleEndian.Uint16(buf)
				}
				return opError("patch", &programmer.ResetVectorError{Word: word})
			}
			s.userResetVector = vector
		}

		// the last page carries the jump back to the application
		s.writeLastPage = true
		s.startProgram = true
	} else if uint32(addr) >= s.info.LastPage() {
		if v2 && !protocol.PatchUserVector(buf, uint32(addr), s.info.BootloaderStart, s.userResetVector) {
			p.log.Warnf("page 0x%04X does not hold the application vector at 0x%04X",
				addr, protocol.UserVectorAddr(s.info.BootloaderStart))
		}
		s.writeLastPage = false
	}

	var err error
	if v2 {
		err = p.transferV2(s.handle, addr, buf)
	} else {
		err = p.transferV1(s.handle, addr, buf)
	}
	if err != nil {
		p.log.Errorf("unable to transfer page: %v", err)
		return opError("write", &programmer.TransportError{Err: err})
	}

	p.pause(milliseconds(s.info.WriteSleep))
	return nil
}

// transferV1 sends the page as the payload of a single request.
func (p *Programmer) transferV1(handle usb.Handle, addr uint16, buf []byte) error {
	_, err := handle.Control(usb.VendorOut, protocol.CmdTransfer, uint16(len(buf)), addr, buf)
	return err
}

// transferV2 announces the page, then streams it two words per request in
// the request parameters.
func (p *Programmer) transferV2(handle usb.Handle, addr uint16, buf []byte) error {
	if _, err := handle.Control(usb.VendorOut, protocol.CmdTransfer, uint16(len(buf)), addr, nil); err != nil {
		return err
	}

	for _, pair := range page.Words(buf) {
		if _, err := handle.Control(usb.VendorOut, protocol.CmdProgram, pair.W1, pair.W2, nil); err != nil {
			return err
		}
	}

	return nil
}
