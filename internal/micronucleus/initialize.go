package micronucleus

import (
	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/protocol"
	"github.com/bigbag/tinyflash/internal/usb"
)

// Initialize reads the bootloader info block. The block layout follows the
// major version reported by the device descriptor.
func (p *Programmer) Initialize() error {
	p.log.Trace("initialize()")

	s, err := p.connected("initialize")
	if err != nil {
		return err
	}

	block := make([]byte, s.variant.InfoSize())
	n, err := s.handle.Control(usb.VendorIn, protocol.CmdInfo, 0, 0, block)
	if err != nil {
		p.log.Warnf("unable to get bootloader info block: %v", err)
		return opError("initialize", &programmer.TransportError{Err: err})
	}
	if n < len(block) {
		p.log.Warnf("received invalid bootloader info block size: %d", n)
		return opError("initialize", &programmer.ShortReadError{Got: n, Want: len(block)})
	}

	info, err := protocol.DecodeInfo(s.variant, block)
	if err != nil {
		return opError("initialize", err)
	}
	s.info = info

	p.dumpInfo()
	return nil
}

func (p *Programmer) dumpInfo() {
	s := p.sess
	log := p.log.WithField("device", s.device.String())

	log.Debugf("Bootloader version: %d.%d (protocol %s)", s.device.Major, s.device.Minor, s.variant)
	log.Debugf("Available flash size: %d", s.info.FlashSize)
	log.Debugf("Page size: %d", s.info.PageSize)
	log.Debugf("Bootloader start: 0x%04X", s.info.BootloaderStart)
	log.Debugf("Write sleep: %dms", s.info.WriteSleep)
	log.Debugf("Erase sleep: %dms", s.info.EraseSleep)
	log.Debugf("Signature1: 0x%02X", s.info.Signature1)
	log.Debugf("Signature2: 0x%02X", s.info.Signature2)
}
