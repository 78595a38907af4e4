package micronucleus

import (
	"errors"
	"fmt"

	"github.com/bigbag/tinyflash/internal/page"
	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/protocol"
	"github.com/bigbag/tinyflash/internal/usb"
)

// ChipErase erases the application flash. The bootloader may reset its USB
// stack while erasing, so I/O and pipe errors are expected and the
// connection is re-established when it dropped.
func (p *Programmer) ChipErase() error {
	p.log.Trace("chip_erase()")

	s, err := p.initialized("erase")
	if err != nil {
		return err
	}

	if _, err := s.handle.Control(usb.VendorOut, protocol.CmdErase, 0, 0, nil); err != nil {
		if !errors.Is(err, usb.ErrIO) && !errors.Is(err, usb.ErrPipe) {
			p.log.Warnf("erase command failed: %v", err)
			return opError("erase", &programmer.TransportError{Err: err})
		}
		p.log.Warnf("ignoring last error of erase command: %v", err)
	}

	p.pause(milliseconds(s.info.EraseSleep))

	if err := checkConnection(s.handle, s.variant); err != nil {
		p.log.Debugf("connection dropped, trying to reconnect ...")
		if err := p.reconnect(); err != nil {
			p.log.Warnf("unable to reconnect USB device: %v", err)
			return opError("erase", err)
		}
	}

	return nil
}

// reconnect reopens the session device, retrying while it re-enumerates.
func (p *Programmer) reconnect() error {
	s := p.sess
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}

	var lastErr error
	for i := 0; i < protocol.ReconnectRetries; i++ {
		p.log.Debug("trying to reconnect ...")

		handle, err := p.bus.Open(s.device)
		if err == nil {
			s.handle = handle
			return nil
		}
		lastErr = err

		p.pause(protocol.ConnectWait)
	}

	return &programmer.TransportError{
		Err: fmt.Errorf("reconnect failed after %d attempts: %w", protocol.ReconnectRetries, lastErr),
	}
}

// PowerDown finishes a programming session. It writes a blank last page if
// the application vector was not written yet and starts the application.
func (p *Programmer) PowerDown() error {
	p.log.Trace("powerdown()")

	s := p.sess
	if s == nil || s.handle == nil || s.info == nil {
		return nil
	}

	var errs []error

	if s.writeLastPage {
		s.writeLastPage = false
		if err := p.writePage(uint16(s.info.LastPage()), page.Blank(int(s.info.PageSize))); err != nil {
			errs = append(errs, err)
		}
	}

	if s.startProgram {
		s.startProgram = false
		if err := p.start(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *Programmer) start() error {
	p.log.Trace("start()")

	if _, err := p.sess.handle.Control(usb.VendorOut, protocol.CmdStart, 0, 0, nil); err != nil {
		p.log.Warnf("start command failed: %v", err)
		return opError("start", &programmer.TransportError{Err: err})
	}
	return nil
}
