package micronucleus

import (
	"context"
	"fmt"
	"time"

	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/protocol"
	"github.com/bigbag/tinyflash/internal/usb"
)

// Open finds a responsive bootloader selected by port and connects to it.
// With the wait extended parameter it keeps scanning until a device shows
// up, the wait time elapses or ctx is done.
func (p *Programmer) Open(ctx context.Context, port string) error {
	p.log.Tracef("open(%q)", port)

	loc, err := parseLocator(port)
	if err != nil {
		return opError("open", err)
	}

	if p.sess == nil {
		p.Setup()
	}

	if len(p.cfg.ProductIDs) > 1 {
		p.log.Warnf("using PID 0x%04x, ignoring remaining PIDs in list", p.pid)
	}

	if p.bus == nil {
		p.ownedBus = p.newBus()
		p.bus = p.ownedBus
	}

	dev, handle, err := p.discover(ctx, loc)
	if err != nil {
		if cerr := p.releaseBus(); cerr != nil {
			p.log.Debugf("unable to release USB context: %v", cerr)
		}
		return opError("open", err)
	}

	p.sess.handle = handle
	p.sess.device = dev
	p.sess.variant = protocol.VariantFor(dev.Major)
	p.sess.info = nil

	return nil
}

// Close releases the device.
func (p *Programmer) Close() error {
	p.log.Trace("close()")

	var err error
	if p.sess != nil && p.sess.handle != nil {
		err = p.sess.handle.Close()
		p.sess.handle = nil
	}

	if cerr := p.releaseBus(); err == nil {
		err = cerr
	}

	return err
}

// releaseBus closes the bus created by Open. An injected bus stays with
// its owner.
func (p *Programmer) releaseBus() error {
	if p.ownedBus == nil {
		return nil
	}

	err := p.ownedBus.Close()
	p.ownedBus = nil
	p.bus = nil
	return err
}

func (p *Programmer) discover(ctx context.Context, loc locator) (usb.DeviceInfo, usb.Handle, error) {
	scan := scanState{showUnresponsive: true}
	showRetry := true
	start := p.now()

	for {
		if err := ctx.Err(); err != nil {
			return usb.DeviceInfo{}, nil, err
		}

		dev, handle, err := p.scan(loc, &scan)
		if err != nil {
			return usb.DeviceInfo{}, nil, err
		}
		if handle != nil {
			return dev, handle, nil
		}

		if !p.params.wait {
			break
		}

		if showRetry {
			if p.params.waitTimeout < 0 {
				p.log.Info("no device found, waiting for device to be plugged in ...")
			} else {
				p.log.Infof("no device found, waiting %d seconds for device to be plugged in ...", p.params.waitTimeout)
			}
			p.log.Info("press CTRL-C to terminate")
			showRetry = false
		}

		limit := time.Duration(p.params.waitTimeout) * time.Second
		if p.params.waitTimeout >= 0 && p.now().Sub(start) >= limit {
			break
		}

		if err := p.sleep(ctx, protocol.ConnectWait); err != nil {
			return usb.DeviceInfo{}, nil, err
		}
	}

	notFound := &programmer.DeviceNotFoundError{VendorID: p.vid, ProductID: p.pid}
	if scan.rejected != nil {
		return usb.DeviceInfo{}, nil, fmt.Errorf("%w: %w", notFound, scan.rejected)
	}
	return usb.DeviceInfo{}, nil, notFound
}

// scanState carries the one-time notices across scans.
type scanState struct {
	showUnresponsive bool
	rejected         *programmer.VersionError
}

// scan makes one pass over the bus. It returns a nil handle when no usable
// device was found.
func (p *Programmer) scan(loc locator, state *scanState) (usb.DeviceInfo, usb.Handle, error) {
	devices, err := p.bus.Find(p.vid, p.pid)
	if err != nil {
		return usb.DeviceInfo{}, nil, &programmer.TransportError{Err: err}
	}

	for _, dev := range devices {
		if !p.responsive(dev) {
			if state.showUnresponsive {
				p.log.Warn("unresponsive Micronucleus device detected, please reconnect ...")
				state.showUnresponsive = false
			}
			continue
		}

		p.log.Debugf("found device with Micronucleus V%d.%d, bus:device: %s", dev.Major, dev.Minor, dev)

		if !loc.matches(dev) {
			continue
		}

		if dev.Major > protocol.MaxMajorVersion {
			p.log.Warnf("device with unsupported Micronucleus version V%d.%d", dev.Major, dev.Minor)
			state.rejected = &programmer.VersionError{
				Major:    dev.Major,
				Minor:    dev.Minor,
				MaxMajor: protocol.MaxMajorVersion,
			}
			continue
		}

		handle, err := p.bus.Open(dev)
		if err != nil {
			p.log.Errorf("unable to open USB device: %v", err)
			continue
		}

		return dev, handle, nil
	}

	return usb.DeviceInfo{}, nil, nil
}

// responsive probes dev with an info request on a short lived connection.
func (p *Programmer) responsive(dev usb.DeviceInfo) bool {
	handle, err := p.bus.Open(dev)
	if err != nil {
		p.log.Debugf("unable to probe %s: %v", dev, err)
		return false
	}
	defer handle.Close()

	return checkConnection(handle, protocol.VariantFor(dev.Major)) == nil
}

// checkConnection issues an info request and checks the reply size.
func checkConnection(handle usb.Handle, v protocol.Variant) error {
	block := make([]byte, v.InfoSize())

	n, err := handle.Control(usb.VendorIn, protocol.CmdInfo, 0, 0, block)
	if err != nil {
		return &programmer.TransportError{Err: err}
	}
	if n != len(block) {
		return &programmer.ShortReadError{Got: n, Want: len(block)}
	}
	return nil
}
