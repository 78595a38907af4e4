package micronucleus

import (
	"errors"
	"testing"
	"time"

	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/protocol"
	"github.com/bigbag/tinyflash/internal/usb"
	"github.com/bigbag/tinyflash/internal/usb/usbtest"
)

// eraseHandler fails the erase request with eraseErr and the following
// info probes with probeErr.
func eraseHandler(eraseErr, probeErr error) func(usbtest.Request, []byte) (int, error) {
	erased := false
	return func(req usbtest.Request, data []byte) (int, error) {
		switch req.Request {
		case protocol.CmdErase:
			erased = true
			return 0, eraseErr
		case protocol.CmdInfo:
			if erased && probeErr != nil {
				return 0, probeErr
			}
			return copy(data, tiny85Block), nil
		}
		return len(data), nil
	}
}

func TestChipErase(t *testing.T) {
	tests := []struct {
		name     string
		eraseErr error
	}{
		{"success", nil},
		{"broken pipe", usb.ErrPipe},
		{"io error", usb.ErrIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newDevice(1, 2, 2, tiny85Block)
			p, bus, clock := openDevice(t, dev)
			dev.Handler = eraseHandler(tt.eraseErr, nil)
			opens := dev.Opens

			if err := p.ChipErase(); err != nil {
				t.Fatalf("ChipErase() error = %v", err)
			}

			if len(bus.Requests) != 2 {
				t.Fatalf("transfers = %d, want erase and probe", len(bus.Requests))
			}
			if bus.Requests[0].Request != protocol.CmdErase || bus.Requests[0].RType != usb.VendorOut {
				t.Errorf("first transfer = %+v, want erase", bus.Requests[0])
			}
			if bus.Requests[1].Request != protocol.CmdInfo {
				t.Errorf("second transfer = %+v, want info probe", bus.Requests[1])
			}

			eraseSleep := time.Duration(p.Info().EraseSleep) * time.Millisecond
			if len(clock.sleeps) != 1 || clock.sleeps[0] != eraseSleep {
				t.Errorf("sleeps = %v, want [%v]", clock.sleeps, eraseSleep)
			}
			if dev.Opens != opens {
				t.Errorf("reconnected without need")
			}
		})
	}
}

func TestChipErase_OtherErrorIsFatal(t *testing.T) {
	dev := newDevice(1, 2, 2, tiny85Block)
	p, bus, clock := openDevice(t, dev)
	dev.Handler = eraseHandler(usb.ErrNoDevice, nil)

	err := p.ChipErase()
	if !errors.Is(err, programmer.ErrTransport) {
		t.Fatalf("ChipErase() error = %v, want ErrTransport", err)
	}
	if opOf(err) != "erase" {
		t.Errorf("failed op = %q, want erase", opOf(err))
	}
	if len(bus.Requests) != 1 {
		t.Errorf("transfers = %d, want only the erase", len(bus.Requests))
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("slept %v after a failed erase", clock.sleeps)
	}
}

func TestChipErase_Reconnects(t *testing.T) {
	dev := newDevice(1, 2, 2, tiny85Block)
	p, bus, clock := openDevice(t, dev)
	dev.Handler = eraseHandler(usb.ErrPipe, usb.ErrNoDevice)
	dev.OpenErrs = []error{usb.ErrNoDevice, usb.ErrNoDevice}
	opens := dev.Opens

	if err := p.ChipErase(); err != nil {
		t.Fatalf("ChipErase() error = %v", err)
	}

	if dev.Opens != opens+1 {
		t.Errorf("opens = %d, want %d", dev.Opens, opens+1)
	}
	if bus.OpenHandles() != 1 {
		t.Errorf("open handles = %d, want 1", bus.OpenHandles())
	}

	// erase sleep, then one pause per failed attempt
	if len(clock.sleeps) != 3 {
		t.Fatalf("sleeps = %v, want 3", clock.sleeps)
	}
	for _, d := range clock.sleeps[1:] {
		if d != protocol.ConnectWait {
			t.Errorf("reconnect pause = %v, want %v", d, protocol.ConnectWait)
		}
	}

	if _, ok := p.Device(); !ok {
		t.Error("Device() reports no open device after reconnect")
	}
}

func TestChipErase_ReconnectGivesUp(t *testing.T) {
	dev := newDevice(1, 2, 2, tiny85Block)
	p, _, clock := openDevice(t, dev)
	dev.Handler = eraseHandler(nil, usb.ErrIO)
	for i := 0; i < protocol.ReconnectRetries; i++ {
		dev.OpenErrs = append(dev.OpenErrs, usb.ErrNoDevice)
	}

	err := p.ChipErase()
	if !errors.Is(err, programmer.ErrTransport) || !errors.Is(err, usb.ErrNoDevice) {
		t.Fatalf("ChipErase() error = %v, want transport error wrapping the open failure", err)
	}
	if opOf(err) != "erase" {
		t.Errorf("failed op = %q, want erase", opOf(err))
	}
	if len(dev.OpenErrs) != 0 {
		t.Errorf("%d reconnect attempts left unused", len(dev.OpenErrs))
	}
	if len(clock.sleeps) != 1+protocol.ReconnectRetries {
		t.Errorf("sleeps = %d, want %d", len(clock.sleeps), 1+protocol.ReconnectRetries)
	}
	if _, ok := p.Device(); ok {
		t.Error("Device() reports an open device after failed reconnect")
	}
}

func TestPowerDown_WritesPendingLastPage(t *testing.T) {
	p, bus, _ := openDevice(t, newDevice(1, 2, 2, tiny85Block))
	info := p.Info()
	mem := flashMemory(p)
	fill(mem, 0, []byte{0x33, 0xC0})

	if err := p.PagedWrite(mem, 64, 0, 64); err != nil {
		t.Fatalf("PagedWrite() error = %v", err)
	}
	bus.Reset()

	if err := p.PowerDown(); err != nil {
		t.Fatalf("PowerDown() error = %v", err)
	}

	transfers := bus.RequestsFor(protocol.CmdTransfer)
	if len(transfers) != 1 || uint32(transfers[0].Idx) != info.LastPage() || transfers[0].Val != uint16(info.PageSize) {
		t.Fatalf("transfers = %+v, want last page at 0x%04X", transfers, info.LastPage())
	}

	lastPage := programmed(bus.Requests)
	offset := protocol.UserVectorAddr(info.BootloaderStart) - info.LastPage()
	for i, b := range lastPage {
		if i >= int(offset) && i < int(offset)+2 {
			continue
		}
		if b != 0xFF {
			t.Errorf("blank page byte %d = 0x%02X, want 0xFF", i, b)
		}
	}
	if target, ok := protocol.DecodeJump(lastPage[offset:], uint16(protocol.UserVectorAddr(info.BootloaderStart)/2)); !ok || target != 0x34 {
		t.Errorf("application vector jumps to 0x%04X (%v), want 0x0034", target, ok)
	}

	last := bus.Requests[len(bus.Requests)-1]
	if last.Request != protocol.CmdStart {
		t.Errorf("last transfer = %+v, want start", last)
	}

	if p.sess.writeLastPage || p.sess.startProgram {
		t.Error("PowerDown() left pending flags set")
	}

	bus.Reset()
	if err := p.PowerDown(); err != nil {
		t.Fatalf("second PowerDown() error = %v", err)
	}
	if len(bus.Requests) != 0 {
		t.Errorf("second PowerDown() issued %d transfers", len(bus.Requests))
	}
}

func TestPowerDown_OnlyStartsWhenLastPageWritten(t *testing.T) {
	p, bus, _ := openDevice(t, newDevice(1, 2, 1, tiny85BlockV1))
	mem := flashMemory(p)

	if err := p.PagedWrite(mem, 64, 0, 64); err != nil {
		t.Fatalf("PagedWrite(page 0) error = %v", err)
	}
	if err := p.PagedWrite(mem, 64, uint32(p.Info().LastPage()), 64); err != nil {
		t.Fatalf("PagedWrite(last page) error = %v", err)
	}
	bus.Reset()

	if err := p.PowerDown(); err != nil {
		t.Fatalf("PowerDown() error = %v", err)
	}
	if len(bus.Requests) != 1 || bus.Requests[0].Request != protocol.CmdStart {
		t.Errorf("transfers = %+v, want a single start", bus.Requests)
	}
}

func TestPowerDown_NothingWritten(t *testing.T) {
	p, bus, _ := openDevice(t, newDevice(1, 2, 2, tiny85Block))

	if err := p.PowerDown(); err != nil {
		t.Fatalf("PowerDown() error = %v", err)
	}
	if len(bus.Requests) != 0 {
		t.Errorf("PowerDown() issued %d transfers", len(bus.Requests))
	}
}

func TestPowerDown_StartFailure(t *testing.T) {
	dev := newDevice(1, 2, 1, tiny85BlockV1)
	p, _, _ := openDevice(t, dev)
	p.sess.startProgram = true
	dev.Handler = func(req usbtest.Request, data []byte) (int, error) {
		return 0, usb.ErrIO
	}

	err := p.PowerDown()
	if !errors.Is(err, programmer.ErrTransport) {
		t.Fatalf("PowerDown() error = %v, want ErrTransport", err)
	}
	if opOf(err) != "start" {
		t.Errorf("failed op = %q, want start", opOf(err))
	}
	if p.sess.startProgram {
		t.Error("start flag still set after PowerDown")
	}
}
