package micronucleus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/protocol"
	"github.com/bigbag/tinyflash/internal/usb"
	"github.com/bigbag/tinyflash/internal/usb/usbtest"
)

// ATtiny85 running Micronucleus V2: 6012 bytes of application flash.
var tiny85Block = []byte{0x17, 0x7C, 0x40, 0x05, 0x93, 0x0B}

// ATtiny167 running Micronucleus V2: bootloader above 0x2000.
var tiny167Block = []byte{0x3C, 0x00, 0x80, 0x05, 0x94, 0x87}

// ATtiny85 running Micronucleus V1.
var tiny85BlockV1 = []byte{0x10, 0x00, 0x40, 0x02}

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(0, 0)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) sleep(d time.Duration) {
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
}

func newDevice(bus, address int, major uint8, block []byte) *usbtest.Device {
	return &usbtest.Device{
		Info: usb.DeviceInfo{
			Vendor:  protocol.DefaultVendorID,
			Product: protocol.DefaultProductID,
			Bus:     bus,
			Address: address,
			Major:   major,
		},
		Handler: infoHandler(block),
	}
}

// infoHandler answers info requests with block and accepts everything else.
func infoHandler(block []byte) func(usbtest.Request, []byte) (int, error) {
	return func(req usbtest.Request, data []byte) (int, error) {
		if req.Request == protocol.CmdInfo {
			return copy(data, block), nil
		}
		return len(data), nil
	}
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestProgrammer(bus *usbtest.Bus, cfg programmer.Config) (*Programmer, *fakeClock) {
	clock := newFakeClock()
	cfg.Logger = testLogger()

	p := New(cfg,
		WithBus(bus),
		WithSleep(clock.sleep),
		WithClock(clock.now),
		WithOutput(io.Discard),
	)
	p.Setup()

	return p, clock
}

// openDevice returns a programmer connected to dev and initialized, with the
// recorded transfers and sleeps cleared.
func openDevice(t *testing.T, dev *usbtest.Device) (*Programmer, *usbtest.Bus, *fakeClock) {
	t.Helper()

	bus := &usbtest.Bus{Devices: []*usbtest.Device{dev}}
	p, clock := newTestProgrammer(bus, programmer.Config{})

	if err := p.Open(context.Background(), "usb"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	bus.Reset()
	clock.sleeps = nil

	return p, bus, clock
}

// programmed reassembles the page bytes sent by V2 program requests.
func programmed(reqs []usbtest.Request) []byte {
	var data []byte
	for _, r := range reqs {
		if r.Request != protocol.CmdProgram {
			continue
		}
		data = binary.LittleEndian.AppendUint16(data, r.Val)
		data = binary.LittleEndian.AppendUint16(data, r.Idx)
	}
	return data
}

func opOf(err error) string {
	var opErr *programmer.OpError
	if errors.As(err, &opErr) {
		return opErr.Op
	}
	return ""
}
