// Package micronucleus drives AVR parts running the Micronucleus USB
// bootloader (protocol V1 and V2).
package micronucleus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/protocol"
	"github.com/bigbag/tinyflash/internal/usb"
)

const (
	// Name is the registry name of the backend.
	Name = "micronucleus"

	// Description is shown in programmer listings.
	Description = "Micronucleus Bootloader"
)

var errNotOpen = errors.New("device not open")

func init() {
	programmer.Register(Name, Description, func(cfg programmer.Config) programmer.Programmer {
		return New(cfg)
	})
}

// Option configures a Programmer.
type Option func(*Programmer)

// WithBus sets the USB bus used for discovery. By default libusb is
// initialized on Open.
func WithBus(bus usb.Bus) Option {
	return func(p *Programmer) {
		p.bus = bus
	}
}

// WithSleep replaces the blocking sleep used for device timing.
func WithSleep(sleep func(time.Duration)) Option {
	return func(p *Programmer) {
		p.sleep = func(ctx context.Context, d time.Duration) error {
			sleep(d)
			return ctx.Err()
		}
	}
}

// WithClock replaces the clock used for the device wait timeout.
func WithClock(now func() time.Time) Option {
	return func(p *Programmer) {
		p.now = now
	}
}

// WithOutput sets where extended parameter usage is printed.
func WithOutput(w io.Writer) Option {
	return func(p *Programmer) {
		p.out = w
	}
}

// params holds the extended parameters.
type params struct {
	wait        bool
	waitTimeout int // seconds, negative waits forever
}

// session is the per-connection protocol state.
type session struct {
	handle  usb.Handle
	device  usb.DeviceInfo
	variant protocol.Variant
	info    *protocol.Info

	userResetVector uint16
	writeLastPage   bool // last page still has to be written
	startProgram    bool // application must be started on power down
}

// Programmer is the Micronucleus backend.
type Programmer struct {
	cfg programmer.Config
	log *logrus.Entry

	bus      usb.Bus
	ownedBus closingBus
	newBus   func() closingBus
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	out      io.Writer

	vid uint16
	pid uint16

	params params
	sess   *session
}

// closingBus is a bus the backend creates itself and must release.
type closingBus interface {
	usb.Bus
	Close() error
}

var (
	_ programmer.Programmer    = (*Programmer)(nil)
	_ programmer.FlashGeometry = (*Programmer)(nil)
)

// New creates a Micronucleus backend.
func New(cfg programmer.Config, opts ...Option) *Programmer {
	p := &Programmer{
		cfg:   cfg,
		log:   cfg.Log().WithField("backend", Name),
		sleep: sleepContext,
		now:   time.Now,
		out:   os.Stderr,
		vid:   protocol.DefaultVendorID,
		pid:   protocol.DefaultProductID,
	}

	if cfg.VendorID != 0 {
		p.vid = cfg.VendorID
	}
	if len(cfg.ProductIDs) > 0 {
		p.pid = cfg.ProductIDs[0]
	}

	p.newBus = func() closingBus {
		return usb.NewContext(protocol.DefaultTimeout, p.cfg.Log())
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Describe implements programmer.Programmer.
func (p *Programmer) Describe() string {
	return Description
}

// Setup allocates the session state.
func (p *Programmer) Setup() {
	p.log.Trace("setup()")
	p.sess = &session{}
}

// Teardown releases the session state.
func (p *Programmer) Teardown() {
	p.log.Trace("teardown()")
	p.sess = nil
}

// Info returns the geometry read by Initialize, or nil.
func (p *Programmer) Info() *protocol.Info {
	if p.sess == nil {
		return nil
	}
	return p.sess.info
}

// FlashGeometry implements programmer.FlashGeometry.
func (p *Programmer) FlashGeometry() (size, pageSize int, ok bool) {
	info := p.Info()
	if info == nil {
		return 0, 0, false
	}
	return int(info.FlashSize), int(info.PageSize), true
}

// Device returns the connected device.
func (p *Programmer) Device() (usb.DeviceInfo, bool) {
	if p.sess == nil || p.sess.handle == nil {
		return usb.DeviceInfo{}, false
	}
	return p.sess.device, true
}

// ReadSignature stores the three signature bytes in buf.
func (p *Programmer) ReadSignature(buf []byte) error {
	p.log.Trace("read_sig_bytes()")

	s, err := p.initialized("signature")
	if err != nil {
		return err
	}

	if len(buf) < 3 {
		return opError("signature", fmt.Errorf("memory size %d < 3 too small for signature", len(buf)))
	}

	sig := s.info.Signature()
	copy(buf, sig[:])
	return nil
}

// ReadMemoryByte returns 0xFF for fuses and lock bits, which the bootloader
// cannot read. Other memories are unsupported.
func (p *Programmer) ReadMemoryByte(mem *programmer.Memory, addr uint32) (byte, error) {
	p.log.Tracef("read_byte(desc=%s, addr=0x%04X)", mem.Name, addr)

	if mem.IsFuseOrLock() {
		return 0xFF, nil
	}

	p.log.Debugf("reading not supported for %s memory", mem.Name)
	return 0, opError("read", fmt.Errorf("%s memory: %w", mem.Name, programmer.ErrUnsupported))
}

// WriteMemoryByte is unsupported.
func (p *Programmer) WriteMemoryByte(mem *programmer.Memory, addr uint32, value byte) error {
	p.log.Tracef("write_byte(desc=%s, addr=0x%04X)", mem.Name, addr)
	return opError("write", fmt.Errorf("%s memory: %w", mem.Name, programmer.ErrUnsupported))
}

// PagedLoad is unsupported; the bootloader cannot read flash back.
func (p *Programmer) PagedLoad(mem *programmer.Memory, pageSize, addr, n uint32) error {
	p.log.Tracef("paged_load(page_size=0x%X, addr=0x%X, n_bytes=0x%X)", pageSize, addr, n)
	return opError("read", fmt.Errorf("%s memory: %w", mem.Name, programmer.ErrUnsupported))
}

// connected returns the session of an open device.
func (p *Programmer) connected(op string) (*session, error) {
	if p.sess == nil || p.sess.handle == nil {
		return nil, opError(op, errNotOpen)
	}
	return p.sess, nil
}

// initialized returns the session of an open device whose geometry is
// known.
func (p *Programmer) initialized(op string) (*session, error) {
	s, err := p.connected(op)
	if err != nil {
		return nil, err
	}
	if s.info == nil {
		return nil, opError(op, errors.New("device not initialized"))
	}
	return s, nil
}

func (p *Programmer) pause(d time.Duration) {
	_ = p.sleep(context.Background(), d)
}

func opError(op string, err error) error {
	return &programmer.OpError{Backend: Name, Op: op, Err: err}
}

func milliseconds[T ~uint8 | ~uint16 | ~uint32](ms T) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
