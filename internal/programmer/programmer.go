package programmer

import (
	"context"

	"github.com/sirupsen/logrus"
)

// MemoryKind identifies the kind of a device memory.
type MemoryKind int

const (
	KindFlash MemoryKind = iota
	KindEEPROM
	KindFuse
	KindLock
	KindSignature
)

// String returns the memory kind name as used on the command line.
func (k MemoryKind) String() string {
	switch k {
	case KindFlash:
		return "flash"
	case KindEEPROM:
		return "eeprom"
	case KindFuse:
		return "fuse"
	case KindLock:
		return "lock"
	case KindSignature:
		return "signature"
	default:
		return "unknown"
	}
}

// Memory is a device memory together with the buffer holding its contents.
// Buf is populated by the image loader before a paged write.
type Memory struct {
	Name     string
	Kind     MemoryKind
	Size     int
	PageSize int
	Buf      []byte
}

// NewMemory allocates a memory of the given kind filled with 0xFF.
func NewMemory(name string, kind MemoryKind, size, pageSize int) *Memory {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xFF
	}
	return &Memory{
		Name:     name,
		Kind:     kind,
		Size:     size,
		PageSize: pageSize,
		Buf:      buf,
	}
}

// IsFlash reports whether m is program memory.
func (m *Memory) IsFlash() bool {
	return m.Kind == KindFlash
}

// IsFuseOrLock reports whether m is a fuse or lock byte memory.
func (m *Memory) IsFuseOrLock() bool {
	return m.Kind == KindFuse || m.Kind == KindLock
}

// Programmer is the capability contract every backend implements.
//
// Calls on one Programmer are strictly sequential. A backend that does not
// support an operation returns an error matching ErrUnsupported.
type Programmer interface {
	// Describe returns a short human readable backend description.
	Describe() string

	// Setup allocates the per-session state. Teardown releases it.
	Setup()
	Teardown()

	// ParseExtendedParams consumes backend specific "-x" parameters. It is
	// called once before Open.
	ParseExtendedParams(params []string) error

	// Open locates and connects the device selected by port.
	Open(ctx context.Context, port string) error
	Close() error

	// Initialize negotiates the protocol with the connected device.
	Initialize() error

	ChipErase() error
	ReadSignature(buf []byte) error

	ReadMemoryByte(mem *Memory, addr uint32) (byte, error)
	WriteMemoryByte(mem *Memory, addr uint32, value byte) error

	PagedLoad(mem *Memory, pageSize, addr, n uint32) error
	PagedWrite(mem *Memory, pageSize, addr, n uint32) error

	// PowerDown finalizes the session before Close.
	PowerDown() error
}

// FlashGeometry is implemented by backends that learn the flash layout
// from the device itself.
type FlashGeometry interface {
	// FlashGeometry returns the programmable flash size and the device page
	// size. ok is false before the device was initialized.
	FlashGeometry() (size, pageSize int, ok bool)
}

// Config carries the caller supplied settings a backend is created with.
type Config struct {
	// VendorID overrides the backend's default USB vendor id when non-zero.
	VendorID uint16

	// ProductIDs overrides the backend's default USB product id. Backends
	// that can only drive one product use the first entry.
	ProductIDs []uint16

	// Logger receives diagnostics. Defaults to the logrus standard logger.
	Logger *logrus.Logger
}

// Log returns the configured logger or the logrus standard logger.
func (c Config) Log() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// Unimplemented can be embedded by backends to declare every optional
// operation as unsupported.
type Unimplemented struct{}

func (Unimplemented) ChipErase() error {
	return ErrUnsupported
}

func (Unimplemented) ReadSignature(buf []byte) error {
	return ErrUnsupported
}

func (Unimplemented) ReadMemoryByte(mem *Memory, addr uint32) (byte, error) {
	return 0, ErrUnsupported
}

func (Unimplemented) WriteMemoryByte(mem *Memory, addr uint32, value byte) error {
	return ErrUnsupported
}

func (Unimplemented) PagedLoad(mem *Memory, pageSize, addr, n uint32) error {
	return ErrUnsupported
}

func (Unimplemented) PagedWrite(mem *Memory, pageSize, addr, n uint32) error {
	return ErrUnsupported
}

func (Unimplemented) ParseExtendedParams(params []string) error {
	if len(params) > 0 {
		return ErrUnsupported
	}
	return nil
}

func (Unimplemented) PowerDown() error {
	return nil
}
