package flasher

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/protocol"
)

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Flasher runs a programming session on one backend.
type Flasher struct {
	pgm      programmer.Programmer
	log      *logrus.Logger
	progress ProgressCallback
	open     bool
}

// New creates a new Flasher driving pgm.
func New(pgm programmer.Programmer, log *logrus.Logger) *Flasher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Flasher{pgm: pgm, log: log}
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.progress = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.progress != nil {
		f.progress(current, total)
	}
}

// Connect sets up the backend, connects the device selected by port and
// negotiates the protocol.
func (f *Flasher) Connect(ctx context.Context, port string, xparams []string) error {
	f.pgm.Setup()

	if err := f.pgm.ParseExtendedParams(xparams); err != nil {
		f.pgm.Teardown()
		return err
	}

	if err := f.pgm.Open(ctx, port); err != nil {
		f.pgm.Teardown()
		return err
	}
	f.open = true

	if err := f.pgm.Initialize(); err != nil {
		return errors.Join(err, f.release())
	}

	return nil
}

// Geometry returns the flash size and page size reported by the device.
func (f *Flasher) Geometry() (size, pageSize int, ok bool) {
	if g, isGeometry := f.pgm.(programmer.FlashGeometry); isGeometry {
		return g.FlashGeometry()
	}
	return 0, 0, false
}

// Signature reads the device signature.
func (f *Flasher) Signature() ([3]byte, error) {
	var sig [3]byte
	if err := f.pgm.ReadSignature(sig[:]); err != nil {
		return sig, err
	}

	if sig[0] == protocol.SignatureAtmel {
		f.log.Debugf("device signature = 0x%02X%02X%02X (%s)", sig[0], sig[1], sig[2], protocol.PartName(sig[1], sig[2]))
	}
	return sig, nil
}

// Erase performs a chip erase.
func (f *Flasher) Erase() error {
	f.log.Info("erasing chip")
	return f.pgm.ChipErase()
}

// FlashImage writes the first n bytes of mem page by page.
func (f *Flasher) FlashImage(mem *programmer.Memory, n int) error {
	if !mem.IsFlash() {
		return fmt.Errorf("%s is not a flash memory", mem.Name)
	}
	if n > len(mem.Buf) {
		return &programmer.SizeError{What: "image size", Size: uint64(n), Limit: uint64(len(mem.Buf))}
	}
	if mem.PageSize <= 0 {
		return &programmer.ConfigError{Param: "page size", Reason: fmt.Sprintf("%d", mem.PageSize)}
	}

	pageSize := mem.PageSize
	totalPages := (n + pageSize - 1) / pageSize

	for i := 0; i < totalPages; i++ {
		addr := i * pageSize
		size := min(pageSize, n-addr)

		if err := f.pgm.PagedWrite(mem, uint32(pageSize), uint32(addr), uint32(size)); err != nil {
			return fmt.Errorf("failed to write page at 0x%04X: %w", addr, err)
		}

		f.reportProgress(i+1, totalPages)
	}

	return nil
}

// Finish powers the device down, closes it and releases the backend. The
// application starts here on bootloaders that defer it.
func (f *Flasher) Finish() error {
	if !f.open {
		return nil
	}

	powerErr := f.pgm.PowerDown()
	return errors.Join(powerErr, f.release())
}

func (f *Flasher) release() error {
	f.open = false
	err := f.pgm.Close()
	f.pgm.Teardown()
	return err
}
