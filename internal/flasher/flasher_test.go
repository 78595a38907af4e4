package flasher

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/tinyflash/internal/programmer"
)

type write struct {
	pageSize, addr, n uint32
}

type fakeProgrammer struct {
	programmer.Unimplemented

	calls    []string
	writes   []write
	openErr  error
	initErr  error
	writeErr error
	powerErr error
	geometry bool
}

func (f *fakeProgrammer) Describe() string { return "fake" }
func (f *fakeProgrammer) Setup()           { f.calls = append(f.calls, "setup") }
func (f *fakeProgrammer) Teardown()        { f.calls = append(f.calls, "teardown") }

func (f *fakeProgrammer) ParseExtendedParams(params []string) error {
	f.calls = append(f.calls, "params")
	return f.Unimplemented.ParseExtendedParams(params)
}

func (f *fakeProgrammer) Open(ctx context.Context, port string) error {
	f.calls = append(f.calls, "open")
	return f.openErr
}

func (f *fakeProgrammer) Close() error {
	f.calls = append(f.calls, "close")
	return nil
}

func (f *fakeProgrammer) Initialize() error {
	f.calls = append(f.calls, "initialize")
	return f.initErr
}

func (f *fakeProgrammer) ChipErase() error {
	f.calls = append(f.calls, "erase")
	return nil
}

func (f *fakeProgrammer) ReadSignature(buf []byte) error {
	copy(buf, []byte{0x1E, 0x93, 0x0B})
	return nil
}

func (f *fakeProgrammer) PagedWrite(mem *programmer.Memory, pageSize, addr, n uint32) error {
	f.writes = append(f.writes, write{pageSize, addr, n})
	return f.writeErr
}

func (f *fakeProgrammer) PowerDown() error {
	f.calls = append(f.calls, "powerdown")
	return f.powerErr
}

type geometryProgrammer struct {
	*fakeProgrammer
}

func (g geometryProgrammer) FlashGeometry() (int, int, bool) {
	return 6012, 64, true
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestSession(t *testing.T) {
	pgm := &fakeProgrammer{}
	f := New(pgm, quietLogger())

	if err := f.Connect(context.Background(), "usb", nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := f.Erase(); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	if err := f.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	expected := []string{"setup", "params", "open", "initialize", "erase", "powerdown", "close", "teardown"}
	if !reflect.DeepEqual(pgm.calls, expected) {
		t.Errorf("calls = %v, want %v", pgm.calls, expected)
	}

	// finishing twice does nothing
	if err := f.Finish(); err != nil || len(pgm.calls) != len(expected) {
		t.Errorf("second Finish() = %v, calls = %v", err, pgm.calls)
	}
}

func TestConnect_Failures(t *testing.T) {
	openErr := errors.New("no device")
	initErr := errors.New("short read")

	tests := []struct {
		name     string
		pgm      *fakeProgrammer
		xparams  []string
		wantErr  error
		expected []string
	}{
		{
			name:     "extended params",
			pgm:      &fakeProgrammer{},
			xparams:  []string{"wait"},
			wantErr:  programmer.ErrUnsupported,
			expected: []string{"setup", "params", "teardown"},
		},
		{
			name:     "open",
			pgm:      &fakeProgrammer{openErr: openErr},
			wantErr:  openErr,
			expected: []string{"setup", "params", "open", "teardown"},
		},
		{
			name:     "initialize",
			pgm:      &fakeProgrammer{initErr: initErr},
			wantErr:  initErr,
			expected: []string{"setup", "params", "open", "initialize", "close", "teardown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.pgm, quietLogger())

			err := f.Connect(context.Background(), "usb", tt.xparams)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Connect() error = %v, want %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(tt.pgm.calls, tt.expected) {
				t.Errorf("calls = %v, want %v", tt.pgm.calls, tt.expected)
			}

			// nothing is left to finish
			if err := f.Finish(); err != nil {
				t.Errorf("Finish() error = %v", err)
			}
			if !reflect.DeepEqual(tt.pgm.calls, tt.expected) {
				t.Errorf("Finish() after failed Connect made calls %v", tt.pgm.calls)
			}
		})
	}
}

func TestFlashImage(t *testing.T) {
	pgm := &fakeProgrammer{}
	f := New(pgm, quietLogger())
	mem := programmer.NewMemory("flash", programmer.KindFlash, 1024, 64)

	var progress [][2]int
	f.SetProgressCallback(func(current, total int) {
		progress = append(progress, [2]int{current, total})
	})

	if err := f.FlashImage(mem, 150); err != nil {
		t.Fatalf("FlashImage() error = %v", err)
	}

	expected := []write{{64, 0, 64}, {64, 64, 64}, {64, 128, 22}}
	if !reflect.DeepEqual(pgm.writes, expected) {
		t.Errorf("writes = %v, want %v", pgm.writes, expected)
	}
	if !reflect.DeepEqual(progress, [][2]int{{1, 3}, {2, 3}, {3, 3}}) {
		t.Errorf("progress = %v", progress)
	}
}

func TestFlashImage_Errors(t *testing.T) {
	writeErr := errors.New("pipe")
	pgm := &fakeProgrammer{writeErr: writeErr}
	f := New(pgm, quietLogger())
	mem := programmer.NewMemory("flash", programmer.KindFlash, 128, 64)

	if err := f.FlashImage(mem, 100); !errors.Is(err, writeErr) {
		t.Errorf("FlashImage() error = %v, want %v", err, writeErr)
	}
	if len(pgm.writes) != 1 {
		t.Errorf("writes = %d, want to stop after the first failure", len(pgm.writes))
	}

	if err := f.FlashImage(mem, 129); !errors.Is(err, programmer.ErrSizeExceeded) {
		t.Errorf("FlashImage(oversized) error = %v, want ErrSizeExceeded", err)
	}

	eeprom := programmer.NewMemory("eeprom", programmer.KindEEPROM, 128, 4)
	if err := f.FlashImage(eeprom, 4); err == nil {
		t.Error("FlashImage(eeprom) succeeded")
	}
}

func TestFinish_ReportsPowerDownError(t *testing.T) {
	powerErr := errors.New("start failed")
	pgm := &fakeProgrammer{powerErr: powerErr}
	f := New(pgm, quietLogger())

	if err := f.Connect(context.Background(), "usb", nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := f.Finish(); !errors.Is(err, powerErr) {
		t.Errorf("Finish() error = %v, want %v", err, powerErr)
	}
	if pgm.calls[len(pgm.calls)-1] != "teardown" {
		t.Errorf("calls = %v, want the session released", pgm.calls)
	}
}

func TestGeometryAndSignature(t *testing.T) {
	plain := New(&fakeProgrammer{}, quietLogger())
	if _, _, ok := plain.Geometry(); ok {
		t.Error("Geometry() ok for a backend without geometry")
	}

	f := New(geometryProgrammer{&fakeProgrammer{}}, quietLogger())
	size, pageSize, ok := f.Geometry()
	if !ok || size != 6012 || pageSize != 64 {
		t.Errorf("Geometry() = %d, %d, %v, want 6012, 64, true", size, pageSize, ok)
	}

	sig, err := f.Signature()
	if err != nil {
		t.Fatalf("Signature() error = %v", err)
	}
	if sig != [3]byte{0x1E, 0x93, 0x0B} {
		t.Errorf("Signature() = % X", sig)
	}
}
