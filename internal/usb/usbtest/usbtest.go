// Package usbtest provides an in-memory usb.Bus for tests.
package usbtest

import (
	"errors"

	"github.com/bigbag/tinyflash/internal/usb"
)

// ErrClosed is returned by transfers on a closed handle.
var ErrClosed = errors.New("usbtest: handle closed")

// Request is a recorded control transfer.
type Request struct {
	RType   uint8
	Request uint8
	Val     uint16
	Idx     uint16
	Data    []byte // copy of the payload; nil for IN transfers
	Length  int    // requested length
}

// Device is a fake device on a Bus.
type Device struct {
	Info usb.DeviceInfo

	// Handler answers control transfers. For IN transfers it fills data.
	// Without a handler every transfer succeeds with len(data).
	Handler func(req Request, data []byte) (int, error)

	// OpenErrs are returned, in order, by Open before it succeeds.
	OpenErrs []error

	Opens  int
	Closes int
}

// Bus is a fake usb.Bus recording every transfer.
type Bus struct {
	Devices  []*Device
	FindErr  error
	Requests []Request
	Finds    int
	Closes   int

	// BeforeFind runs at the start of every Find, e.g. to plug in a
	// device after a number of scans.
	BeforeFind func(b *Bus)
}

// Find implements usb.Bus.
func (b *Bus) Find(vid, pid uint16) ([]usb.DeviceInfo, error) {
	b.Finds++
	if b.BeforeFind != nil {
		b.BeforeFind(b)
	}
	if b.FindErr != nil {
		return nil, b.FindErr
	}

	var found []usb.DeviceInfo
	for _, d := range b.Devices {
		if d.Info.Vendor == vid && d.Info.Product == pid {
			found = append(found, d.Info)
		}
	}
	return found, nil
}

// Open implements usb.Bus.
func (b *Bus) Open(info usb.DeviceInfo) (usb.Handle, error) {
	for _, d := range b.Devices {
		if d.Info.Bus != info.Bus || d.Info.Address != info.Address {
			continue
		}
		if len(d.OpenErrs) > 0 {
			err := d.OpenErrs[0]
			d.OpenErrs = d.OpenErrs[1:]
			return nil, err
		}
		d.Opens++
		return &handle{bus: b, dev: d}, nil
	}
	return nil, usb.ErrNoDevice
}

// Close implements the Close of a bus that owns a library context.
func (b *Bus) Close() error {
	b.Closes++
	return nil
}

// RequestsFor returns the recorded transfers with the given request code.
func (b *Bus) RequestsFor(request uint8) []Request {
	var result []Request
	for _, r := range b.Requests {
		if r.Request == request {
			result = append(result, r)
		}
	}
	return result
}

// Reset forgets recorded transfers.
func (b *Bus) Reset() {
	b.Requests = nil
}

// OpenHandles returns the number of handles not yet closed across all
// devices.
func (b *Bus) OpenHandles() int {
	n := 0
	for _, d := range b.Devices {
		n += d.Opens - d.Closes
	}
	return n
}

type handle struct {
	bus    *Bus
	dev    *Device
	closed bool
}

func (h *handle) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}

	req := Request{RType: rType, Request: request, Val: val, Idx: idx, Length: len(data)}
	if rType&0x80 == 0 && data != nil {
		req.Data = append([]byte{}, data...)
	}
	h.bus.Requests = append(h.bus.Requests, req)

	if h.dev.Handler != nil {
		return h.dev.Handler(req, data)
	}
	return len(data), nil
}

func (h *handle) Close() error {
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	h.dev.Closes++
	return nil
}
