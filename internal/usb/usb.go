package usb

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"
)

// Request types for vendor requests addressed to the device.
const (
	VendorIn  = gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice
	VendorOut = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
)

// Transport errors a caller may need to tell apart.
var (
	ErrIO       = gousb.ErrorIO
	ErrPipe     = gousb.ErrorPipe
	ErrNoDevice = gousb.ErrorNoDevice
)

// DeviceInfo identifies an enumerated USB device.
type DeviceInfo struct {
	Vendor  uint16
	Product uint16
	Bus     int
	Address int

	// bcdDevice split into its two bytes
	Major uint8
	Minor uint8
}

// BusName returns the bus number formatted like a libusb bus directory.
func (d DeviceInfo) BusName() string {
	return fmt.Sprintf("%03d", d.Bus)
}

// DeviceName returns the device address formatted like a libusb device file.
func (d DeviceInfo) DeviceName() string {
	return fmt.Sprintf("%03d", d.Address)
}

func (d DeviceInfo) String() string {
	return d.BusName() + ":" + d.DeviceName()
}

// Handle is an open device session.
type Handle interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Close() error
}

// Bus enumerates and opens devices.
type Bus interface {
	// Find lists the devices matching vid and pid without opening them.
	Find(vid, pid uint16) ([]DeviceInfo, error)

	// Open opens the device previously returned by Find.
	Open(dev DeviceInfo) (Handle, error)
}

// Context is a Bus backed by libusb.
type Context struct {
	ctx     *gousb.Context
	timeout time.Duration
	log     *logrus.Logger
}

// NewContext initializes libusb. Control transfers on opened devices time
// out after timeout.
func NewContext(timeout time.Duration, log *logrus.Logger) *Context {
	if log == nil {
		log = logrus.StandardLogger()
	}

	ctx := gousb.NewContext()
	if log.IsLevelEnabled(logrus.TraceLevel) {
		ctx.Debug(2)
	}

	return &Context{ctx: ctx, timeout: timeout, log: log}
}

// Close releases libusb.
func (c *Context) Close() error {
	return c.ctx.Close()
}

// Find implements Bus.
func (c *Context) Find(vid, pid uint16) ([]DeviceInfo, error) {
	var found []DeviceInfo

	_, err := c.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) == vid && uint16(desc.Product) == pid {
			info := infoFromDesc(desc)
			c.log.Debugf("found USB device [%04x:%04x] on bus %s", info.Vendor, info.Product, info)
			found = append(found, info)
		}
		return false
	})
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	return found, nil
}

// Open implements Bus.
func (c *Context) Open(dev DeviceInfo) (Handle, error) {
	devices, err := c.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == dev.Bus && desc.Address == dev.Address &&
			uint16(desc.Vendor) == dev.Vendor && uint16(desc.Product) == dev.Product
	})

	if len(devices) == 0 {
		if err != nil {
			return nil, fmt.Errorf("failed to open USB device %s: %w", dev, err)
		}
		return nil, fmt.Errorf("failed to open USB device %s: %w", dev, ErrNoDevice)
	}

	for _, extra := range devices[1:] {
		extra.Close()
	}

	d := devices[0]
	d.ControlTimeout = c.timeout

	return &handle{dev: d}, nil
}

type handle struct {
	dev *gousb.Device
}

func (h *handle) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return h.dev.Control(rType, request, val, idx, data)
}

func (h *handle) Close() error {
	return h.dev.Close()
}

func infoFromDesc(desc *gousb.DeviceDesc) DeviceInfo {
	return DeviceInfo{
		Vendor:  uint16(desc.Vendor),
		Product: uint16(desc.Product),
		Bus:     desc.Bus,
		Address: desc.Address,
		Major:   uint8(uint16(desc.Device) >> 8),
		Minor:   uint8(uint16(desc.Device)),
	}
}
