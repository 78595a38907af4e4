package detect

import (
	"fmt"

	"github.com/bigbag/tinyflash/internal/protocol"
	"github.com/bigbag/tinyflash/internal/serial"
	"github.com/bigbag/tinyflash/internal/usb"
)

// Result represents a detected bootloader device.
type Result struct {
	Device     usb.DeviceInfo
	Responsive bool
	Supported  bool
	Info       *protocol.Info // nil when the device did not answer
}

// Port returns the locator selecting this device.
func (r Result) Port() string {
	return "usb:" + r.Device.BusName() + ":" + r.Device.DeviceName()
}

// Version returns the bootloader version as printed by the device
// descriptor.
func (r Result) Version() string {
	return fmt.Sprintf("V%d.%d", r.Device.Major, r.Device.Minor)
}

// ListDevices scans the bus and returns every device with the given ids.
// Each device is probed with an info request.
func ListDevices(bus usb.Bus, vid, pid uint16) ([]Result, error) {
	devices, err := bus.Find(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to list USB devices: %w", err)
	}

	results := make([]Result, 0, len(devices))
	for _, dev := range devices {
		results = append(results, tryDevice(bus, dev))
	}

	return results, nil
}

// ListSerialPorts returns the serial ports a running sketch may be reset
// through.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	return ports, nil
}

func tryDevice(bus usb.Bus, dev usb.DeviceInfo) Result {
	result := Result{
		Device:    dev,
		Supported: dev.Major <= protocol.MaxMajorVersion,
	}

	handle, err := bus.Open(dev)
	if err != nil {
		return result
	}
	defer handle.Close()

	variant := protocol.VariantFor(dev.Major)
	block := make([]byte, variant.InfoSize())

	n, err := handle.Control(usb.VendorIn, protocol.CmdInfo, 0, 0, block)
	if err != nil || n != len(block) {
		return result
	}
	result.Responsive = true

	if result.Supported {
		if info, err := protocol.DecodeInfo(variant, block); err == nil {
			result.Info = info
		}
	}

	return result
}
