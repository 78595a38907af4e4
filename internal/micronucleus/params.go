package micronucleus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/usb"
)

// ParseExtendedParams handles the -x options. help prints the usage and
// returns programmer.ErrExit.
func (p *Programmer) ParseExtendedParams(xparams []string) error {
	p.log.Trace("parseextparams()")

	for _, param := range xparams {
		switch {
		case param == "wait":
			p.params.wait = true
			p.params.waitTimeout = -1

		case strings.HasPrefix(param, "wait="):
			seconds, err := strconv.Atoi(strings.TrimPrefix(param, "wait="))
			if err != nil {
				p.usage()
				return &programmer.ConfigError{
					Param:  "extended parameter",
					Reason: fmt.Sprintf("-x %s: wait time must be a number of seconds", param),
				}
			}
			p.params.wait = true
			p.params.waitTimeout = seconds

		case param == "help":
			p.usage()
			return programmer.ErrExit

		default:
			p.log.Errorf("invalid extended parameter -x %s", param)
			p.usage()
			return &programmer.ConfigError{Param: "extended parameter", Reason: "-x " + param}
		}
	}

	return nil
}

func (p *Programmer) usage() {
	fmt.Fprintf(p.out, "-c %s extended options:\n", Name)
	fmt.Fprintln(p.out, "  -x wait     Wait for the device to be plugged in if not connected")
	fmt.Fprintln(p.out, "  -x wait=<n> Wait <n> s for the device to be plugged in if not connected")
	fmt.Fprintln(p.out, "  -x help     Show this help menu and exit")
}

// locator selects a device by its bus and device names. The zero value
// matches any device.
type locator struct {
	bus    string
	device string
}

// parseLocator parses "usb" or "usb:<bus>:<device>". An empty port is the
// same as "usb".
func parseLocator(port string) (locator, error) {
	if port == "" || port == "usb" {
		return locator{}, nil
	}

	rest, ok := strings.CutPrefix(port, "usb:")
	if ok {
		bus, device, found := strings.Cut(rest, ":")
		if found && bus != "" && device != "" {
			return locator{bus: bus, device: device}, nil
		}
	}

	return locator{}, &programmer.ConfigError{
		Param:  "port",
		Reason: fmt.Sprintf("%s; use -P usb:bus:device", port),
	}
}

func (l locator) any() bool {
	return l.bus == "" && l.device == ""
}

func (l locator) matches(dev usb.DeviceInfo) bool {
	return l.any() || (dev.BusName() == l.bus && dev.DeviceName() == l.device)
}

func (l locator) String() string {
	if l.any() {
		return "usb"
	}
	return "usb:" + l.bus + ":" + l.device
}
