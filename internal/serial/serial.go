package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// TouchBaudRate is the magic baud rate that makes a running Arduino style
// sketch reboot into its bootloader.
const TouchBaudRate = 1200

// TouchSettle is the time given to the board to drop off the bus and
// re-enumerate as a bootloader.
const TouchSettle = 500 * time.Millisecond

// openPort is replaced in tests.
var openPort = serial.Open

// Port is a serial port opened for a reset touch.
type Port struct {
	port serial.Port
	name string
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := openPort(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	return &Port{port: port, name: portName}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port == nil {
		return nil
	}
	if err := p.port.Close(); err != nil {
		return fmt.Errorf("failed to close port %s: %w", p.name, err)
	}
	return nil
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	if err := p.port.SetDTR(value); err != nil {
		return fmt.Errorf("failed to set DTR on %s: %w", p.name, err)
	}
	return nil
}

// Touch opens portName at 1200 baud and drops DTR, asking the running
// firmware to jump into its bootloader. It returns after the board had time
// to re-enumerate.
func Touch(portName string) error {
	return touch(portName, time.Sleep)
}

func touch(portName string, sleep func(time.Duration)) error {
	port, err := Open(portName, TouchBaudRate)
	if err != nil {
		return err
	}

	if err := port.SetDTR(false); err != nil {
		port.Close()
		return err
	}

	if err := port.Close(); err != nil {
		return err
	}

	sleep(TouchSettle)
	return nil
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
