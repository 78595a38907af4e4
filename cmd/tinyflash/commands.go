package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/tinyflash/internal/detect"
	"github.com/bigbag/tinyflash/internal/flasher"
	"github.com/bigbag/tinyflash/internal/image"
	"github.com/bigbag/tinyflash/internal/programmer"
	"github.com/bigbag/tinyflash/internal/protocol"
	"github.com/bigbag/tinyflash/internal/serial"
	"github.com/bigbag/tinyflash/internal/usb"
)

func programmerConfig() (programmer.Config, error) {
	pids, err := parseIDs(pidFlags)
	if err != nil {
		return programmer.Config{}, err
	}

	return programmer.Config{
		VendorID:   vidFlag,
		ProductIDs: pids,
		Logger:     log,
	}, nil
}

func parseIDs(values []string) ([]uint16, error) {
	ids := make([]uint16, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseUint(v, 0, 16)
		if err != nil {
			return nil, &programmer.ConfigError{Param: "pid", Reason: fmt.Sprintf("%q is not a 16 bit id", v)}
		}
		ids = append(ids, uint16(id))
	}
	return ids, nil
}

// connect creates the selected backend and opens a session on it.
func connect(ctx context.Context) (*flasher.Flasher, error) {
	cfg, err := programmerConfig()
	if err != nil {
		return nil, err
	}

	pgm, err := programmer.New(programmerFlag, cfg)
	if err != nil {
		return nil, err
	}

	log.Infof("Programmer: %s", pgm.Describe())
	log.Infof("Connecting to %s ...", portFlag)

	f := flasher.New(pgm, log)
	if err := f.Connect(ctx, portFlag, extendedFlags); err != nil {
		return nil, err
	}

	return f, nil
}

func runFlash(cmd *cobra.Command, args []string) (err error) {
	firmwarePath := args[0]

	format, err := image.ParseFormat(formatFlag)
	if err != nil {
		return err
	}

	img, err := image.Load(firmwarePath, format)
	if err != nil {
		return err
	}
	log.Infof("Firmware: %s (%d bytes, ends at 0x%04X)", firmwarePath, img.Size(), img.End())

	if touchFlag != "" {
		log.Infof("Resetting board on %s ...", touchFlag)
		if err := serial.Touch(touchFlag); err != nil {
			return fmt.Errorf("failed to reset board: %w", err)
		}
	}

	f, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Finish())
	}()

	flashSize, pageSize, ok := f.Geometry()
	if flashSizeFlag > 0 {
		flashSize = flashSizeFlag
	}
	if pageSizeFlag > 0 {
		pageSize = pageSizeFlag
	}
	if !ok && (flashSize == 0 || pageSize == 0) {
		return &programmer.ConfigError{Param: "geometry", Reason: "device does not report its flash size; use --flash-size and --page-size"}
	}

	mem, err := img.Memory(flashSize, pageSize)
	if err != nil {
		return err
	}

	if sig, err := f.Signature(); err == nil {
		log.Infof("Device signature: 0x%02X%02X%02X (%s)", sig[0], sig[1], sig[2], protocol.PartName(sig[1], sig[2]))
	} else if !errors.Is(err, programmer.ErrUnsupported) {
		return err
	}

	if eraseFlag {
		if err := f.Erase(); err != nil {
			return err
		}
	}

	n := int(img.End())
	bar := progressbar.NewOptions((n+pageSize-1)/pageSize,
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	f.SetProgressCallback(func(current, total int) {
		bar.Set(current)
	})

	if err := f.FlashImage(mem, n); err != nil {
		return err
	}
	bar.Finish()

	log.Info("Flash complete, starting application")
	return nil
}

func runErase(cmd *cobra.Command, args []string) (err error) {
	f, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Finish())
	}()

	if err := f.Erase(); err != nil {
		return err
	}

	log.Info("Chip erased")
	return nil
}

func runInfo(cmd *cobra.Command, args []string) (err error) {
	f, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Finish())
	}()

	if flashSize, pageSize, ok := f.Geometry(); ok {
		pages := (flashSize + pageSize - 1) / pageSize
		fmt.Printf("  Flash:      %d bytes\n", flashSize)
		fmt.Printf("  Page size:  %d bytes (%d pages)\n", pageSize, pages)
	}

	sig, err := f.Signature()
	if err != nil {
		return err
	}
	fmt.Printf("  Signature:  0x%02X%02X%02X\n", sig[0], sig[1], sig[2])
	fmt.Printf("  Part:       %s\n", protocol.PartName(sig[1], sig[2]))

	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	if serialFlag {
		ports, err := detect.ListSerialPorts()
		if err != nil {
			return err
		}

		if len(ports) == 0 {
			fmt.Println("No serial ports found")
			return nil
		}

		fmt.Println("Available serial ports:")
		for _, p := range ports {
			fmt.Printf("  %s\n", p)
		}
		return nil
	}

	vid := uint16(protocol.DefaultVendorID)
	if vidFlag != 0 {
		vid = vidFlag
	}
	pid := uint16(protocol.DefaultProductID)
	pids, err := parseIDs(pidFlags)
	if err != nil {
		return err
	}
	if len(pids) > 0 {
		pid = pids[0]
	}

	bus := usb.NewContext(protocol.DefaultTimeout, log)
	defer bus.Close()

	devices, err := detect.ListDevices(bus, vid, pid)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Printf("No bootloader devices found (%04X:%04X)\n", vid, pid)
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port())
	fmt.Printf("  Version:  %s\n", d.Version())

	switch {
	case !d.Supported:
		fmt.Println("  Status:   unsupported bootloader version")
	case !d.Responsive:
		fmt.Println("  Status:   not responding, please reconnect")
	case d.Info != nil:
		fmt.Printf("  Flash:    %d bytes, %d byte pages\n", d.Info.FlashSize, d.Info.PageSize)
		fmt.Printf("  Part:     %s\n", protocol.PartName(d.Info.Signature1, d.Info.Signature2))
	}
}
