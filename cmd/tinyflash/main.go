package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/bigbag/tinyflash/internal/micronucleus"
	"github.com/bigbag/tinyflash/internal/programmer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var log = logrus.New()

var (
	programmerFlag string
	portFlag       string
	extendedFlags  []string
	vidFlag        uint16
	pidFlags       []string
	pageSizeFlag   int
	flashSizeFlag  int
	formatFlag     string
	eraseFlag      bool
	touchFlag      string
	serialFlag     bool
	verboseFlag    bool
	quietFlag      bool
)

func initLogger() {
	formatter := &prefixed.TextFormatter{
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	}

	log.SetFormatter(formatter)
	log.SetOutput(colorable.NewColorableStderr())
	log.SetLevel(logrus.InfoLevel)
}

func main() {
	initLogger()

	rootCmd := &cobra.Command{
		Use:   "tinyflash",
		Short: "Flash firmware to AVR boards through USB bootloaders",
		Long: `tinyflash writes Intel HEX or raw binary firmware to AVR boards
running a USB bootloader such as Micronucleus (Digispark and friends).

The bootloader reports its own flash geometry, so no part database
is needed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch {
			case verboseFlag:
				log.SetLevel(logrus.DebugLevel)
			case quietFlag:
				log.SetLevel(logrus.WarnLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Only print warnings and errors")

	// Flash command
	flashCmd := &cobra.Command{
		Use:   "flash <firmware.hex>",
		Short: "Flash firmware to device",
		Long: `Flash firmware to a device running a USB bootloader.

The file format is taken from the extension (.hex is Intel HEX,
anything else raw binary) unless --format is given. The chip is
erased first unless --erase=false is given.

Plug in the board after starting the command when using -x wait.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	addDeviceFlags(flashCmd)
	flashCmd.Flags().StringVarP(&formatFlag, "format", "f", "auto", "File format: auto, ihex or binary")
	flashCmd.Flags().BoolVar(&eraseFlag, "erase", true, "Erase the chip before flashing")
	flashCmd.Flags().IntVar(&pageSizeFlag, "page-size", 0, "Page size used to split the image (default: reported by the device)")
	flashCmd.Flags().IntVar(&flashSizeFlag, "flash-size", 0, "Flash size limit (default: reported by the device)")
	flashCmd.Flags().StringVar(&touchFlag, "touch", "", "Open this serial port at 1200 baud first to reset a running sketch")

	// Erase command
	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase the application flash",
		Args:  cobra.NoArgs,
		RunE:  runErase,
	}
	addDeviceFlags(eraseCmd)

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show bootloader info",
		Long:  "Connect to the bootloader and show its version, flash geometry and signature.",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
	addDeviceFlags(infoCmd)

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List connected bootloader devices",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
	listCmd.Flags().Uint16Var(&vidFlag, "vid", 0, "USB vendor id (default: programmer default)")
	listCmd.Flags().StringSliceVar(&pidFlags, "pid", nil, "USB product id")
	listCmd.Flags().BoolVar(&serialFlag, "serial", false, "List serial ports instead")

	// Programmers command
	programmersCmd := &cobra.Command{
		Use:   "programmers",
		Short: "List supported programmers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, e := range programmer.List() {
				fmt.Printf("  %-14s %s\n", e.Name, e.Description)
			}
		},
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tinyflash %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, eraseCmd, infoCmd, listCmd, programmersCmd, versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil && !errors.Is(err, programmer.ErrExit) {
		log.Error(err)
		os.Exit(1)
	}
}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&programmerFlag, "programmer", "c", micronucleus.Name, "Programmer backend")
	cmd.Flags().StringVarP(&portFlag, "port", "P", "usb", "Device locator: usb or usb:<bus>:<device>")
	cmd.Flags().StringArrayVarP(&extendedFlags, "extended", "x", nil, "Extended programmer parameter (-x help lists them)")
	cmd.Flags().Uint16Var(&vidFlag, "vid", 0, "USB vendor id (default: programmer default)")
	cmd.Flags().StringSliceVar(&pidFlags, "pid", nil, "USB product id, only the first is used")
}
