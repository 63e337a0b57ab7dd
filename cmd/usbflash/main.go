package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/larsks/usbflash/internal/device"
	mm "github.com/larsks/usbflash/internal/mountmanager"
	"github.com/larsks/usbflash/internal/prompt"
	"github.com/larsks/usbflash/internal/rawwriter"
	"github.com/larsks/usbflash/internal/version"
	"github.com/larsks/usbflash/internal/workflow"
)

type (
	Options struct {
		vendorID   string
		productID  string
		device     string
		input      string
		bskip      int64
		mountTable string
		debug      bool
		version    bool
		help       bool
	}
)

var options Options

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -v <vendorid> -p <productid> -i <input> [OPTIONS]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "       %s -d <device> -i <input> [OPTIONS]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s -v 0781 -p 5567 -i u-boot.imx\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s -v 0x0781 -p 0x5567 -i boot.bin --bskip 0\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --device /dev/sdb -i u-boot.imx\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	pflag.PrintDefaults()
}

func init() {
	pflag.StringVarP(&options.vendorID, "vendorid", "v", "", "USB vendor id of the target device (e.g., 0781)")
	pflag.StringVarP(&options.productID, "productid", "p", "", "USB product id of the target device (e.g., 5567)")
	pflag.StringVarP(&options.device, "device", "d", "", "block device node to write to instead of looking up vendor/product id")
	pflag.StringVarP(&options.input, "input", "i", "", "file to write to the device")
	pflag.Int64VarP(&options.bskip, "bskip", "b", rawwriter.DefaultOffset, "number of bytes to skip on the device before writing")
	pflag.StringVar(&options.mountTable, "mount-table", mm.DefaultMountTable, "mount table to consult")
	pflag.BoolVar(&options.debug, "debug", false, "enable debug logging")
	pflag.BoolVar(&options.version, "version", false, "print version and exit")
	pflag.BoolVarP(&options.help, "help", "h", false, "show this help message")
}

func usageError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	printUsage()
	os.Exit(2)
}

func validate() {
	if len(pflag.Args()) != 0 {
		usageError(fmt.Sprintf("unexpected arguments: %v", pflag.Args()))
	}
	if options.input == "" {
		usageError("--input is required")
	}
	if options.device != "" {
		if options.vendorID != "" || options.productID != "" {
			usageError("--device cannot be combined with --vendorid or --productid")
		}
		return
	}
	if options.vendorID == "" || options.productID == "" {
		usageError("both --vendorid and --productid are required")
	}
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if options.debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func main() {
	pflag.Usage = printUsage
	pflag.Parse()

	if options.help {
		printUsage()
		os.Exit(0)
	}

	if options.version {
		fmt.Println(version.GetVersion("usbflash"))
		os.Exit(0)
	}

	validate()

	logger := newLogger()
	w := workflow.New(
		device.NewResolver(device.NewSysfsDiscoverer(logger), logger),
		mm.NewMountManager(options.mountTable, logger),
		rawwriter.New(logger),
		prompt.New(os.Stdin, os.Stdout),
		os.Stdout,
		logger,
	)

	err := w.Run(workflow.Request{
		VendorID:  options.vendorID,
		ProductID: options.productID,
		Node:      options.device,
		InputPath: options.input,
		Offset:    options.bskip,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
