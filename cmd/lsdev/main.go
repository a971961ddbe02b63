// lsdev lists the USB devices visible through usbfs.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"

	usb "github.com/slohmaier/brltty"
)

func main() {
	var (
		verbose  = pflag.BoolP("verbose", "v", false, "dump full device descriptors")
		debug    = pflag.Bool("debug", false, "enable debug logging")
		vendorID = pflag.String("vendor", "", "show only devices with this vendor ID (hex)")
	)
	pflag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	var vendor uint64
	if *vendorID != "" {
		var err error
		if vendor, err = strconv.ParseUint(*vendorID, 16, 16); err != nil {
			fmt.Fprintf(os.Stderr, "invalid vendor ID %q: %v\n", *vendorID, err)
			os.Exit(2)
		}
	}

	registry, err := usb.NewRegistry(usb.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "usbfs unavailable: %v\n", err)
		os.Exit(1)
	}

	records, err := registry.Records()
	if err != nil {
		fmt.Fprintf(os.Stderr, "device scan failed: %v\n", err)
		os.Exit(1)
	}

	for _, record := range records {
		desc := record.Descriptor
		if *vendorID != "" && desc.VendorID != uint16(vendor) {
			continue
		}

		bus := filepath.Base(filepath.Dir(record.UsbfsPath))
		dev := filepath.Base(record.UsbfsPath)
		fmt.Printf("Bus %s Device %s: ID %04x:%04x %s\n",
			bus, dev, desc.VendorID, desc.ProductID,
			usb.ProductName(desc.VendorID, desc.ProductID))

		if *verbose {
			dumpDescriptor(record)
		}
	}
}

func dumpDescriptor(record *usb.HostDevice) {
	desc := record.Descriptor
	fmt.Printf("  bcdUSB          %04x\n", desc.USBVersion)
	fmt.Printf("  bDeviceClass    %3d\n", desc.DeviceClass)
	fmt.Printf("  bDeviceSubClass %3d\n", desc.DeviceSubClass)
	fmt.Printf("  bDeviceProtocol %3d\n", desc.DeviceProtocol)
	fmt.Printf("  bMaxPacketSize0 %3d\n", desc.MaxPacketSize0)
	fmt.Printf("  bcdDevice       %04x\n", desc.DeviceVersion)
	fmt.Printf("  bNumConfigs     %3d\n", desc.NumConfigurations)
	if record.SysfsPath != "" {
		fmt.Printf("  sysfs           %s\n", record.SysfsPath)
	}
}
