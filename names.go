package usb

import "fmt"

// vendorNames maps vendor IDs to display names. The table covers the hubs
// every system has plus the vendors whose braille displays this transport is
// typically driving; anything else falls back to the numeric ID.
var vendorNames = map[uint16]vendorEntry{
	0x1d6b: {
		name: "Linux Foundation",
		products: map[uint16]string{
			0x0001: "1.1 root hub",
			0x0002: "2.0 root hub",
			0x0003: "3.0 root hub",
		},
	},
	0x0403: {
		name: "Future Technology Devices International",
		products: map[uint16]string{
			0x6001: "FT232 serial adapter",
			0xf208: "Papenmeier Braille display",
		},
	},
	0x0798: {
		name: "Optelec",
		products: map[uint16]string{
			0x0624: "ALVA BC640",
			0x0640: "ALVA BC680",
		},
	},
	0x0921: {
		name: "GoHubs",
		products: map[uint16]string{
			0x1200: "Handy Tech Braille display",
		},
	},
	0x1c71: {
		name: "Humanware",
		products: map[uint16]string{
			0xc005: "Brailliant BI/B",
		},
	},
	0x10c4: {
		name: "Silicon Labs",
		products: map[uint16]string{
			0xea60: "CP210x UART bridge",
		},
	},
}

type vendorEntry struct {
	name     string
	products map[uint16]string
}

// VendorName returns a human-readable vendor name, or the hex ID when the
// vendor is unknown.
func VendorName(vendor uint16) string {
	if entry, ok := vendorNames[vendor]; ok {
		return entry.name
	}
	return fmt.Sprintf("vendor %04x", vendor)
}

// ProductName returns "vendor product" for a device, degrading to the
// numeric IDs when either is unknown.
func ProductName(vendor, product uint16) string {
	entry, ok := vendorNames[vendor]
	if !ok {
		return fmt.Sprintf("vendor %04x product %04x", vendor, product)
	}
	if name, ok := entry.products[product]; ok {
		return entry.name + " " + name
	}
	return fmt.Sprintf("%s product %04x", entry.name, product)
}
