package usb

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// Standard descriptor types.
const (
	USB_DT_DEVICE    = 0x01
	USB_DT_CONFIG    = 0x02
	USB_DT_STRING    = 0x03
	USB_DT_INTERFACE = 0x04
	USB_DT_ENDPOINT  = 0x05
)

// Standard device requests.
const (
	USB_REQ_GET_STATUS        = 0x00
	USB_REQ_CLEAR_FEATURE     = 0x01
	USB_REQ_SET_FEATURE       = 0x03
	USB_REQ_GET_DESCRIPTOR    = 0x06
	USB_REQ_GET_CONFIGURATION = 0x08
	USB_REQ_SET_CONFIGURATION = 0x09
	USB_REQ_GET_INTERFACE     = 0x0A
	USB_REQ_SET_INTERFACE     = 0x0B
)

const deviceDescriptorSize = 18

// EndpointDirection is the direction bit of an endpoint address.
type EndpointDirection uint8

const (
	EndpointDirectionOut EndpointDirection = 0x00
	EndpointDirectionIn  EndpointDirection = 0x80
)

// EndpointTransfer is the transfer kind encoded in an endpoint descriptor's
// attributes.
type EndpointTransfer uint8

const (
	EndpointTransferControl EndpointTransfer = iota
	EndpointTransferIsochronous
	EndpointTransferBulk
	EndpointTransferInterrupt
)

func (t EndpointTransfer) String() string {
	switch t {
	case EndpointTransferControl:
		return "control"
	case EndpointTransferIsochronous:
		return "isochronous"
	case EndpointTransferBulk:
		return "bulk"
	case EndpointTransferInterrupt:
		return "interrupt"
	}
	return "unknown"
}

// DeviceDescriptor is the standard 18-byte device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// parseDeviceDescriptor decodes an 18-byte device descriptor whose multi-byte
// fields use the given byte order. Descriptors read from a device node are
// wire-format little-endian; the sysfs descriptors file is host-endian.
func parseDeviceDescriptor(data []byte, order binary.ByteOrder) (DeviceDescriptor, error) {
	if len(data) < deviceDescriptorSize {
		return DeviceDescriptor{}, errors.Newf("short device descriptor: %d bytes", len(data))
	}
	return DeviceDescriptor{
		Length:            data[0],
		DescriptorType:    data[1],
		USBVersion:        order.Uint16(data[2:4]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          order.Uint16(data[8:10]),
		ProductID:         order.Uint16(data[10:12]),
		DeviceVersion:     order.Uint16(data[12:14]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}, nil
}

// EndpointDescriptor is the standard endpoint descriptor.
type EndpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Address        uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
}

// Direction returns the endpoint's direction bit.
func (d EndpointDescriptor) Direction() EndpointDirection {
	return EndpointDirection(d.Address & 0x80)
}

// Transfer returns the endpoint's transfer kind.
func (d EndpointDescriptor) Transfer() EndpointTransfer {
	return EndpointTransfer(d.Attributes & 0x03)
}

// Number returns the endpoint number without the direction bit.
func (d EndpointDescriptor) Number() uint8 {
	return d.Address & 0x0f
}

// InterfaceAltSetting is one alternate setting of an interface together with
// its endpoints.
type InterfaceAltSetting struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Endpoints []EndpointDescriptor
}

// ConfigDescriptor is a parsed configuration descriptor with its interfaces
// flattened into alternate settings.
type ConfigDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	AltSettings []InterfaceAltSetting
}

// Unmarshal parses raw configuration descriptor data, walking the descriptor
// stream and collecting interface and endpoint descriptors. Class-specific
// descriptors interleaved in the stream are skipped.
func (c *ConfigDescriptor) Unmarshal(data []byte) error {
	if len(data) < 9 {
		return errors.Newf("config descriptor too short: %d bytes", len(data))
	}

	c.Length = data[0]
	c.DescriptorType = data[1]
	c.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	c.NumInterfaces = data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]
	c.AltSettings = nil

	var current *InterfaceAltSetting

	pos := int(c.Length)
	for pos+2 <= len(data) {
		length := int(data[pos])
		descType := data[pos+1]
		if length < 2 || pos+length > len(data) {
			break
		}

		switch descType {
		case USB_DT_INTERFACE:
			if length >= 9 {
				c.AltSettings = append(c.AltSettings, InterfaceAltSetting{
					Length:            data[pos],
					DescriptorType:    data[pos+1],
					InterfaceNumber:   data[pos+2],
					AlternateSetting:  data[pos+3],
					NumEndpoints:      data[pos+4],
					InterfaceClass:    data[pos+5],
					InterfaceSubClass: data[pos+6],
					InterfaceProtocol: data[pos+7],
					InterfaceIndex:    data[pos+8],
				})
				current = &c.AltSettings[len(c.AltSettings)-1]
			}

		case USB_DT_ENDPOINT:
			if length >= 7 && current != nil {
				current.Endpoints = append(current.Endpoints, EndpointDescriptor{
					Length:         data[pos],
					DescriptorType: data[pos+1],
					Address:        data[pos+2],
					Attributes:     data[pos+3],
					MaxPacketSize:  binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
					Interval:       data[pos+6],
				})
			}
		}

		pos += length
	}

	return nil
}

// findEndpoint returns the descriptor of the endpoint with the given address,
// searching every alternate setting in order.
func (c *ConfigDescriptor) findEndpoint(address uint8) (EndpointDescriptor, bool) {
	for i := range c.AltSettings {
		for _, ep := range c.AltSettings[i].Endpoints {
			if ep.Address == address {
				return ep, true
			}
		}
	}
	return EndpointDescriptor{}, false
}
