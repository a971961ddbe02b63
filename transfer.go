package usb

import (
	"encoding/binary"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// ControlRecipient is the recipient field of a control request.
type ControlRecipient uint8

const (
	RecipientDevice    ControlRecipient = 0x00
	RecipientInterface ControlRecipient = 0x01
	RecipientEndpoint  ControlRecipient = 0x02
	RecipientOther     ControlRecipient = 0x03
)

// ControlType is the type field of a control request.
type ControlType uint8

const (
	RequestTypeStandard ControlType = 0x00
	RequestTypeClass    ControlType = 0x20
	RequestTypeVendor   ControlType = 0x40
)

const defaultControlTimeout = 1000 * time.Millisecond

// SetupPacket is the standard 8-byte control setup record.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

func makeSetupPacket(
	direction EndpointDirection,
	recipient ControlRecipient,
	requestType ControlType,
	request uint8,
	value, index, length uint16,
) SetupPacket {
	return SetupPacket{
		RequestType: uint8(direction) | uint8(requestType) | uint8(recipient),
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

// Direction returns the direction encoded in the request type.
func (p SetupPacket) Direction() EndpointDirection {
	return EndpointDirection(p.RequestType & 0x80)
}

// Pack renders the setup packet into its wire layout: the 16-bit fields are
// little-endian regardless of host byte order.
func (p SetupPacket) Pack() [8]byte {
	var out [8]byte
	out[0] = p.RequestType
	out[1] = p.Request
	binary.LittleEndian.PutUint16(out[2:4], p.Value)
	binary.LittleEndian.PutUint16(out[4:6], p.Index)
	binary.LittleEndian.PutUint16(out[6:8], p.Length)
	return out
}

// ControlTransfer performs a blocking transfer on the default control
// endpoint and returns the number of bytes transferred.
func (d *Device) ControlTransfer(
	direction EndpointDirection,
	recipient ControlRecipient,
	requestType ControlType,
	request uint8,
	value, index uint16,
	data []byte,
	timeout time.Duration,
) (int, error) {
	d.mu.Lock()
	node, err := d.openLocked()
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}

	setup := makeSetupPacket(direction, recipient, requestType, request, value, index, uint16(len(data)))
	if direction == EndpointDirectionOut {
		d.logData("control output", data)
	}

	d.metrics.controlTransfer(direction)
	count, err := node.Control(setup, data, timeout)
	if err != nil {
		return 0, errors.Wrapf(err, "control transfer %02X/%02X", setup.RequestType, request)
	}
	if direction == EndpointDirectionIn {
		d.logData("control input", data[:count])
	}
	return count, nil
}

// bulkTransfer performs a blocking bulk ioctl on an endpoint. An input
// transfer that times out signals a peer with nothing to say, not a protocol
// failure, and is reported as ErrWouldBlock.
func (d *Device) bulkTransfer(ep *Endpoint, data []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	node, err := d.openLocked()
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}

	d.metrics.bulkTransfer(ep.desc.Direction())
	count, err := node.Bulk(ep.desc.Address, data, timeout)
	if err != nil {
		if ep.desc.Direction() == EndpointDirectionIn && errors.Is(err, unix.ETIMEDOUT) {
			return 0, ErrWouldBlock
		}
		return 0, errors.Wrapf(err, "bulk transfer %02X", ep.desc.Address)
	}
	return count, nil
}

// interruptRead reads an interrupt endpoint through the asynchronous request
// queue, polling for the completion at the endpoint's declared cadence.
func (d *Device) interruptRead(ep *Endpoint, buffer []byte, timeout time.Duration) (int, error) {
	handle, err := d.SubmitRequest(ep.desc.Address, nil, len(buffer), nil)
	if err != nil {
		return 0, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	interval := time.Duration(ep.desc.Interval+1) * time.Millisecond

	for {
		if req, ok := d.collectRequest(ep, handle); ok {
			if req.status != 0 {
				return 0, errors.Wrapf(statusErrno(req.status), "interrupt read %02X", ep.desc.Address)
			}
			return copy(buffer, req.buffer[:min(req.actual, len(req.buffer))]), nil
		}

		if timeout > 0 && time.Now().After(deadline) {
			if err := d.CancelRequest(handle); err != nil {
				level.Warn(d.logger).Log("msg", "interrupt read cancel failed", "endpoint", hexByte(ep.desc.Address), "err", err)
			}
			return 0, unix.ETIMEDOUT
		}
		time.Sleep(interval)
	}
}

// ReadEndpoint reads from an input endpoint, dispatching on its transfer
// kind. Interrupt endpoints use the bulk path by default; the configuration
// can select true interrupt requests instead.
func (d *Device) ReadEndpoint(number uint8, buffer []byte, timeout time.Duration) (int, error) {
	ep, err := d.inputEndpoint(number)
	if err != nil {
		return 0, err
	}
	level.Debug(d.logger).Log("msg", "reading endpoint", "endpoint", number)

	var count int
	switch transfer := ep.desc.Transfer(); transfer {
	case EndpointTransferInterrupt:
		if !d.config.Transfer.InterruptAsBulk {
			count, err = d.interruptRead(ep, buffer, timeout)
			break
		}
		fallthrough
	case EndpointTransferBulk:
		count, err = d.bulkTransfer(ep, buffer, timeout)
	default:
		return 0, errors.Wrapf(ErrNotSupported, "input transfer %s", transfer)
	}
	if err != nil {
		return 0, err
	}

	filtered, ferr := ep.applyInputFilters(buffer[:count])
	if ferr != nil {
		return 0, errors.Wrapf(unix.EIO, "input filter: %v", ferr)
	}
	return copy(buffer, filtered), nil
}

// WriteEndpoint writes to an output endpoint.
func (d *Device) WriteEndpoint(number uint8, data []byte, timeout time.Duration) (int, error) {
	ep, err := d.outputEndpoint(number)
	if err != nil {
		return 0, err
	}
	d.logData("endpoint output", data)

	switch transfer := ep.desc.Transfer(); transfer {
	case EndpointTransferBulk, EndpointTransferInterrupt:
		return d.bulkTransfer(ep, data, timeout)
	default:
		return 0, errors.Wrapf(ErrNotSupported, "output transfer %s", transfer)
	}
}

// statusErrno converts a URB status, reported by the kernel as a negated
// errno, into the corresponding error.
func statusErrno(status int32) unix.Errno {
	if status < 0 {
		status = -status
	}
	return unix.Errno(status)
}
