package usb

import (
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

// usbfsNode is the ioctl surface of one open usbfs device node. The concrete
// implementation wraps a file descriptor; tests substitute a simulated kernel.
type usbfsNode interface {
	Control(setup SetupPacket, data []byte, timeout time.Duration) (int, error)
	Bulk(endpoint uint8, data []byte, timeout time.Duration) (int, error)
	SetConfiguration(value uint8) error
	SetInterface(number, alternative uint8) error
	ClearHalt(address uint8) error
	ClaimInterface(number uint8) error
	ReleaseInterface(number uint8) error
	DriverName(number uint8) (string, error)
	DisconnectDriver(number uint8) error
	Submit(req *request) error
	Discard(req *request) error
	Reap(wait bool) (*request, error)
	Close() error
}

// devNode drives a real usbfs device node.
type devNode struct {
	fd int

	// Requests the kernel currently owns, keyed by the address of their
	// usbdevfs_urb. The reference also keeps the URB and its buffer alive
	// while they are out of our hands.
	mu        sync.Mutex
	submitted map[uintptr]*request
}

func openDevNode(path string) (usbfsNode, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.EACCES {
			return nil, errors.Wrapf(ErrPermissionDenied, "%s", path)
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &devNode{fd: fd, submitted: make(map[uintptr]*request)}, nil
}

func (n *devNode) ioctl(code uintptr, arg unsafe.Pointer) (int, error) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(n.fd), code, uintptr(arg))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(r), nil
	}
}

func (n *devNode) Control(setup SetupPacket, data []byte, timeout time.Duration) (int, error) {
	arg := usbdevfsCtrlTransfer{
		RequestType: setup.RequestType,
		Request:     setup.Request,
		Value:       setup.Value,
		Index:       setup.Index,
		Length:      setup.Length,
		Timeout:     uint32(timeout.Milliseconds()),
	}
	if len(data) > 0 {
		arg.Data = unsafe.Pointer(&data[0])
	}
	return n.ioctl(USBDEVFS_CONTROL, unsafe.Pointer(&arg))
}

func (n *devNode) Bulk(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	arg := usbdevfsBulkTransfer{
		Endpoint: uint32(endpoint),
		Length:   uint32(len(data)),
		Timeout:  uint32(timeout.Milliseconds()),
	}
	if len(data) > 0 {
		arg.Data = unsafe.Pointer(&data[0])
	}
	return n.ioctl(USBDEVFS_BULK, unsafe.Pointer(&arg))
}

func (n *devNode) SetConfiguration(value uint8) error {
	arg := uint32(value)
	_, err := n.ioctl(USBDEVFS_SETCONFIGURATION, unsafe.Pointer(&arg))
	return err
}

func (n *devNode) SetInterface(number, alternative uint8) error {
	arg := usbdevfsSetInterface{
		Interface:  uint32(number),
		AltSetting: uint32(alternative),
	}
	_, err := n.ioctl(USBDEVFS_SETINTERFACE, unsafe.Pointer(&arg))
	return err
}

func (n *devNode) ClearHalt(address uint8) error {
	arg := uint32(address)
	_, err := n.ioctl(USBDEVFS_CLEAR_HALT, unsafe.Pointer(&arg))
	return err
}

func (n *devNode) ClaimInterface(number uint8) error {
	arg := uint32(number)
	_, err := n.ioctl(USBDEVFS_CLAIMINTERFACE, unsafe.Pointer(&arg))
	return err
}

func (n *devNode) ReleaseInterface(number uint8) error {
	arg := uint32(number)
	_, err := n.ioctl(USBDEVFS_RELEASEINTERFACE, unsafe.Pointer(&arg))
	return err
}

func (n *devNode) DriverName(number uint8) (string, error) {
	arg := usbdevfsGetDriver{Interface: uint32(number)}
	if _, err := n.ioctl(USBDEVFS_GETDRIVER, unsafe.Pointer(&arg)); err != nil {
		return "", err
	}
	name := arg.Driver[:]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	return string(name), nil
}

func (n *devNode) DisconnectDriver(number uint8) error {
	arg := usbdevfsIoctl{
		Interface: int32(number),
		IoctlCode: USBDEVFS_DISCONNECT,
	}
	_, err := n.ioctl(USBDEVFS_IOCTL, unsafe.Pointer(&arg))
	return err
}

func (n *devNode) Submit(req *request) error {
	if req.urb == nil {
		req.urb = &usbdevfsURB{Endpoint: req.endpoint}
	}
	urb := req.urb
	urb.Type = req.kind
	urb.Status = 0
	urb.ActualLength = 0
	urb.ErrorCount = 0
	if len(req.buffer) > 0 {
		urb.Buffer = unsafe.Pointer(&req.buffer[0])
		urb.BufferLength = int32(len(req.buffer))
	}

	key := uintptr(unsafe.Pointer(urb))
	n.mu.Lock()
	n.submitted[key] = req
	n.mu.Unlock()

	if _, err := n.ioctl(USBDEVFS_SUBMITURB, unsafe.Pointer(urb)); err != nil {
		n.mu.Lock()
		delete(n.submitted, key)
		n.mu.Unlock()
		return err
	}
	return nil
}

func (n *devNode) Discard(req *request) error {
	if req.urb == nil {
		return unix.EINVAL
	}
	_, err := n.ioctl(USBDEVFS_DISCARDURB, unsafe.Pointer(req.urb))
	return err
}

func (n *devNode) Reap(wait bool) (*request, error) {
	code := uintptr(USBDEVFS_REAPURBNDELAY)
	if wait {
		code = USBDEVFS_REAPURB
	}

	var urb *usbdevfsURB
	if _, err := n.ioctl(code, unsafe.Pointer(&urb)); err != nil {
		return nil, err
	}
	if urb == nil {
		return nil, unix.EAGAIN
	}

	key := uintptr(unsafe.Pointer(urb))
	n.mu.Lock()
	req, ok := n.submitted[key]
	delete(n.submitted, key)
	n.mu.Unlock()
	if !ok {
		return nil, errors.Newf("reaped unknown URB %#x", key)
	}

	req.status = urb.Status
	req.actual = int(urb.ActualLength)
	return req, nil
}

func (n *devNode) Close() error {
	return unix.Close(n.fd)
}

// writeSysfsAttribute writes one value to a sysfs attribute file.
func writeSysfsAttribute(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(value)
	return err
}
