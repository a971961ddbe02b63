package usb

import "unsafe"

// usbdevfs ioctl request codes (64-bit ABI).
const (
	USBDEVFS_CONTROL          = 0xc0185500
	USBDEVFS_BULK             = 0xc0185502
	USBDEVFS_RESETEP          = 0x80045503
	USBDEVFS_SETINTERFACE     = 0x80085504
	USBDEVFS_SETCONFIGURATION = 0x80045505
	USBDEVFS_GETDRIVER        = 0x41045508
	USBDEVFS_SUBMITURB        = 0x8038550a
	USBDEVFS_DISCARDURB       = 0x0000550b
	USBDEVFS_REAPURB          = 0x4008550c
	USBDEVFS_REAPURBNDELAY    = 0x4008550d
	USBDEVFS_CLAIMINTERFACE   = 0x8004550f
	USBDEVFS_RELEASEINTERFACE = 0x80045510
	USBDEVFS_IOCTL            = 0xc0105512
	USBDEVFS_CLEAR_HALT       = 0x80045515
	USBDEVFS_DISCONNECT       = 0x00005516
	USBDEVFS_CONNECT          = 0x00005517
)

// URB types as the kernel labels them.
const (
	USBDEVFS_URB_TYPE_ISO       = 0
	USBDEVFS_URB_TYPE_INTERRUPT = 1
	USBDEVFS_URB_TYPE_CONTROL   = 2
	USBDEVFS_URB_TYPE_BULK      = 3
)

// URB flags.
const (
	USBDEVFS_URB_SHORT_NOT_OK      = 0x01
	USBDEVFS_URB_ISO_ASAP          = 0x02
	USBDEVFS_URB_BULK_CONTINUATION = 0x04
	USBDEVFS_URB_ZERO_PACKET       = 0x40
	USBDEVFS_URB_NO_INTERRUPT      = 0x80
)

// usbdeviceSuperMagic is the statfs f_type signature of a mounted usbfs.
const usbdeviceSuperMagic = 0x9fa2

// usbfsCharMajor is the character-device major number usbfs nodes are
// registered under, used to resolve sysfs paths from bus/device numbers.
const usbfsCharMajor = 189

// usbdevfsCtrlTransfer mirrors struct usbdevfs_ctrltransfer.
type usbdevfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

// usbdevfsBulkTransfer mirrors struct usbdevfs_bulktransfer.
type usbdevfsBulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	Data     unsafe.Pointer
}

// usbdevfsSetInterface mirrors struct usbdevfs_setinterface.
type usbdevfsSetInterface struct {
	Interface  uint32
	AltSetting uint32
}

// usbdevfsGetDriver mirrors struct usbdevfs_getdriver.
type usbdevfsGetDriver struct {
	Interface uint32
	Driver    [256]byte
}

// usbdevfsIoctl mirrors struct usbdevfs_ioctl, the escape hatch that carries
// driver-directed requests such as USBDEVFS_DISCONNECT.
type usbdevfsIoctl struct {
	Interface int32
	IoctlCode int32
	Data      unsafe.Pointer
}

// usbdevfsURB mirrors struct usbdevfs_urb. A pointer to one of these is
// handed to the kernel on submission and comes back, possibly much later,
// from a reap; the struct must therefore stay reachable for as long as the
// kernel owns it.
type usbdevfsURB struct {
	Type            uint8
	Endpoint        uint8
	Status          int32
	Flags           uint32
	Buffer          unsafe.Pointer
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	SignalNumber    uint32
	UserContext     uintptr
}
