package usb

import (
	"encoding/hex"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// Device is one open session against a cataloged device. The usbfs node is
// opened lazily by the first operation that needs it.
type Device struct {
	host     *HostDevice
	logger   log.Logger
	config   *Config
	metrics  *Metrics
	openNode func(string) (usbfsNode, error)

	mu           sync.Mutex
	node         usbfsNode
	claimed      map[uint8]bool
	endpoints    map[uint8]*Endpoint
	activeConfig *ConfigDescriptor
	requests     map[RequestHandle]*request
	nextHandle   RequestHandle

	// reapBusy marks a goroutine blocked in the kernel reap ioctl. Other
	// blocking reapers wait on reapWake instead of entering the kernel,
	// since the ioctl hands each completion to exactly one caller.
	reapBusy bool
	reapWake *sync.Cond
}

func newDevice(host *HostDevice, opts options, openNode func(string) (usbfsNode, error)) *Device {
	d := &Device{
		host:      host,
		logger:    log.With(opts.logger, "device", host.UsbfsPath),
		config:    opts.config,
		metrics:   opts.metrics,
		openNode:  openNode,
		claimed:   make(map[uint8]bool),
		endpoints: make(map[uint8]*Endpoint),
		requests:  make(map[RequestHandle]*request),
	}
	d.reapWake = sync.NewCond(&d.mu)
	return d
}

// Descriptor returns the device descriptor cached at discovery time.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.host.Descriptor
}

// Path returns the device node path.
func (d *Device) Path() string {
	return d.host.UsbfsPath
}

// open ensures the usbfs node is open. Idempotent. Callers hold d.mu.
func (d *Device) openLocked() (usbfsNode, error) {
	if d.node != nil {
		return d.node, nil
	}
	node, err := d.openNode(d.host.UsbfsPath)
	if err != nil {
		level.Error(d.logger).Log("msg", "usbfs open failed", "err", err)
		return nil, err
	}
	level.Debug(d.logger).Log("msg", "usbfs node opened")
	d.node = node
	return node, nil
}

// Close tears down the session: monitors are stopped, claimed interfaces
// released, and the node handle closed. The catalog record stays valid.
func (d *Device) Close() error {
	d.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		endpoints = append(endpoints, ep)
	}
	d.mu.Unlock()

	for _, ep := range endpoints {
		ep.teardown()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.node == nil {
		return nil
	}
	for number := range d.claimed {
		if err := d.node.ReleaseInterface(number); err != nil && !errors.Is(err, unix.ENODEV) {
			level.Warn(d.logger).Log("msg", "interface release failed", "interface", number, "err", err)
		}
	}
	d.claimed = make(map[uint8]bool)
	// Requests still owned by the kernel die with the fd; forget their
	// handles so a late cancel finds nothing instead of a nil node.
	for handle := range d.requests {
		delete(d.requests, handle)
		d.metrics.requestDropped()
	}
	err := d.node.Close()
	d.node = nil
	return err
}

// SetConfiguration selects the device configuration.
func (d *Device) SetConfiguration(value uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, err := d.openLocked()
	if err != nil {
		return err
	}
	level.Debug(d.logger).Log("msg", "setting configuration", "value", value)
	if err := node.SetConfiguration(value); err != nil {
		return errors.Wrapf(err, "set configuration %d", value)
	}
	d.activeConfig = nil
	return nil
}

// SetAlternative selects an interface's alternate setting.
func (d *Device) SetAlternative(number, alternative uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, err := d.openLocked()
	if err != nil {
		return err
	}
	level.Debug(d.logger).Log("msg", "setting alternative", "interface", number, "alternative", alternative)
	if err := node.SetInterface(number, alternative); err != nil {
		return errors.Wrapf(err, "set alternative %d[%d]", number, alternative)
	}
	return nil
}

// ClearHalt resets an endpoint's halt condition.
func (d *Device) ClearHalt(address uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, err := d.openLocked()
	if err != nil {
		return err
	}
	level.Debug(d.logger).Log("msg", "clearing endpoint", "endpoint", hexByte(address))
	if err := node.ClearHalt(address); err != nil {
		return errors.Wrapf(err, "clear halt %02X", address)
	}
	return nil
}

// ClaimInterface takes ownership of an interface for raw access. A busy
// interface is wrested from its kernel driver with a forced disconnect and
// one retry; an interface already held by this session succeeds immediately,
// and one the usbfs subsystem itself holds is an unresolvable conflict.
func (d *Device) ClaimInterface(number uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.claimed[number] {
		return nil
	}
	node, err := d.openLocked()
	if err != nil {
		return err
	}

	level.Debug(d.logger).Log("msg", "claiming interface", "interface", number)
	disconnected := false
	for {
		err := node.ClaimInterface(number)
		if err == nil {
			d.claimed[number] = true
			return nil
		}
		if !errors.Is(err, unix.EBUSY) || disconnected {
			return errors.Wrapf(err, "claim interface %d", number)
		}

		driver, derr := node.DriverName(number)
		if derr != nil {
			return errors.Wrapf(err, "claim interface %d", number)
		}
		level.Warn(d.logger).Log("msg", "usb interface in use", "interface", number, "driver", driver)
		if driver == "usbfs" {
			return errors.Wrapf(unix.EBUSY, "claim interface %d: held by usbfs", number)
		}
		if derr := node.DisconnectDriver(number); derr != nil {
			return errors.Wrapf(unix.EBUSY, "claim interface %d: disconnect %s: %v", number, driver, derr)
		}
		disconnected = true
	}
}

// ReleaseInterface gives an interface back. A vanished device counts as
// released.
func (d *Device) ReleaseInterface(number uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	node, err := d.openLocked()
	if err != nil {
		return err
	}
	level.Debug(d.logger).Log("msg", "releasing interface", "interface", number)
	delete(d.claimed, number)
	if err := node.ReleaseInterface(number); err != nil && !errors.Is(err, unix.ENODEV) {
		return errors.Wrapf(err, "release interface %d", number)
	}
	return nil
}

// DisableAutosuspend turns off the kernel's USB autosuspend for the device.
// Without a resolved sysfs path this is a successful no-op. Kernel versions
// disagree on the accepted value, so each is tried until one sticks.
func (d *Device) DisableAutosuspend() error {
	if d.host.SysfsPath == "" {
		return nil
	}
	path := d.host.SysfsPath + "/power/autosuspend"

	for _, value := range []string{"-1", "0"} {
		err := writeSysfsAttribute(path, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINVAL) {
			continue
		}
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Newf("no accepted autosuspend value: %s", path)
}

// endpoint returns the session state for an endpoint address, creating it on
// first use from the active configuration's descriptor.
func (d *Device) endpoint(address uint8) (*Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpointLocked(address)
}

func (d *Device) endpointLocked(address uint8) (*Endpoint, error) {
	if ep, ok := d.endpoints[address]; ok {
		return ep, nil
	}

	config, err := d.activeConfigLocked()
	if err != nil {
		return nil, err
	}
	desc, ok := config.findEndpoint(address)
	if !ok {
		return nil, errors.Wrapf(ErrDeviceNotFound, "endpoint %02X", address)
	}

	ep := newEndpoint(d, desc)
	d.endpoints[address] = ep
	return ep, nil
}

// inputEndpoint resolves an endpoint number to its input endpoint, verifying
// the direction.
func (d *Device) inputEndpoint(number uint8) (*Endpoint, error) {
	ep, err := d.endpoint(number&0x0f | uint8(EndpointDirectionIn))
	if err != nil {
		return nil, err
	}
	if ep.desc.Direction() != EndpointDirectionIn {
		return nil, errors.Wrapf(ErrNotSupported, "endpoint %d is not an input endpoint", number)
	}
	return ep, nil
}

// outputEndpoint resolves an endpoint number to its output endpoint.
func (d *Device) outputEndpoint(number uint8) (*Endpoint, error) {
	ep, err := d.endpoint(number & 0x0f)
	if err != nil {
		return nil, err
	}
	if ep.desc.Direction() != EndpointDirectionOut {
		return nil, errors.Wrapf(ErrNotSupported, "endpoint %d is not an output endpoint", number)
	}
	return ep, nil
}

// Configuration returns the device's parsed configuration descriptor,
// reading it from the device on first use.
func (d *Device) Configuration() (*ConfigDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeConfigLocked()
}

// activeConfigLocked reads and parses the first configuration descriptor,
// caching the result. Callers hold d.mu.
func (d *Device) activeConfigLocked() (*ConfigDescriptor, error) {
	if d.activeConfig != nil {
		return d.activeConfig, nil
	}
	node, err := d.openLocked()
	if err != nil {
		return nil, err
	}

	header := make([]byte, 9)
	setup := makeSetupPacket(EndpointDirectionIn, RecipientDevice, RequestTypeStandard,
		USB_REQ_GET_DESCRIPTOR, USB_DT_CONFIG<<8, 0, uint16(len(header)))
	if _, err := node.Control(setup, header, defaultControlTimeout); err != nil {
		return nil, errors.Wrap(err, "read config descriptor header")
	}

	total := uint16(header[2]) | uint16(header[3])<<8
	if total < 9 {
		return nil, errors.Newf("invalid config descriptor length: %d", total)
	}
	full := make([]byte, total)
	setup.Length = total
	if _, err := node.Control(setup, full, defaultControlTimeout); err != nil {
		return nil, errors.Wrap(err, "read config descriptor")
	}

	config := &ConfigDescriptor{}
	if err := config.Unmarshal(full); err != nil {
		return nil, err
	}
	d.activeConfig = config
	return config, nil
}

// logData renders a payload into the debug log, capped by the configured
// limit.
func (d *Device) logData(message string, data []byte) {
	limit := d.config.Transfer.LogDataLimit
	if limit <= 0 {
		return
	}
	size := len(data)
	truncated := false
	if size > limit {
		data = data[:limit]
		truncated = true
	}
	level.Debug(d.logger).Log("msg", message, "len", size, "data", hex.EncodeToString(data), "truncated", truncated)
}

func hexByte(b uint8) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0x0f]})
}
