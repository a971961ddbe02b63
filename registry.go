package usb

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// HostDevice is one discoverable device: its usbfs node, the matching sysfs
// device directory when one could be resolved, and the device descriptor read
// once at discovery time. Records are immutable and owned by the Registry.
type HostDevice struct {
	// UsbfsPath is the device node under the usbfs root.
	UsbfsPath string

	// SysfsPath is the kernel's sysfs directory for the device. Empty when
	// no candidate path matched; power-management conveniences then
	// degrade to no-ops.
	SysfsPath string

	Descriptor DeviceDescriptor
}

// Registry catalogs the devices visible under a usbfs mount. The catalog is
// built lazily on first use and cached until Forget; devices attached later
// stay invisible until a caller forgets and re-finds.
type Registry struct {
	opts      options
	rootPath  string
	sysfsRoot string
	devfs     fs.FS
	sysfs     fs.FS
	openNode  func(string) (usbfsNode, error)

	mu      sync.Mutex
	scanned bool
	catalog []*HostDevice
}

// NewRegistry locates the usbfs mount and returns a registry over it.
// Discovery tries well-known locations, then mounted filesystems, then a
// private mount; if all fail the registry cannot see any devices and
// ErrNoUsbfs is returned.
func NewRegistry(opts ...Option) (*Registry, error) {
	o := makeOptions(opts)
	root, err := discoverRoot(o.config, o.logger)
	if err != nil {
		return nil, err
	}
	level.Debug(o.logger).Log("msg", "usbfs root", "path", root)
	return &Registry{
		opts:      o,
		rootPath:  root,
		sysfsRoot: "/sys",
		devfs:     os.DirFS(root),
		sysfs:     os.DirFS("/sys"),
		openNode:  openDevNode,
	}, nil
}

type rootCandidate struct {
	path   string
	verify func(string) bool
}

func verifyDirectory(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func verifyUsbfs(path string) bool {
	var status unix.Statfs_t
	if err := unix.Statfs(path, &status); err != nil {
		return false
	}
	return status.Type == usbdeviceSuperMagic
}

func discoverRoot(cfg *Config, logger log.Logger) (string, error) {
	if cfg.Registry.Root != "" {
		return cfg.Registry.Root, nil
	}

	candidates := []rootCandidate{
		{path: "/dev/bus/usb", verify: verifyDirectory},
		{path: "/proc/bus/usb", verify: verifyUsbfs},
	}
	for _, candidate := range candidates {
		level.Debug(logger).Log("msg", "usbfs root candidate", "path", candidate.path)
		if candidate.verify(candidate.path) {
			return candidate.path, nil
		}
	}

	if root := findMountedUsbfs("/proc/mounts"); root != "" {
		return root, nil
	}

	mountPoint := cfg.Registry.MountPoint
	if mountPoint != "" {
		if err := os.MkdirAll(mountPoint, 0o755); err == nil {
			if verifyUsbfs(mountPoint) {
				return mountPoint, nil
			}
			if err := unix.Mount("usbfs", mountPoint, "usbfs", 0, ""); err == nil {
				return mountPoint, nil
			} else {
				level.Debug(logger).Log("msg", "usbfs mount failed", "path", mountPoint, "err", err)
			}
		}
	}

	return "", ErrNoUsbfs
}

// findMountedUsbfs scans the mount table for an existing usbfs mount.
func findMountedUsbfs(mountsPath string) string {
	data, err := os.ReadFile(mountsPath)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		fsType := fields[2]
		if fsType != "usbfs" && fsType != "usbdevfs" {
			continue
		}
		if verifyUsbfs(fields[1]) {
			return fields[1]
		}
	}
	return ""
}

// Records returns the cached device catalog, building it on first call.
func (r *Registry) Records() ([]*HostDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureScannedLocked(); err != nil {
		return nil, err
	}
	records := make([]*HostDevice, len(r.catalog))
	copy(records, r.catalog)
	return records, nil
}

func (r *Registry) ensureScannedLocked() error {
	if r.scanned {
		return nil
	}
	catalog, err := r.enumerate()
	if err != nil {
		return err
	}
	r.catalog = catalog
	r.scanned = true
	return nil
}

// enumerate walks numeric-named entries under the usbfs root; every regular
// or character-special leaf is a device node.
func (r *Registry) enumerate() ([]*HostDevice, error) {
	var catalog []*HostDevice

	err := fs.WalkDir(r.devfs, ".", func(rel string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if !isNumericName(path.Base(rel)) {
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}
		mode := info.Mode()
		if !mode.IsRegular() && mode&fs.ModeCharDevice == 0 {
			return nil
		}

		if host := r.addHostDevice(rel); host != nil {
			catalog = append(catalog, host)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", r.rootPath)
	}

	level.Debug(r.opts.logger).Log("msg", "usb devices enumerated", "count", len(catalog))
	return catalog, nil
}

func isNumericName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (r *Registry) addHostDevice(rel string) *HostDevice {
	host := &HostDevice{
		UsbfsPath: filepath.Join(r.rootPath, filepath.FromSlash(rel)),
	}

	sysRel := r.resolveSysfsPath(rel)
	if sysRel != "" {
		host.SysfsPath = filepath.Join(r.sysfsRoot, filepath.FromSlash(sysRel))
	}

	data, order, err := r.readHostDescriptor(rel, sysRel)
	if err != nil {
		level.Warn(r.opts.logger).Log("msg", "device descriptor unreadable", "path", host.UsbfsPath, "err", err)
		return nil
	}
	desc, err := parseDeviceDescriptor(data, order)
	if err != nil {
		// Partial reads still identify a live node; keep the record so
		// the device can be probed, just without a cached descriptor.
		level.Warn(r.opts.logger).Log("msg", "device descriptor incomplete", "path", host.UsbfsPath, "err", err)
		return host
	}
	host.Descriptor = desc

	level.Debug(r.opts.logger).Log("msg", "usb device found",
		"path", host.UsbfsPath,
		"vendor", fmt.Sprintf("%04x", desc.VendorID),
		"product", fmt.Sprintf("%04x", desc.ProductID))
	return host
}

// resolveSysfsPath maps a device node's bus/device numbers onto the sysfs
// tree, probing the path templates different kernel generations expose.
// An empty result is not an error.
func (r *Registry) resolveSysfsPath(rel string) string {
	parts := strings.Split(rel, "/")
	if len(parts) < 2 {
		return ""
	}
	bus, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil || bus < 1 {
		return ""
	}
	device, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil || device < 1 {
		return ""
	}
	minor := (bus-1)<<7 | (device - 1)

	candidates := []string{
		fmt.Sprintf("dev/char/%d:%d", usbfsCharMajor, minor),
		fmt.Sprintf("class/usb_device/usbdev%d.%d/device", bus, device),
		fmt.Sprintf("class/usb_endpoint/usbdev%d.%d_ep00/device", bus, device),
	}
	for _, candidate := range candidates {
		if _, err := fs.Stat(r.sysfs, candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// readHostDescriptor reads the raw device descriptor, preferring the sysfs
// descriptors file (already host-endian) and falling back to a truncated read
// of the device node (wire-format little-endian).
func (r *Registry) readHostDescriptor(rel, sysRel string) ([]byte, binary.ByteOrder, error) {
	if sysRel != "" {
		if data, err := fs.ReadFile(r.sysfs, path.Join(sysRel, "descriptors")); err == nil {
			return data, binary.NativeEndian, nil
		}
	}

	f, err := r.devfs.Open(rel)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	data := make([]byte, deviceDescriptorSize)
	n, err := io.ReadFull(f, data)
	if n == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	return data[:n], binary.LittleEndian, nil
}

// DeviceChooser decides whether a candidate device is the one the caller is
// looking for. The device passed in is open for inspection; rejected devices
// are closed by the registry.
type DeviceChooser func(*Device) bool

// FindDevice scans the catalog, building it if necessary, and returns the
// first device the chooser accepts. The catalog is never rebuilt implicitly;
// after hotplug events the caller must Forget and find again.
func (r *Registry) FindDevice(chooser DeviceChooser) (*Device, error) {
	r.mu.Lock()
	if err := r.ensureScannedLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	catalog := make([]*HostDevice, len(r.catalog))
	copy(catalog, r.catalog)
	r.mu.Unlock()

	for _, host := range catalog {
		device := newDevice(host, r.opts, r.openNode)
		if chooser(device) {
			return device, nil
		}
		device.Close()
	}
	return nil, ErrDeviceNotFound
}

// Forget discards the catalog. Devices opened from forgotten records remain
// usable until they are closed.
func (r *Registry) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = nil
	r.scanned = false
}

// Root returns the usbfs mount the registry enumerates.
func (r *Registry) Root() string {
	return r.rootPath
}
