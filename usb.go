// Package usb is the Linux raw-USB transport layer of the brltty daemon. It
// talks to braille displays and other peripherals through the kernel's usbfs
// interface: device nodes under a usbfs mount driven entirely by ioctl, with
// no class driver in between. Devices are discovered by a Registry, opened as
// Device sessions, and driven either with blocking control/bulk transfers or
// with asynchronous submit/reap request queues; a background input monitor
// keeps a read request outstanding on a designated input endpoint with
// adaptive idle backoff.
package usb

import (
	"errors"

	"github.com/go-kit/log"
)

// Sentinel errors returned by the transport.
var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoUsbfs          = errors.New("usbfs not mounted")
	ErrWouldBlock       = errors.New("operation would block")
	ErrNotSupported     = errors.New("transfer not supported")
	ErrRequestNotFound  = errors.New("request not found")
	ErrMonitorActive    = errors.New("endpoint already monitored")
)

type options struct {
	logger  log.Logger
	config  *Config
	metrics *Metrics
}

// Option configures a Registry and the Devices it produces.
type Option func(*options)

// WithLogger installs a structured logger. The default discards everything.
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithConfig installs tuning parameters. The default is DefaultConfig.
func WithConfig(cfg *Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithMetrics installs transfer instrumentation. Metrics are optional; a nil
// collector disables them.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func makeOptions(opts []Option) options {
	o := options{
		logger: log.NewNopLogger(),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
