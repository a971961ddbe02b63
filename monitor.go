package usb

import (
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// InputCallback receives each chunk of data delivered by a background input
// monitor. The context is the value passed to MonitorInputEndpoint. A
// non-nil error stops the monitor.
type InputCallback func(context any, data []byte) error

// MonitorInputEndpoint starts a background reader on an input endpoint. One
// request is kept armed at a time and its goroutine parks in a blocking reap;
// arriving data is handed to the callback and the request rearmed
// immediately, while an idle endpoint is rearmed after a doubling delay up to
// a configured ceiling. A monitor that hits a transfer or callback error
// stops delivering and stays failed until the monitor is removed; the error
// is readable through MonitorError.
//
// A nil callback removes the endpoint's monitor. Starting a second monitor
// on an endpoint that already has one reports ErrMonitorActive.
func (d *Device) MonitorInputEndpoint(number uint8, callback InputCallback, context any) error {
	ep, err := d.inputEndpoint(number)
	if err != nil {
		return err
	}

	ep.monitorMu.Lock()
	defer ep.monitorMu.Unlock()

	if callback == nil {
		mon := ep.monitor
		ep.monitor = nil
		if mon != nil {
			mon.stop()
		}
		return nil
	}

	if ep.monitor != nil {
		return errors.Wrapf(ErrMonitorActive, "endpoint %02X", ep.desc.Address)
	}

	mon := newInputMonitor(d, ep, callback, context)
	if err := mon.start(); err != nil {
		return err
	}
	ep.monitor = mon
	return nil
}

// MonitorError reports the error that stopped an endpoint's input monitor.
// It returns nil while the monitor is healthy or absent. A failed monitor
// stays registered, so the condition is observable until the caller removes
// the monitor and decides on recovery.
func (d *Device) MonitorError(number uint8) error {
	ep, err := d.inputEndpoint(number)
	if err != nil {
		return err
	}
	ep.monitorMu.Lock()
	defer ep.monitorMu.Unlock()
	if ep.monitor == nil {
		return nil
	}
	return ep.monitor.failure()
}

// inputMonitor keeps one asynchronous request armed on an input endpoint and
// pumps completions to the callback from its own goroutine.
type inputMonitor struct {
	device   *Device
	ep       *Endpoint
	callback InputCallback
	context  any
	logger   log.Logger

	base    time.Duration
	ceiling time.Duration
	size    int

	mu      sync.Mutex
	handle  RequestHandle
	stopped bool
	err     error

	stopCh chan struct{}
	done   chan struct{}
}

func newInputMonitor(d *Device, ep *Endpoint, callback InputCallback, context any) *inputMonitor {
	base := time.Duration(ep.desc.Interval) * time.Millisecond
	if base <= 0 {
		base = time.Duration(d.config.Monitor.DefaultIntervalMS) * time.Millisecond
	}
	ceiling := time.Duration(d.config.Monitor.IdleCeilingMS) * time.Millisecond
	if ceiling < base {
		ceiling = base
	}
	size := int(ep.desc.MaxPacketSize)
	if size == 0 {
		size = 8
	}
	return &inputMonitor{
		device:   d,
		ep:       ep,
		callback: callback,
		context:  context,
		logger:   log.With(d.logger, "monitor", hexByte(ep.desc.Address)),
		base:     base,
		ceiling:  ceiling,
		size:     size,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *inputMonitor) start() error {
	if _, err := m.arm(); err != nil {
		return err
	}
	level.Debug(m.logger).Log("msg", "input monitor started", "interval", m.base, "ceiling", m.ceiling)
	go m.run()
	return nil
}

// arm submits the next read. A false result without an error means the
// monitor was stopped and nothing is armed.
func (m *inputMonitor) arm() (bool, error) {
	if m.isStopped() {
		return false, nil
	}
	handle, err := m.device.SubmitRequest(m.ep.desc.Address, nil, m.size, m.context)
	if err != nil {
		return false, errors.Wrap(err, "arm input monitor")
	}
	m.mu.Lock()
	m.handle = handle
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		// Stop raced the submission and never saw this handle, so it is
		// this goroutine's to withdraw.
		if err := m.device.CancelRequest(handle); err != nil && !errors.Is(err, ErrRequestNotFound) {
			level.Warn(m.logger).Log("msg", "input monitor cancel failed", "err", err)
		}
		m.mu.Lock()
		m.handle = 0
		m.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (m *inputMonitor) run() {
	defer close(m.done)
	address := m.ep.desc.Address
	delay := m.base

	for {
		resp, err := m.device.ReapResponse(address, true)
		if err != nil {
			if m.isStopped() {
				return
			}
			m.fail(err)
			return
		}

		m.mu.Lock()
		m.handle = 0
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}

		if resp.Err != nil {
			m.fail(resp.Err)
			return
		}

		if resp.Count > 0 {
			delay = m.base
			m.device.metrics.monitorDelivery()
			if err := m.callback(m.context, resp.Buffer[:resp.Count]); err != nil {
				m.fail(err)
				return
			}
		} else {
			// Zero-length completion: the device has nothing to say, so
			// hold off before rearming, waiting longer each time.
			m.device.metrics.monitorBackoff()
			if delay *= 2; delay > m.ceiling {
				delay = m.ceiling
			}
			if !m.sleep(delay) {
				return
			}
		}

		armed, err := m.arm()
		if err != nil {
			m.fail(err)
			return
		}
		if !armed {
			return
		}
	}
}

func (m *inputMonitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *inputMonitor) failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// sleep pauses before the next rearm, returning false when the monitor is
// stopped.
func (m *inputMonitor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.stopCh:
		return false
	}
}

func (m *inputMonitor) fail(err error) {
	m.mu.Lock()
	stopped := m.stopped
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	if !stopped {
		level.Error(m.logger).Log("msg", "input monitor failed", "err", err)
	}
}

// stop halts the goroutine. The armed request is discarded first so a reap
// blocked in the kernel wakes with its cancelled completion, then the
// goroutine is joined. Whatever the goroutine did not consume on its way out
// is withdrawn afterwards. Safe to call more than once.
func (m *inputMonitor) stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.stopped = true
	handle := m.handle
	m.mu.Unlock()

	close(m.stopCh)
	if handle != 0 {
		m.device.discardRequest(handle)
	}
	<-m.done

	m.mu.Lock()
	handle = m.handle
	m.handle = 0
	m.mu.Unlock()
	if handle != 0 {
		if err := m.device.CancelRequest(handle); err != nil && !errors.Is(err, ErrRequestNotFound) {
			level.Warn(m.logger).Log("msg", "input monitor cancel failed", "err", err)
		}
	}
	level.Debug(m.logger).Log("msg", "input monitor stopped")
}
