package usb

import (
	"errors"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"
	"golang.org/x/sys/unix"
)

func monitorTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Monitor.DefaultIntervalMS = 1
	cfg.Monitor.IdleCeilingMS = 4
	return cfg
}

func TestMonitorDeliversInput(t *testing.T) {
	node := newFakeNode(testConfigDescriptor())
	device := newTestDevice(node, WithConfig(monitorTestConfig()))

	delivered := make(chan []byte, 16)
	err := device.MonitorInputEndpoint(1, func(_ any, data []byte) error {
		copied := make([]byte, len(data))
		copy(copied, data)
		delivered <- copied
		return nil
	}, nil)
	testutil.Ok(t, err)
	defer device.MonitorInputEndpoint(1, nil, nil)

	for _, want := range [][]byte{{0x01}, {0x02, 0x03}, {0x04}} {
		req := node.waitPending(t, 0x81)
		node.complete(req, 0, want)
		select {
		case got := <-delivered:
			testutil.Equals(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("input not delivered")
		}
	}

	// A healthy monitor reports no error.
	testutil.Ok(t, device.MonitorError(1))
}

func TestMonitorBacksOffWhenIdle(t *testing.T) {
	node := newFakeNode(testConfigDescriptor())
	device := newTestDevice(node, WithConfig(monitorTestConfig()))

	delivered := make(chan []byte, 16)
	err := device.MonitorInputEndpoint(1, func(_ any, data []byte) error {
		copied := make([]byte, len(data))
		copy(copied, data)
		delivered <- copied
		return nil
	}, nil)
	testutil.Ok(t, err)
	defer device.MonitorInputEndpoint(1, nil, nil)

	// A run of empty completions must keep the monitor armed without
	// delivering anything.
	for i := 0; i < 5; i++ {
		req := node.waitPending(t, 0x81)
		node.complete(req, 0, nil)
	}
	req := node.waitPending(t, 0x81)

	select {
	case data := <-delivered:
		t.Fatalf("unexpected delivery: %x", data)
	default:
	}

	// Data still gets through after the idle stretch.
	node.complete(req, 0, []byte{0xaa})
	select {
	case got := <-delivered:
		testutil.Equals(t, []byte{0xaa}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("input not delivered after idle period")
	}
}

func TestMonitorStopsOnTransferError(t *testing.T) {
	node := newFakeNode(testConfigDescriptor())
	device := newTestDevice(node, WithConfig(monitorTestConfig()))

	err := device.MonitorInputEndpoint(1, func(any, []byte) error {
		t.Error("callback invoked for a failed transfer")
		return nil
	}, nil)
	testutil.Ok(t, err)

	req := node.waitPending(t, 0x81)
	node.complete(req, -int32(unix.ESHUTDOWN), nil)

	// The failure becomes visible through MonitorError so the consumer can
	// decide on device-level recovery.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && device.MonitorError(1) == nil {
		time.Sleep(time.Millisecond)
	}
	testutil.Assert(t, errors.Is(device.MonitorError(1), unix.ESHUTDOWN),
		"expected ESHUTDOWN, got %v", device.MonitorError(1))

	// The monitor must not rearm after the failure.
	deadline = time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		testutil.Equals(t, 0, node.pendingCount())
		time.Sleep(2 * time.Millisecond)
	}

	// It stays registered in its failed state.
	err = device.MonitorInputEndpoint(1, func(any, []byte) error { return nil }, nil)
	testutil.Assert(t, errors.Is(err, ErrMonitorActive), "expected ErrMonitorActive, got %v", err)

	testutil.Ok(t, device.MonitorInputEndpoint(1, nil, nil))
}

func TestMonitorSecondRegistrationRejected(t *testing.T) {
	node := newFakeNode(testConfigDescriptor())
	device := newTestDevice(node, WithConfig(monitorTestConfig()))

	callback := func(any, []byte) error { return nil }
	testutil.Ok(t, device.MonitorInputEndpoint(1, callback, nil))
	defer device.MonitorInputEndpoint(1, nil, nil)

	err := device.MonitorInputEndpoint(1, callback, nil)
	testutil.Assert(t, errors.Is(err, ErrMonitorActive), "expected ErrMonitorActive, got %v", err)
}

func TestMonitorStopCancelsArmedRequest(t *testing.T) {
	node := newFakeNode(testConfigDescriptor())
	device := newTestDevice(node, WithConfig(monitorTestConfig()))

	testutil.Ok(t, device.MonitorInputEndpoint(1, func(any, []byte) error { return nil }, nil))
	node.waitPending(t, 0x81)

	testutil.Ok(t, device.MonitorInputEndpoint(1, nil, nil))
	testutil.Equals(t, 0, node.pendingCount())

	// A stopped endpoint accepts a fresh monitor.
	testutil.Ok(t, device.MonitorInputEndpoint(1, func(any, []byte) error { return nil }, nil))
	testutil.Ok(t, device.MonitorInputEndpoint(1, nil, nil))
}

func TestMonitorStoppedByCallbackError(t *testing.T) {
	node := newFakeNode(testConfigDescriptor())
	device := newTestDevice(node, WithConfig(monitorTestConfig()))

	boom := errors.New("display went away")
	testutil.Ok(t, device.MonitorInputEndpoint(1, func(any, []byte) error {
		return boom
	}, nil))
	defer device.MonitorInputEndpoint(1, nil, nil)

	req := node.waitPending(t, 0x81)
	node.complete(req, 0, []byte{0x01})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && device.MonitorError(1) == nil {
		time.Sleep(time.Millisecond)
	}
	testutil.Assert(t, errors.Is(device.MonitorError(1), boom),
		"expected callback error, got %v", device.MonitorError(1))

	deadline = time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		testutil.Equals(t, 0, node.pendingCount())
		time.Sleep(2 * time.Millisecond)
	}
}

func TestMonitorDeliveryNotGatedOnEndpointInterval(t *testing.T) {
	data := testConfigDescriptor()
	data[24] = 250 // input endpoint interval in ms
	node := newFakeNode(data)
	device := newTestDevice(node)

	delivered := make(chan []byte, 1)
	testutil.Ok(t, device.MonitorInputEndpoint(1, func(_ any, d []byte) error {
		copied := make([]byte, len(d))
		copy(copied, d)
		delivered <- copied
		return nil
	}, nil))
	defer device.MonitorInputEndpoint(1, nil, nil)

	// The reader parks in a blocking reap, so a completion reaches the
	// callback right away instead of waiting out the endpoint interval.
	req := node.waitPending(t, 0x81)
	start := time.Now()
	node.complete(req, 0, []byte{0x2a})
	select {
	case got := <-delivered:
		testutil.Equals(t, []byte{0x2a}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("input not delivered")
	}
	elapsed := time.Since(start)
	testutil.Assert(t, elapsed < 150*time.Millisecond,
		"delivery took %v with a 250ms endpoint interval", elapsed)
}

func TestMonitorBackoffSequence(t *testing.T) {
	data := testConfigDescriptor()
	data[24] = 20 // input endpoint interval in ms
	cfg := DefaultConfig()
	cfg.Monitor.IdleCeilingMS = 100
	node := newFakeNode(data)
	device := newTestDevice(node, WithConfig(cfg))

	delivered := make(chan []byte, 1)
	testutil.Ok(t, device.MonitorInputEndpoint(1, func(_ any, d []byte) error {
		copied := make([]byte, len(d))
		copy(copied, d)
		delivered <- copied
		return nil
	}, nil))
	defer device.MonitorInputEndpoint(1, nil, nil)

	// idleGap finishes the armed request empty and measures how long the
	// monitor holds off before rearming.
	idleGap := func() time.Duration {
		req := node.waitPending(t, 0x81)
		before := time.Now()
		node.complete(req, 0, nil)
		next := node.waitPending(t, 0x81)
		return node.submitTime(next).Sub(before)
	}

	// The delay doubles from the 20ms base and pins at the 100ms ceiling.
	gaps := make([]time.Duration, 4)
	for i := range gaps {
		gaps[i] = idleGap()
	}
	for i, want := range []time.Duration{
		40 * time.Millisecond,
		80 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
	} {
		testutil.Assert(t, gaps[i] >= want, "idle gap %d was %v, want at least %v", i, gaps[i], want)
		if i > 0 {
			testutil.Assert(t, gaps[i] >= gaps[i-1], "idle gap %d shrank: %v after %v", i, gaps[i], gaps[i-1])
		}
	}
	// Unbounded doubling would have waited 160ms and then 320ms here.
	testutil.Assert(t, gaps[2] < 160*time.Millisecond, "idle gap 2 was %v, ceiling not applied", gaps[2])
	testutil.Assert(t, gaps[3] < 160*time.Millisecond, "idle gap 3 was %v, ceiling not applied", gaps[3])

	// A data-bearing completion resets the delay to the base interval.
	req := node.waitPending(t, 0x81)
	node.complete(req, 0, []byte{0x01})
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("input not delivered")
	}
	gap := idleGap()
	testutil.Assert(t, gap >= 40*time.Millisecond, "gap after data was %v, want at least 40ms", gap)
	testutil.Assert(t, gap < 100*time.Millisecond, "gap after data was %v, backoff not reset", gap)
}
