package usb

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fakeNode simulates the kernel side of a usbfs node: submitted requests sit
// on a pending list until the test completes or discards them, after which
// they become reapable.
type fakeNode struct {
	mu   sync.Mutex
	cond *sync.Cond

	config []byte

	pending   []*request
	completed []*request
	closed    bool

	submitErrs  []error
	submitKinds []uint8
	submitTimes map[*request]time.Time
	discardErr  error

	claimErrs   []error
	claims      []uint8
	driver      string
	driverErr   error
	disconnects []uint8
	releases    []uint8
	releaseErr  error

	bulk func(endpoint uint8, data []byte) (int, error)
}

func newFakeNode(config []byte) *fakeNode {
	f := &fakeNode{config: config}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeNode) Control(setup SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if setup.Request == USB_REQ_GET_DESCRIPTOR && setup.Value>>8 == USB_DT_CONFIG {
		src := f.config
		if int(setup.Length) < len(src) {
			src = src[:setup.Length]
		}
		return copy(data, src), nil
	}
	return 0, nil
}

func (f *fakeNode) Bulk(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	if f.bulk == nil {
		return 0, unix.ENOSYS
	}
	return f.bulk(endpoint, data)
}

func (f *fakeNode) SetConfiguration(value uint8) error           { return nil }
func (f *fakeNode) SetInterface(number, alternative uint8) error { return nil }
func (f *fakeNode) ClearHalt(address uint8) error                { return nil }

func (f *fakeNode) ClaimInterface(number uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, number)
	if len(f.claimErrs) > 0 {
		err := f.claimErrs[0]
		f.claimErrs = f.claimErrs[1:]
		return err
	}
	return nil
}

func (f *fakeNode) ReleaseInterface(number uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, number)
	return f.releaseErr
}

func (f *fakeNode) DriverName(number uint8) (string, error) {
	return f.driver, f.driverErr
}

func (f *fakeNode) DisconnectDriver(number uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, number)
	return nil
}

func (f *fakeNode) Submit(req *request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitKinds = append(f.submitKinds, req.kind)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	if f.submitTimes == nil {
		f.submitTimes = make(map[*request]time.Time)
	}
	f.submitTimes[req] = time.Now()
	f.pending = append(f.pending, req)
	return nil
}

func (f *fakeNode) Discard(req *request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discardErr != nil {
		return f.discardErr
	}
	for i, pending := range f.pending {
		if pending == req {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			req.status = -int32(unix.ENOENT)
			req.actual = 0
			f.completed = append(f.completed, req)
			f.cond.Broadcast()
			return nil
		}
	}
	return unix.EINVAL
}

func (f *fakeNode) Reap(wait bool) (*request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for wait && len(f.completed) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.completed) == 0 {
		if f.closed {
			return nil, unix.ENODEV
		}
		return nil, unix.EAGAIN
	}
	req := f.completed[0]
	f.completed = f.completed[1:]
	return req, nil
}

func (f *fakeNode) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

// complete finishes one submitted request with data, making it reapable.
func (f *fakeNode) complete(req *request, status int32, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, pending := range f.pending {
		if pending == req {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			req.status = status
			req.actual = copy(req.buffer, data)
			f.completed = append(f.completed, req)
			f.cond.Broadcast()
			return true
		}
	}
	return false
}

// completeNext finishes the oldest submitted request.
func (f *fakeNode) completeNext(status int32, data []byte) bool {
	f.mu.Lock()
	var req *request
	if len(f.pending) > 0 {
		req = f.pending[0]
	}
	f.mu.Unlock()
	if req == nil {
		return false
	}
	return f.complete(req, status, data)
}

// waitPending waits for a request to be armed on an endpoint.
func (f *fakeNode) waitPending(t *testing.T, endpoint uint8) *request {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, req := range f.pending {
			if req.endpoint == endpoint {
				f.mu.Unlock()
				return req
			}
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no request armed on endpoint %02X", endpoint)
	return nil
}

// submitTime reports when a request was handed to the node.
func (f *fakeNode) submitTime(req *request) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitTimes[req]
}

func (f *fakeNode) pendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// testConfigDescriptor builds a single-interface configuration with an
// interrupt input endpoint 0x81, a bulk output endpoint 0x02, and a bulk
// input endpoint 0x83.
func testConfigDescriptor() []byte {
	data := []byte{
		// configuration
		9, USB_DT_CONFIG, 0, 0, 1, 1, 0, 0x80, 50,
		// interface 0 alt 0
		9, USB_DT_INTERFACE, 0, 0, 3, 0, 0, 0, 0,
		// interrupt in, 8 bytes, interval 10
		7, USB_DT_ENDPOINT, 0x81, 0x03, 8, 0, 10,
		// bulk out, 64 bytes
		7, USB_DT_ENDPOINT, 0x02, 0x02, 64, 0, 0,
		// bulk in, 64 bytes
		7, USB_DT_ENDPOINT, 0x83, 0x02, 64, 0, 0,
	}
	data[2] = byte(len(data))
	data[3] = byte(len(data) >> 8)
	return data
}

func newTestDevice(node usbfsNode, opts ...Option) *Device {
	host := &HostDevice{UsbfsPath: "/dev/bus/usb/001/002"}
	return newDevice(host, makeOptions(opts), func(string) (usbfsNode, error) {
		return node, nil
	})
}
