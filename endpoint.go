package usb

import "sync"

// InputFilter rewrites data arriving on an input endpoint. A filter may
// modify the data in place, return a shorter view of it, or reject it with
// an error.
type InputFilter func(data []byte) ([]byte, error)

// Endpoint is the per-endpoint session state: the completion queue for
// asynchronous requests, the input filter chain, and the background monitor
// if one is running.
type Endpoint struct {
	device *Device
	desc   EndpointDescriptor

	// completed holds reaped requests awaiting consumption, oldest first.
	// Guarded by device.mu.
	completed fifo[*request]

	filterMu sync.Mutex
	filters  []InputFilter

	monitorMu sync.Mutex
	monitor   *inputMonitor
}

func newEndpoint(d *Device, desc EndpointDescriptor) *Endpoint {
	return &Endpoint{device: d, desc: desc}
}

// Descriptor returns the endpoint's descriptor from the active
// configuration.
func (ep *Endpoint) Descriptor() EndpointDescriptor {
	return ep.desc
}

func (ep *Endpoint) addInputFilter(filter InputFilter) {
	ep.filterMu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.filterMu.Unlock()
}

func (ep *Endpoint) applyInputFilters(data []byte) ([]byte, error) {
	ep.filterMu.Lock()
	filters := make([]InputFilter, len(ep.filters))
	copy(filters, ep.filters)
	ep.filterMu.Unlock()

	var err error
	for _, filter := range filters {
		if data, err = filter(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// teardown stops the endpoint's monitor and abandons queued completions.
func (ep *Endpoint) teardown() {
	ep.monitorMu.Lock()
	mon := ep.monitor
	ep.monitor = nil
	ep.monitorMu.Unlock()
	if mon != nil {
		mon.stop()
	}

	d := ep.device
	d.mu.Lock()
	for {
		req, ok := ep.completed.dequeue()
		if !ok {
			break
		}
		delete(d.requests, req.handle)
	}
	d.mu.Unlock()
}

// AddInputFilter appends a filter to an input endpoint's chain. Filters run
// in registration order on every read and every reaped input response.
func (d *Device) AddInputFilter(number uint8, filter InputFilter) error {
	ep, err := d.inputEndpoint(number)
	if err != nil {
		return err
	}
	ep.addInputFilter(filter)
	return nil
}

// fifo is a minimal ordered queue with removal by identity.
type fifo[T comparable] struct {
	items []T
}

func (q *fifo[T]) enqueue(item T) {
	q.items = append(q.items, item)
}

func (q *fifo[T]) dequeue() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *fifo[T]) remove(item T) bool {
	for i, candidate := range q.items {
		if candidate == item {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fifo[T]) len() int {
	return len(q.items)
}
