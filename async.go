package usb

import (
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// RequestHandle identifies an outstanding asynchronous request. Handles are
// never reused within a session.
type RequestHandle uint64

// request is one URB's worth of session state. It is created at submission,
// owned by the kernel until reaped, parked on its endpoint's completion queue
// afterwards, and released when consumed or cancelled.
type request struct {
	handle   RequestHandle
	endpoint uint8
	kind     uint8
	buffer   []byte
	actual   int
	status   int32
	context  any

	// Kernel view of the request. Allocated on first submission and reused
	// on the retry after a type relabel. Simulated nodes leave it nil.
	urb *usbdevfsURB
}

// Response is the outcome of one completed asynchronous request.
type Response struct {
	// Context is the caller's value from SubmitRequest, passed back opaquely.
	Context any
	// Buffer holds the transferred data. For input requests the first Count
	// bytes are valid.
	Buffer []byte
	// Size is the capacity that was requested.
	Size int
	// Count is the number of bytes transferred, or -1 when Err is set.
	Count int
	// Err reports a transfer that the kernel completed with an error status,
	// or input post-processing that rejected the data.
	Err error
}

func (d *Device) urbKind(ep *Endpoint) uint8 {
	switch ep.desc.Transfer() {
	case EndpointTransferControl:
		return USBDEVFS_URB_TYPE_CONTROL
	case EndpointTransferIsochronous:
		return USBDEVFS_URB_TYPE_ISO
	case EndpointTransferInterrupt:
		if d.config.Transfer.InterruptAsBulk {
			return USBDEVFS_URB_TYPE_BULK
		}
		return USBDEVFS_URB_TYPE_INTERRUPT
	default:
		return USBDEVFS_URB_TYPE_BULK
	}
}

// SubmitRequest queues an asynchronous transfer of length bytes on an
// endpoint and returns a handle for it. For output endpoints the payload is
// copied out of buffer; input requests pass a nil buffer.
//
// Interrupt endpoints are submitted as bulk URBs unless configured otherwise.
// Some kernels refuse the mislabeling with EINVAL, in which case the request
// is relabeled as a true interrupt URB and submitted once more.
func (d *Device) SubmitRequest(address uint8, buffer []byte, length int, context any) (RequestHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, err := d.openLocked()
	if err != nil {
		return 0, err
	}
	ep, err := d.endpointLocked(address)
	if err != nil {
		return 0, err
	}

	d.nextHandle++
	req := &request{
		handle:   d.nextHandle,
		endpoint: address,
		kind:     d.urbKind(ep),
		buffer:   make([]byte, length),
		context:  context,
	}
	if ep.desc.Direction() == EndpointDirectionOut {
		copy(req.buffer, buffer)
		d.logData("urb output", req.buffer)
	}

	for {
		d.logURB(req, "submitting")
		err := node.Submit(req)
		if err == nil {
			d.requests[req.handle] = req
			d.metrics.requestSubmitted()
			return req.handle, nil
		}
		if errors.Is(err, unix.EINVAL) &&
			ep.desc.Transfer() == EndpointTransferInterrupt &&
			req.kind == USBDEVFS_URB_TYPE_BULK {
			level.Debug(d.logger).Log("msg", "changing URB type from bulk to interrupt", "endpoint", hexByte(address))
			req.kind = USBDEVFS_URB_TYPE_INTERRUPT
			continue
		}
		return 0, errors.Wrapf(err, "submit urb %02X", address)
	}
}

// CancelRequest withdraws an outstanding request. The kernel is told to
// discard it, then completions are drained until the request surfaces, since
// a request that completed before the discard took effect is already on its
// way back. Cancelling a handle that is unknown, or was already consumed,
// reports ErrRequestNotFound.
func (d *Device) CancelRequest(handle RequestHandle) error {
	d.mu.Lock()
	req, ok := d.requests[handle]
	if !ok {
		d.mu.Unlock()
		return errors.Wrapf(ErrRequestNotFound, "handle %d", handle)
	}
	node := d.node
	if node == nil {
		// Session already closed; the fd took the kernel's side of the
		// queue with it and the completion will never arrive.
		delete(d.requests, handle)
		d.mu.Unlock()
		d.metrics.requestDropped()
		d.metrics.requestCancelled()
		return nil
	}
	ep, err := d.endpointLocked(req.endpoint)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	d.logURB(req, "cancelling")
	reap := true
	if err := node.Discard(req); err != nil {
		switch {
		case errors.Is(err, unix.ENODEV):
			// The device is gone and so is the kernel's side of the queue.
			reap = false
		case errors.Is(err, unix.EINVAL):
			// Already completed; the reap below will find it.
		default:
			level.Warn(d.logger).Log("msg", "urb discard failed", "endpoint", hexByte(req.endpoint), "err", err)
		}
	}

	for {
		d.mu.Lock()
		removed := ep.completed.remove(req)
		if removed {
			delete(d.requests, handle)
		}
		d.mu.Unlock()
		if removed {
			d.metrics.requestCancelled()
			return nil
		}
		if !reap {
			// No completion will ever surface for a dead device; drop the
			// handle here instead of stranding it in the request table.
			d.mu.Lock()
			delete(d.requests, handle)
			d.mu.Unlock()
			d.metrics.requestDropped()
			d.metrics.requestCancelled()
			return nil
		}
		if err := d.reapInto(node, false); err != nil {
			break
		}
	}
	return errors.Wrapf(ErrRequestNotFound, "cancel urb %02X handle %d", req.endpoint, handle)
}

// discardRequest tells the kernel to abandon a request without draining its
// completion, leaving the discarded URB for whoever is reaping the device.
func (d *Device) discardRequest(handle RequestHandle) {
	d.mu.Lock()
	req, ok := d.requests[handle]
	node := d.node
	d.mu.Unlock()
	if !ok || node == nil {
		return
	}
	if err := node.Discard(req); err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENODEV) {
		level.Warn(d.logger).Log("msg", "urb discard failed", "endpoint", hexByte(req.endpoint), "err", err)
	}
}

// ReapResponse consumes the oldest completion for an endpoint, collecting
// finished requests from the kernel as needed. With wait set it blocks until
// a completion for the endpoint arrives; otherwise an empty queue reports
// ErrWouldBlock. Completions for other endpoints encountered along the way
// are parked on their own queues, preserving per-endpoint ordering.
func (d *Device) ReapResponse(address uint8, wait bool) (*Response, error) {
	ep, err := d.endpoint(address)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	node, err := d.openLocked()
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for {
		d.mu.Lock()
		req, ok := ep.completed.dequeue()
		if ok {
			delete(d.requests, req.handle)
			d.mu.Unlock()
			return d.finishRequest(ep, req), nil
		}
		if d.reapBusy {
			// Someone else is in the kernel; it parks whatever it
			// collects on the right queue and wakes us.
			if !wait {
				d.mu.Unlock()
				return nil, errors.Wrapf(ErrWouldBlock, "endpoint %02X", address)
			}
			d.reapWake.Wait()
			d.mu.Unlock()
			continue
		}
		d.reapBusy = true
		d.mu.Unlock()

		err := d.reapInto(node, wait)

		d.mu.Lock()
		d.reapBusy = false
		d.reapWake.Broadcast()
		d.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
}

// reapInto collects one completed request from the kernel and parks it on
// its endpoint's completion queue.
func (d *Device) reapInto(node usbfsNode, wait bool) error {
	req, err := node.Reap(wait)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) && !wait {
			return ErrWouldBlock
		}
		return errors.Wrap(err, "reap urb")
	}
	d.logURB(req, "reaped")
	d.metrics.requestReaped()

	d.mu.Lock()
	defer d.mu.Unlock()
	ep, err := d.endpointLocked(req.endpoint)
	if err != nil {
		return err
	}
	ep.completed.enqueue(req)
	d.reapWake.Broadcast()
	return nil
}

// collectRequest drains available completions and looks for one specific
// request on an endpoint's queue.
func (d *Device) collectRequest(ep *Endpoint, handle RequestHandle) (*request, bool) {
	d.mu.Lock()
	node := d.node
	d.mu.Unlock()
	if node != nil {
		for d.reapInto(node, false) == nil {
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.requests[handle]
	if !ok || !ep.completed.remove(req) {
		return nil, false
	}
	delete(d.requests, handle)
	return req, true
}

// finishRequest turns a consumed request into its Response, running input
// data through the endpoint's filters.
func (d *Device) finishRequest(ep *Endpoint, req *request) *Response {
	resp := &Response{
		Context: req.context,
		Buffer:  req.buffer,
		Size:    len(req.buffer),
		Count:   req.actual,
	}
	if req.status != 0 {
		resp.Count = -1
		resp.Err = errors.Wrapf(statusErrno(req.status), "urb %02X", req.endpoint)
		return resp
	}
	if ep.desc.Direction() == EndpointDirectionIn {
		d.logData("urb input", req.buffer[:req.actual])
		filtered, err := ep.applyInputFilters(req.buffer[:req.actual])
		if err != nil {
			resp.Count = -1
			resp.Err = errors.Wrapf(unix.EIO, "input filter: %v", err)
			return resp
		}
		resp.Count = copy(resp.Buffer, filtered)
	}
	return resp
}

func (d *Device) logURB(req *request, action string) {
	level.Debug(d.logger).Log(
		"msg", "urb "+action,
		"handle", req.handle,
		"endpoint", hexByte(req.endpoint),
		"type", urbTypeName(req.kind),
		"size", len(req.buffer),
		"count", req.actual,
		"status", req.status,
	)
}

func urbTypeName(kind uint8) string {
	switch kind {
	case USBDEVFS_URB_TYPE_ISO:
		return "isochronous"
	case USBDEVFS_URB_TYPE_INTERRUPT:
		return "interrupt"
	case USBDEVFS_URB_TYPE_CONTROL:
		return "control"
	case USBDEVFS_URB_TYPE_BULK:
		return "bulk"
	default:
		return "unknown"
	}
}
