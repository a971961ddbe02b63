package usb

import (
	"testing"

	"github.com/efficientgo/core/testutil"
)

func TestFifo(t *testing.T) {
	var q fifo[*request]
	a, b, c := &request{handle: 1}, &request{handle: 2}, &request{handle: 3}

	q.enqueue(a)
	q.enqueue(b)
	q.enqueue(c)
	testutil.Equals(t, 3, q.len())

	// Removal by identity from the middle preserves order.
	testutil.Assert(t, q.remove(b), "remove failed")
	testutil.Assert(t, !q.remove(b), "second remove should fail")

	got, ok := q.dequeue()
	testutil.Assert(t, ok, "dequeue failed")
	testutil.Equals(t, a, got)
	got, ok = q.dequeue()
	testutil.Assert(t, ok, "dequeue failed")
	testutil.Equals(t, c, got)

	_, ok = q.dequeue()
	testutil.Assert(t, !ok, "queue should be empty")
}

func TestInputFilterChainOrder(t *testing.T) {
	ep := newEndpoint(nil, EndpointDescriptor{Address: 0x81, Attributes: 0x03})
	ep.addInputFilter(func(data []byte) ([]byte, error) {
		return append(data, 'a'), nil
	})
	ep.addInputFilter(func(data []byte) ([]byte, error) {
		return append(data, 'b'), nil
	})

	out, err := ep.applyInputFilters([]byte{'x'})
	testutil.Ok(t, err)
	testutil.Equals(t, []byte("xab"), out)
}
