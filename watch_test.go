package usb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/efficientgo/core/testutil"
)

func newWatchRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	testutil.Ok(t, os.MkdirAll(filepath.Join(root, "001"), 0o755))
	return &Registry{
		opts:      makeOptions(nil),
		rootPath:  root,
		sysfsRoot: t.TempDir(),
		devfs:     os.DirFS(root),
	}
}

func awaitEvent(t *testing.T, events <-chan HotplugEvent) HotplugEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		testutil.Assert(t, ok, "event channel closed")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("no hotplug event")
		return HotplugEvent{}
	}
}

func TestWatchReportsAttachAndDetach(t *testing.T) {
	registry := newWatchRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := registry.Watch(ctx)
	testutil.Ok(t, err)

	node := filepath.Join(registry.rootPath, "001", "002")
	testutil.Ok(t, os.WriteFile(node, []byte{}, 0o644))
	event := awaitEvent(t, events)
	testutil.Equals(t, HotplugAttach, event.Type)
	testutil.Equals(t, node, event.Path)

	testutil.Ok(t, os.Remove(node))
	event = awaitEvent(t, events)
	testutil.Equals(t, HotplugDetach, event.Type)
	testutil.Equals(t, node, event.Path)
}

func TestWatchFollowsNewBusDirectories(t *testing.T) {
	registry := newWatchRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := registry.Watch(ctx)
	testutil.Ok(t, err)

	bus := filepath.Join(registry.rootPath, "002")
	testutil.Ok(t, os.Mkdir(bus, 0o755))

	// Give the watcher a moment to pick up the new directory before a
	// device appears in it.
	time.Sleep(100 * time.Millisecond)

	node := filepath.Join(bus, "001")
	testutil.Ok(t, os.WriteFile(node, []byte{}, 0o644))
	event := awaitEvent(t, events)
	testutil.Equals(t, HotplugAttach, event.Type)
	testutil.Equals(t, node, event.Path)
}

func TestWatchIgnoresNonNumericNames(t *testing.T) {
	registry := newWatchRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := registry.Watch(ctx)
	testutil.Ok(t, err)

	testutil.Ok(t, os.WriteFile(filepath.Join(registry.rootPath, "001", "ep_81"), []byte{}, 0o644))
	node := filepath.Join(registry.rootPath, "001", "002")
	testutil.Ok(t, os.WriteFile(node, []byte{}, 0o644))

	// The numeric node arrives; the endpoint file never surfaces.
	event := awaitEvent(t, events)
	testutil.Equals(t, node, event.Path)
}

func TestWatchClosesOnCancel(t *testing.T) {
	registry := newWatchRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, err := registry.Watch(ctx)
	testutil.Ok(t, err)
	cancel()

	select {
	case _, ok := <-events:
		testutil.Assert(t, !ok, "expected channel close")
	case <-time.After(5 * time.Second):
		t.Fatal("event channel not closed")
	}
}
