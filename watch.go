package usb

import (
	"context"
	"os"
	"path/filepath"

	"github.com/efficientgo/core/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log/level"
)

// HotplugEventType distinguishes device arrival from removal.
type HotplugEventType int

const (
	HotplugAttach HotplugEventType = iota
	HotplugDetach
)

func (t HotplugEventType) String() string {
	if t == HotplugAttach {
		return "attach"
	}
	return "detach"
}

// HotplugEvent reports one device node appearing or disappearing under the
// usbfs root.
type HotplugEvent struct {
	Type HotplugEventType
	Path string
}

// Watch reports hotplug events under the usbfs root until the context is
// cancelled. The catalog is not touched; a caller reacting to an event
// decides when to Forget and rescan.
func (r *Registry) Watch(ctx context.Context) (<-chan HotplugEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}

	if err := watcher.Add(r.rootPath); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watch %s", r.rootPath)
	}
	entries, err := os.ReadDir(r.rootPath)
	if err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "read %s", r.rootPath)
	}
	for _, entry := range entries {
		if entry.IsDir() && isNumericName(entry.Name()) {
			if err := watcher.Add(filepath.Join(r.rootPath, entry.Name())); err != nil {
				level.Warn(r.opts.logger).Log("msg", "bus watch failed", "bus", entry.Name(), "err", err)
			}
		}
	}

	events := make(chan HotplugEvent, 16)
	go r.pumpWatcher(ctx, watcher, events)
	return events, nil
}

func (r *Registry) pumpWatcher(ctx context.Context, watcher *fsnotify.Watcher, events chan<- HotplugEvent) {
	defer close(events)
	defer watcher.Close()
	logger := r.opts.logger

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !isNumericName(name) {
				continue
			}

			switch {
			case event.Op.Has(fsnotify.Create):
				// A new bus directory needs its own watch; a new device
				// node is an attachment.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						level.Warn(logger).Log("msg", "bus watch failed", "bus", name, "err", err)
					}
					continue
				}
				r.emit(ctx, events, HotplugEvent{Type: HotplugAttach, Path: event.Name})

			case event.Op.Has(fsnotify.Remove):
				r.emit(ctx, events, HotplugEvent{Type: HotplugDetach, Path: event.Name})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			level.Warn(logger).Log("msg", "watch error", "err", err)
		}
	}
}

func (r *Registry) emit(ctx context.Context, events chan<- HotplugEvent, event HotplugEvent) {
	level.Debug(r.opts.logger).Log("msg", "hotplug event", "type", event.Type, "path", event.Path)
	select {
	case events <- event:
	case <-ctx.Done():
	}
}
