// usbmon attaches to a device, monitors one of its input endpoints, and
// prints everything the device sends. It is the transport's smoke-test tool:
// point it at a braille display's input endpoint and press keys.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	usb "github.com/slohmaier/brltty"
)

func main() {
	var (
		configPath  = pflag.String("config", "", "TOML configuration file")
		deviceID    = pflag.StringP("device", "d", "", "device to open as vendor:product (hex, e.g. 0921:1200)")
		endpoint    = pflag.Uint8P("endpoint", "e", 1, "input endpoint number to monitor")
		iface       = pflag.Uint8P("interface", "i", 0, "interface to claim")
		metricsAddr = pflag.String("metrics-addr", "", "expose Prometheus metrics on this address")
		debug       = pflag.Bool("debug", false, "enable debug logging")
	)
	pflag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	if err := realMain(logger, *configPath, *deviceID, *endpoint, *iface, *metricsAddr); err != nil {
		level.Error(logger).Log("msg", "exiting", "err", err)
		os.Exit(1)
	}
}

func realMain(logger log.Logger, configPath, deviceID string, endpoint, iface uint8, metricsAddr string) error {
	vendor, product, err := parseDeviceID(deviceID)
	if err != nil {
		return err
	}

	cfg := usb.DefaultConfig()
	if configPath != "" {
		if cfg, err = usb.LoadConfig(configPath); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	metrics := usb.NewMetrics(registry)

	usbRegistry, err := usb.NewRegistry(
		usb.WithLogger(logger),
		usb.WithConfig(cfg),
		usb.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	device, err := usbRegistry.FindDevice(func(d *usb.Device) bool {
		desc := d.Descriptor()
		return desc.VendorID == vendor && desc.ProductID == product
	})
	if err != nil {
		return err
	}
	defer device.Close()
	level.Info(logger).Log("msg", "device opened", "path", device.Path(),
		"name", usb.ProductName(vendor, product))

	if err := device.DisableAutosuspend(); err != nil {
		level.Warn(logger).Log("msg", "autosuspend not disabled", "err", err)
	}
	if err := device.ClaimInterface(iface); err != nil {
		return err
	}

	err = device.MonitorInputEndpoint(endpoint, func(_ any, data []byte) error {
		fmt.Printf("%s\n", hex.EncodeToString(data))
		return nil
	}, nil)
	if err != nil {
		return err
	}

	var group run.Group
	group.Add(run.SignalHandler(context.Background(), os.Interrupt))

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		group.Add(func() error {
			level.Info(logger).Log("msg", "serving metrics", "addr", metricsAddr)
			return server.ListenAndServe()
		}, func(error) {
			server.Close()
		})
	}

	// React to the device going away by shutting down.
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	events, err := usbRegistry.Watch(watchCtx)
	if err != nil {
		cancelWatch()
		return err
	}
	group.Add(func() error {
		for event := range events {
			if event.Type == usb.HotplugDetach && event.Path == device.Path() {
				return fmt.Errorf("device detached: %s", event.Path)
			}
		}
		return nil
	}, func(error) {
		cancelWatch()
	})

	err = group.Run()
	if _, ok := err.(run.SignalError); ok {
		level.Info(logger).Log("msg", "interrupted")
		return nil
	}
	return err
}

func parseDeviceID(s string) (uint16, uint16, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("device must be vendor:product, got %q", s)
	}
	vendor, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vendor %q: %v", parts[0], err)
	}
	product, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid product %q: %v", parts[1], err)
	}
	return uint16(vendor), uint16(product), nil
}
