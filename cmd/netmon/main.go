/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/simeonmiteff/netmon/internal/capture"
	"github.com/simeonmiteff/netmon/internal/decoder"
	"github.com/simeonmiteff/netmon/internal/exporter"
	"github.com/simeonmiteff/netmon/internal/locality"
	"github.com/simeonmiteff/netmon/internal/metrics"
	"github.com/simeonmiteff/netmon/internal/rateacc"
	"github.com/simeonmiteff/netmon/internal/tcploss"
)

const (
	rateInactivityThreshold = 300 * time.Second
	shutdownGrace           = time.Second
	sampleInterval          = time.Second
)

func main() {
	iface := flag.String("iface", "", "network interface to capture on (required)")
	port := flag.Int("port", 9273, "TCP port for the Prometheus scrape endpoint")
	bpfFilter := flag.String("filter", "tcp", "BPF expression installed on the capture source")
	defaultLevel := "info"
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		defaultLevel = v
	}
	logLevel := flag.String("log-level", defaultLevel, "logging verbosity: debug, info, warn, error (default from LOG_LEVEL)")
	flag.Parse()

	log := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	log.SetLevel(level)

	if *iface == "" {
		log.Fatal("-iface is required")
	}

	if v, err := kernel.GetKernelVersion(); err != nil {
		log.Warnf("could not determine kernel version: %v", err)
	} else {
		log.Infof("starting on kernel %d.%d.%d", v.Kernel, v.Major, v.Minor)
	}

	if err := run(log, *iface, *port, *bpfFilter); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(log *logrus.Logger, iface string, port int, bpfFilter string) error {
	localIP, netmask, err := resolveInterfaceAddress(iface)
	if err != nil {
		return fmt.Errorf("resolving address for interface %s: %w", iface, err)
	}
	classifier := locality.New(localIP, netmask)

	src, err := capture.OpenLive(capture.DefaultConfig(iface))
	if err != nil {
		return fmt.Errorf("opening capture on %s: %w", iface, err)
	}
	if err := src.SetFilter(bpfFilter); err != nil {
		return fmt.Errorf("installing BPF filter %q: %w", bpfFilter, err)
	}

	instanceID := xid.New().String()
	reg := metrics.New(prometheus.Labels{"instance": instanceID})
	rateAcc := rateacc.New(classifier, rateInactivityThreshold)
	reg.Registerer().MustRegister(metrics.NewRateCollector(rateAcc, prometheus.Labels{"instance": instanceID}))

	tracker := tcploss.New(func(e tcploss.Event) {
		switch e.Kind {
		case tcploss.EventGap:
			reg.LossMissing.Inc()
			reg.PacketLossGap.Observe(float64(e.Gap))
		case tcploss.EventDuplicate:
			reg.LossDuplicate.Inc()
		case tcploss.EventReorder:
			reg.LossOutOfOrder.Inc()
		}
	})

	httpServer := exporter.New(fmt.Sprintf(":%d", port), reg.Registerer(), func(err error) {
		log.Errorf("exporter: %v", err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	captureDone := make(chan struct{})
	go runCapture(ctx, log, src, classifier, rateAcc, tracker, reg, captureDone)

	samplerDone := make(chan struct{})
	go runSamplers(ctx, rateAcc, tracker, reg, samplerDone)

	exporterErr := make(chan error, 1)
	go func() {
		exporterErr <- httpServer.Start()
	}()

	log.Infof("serving metrics on :%d, capturing on %s (filter=%q)", port, iface, bpfFilter)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-exporterErr:
		if err != nil {
			log.Errorf("exporter stopped: %v", err)
		}
	}

	cancel()
	_ = src.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("exporter shutdown: %v", err)
	}

	<-captureDone
	<-samplerDone
	return nil
}

// runCapture runs on its own goroutine, blocking inside the capture
// primitive's read. It never does sampler or exporter work (spec.md §5).
func runCapture(ctx context.Context, log *logrus.Logger, src capture.CaptureSource, classifier *locality.Classifier, rateAcc *rateacc.Accumulator, tracker *tcploss.Tracker, reg *metrics.Registry, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, capture.ErrTimeout) {
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			log.Errorf("capture: permanent error, capture thread exiting: %v", err)
			return
		}

		rec, ok := decoder.Decode(frame.Data, frame.CapLen, frame.Timestamp)
		if !ok {
			continue
		}

		reg.TotalPackets.Inc()
		rateAcc.Observe(rec)

		if rec.TCP == nil {
			continue
		}
		reg.TCPPackets.Inc()
		if classifier.IsGlobalPair(rec.SrcIP, rec.DstIP) {
			reg.GlobalTCPPackets.Inc()
		}

		key := tcploss.Key(rec.SrcIP, rec.TCP.SrcPort, rec.DstIP, rec.TCP.DstPort)
		tracker.Observe(key, rec.TCP.Sequence, rec.TCP.Ack, rec.TCP.Window, rec.TCP.PayloadLength, rec.Timestamp)
	}
}

// runSamplers drives the 1 s rate and loss ticks on the cooperative side.
func runSamplers(ctx context.Context, rateAcc *rateacc.Accumulator, tracker *tcploss.Tracker, reg *metrics.Registry, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	var lastWindowShrink uint64

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			totalTx, totalRx := rateAcc.Tick(now)
			reg.TotalTxBytesRate.Set(totalTx)
			reg.TotalRxBytesRate.Set(totalRx)

			tracker.Sweep(now)
			stats := tracker.Stats()
			reg.ActiveConnections.Set(float64(stats.ActiveConnections))
			reg.CurrentWindowSize.Set(float64(stats.CurrentWindowSize))
			if stats.WindowShrink > lastWindowShrink {
				reg.WindowShrink.Add(float64(stats.WindowShrink - lastWindowShrink))
				lastWindowShrink = stats.WindowShrink
			}
		}
	}
}

// resolveInterfaceAddress finds iface's first IPv4 address and netmask via
// libpcap's device enumeration.
func resolveInterfaceAddress(iface string) (net.IP, net.IPMask, error) {
	ifaces, err := (capture.PcapEnumerator{}).Interfaces()
	if err != nil {
		return nil, nil, err
	}
	for _, i := range ifaces {
		if i.Name != iface {
			continue
		}
		if len(i.Addrs) == 0 {
			return nil, nil, fmt.Errorf("interface %s has no IPv4 address", iface)
		}
		return i.Addrs[0].IP, i.Addrs[0].Mask, nil
	}
	return nil, nil, fmt.Errorf("interface %s not found", iface)
}
