// Package metrics owns the process's Prometheus registry and metric
// definitions. The registry is a handle passed at construction, never a
// package-level global, per spec.md §9's critique of ambient registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/simeonmiteff/netmon/internal/rateacc"
)

// Registry holds every metric the scrape exporter serves.
type Registry struct {
	reg *prometheus.Registry

	TotalTxBytesRate  prometheus.Gauge
	TotalRxBytesRate  prometheus.Gauge
	CurrentWindowSize prometheus.Gauge
	ActiveConnections prometheus.Gauge

	TotalPackets     prometheus.Counter
	TCPPackets       prometheus.Counter
	GlobalTCPPackets prometheus.Counter

	LossMissing    prometheus.Counter
	LossDuplicate  prometheus.Counter
	LossOutOfOrder prometheus.Counter
	WindowShrink   prometheus.Counter

	PacketLossGap prometheus.Histogram
}

// New builds a Registry. constLabels is attached to every metric it
// registers — cmd/netmon uses it to carry a per-process instance label.
func New(constLabels prometheus.Labels) *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		TotalTxBytesRate: f.NewGauge(prometheus.GaugeOpts{
			Name:        "total_tx_bytes_rate",
			Help:        "Aggregate outbound byte rate across all tracked local IPs.",
			ConstLabels: constLabels,
		}),
		TotalRxBytesRate: f.NewGauge(prometheus.GaugeOpts{
			Name:        "total_rx_bytes_rate",
			Help:        "Aggregate inbound byte rate across all tracked local IPs.",
			ConstLabels: constLabels,
		}),
		CurrentWindowSize: f.NewGauge(prometheus.GaugeOpts{
			Name:        "current_window_size",
			Help:        "Most recently observed TCP receive window (pre-scale).",
			ConstLabels: constLabels,
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name:        "tcp_monitor_active_connections",
			Help:        "Number of TCP flows currently tracked.",
			ConstLabels: constLabels,
		}),
		TotalPackets: f.NewCounter(prometheus.CounterOpts{
			Name:        "tcp_monitor_total_packets",
			Help:        "Total decoded frames of any protocol.",
			ConstLabels: constLabels,
		}),
		TCPPackets: f.NewCounter(prometheus.CounterOpts{
			Name:        "tcp_monitor_tcp_packets",
			Help:        "Total decoded TCP-over-IPv4 segments.",
			ConstLabels: constLabels,
		}),
		GlobalTCPPackets: f.NewCounter(prometheus.CounterOpts{
			Name:        "tcp_monitor_global_tcp_packets",
			Help:        "TCP segments exchanged between two non-local endpoints.",
			ConstLabels: constLabels,
		}),
		LossMissing: f.NewCounter(prometheus.CounterOpts{
			Name:        "tcp_monitor_packet_loss_missing",
			Help:        "Segments classified as a sequence gap (probable loss).",
			ConstLabels: constLabels,
		}),
		LossDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name:        "tcp_monitor_packet_loss_duplicate",
			Help:        "Segments classified as an exact duplicate.",
			ConstLabels: constLabels,
		}),
		LossOutOfOrder: f.NewCounter(prometheus.CounterOpts{
			Name:        "tcp_monitor_packet_loss_out_of_order",
			Help:        "Segments classified as reordered (backfilled).",
			ConstLabels: constLabels,
		}),
		WindowShrink: f.NewCounter(prometheus.CounterOpts{
			Name:        "tcp_monitor_window_shrink",
			Help:        "Count of receive-window shrinks exceeding the 30% threshold.",
			ConstLabels: constLabels,
		}),
		PacketLossGap: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "tcp_monitor_packet_loss_gap",
			Help:        "Distribution of gap sizes (bytes) observed on sequence gaps.",
			Buckets:     []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
			ConstLabels: constLabels,
		}),
	}
}

// Registerer exposes the underlying registry so collectors built outside this
// package (RateCollector, promhttp's handler) can attach to it.
func (r *Registry) Registerer() *prometheus.Registry {
	return r.reg
}

// RateCollector adapts a *rateacc.Accumulator's dynamically-keyed per-IP
// rates into Prometheus metrics on demand, at scrape time — a plain
// promauto.GaugeVec can't evict a label set cleanly, so this is a
// hand-written Describe/Collect over the accumulator's locked map of live,
// changing label sets.
type RateCollector struct {
	acc    *rateacc.Accumulator
	txDesc *prometheus.Desc
	rxDesc *prometheus.Desc
}

// NewRateCollector builds a collector over acc. Register it with
// Registry.Registerer().MustRegister.
func NewRateCollector(acc *rateacc.Accumulator, constLabels prometheus.Labels) *RateCollector {
	return &RateCollector{
		acc: acc,
		txDesc: prometheus.NewDesc(
			"local_ip_tx_bytes_rate",
			"Outbound byte rate for one local IP.",
			[]string{"local_ip"},
			constLabels,
		),
		rxDesc: prometheus.NewDesc(
			"local_ip_rx_bytes_rate",
			"Inbound byte rate for one local IP.",
			[]string{"local_ip"},
			constLabels,
		),
	}
}

func (c *RateCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.txDesc
	descs <- c.rxDesc
}

func (c *RateCollector) Collect(metrics chan<- prometheus.Metric) {
	for ip, rate := range c.acc.Snapshot() {
		metrics <- prometheus.MustNewConstMetric(c.txDesc, prometheus.GaugeValue, rate.TxBps, ip)
		metrics <- prometheus.MustNewConstMetric(c.rxDesc, prometheus.GaugeValue, rate.RxBps, ip)
	}
}
