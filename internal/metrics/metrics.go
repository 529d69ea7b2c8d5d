// Package metrics exposes Prometheus instrumentation for scans, sessions and
// reconciliation.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HostScans counts finished host scans by resulting check status.
	HostScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetscan_host_scans_total",
		Help: "Total number of host scans by resulting check status",
	}, []string{"status"})

	// HostScanDuration tracks end-to-end duration of one host scan.
	HostScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetscan_host_scan_duration_seconds",
		Help:    "Duration of a single host scan including reconciliation",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// ActiveSessions tracks remote sessions currently open.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetscan_active_sessions",
		Help: "Number of remote sessions currently open",
	})

	// SessionOpenFailures counts failed session opens.
	SessionOpenFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetscan_session_open_failures_total",
		Help: "Total number of remote session open failures",
	})

	// ScriptErrors counts per-script collection errors by kind.
	ScriptErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetscan_script_errors_total",
		Help: "Total number of script errors by script and kind",
	}, []string{"script", "kind"}) // kind: transport, command, parse

	// ReconcileOps counts reconciliation operations applied.
	ReconcileOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetscan_reconcile_operations_total",
		Help: "Total number of reconciliation operations by category and operation",
	}, []string{"category", "op"}) // op: insert, restore, update, remove

	// Tasks counts finalized scan tasks by status.
	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetscan_tasks_total",
		Help: "Total number of finalized scan tasks by status",
	}, []string{"status"})

	// InFlightHosts tracks hosts currently admitted into a scan.
	InFlightHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetscan_in_flight_hosts",
		Help: "Number of hosts currently being scanned",
	})
)

// HostCounter is the subset of storage needed to report inventory size.
type HostCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// inventoryCollector queries storage on each scrape and reports hosts by
// check status.
type inventoryCollector struct {
	hosts     HostCounter
	hostsDesc *prometheus.Desc
}

func (c *inventoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hostsDesc
}

func (c *inventoryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.hosts.CountByStatus(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.hostsDesc, err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.hostsDesc, prometheus.GaugeValue, float64(n), status)
	}
}

// NewInventoryCollector builds the hosts-by-status collector.
func NewInventoryCollector(hosts HostCounter) prometheus.Collector {
	return &inventoryCollector{
		hosts: hosts,
		hostsDesc: prometheus.NewDesc(
			"fleetscan_hosts",
			"Number of inventoried hosts, partitioned by check status.",
			[]string{"status"},
			nil,
		),
	}
}

// RegisterInventory registers the inventory collector with the default registry.
// Call once at startup after storage is opened.
func RegisterInventory(hosts HostCounter) error {
	return prometheus.Register(NewInventoryCollector(hosts))
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
