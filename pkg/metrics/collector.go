package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus metrics collector
type Collector struct {
	// GetRouteCounts reports configured routes per listen address.
	GetRouteCounts func() map[string]int

	// Info metric (always 1)
	serverInfo *prometheus.Desc

	// Routing metrics
	routesConfigured *prometheus.Desc

	// Connection metrics
	connectionsTotal        *prometheus.Desc
	connectionsActive       *prometheus.Desc
	connectionsFailed       *prometheus.Desc
	connectionsBytesTx      *prometheus.Desc
	connectionsBytesRx      *prometheus.Desc
	connectionDurationSum   *prometheus.Desc
	connectionDurationCount *prometheus.Desc

	// Error metrics (low cardinality: listen + reason)
	proxyErrorsTotal *prometheus.Desc

	// Metrics counters (protected by mutex)
	metricsLock            sync.RWMutex
	connectionsCount       map[string]float64
	connectionsFailedCount map[string]float64
	connectionsBytesTxMap  map[string]float64
	connectionsBytesRxMap  map[string]float64
	durationSum            map[string]float64
	durationCount          map[string]float64
	connectionsActiveByKey map[string]float64
	proxyErrorsByKey       map[string]float64
}

// NewCollector creates a new metrics collector
func NewCollector(getRouteCounts func() map[string]int) *Collector {
	return &Collector{
		GetRouteCounts: getRouteCounts,
		serverInfo: prometheus.NewDesc(
			"craft_proxy_server_info",
			"Proxy process info metric (always 1)",
			[]string{"instance"},
			nil,
		),
		routesConfigured: prometheus.NewDesc(
			"craft_proxy_routes_configured",
			"Number of configured routes per listen address",
			[]string{"listen"},
			nil,
		),
		connectionsTotal: prometheus.NewDesc(
			"craft_proxy_connections_total",
			"Total proxied connections per listen address and routed hostname",
			[]string{"listen", "hostname"},
			nil,
		),
		connectionsActive: prometheus.NewDesc(
			"craft_proxy_connections_active",
			"Currently relaying connections per listen address and routed hostname",
			[]string{"listen", "hostname"},
			nil,
		),
		connectionsFailed: prometheus.NewDesc(
			"craft_proxy_connections_failed_total",
			"Connections that ended with a relay error per listen address and routed hostname",
			[]string{"listen", "hostname"},
			nil,
		),
		connectionsBytesTx: prometheus.NewDesc(
			"craft_proxy_connections_bytes_tx_total",
			"Bytes relayed client to backend",
			[]string{"listen", "hostname"},
			nil,
		),
		connectionsBytesRx: prometheus.NewDesc(
			"craft_proxy_connections_bytes_rx_total",
			"Bytes relayed backend to client",
			[]string{"listen", "hostname"},
			nil,
		),
		connectionDurationSum: prometheus.NewDesc(
			"craft_proxy_connection_duration_seconds_sum",
			"Sum of proxied connection lifetimes in seconds",
			[]string{"listen", "hostname"},
			nil,
		),
		connectionDurationCount: prometheus.NewDesc(
			"craft_proxy_connection_duration_seconds_count",
			"Count of finished proxied connections",
			[]string{"listen", "hostname"},
			nil,
		),
		proxyErrorsTotal: prometheus.NewDesc(
			"craft_proxy_errors_total",
			"Connections terminated abnormally, by reason (protocol_error, handshake_timeout, handshake_eof, no_route, backend_dial_error, relay_io_error)",
			[]string{"listen", "reason"},
			nil,
		),
		connectionsCount:       make(map[string]float64),
		connectionsFailedCount: make(map[string]float64),
		connectionsBytesTxMap:  make(map[string]float64),
		connectionsBytesRxMap:  make(map[string]float64),
		durationSum:            make(map[string]float64),
		durationCount:          make(map[string]float64),
		connectionsActiveByKey: make(map[string]float64),
		proxyErrorsByKey:       make(map[string]float64),
	}
}

// Keys carry the listen address, which itself contains ':', so a separator
// that cannot appear in either part is used.
const keySep = "|"

func key(listen, second string) string {
	return listen + keySep + second
}

func splitKey(k string) (string, string, bool) {
	parts := strings.SplitN(k, keySep, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// IncActiveConnection increments active connections for a route
func (c *Collector) IncActiveConnection(listen, hostname string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.connectionsActiveByKey[key(listen, hostname)]++
}

// DecActiveConnection decrements active connections for a route
func (c *Collector) DecActiveConnection(listen, hostname string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	k := key(listen, hostname)
	if c.connectionsActiveByKey[k] > 0 {
		c.connectionsActiveByKey[k]--
	}
}

// RecordProxyError counts a connection terminated before relay
func (c *Collector) RecordProxyError(listen, reason string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.proxyErrorsByKey[key(listen, reason)]++
}

// UpdateConnectionMetrics records the outcome of one relayed connection
func (c *Collector) UpdateConnectionMetrics(listen, hostname string, success bool, bytesTx, bytesRx int64, duration time.Duration) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()

	k := key(listen, hostname)
	c.connectionsCount[k]++
	if !success {
		c.connectionsFailedCount[k]++
	}
	c.connectionsBytesTxMap[k] += float64(bytesTx)
	c.connectionsBytesRxMap[k] += float64(bytesRx)
	c.durationSum[k] += duration.Seconds()
	c.durationCount[k]++
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serverInfo
	ch <- c.routesConfigured
	ch <- c.connectionsTotal
	ch <- c.connectionsActive
	ch <- c.connectionsFailed
	ch <- c.connectionsBytesTx
	ch <- c.connectionsBytesRx
	ch <- c.connectionDurationSum
	ch <- c.connectionDurationCount
	ch <- c.proxyErrorsTotal
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	instance := os.Getenv("PROXY_ID")
	if instance == "" {
		instance, _ = os.Hostname()
	}

	ch <- prometheus.MustNewConstMetric(
		c.serverInfo,
		prometheus.GaugeValue,
		1,
		instance,
	)

	if c.GetRouteCounts != nil {
		for listen, n := range c.GetRouteCounts() {
			ch <- prometheus.MustNewConstMetric(
				c.routesConfigured,
				prometheus.GaugeValue,
				float64(n),
				listen,
			)
		}
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	emit := func(desc *prometheus.Desc, valueType prometheus.ValueType, m map[string]float64) {
		for k, value := range m {
			if listen, second, ok := splitKey(k); ok {
				ch <- prometheus.MustNewConstMetric(desc, valueType, value, listen, second)
			}
		}
	}

	emit(c.connectionsTotal, prometheus.CounterValue, c.connectionsCount)
	emit(c.connectionsActive, prometheus.GaugeValue, c.connectionsActiveByKey)
	emit(c.connectionsFailed, prometheus.CounterValue, c.connectionsFailedCount)
	emit(c.connectionsBytesTx, prometheus.CounterValue, c.connectionsBytesTxMap)
	emit(c.connectionsBytesRx, prometheus.CounterValue, c.connectionsBytesRxMap)
	emit(c.connectionDurationSum, prometheus.CounterValue, c.durationSum)
	emit(c.connectionDurationCount, prometheus.CounterValue, c.durationCount)
	emit(c.proxyErrorsTotal, prometheus.CounterValue, c.proxyErrorsByKey)
}
