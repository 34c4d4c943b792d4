package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-mq/messaging"
)

const namespace = "mmate"

// StatsSource exposes per-handler stats and the workers behind them
type StatsSource interface {
	WorkerSource
	GetHandlerStats() []messaging.MessageHandlerStats
}

// StatsCollector exports a server's handler stats and worker states.
// Values are read from the server on every scrape.
type StatsCollector struct {
	source StatsSource

	processed     *prometheus.Desc
	failed        *prometheus.Desc
	retries       *prometheus.Desc
	received      *prometheus.Desc
	lastProcessed *prometheus.Desc
	workers       *prometheus.Desc
	serverStatus  *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

func newDesc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
}

// NewStatsCollector creates a collector for source
func NewStatsCollector(source StatsSource) *StatsCollector {
	return &StatsCollector{
		source:        source,
		processed:     newDesc("handler", "messages_processed_total", "Messages handled and acked", "message_type"),
		failed:        newDesc("handler", "messages_failed_total", "Messages that failed terminally", "message_type"),
		retries:       newDesc("handler", "retries_total", "Messages returned to their queue for another attempt", "message_type"),
		received:      newDesc("handler", "messages_received_total", "Messages taken from a queue", "message_type", "lane"),
		lastProcessed: newDesc("handler", "last_processed_timestamp_seconds", "Unix time of the last processed message", "message_type"),
		workers:       newDesc("worker", "count", "Workers per lifecycle state", "message_type", "status"),
		serverStatus:  newDesc("server", "status", "Server lifecycle state (-1 disposed, 0 stopped, 1 stopping, 2 starting, 3 started)"),
	}
}

// Register registers the collector; an existing registration is not an error
func (c *StatsCollector) Register(registerer prometheus.Registerer) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if err := registerer.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return err
		}
	}
	return nil
}

// Describe implements prometheus.Collector
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.processed
	ch <- c.failed
	ch <- c.retries
	ch <- c.received
	ch <- c.lastProcessed
	ch <- c.workers
	ch <- c.serverStatus
}

// Collect implements prometheus.Collector
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.GetHandlerStats() {
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(s.TotalMessagesProcessed), s.Name)
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.TotalMessagesFailed), s.Name)
		ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(s.TotalRetries), s.Name)
		ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(s.TotalNormalMessagesReceived), s.Name, "normal")
		ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(s.TotalPriorityMessagesReceived), s.Name, "priority")
		if s.LastMessageProcessed != nil {
			ch <- prometheus.MustNewConstMetric(c.lastProcessed, prometheus.GaugeValue,
				float64(s.LastMessageProcessed.UnixNano())/1e9, s.Name)
		}
	}

	type key struct{ messageType, status string }
	counts := make(map[key]int)
	var order []key
	for _, w := range c.source.Workers() {
		k := key{w.MessageType(), w.Status().String()}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}
	for _, k := range order {
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(counts[k]), k.messageType, k.status)
	}

	ch <- prometheus.MustNewConstMetric(c.serverStatus, prometheus.GaugeValue, float64(c.source.Status()))
}
