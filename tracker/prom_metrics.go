// Internal metrics of the tracker, exposed in Prometheus format.

package tracker

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jaber-the-great/LibreQoS/internal/utils"
	"github.com/jaber-the-great/LibreQoS/watched"
)

const (
	TRACKER_METRICS_PREFIX = "lqtracker_"
)

type counterDescList []*prometheus.Desc

func newCounterDescList(names []string, help string, labels ...string) counterDescList {
	descList := make(counterDescList, len(names))
	for i, name := range names {
		descList[i] = prometheus.NewDesc(TRACKER_METRICS_PREFIX+name, help, labels, nil)
	}
	return descList
}

var (
	watchResultDescList = func() counterDescList {
		names := make([]string, watched.WATCHED_QUEUES_NUM_STATS)
		for r := watched.WatchResult(0); r < watched.WATCH_RESULT_NUM_VALUES; r++ {
			names[r] = "watch_" + r.String() + "_total"
		}
		names[watched.WATCHED_QUEUES_EXPIRED_STATS_INDEX] = "watch_expired_total"
		return newCounterDescList(names, "Watch request outcomes and expirations")
	}()

	queuePollerDescList = newCounterDescList(
		[]string{
			QUEUE_POLLER_STATS_CYCLE_COUNT:        "poll_cycle_total",
			QUEUE_POLLER_STATS_QUERY_COUNT:        "poll_query_total",
			QUEUE_POLLER_STATS_QUERY_ERROR_COUNT:  "poll_query_error_total",
			QUEUE_POLLER_STATS_DECODE_ERROR_COUNT: "poll_decode_error_total",
			QUEUE_POLLER_STATS_RECORD_COUNT:       "poll_record_total",
			QUEUE_POLLER_STATS_REFRESH_COUNT:      "poll_refresh_total",
			QUEUE_POLLER_STATS_EXPORT_ERROR_COUNT: "poll_export_error_total",
		},
		"Queue poller counters",
	)

	taskDescList = newCounterDescList(
		[]string{
			TASK_STATS_SCHEDULED_COUNT: "task_scheduled_total",
			TASK_STATS_DELAYED_COUNT:   "task_delayed_total",
			TASK_STATS_OVERRUN_COUNT:   "task_overrun_total",
			TASK_STATS_EXECUTED_COUNT:  "task_executed_total",
		},
		"Scheduler task counters",
		"task_id",
	)

	exporterDescList = newCounterDescList(
		[]string{
			EXPORTER_STATS_BATCH_COUNT:  "export_batch_total",
			EXPORTER_STATS_RECORD_COUNT: "export_record_total",
			EXPORTER_STATS_ERROR_COUNT:  "export_error_total",
		},
		"Record exporter counters",
		"exporter",
	)

	httpEndpointDescList = newCounterDescList(
		[]string{
			HTTP_ENDPOINT_STATS_SEND_BUFFER_COUNT:        "http_send_total",
			HTTP_ENDPOINT_STATS_SEND_BUFFER_BYTE_COUNT:   "http_send_bytes_total",
			HTTP_ENDPOINT_STATS_SEND_BUFFER_ERROR_COUNT:  "http_send_error_total",
			HTTP_ENDPOINT_STATS_HEALTH_CHECK_COUNT:       "http_health_check_total",
			HTTP_ENDPOINT_STATS_HEALTH_CHECK_ERROR_COUNT: "http_health_check_error_total",
		},
		"HTTP endpoint counters",
		"url",
	)

	compressorDescList = newCounterDescList(
		[]string{
			COMPRESSOR_STATS_READ_COUNT:          "compressor_read_total",
			COMPRESSOR_STATS_READ_BYTE_COUNT:     "compressor_read_bytes_total",
			COMPRESSOR_STATS_SEND_COUNT:          "compressor_send_total",
			COMPRESSOR_STATS_SEND_BYTE_COUNT:     "compressor_send_bytes_total",
			COMPRESSOR_STATS_TIMEOUT_FLUSH_COUNT: "compressor_timeout_flush_total",
			COMPRESSOR_STATS_SEND_ERROR_COUNT:    "compressor_send_error_total",
			COMPRESSOR_STATS_WRITE_ERROR_COUNT:   "compressor_write_error_total",
		},
		"Compressor counters",
		"compressor",
	)

	watchedLenDesc = prometheus.NewDesc(
		TRACKER_METRICS_PREFIX+"watched_circuits", "Number of watched circuits", nil, nil,
	)
	watchedCapacityDesc = prometheus.NewDesc(
		TRACKER_METRICS_PREFIX+"watched_capacity", "Maximum number of watched circuits", nil, nil,
	)
	taskRuntimeDesc = prometheus.NewDesc(
		TRACKER_METRICS_PREFIX+"task_runtime_seconds_total", "Cumulative task run time", []string{"task_id"}, nil,
	)
	httpHealthyDesc = prometheus.NewDesc(
		TRACKER_METRICS_PREFIX+"http_endpoint_healthy", "1 if the endpoint is healthy, else 0", []string{"url"}, nil,
	)
	compressionFactorDesc = prometheus.NewDesc(
		TRACKER_METRICS_PREFIX+"compression_factor", "Exponentially averaged compression factor", []string{"compressor"}, nil,
	)
	uptimeDesc = prometheus.NewDesc(
		TRACKER_METRICS_PREFIX+"uptime_seconds", "Tracker uptime", nil, nil,
	)
	osUptimeDesc = prometheus.NewDesc(
		TRACKER_METRICS_PREFIX+"os_uptime_seconds", "Host uptime", nil, nil,
	)
)

// A prometheus.Collector over the stats of the tracker components; nil
// components are skipped.
type TrackerCollector struct {
	WatchedQueues    *watched.WatchedQueues
	QueuePoller      *QueuePoller
	Scheduler        *Scheduler
	Exporters        *RecordExporters
	HttpEndpointPool *HttpEndpointPool
	CompressorPool   *CompressorPool
}

// Build from the globals, as set by main:
func NewTrackerCollectorFromGlobals() *TrackerCollector {
	return &TrackerCollector{
		WatchedQueues:    GlobalWatchedQueues,
		QueuePoller:      GlobalQueuePoller,
		Scheduler:        GlobalScheduler,
		Exporters:        GlobalExporters,
		HttpEndpointPool: GlobalHttpEndpointPool,
		CompressorPool:   GlobalCompressorPool,
	}
}

func (tc *TrackerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, descList := range []counterDescList{
		watchResultDescList,
		queuePollerDescList,
		taskDescList,
		exporterDescList,
		httpEndpointDescList,
		compressorDescList,
	} {
		for _, desc := range descList {
			ch <- desc
		}
	}
	ch <- watchedLenDesc
	ch <- watchedCapacityDesc
	ch <- taskRuntimeDesc
	ch <- httpHealthyDesc
	ch <- compressionFactorDesc
	ch <- uptimeDesc
	ch <- osUptimeDesc
}

func collectCounters(ch chan<- prometheus.Metric, descList counterDescList, values []uint64, labelValues ...string) {
	for i, desc := range descList {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(values[i]), labelValues...)
	}
}

func (tc *TrackerCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, utils.Uptime().Seconds())
	ch <- prometheus.MustNewConstMetric(osUptimeDesc, prometheus.GaugeValue, utils.OSUptime().Seconds())

	if tc.WatchedQueues != nil {
		stats := tc.WatchedQueues.Stats()
		collectCounters(ch, watchResultDescList, stats[:])
		ch <- prometheus.MustNewConstMetric(watchedLenDesc, prometheus.GaugeValue, float64(tc.WatchedQueues.Len()))
		ch <- prometheus.MustNewConstMetric(watchedCapacityDesc, prometheus.GaugeValue, float64(tc.WatchedQueues.Capacity()))
	}

	if tc.QueuePoller != nil {
		stats := tc.QueuePoller.SnapStats()
		collectCounters(ch, queuePollerDescList, stats[:])
	}

	if tc.Scheduler != nil {
		for taskId, taskStats := range tc.Scheduler.SnapStats(nil, false) {
			collectCounters(ch, taskDescList, taskStats.Uint64Stats[:], taskId)
			ch <- prometheus.MustNewConstMetric(
				taskRuntimeDesc, prometheus.CounterValue, taskStats.RuntimeTotal.Seconds(), taskId,
			)
		}
	}

	if tc.Exporters != nil {
		for name, stats := range tc.Exporters.SnapStats() {
			collectCounters(ch, exporterDescList, stats[:], name)
		}
	}

	if tc.HttpEndpointPool != nil {
		healthy := make(map[string]bool)
		for _, url := range tc.HttpEndpointPool.HealthyURLs() {
			healthy[url] = true
		}
		for url, stats := range tc.HttpEndpointPool.SnapStats() {
			collectCounters(ch, httpEndpointDescList, stats[:], url)
			val := 0.
			if healthy[url] {
				val = 1.
			}
			ch <- prometheus.MustNewConstMetric(httpHealthyDesc, prometheus.GaugeValue, val, url)
		}
	}

	if tc.CompressorPool != nil {
		for i, stats := range tc.CompressorPool.SnapStats() {
			compressor := strconv.Itoa(i)
			collectCounters(ch, compressorDescList, stats.Uint64Stats[:], compressor)
			ch <- prometheus.MustNewConstMetric(
				compressionFactorDesc, prometheus.GaugeValue, stats.CompressionFactor, compressor,
			)
		}
	}
}
