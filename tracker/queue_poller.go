// Poll the queues of the watched circuits.

// Each cycle the poller takes a snapshot of the watched circuits, it queries
// the snapshot source scoped to each circuit class (download class on the
// download interface, upload class on the upload interface), it decodes the
// entries and it hands the records to the exporters. Circuits whose byte
// counters moved are refreshed in the registry, such that a circuit with
// traffic stays watched.

package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/utils"
	"github.com/jaber-the-great/LibreQoS/qdisc"
	"github.com/jaber-the-great/LibreQoS/watched"
)

const (
	QUEUE_POLLER_ID = "queue_poller"

	QUEUE_POLLER_CONFIG_INTERVAL_DEFAULT              = "1s"
	QUEUE_POLLER_CONFIG_EXPIRY_SWEEP_INTERVAL_DEFAULT = "1s"
	QUEUE_POLLER_CONFIG_DOWNLOAD_INTERFACE_DEFAULT    = "eth1"
	QUEUE_POLLER_CONFIG_UPLOAD_INTERFACE_DEFAULT      = "eth2"
	QUEUE_POLLER_CONFIG_REFRESH_ON_ACTIVITY_DEFAULT   = true
	QUEUE_POLLER_CONFIG_ACTIVITY_MIN_BYTES_DEFAULT    = 1
	QUEUE_POLLER_CONFIG_MAX_PARALLEL_QUERIES_DEFAULT  = -1
)

// Poller stats:
const (
	QUEUE_POLLER_STATS_CYCLE_COUNT = iota
	QUEUE_POLLER_STATS_QUERY_COUNT
	QUEUE_POLLER_STATS_QUERY_ERROR_COUNT
	QUEUE_POLLER_STATS_DECODE_ERROR_COUNT
	QUEUE_POLLER_STATS_RECORD_COUNT
	QUEUE_POLLER_STATS_REFRESH_COUNT
	QUEUE_POLLER_STATS_EXPORT_ERROR_COUNT

	// Must be last:
	QUEUE_POLLER_STATS_LEN
)

type QueuePollerStats [QUEUE_POLLER_STATS_LEN]uint64

type QueuePollerConfig struct {
	// How often to poll, in time.ParseDuration() format:
	Interval string `yaml:"interval"`
	// How often to remove the expired watches:
	ExpirySweepInterval string `yaml:"expiry_sweep_interval"`
	// The interfaces for download and upload shaping, i.e. LibreQoS interface
	// A and B:
	DownloadInterface string `yaml:"download_interface"`
	UploadInterface   string `yaml:"upload_interface"`
	// Where the qdisc stats come from:
	SnapshotSourceConfig *qdisc.SnapshotSourceConfig `yaml:"snapshot_source_config"`
	// Whether a circuit w/ traffic since the previous cycle has its watch
	// refreshed:
	RefreshOnActivity bool `yaml:"refresh_on_activity"`
	// The min byte count delta that qualifies as activity:
	ActivityMinBytes uint64 `yaml:"activity_min_bytes"`
	// How many source queries may run in parallel; use -1 to match the number
	// of available CPUs:
	MaxParallelQueries int `yaml:"max_parallel_queries"`
}

func DefaultQueuePollerConfig() *QueuePollerConfig {
	return &QueuePollerConfig{
		Interval:             QUEUE_POLLER_CONFIG_INTERVAL_DEFAULT,
		ExpirySweepInterval:  QUEUE_POLLER_CONFIG_EXPIRY_SWEEP_INTERVAL_DEFAULT,
		DownloadInterface:    QUEUE_POLLER_CONFIG_DOWNLOAD_INTERFACE_DEFAULT,
		UploadInterface:      QUEUE_POLLER_CONFIG_UPLOAD_INTERFACE_DEFAULT,
		SnapshotSourceConfig: qdisc.DefaultSnapshotSourceConfig(),
		RefreshOnActivity:    QUEUE_POLLER_CONFIG_REFRESH_ON_ACTIVITY_DEFAULT,
		ActivityMinBytes:     QUEUE_POLLER_CONFIG_ACTIVITY_MIN_BYTES_DEFAULT,
		MaxParallelQueries:   QUEUE_POLLER_CONFIG_MAX_PARALLEL_QUERIES_DEFAULT,
	}
}

type QueuePoller struct {
	id                  string
	interval            time.Duration
	expirySweepInterval time.Duration
	downloadIface       string
	uploadIface         string
	source              qdisc.SnapshotSource
	registry            *watched.WatchedQueues
	exporter            RecordExporter
	refreshOnActivity   bool
	activityMinBytes    uint64
	maxParallelQueries  int
	// Byte counts from the previous cycle, by circuit id; only accessed from
	// Execute, which is never invoked concurrently for the same task:
	prevBytes map[string]uint64
	stats     QueuePollerStats
	statsMu   *sync.Mutex
	// Mockable for testing:
	timeNowFn    func() time.Time
	newBatchIdFn func() string
}

// The result of a single (circuit, direction) query:
type queuePollerQuery struct {
	circuitId string
	direction string
	iface     string
	class     qdisc.TcHandle
	records   []*QdiscRecord
	bytes     uint64
	err       error
	decodeErr []*qdisc.EntryError
}

var queuePollerLog = logger.NewCompLogger("queue_poller")

func NewQueuePoller(
	cfg any,
	source qdisc.SnapshotSource,
	registry *watched.WatchedQueues,
	exporter RecordExporter,
) (*QueuePoller, error) {
	var (
		pollerCfg *QueuePollerConfig
		err       error
	)

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		pollerCfg = cfg.QueuePollerConfig
	case *QueuePollerConfig:
		pollerCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewQueuePoller: %T invalid config type", cfg)
	}
	if pollerCfg == nil {
		pollerCfg = DefaultQueuePollerConfig()
	}
	if registry == nil {
		return nil, fmt.Errorf("NewQueuePoller: nil registry")
	}

	poller := &QueuePoller{
		id:                 QUEUE_POLLER_ID,
		downloadIface:      pollerCfg.DownloadInterface,
		uploadIface:        pollerCfg.UploadInterface,
		source:             source,
		registry:           registry,
		exporter:           exporter,
		refreshOnActivity:  pollerCfg.RefreshOnActivity,
		activityMinBytes:   pollerCfg.ActivityMinBytes,
		maxParallelQueries: pollerCfg.MaxParallelQueries,
		prevBytes:          make(map[string]uint64),
		statsMu:            &sync.Mutex{},
		timeNowFn:          time.Now,
		newBatchIdFn:       uuid.NewString,
	}

	if poller.interval, err = time.ParseDuration(pollerCfg.Interval); err != nil {
		return nil, fmt.Errorf("NewQueuePoller: interval: %v", err)
	}
	if pollerCfg.ExpirySweepInterval != "" {
		if poller.expirySweepInterval, err = time.ParseDuration(pollerCfg.ExpirySweepInterval); err != nil {
			return nil, fmt.Errorf("NewQueuePoller: expiry_sweep_interval: %v", err)
		}
	}
	if poller.source == nil {
		if poller.source, err = qdisc.NewSnapshotSource(pollerCfg.SnapshotSourceConfig); err != nil {
			return nil, fmt.Errorf("NewQueuePoller: %v", err)
		}
	}
	if poller.maxParallelQueries <= 0 {
		poller.maxParallelQueries = utils.CountAvailableCPUs()
	}
	if poller.activityMinBytes == 0 {
		poller.activityMinBytes = 1
	}

	queuePollerLog.Infof("interval=%s", poller.interval)
	queuePollerLog.Infof("expiry_sweep_interval=%s", poller.expirySweepInterval)
	queuePollerLog.Infof("download_interface=%s", poller.downloadIface)
	queuePollerLog.Infof("upload_interface=%s", poller.uploadIface)
	queuePollerLog.Infof("refresh_on_activity=%v", poller.refreshOnActivity)
	queuePollerLog.Infof("activity_min_bytes=%d", poller.activityMinBytes)
	queuePollerLog.Infof("max_parallel_queries=%d", poller.maxParallelQueries)
	return poller, nil
}

func (poller *QueuePoller) query(q *queuePollerQuery) {
	entries, err := poller.source.Snapshot(q.iface, q.class)
	if err != nil {
		q.err = err
		return
	}
	res := qdisc.DecodeBatch(entries)
	q.decodeErr = res.Errors
	q.records = make([]*QdiscRecord, 0, len(res.Qdiscs))
	for _, qd := range res.Qdiscs {
		q.records = append(q.records, &QdiscRecord{
			CircuitId: q.circuitId,
			Direction: q.direction,
			Interface: q.iface,
			Qdisc:     qd,
		})
		q.bytes += qd.Common().Uint64[qdisc.QDISC_BYTES]
	}
}

func (poller *QueuePoller) buildQueries(circuits []watched.WatchedCircuit) []*queuePollerQuery {
	queries := make([]*queuePollerQuery, 0, 2*len(circuits))
	for _, wc := range circuits {
		if !wc.DownloadClass.IsNone() {
			queries = append(queries, &queuePollerQuery{
				circuitId: wc.CircuitId,
				direction: DIRECTION_DOWNLOAD,
				iface:     poller.downloadIface,
				class:     wc.DownloadClass,
			})
		}
		if !wc.UploadClass.IsNone() {
			queries = append(queries, &queuePollerQuery{
				circuitId: wc.CircuitId,
				direction: DIRECTION_UPLOAD,
				iface:     poller.uploadIface,
				class:     wc.UploadClass,
			})
		}
	}
	return queries
}

func (poller *QueuePoller) runQueries(queries []*queuePollerQuery) {
	sem := make(chan struct{}, poller.maxParallelQueries)
	wg := &sync.WaitGroup{}
	for _, q := range queries {
		wg.Add(1)
		sem <- struct{}{}
		go func(q *queuePollerQuery) {
			defer func() {
				<-sem
				wg.Done()
			}()
			poller.query(q)
		}(q)
	}
	wg.Wait()
}

// Run one poll cycle and return the batch, nil if there was nothing to poll:
func (poller *QueuePoller) Poll() *QdiscRecordBatch {
	circuits := poller.registry.SnapshotForPolling()

	stats := QueuePollerStats{}
	stats[QUEUE_POLLER_STATS_CYCLE_COUNT] = 1
	defer func() {
		poller.statsMu.Lock()
		for i, v := range stats {
			poller.stats[i] += v
		}
		poller.statsMu.Unlock()
	}()

	if len(circuits) == 0 {
		clear(poller.prevBytes)
		return nil
	}

	queries := poller.buildQueries(circuits)
	poller.runQueries(queries)

	batch := &QdiscRecordBatch{
		BatchId:   poller.newBatchIdFn(),
		Instance:  GlobalInstance,
		Hostname:  GlobalHostname,
		Timestamp: poller.timeNowFn(),
		Records:   make([]*QdiscRecord, 0, len(queries)),
	}

	crtBytes := make(map[string]uint64, len(circuits))
	failed := make(map[string]bool)
	for _, q := range queries {
		stats[QUEUE_POLLER_STATS_QUERY_COUNT] += 1
		if q.err != nil {
			stats[QUEUE_POLLER_STATS_QUERY_ERROR_COUNT] += 1
			failed[q.circuitId] = true
			queuePollerLog.Warnf(
				"circuit %s %s: %s class %s: %v",
				q.circuitId, q.direction, q.iface, q.class, q.err,
			)
			continue
		}
		for _, entryErr := range q.decodeErr {
			stats[QUEUE_POLLER_STATS_DECODE_ERROR_COUNT] += 1
			queuePollerLog.Warnf("circuit %s %s: %v", q.circuitId, q.direction, entryErr)
		}
		batch.Records = append(batch.Records, q.records...)
		crtBytes[q.circuitId] += q.bytes
	}
	stats[QUEUE_POLLER_STATS_RECORD_COUNT] = uint64(len(batch.Records))

	// Activity is the byte count moving between 2 consecutive cycles; a
	// circuit w/ a failed query has no reliable count this cycle:
	for _, wc := range circuits {
		circuitId := wc.CircuitId
		if failed[circuitId] {
			delete(poller.prevBytes, circuitId)
			continue
		}
		bytes := crtBytes[circuitId]
		prev, hasPrev := poller.prevBytes[circuitId]
		poller.prevBytes[circuitId] = bytes
		if !poller.refreshOnActivity || !hasPrev {
			continue
		}
		// A counter reset, e.g. qdisc replaced, counts as activity:
		if bytes < prev || bytes-prev >= poller.activityMinBytes {
			if poller.registry.RefreshOrAdd(circuitId).Watched() {
				stats[QUEUE_POLLER_STATS_REFRESH_COUNT] += 1
			}
		}
	}
	if len(poller.prevBytes) > len(circuits) {
		watchedNow := make(map[string]bool, len(circuits))
		for _, wc := range circuits {
			watchedNow[wc.CircuitId] = true
		}
		for circuitId := range poller.prevBytes {
			if !watchedNow[circuitId] {
				delete(poller.prevBytes, circuitId)
			}
		}
	}

	if poller.exporter != nil && len(batch.Records) > 0 {
		if err := poller.exporter.ExportRecords(batch); err != nil {
			stats[QUEUE_POLLER_STATS_EXPORT_ERROR_COUNT] += 1
		}
	}
	return batch
}

// TaskAction interface:
func (poller *QueuePoller) Execute() {
	poller.Poll()
}

func (poller *QueuePoller) SnapStats() QueuePollerStats {
	poller.statsMu.Lock()
	defer poller.statsMu.Unlock()
	return poller.stats
}

// Remove the expired watches:
type ExpirySweepTask struct {
	registry *watched.WatchedQueues
}

func (est *ExpirySweepTask) Execute() {
	if n := est.registry.ExpireSweep(); n > 0 {
		queuePollerLog.Debugf("%d watch(es) expired", n)
	}
}

func QueuePollerTaskBuilder(cfg *TrackerConfig) ([]*Task, error) {
	if GlobalWatchedQueues == nil {
		return nil, fmt.Errorf("QueuePollerTaskBuilder: watched queues not initialized")
	}
	var exporter RecordExporter
	if GlobalExporters != nil {
		exporter = GlobalExporters
	}
	poller, err := NewQueuePoller(cfg, nil, GlobalWatchedQueues, exporter)
	if err != nil {
		return nil, err
	}
	GlobalQueuePoller = poller

	tasks := make([]*Task, 0, 2)
	if poller.interval > 0 {
		tasks = append(tasks, NewTask(poller.id, poller.interval, poller))
	} else {
		queuePollerLog.Infof("interval=%s, polling disabled", poller.interval)
	}
	if poller.expirySweepInterval > 0 {
		tasks = append(tasks, NewTask(
			"expiry_sweep",
			poller.expirySweepInterval,
			&ExpirySweepTask{GlobalWatchedQueues},
		))
	} else {
		queuePollerLog.Warnf(
			"expiry_sweep_interval=%s, expired watches will not be removed",
			poller.expirySweepInterval,
		)
	}
	return tasks, nil
}

func init() {
	TaskBuilders.Register(QueuePollerTaskBuilder)
}
