// Per cycle qdisc records and the exporters they are handed to.

package tracker

import (
	"sync"
	"time"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/qdisc"
)

const (
	DIRECTION_DOWNLOAD = "download"
	DIRECTION_UPLOAD   = "upload"
)

type QdiscRecord struct {
	CircuitId string
	Direction string
	Interface string
	Qdisc     qdisc.QueueDiscipline
}

// All the records collected during a poll cycle. The records are not retained
// past the export.
type QdiscRecordBatch struct {
	// Unique, used for deduplication downstream:
	BatchId   string
	Instance  string
	Hostname  string
	Timestamp time.Time
	Records   []*QdiscRecord
}

// The JSON form of a record; the qdisc is in wire format:
type QdiscRecordWire struct {
	CircuitId string         `json:"circuit_id"`
	Direction string         `json:"direction"`
	Interface string         `json:"interface"`
	Qdisc     map[string]any `json:"qdisc"`
}

type QdiscRecordBatchWire struct {
	BatchId   string             `json:"batch_id"`
	Instance  string             `json:"instance"`
	Hostname  string             `json:"hostname"`
	Timestamp int64              `json:"timestamp_ms"`
	Records   []*QdiscRecordWire `json:"records"`
}

func (batch *QdiscRecordBatch) Wire() *QdiscRecordBatchWire {
	wire := &QdiscRecordBatchWire{
		BatchId:   batch.BatchId,
		Instance:  batch.Instance,
		Hostname:  batch.Hostname,
		Timestamp: batch.Timestamp.UnixMilli(),
		Records:   make([]*QdiscRecordWire, len(batch.Records)),
	}
	for i, rec := range batch.Records {
		wire.Records[i] = &QdiscRecordWire{
			CircuitId: rec.CircuitId,
			Direction: rec.Direction,
			Interface: rec.Interface,
			Qdisc:     rec.Qdisc.WireFields(),
		}
	}
	return wire
}

// Exporters should not retain the batch beyond the call, since it is built
// anew every cycle.
type RecordExporter interface {
	Name() string
	ExportRecords(batch *QdiscRecordBatch) error
}

// Exporter stats:
const (
	EXPORTER_STATS_BATCH_COUNT = iota
	EXPORTER_STATS_RECORD_COUNT
	EXPORTER_STATS_ERROR_COUNT

	// Must be last:
	EXPORTER_STATS_LEN
)

type ExporterStats [EXPORTER_STATS_LEN]uint64

// Fan out to all the configured exporters; an exporter failure is logged and
// it does not affect the others.
type RecordExporters struct {
	exporters []RecordExporter
	stats     map[string]*ExporterStats
	mu        *sync.Mutex
}

var exportersLog = logger.NewCompLogger("exporters")

func NewRecordExporters(exporters ...RecordExporter) *RecordExporters {
	recordExporters := &RecordExporters{
		exporters: make([]RecordExporter, 0, len(exporters)),
		stats:     make(map[string]*ExporterStats),
		mu:        &sync.Mutex{},
	}
	for _, exporter := range exporters {
		recordExporters.Add(exporter)
	}
	return recordExporters
}

func (re *RecordExporters) Add(exporter RecordExporter) {
	if exporter == nil {
		return
	}
	re.mu.Lock()
	defer re.mu.Unlock()
	re.exporters = append(re.exporters, exporter)
	re.stats[exporter.Name()] = &ExporterStats{}
	exportersLog.Infof("add exporter %s", exporter.Name())
}

func (re *RecordExporters) Len() int {
	re.mu.Lock()
	defer re.mu.Unlock()
	return len(re.exporters)
}

func (re *RecordExporters) Name() string {
	return "all"
}

// Return the 1st error, if any:
func (re *RecordExporters) ExportRecords(batch *QdiscRecordBatch) error {
	re.mu.Lock()
	exporters := re.exporters
	re.mu.Unlock()

	var firstErr error
	for _, exporter := range exporters {
		err := exporter.ExportRecords(batch)
		if err != nil {
			exportersLog.Warnf("%s: batch %s: %v", exporter.Name(), batch.BatchId, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		re.mu.Lock()
		stats := re.stats[exporter.Name()]
		stats[EXPORTER_STATS_BATCH_COUNT] += 1
		stats[EXPORTER_STATS_RECORD_COUNT] += uint64(len(batch.Records))
		if err != nil {
			stats[EXPORTER_STATS_ERROR_COUNT] += 1
		}
		re.mu.Unlock()
	}
	return firstErr
}

func (re *RecordExporters) SnapStats() map[string]ExporterStats {
	re.mu.Lock()
	defer re.mu.Unlock()
	snap := make(map[string]ExporterStats, len(re.stats))
	for name, stats := range re.stats {
		snap[name] = *stats
	}
	return snap
}
