// Insert the qdisc records into ClickHouse.

package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/qdisc"
)

const (
	CLICKHOUSE_EXPORTER_NAME = "clickhouse"

	CLICKHOUSE_EXPORTER_CONFIG_ENABLED_DEFAULT        = false
	CLICKHOUSE_EXPORTER_CONFIG_ADDR_DEFAULT           = "127.0.0.1:9000"
	CLICKHOUSE_EXPORTER_CONFIG_DATABASE_DEFAULT       = "default"
	CLICKHOUSE_EXPORTER_CONFIG_USERNAME_DEFAULT       = "default"
	CLICKHOUSE_EXPORTER_CONFIG_TABLE_DEFAULT          = "qdisc_stats"
	CLICKHOUSE_EXPORTER_CONFIG_DIAL_TIMEOUT_DEFAULT   = "5s"
	CLICKHOUSE_EXPORTER_CONFIG_INSERT_TIMEOUT_DEFAULT = "10s"
	CLICKHOUSE_EXPORTER_CONFIG_CREATE_TABLE_DEFAULT   = true
	CLICKHOUSE_EXPORTER_CONFIG_TTL_DAYS_DEFAULT       = 7
	CLICKHOUSE_EXPORTER_CONFIG_QUEUE_SIZE_DEFAULT     = 16
)

var ErrExportQueueFull = errors.New("export queue full")

// The kind specific counters are 0 for kinds that do not have them:
const clickhouseCreateTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    Timestamp     DateTime64(3),
    BatchId       String,
    Instance      LowCardinality(String),
    Hostname      LowCardinality(String),
    CircuitId     String,
    Direction     LowCardinality(String),
    Interface     LowCardinality(String),
    Kind          LowCardinality(String),
    Handle        String,
    Parent        String,
    Bytes         UInt64,
    Packets       UInt32,
    Drops         UInt32,
    Overlimits    UInt32,
    Requeues      UInt32,
    Backlog       UInt32,
    Qlen          UInt32,
    EcnMark       UInt32,
    DropOverlimit UInt32,
    NewFlowCount  UInt32
) ENGINE = MergeTree()
PARTITION BY toYYYYMMDD(Timestamp)
ORDER BY (CircuitId, Timestamp)
TTL toDateTime(Timestamp) + INTERVAL %d DAY
`

type ClickhouseExporterConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addr     []string `yaml:"addr"`
	Database string   `yaml:"database"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Table    string   `yaml:"table"`
	// In time.ParseDuration() format:
	DialTimeout   string `yaml:"dial_timeout"`
	InsertTimeout string `yaml:"insert_timeout"`
	// Whether to create the table if it doesn't exist:
	CreateTable bool `yaml:"create_table"`
	// Row retention, used only when the table is created:
	TtlDays int `yaml:"ttl_days"`
	// The number of batches pending insert; a batch exported while the queue is
	// full is dropped:
	QueueSize int `yaml:"queue_size"`
}

func DefaultClickhouseExporterConfig() *ClickhouseExporterConfig {
	return &ClickhouseExporterConfig{
		Enabled:       CLICKHOUSE_EXPORTER_CONFIG_ENABLED_DEFAULT,
		Addr:          []string{CLICKHOUSE_EXPORTER_CONFIG_ADDR_DEFAULT},
		Database:      CLICKHOUSE_EXPORTER_CONFIG_DATABASE_DEFAULT,
		Username:      CLICKHOUSE_EXPORTER_CONFIG_USERNAME_DEFAULT,
		Table:         CLICKHOUSE_EXPORTER_CONFIG_TABLE_DEFAULT,
		DialTimeout:   CLICKHOUSE_EXPORTER_CONFIG_DIAL_TIMEOUT_DEFAULT,
		InsertTimeout: CLICKHOUSE_EXPORTER_CONFIG_INSERT_TIMEOUT_DEFAULT,
		CreateTable:   CLICKHOUSE_EXPORTER_CONFIG_CREATE_TABLE_DEFAULT,
		TtlDays:       CLICKHOUSE_EXPORTER_CONFIG_TTL_DAYS_DEFAULT,
		QueueSize:     CLICKHOUSE_EXPORTER_CONFIG_QUEUE_SIZE_DEFAULT,
	}
}

// The subset of driver.Batch used by the exporter:
type ClickhouseBatch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

type clickhousePrepareBatchFn func(ctx context.Context, query string) (ClickhouseBatch, error)

// The inserts run in their own goroutine, off the poll path; ExportRecords only
// queues the batch.
type ClickhouseExporter struct {
	table          string
	insertTimeout  time.Duration
	prepareBatchFn clickhousePrepareBatchFn
	closeFn        func() error
	queue          chan *QdiscRecordBatch
	wg             *sync.WaitGroup
	// Inserts that failed in the background:
	insertErrCount uint64
	mu             *sync.Mutex
}

var clickhouseExporterLog = logger.NewCompLogger("clickhouse_exporter")

func NewClickhouseExporter(cfg any) (*ClickhouseExporter, error) {
	var (
		exporterCfg *ClickhouseExporterConfig
		err         error
	)

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		exporterCfg = cfg.ClickhouseExporterConfig
	case *ClickhouseExporterConfig:
		exporterCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewClickhouseExporter: %T invalid config type", cfg)
	}
	if exporterCfg == nil {
		exporterCfg = DefaultClickhouseExporterConfig()
	}

	var dialTimeout, insertTimeout time.Duration
	if dialTimeout, err = time.ParseDuration(exporterCfg.DialTimeout); err != nil {
		return nil, fmt.Errorf("NewClickhouseExporter: dial_timeout: %v", err)
	}
	if insertTimeout, err = time.ParseDuration(exporterCfg.InsertTimeout); err != nil {
		return nil, fmt.Errorf("NewClickhouseExporter: insert_timeout: %v", err)
	}
	if exporterCfg.QueueSize <= 0 {
		return nil, fmt.Errorf("NewClickhouseExporter: queue_size: %d not > 0", exporterCfg.QueueSize)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: exporterCfg.Addr,
		Auth: clickhouse.Auth{
			Database: exporterCfg.Database,
			Username: exporterCfg.Username,
			Password: exporterCfg.Password,
		},
		DialTimeout: dialTimeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "lqtracker", Version: "1"},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("NewClickhouseExporter: %v", err)
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), dialTimeout)
	defer cancelFn()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("NewClickhouseExporter: ping %v: %v", exporterCfg.Addr, err)
	}
	if exporterCfg.CreateTable {
		stmt := fmt.Sprintf(clickhouseCreateTableStatement, exporterCfg.Table, exporterCfg.TtlDays)
		if err := conn.Exec(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("NewClickhouseExporter: create table %s: %v", exporterCfg.Table, err)
		}
	}

	exporter := &ClickhouseExporter{
		table:         exporterCfg.Table,
		insertTimeout: insertTimeout,
		prepareBatchFn: func(ctx context.Context, query string) (ClickhouseBatch, error) {
			batch, err := conn.PrepareBatch(ctx, query)
			if err != nil {
				return nil, err
			}
			return batch, nil
		},
		closeFn: conn.Close,
	}

	clickhouseExporterLog.Infof("addr=%v", exporterCfg.Addr)
	clickhouseExporterLog.Infof("database=%s", exporterCfg.Database)
	clickhouseExporterLog.Infof("table=%s", exporter.table)
	clickhouseExporterLog.Infof("insert_timeout=%s", exporter.insertTimeout)
	clickhouseExporterLog.Infof("queue_size=%d", exporterCfg.QueueSize)
	exporter.start(exporterCfg.QueueSize)
	return exporter, nil
}

func (exporter *ClickhouseExporter) start(queueSize int) {
	exporter.queue = make(chan *QdiscRecordBatch, queueSize)
	exporter.wg = &sync.WaitGroup{}
	exporter.mu = &sync.Mutex{}
	exporter.wg.Add(1)
	go exporter.loop()
}

func (exporter *ClickhouseExporter) loop() {
	defer exporter.wg.Done()
	for batch := range exporter.queue {
		if err := exporter.insertBatch(batch); err != nil {
			clickhouseExporterLog.Warnf("batch %s: %v", batch.BatchId, err)
			exporter.mu.Lock()
			exporter.insertErrCount += 1
			exporter.mu.Unlock()
		}
	}
}

func (exporter *ClickhouseExporter) InsertErrCount() uint64 {
	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	return exporter.insertErrCount
}

func (exporter *ClickhouseExporter) Name() string {
	return CLICKHOUSE_EXPORTER_NAME
}

// The row values, in table column order, less the batch columns:
func clickhouseRecordValues(rec *QdiscRecord) []any {
	common := rec.Qdisc.Common()
	var ecnMark, dropOverlimit, newFlowCount uint32
	if fqc, ok := rec.Qdisc.(*qdisc.TcFqCodel); ok {
		ecnMark, dropOverlimit, newFlowCount = fqc.EcnMark, fqc.DropOverlimit, fqc.NewFlowCount
	}
	return []any{
		rec.CircuitId,
		rec.Direction,
		rec.Interface,
		common.Kind,
		common.Handle.String(),
		common.Parent.String(),
		common.Uint64[qdisc.QDISC_BYTES],
		common.Uint32[qdisc.QDISC_PACKETS],
		common.Uint32[qdisc.QDISC_DROPS],
		common.Uint32[qdisc.QDISC_OVERLIMITS],
		common.Uint32[qdisc.QDISC_REQUEUES],
		common.Uint32[qdisc.QDISC_BACKLOG],
		common.Uint32[qdisc.QDISC_QLEN],
		ecnMark,
		dropOverlimit,
		newFlowCount,
	}
}

// Queue w/o blocking; a full queue means the inserts do not keep up and the
// batch is dropped:
func (exporter *ClickhouseExporter) ExportRecords(batch *QdiscRecordBatch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	select {
	case exporter.queue <- batch:
		return nil
	default:
		return fmt.Errorf("batch %s: %w", batch.BatchId, ErrExportQueueFull)
	}
}

func (exporter *ClickhouseExporter) insertBatch(batch *QdiscRecordBatch) error {
	ctx, cancelFn := context.WithTimeout(context.Background(), exporter.insertTimeout)
	defer cancelFn()

	chBatch, err := exporter.prepareBatchFn(ctx, "INSERT INTO "+exporter.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, rec := range batch.Records {
		values := append(
			[]any{batch.Timestamp, batch.BatchId, batch.Instance, batch.Hostname},
			clickhouseRecordValues(rec)...,
		)
		if err := chBatch.Append(values...); err != nil {
			chBatch.Abort()
			return fmt.Errorf("append: %w", err)
		}
	}
	if err := chBatch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	clickhouseExporterLog.Debugf("batch %s: %d row(s)", batch.BatchId, len(batch.Records))
	return nil
}

// Insert the pending batches, then close the connection:
func (exporter *ClickhouseExporter) Shutdown() {
	if exporter.queue != nil {
		close(exporter.queue)
		exporter.wg.Wait()
		exporter.queue = nil
	}
	if exporter.closeFn != nil {
		if err := exporter.closeFn(); err != nil {
			clickhouseExporterLog.Warn(err)
		}
	}
}
