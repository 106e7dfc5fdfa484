// Export the qdisc records as Prometheus exposition format metrics, for the
// VictoriaMetrics import.

package tracker

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/qdisc"
)

const (
	VM_EXPORTER_NAME                         = "victoriametrics"
	VM_EXPORTER_CONFIG_ENABLED_DEFAULT       = true
	VM_EXPORTER_CONFIG_METRIC_PREFIX_DEFAULT = "lqtracker_qdisc"
)

// Labels common to all metrics:
const (
	INSTANCE_LABEL_NAME = "inst"
	HOSTNAME_LABEL_NAME = "node"
)

// Record labels:
const (
	CIRCUIT_ID_LABEL_NAME = "circuit_id"
	DIRECTION_LABEL_NAME  = "direction"
	INTERFACE_LABEL_NAME  = "iface"
	KIND_LABEL_NAME       = "kind"
	HANDLE_LABEL_NAME     = "handle"
	PARENT_LABEL_NAME     = "parent"
)

type VmExporterConfig struct {
	Enabled bool `yaml:"enabled"`
	// Metric names are <prefix>_<field>, e.g. lqtracker_qdisc_drops:
	MetricPrefix string `yaml:"metric_prefix"`
}

func DefaultVmExporterConfig() *VmExporterConfig {
	return &VmExporterConfig{
		Enabled:      VM_EXPORTER_CONFIG_ENABLED_DEFAULT,
		MetricPrefix: VM_EXPORTER_CONFIG_METRIC_PREFIX_DEFAULT,
	}
}

type VmExporter struct {
	metricPrefix string
	metricsQueue MetricsQueue
	// Cache the metric name prefix per field, e.g. `lqtracker_qdisc_drops{`:
	metricNameCache map[string][]byte
}

var vmExporterLog = logger.NewCompLogger("vm_exporter")

var labelValueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func NewVmExporter(cfg any, metricsQueue MetricsQueue) (*VmExporter, error) {
	var exporterCfg *VmExporterConfig

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		exporterCfg = cfg.VmExporterConfig
	case *VmExporterConfig:
		exporterCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewVmExporter: %T invalid config type", cfg)
	}
	if exporterCfg == nil {
		exporterCfg = DefaultVmExporterConfig()
	}
	if metricsQueue == nil {
		return nil, fmt.Errorf("NewVmExporter: nil metrics queue")
	}

	exporter := &VmExporter{
		metricPrefix:    exporterCfg.MetricPrefix,
		metricsQueue:    metricsQueue,
		metricNameCache: make(map[string][]byte),
	}
	vmExporterLog.Infof("metric_prefix=%s", exporter.metricPrefix)
	return exporter, nil
}

func (exporter *VmExporter) Name() string {
	return VM_EXPORTER_NAME
}

func (exporter *VmExporter) metricName(field string) []byte {
	name := exporter.metricNameCache[field]
	if name == nil {
		name = []byte(exporter.metricPrefix + "_" + field + "{")
		exporter.metricNameCache[field] = name
	}
	return name
}

func writeLabel(buf *bytes.Buffer, name, value string, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	buf.WriteString(name)
	buf.WriteString(`="`)
	buf.WriteString(labelValueEscaper.Replace(value))
	buf.WriteByte('"')
}

// The numeric fields, sorted by name; the options are configuration rather than
// state and they are not exported:
func numericWireFields(qd qdisc.QueueDiscipline) ([]string, map[string]uint64) {
	fields := qd.WireFields()
	values := make(map[string]uint64, len(fields))
	names := make([]string, 0, len(fields))
	for name, value := range fields {
		if v, ok := value.(uint64); ok {
			values[name] = v
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, values
}

// Write the metrics for a record and return the number of metrics:
func (exporter *VmExporter) writeRecord(buf *bytes.Buffer, labels []byte, tsSuffix []byte, rec *QdiscRecord) int {
	names, values := numericWireFields(rec.Qdisc)
	for _, name := range names {
		buf.Write(exporter.metricName(name))
		buf.Write(labels)
		buf.WriteString("} ")
		buf.WriteString(strconv.FormatUint(values[name], 10))
		buf.Write(tsSuffix)
	}
	return len(names)
}

// Not safe for concurrent use, the poller is the only caller:
func (exporter *VmExporter) ExportRecords(batch *QdiscRecordBatch) error {
	tsSuffix := []byte(fmt.Sprintf(" %d\n", batch.Timestamp.UnixMilli()))
	labels := &bytes.Buffer{}
	mq := exporter.metricsQueue
	targetSize := mq.GetTargetSize()

	var buf *bytes.Buffer
	metricsCount := 0
	for _, rec := range batch.Records {
		common := rec.Qdisc.Common()
		labels.Reset()
		writeLabel(labels, INSTANCE_LABEL_NAME, batch.Instance, true)
		writeLabel(labels, HOSTNAME_LABEL_NAME, batch.Hostname, false)
		writeLabel(labels, CIRCUIT_ID_LABEL_NAME, rec.CircuitId, false)
		writeLabel(labels, DIRECTION_LABEL_NAME, rec.Direction, false)
		writeLabel(labels, INTERFACE_LABEL_NAME, rec.Interface, false)
		writeLabel(labels, KIND_LABEL_NAME, common.Kind, false)
		writeLabel(labels, HANDLE_LABEL_NAME, common.Handle.String(), false)
		writeLabel(labels, PARENT_LABEL_NAME, common.Parent.String(), false)

		if buf == nil {
			buf = mq.GetBuf()
		}
		metricsCount += exporter.writeRecord(buf, labels.Bytes(), tsSuffix, rec)
		if buf.Len() >= targetSize {
			mq.QueueBuf(buf)
			buf = nil
		}
	}
	if buf != nil {
		if buf.Len() > 0 {
			mq.QueueBuf(buf)
		} else {
			mq.ReturnBuf(buf)
		}
	}
	vmExporterLog.Debugf("batch %s: %d metric(s)", batch.BatchId, metricsCount)
	return nil
}
