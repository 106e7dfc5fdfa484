// Publish the qdisc record batches to NATS, as JSON.

package tracker

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
)

const (
	NATS_EXPORTER_NAME = "nats"

	NATS_EXPORTER_CONFIG_ENABLED_DEFAULT         = false
	NATS_EXPORTER_CONFIG_URL_DEFAULT             = nats.DefaultURL
	NATS_EXPORTER_CONFIG_SUBJECT_DEFAULT         = "libreqos.qdisc"
	NATS_EXPORTER_CONFIG_CLIENT_NAME_DEFAULT     = "lqtracker"
	NATS_EXPORTER_CONFIG_CONNECT_TIMEOUT_DEFAULT = "2s"
	NATS_EXPORTER_CONFIG_RECONNECT_WAIT_DEFAULT  = "2s"
	NATS_EXPORTER_CONFIG_MAX_RECONNECTS_DEFAULT  = -1
)

type NatsExporterConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// The subject is suffixed w/ the instance, e.g. libreqos.qdisc.lqtracker:
	Subject        string `yaml:"subject"`
	ClientName     string `yaml:"client_name"`
	ConnectTimeout string `yaml:"connect_timeout"`
	ReconnectWait  string `yaml:"reconnect_wait"`
	// Use -1 to reconnect forever:
	MaxReconnects int `yaml:"max_reconnects"`
}

func DefaultNatsExporterConfig() *NatsExporterConfig {
	return &NatsExporterConfig{
		Enabled:        NATS_EXPORTER_CONFIG_ENABLED_DEFAULT,
		URL:            NATS_EXPORTER_CONFIG_URL_DEFAULT,
		Subject:        NATS_EXPORTER_CONFIG_SUBJECT_DEFAULT,
		ClientName:     NATS_EXPORTER_CONFIG_CLIENT_NAME_DEFAULT,
		ConnectTimeout: NATS_EXPORTER_CONFIG_CONNECT_TIMEOUT_DEFAULT,
		ReconnectWait:  NATS_EXPORTER_CONFIG_RECONNECT_WAIT_DEFAULT,
		MaxReconnects:  NATS_EXPORTER_CONFIG_MAX_RECONNECTS_DEFAULT,
	}
}

// The subset of *nats.Conn used by the exporter:
type NatsPublisher interface {
	PublishMsg(msg *nats.Msg) error
	Drain() error
}

type NatsExporter struct {
	subject   string
	publisher NatsPublisher
}

var natsExporterLog = logger.NewCompLogger("nats_exporter")

var natsJson = jsoniter.ConfigCompatibleWithStandardLibrary

func natsSubject(cfg *NatsExporterConfig) string {
	if GlobalInstance == "" {
		return cfg.Subject
	}
	return cfg.Subject + "." + GlobalInstance
}

func NewNatsExporter(cfg any) (*NatsExporter, error) {
	var (
		exporterCfg *NatsExporterConfig
		err         error
	)

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		exporterCfg = cfg.NatsExporterConfig
	case *NatsExporterConfig:
		exporterCfg = cfg
	case nil:
	default:
		return nil, fmt.Errorf("NewNatsExporter: %T invalid config type", cfg)
	}
	if exporterCfg == nil {
		exporterCfg = DefaultNatsExporterConfig()
	}

	var connectTimeout, reconnectWait time.Duration
	if connectTimeout, err = time.ParseDuration(exporterCfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("NewNatsExporter: connect_timeout: %v", err)
	}
	if reconnectWait, err = time.ParseDuration(exporterCfg.ReconnectWait); err != nil {
		return nil, fmt.Errorf("NewNatsExporter: reconnect_wait: %v", err)
	}

	nc, err := nats.Connect(
		exporterCfg.URL,
		nats.Name(exporterCfg.ClientName),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(exporterCfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				natsExporterLog.Warnf("disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			natsExporterLog.Infof("reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NewNatsExporter: %s: %v", exporterCfg.URL, err)
	}

	exporter := newNatsExporter(natsSubject(exporterCfg), nc)
	natsExporterLog.Infof("url=%s", exporterCfg.URL)
	natsExporterLog.Infof("subject=%s", exporter.subject)
	return exporter, nil
}

func newNatsExporter(subject string, publisher NatsPublisher) *NatsExporter {
	return &NatsExporter{
		subject:   subject,
		publisher: publisher,
	}
}

func (exporter *NatsExporter) Name() string {
	return NATS_EXPORTER_NAME
}

// The batch id is the message id, for JetStream deduplication:
func (exporter *NatsExporter) ExportRecords(batch *QdiscRecordBatch) error {
	data, err := natsJson.Marshal(batch.Wire())
	if err != nil {
		return err
	}
	msg := nats.NewMsg(exporter.subject)
	msg.Header.Set(nats.MsgIdHdr, batch.BatchId)
	msg.Data = data
	return exporter.publisher.PublishMsg(msg)
}

func (exporter *NatsExporter) Shutdown() {
	natsExporterLog.Info("drain connection")
	if err := exporter.publisher.Drain(); err != nil {
		natsExporterLog.Warn(err)
	}
}
