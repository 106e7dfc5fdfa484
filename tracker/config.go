// Configuration for the queue tracker.

package tracker

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/go-yaml/yaml"

	"github.com/jaber-the-great/LibreQoS/circuits"
	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/watched"
)

// The configuration is stored in one object loaded from a YAML file; a few of
// the parameters can be overridden by command line args.
//
// The decreasing order of precedence for parameter values:
//   - command line arg (if applicable)
//   - config file
//   - built-in default
//
// Each component has its own configuration, defined in the file providing the
// implementation. All parameters should be public and they should have tag
// annotations.

type TrackerConfig struct {
	GlobalConfig             *GlobalConfig                `yaml:"global_config"`
	LoggerConfig             *logger.LoggerConfig         `yaml:"log_config"`
	SchedulerConfig          *SchedulerConfig             `yaml:"scheduler_config"`
	WatchedQueuesConfig      *watched.WatchedQueuesConfig `yaml:"watched_queues_config"`
	CircuitsConfig           *circuits.CircuitsConfig     `yaml:"circuits_config"`
	QueuePollerConfig        *QueuePollerConfig           `yaml:"queue_poller_config"`
	VmExporterConfig         *VmExporterConfig            `yaml:"vm_exporter_config"`
	CompressorPoolConfig     *CompressorPoolConfig        `yaml:"compressor_pool_config"`
	HttpEndpointPoolConfig   *HttpEndpointPoolConfig      `yaml:"http_endpoint_pool_config"`
	NatsExporterConfig       *NatsExporterConfig          `yaml:"nats_exporter_config"`
	ClickhouseExporterConfig *ClickhouseExporterConfig    `yaml:"clickhouse_exporter_config"`
	ApiServerConfig          *ApiServerConfig             `yaml:"api_server_config"`
}

var trackerConfigFile = flag.String(
	"config",
	"",
	`Config file to load`,
)

var ErrConfigFileArgNotProvided = errors.New("config file arg not provided")

func DefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		GlobalConfig:             DefaultGlobalConfig(),
		LoggerConfig:             logger.DefaultLoggerConfig(),
		SchedulerConfig:          DefaultSchedulerConfig(),
		WatchedQueuesConfig:      watched.DefaultWatchedQueuesConfig(),
		CircuitsConfig:           circuits.DefaultCircuitsConfig(),
		QueuePollerConfig:        DefaultQueuePollerConfig(),
		VmExporterConfig:         DefaultVmExporterConfig(),
		CompressorPoolConfig:     DefaultCompressorPoolConfig(),
		HttpEndpointPoolConfig:   DefaultHttpEndpointPoolConfig(),
		NatsExporterConfig:       DefaultNatsExporterConfig(),
		ClickhouseExporterConfig: DefaultClickhouseExporterConfig(),
		ApiServerConfig:          DefaultApiServerConfig(),
	}
}

func LoadTrackerConfig(cfgFile string) (*TrackerConfig, error) {
	f, err := os.Open(cfgFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	cfg := DefaultTrackerConfig()
	err = decoder.Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("file: %q: %v", cfgFile, err)
	}
	return cfg, nil
}

func LoadTrackerConfigFromArgs() (*TrackerConfig, error) {
	if *trackerConfigFile != "" {
		return LoadTrackerConfig(*trackerConfigFile)
	}
	return nil, ErrConfigFileArgNotProvided
}
