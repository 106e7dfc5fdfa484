// Globals for the tracker, set by main in the proper order.

package tracker

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jaber-the-great/LibreQoS/circuits"
	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/watched"
)

const (
	GLOBAL_CONFIG_INSTANCE_DEFAULT           = "lqtracker"
	GLOBAL_CONFIG_USE_SHORT_HOSTNAME_DEFAULT = true
	GLOBAL_CONFIG_SHUTDOWN_MAX_WAIT_DEFAULT  = "5s"
)

type GlobalConfig struct {
	// The instance name, used as a label for all exported metrics and records:
	Instance string `yaml:"instance"`
	// Whether to strip the domain from the hostname:
	UseShortHostname bool `yaml:"use_short_hostname"`
	// How long to wait for a graceful shutdown, in time.ParseDuration() format:
	ShutdownMaxWait string `yaml:"shutdown_max_wait"`
}

func DefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		Instance:         GLOBAL_CONFIG_INSTANCE_DEFAULT,
		UseShortHostname: GLOBAL_CONFIG_USE_SHORT_HOSTNAME_DEFAULT,
		ShutdownMaxWait:  GLOBAL_CONFIG_SHUTDOWN_MAX_WAIT_DEFAULT,
	}
}

var hostnameArg = flag.String(
	"hostname",
	"",
	`Override the value returned by hostname syscall`,
)

var (
	GlobalInstance string
	GlobalHostname string

	GlobalTrackerConfig      *TrackerConfig
	GlobalScheduler          *Scheduler
	GlobalWatchedQueues      *watched.WatchedQueues
	GlobalCircuitsMonitor    *circuits.QueuingStructureMonitor
	GlobalQueuePoller        *QueuePoller
	GlobalExporters          *RecordExporters
	GlobalHttpEndpointPool   *HttpEndpointPool
	GlobalCompressorPool     *CompressorPool
	GlobalMetricsQueue       MetricsQueue
	GlobalNatsExporter       *NatsExporter
	GlobalClickhouseExporter *ClickhouseExporter
	GlobalApiServer          *ApiServer
)

var globalsLog = logger.NewCompLogger("globals")

// Set the instance and the hostname, the identity of the records:
func InitGlobals(cfg any) error {
	var globalCfg *GlobalConfig

	switch cfg := cfg.(type) {
	case *TrackerConfig:
		globalCfg = cfg.GlobalConfig
	case *GlobalConfig:
		globalCfg = cfg
	case nil:
	default:
		return fmt.Errorf("InitGlobals: %T invalid config type", cfg)
	}
	if globalCfg == nil {
		globalCfg = DefaultGlobalConfig()
	}

	hostname := *hostnameArg
	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("InitGlobals: %v", err)
		}
		if globalCfg.UseShortHostname {
			if i := strings.Index(hostname, "."); i >= 0 {
				hostname = hostname[:i]
			}
		}
		if hostname == "" {
			return fmt.Errorf("InitGlobals: empty hostname")
		}
	}

	GlobalInstance, GlobalHostname = globalCfg.Instance, hostname
	globalsLog.Infof("instance=%s, hostname=%s", GlobalInstance, GlobalHostname)
	return nil
}
