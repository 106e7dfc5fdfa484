// Snapshot sources, i.e. producers of raw qdisc entries in tc -j format.

package qdisc

import (
	"fmt"
	"time"
)

const (
	SNAPSHOT_SOURCE_TC      = "tc"
	SNAPSHOT_SOURCE_NETLINK = "netlink"
	SNAPSHOT_SOURCE_EMA     = "ema"

	SNAPSHOT_SOURCE_TC_PATH_DEFAULT = "/sbin/tc"
	SNAPSHOT_SOURCE_TIMEOUT_DEFAULT = 2 * time.Second
)

type SnapshotSource interface {
	// Return the raw entries for the qdiscs of iface; if parent is not none
	// then only the qdiscs attached to parent are returned.
	Snapshot(iface string, parent TcHandle) ([]map[string]any, error)
}

type SnapshotSourceConfig struct {
	// One of tc, netlink or ema:
	Source string `yaml:"source"`
	// tc binary, applicable for source tc:
	TcPath string `yaml:"tc_path"`
	// Command timeout, applicable for source tc:
	Timeout time.Duration `yaml:"timeout"`
}

func DefaultSnapshotSourceConfig() *SnapshotSourceConfig {
	return &SnapshotSourceConfig{
		Source:  SNAPSHOT_SOURCE_TC,
		TcPath:  SNAPSHOT_SOURCE_TC_PATH_DEFAULT,
		Timeout: SNAPSHOT_SOURCE_TIMEOUT_DEFAULT,
	}
}

func NewSnapshotSource(cfg *SnapshotSourceConfig) (SnapshotSource, error) {
	if cfg == nil {
		cfg = DefaultSnapshotSourceConfig()
	}
	switch cfg.Source {
	case SNAPSHOT_SOURCE_TC, "":
		return NewTcSnapshotSource(cfg.TcPath, cfg.Timeout), nil
	case SNAPSHOT_SOURCE_NETLINK:
		return NewNetlinkSnapshotSource(), nil
	case SNAPSHOT_SOURCE_EMA:
		return NewEmaSnapshotSource(), nil
	}
	return nil, fmt.Errorf("NewSnapshotSource: invalid source %q", cfg.Source)
}

// Format a kernel handle the way tc does, i.e. 0 is "0:0" rather than none:
func kernelHandleString(handle uint32) string {
	return fmt.Sprintf("%x:%x", handle>>QDISC_MIN_NUM_BITS, handle&QDISC_MIN_MASK)
}

// Build the envelope for an entry produced from the kernel representation:
func kernelEntry(kind string, handle, parent uint32) map[string]any {
	entry := map[string]any{
		QDISC_KIND_FIELD:   kind,
		QDISC_HANDLE_FIELD: kernelHandleString(handle),
	}
	if parent == TC_H_ROOT {
		entry[QDISC_ROOT_FIELD] = true
	} else {
		entry[QDISC_PARENT_FIELD] = kernelHandleString(parent)
	}
	return entry
}
