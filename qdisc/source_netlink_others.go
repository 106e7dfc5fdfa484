//go:build !linux

package qdisc

import (
	"fmt"
	"runtime"
)

var NetlinkSourceAvail = false

type NetlinkSnapshotSource struct{}

func NewNetlinkSnapshotSource() *NetlinkSnapshotSource {
	return &NetlinkSnapshotSource{}
}

func (src *NetlinkSnapshotSource) Snapshot(iface string, parent TcHandle) ([]map[string]any, error) {
	return nil, fmt.Errorf("netlink qdisc source not supported for GOOS=%s", runtime.GOOS)
}
