//go:build !linux

package qdisc

import (
	"fmt"
	"runtime"
)

var EmaSourceAvail = false

type EmaSnapshotSource struct{}

func NewEmaSnapshotSource() *EmaSnapshotSource {
	return &EmaSnapshotSource{}
}

func (src *EmaSnapshotSource) Snapshot(iface string, parent TcHandle) ([]map[string]any, error) {
	return nil, fmt.Errorf("ema qdisc source not supported for GOOS=%s", runtime.GOOS)
}
