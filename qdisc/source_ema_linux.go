// Snapshot via github.com/ema/qdisc, i.e. the common counters only; the kind
// specific options and xstats are not available through this source.

//go:build linux

package qdisc

import (
	emaqdisc "github.com/ema/qdisc"
)

var EmaSourceAvail = true

type EmaSnapshotSource struct {
	// Mockable for testing:
	getFn func() ([]emaqdisc.QdiscInfo, error)
}

func NewEmaSnapshotSource() *EmaSnapshotSource {
	return &EmaSnapshotSource{getFn: emaqdisc.Get}
}

func (src *EmaSnapshotSource) Snapshot(iface string, parent TcHandle) ([]map[string]any, error) {
	qdiscInfo, err := src.getFn()
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0)
	for _, qi := range qdiscInfo {
		if qi.IfaceName != iface {
			continue
		}
		// The root parent is reported as 0:
		qiParent := qi.Parent
		if qiParent == TC_H_UNSPEC {
			qiParent = TC_H_ROOT
		}
		if !parent.IsNone() && qiParent != parent.Uint32() {
			continue
		}
		entry := kernelEntry(qi.Kind, qi.Handle, qiParent)
		entry["bytes"] = qi.Bytes
		entry["packets"] = qi.Packets
		entry["drops"] = qi.Drops
		entry["requeues"] = qi.Requeues
		entry["overlimits"] = qi.Overlimits
		entry["qlen"] = qi.Qlen
		entry["backlog"] = qi.Backlog
		entries = append(entries, entry)
	}
	return entries, nil
}
