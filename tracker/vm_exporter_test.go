package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/testutils"
	"github.com/jaber-the-great/LibreQoS/qdisc"
)

type VmExporterTestCase struct {
	name       string
	targetSize int
	records    []*QdiscRecord
	// Expected metrics, w/o the timestamp suffix:
	wantMetrics []string
	// Whether wantMetrics is a subset of the exported metrics:
	partial bool
	// Expected number of queued buffers:
	wantQueued int
}

func testVmQdisc(t *testing.T, entry map[string]any) qdisc.QueueDiscipline {
	qd, err := qdisc.Decode(entry)
	if err != nil {
		t.Fatal(err)
	}
	return qd
}

func testVmExporter(tc *VmExporterTestCase, t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	mq := testutils.NewTestMetricsQueue(tc.targetSize)
	exporter, err := NewVmExporter(nil, mq)
	if err != nil {
		tlc.Fatal(err)
	}

	ts := time.UnixMilli(1700000000456)
	batch := &QdiscRecordBatch{
		BatchId:   "b",
		Instance:  "lqt",
		Hostname:  "node1",
		Timestamp: ts,
		Records:   tc.records,
	}
	if err := exporter.ExportRecords(batch); err != nil {
		tlc.Fatal(err)
	}

	wantMetrics := make([]string, len(tc.wantMetrics))
	for i, metric := range tc.wantMetrics {
		wantMetrics[i] = fmt.Sprintf("%s %d", metric, ts.UnixMilli())
	}
	errBuf := mq.GenerateReport(wantMetrics, !tc.partial, nil)

	gets, queued, returned := mq.BufCounts()
	if gets != queued+returned {
		fmt.Fprintf(errBuf, "\nbuffers: get: %d != queued: %d + returned: %d", gets, queued, returned)
	}
	if queued != tc.wantQueued {
		fmt.Fprintf(errBuf, "\nqueued buffers: want: %d, got: %d", tc.wantQueued, queued)
	}
	if errBuf.Len() > 0 {
		tlc.Fatal(errBuf)
	}
}

func TestVmExporter(t *testing.T) {
	labels := func(circuitId, direction, iface, kind, handle, parent string) string {
		return fmt.Sprintf(
			`inst="lqt",node="node1",circuit_id="%s",direction="%s",iface="%s",kind="%s",handle="%s",parent="%s"`,
			circuitId, direction, iface, kind, handle, parent,
		)
	}
	fqCodel := func(t *testing.T) qdisc.QueueDiscipline {
		return testVmQdisc(t, map[string]any{
			"kind": "fq_codel", "handle": "8001:", "parent": "1:2",
			"bytes": 1000, "packets": 10, "drops": 1, "overlimits": 2, "requeues": 3,
			"backlog": 4, "qlen": 5, "maxpacket": 1514, "drop_overlimit": 6,
			"new_flow_count": 7, "ecn_mark": 8, "new_flows_len": 9, "old_flows_len": 10,
			"options": map[string]any{"limit": 10240, "ecn": true},
		})
	}
	fqCodelLabels := labels("c1", "download", "ifA", "fq_codel", "8001:0", "1:2")
	fqCodelMetrics := []string{
		`lqtracker_qdisc_backlog{` + fqCodelLabels + `} 4`,
		`lqtracker_qdisc_bytes{` + fqCodelLabels + `} 1000`,
		`lqtracker_qdisc_drop_overlimit{` + fqCodelLabels + `} 6`,
		`lqtracker_qdisc_drops{` + fqCodelLabels + `} 1`,
		`lqtracker_qdisc_ecn_mark{` + fqCodelLabels + `} 8`,
		`lqtracker_qdisc_maxpacket{` + fqCodelLabels + `} 1514`,
		`lqtracker_qdisc_new_flow_count{` + fqCodelLabels + `} 7`,
		`lqtracker_qdisc_new_flows_len{` + fqCodelLabels + `} 9`,
		`lqtracker_qdisc_old_flows_len{` + fqCodelLabels + `} 10`,
		`lqtracker_qdisc_overlimits{` + fqCodelLabels + `} 2`,
		`lqtracker_qdisc_packets{` + fqCodelLabels + `} 10`,
		`lqtracker_qdisc_qlen{` + fqCodelLabels + `} 5`,
		`lqtracker_qdisc_requeues{` + fqCodelLabels + `} 3`,
	}

	for _, tc := range []*VmExporterTestCase{
		{
			name:       "no_records",
			targetSize: 1 << 16,
			wantQueued: 0,
		},
		{
			name:       "fq_codel",
			targetSize: 1 << 16,
			records: []*QdiscRecord{
				{CircuitId: "c1", Direction: DIRECTION_DOWNLOAD, Interface: "ifA", Qdisc: fqCodel(t)},
			},
			wantMetrics: fqCodelMetrics,
			wantQueued:  1,
		},
		{
			name:       "unrecognized",
			targetSize: 1 << 16,
			records: []*QdiscRecord{
				{
					CircuitId: "c2",
					Direction: DIRECTION_UPLOAD,
					Interface: "ifB",
					Qdisc: testVmQdisc(t, map[string]any{
						"kind": "cake", "handle": "8011:", "parent": "2:3",
						"bytes": 5, "packets": 1, "memory_used": 2048,
					}),
				},
			},
			// Only the envelope is known, there is nothing to export:
			wantQueued: 0,
		},
		{
			name:       "escaped_label_value",
			targetSize: 1 << 16,
			records: []*QdiscRecord{
				{CircuitId: `c"3\x`, Direction: DIRECTION_DOWNLOAD, Interface: "ifA", Qdisc: fqCodel(t)},
			},
			wantMetrics: []string{
				`lqtracker_qdisc_bytes{` + labels(`c\"3\\x`, "download", "ifA", "fq_codel", "8001:0", "1:2") + `} 1000`,
			},
			partial:    true,
			wantQueued: 1,
		},
		{
			name:       "small_target_size",
			targetSize: 1,
			records: []*QdiscRecord{
				{CircuitId: "c1", Direction: DIRECTION_DOWNLOAD, Interface: "ifA", Qdisc: fqCodel(t)},
				{CircuitId: "c9", Direction: DIRECTION_DOWNLOAD, Interface: "ifA", Qdisc: fqCodel(t)},
			},
			wantMetrics: fqCodelMetrics,
			partial:     true,
			wantQueued:  2,
		},
	} {
		t.Run(
			tc.name,
			func(t *testing.T) { testVmExporter(tc, t) },
		)
	}
}
