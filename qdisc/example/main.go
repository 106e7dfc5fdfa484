// Dump the decoded qdiscs of an interface, or of a saved tc -s -j output.

package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/docker/go-units"
	"github.com/jaber-the-great/LibreQoS/qdisc"
)

var (
	sourceArg = flag.String("source", qdisc.SNAPSHOT_SOURCE_TC, "Snapshot source: tc, netlink or ema")
	ifaceArg  = flag.String("iface", "", "Interface name")
	parentArg = flag.String("parent", qdisc.TC_HANDLE_NONE_STR, "Parent class, none for all")
	fileArg   = flag.String("file", "", "Decode this tc -s -j qdisc show output instead")
	repeatArg = flag.Duration("repeat", 0, "Repeat at this interval, 0 for once")
)

func dumpQdisc(q qdisc.QueueDiscipline) {
	common := q.Common()
	fmt.Printf(
		"%s handle %s parent %s: sent %s (%d pkt) dropped %d overlimits %d requeues %d backlog %s qlen %d\n",
		common.Kind, common.Handle, common.Parent,
		units.HumanSize(float64(common.Uint64[qdisc.QDISC_BYTES])),
		common.Uint32[qdisc.QDISC_PACKETS],
		common.Uint32[qdisc.QDISC_DROPS],
		common.Uint32[qdisc.QDISC_OVERLIMITS],
		common.Uint32[qdisc.QDISC_REQUEUES],
		units.HumanSize(float64(common.Uint32[qdisc.QDISC_BACKLOG])),
		common.Uint32[qdisc.QDISC_QLEN],
	)
	switch q := q.(type) {
	case *qdisc.TcFqCodel:
		fmt.Printf(
			"  limit %dp flows %d quantum %d target %dus interval %dus memory_limit %s ecn %v drop_batch %d\n",
			q.Options.Limit, q.Options.Flows, q.Options.Quantum,
			q.Options.Target, q.Options.Interval,
			units.BytesSize(float64(q.Options.MemoryLimit)),
			q.Options.Ecn, q.Options.DropBatch,
		)
		fmt.Printf(
			"  maxpacket %d drop_overlimit %d new_flow_count %d ecn_mark %d new_flows_len %d old_flows_len %d\n",
			q.Maxpacket, q.DropOverlimit, q.NewFlowCount, q.EcnMark, q.NewFlowsLen, q.OldFlowsLen,
		)
	case *qdisc.TcHtb:
		fmt.Printf(
			"  r2q %d default %#x direct_packets_stat %d direct_qlen %d\n",
			q.Options.R2q, q.Options.Default, q.Options.DirectPacketsStat, q.Options.DirectQlen,
		)
	case *qdisc.Unrecognized:
		keys := make([]string, 0, len(q.Fields))
		for key := range q.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fmt.Printf("  unrecognized, fields: %v\n", keys)
	}
}

func dump(entries []map[string]any) {
	res := qdisc.DecodeBatch(entries)
	for _, q := range res.Qdiscs {
		dumpQdisc(q)
	}
	for _, err := range res.Errors {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
}

func main() {
	flag.Parse()

	if *fileArg != "" {
		data, err := os.ReadFile(*fileArg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		entries, err := qdisc.ParseTcJson(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		dump(entries)
		return
	}

	if *ifaceArg == "" {
		fmt.Fprintf(os.Stderr, "missing -iface\n")
		os.Exit(1)
	}
	parent, err := qdisc.ParseTcHandle(*parentArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg := qdisc.DefaultSnapshotSourceConfig()
	cfg.Source = *sourceArg
	src, err := qdisc.NewSnapshotSource(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	for {
		entries, err := src.Snapshot(*ifaceArg, parent)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s:\n", time.Now().Format(time.RFC3339Nano))
		dump(entries)
		if *repeatArg <= 0 {
			break
		}
		time.Sleep(*repeatArg)
	}
}
