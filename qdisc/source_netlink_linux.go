// Snapshot via rtnetlink RTM_GETQDISC dump, a-la tc -s qdisc show.

// Based on https://github.com/ema/qdisc, extended w/ TCA_OPTIONS and
// TCA_XSTATS for the supported kinds. The kernel structures are converted into
// the same loosely typed entries produced by tc -j, such that the same decoder
// applies.

//go:build linux

package qdisc

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

const (
	TCA_UNSPEC = iota
	TCA_KIND
	TCA_OPTIONS
	TCA_STATS
	TCA_XSTATS
	TCA_RATE
	TCA_FCNT
	TCA_STATS2
	TCA_STAB
	// __TCA_MAX
)

const (
	TCA_STATS_UNSPEC = iota
	TCA_STATS_BASIC
	TCA_STATS_RATE_EST
	TCA_STATS_QUEUE
	TCA_STATS_APP
	TCA_STATS_RATE_EST64
	// __TCA_STATS_MAX
)

const (
	TCA_FQ_CODEL_UNSPEC = iota
	TCA_FQ_CODEL_TARGET
	TCA_FQ_CODEL_LIMIT
	TCA_FQ_CODEL_INTERVAL
	TCA_FQ_CODEL_ECN
	TCA_FQ_CODEL_FLOWS
	TCA_FQ_CODEL_QUANTUM
	TCA_FQ_CODEL_CE_THRESHOLD
	TCA_FQ_CODEL_DROP_BATCH_SIZE
	TCA_FQ_CODEL_MEMORY_LIMIT
	// __TCA_FQ_CODEL_MAX

	TCA_FQ_CODEL_XSTATS_QDISC = 0
)

const (
	TCA_HTB_UNSPEC = iota
	TCA_HTB_PARMS
	TCA_HTB_INIT
	TCA_HTB_CTAB
	TCA_HTB_RTAB
	TCA_HTB_DIRECT_QLEN
	TCA_HTB_RATE64
	TCA_HTB_CEIL64
	TCA_HTB_PAD
	TCA_HTB_OFFLOAD
	// __TCA_HTB_MAX
)

const (
	RTM_GETQDISC   = 38
	TCMSG_SIZE     = 20
	NETLINK_FAMILY = 0 // NETLINK_ROUTE
)

var NetlinkSourceAvail = true

type NetlinkSnapshotSource struct{}

func NewNetlinkSnapshotSource() *NetlinkSnapshotSource {
	return &NetlinkSnapshotSource{}
}

// Strip the nested/byte order flags:
func nlaType(attr netlink.Attribute) uint16 {
	return attr.Type &^ (netlink.Nested | netlink.NetByteOrder)
}

func shortAttrErr(what string, attr netlink.Attribute, want int) error {
	return fmt.Errorf("%s: short attribute %d, len=%d < %d", what, nlaType(attr), len(attr.Data), want)
}

// Legacy struct tc_stats:
func parseTCAStats(entry map[string]any, attr netlink.Attribute) error {
	if len(attr.Data) < 36 {
		return shortAttrErr("TCA_STATS", attr, 36)
	}
	entry["bytes"] = nlenc.Uint64(attr.Data[0:8])
	entry["packets"] = nlenc.Uint32(attr.Data[8:12])
	entry["drops"] = nlenc.Uint32(attr.Data[12:16])
	entry["overlimits"] = nlenc.Uint32(attr.Data[16:20])
	entry["qlen"] = nlenc.Uint32(attr.Data[28:32])
	entry["backlog"] = nlenc.Uint32(attr.Data[32:36])
	return nil
}

func parseTCAStats2(entry map[string]any, attr netlink.Attribute) error {
	nested, err := netlink.UnmarshalAttributes(attr.Data)
	if err != nil {
		return err
	}

	for _, a := range nested {
		switch nlaType(a) {
		case TCA_STATS_BASIC:
			if len(a.Data) < 12 {
				return shortAttrErr("TCA_STATS2", a, 12)
			}
			entry["bytes"] = nlenc.Uint64(a.Data[0:8])
			entry["packets"] = nlenc.Uint32(a.Data[8:12])
		case TCA_STATS_QUEUE:
			if len(a.Data) < 20 {
				return shortAttrErr("TCA_STATS2", a, 20)
			}
			entry["qlen"] = nlenc.Uint32(a.Data[0:4])
			entry["backlog"] = nlenc.Uint32(a.Data[4:8])
			entry["drops"] = nlenc.Uint32(a.Data[8:12])
			entry["requeues"] = nlenc.Uint32(a.Data[12:16])
			entry["overlimits"] = nlenc.Uint32(a.Data[16:20])
		default:
		}
	}
	return nil
}

func parseFqCodelOptions(attr netlink.Attribute) (map[string]any, error) {
	nested, err := netlink.UnmarshalAttributes(attr.Data)
	if err != nil {
		return nil, err
	}
	options := make(map[string]any)
	for _, a := range nested {
		if len(a.Data) < 4 {
			continue
		}
		v := nlenc.Uint32(a.Data[0:4])
		switch nlaType(a) {
		case TCA_FQ_CODEL_TARGET:
			options["target"] = v
		case TCA_FQ_CODEL_LIMIT:
			options["limit"] = v
		case TCA_FQ_CODEL_INTERVAL:
			options["interval"] = v
		case TCA_FQ_CODEL_ECN:
			options["ecn"] = v != 0
		case TCA_FQ_CODEL_FLOWS:
			options["flows"] = v
		case TCA_FQ_CODEL_QUANTUM:
			options["quantum"] = v
		case TCA_FQ_CODEL_CE_THRESHOLD:
			options["ce_threshold"] = v
		case TCA_FQ_CODEL_DROP_BATCH_SIZE:
			options["drop_batch"] = v
		case TCA_FQ_CODEL_MEMORY_LIMIT:
			options["memory_limit"] = v
		}
	}
	return options, nil
}

// struct tc_fq_codel_xstats, qdisc_stats variant:
func parseFqCodelXstats(entry map[string]any, attr netlink.Attribute) error {
	if len(attr.Data) < 4 || nlenc.Uint32(attr.Data[0:4]) != TCA_FQ_CODEL_XSTATS_QDISC {
		return nil
	}
	if len(attr.Data) < 28 {
		return shortAttrErr("TCA_XSTATS", attr, 28)
	}
	entry["maxpacket"] = nlenc.Uint32(attr.Data[4:8])
	entry["drop_overlimit"] = nlenc.Uint32(attr.Data[8:12])
	entry["ecn_mark"] = nlenc.Uint32(attr.Data[12:16])
	entry["new_flow_count"] = nlenc.Uint32(attr.Data[16:20])
	entry["new_flows_len"] = nlenc.Uint32(attr.Data[20:24])
	entry["old_flows_len"] = nlenc.Uint32(attr.Data[24:28])
	return nil
}

func parseHtbOptions(attr netlink.Attribute) (map[string]any, error) {
	nested, err := netlink.UnmarshalAttributes(attr.Data)
	if err != nil {
		return nil, err
	}
	options := make(map[string]any)
	for _, a := range nested {
		switch nlaType(a) {
		case TCA_HTB_INIT:
			// struct tc_htb_glob {version, rate2quantum, defcls, debug, direct_pkts}:
			if len(a.Data) < 20 {
				return nil, shortAttrErr("TCA_HTB_INIT", a, 20)
			}
			options["r2q"] = nlenc.Uint32(a.Data[4:8])
			// tc prints the default class as hex:
			options["default"] = fmt.Sprintf("%#x", nlenc.Uint32(a.Data[8:12]))
			options["direct_packets_stat"] = nlenc.Uint32(a.Data[16:20])
		case TCA_HTB_DIRECT_QLEN:
			if len(a.Data) >= 4 {
				options["direct_qlen"] = nlenc.Uint32(a.Data[0:4])
			}
		case TCA_HTB_OFFLOAD:
			options["offload"] = true
		}
	}
	return options, nil
}

func parseQdiscMessage(msg netlink.Message) (map[string]any, uint32, error) {
	if len(msg.Data) < TCMSG_SIZE {
		return nil, 0, fmt.Errorf("short message, len=%d < %d", len(msg.Data), TCMSG_SIZE)
	}
	ifIndex := nlenc.Uint32(msg.Data[4:8])
	handle := nlenc.Uint32(msg.Data[8:12])
	parent := nlenc.Uint32(msg.Data[12:16])

	// The first TCMSG_SIZE bytes are taken by tcmsg:
	attrs, err := netlink.UnmarshalAttributes(msg.Data[TCMSG_SIZE:])
	if err != nil {
		return nil, ifIndex, fmt.Errorf("failed to unmarshal attributes: %v", err)
	}

	// The kind is needed for interpreting the options, locate it first:
	kind := ""
	for _, attr := range attrs {
		if nlaType(attr) == TCA_KIND {
			kind = nlenc.String(attr.Data)
			break
		}
	}
	entry := kernelEntry(kind, handle, parent)

	for _, attr := range attrs {
		switch nlaType(attr) {
		case TCA_STATS2:
			err = parseTCAStats2(entry, attr)
		case TCA_STATS:
			// Legacy, superseded by TCA_STATS2 when both are present:
			if _, ok := entry["bytes"]; !ok {
				err = parseTCAStats(entry, attr)
			}
		case TCA_OPTIONS:
			var options map[string]any
			switch kind {
			case QDISC_KIND_FQ_CODEL:
				options, err = parseFqCodelOptions(attr)
			case QDISC_KIND_HTB:
				options, err = parseHtbOptions(attr)
			}
			if options != nil {
				entry[QDISC_OPTIONS_FIELD] = options
			}
		case TCA_XSTATS:
			if kind == QDISC_KIND_FQ_CODEL {
				err = parseFqCodelXstats(entry, attr)
			}
		}
		if err != nil {
			return nil, ifIndex, err
		}
	}
	return entry, ifIndex, nil
}

func (src *NetlinkSnapshotSource) Snapshot(iface string, parent TcHandle) ([]map[string]any, error) {
	ifa, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}

	c, err := netlink.Dial(NETLINK_FAMILY, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial netlink: %v", err)
	}
	defer c.Close()

	if err := c.SetOption(netlink.GetStrictCheck, true); err != nil {
		// silently accept ENOPROTOOPT errors when kernel is not > 4.20
		if !errors.Is(err, syscall.ENOPROTOOPT) {
			return nil, fmt.Errorf("unexpected error trying to set option NETLINK_GET_STRICT_CHK: %v", err)
		}
	}

	// With strict checking the kernel filters by tcm_ifindex; the filter below
	// covers the older kernels:
	data := make([]byte, TCMSG_SIZE)
	nlenc.PutUint32(data[4:8], uint32(ifa.Index))
	req := netlink.Message{
		Header: netlink.Header{
			Flags: netlink.Request | netlink.Dump,
			Type:  RTM_GETQDISC,
		},
		Data: data,
	}

	msgs, err := c.Execute(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %v", err)
	}

	entries := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		entry, ifIndex, err := parseQdiscMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", iface, err)
		}
		if ifIndex != uint32(ifa.Index) {
			continue
		}
		if !parent.IsNone() && nlenc.Uint32(msg.Data[12:16]) != parent.Uint32() {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
