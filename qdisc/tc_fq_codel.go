// fq_codel qdisc, e.g.:
//
//	{"kind":"fq_codel","handle":"0:","parent":"7fff:a",
//	 "options":{"limit":10240,"flows":1024,"quantum":1514,"target":4999,"interval":99999,
//	            "memory_limit":33554432,"ecn":true,"drop_batch":64},
//	 "bytes":560,"packets":8,"drops":0,"overlimits":0,"requeues":0,"backlog":0,"qlen":0,
//	 "maxpacket":0,"drop_overlimit":0,"new_flow_count":0,"ecn_mark":0,"new_flows_len":0,"old_flows_len":0}

package qdisc

const (
	QDISC_KIND_FQ_CODEL = "fq_codel"
)

type TcFqCodel struct {
	QdiscCommon
	Maxpacket     uint16
	DropOverlimit uint32
	NewFlowCount  uint32
	EcnMark       uint32
	NewFlowsLen   uint16
	OldFlowsLen   uint16
	Options       TcFqCodelOptions
}

// Target, Interval and CeThreshold are in the scale used by tc (usec), they are
// stored and re-derived in the same scale w/o conversion.
type TcFqCodelOptions struct {
	Limit       uint32
	Flows       uint16
	Quantum     uint16
	Target      uint64
	Interval    uint64
	MemoryLimit uint32
	Ecn         bool
	DropBatch   uint16
	CeThreshold uint64
}

func decodeFqCodel(common QdiscCommon, entry map[string]any) (QueueDiscipline, error) {
	fqc := &TcFqCodel{QdiscCommon: common}
	for key, value := range entry {
		if isEnvelopeKey(key) {
			continue
		}
		handled, err := fqc.decodeCounter(key, value)
		if err != nil {
			return nil, err
		}
		if handled {
			continue
		}

		var v uint64
		switch key {
		case "maxpacket":
			v, err = fieldUint64(key, value)
			fqc.Maxpacket = uint16(v)
		case "drop_overlimit":
			v, err = fieldUint64(key, value)
			fqc.DropOverlimit = uint32(v)
		case "new_flow_count":
			v, err = fieldUint64(key, value)
			fqc.NewFlowCount = uint32(v)
		case "ecn_mark":
			v, err = fieldUint64(key, value)
			fqc.EcnMark = uint32(v)
		case "new_flows_len":
			v, err = fieldUint64(key, value)
			fqc.NewFlowsLen = uint16(v)
		case "old_flows_len":
			v, err = fieldUint64(key, value)
			fqc.OldFlowsLen = uint16(v)
		case QDISC_OPTIONS_FIELD:
			err = fqc.Options.decode(entry)
		default:
			logUnknownKey(QDISC_KIND_FQ_CODEL, key)
		}
		if err != nil {
			return nil, err
		}
	}
	return fqc, nil
}

func (opts *TcFqCodelOptions) decode(entry map[string]any) error {
	options, err := entryOptions(entry)
	if err != nil {
		return err
	}
	for key, value := range options {
		var v uint64
		switch key {
		case "limit":
			v, err = fieldUint64(key, value)
			opts.Limit = uint32(v)
		case "flows":
			v, err = fieldUint64(key, value)
			opts.Flows = uint16(v)
		case "quantum":
			v, err = fieldUint64(key, value)
			opts.Quantum = uint16(v)
		case "target":
			opts.Target, err = fieldUint64(key, value)
		case "interval":
			opts.Interval, err = fieldUint64(key, value)
		case "memory_limit":
			v, err = fieldUint64(key, value)
			opts.MemoryLimit = uint32(v)
		case "ecn":
			opts.Ecn, err = fieldBool(key, value)
		case "drop_batch":
			v, err = fieldUint64(key, value)
			opts.DropBatch = uint16(v)
		case "ce_threshold":
			opts.CeThreshold, err = fieldUint64(key, value)
		default:
			logUnknownKey(QDISC_KIND_FQ_CODEL+"."+QDISC_OPTIONS_FIELD, key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (fqc *TcFqCodel) WireFields() map[string]any {
	fields := fqc.QdiscCommon.WireFields()
	fields["maxpacket"] = uint64(fqc.Maxpacket)
	fields["drop_overlimit"] = uint64(fqc.DropOverlimit)
	fields["new_flow_count"] = uint64(fqc.NewFlowCount)
	fields["ecn_mark"] = uint64(fqc.EcnMark)
	fields["new_flows_len"] = uint64(fqc.NewFlowsLen)
	fields["old_flows_len"] = uint64(fqc.OldFlowsLen)
	options := map[string]any{
		"limit":        uint64(fqc.Options.Limit),
		"flows":        uint64(fqc.Options.Flows),
		"quantum":      uint64(fqc.Options.Quantum),
		"target":       fqc.Options.Target,
		"interval":     fqc.Options.Interval,
		"memory_limit": uint64(fqc.Options.MemoryLimit),
		"ecn":          fqc.Options.Ecn,
		"drop_batch":   uint64(fqc.Options.DropBatch),
	}
	// tc prints it only if set:
	if fqc.Options.CeThreshold != 0 {
		options["ce_threshold"] = fqc.Options.CeThreshold
	}
	fields[QDISC_OPTIONS_FIELD] = options
	return fields
}

func init() {
	RegisterQdiscCodec(QDISC_KIND_FQ_CODEL, &QdiscCodec{Decode: decodeFqCodel})
}
