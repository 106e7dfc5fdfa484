// htb qdisc (the class hierarchy root), e.g.:
//
//	{"kind":"htb","handle":"1:","root":true,"refcnt":2,
//	 "options":{"r2q":10,"default":"0x2","direct_packets_stat":7,"direct_qlen":1000},
//	 "bytes":1016,"packets":12,"drops":0,"overlimits":0,"requeues":0,"backlog":0,"qlen":0}

package qdisc

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	QDISC_KIND_HTB = "htb"
)

type TcHtb struct {
	QdiscCommon
	Options TcHtbOptions
}

type TcHtbOptions struct {
	R2q uint32
	// The minor id of the default class:
	Default           uint32
	DirectPacketsStat uint32
	DirectQlen        uint32
	Offload           bool
}

func decodeHtb(common QdiscCommon, entry map[string]any) (QueueDiscipline, error) {
	htb := &TcHtb{QdiscCommon: common}
	for key, value := range entry {
		if isEnvelopeKey(key) {
			continue
		}
		handled, err := htb.decodeCounter(key, value)
		if err != nil {
			return nil, err
		}
		if handled {
			continue
		}
		switch key {
		case QDISC_OPTIONS_FIELD:
			if err = htb.Options.decode(entry); err != nil {
				return nil, err
			}
		default:
			logUnknownKey(QDISC_KIND_HTB, key)
		}
	}
	return htb, nil
}

// tc prints the default class as a hex string:
func htbDefaultClass(key string, value any) (uint64, error) {
	if s, ok := value.(string); ok {
		v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %q", ErrInvalidFieldValue, key, s)
		}
		return v, nil
	}
	return fieldUint64(key, value)
}

func (opts *TcHtbOptions) decode(entry map[string]any) error {
	options, err := entryOptions(entry)
	if err != nil {
		return err
	}
	for key, value := range options {
		var v uint64
		switch key {
		case "r2q":
			v, err = fieldUint64(key, value)
			opts.R2q = uint32(v)
		case "default":
			v, err = htbDefaultClass(key, value)
			opts.Default = uint32(v)
		case "direct_packets_stat":
			v, err = fieldUint64(key, value)
			opts.DirectPacketsStat = uint32(v)
		case "direct_qlen":
			v, err = fieldUint64(key, value)
			opts.DirectQlen = uint32(v)
		case "offload":
			opts.Offload, err = fieldBool(key, value)
		default:
			logUnknownKey(QDISC_KIND_HTB+"."+QDISC_OPTIONS_FIELD, key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (htb *TcHtb) WireFields() map[string]any {
	fields := htb.QdiscCommon.WireFields()
	options := map[string]any{
		"r2q":                 uint64(htb.Options.R2q),
		"default":             fmt.Sprintf("%#x", htb.Options.Default),
		"direct_packets_stat": uint64(htb.Options.DirectPacketsStat),
		"direct_qlen":         uint64(htb.Options.DirectQlen),
	}
	if htb.Options.Offload {
		options["offload"] = true
	}
	fields[QDISC_OPTIONS_FIELD] = options
	return fields
}

func init() {
	RegisterQdiscCodec(QDISC_KIND_HTB, &QdiscCodec{Decode: decodeHtb})
}
