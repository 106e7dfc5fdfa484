// mq qdisc, the multiqueue root, one child per tx queue, e.g.:
//
//	{"kind":"mq","handle":"7fff:","root":true,"options":{},
//	 "bytes":112750,"packets":1076,"drops":0,"overlimits":0,"requeues":1,"backlog":0,"qlen":0}

package qdisc

const (
	QDISC_KIND_MQ = "mq"
)

type TcMq struct {
	QdiscCommon
}

func decodeMq(common QdiscCommon, entry map[string]any) (QueueDiscipline, error) {
	mq := &TcMq{QdiscCommon: common}
	for key, value := range entry {
		if isEnvelopeKey(key) {
			continue
		}
		handled, err := mq.decodeCounter(key, value)
		if err != nil {
			return nil, err
		}
		if handled {
			continue
		}
		switch key {
		case QDISC_OPTIONS_FIELD:
			options, err := entryOptions(entry)
			if err != nil {
				return nil, err
			}
			for optKey := range options {
				logUnknownKey(QDISC_KIND_MQ+"."+QDISC_OPTIONS_FIELD, optKey)
			}
		default:
			logUnknownKey(QDISC_KIND_MQ, key)
		}
	}
	return mq, nil
}

func (mq *TcMq) WireFields() map[string]any {
	fields := mq.QdiscCommon.WireFields()
	fields[QDISC_OPTIONS_FIELD] = map[string]any{}
	return fields
}

func init() {
	RegisterQdiscCodec(QDISC_KIND_MQ, &QdiscCodec{Decode: decodeMq})
}
