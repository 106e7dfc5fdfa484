// Typed qdisc records decoded from tc -s -j qdisc show entries.

// Each entry is a loosely typed field map sharing a common envelope (kind,
// handle, parent, basic/queue counters) and a kind specific options sub-map.
// The decoding is dispatched by kind through a codec table; kinds w/o a codec
// are decoded as Unrecognized, rather than failing.

package qdisc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
)

// Common counters, presented as arrays of fixed width integers, indexed by the
// constants below, to allow processing in a loop:
const (
	// uint32 indices:
	QDISC_PACKETS = iota
	QDISC_DROPS
	QDISC_OVERLIMITS
	QDISC_REQUEUES
	QDISC_BACKLOG
	QDISC_QLEN

	// Must be last:
	QDISC_UINT32_NUM_STATS
)

const (
	// uint64 indices:
	QDISC_BYTES = iota

	// Must be last:
	QDISC_UINT64_NUM_STATS
)

// Wire field names:
const (
	QDISC_KIND_FIELD    = "kind"
	QDISC_HANDLE_FIELD  = "handle"
	QDISC_PARENT_FIELD  = "parent"
	QDISC_ROOT_FIELD    = "root"
	QDISC_OPTIONS_FIELD = "options"
)

// The packet counters are truncated to 32 bit, as they are on the wire; they
// will wrap around for long lived, high rate qdiscs.
var QdiscUint32FieldNames = [QDISC_UINT32_NUM_STATS]string{
	QDISC_PACKETS:    "packets",
	QDISC_DROPS:      "drops",
	QDISC_OVERLIMITS: "overlimits",
	QDISC_REQUEUES:   "requeues",
	QDISC_BACKLOG:    "backlog",
	QDISC_QLEN:       "qlen",
}

var QdiscUint64FieldNames = [QDISC_UINT64_NUM_STATS]string{
	QDISC_BYTES: "bytes",
}

var (
	qdiscUint32FieldIndex = make(map[string]int)
	qdiscUint64FieldIndex = make(map[string]int)
)

func init() {
	for i, name := range QdiscUint32FieldNames {
		qdiscUint32FieldIndex[name] = i
	}
	for i, name := range QdiscUint64FieldNames {
		qdiscUint64FieldIndex[name] = i
	}
}

var (
	ErrInvalidOptionsShape = errors.New("invalid options shape")
	ErrInvalidFieldValue   = errors.New("invalid field value")
)

var qdiscLog = logger.NewCompLogger("qdisc")

// The envelope and the common counters:
type QdiscCommon struct {
	Kind   string
	Handle TcHandle
	Parent TcHandle
	Uint32 [QDISC_UINT32_NUM_STATS]uint32
	Uint64 [QDISC_UINT64_NUM_STATS]uint64
}

func (qc *QdiscCommon) Common() *QdiscCommon {
	return qc
}

// The envelope fields, in wire format:
func (qc *QdiscCommon) envelopeWireFields() map[string]any {
	fields := map[string]any{
		QDISC_KIND_FIELD:   qc.Kind,
		QDISC_HANDLE_FIELD: qc.Handle.String(),
	}
	if qc.Parent.IsRoot() {
		fields[QDISC_ROOT_FIELD] = true
	} else {
		fields[QDISC_PARENT_FIELD] = qc.Parent.String()
	}
	return fields
}

func (qc *QdiscCommon) WireFields() map[string]any {
	fields := qc.envelopeWireFields()
	for i, name := range QdiscUint32FieldNames {
		fields[name] = uint64(qc.Uint32[i])
	}
	for i, name := range QdiscUint64FieldNames {
		fields[name] = qc.Uint64[i]
	}
	return fields
}

// Decode a common counter, if applicable; return true if the key was handled:
func (qc *QdiscCommon) decodeCounter(key string, value any) (bool, error) {
	if i, ok := qdiscUint32FieldIndex[key]; ok {
		v, err := fieldUint64(key, value)
		if err != nil {
			return true, err
		}
		qc.Uint32[i] = uint32(v)
		return true, nil
	}
	if i, ok := qdiscUint64FieldIndex[key]; ok {
		v, err := fieldUint64(key, value)
		if err != nil {
			return true, err
		}
		qc.Uint64[i] = v
		return true, nil
	}
	return false, nil
}

// The discriminated union of decoded qdisc records:
type QueueDiscipline interface {
	Common() *QdiscCommon
	// Re-derive the wire field map from the record:
	WireFields() map[string]any
}

// Fallback for kinds w/o a codec. Only the envelope is decoded, the raw fields
// are retained as-is for diagnostics.
type Unrecognized struct {
	QdiscCommon
	Fields map[string]any
}

func (u *Unrecognized) WireFields() map[string]any {
	return u.envelopeWireFields()
}

// A codec decodes the kind specific fields, i.e. all but kind, handle, parent
// and root, into a record whose envelope was already populated:
type QdiscCodec struct {
	Decode func(common QdiscCommon, entry map[string]any) (QueueDiscipline, error)
}

var (
	qdiscCodecs   = make(map[string]*QdiscCodec)
	qdiscCodecsMu = &sync.RWMutex{}
)

// Adding a new discipline requires a codec registered under its kind:
func RegisterQdiscCodec(kind string, codec *QdiscCodec) {
	qdiscCodecsMu.Lock()
	defer qdiscCodecsMu.Unlock()
	qdiscCodecs[kind] = codec
}

func getQdiscCodec(kind string) *QdiscCodec {
	qdiscCodecsMu.RLock()
	defer qdiscCodecsMu.RUnlock()
	return qdiscCodecs[kind]
}

func SupportedKinds() []string {
	qdiscCodecsMu.RLock()
	defer qdiscCodecsMu.RUnlock()
	kinds := make([]string, 0, len(qdiscCodecs))
	for kind := range qdiscCodecs {
		kinds = append(kinds, kind)
	}
	return kinds
}

func decodeEnvelopeHandle(entry map[string]any, key string) (TcHandle, error) {
	value, ok := entry[key]
	if !ok {
		if key == QDISC_PARENT_FIELD {
			// tc omits the parent for root qdiscs:
			if isRoot, _ := entry[QDISC_ROOT_FIELD].(bool); isRoot {
				return TcHandleRoot, nil
			}
		}
		return TcHandleNone, fmt.Errorf("%w: missing %s", ErrInvalidHandle, key)
	}
	s, ok := value.(string)
	if !ok {
		return TcHandleNone, fmt.Errorf("%w: %s: %T not a string", ErrInvalidHandle, key, value)
	}
	h, err := ParseTcHandle(s)
	if err != nil {
		return TcHandleNone, fmt.Errorf("%s: %w", key, err)
	}
	return h, nil
}

// Decode a single entry. Errors are scoped to the entry; an unsupported kind is
// not an error.
func Decode(entry map[string]any) (QueueDiscipline, error) {
	var (
		common QdiscCommon
		err    error
	)

	common.Kind, _ = entry[QDISC_KIND_FIELD].(string)
	if common.Handle, err = decodeEnvelopeHandle(entry, QDISC_HANDLE_FIELD); err != nil {
		return nil, err
	}
	if common.Parent, err = decodeEnvelopeHandle(entry, QDISC_PARENT_FIELD); err != nil {
		return nil, err
	}

	codec := getQdiscCodec(common.Kind)
	if codec == nil {
		unknownKeyLog.Infof(
			"kind:"+common.Kind,
			"unsupported qdisc kind %q, decoded as unrecognized", common.Kind,
		)
		fields, _ := cloneWireValue(entry).(map[string]any)
		return &Unrecognized{QdiscCommon: common, Fields: fields}, nil
	}
	return codec.Decode(common, entry)
}

// Deep copy of the JSON containers; scalars are immutable:
func cloneWireValue(value any) any {
	switch value := value.(type) {
	case map[string]any:
		clone := make(map[string]any, len(value))
		for key, v := range value {
			clone[key] = cloneWireValue(v)
		}
		return clone
	case []any:
		clone := make([]any, len(value))
		for i, v := range value {
			clone[i] = cloneWireValue(v)
		}
		return clone
	}
	return value
}

// Keys handled by Decode before dispatching to the codec:
func isEnvelopeKey(key string) bool {
	switch key {
	case QDISC_KIND_FIELD, QDISC_HANDLE_FIELD, QDISC_PARENT_FIELD, QDISC_ROOT_FIELD:
		return true
	}
	return false
}

// Options, if present, must be a map; return nil if missing:
func entryOptions(entry map[string]any) (map[string]any, error) {
	value, ok := entry[QDISC_OPTIONS_FIELD]
	if !ok {
		return nil, nil
	}
	options, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrInvalidOptionsShape, value)
	}
	return options, nil
}
