package qdisc

import (
	"errors"
	"reflect"
	"testing"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/testutils"
)

const fqCodelTestEntryJson = `{
	"kind":"fq_codel","handle":"0:","parent":"7fff:a",
	"bytes":560,"packets":8,"drops":0,"overlimits":0,"requeues":0,"backlog":0,"qlen":0,
	"options":{"limit":10240,"flows":1024,"quantum":1514,"target":4999,"interval":99999,
	           "memory_limit":33554432,"ecn":true,"drop_batch":64}
}`

func parseTestEntry(t *testing.T, data string) map[string]any {
	entries, err := ParseTcJson([]byte("[" + data + "]"))
	if err != nil {
		t.Fatal(err)
	}
	return entries[0]
}

func cloneEntry(entry map[string]any) map[string]any {
	clone := make(map[string]any, len(entry))
	for key, value := range entry {
		if m, ok := value.(map[string]any); ok {
			value = cloneEntry(m)
		}
		clone[key] = value
	}
	return clone
}

func TestDecodeFqCodel(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	q, err := Decode(parseTestEntry(t, fqCodelTestEntryJson))
	if err != nil {
		tlc.Fatal(err)
	}
	fqc, ok := q.(*TcFqCodel)
	if !ok {
		tlc.Fatalf("want *TcFqCodel, got %T", q)
	}

	if want := NewTcHandle(0x7fff, 0xa); fqc.Parent != want {
		tlc.Fatalf("parent: want: %s, got: %s", want, fqc.Parent)
	}
	if want := NewTcHandle(0, 0); fqc.Handle != want {
		tlc.Fatalf("handle: want: %s, got: %s", want, fqc.Handle)
	}
	if fqc.Kind != QDISC_KIND_FQ_CODEL {
		tlc.Fatalf("kind: want: %q, got: %q", QDISC_KIND_FQ_CODEL, fqc.Kind)
	}
	if got := fqc.Uint64[QDISC_BYTES]; got != 560 {
		tlc.Fatalf("bytes: want: 560, got: %d", got)
	}
	if got := fqc.Uint32[QDISC_PACKETS]; got != 8 {
		tlc.Fatalf("packets: want: 8, got: %d", got)
	}
	wantOptions := TcFqCodelOptions{
		Limit:       10240,
		Flows:       1024,
		Quantum:     1514,
		Target:      4999,
		Interval:    99999,
		MemoryLimit: 33554432,
		Ecn:         true,
		DropBatch:   64,
	}
	if wantOptions != fqc.Options {
		tlc.Fatalf("options:\nwant: %+v\n got: %+v", wantOptions, fqc.Options)
	}
}

func TestDecodeWireFieldsRoundTrip(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	for _, data := range []string{
		fqCodelTestEntryJson,
		`{"kind":"fq_codel","handle":"8001:","parent":"1:2",
		  "bytes":123456789012,"packets":4000000000,"drops":7,"overlimits":1,"requeues":2,"backlog":1514,"qlen":1,
		  "maxpacket":1514,"drop_overlimit":3,"new_flow_count":100,"ecn_mark":4,"new_flows_len":1,"old_flows_len":2,
		  "options":{"limit":10240,"flows":1024,"quantum":300,"target":5000,"interval":100000,
		             "memory_limit":33554432,"ecn":false,"drop_batch":64,"ce_threshold":2000}}`,
		`{"kind":"htb","handle":"1:","root":true,
		  "options":{"r2q":10,"default":"0x2","direct_packets_stat":7,"direct_qlen":1000},
		  "bytes":1016,"packets":12,"drops":0,"overlimits":0,"requeues":0,"backlog":0,"qlen":0}`,
		`{"kind":"mq","handle":"7fff:","root":true,"options":{},
		  "bytes":112750,"packets":1076,"drops":0,"overlimits":0,"requeues":1,"backlog":0,"qlen":0}`,
	} {
		entry := parseTestEntry(t, data)
		q, err := Decode(entry)
		if err != nil {
			tlc.Fatal(err)
		}
		q2, err := Decode(q.WireFields())
		if err != nil {
			tlc.Fatal(err)
		}
		if !reflect.DeepEqual(q, q2) {
			tlc.Fatalf("round trip:\nwant: %+v\n got: %+v", q, q2)
		}

		// The re-derived fields match the input:
		fields := q.WireFields()
		for key, value := range entry {
			if key == QDISC_OPTIONS_FIELD || isEnvelopeKey(key) {
				continue
			}
			want, _ := fieldUint64(key, value)
			got, err := fieldUint64(key, fields[key])
			if err != nil {
				tlc.Fatal(err)
			}
			if want != got {
				tlc.Fatalf("%s: want: %d, got: %d", key, want, got)
			}
		}
	}
}

func TestDecodeTruncation(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	// Packets wider than the wire width are truncated, bytes are not:
	entry := parseTestEntry(t, `{"kind":"fq_codel","handle":"0:","parent":"1:1",
		"packets":4294967297,"bytes":4294967297}`)
	q, err := Decode(entry)
	if err != nil {
		tlc.Fatal(err)
	}
	if got := q.Common().Uint32[QDISC_PACKETS]; got != 1 {
		tlc.Fatalf("packets: want: 1, got: %d", got)
	}
	if got := q.Common().Uint64[QDISC_BYTES]; got != 4294967297 {
		tlc.Fatalf("bytes: want: 4294967297, got: %d", got)
	}
}

func TestDecodeUnknownKeys(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	entry := parseTestEntry(t, fqCodelTestEntryJson)
	want, err := Decode(entry)
	if err != nil {
		tlc.Fatal(err)
	}

	unknownKeyLog.Reset()
	withUnknown := cloneEntry(entry)
	withUnknown["future_counter"] = 42
	withUnknown[QDISC_OPTIONS_FIELD].(map[string]any)["future_option"] = "x"
	for i := 0; i < 3; i++ {
		got, err := Decode(withUnknown)
		if err != nil {
			tlc.Fatal(err)
		}
		if !reflect.DeepEqual(want, got) {
			tlc.Fatalf("\nwant: %+v\n got: %+v", want, got)
		}
	}
	// Each distinct key logged once:
	if got := unknownKeyLog.Count(); got != 2 {
		tlc.Fatalf("unknown keys logged: want: 2, got: %d", got)
	}
}

func TestDecodeUnrecognizedKind(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	entry := parseTestEntry(t, `{"kind":"cake","handle":"8011:","parent":"1:3",
		"options":{"bandwidth":"unlimited"},"bytes":100,"packets":1}`)
	q, err := Decode(entry)
	if err != nil {
		tlc.Fatal(err)
	}
	u, ok := q.(*Unrecognized)
	if !ok {
		tlc.Fatalf("want *Unrecognized, got %T", q)
	}
	if u.Kind != "cake" || u.Handle != NewTcHandle(0x8011, 0) || u.Parent != NewTcHandle(1, 3) {
		tlc.Fatalf("envelope: got: %s %s %s", u.Kind, u.Handle, u.Parent)
	}
	if _, ok := u.Fields["bandwidth"]; ok {
		tlc.Fatal("options flattened into fields")
	}
	if _, ok := u.Fields[QDISC_OPTIONS_FIELD]; !ok {
		tlc.Fatal("options not retained")
	}
	// Only the envelope is re-derived:
	if fields := u.WireFields(); len(fields) != 3 {
		tlc.Fatalf("WireFields: want 3 fields, got: %v", fields)
	}

	// The retained fields are not affected by changes to the input:
	entry["bytes"] = "changed"
	entry[QDISC_OPTIONS_FIELD].(map[string]any)["bandwidth"] = "changed"
	if got := u.Fields["bytes"]; got == "changed" {
		tlc.Fatal("Fields[bytes] shared w/ the input")
	}
	options, _ := u.Fields[QDISC_OPTIONS_FIELD].(map[string]any)
	if got := options["bandwidth"]; got != "unlimited" {
		tlc.Fatalf("Fields[options][bandwidth]: want: %q, got: %v", "unlimited", got)
	}
}

type DecodeErrorTestCase struct {
	name    string
	data    string
	wantErr error
}

func testDecodeError(tc *DecodeErrorTestCase, t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	q, err := Decode(parseTestEntry(t, tc.data))
	if err == nil {
		tlc.Fatalf("want error, got %+v", q)
	}
	if !errors.Is(err, tc.wantErr) {
		tlc.Fatalf("want: %v, got: %v", tc.wantErr, err)
	}
}

func TestDecodeError(t *testing.T) {
	for _, tc := range []*DecodeErrorTestCase{
		{
			name:    "missing_handle",
			data:    `{"kind":"fq_codel","parent":"1:1"}`,
			wantErr: ErrInvalidHandle,
		},
		{
			name:    "invalid_handle",
			data:    `{"kind":"fq_codel","handle":"bogus","parent":"1:1"}`,
			wantErr: ErrInvalidHandle,
		},
		{
			name:    "numeric_handle",
			data:    `{"kind":"fq_codel","handle":1,"parent":"1:1"}`,
			wantErr: ErrInvalidHandle,
		},
		{
			name:    "missing_parent",
			data:    `{"kind":"fq_codel","handle":"1:"}`,
			wantErr: ErrInvalidHandle,
		},
		{
			name:    "invalid_parent_unknown_kind",
			data:    `{"kind":"cake","handle":"1:","parent":"1:2:3"}`,
			wantErr: ErrInvalidHandle,
		},
		{
			name:    "options_list",
			data:    `{"kind":"fq_codel","handle":"1:","parent":"1:1","options":[1,2]}`,
			wantErr: ErrInvalidOptionsShape,
		},
		{
			name:    "options_string",
			data:    `{"kind":"htb","handle":"1:","root":true,"options":"r2q 10"}`,
			wantErr: ErrInvalidOptionsShape,
		},
		{
			name:    "options_null",
			data:    `{"kind":"mq","handle":"1:","root":true,"options":null}`,
			wantErr: ErrInvalidOptionsShape,
		},
		{
			name:    "negative_counter",
			data:    `{"kind":"fq_codel","handle":"1:","parent":"1:1","drops":-1}`,
			wantErr: ErrInvalidFieldValue,
		},
		{
			name:    "string_counter",
			data:    `{"kind":"fq_codel","handle":"1:","parent":"1:1","bytes":"100"}`,
			wantErr: ErrInvalidFieldValue,
		},
		{
			name:    "fractional_option",
			data:    `{"kind":"fq_codel","handle":"1:","parent":"1:1","options":{"limit":1.5}}`,
			wantErr: ErrInvalidFieldValue,
		},
		{
			name:    "ecn_not_bool",
			data:    `{"kind":"fq_codel","handle":"1:","parent":"1:1","options":{"ecn":1}}`,
			wantErr: ErrInvalidFieldValue,
		},
		{
			name:    "htb_default_not_hex",
			data:    `{"kind":"htb","handle":"1:","root":true,"options":{"default":"0xzz"}}`,
			wantErr: ErrInvalidFieldValue,
		},
	} {
		t.Run(
			tc.name,
			func(t *testing.T) { testDecodeError(tc, t) },
		)
	}
}

func TestDecodeRootParent(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	q, err := Decode(parseTestEntry(t, `{"kind":"mq","handle":"7fff:","root":true}`))
	if err != nil {
		tlc.Fatal(err)
	}
	if !q.Common().Parent.IsRoot() {
		tlc.Fatalf("parent: want root, got: %s", q.Common().Parent)
	}
	fields := q.WireFields()
	if fields[QDISC_ROOT_FIELD] != true {
		tlc.Fatalf("WireFields: want root:true, got: %v", fields)
	}
	if _, ok := fields[QDISC_PARENT_FIELD]; ok {
		tlc.Fatalf("WireFields: unexpected parent: %v", fields)
	}
}

func TestDecodeNativeValues(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	// As populated by the kernel sources:
	entry := map[string]any{
		QDISC_KIND_FIELD:   QDISC_KIND_FQ_CODEL,
		QDISC_HANDLE_FIELD: "8001:0",
		QDISC_PARENT_FIELD: "1:2",
		"bytes":            uint64(1 << 40),
		"packets":          uint32(1000),
		"maxpacket":        uint32(1514),
		QDISC_OPTIONS_FIELD: map[string]any{
			"target": uint32(4999),
			"ecn":    true,
		},
	}
	q, err := Decode(entry)
	if err != nil {
		tlc.Fatal(err)
	}
	fqc := q.(*TcFqCodel)
	if fqc.Uint64[QDISC_BYTES] != 1<<40 || fqc.Uint32[QDISC_PACKETS] != 1000 {
		tlc.Fatalf("counters: got: %v %v", fqc.Uint64, fqc.Uint32)
	}
	if fqc.Maxpacket != 1514 || fqc.Options.Target != 4999 || !fqc.Options.Ecn {
		tlc.Fatalf("got: %+v", fqc)
	}
}

func TestRegisterQdiscCodec(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	const kind = "test_codec"
	type testQdisc struct {
		QdiscCommon
		Extra uint64
	}
	RegisterQdiscCodec(kind, &QdiscCodec{
		Decode: func(common QdiscCommon, entry map[string]any) (QueueDiscipline, error) {
			extra, err := fieldUint64("extra", entry["extra"])
			if err != nil {
				return nil, err
			}
			return &testQdisc{QdiscCommon: common, Extra: extra}, nil
		},
	})
	defer func() {
		qdiscCodecsMu.Lock()
		delete(qdiscCodecs, kind)
		qdiscCodecsMu.Unlock()
	}()

	q, err := Decode(map[string]any{
		QDISC_KIND_FIELD:   kind,
		QDISC_HANDLE_FIELD: "1:",
		QDISC_ROOT_FIELD:   true,
		"extra":            13,
	})
	if err != nil {
		tlc.Fatal(err)
	}
	if tq, ok := q.(*testQdisc); !ok || tq.Extra != 13 {
		tlc.Fatalf("got: %#v", q)
	}
	// The existing kinds are unaffected:
	if _, err := Decode(parseTestEntry(t, fqCodelTestEntryJson)); err != nil {
		tlc.Fatal(err)
	}
}
