package qdisc

import (
	"bytes"
	"errors"
	"os"
	"path"
	"testing"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/testutils"
)

var tcQdiscShowTestFile = path.Join("testdata", "tc_qdisc_show.json")

func TestDecodeBatch(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	data, err := os.ReadFile(tcQdiscShowTestFile)
	if err != nil {
		tlc.Fatal(err)
	}
	entries, err := ParseTcJson(data)
	if err != nil {
		tlc.Fatal(err)
	}

	res := DecodeBatch(entries)

	wantKinds := []string{"mq", "htb", "fq_codel", "cake"}
	gotKinds := make([]string, len(res.Qdiscs))
	for i, q := range res.Qdiscs {
		gotKinds[i] = q.Common().Kind
	}
	errBuf := &bytes.Buffer{}
	if !testutils.CompareSlices(wantKinds, gotKinds, "kinds", errBuf) {
		tlc.Fatal(errBuf)
	}
	if _, ok := res.Qdiscs[3].(*Unrecognized); !ok {
		tlc.Fatalf("entry# 3: want *Unrecognized, got %T", res.Qdiscs[3])
	}
	htb := res.Qdiscs[1].(*TcHtb)
	if htb.Options.Default != 2 || htb.Options.DirectPacketsStat != 7 {
		tlc.Fatalf("htb options: got: %+v", htb.Options)
	}

	if len(res.Errors) != 2 {
		tlc.Fatalf("errors: want 2, got: %v", res.Errors)
	}
	for i, want := range []struct {
		index int
		err   error
	}{
		{4, ErrInvalidHandle},
		{5, ErrInvalidOptionsShape},
	} {
		got := res.Errors[i]
		if got.Index != want.index || got.Kind != QDISC_KIND_FQ_CODEL || !errors.Is(got, want.err) {
			tlc.Fatalf("errors[%d]: want: index %d %v, got: %v", i, want.index, want.err, got)
		}
	}
}

func TestParseTcJsonMalformed(t *testing.T) {
	for _, data := range []string{
		`{"kind":"fq_codel"}`,
		`[{"kind":"fq_codel"`,
		`not json`,
	} {
		if _, err := ParseTcJson([]byte(data)); err == nil {
			t.Fatalf("%q: want error", data)
		}
	}
}

func TestParseTcJsonLargeCounter(t *testing.T) {
	entries, err := ParseTcJson([]byte(`[{"bytes":18446744073709551615}]`))
	if err != nil {
		t.Fatal(err)
	}
	got, err := fieldUint64("bytes", entries[0]["bytes"])
	if err != nil {
		t.Fatal(err)
	}
	if got != 18446744073709551615 {
		t.Fatalf("want: 18446744073709551615, got: %d", got)
	}
}
