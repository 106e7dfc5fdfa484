package qdisc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/testutils"
)

type TcSnapshotSourceTestCase struct {
	name        string
	iface       string
	parent      TcHandle
	out         []byte
	runErr      error
	wantCmdLine string
	wantCount   int
	wantErr     bool
}

func testTcSnapshotSource(tc *TcSnapshotSourceTestCase, t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	src := NewTcSnapshotSource("tc", 0)
	gotCmdLine := ""
	src.runFn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if _, ok := ctx.Deadline(); !ok {
			return nil, fmt.Errorf("context w/o deadline")
		}
		gotCmdLine = name + " " + strings.Join(args, " ")
		return tc.out, tc.runErr
	}

	entries, err := src.Snapshot(tc.iface, tc.parent)
	if tc.wantCmdLine != gotCmdLine {
		tlc.Fatalf("command line: want: %q, got: %q", tc.wantCmdLine, gotCmdLine)
	}
	if tc.wantErr {
		if err == nil {
			tlc.Fatal("want error")
		}
		return
	}
	if err != nil {
		tlc.Fatal(err)
	}
	if len(entries) != tc.wantCount {
		tlc.Fatalf("len(entries): want: %d, got: %d", tc.wantCount, len(entries))
	}
}

func TestTcSnapshotSource(t *testing.T) {
	out, err := os.ReadFile(tcQdiscShowTestFile)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []*TcSnapshotSourceTestCase{
		{
			name:        "all",
			iface:       "eth0",
			parent:      TcHandleNone,
			out:         out,
			wantCmdLine: "tc -s -j qdisc show dev eth0",
			wantCount:   6,
		},
		{
			name:        "parent",
			iface:       "eth1",
			parent:      NewTcHandle(1, 0x2a),
			out:         []byte(`[{"kind":"fq_codel","handle":"8001:","parent":"1:2a"}]`),
			wantCmdLine: "tc -s -j qdisc show dev eth1 parent 1:2a",
			wantCount:   1,
		},
		{
			name:        "no_output",
			iface:       "eth1",
			parent:      NewTcHandle(1, 3),
			out:         []byte("\n"),
			wantCmdLine: "tc -s -j qdisc show dev eth1 parent 1:3",
			wantCount:   0,
		},
		{
			name:        "run_error",
			iface:       "nosuchdev",
			runErr:      errors.New("exit status 1"),
			wantCmdLine: "tc -s -j qdisc show dev nosuchdev",
			wantErr:     true,
		},
		{
			name:        "malformed",
			iface:       "eth0",
			out:         []byte(`[{"kind":`),
			wantCmdLine: "tc -s -j qdisc show dev eth0",
			wantErr:     true,
		},
	} {
		t.Run(
			tc.name,
			func(t *testing.T) { testTcSnapshotSource(tc, t) },
		)
	}
}

func TestNewSnapshotSource(t *testing.T) {
	for _, source := range []string{SNAPSHOT_SOURCE_TC, SNAPSHOT_SOURCE_NETLINK, SNAPSHOT_SOURCE_EMA} {
		cfg := DefaultSnapshotSourceConfig()
		cfg.Source = source
		if _, err := NewSnapshotSource(cfg); err != nil {
			t.Fatalf("%s: %v", source, err)
		}
	}
	if _, err := NewSnapshotSource(&SnapshotSourceConfig{Source: "bogus"}); err == nil {
		t.Fatal("bogus: want error")
	}
}
