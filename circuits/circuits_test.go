package circuits

import (
	"os"
	"path"
	"testing"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/internal/testutils"
	"github.com/jaber-the-great/LibreQoS/qdisc"
)

var queuingStructureTestFile = path.Join("testdata", "queuingStructure.json")

func TestLoadQueuingStructure(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	cl, err := LoadQueuingStructure(queuingStructureTestFile)
	if err != nil {
		tlc.Fatal(err)
	}

	for _, tc := range []struct {
		circuitId        string
		download, upload qdisc.TcHandle
		parentNode       string
	}{
		{"100", qdisc.NewTcHandle(3, 5), qdisc.NewTcHandle(4, 5), "Site_1"},
		{"101", qdisc.NewTcHandle(3, 7), qdisc.NewTcHandle(4, 7), "AP_1"},
		{"200", qdisc.NewTcHandle(5, 0xa), qdisc.NewTcHandle(6, 0xa), "Site_2"},
	} {
		download, upload, ok := cl.LookupCircuit(tc.circuitId)
		if !ok {
			tlc.Fatalf("%q: not found", tc.circuitId)
		}
		if download != tc.download || upload != tc.upload {
			tlc.Fatalf("%q: want: %s/%s, got: %s/%s", tc.circuitId, tc.download, tc.upload, download, upload)
		}
		if c := cl.Get(tc.circuitId); c.ParentNode != tc.parentNode {
			tlc.Fatalf("%q: parent node: want: %q, got: %q", tc.circuitId, tc.parentNode, c.ParentNode)
		}
	}

	// No id, invalid class and duplicate id:
	if cl.Len() != 3 || cl.Skipped() != 3 {
		tlc.Fatalf("want 3 circuits, 3 skipped, got: %d, %d", cl.Len(), cl.Skipped())
	}
	if _, _, ok := cl.LookupCircuit("102"); ok {
		tlc.Fatal("102: found despite invalid class")
	}
	if c := cl.Get("100"); c.CircuitName != "Customer A" {
		tlc.Fatalf("100: the 1st occurrence should win, got: %+v", c)
	}

	circuits := cl.Circuits()
	for i := 1; i < len(circuits); i++ {
		if circuits[i-1].CircuitId >= circuits[i].CircuitId {
			tlc.Fatalf("Circuits() not sorted at %d", i)
		}
	}
}

func TestParseQueuingStructureNoNetworkKey(t *testing.T) {
	tlc := testutils.NewTestingLogCollect(t, logger.Log, nil)
	defer tlc.RestoreLog()

	cl, err := ParseQueuingStructure([]byte(`{"Site": {"circuits": [{"circuitId": "1", "classid": "0x1:0x3", "up_classid": "0x2:0x3"}]}}`))
	if err != nil {
		tlc.Fatal(err)
	}
	if cl.Len() != 1 {
		tlc.Fatalf("want 1 circuit, got: %d", cl.Len())
	}
}

func TestParseQueuingStructureInvalid(t *testing.T) {
	for _, data := range []string{
		`{"Network": {`,
		`[1, 2, 3]`,
		`{"Network": "flat"}`,
	} {
		if _, err := ParseQueuingStructure([]byte(data)); err == nil {
			t.Fatalf("%q: want error", data)
		}
	}
}

func TestParseClassId(t *testing.T) {
	for _, tc := range []struct {
		s       string
		want    qdisc.TcHandle
		wantErr bool
	}{
		{"0x3:0x5", qdisc.NewTcHandle(3, 5), false},
		{"3:5", qdisc.NewTcHandle(3, 5), false},
		{"0x1f:0xab", qdisc.NewTcHandle(0x1f, 0xab), false},
		{"0x30005", qdisc.NewTcHandle(3, 5), false},
		{"0xzz:1", qdisc.TcHandleNone, true},
		{"", qdisc.TcHandleNone, true},
	} {
		got, err := ParseClassId(tc.s)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: want error", tc.s)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.s, err)
		}
		if got != tc.want {
			t.Fatalf("%q: want: %s, got: %s", tc.s, tc.want, got)
		}
	}
}

func TestLoadQueuingStructureMissingFile(t *testing.T) {
	if _, err := LoadQueuingStructure(path.Join(t.TempDir(), "nosuchfile.json")); !os.IsNotExist(err) {
		t.Fatalf("want not exist error, got: %v", err)
	}
}
