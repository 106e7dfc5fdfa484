// Circuit -> class directory, loaded from LibreQoS queuingStructure.json.

// The file is a tree of network nodes, optionally under a top level "Network"
// key; each node may have a "circuits" list and a "children" object w/ the
// sub-nodes, e.g.:
//
//	{"Network": {
//	    "Site_1": {
//	        "classid": "0x3:0x1", "up_classid": "0x4:0x1",
//	        "circuits": [
//	            {"circuitId": "100", "circuitName": "Customer", "classid": "0x3:0x5", "up_classid": "0x4:0x5"}
//	        ],
//	        "children": {...}
//	    }
//	}}

package circuits

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jaber-the-great/LibreQoS/internal/logger"
	"github.com/jaber-the-great/LibreQoS/qdisc"
	"github.com/tidwall/gjson"
)

const (
	QUEUING_STRUCTURE_NETWORK_KEY  = "Network"
	QUEUING_STRUCTURE_CIRCUITS_KEY = "circuits"
	QUEUING_STRUCTURE_CHILDREN_KEY = "children"
)

// Alternative spellings, the 1st one found is used:
var (
	circuitIdKeys   = []string{"circuitId", "circuitID", "circuit_id"}
	circuitNameKeys = []string{"circuitName", "circuit_name"}
	downloadKeys    = []string{"classid", "classId", "class_id"}
	uploadKeys      = []string{"up_classid", "up_classId", "up_class_id"}
)

var circuitsLog = logger.NewCompLogger("circuits")

type Circuit struct {
	CircuitId     string         `json:"circuit_id"`
	CircuitName   string         `json:"circuit_name,omitempty"`
	ParentNode    string         `json:"parent_node,omitempty"`
	DownloadClass qdisc.TcHandle `json:"download_class"`
	UploadClass   qdisc.TcHandle `json:"upload_class"`
}

// Immutable once loaded; a reload builds a new list.
type CircuitList struct {
	circuits map[string]*Circuit
	// Skipped entries, i.e. w/o id or w/ invalid classes:
	skipped  int
	loadedAt time.Time
}

func NewCircuitList(circuits []*Circuit) *CircuitList {
	cl := &CircuitList{
		circuits: make(map[string]*Circuit, len(circuits)),
		loadedAt: time.Now(),
	}
	for _, c := range circuits {
		cl.circuits[c.CircuitId] = c
	}
	return cl
}

// The watched.CircuitDirectory interface:
func (cl *CircuitList) LookupCircuit(circuitId string) (qdisc.TcHandle, qdisc.TcHandle, bool) {
	if c := cl.circuits[circuitId]; c != nil {
		return c.DownloadClass, c.UploadClass, true
	}
	return qdisc.TcHandleNone, qdisc.TcHandleNone, false
}

func (cl *CircuitList) Get(circuitId string) *Circuit {
	return cl.circuits[circuitId]
}

func (cl *CircuitList) Len() int {
	return len(cl.circuits)
}

func (cl *CircuitList) Skipped() int {
	return cl.skipped
}

func (cl *CircuitList) LoadedAt() time.Time {
	return cl.loadedAt
}

// Sorted by id:
func (cl *CircuitList) Circuits() []*Circuit {
	circuits := make([]*Circuit, 0, len(cl.circuits))
	for _, c := range cl.circuits {
		circuits = append(circuits, c)
	}
	sort.Slice(circuits, func(i, j int) bool {
		return circuits[i].CircuitId < circuits[j].CircuitId
	})
	return circuits
}

// Class ids are written by LibreQoS as "0xMAJ:0xMIN":
func ParseClassId(s string) (qdisc.TcHandle, error) {
	if maj, min, ok := strings.Cut(s, ":"); ok {
		s = strings.TrimPrefix(maj, "0x") + ":" + strings.TrimPrefix(min, "0x")
	} else {
		s = strings.TrimPrefix(s, "0x")
	}
	return qdisc.ParseTcHandle(s)
}

func firstString(node gjson.Result, keys []string) string {
	for _, key := range keys {
		if v := node.Get(key); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func (cl *CircuitList) addCircuit(nodeName string, circuit gjson.Result) {
	circuitId := firstString(circuit, circuitIdKeys)
	if circuitId == "" {
		circuitsLog.Debugf("node %q: circuit w/o id, skipped", nodeName)
		cl.skipped++
		return
	}
	download, err := ParseClassId(firstString(circuit, downloadKeys))
	if err == nil && download.IsNone() {
		err = fmt.Errorf("missing download class")
	}
	if err != nil {
		circuitsLog.Warnf("circuit %q: download class: %v, skipped", circuitId, err)
		cl.skipped++
		return
	}
	upload, err := ParseClassId(firstString(circuit, uploadKeys))
	if err == nil && upload.IsNone() {
		err = fmt.Errorf("missing upload class")
	}
	if err != nil {
		circuitsLog.Warnf("circuit %q: upload class: %v, skipped", circuitId, err)
		cl.skipped++
		return
	}
	if _, ok := cl.circuits[circuitId]; ok {
		circuitsLog.Warnf("circuit %q: duplicate id, node %q entry ignored", circuitId, nodeName)
		cl.skipped++
		return
	}
	cl.circuits[circuitId] = &Circuit{
		CircuitId:     circuitId,
		CircuitName:   firstString(circuit, circuitNameKeys),
		ParentNode:    nodeName,
		DownloadClass: download,
		UploadClass:   upload,
	}
}

func (cl *CircuitList) walkNode(nodeName string, node gjson.Result) {
	node.Get(QUEUING_STRUCTURE_CIRCUITS_KEY).ForEach(func(_, circuit gjson.Result) bool {
		cl.addCircuit(nodeName, circuit)
		return true
	})
	node.Get(QUEUING_STRUCTURE_CHILDREN_KEY).ForEach(func(childName, child gjson.Result) bool {
		cl.walkNode(childName.String(), child)
		return true
	})
}

func ParseQueuingStructure(data []byte) (*CircuitList, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("ParseQueuingStructure: invalid JSON")
	}
	root := gjson.GetBytes(data, QUEUING_STRUCTURE_NETWORK_KEY)
	if !root.Exists() {
		root = gjson.ParseBytes(data)
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("ParseQueuingStructure: %s: not an object", root.Type)
	}

	cl := NewCircuitList(nil)
	root.ForEach(func(nodeName, node gjson.Result) bool {
		cl.walkNode(nodeName.String(), node)
		return true
	})
	return cl, nil
}

func LoadQueuingStructure(path string) (*CircuitList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cl, err := ParseQueuingStructure(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	circuitsLog.Infof("%s: loaded %d circuit(s), %d skipped", path, cl.Len(), cl.skipped)
	return cl, nil
}
