// Batch decoding, w/ per entry errors.

package qdisc

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Numbers are kept as json.Number such that 64 bit counters are not rounded
// via float64:
var tcJson = jsoniter.Config{
	UseNumber: true,
}.Froze()

type EntryError struct {
	// Index in the batch:
	Index int
	// Kind, if it could be determined:
	Kind string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry# %d (kind %q): %v", e.Index, e.Kind, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

type DecodeBatchResult struct {
	Qdiscs []QueueDiscipline
	Errors []*EntryError
}

// Decode each entry independently; a failed entry is reported and skipped, it
// does not affect the other entries:
func DecodeBatch(entries []map[string]any) *DecodeBatchResult {
	res := &DecodeBatchResult{
		Qdiscs: make([]QueueDiscipline, 0, len(entries)),
	}
	for i, entry := range entries {
		q, err := Decode(entry)
		if err != nil {
			kind, _ := entry[QDISC_KIND_FIELD].(string)
			res.Errors = append(res.Errors, &EntryError{i, kind, err})
			continue
		}
		res.Qdiscs = append(res.Qdiscs, q)
	}
	return res
}

// Parse the tc -j output, which should be a list of objects. A malformed
// document is an error for the whole batch:
func ParseTcJson(data []byte) ([]map[string]any, error) {
	entries := make([]map[string]any, 0)
	if err := tcJson.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("ParseTcJson: %v", err)
	}
	return entries, nil
}
