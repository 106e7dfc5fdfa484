// Loosely typed field value conversion and unknown key logging.

package qdisc

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
)

// The values may come from encoding/json or jsoniter (float64 or json.Number),
// or they may be populated directly from native sources (netlink) as integers.
func fieldUint64(key string, value any) (uint64, error) {
	switch v := value.(type) {
	case json.Number:
		if u, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return u, nil
		}
		// Maybe float notation, e.g. 1e3:
		f, err := v.Float64()
		if err == nil {
			return float64ToUint64(key, f)
		}
	case float64:
		return float64ToUint64(key, v)
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	case int32:
		if v >= 0 {
			return uint64(v), nil
		}
	case int:
		if v >= 0 {
			return uint64(v), nil
		}
	}
	return 0, fmt.Errorf("%w: %s: %v (%T) not an unsigned integer", ErrInvalidFieldValue, key, value, value)
}

func float64ToUint64(key string, f float64) (uint64, error) {
	if f < 0 || f != math.Trunc(f) || f >= math.MaxUint64 {
		return 0, fmt.Errorf("%w: %s: %v not an unsigned integer", ErrInvalidFieldValue, key, f)
	}
	return uint64(f), nil
}

func fieldBool(key string, value any) (bool, error) {
	if v, ok := value.(bool); ok {
		return v, nil
	}
	return false, fmt.Errorf("%w: %s: %v (%T) not a bool", ErrInvalidFieldValue, key, value, value)
}

func fieldTcHandle(key string, value any) (TcHandle, error) {
	if s, ok := value.(string); ok {
		h, err := ParseTcHandle(s)
		if err != nil {
			return TcHandleNone, fmt.Errorf("%w: %s: %v", ErrInvalidFieldValue, key, err)
		}
		return h, nil
	}
	v, err := fieldUint64(key, value)
	if err != nil {
		return TcHandleNone, err
	}
	if v > math.MaxUint32 {
		return TcHandleNone, fmt.Errorf("%w: %s: %d exceeds 32 bit", ErrInvalidFieldValue, key, v)
	}
	return TcHandleFromUint32(uint32(v)), nil
}

// Unknown keys and kinds are logged at most once per distinct key, since the
// same snapshot shape is decoded every poll cycle.
type LogOnce struct {
	seen map[string]bool
	mu   *sync.Mutex
}

func NewLogOnce() *LogOnce {
	return &LogOnce{
		seen: make(map[string]bool),
		mu:   &sync.Mutex{},
	}
}

// Return true if the key was seen for the 1st time (and logged):
func (lo *LogOnce) Infof(key string, format string, args ...any) bool {
	lo.mu.Lock()
	if lo.seen[key] {
		lo.mu.Unlock()
		return false
	}
	lo.seen[key] = true
	lo.mu.Unlock()
	qdiscLog.Infof(format, args...)
	return true
}

func (lo *LogOnce) Count() int {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	return len(lo.seen)
}

func (lo *LogOnce) Reset() {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	lo.seen = make(map[string]bool)
}

var unknownKeyLog = NewLogOnce()

// scope is the kind, optionally suffixed w/ the sub-map, e.g. fq_codel.options:
func logUnknownKey(scope, key string) {
	unknownKeyLog.Infof(
		scope+":"+key,
		"unknown entry in %s decoder: %q", scope, key,
	)
}
