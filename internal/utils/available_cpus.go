// Cache available cpu#.
//
// For Linux the latter is based on cpu affinity mask, whereas for non Linux it
// is based on runtime.NumCPU.

package utils

import (
	"fmt"
	"runtime"
)

// Parallelism probe modes, i.e. which CPU count is used as the number of
// usable parallel execution units:
const (
	PARALLELISM_AFFINITY = "affinity"
	PARALLELISM_ONLINE   = "online"
	PARALLELISM_POSSIBLE = "possible"
)

// Return the CPU count function for a given mode; an empty mode is the same as
// PARALLELISM_AFFINITY:
func ParallelismProbe(mode string) (func() int, error) {
	switch mode {
	case PARALLELISM_AFFINITY, "":
		return CountAvailableCPUs, nil
	case PARALLELISM_ONLINE:
		return CountOnlineCPUs, nil
	case PARALLELISM_POSSIBLE:
		return CountPossibleCPUs, nil
	}
	return nil, fmt.Errorf(
		"invalid parallelism mode %q, it should be one of %q, %q or %q",
		mode, PARALLELISM_AFFINITY, PARALLELISM_ONLINE, PARALLELISM_POSSIBLE,
	)
}

func fallbackCpuCount(n int, err error) int {
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}
