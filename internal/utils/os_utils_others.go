// Misc Other OS related info

//go:build !linux

package utils

import (
	"runtime"
	"time"
)

func getOsNameRelease() (string, string, error) {
	return runtime.GOOS, "", nil
}

// No portable boot time, use the agent start time instead:
func getOsBtime() time.Time {
	return StartTime
}
