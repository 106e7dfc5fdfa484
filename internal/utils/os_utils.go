// Misc OS related info

package utils

import (
	"fmt"
	"os"
	"time"
)

var (
	OSName    string
	OSRelease string
	// Boot time:
	OSBtime time.Time
	// Agent start time:
	StartTime = time.Now()
)

func init() {
	var err error
	OSName, OSRelease, err = getOsNameRelease()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot determine OS name and release: %v\n", err)
	}
	OSBtime = getOsBtime()
}

// Host uptime, based on boot time:
func OSUptime() time.Duration {
	return time.Since(OSBtime).Truncate(time.Second)
}

// Agent uptime:
func Uptime() time.Duration {
	return time.Since(StartTime).Truncate(time.Second)
}
