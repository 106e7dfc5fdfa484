// Count available CPUs based on affinity

//go:build linux

package utils

import (
	"github.com/tklauser/go-sysconf"
	"github.com/tklauser/numcpus"
	"golang.org/x/sys/unix"
)

func CountAvailableCPUs() int {
	cpuSet := unix.CPUSet{}
	if err := unix.SchedGetaffinity(0, &cpuSet); err != nil {
		return CountOnlineCPUs()
	}
	return fallbackCpuCount(cpuSet.Count(), nil)
}

func CountOnlineCPUs() int {
	n, err := sysconf.Sysconf(sysconf.SC_NPROCESSORS_ONLN)
	return fallbackCpuCount(int(n), err)
}

func CountPossibleCPUs() int {
	return fallbackCpuCount(numcpus.GetPossible())
}
