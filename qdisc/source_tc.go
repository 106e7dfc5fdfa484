// Snapshot via tc -s -j qdisc show dev IFACE [parent CLASS]

package qdisc

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

type TcSnapshotSource struct {
	tcPath  string
	timeout time.Duration
	// Mockable for testing:
	runFn func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	stderr := &bytes.Buffer{}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		err = fmt.Errorf("%v: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, err
}

func NewTcSnapshotSource(tcPath string, timeout time.Duration) *TcSnapshotSource {
	if tcPath == "" {
		tcPath = SNAPSHOT_SOURCE_TC_PATH_DEFAULT
	}
	if timeout <= 0 {
		timeout = SNAPSHOT_SOURCE_TIMEOUT_DEFAULT
	}
	return &TcSnapshotSource{
		tcPath:  tcPath,
		timeout: timeout,
		runFn:   runCommand,
	}
}

func (src *TcSnapshotSource) commandArgs(iface string, parent TcHandle) []string {
	args := []string{"-s", "-j", "qdisc", "show", "dev", iface}
	if !parent.IsNone() {
		args = append(args, "parent", parent.String())
	}
	return args
}

func (src *TcSnapshotSource) Snapshot(iface string, parent TcHandle) ([]map[string]any, error) {
	ctx, cancelFn := context.WithTimeout(context.Background(), src.timeout)
	defer cancelFn()

	out, err := src.runFn(ctx, src.tcPath, src.commandArgs(iface, parent)...)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v", src.tcPath, iface, err)
	}
	// An unknown device or class yields no output rather than an empty list:
	if len(bytes.TrimSpace(out)) == 0 {
		return []map[string]any{}, nil
	}
	return ParseTcJson(out)
}
